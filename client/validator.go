// Package client validates access tokens minted by the medatarun
// authorization server, for resource servers that only hold its JWKS URL.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	Issuer     string
	JWKSURL    string
	Audiences  []string
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Validator verifies RS256 access tokens against a remotely published JWKS.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client

	mu      sync.RWMutex
	set     jose.JSONWebKeySet
	expires time.Time
}

// Claims is a simplified view of validated token claims.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Name      string
	Role      string
	Mid       string
	Scope     string
	ExpiresAt time.Time
	Raw       map[string]any
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Validator{cfg: cfg, client: client}
}

// Validate fetches the JWKS if necessary and validates the token.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(30*time.Second),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.signingKey(ctx, kid)
	})
	if err != nil {
		return nil, err
	}
	return v.viewClaims(claims)
}

func (v *Validator) signingKey(ctx context.Context, kid string) (any, error) {
	set, err := v.keySet(ctx, false)
	if err != nil {
		return nil, err
	}
	if key := findKey(set, kid); key != nil {
		return key.Key, nil
	}

	// The server may have been restarted with a fresh key.
	set, err = v.keySet(ctx, true)
	if err != nil {
		return nil, err
	}
	if key := findKey(set, kid); key != nil {
		return key.Key, nil
	}
	return nil, fmt.Errorf("signing key %q not found", kid)
}

func (v *Validator) keySet(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	set, expires := v.set, v.expires
	v.mu.RUnlock()
	if !force && len(set.Keys) > 0 && time.Now().Before(expires) {
		return set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var fresh jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&fresh); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	v.mu.Lock()
	v.set = fresh
	v.expires = time.Now().Add(v.cfg.CacheTTL)
	v.mu.Unlock()
	return fresh, nil
}

func (v *Validator) viewClaims(mc jwt.MapClaims) (*Claims, error) {
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errors.New("sub missing")
	}

	audiences := normalizeAudience(mc["aud"])
	if len(v.cfg.Audiences) > 0 && !audienceAllowed(audiences, v.cfg.Audiences) {
		return nil, errors.New("audience rejected")
	}

	raw := make(map[string]any, len(mc))
	for k, val := range mc {
		raw[k] = val
	}

	iss, _ := mc["iss"].(string)
	name, _ := mc["name"].(string)
	role, _ := mc["role"].(string)
	mid, _ := mc["mid"].(string)
	scope, _ := mc["scope"].(string)

	out := &Claims{
		Subject:   sub,
		Issuer:    iss,
		Audiences: audiences,
		Name:      name,
		Role:      role,
		Mid:       mid,
		Scope:     scope,
		Raw:       raw,
	}
	if exp, ok := mc["exp"].(float64); ok {
		out.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return out, nil
}

type claimsKey struct{}

// RequireAuth is middleware that validates bearer tokens and injects claims
// into the request context.
func RequireAuth(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if kid == "" || set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}

func audienceAllowed(aud, expected []string) bool {
	for _, a := range aud {
		for _, e := range expected {
			if a == e {
				return true
			}
		}
	}
	return false
}

func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
