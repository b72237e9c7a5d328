package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const defaultJWKSCacheTTL = 5 * time.Minute

// ExternalIssuer describes one trusted external OIDC provider. When JWKSURL
// is empty it is resolved once from the issuer's discovery document.
type ExternalIssuer struct {
	Issuer     string
	JWKSURL    string
	Algorithms []string
	Audiences  []string
}

// VerifierResolver inspects an incoming bearer token and builds the verifier
// that is allowed to validate it: the server's own key for internal tokens,
// or a key fetched from a configured external provider's JWKS endpoint.
type VerifierResolver struct {
	issuer   string
	audience string
	keys     *KeyMaterial
	external map[string]ExternalIssuer
	client   *http.Client
	cacheTTL time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	jwksURL map[string]string
	cache   map[string]keySetEntry
}

type keySetEntry struct {
	set     jose.JSONWebKeySet
	expires time.Time
	etag    string
}

// NewVerifierResolver constructs a resolver. issuer and audience identify
// the server's own tokens; external lists the trusted foreign providers.
func NewVerifierResolver(issuer, audience string, keys *KeyMaterial, external []ExternalIssuer, logger *slog.Logger) *VerifierResolver {
	byIssuer := make(map[string]ExternalIssuer, len(external))
	jwksURL := make(map[string]string, len(external))
	for _, ext := range external {
		byIssuer[ext.Issuer] = ext
		if ext.JWKSURL != "" {
			jwksURL[ext.Issuer] = ext.JWKSURL
		}
	}
	return &VerifierResolver{
		issuer:   issuer,
		audience: audience,
		keys:     keys,
		external: byIssuer,
		client:   http.DefaultClient,
		cacheTTL: defaultJWKSCacheTTL,
		logger:   logger,
		jwksURL:  jwksURL,
		cache:    make(map[string]keySetEntry),
	}
}

// SetHTTPClient replaces the client used for JWKS and discovery fetches.
func (r *VerifierResolver) SetHTTPClient(c *http.Client) { r.client = c }

// Resolve decodes the token without trusting it, decides which issuer it
// claims to come from, and returns a verifier bound to that issuer's key,
// algorithm, and allowed audience set. Nothing about the token is believed
// until the returned verifier has run.
func (r *VerifierResolver) Resolve(ctx context.Context, token string) (*Verifier, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	claims := tok.Claims.(jwt.MapClaims)

	iss, _ := claims["iss"].(string)
	if iss == "" {
		return nil, ErrMissingIssuer
	}
	if len(normalizeAudience(claims["aud"])) == 0 {
		return nil, ErrMissingAudience
	}
	alg, _ := tok.Header["alg"].(string)
	if alg == "" {
		return nil, ErrMissingAlgorithm
	}

	if iss == r.issuer {
		if alg != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("%w: %s", ErrAlgorithmNotAllowed, alg)
		}
		return &Verifier{
			issuer:    iss,
			algorithm: alg,
			key:       r.keys.PublicKey(),
			audiences: []string{r.audience},
		}, nil
	}

	ext, ok := r.external[iss]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, iss)
	}
	if !slices.Contains(ext.Algorithms, alg) {
		return nil, fmt.Errorf("%w: %s", ErrAlgorithmNotAllowed, alg)
	}
	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return nil, ErrMissingKeyID
	}
	key, err := r.externalKey(ctx, ext, kid)
	if err != nil {
		return nil, err
	}
	return &Verifier{issuer: iss, algorithm: alg, key: key, audiences: ext.Audiences}, nil
}

func (r *VerifierResolver) externalKey(ctx context.Context, ext ExternalIssuer, kid string) (*rsa.PublicKey, error) {
	url, err := r.resolveJWKSURL(ctx, ext)
	if err != nil {
		return nil, err
	}

	set, err := r.keySet(ctx, url, false)
	if err != nil {
		return nil, err
	}
	jwk := findKey(set, kid)
	if jwk == nil {
		// The provider may have rotated since the last fetch.
		set, err = r.keySet(ctx, url, true)
		if err != nil {
			return nil, err
		}
		jwk = findKey(set, kid)
	}
	if jwk == nil {
		return nil, fmt.Errorf("%w: %s at %s", ErrUnknownKeyID, kid, ext.Issuer)
	}
	pub, ok := jwk.Key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: kid %s at %s", ErrKeyNotRSA, kid, ext.Issuer)
	}
	return pub, nil
}

func (r *VerifierResolver) resolveJWKSURL(ctx context.Context, ext ExternalIssuer) (string, error) {
	r.mu.RLock()
	url, ok := r.jwksURL[ext.Issuer]
	r.mu.RUnlock()
	if ok {
		return url, nil
	}

	provider, err := gooidc.NewProvider(gooidc.ClientContext(ctx, r.client), ext.Issuer)
	if err != nil {
		return "", fmt.Errorf("%w: discover %s: %v", ErrJWKSFetch, ext.Issuer, err)
	}
	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil || meta.JWKSURL == "" {
		return "", fmt.Errorf("%w: %s advertises no jwks_uri", ErrJWKSFetch, ext.Issuer)
	}

	r.mu.Lock()
	r.jwksURL[ext.Issuer] = meta.JWKSURL
	r.mu.Unlock()
	r.logger.Debug("resolved jwks endpoint", "issuer", ext.Issuer, "jwks_uri", meta.JWKSURL)
	return meta.JWKSURL, nil
}

func (r *VerifierResolver) keySet(ctx context.Context, url string, force bool) (jose.JSONWebKeySet, error) {
	r.mu.RLock()
	entry, ok := r.cache[url]
	r.mu.RUnlock()
	if ok && !force && time.Now().Before(entry.expires) {
		return entry.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}
	if entry.etag != "" {
		req.Header.Set("If-None-Match", entry.etag)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %s: %v", ErrJWKSFetch, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && ok {
		entry.expires = time.Now().Add(r.cacheTTL)
		r.storeEntry(url, entry)
		return entry.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %s: %s", ErrJWKSFetch, url, resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %s: %v", ErrJWKSFetch, url, err)
	}

	entry = keySetEntry{set: set, expires: time.Now().Add(r.cacheTTL), etag: resp.Header.Get("ETag")}
	r.storeEntry(url, entry)
	return set, nil
}

func (r *VerifierResolver) storeEntry(url string, entry keySetEntry) {
	r.mu.Lock()
	r.cache[url] = entry
	r.mu.Unlock()
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}

// Verifier validates a token against one resolved trust relationship: a
// single key, a single algorithm, and the audience set the issuer is
// trusted for.
type Verifier struct {
	issuer    string
	algorithm string
	key       *rsa.PublicKey
	audiences []string
}

// Verify checks the signature, issuer, and time claims, then independently
// re-checks that the token's audience intersects the allowed set. The
// audience check is separate because an issuer may be trusted for several
// audiences while the signature library only matches one.
func (v *Verifier) Verify(token string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithIssuer(v.issuer),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	if !audienceAccepted(normalizeAudience(claims["aud"]), v.audiences) {
		return nil, fmt.Errorf("%w: %v", ErrAudienceMismatch, claims["aud"])
	}
	return claims, nil
}

func audienceAccepted(aud, allowed []string) bool {
	for _, a := range aud {
		if slices.Contains(allowed, a) {
			return true
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
	case []string:
		return v
	default:
		return nil
	}
}
