package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"

	"github.com/medatarun/medatarun-sub000/oidc"
)

type jwksFixture struct {
	keys      *oidc.KeyMaterial
	issuer    *oidc.TokenIssuer
	server    *httptest.Server
	fetches   atomic.Int64
	published atomic.Pointer[jose.JSONWebKeySet]
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	keys, err := oidc.LoadOrGenerateKeyMaterial("")
	if err != nil {
		t.Fatalf("LoadOrGenerateKeyMaterial: %v", err)
	}

	f := &jwksFixture{
		keys:   keys,
		issuer: oidc.NewTokenIssuer("http://idp.test", keys),
	}
	set := oidc.PublishJWKS(keys)
	f.published.Store(&set)

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.published.Load())
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) validator(audiences ...string) *Validator {
	return NewValidator(ValidatorConfig{
		Issuer:    "http://idp.test",
		JWKSURL:   f.server.URL,
		Audiences: audiences,
	})
}

func (f *jwksFixture) token(t *testing.T, audience string, extra map[string]any) string {
	t.Helper()
	token, err := f.issuer.Issue("alice", audience, extra, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func TestValidateToken(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator("api")

	token := f.token(t, "api", map[string]any{
		"name":  "Alice Adams",
		"role":  "admin",
		"mid":   "m-17",
		"scope": "openid profile",
	})

	claims, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "alice" || claims.Issuer != "http://idp.test" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Name != "Alice Adams" || claims.Role != "admin" || claims.Mid != "m-17" {
		t.Fatalf("profile claims = %+v", claims)
	}
	if claims.Scope != "openid profile" {
		t.Fatalf("scope = %q", claims.Scope)
	}
	if claims.ExpiresAt.IsZero() {
		t.Fatal("exp must be populated")
	}
}

func TestValidateRejectsForeignAudience(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator("api")

	token := f.token(t, "someone-else", nil)
	if _, err := v.Validate(context.Background(), token); err == nil {
		t.Fatal("foreign audience must be rejected")
	}
}

func TestValidateRejectsForeignIssuer(t *testing.T) {
	f := newJWKSFixture(t)
	v := NewValidator(ValidatorConfig{
		Issuer:  "http://other-idp.test",
		JWKSURL: f.server.URL,
	})

	if _, err := v.Validate(context.Background(), f.token(t, "api", nil)); err == nil {
		t.Fatal("foreign issuer must be rejected")
	}
}

func TestValidateCachesKeySet(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator()

	for i := 0; i < 3; i++ {
		if _, err := v.Validate(context.Background(), f.token(t, "api", nil)); err != nil {
			t.Fatalf("Validate #%d: %v", i, err)
		}
	}
	if got := f.fetches.Load(); got != 1 {
		t.Fatalf("jwks fetches = %d, want 1 (cached)", got)
	}
}

func TestValidateRefetchesOnUnknownKid(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator()

	if _, err := v.Validate(context.Background(), f.token(t, "api", nil)); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	// Simulate a server restart: new keypair, new kid, fresh JWKS.
	rotated, err := oidc.LoadOrGenerateKeyMaterial("")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	set := oidc.PublishJWKS(rotated)
	f.published.Store(&set)
	f.issuer = oidc.NewTokenIssuer("http://idp.test", rotated)

	if _, err := v.Validate(context.Background(), f.token(t, "api", nil)); err != nil {
		t.Fatalf("validate after rotation: %v", err)
	}
	if got := f.fetches.Load(); got < 2 {
		t.Fatalf("jwks fetches = %d, want a forced refresh", got)
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator("api")

	handler := RequireAuth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Fatal("claims missing from context")
		}
		w.Write([]byte(claims.Subject))
	}))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "api", nil))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Fatalf("status %d body %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", w.Code)
	}
}
