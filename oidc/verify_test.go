package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func verifyInternal(t *testing.T, resolver *VerifierResolver, token string) jwt.MapClaims {
	t.Helper()
	verifier, err := resolver.Resolve(testCtx(t), token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return claims
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return signed
}

func externalTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate external key: %v", err)
	}
	return key
}

func serveJWKS(t *testing.T, keys ...jose.JSONWebKey) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: keys})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func extClaims(aud any) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": "https://ext.test",
		"aud": aud,
		"sub": "remote-user",
		"exp": time.Now().Add(time.Minute).Unix(),
	}
}

func newExternalResolver(t *testing.T, jwksURL string) *VerifierResolver {
	t.Helper()
	keys, err := LoadOrGenerateKeyMaterial("")
	if err != nil {
		t.Fatalf("LoadOrGenerateKeyMaterial: %v", err)
	}
	return NewVerifierResolver("http://idp.test", "medatarun", keys, []ExternalIssuer{{
		Issuer:     "https://ext.test",
		JWKSURL:    jwksURL,
		Algorithms: []string{"RS256"},
		Audiences:  []string{"api-a", "api-b"},
	}}, testLogger())
}

func TestResolveMalformedToken(t *testing.T) {
	resolver := newExternalResolver(t, "http://unused.test/jwks")
	if _, err := resolver.Resolve(testCtx(t), "not.a.token"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("want ErrMalformedToken, got %v", err)
	}
}

func TestResolveMissingClaims(t *testing.T) {
	resolver := newExternalResolver(t, "http://unused.test/jwks")
	key := externalTestKey(t)

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   error
	}{
		{"missing iss", jwt.MapClaims{"aud": "api-a", "sub": "x"}, ErrMissingIssuer},
		{"missing aud", jwt.MapClaims{"iss": "https://ext.test", "sub": "x"}, ErrMissingAudience},
		{"empty aud", jwt.MapClaims{"iss": "https://ext.test", "aud": "", "sub": "x"}, ErrMissingAudience},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := signTestToken(t, key, "k1", tt.claims)
			if _, err := resolver.Resolve(testCtx(t), token); !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestResolveUnknownIssuer(t *testing.T) {
	resolver := newExternalResolver(t, "http://unused.test/jwks")
	key := externalTestKey(t)
	token := signTestToken(t, key, "k1", jwt.MapClaims{
		"iss": "https://stranger.test",
		"aud": "api-a",
		"sub": "x",
	})
	if _, err := resolver.Resolve(testCtx(t), token); !errors.Is(err, ErrUnknownIssuer) {
		t.Fatalf("want ErrUnknownIssuer, got %v", err)
	}
}

func TestResolveInternalToken(t *testing.T) {
	keys, err := LoadOrGenerateKeyMaterial("")
	if err != nil {
		t.Fatalf("LoadOrGenerateKeyMaterial: %v", err)
	}
	resolver := NewVerifierResolver("http://idp.test", "medatarun", keys, nil, testLogger())
	issuer := NewTokenIssuer("http://idp.test", keys)

	token, err := issuer.Issue("alice", "medatarun", nil, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims := verifyInternal(t, resolver, token)
	if claims["sub"] != "alice" {
		t.Fatalf("sub = %v", claims["sub"])
	}

	// Internal token addressed to a foreign audience must be rejected.
	foreign, err := issuer.Issue("alice", "someone-else", nil, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	verifier, err := resolver.Resolve(testCtx(t), foreign)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := verifier.Verify(foreign); !errors.Is(err, ErrAudienceMismatch) {
		t.Fatalf("want ErrAudienceMismatch, got %v", err)
	}
}

func TestResolveExternalToken(t *testing.T) {
	key := externalTestKey(t)
	ts := serveJWKS(t, jose.JSONWebKey{Key: &key.PublicKey, KeyID: "ext-1", Algorithm: "RS256", Use: "sig"})
	resolver := newExternalResolver(t, ts.URL)

	token := signTestToken(t, key, "ext-1", extClaims("api-b"))
	claims := verifyInternal(t, resolver, token)
	if claims["sub"] != "remote-user" {
		t.Fatalf("sub = %v", claims["sub"])
	}

	// Multi-valued audiences are accepted when any value intersects.
	token = signTestToken(t, key, "ext-1", extClaims([]string{"unrelated", "api-a"}))
	if _, err := resolver.Resolve(testCtx(t), token); err != nil {
		t.Fatalf("Resolve multi-aud: %v", err)
	}
}

func TestResolveExternalErrors(t *testing.T) {
	key := externalTestKey(t)
	ts := serveJWKS(t, jose.JSONWebKey{Key: &key.PublicKey, KeyID: "ext-1", Algorithm: "RS256", Use: "sig"})
	resolver := newExternalResolver(t, ts.URL)

	t.Run("missing kid", func(t *testing.T) {
		token := signTestToken(t, key, "", extClaims("api-a"))
		if _, err := resolver.Resolve(testCtx(t), token); !errors.Is(err, ErrMissingKeyID) {
			t.Fatalf("want ErrMissingKeyID, got %v", err)
		}
	})

	t.Run("unknown kid", func(t *testing.T) {
		token := signTestToken(t, key, "rotated-away", extClaims("api-a"))
		if _, err := resolver.Resolve(testCtx(t), token); !errors.Is(err, ErrUnknownKeyID) {
			t.Fatalf("want ErrUnknownKeyID, got %v", err)
		}
	})

	t.Run("algorithm not allowed", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, extClaims("api-a"))
		tok.Header["kid"] = "ext-1"
		token, err := tok.SignedString([]byte("shared-secret"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := resolver.Resolve(testCtx(t), token); !errors.Is(err, ErrAlgorithmNotAllowed) {
			t.Fatalf("want ErrAlgorithmNotAllowed, got %v", err)
		}
	})

	t.Run("audience mismatch", func(t *testing.T) {
		token := signTestToken(t, key, "ext-1", extClaims("somebody-else"))
		verifier, err := resolver.Resolve(testCtx(t), token)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if _, err := verifier.Verify(token); !errors.Is(err, ErrAudienceMismatch) {
			t.Fatalf("want ErrAudienceMismatch, got %v", err)
		}
	})
}

func TestResolveNonRSAKey(t *testing.T) {
	key := externalTestKey(t)
	ts := serveJWKS(t, jose.JSONWebKey{
		Key:       []byte("an-hmac-secret"),
		KeyID:     "ext-1",
		Algorithm: "HS256",
		Use:       "sig",
	})
	resolver := newExternalResolver(t, ts.URL)

	token := signTestToken(t, key, "ext-1", extClaims("api-a"))
	if _, err := resolver.Resolve(testCtx(t), token); !errors.Is(err, ErrKeyNotRSA) {
		t.Fatalf("want ErrKeyNotRSA, got %v", err)
	}
}

func TestResolveJWKSFetchFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)
	resolver := newExternalResolver(t, ts.URL)

	key := externalTestKey(t)
	token := signTestToken(t, key, "ext-1", extClaims("api-a"))
	if _, err := resolver.Resolve(testCtx(t), token); !errors.Is(err, ErrJWKSFetch) {
		t.Fatalf("want ErrJWKSFetch, got %v", err)
	}
}

func TestResolveDiscoversJWKSEndpoint(t *testing.T) {
	key := externalTestKey(t)
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	mux.HandleFunc("/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &key.PublicKey, KeyID: "disc-1", Algorithm: "RS256", Use: "sig"},
		}})
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"issuer":%q,"jwks_uri":%q}`, ts.URL, ts.URL+"/jwks.json")
	})

	keys, err := LoadOrGenerateKeyMaterial("")
	if err != nil {
		t.Fatalf("LoadOrGenerateKeyMaterial: %v", err)
	}
	resolver := NewVerifierResolver("http://idp.test", "medatarun", keys, []ExternalIssuer{{
		Issuer:     ts.URL,
		Algorithms: []string{"RS256"},
		Audiences:  []string{"api-a"},
	}}, testLogger())

	token := signTestToken(t, key, "disc-1", jwt.MapClaims{
		"iss": ts.URL,
		"aud": "api-a",
		"sub": "remote-user",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	claims := verifyInternal(t, resolver, token)
	if claims["sub"] != "remote-user" {
		t.Fatalf("sub = %v", claims["sub"])
	}
}
