package oidc

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer signs ID and access tokens with the active key material. It is
// pure given a deterministic clock; signing is the only work it does.
type TokenIssuer struct {
	issuer string
	keys   *KeyMaterial

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// NewTokenIssuer constructs an issuer. The issuer string lands verbatim in
// the iss claim of every token.
func NewTokenIssuer(issuer string, keys *KeyMaterial) *TokenIssuer {
	return &TokenIssuer{issuer: issuer, keys: keys}
}

// Issuer returns the configured iss value.
func (ti *TokenIssuer) Issuer() string { return ti.issuer }

func (ti *TokenIssuer) clock() time.Time {
	if ti.Now != nil {
		return ti.Now()
	}
	return time.Now()
}

// Issue signs an RS256 token with the registered claims plus the supplied
// extra claims. Extra claim values must be scalars; anything else is
// stringified. Nil values are dropped entirely, never emitted as JSON null.
// Registered claims always win over extras of the same name.
func (ti *TokenIssuer) Issue(subject, audience string, extra map[string]any, ttl time.Duration) (string, error) {
	now := ti.clock()
	claims := jwt.MapClaims{}
	for name, value := range extra {
		if value == nil {
			continue
		}
		claims[name] = scalarize(value)
	}
	claims["iss"] = ti.issuer
	claims["aud"] = audience
	claims["sub"] = subject
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = ti.keys.KeyID()
	signed, err := token.SignedString(ti.keys.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func scalarize(value any) any {
	switch v := value.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	default:
		return fmt.Sprint(v)
	}
}
