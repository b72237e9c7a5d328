package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-jose/go-jose/v3"
)

// KeyMaterial holds the server's single RS256 signing keypair. It is built
// once at startup and immutable afterwards, so it is safe to share across
// goroutines without locking. Rotating the key invalidates all previously
// issued unexpired tokens; there is no rotation overlap.
type KeyMaterial struct {
	kid        string
	privateKey *rsa.PrivateKey
}

// LoadOrGenerateKeyMaterial reads the signing key from path, or generates a
// fresh RSA keypair and persists it there. When path is empty the key is
// ephemeral and the kid changes on every restart.
func LoadOrGenerateKeyMaterial(path string) (*KeyMaterial, error) {
	if path != "" {
		km, err := loadKeyMaterial(path)
		if err == nil {
			return km, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	km := &KeyMaterial{kid: newKeyID(), privateKey: key}

	if path != "" {
		if err := km.persist(path); err != nil {
			return nil, err
		}
	}
	return km, nil
}

// KeyID returns the key identifier published in JWKS and token headers.
func (k *KeyMaterial) KeyID() string { return k.kid }

// PrivateKey returns the signing key.
func (k *KeyMaterial) PrivateKey() *rsa.PrivateKey { return k.privateKey }

// PublicKey returns the verification key.
func (k *KeyMaterial) PublicKey() *rsa.PublicKey { return &k.privateKey.PublicKey }

func (k *KeyMaterial) persist(path string) error {
	jwk := jose.JSONWebKey{Key: k.privateKey, KeyID: k.kid, Algorithm: string(jose.RS256), Use: "sig"}
	payload, err := json.MarshalIndent(jwk, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func loadKeyMaterial(path string) (*KeyMaterial, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(payload, &jwk); err != nil {
		return nil, fmt.Errorf("parse signing key %s: %w", path, err)
	}
	priv, ok := jwk.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s is not an RSA private key", path)
	}
	if jwk.KeyID == "" {
		return nil, fmt.Errorf("signing key %s has no kid", path)
	}
	return &KeyMaterial{kid: jwk.KeyID, privateKey: priv}, nil
}

func newKeyID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
