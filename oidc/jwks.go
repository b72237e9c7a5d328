package oidc

import "github.com/go-jose/go-jose/v3"

// PublishJWKS returns the public key set served at /oidc/jwks.json. Exactly
// one key is ever published.
func PublishJWKS(keys *KeyMaterial) jose.JSONWebKeySet {
	jwk := jose.JSONWebKey{
		Key:       keys.PublicKey(),
		KeyID:     keys.KeyID(),
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}
}
