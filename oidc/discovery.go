package oidc

import "strings"

// DiscoveryDocument builds the .well-known metadata. publicBaseURI is the
// externally visible base URL supplied by the caller: the server may sit
// behind a reverse proxy and must never advertise its own perceived host.
func DiscoveryDocument(publicBaseURI string) map[string]any {
	base := strings.TrimSuffix(publicBaseURI, "/")
	return map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/oidc/authorize",
		"token_endpoint":                        base + "/oidc/token",
		"jwks_uri":                              base + "/oidc/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"subject_types_supported":               []string{"public"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	}
}
