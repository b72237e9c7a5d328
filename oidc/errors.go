package oidc

import "errors"

// Protocol errors. The token endpoint deliberately reports every validation
// failure as the same undifferentiated invalid_grant so callers cannot probe
// which check failed.
var ErrInvalidGrant = errors.New("invalid_grant")

// Integrity errors. These indicate a broken server-side invariant and must
// propagate as hard failures, never as OAuth protocol errors.
var (
	ErrAuthContextNotFound = errors.New("authorize context not found")
	ErrActorNotFound       = errors.New("actor not found for subject")
)

// Trust and verification errors. Each condition is distinct so operators can
// tell a misconfigured trust relationship from a stale key cache from an
// attack attempt.
var (
	ErrMalformedToken      = errors.New("malformed token")
	ErrMissingIssuer       = errors.New("token has no iss claim")
	ErrMissingAudience     = errors.New("token has no aud claim")
	ErrMissingAlgorithm    = errors.New("token header has no alg")
	ErrUnknownIssuer       = errors.New("issuer is not trusted")
	ErrAlgorithmNotAllowed = errors.New("algorithm not allowed for issuer")
	ErrMissingKeyID        = errors.New("token header has no kid")
	ErrJWKSFetch           = errors.New("jwks fetch failed")
	ErrUnknownKeyID        = errors.New("no published key matches kid")
	ErrKeyNotRSA           = errors.New("published key is not an RSA key")
	ErrAudienceMismatch    = errors.New("audience not accepted for issuer")
)
