package oidc

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"
)

// ExchangeEngine validates token requests and turns single-use authorization
// codes into signed tokens. Every protocol-level failure is reported as the
// same invalid_grant so the endpoint cannot be used as an oracle for which
// check failed.
type ExchangeEngine struct {
	codes     AuthorizationCodeStore
	actors    ActorDirectory
	issuer    *TokenIssuer
	audience  string
	accessTTL time.Duration
	idTTL     time.Duration
	logger    *slog.Logger

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// NewExchangeEngine constructs the engine. audience is the server's own
// audience, stamped into access tokens; ID tokens are always addressed to
// the requesting client.
func NewExchangeEngine(codes AuthorizationCodeStore, actors ActorDirectory, issuer *TokenIssuer, audience string, accessTTL, idTTL time.Duration, logger *slog.Logger) *ExchangeEngine {
	return &ExchangeEngine{
		codes:     codes,
		actors:    actors,
		issuer:    issuer,
		audience:  audience,
		accessTTL: accessTTL,
		idTTL:     idTTL,
		logger:    logger,
	}
}

func (e *ExchangeEngine) clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Exchange runs the code-for-tokens exchange. The code is consumed
// atomically after the PKCE verifier checks out and before any token is
// signed, so a concurrent or retried request with the same code always fails
// with invalid_grant.
func (e *ExchangeEngine) Exchange(req TokenRequest) (TokenResponse, error) {
	if req.GrantType != "authorization_code" {
		return TokenResponse{}, ErrInvalidGrant
	}

	code, ok := e.codes.GetCode(req.Code)
	if !ok {
		return TokenResponse{}, ErrInvalidGrant
	}
	if e.clock().After(code.ExpiresAt) {
		return TokenResponse{}, ErrInvalidGrant
	}
	if code.ClientID != req.ClientID {
		return TokenResponse{}, ErrInvalidGrant
	}
	if code.RedirectURI != req.RedirectURI {
		return TokenResponse{}, ErrInvalidGrant
	}
	if code.CodeChallengeMethod != "S256" {
		return TokenResponse{}, ErrInvalidGrant
	}
	if !verifyPKCE(code.CodeChallenge, req.CodeVerifier) {
		return TokenResponse{}, ErrInvalidGrant
	}

	// Single use: whoever loses this race gets invalid_grant.
	code, ok = e.codes.TakeCode(req.Code)
	if !ok {
		return TokenResponse{}, ErrInvalidGrant
	}

	actor, ok := e.actors.LookupBySubject(code.Subject)
	if !ok {
		return TokenResponse{}, fmt.Errorf("%w: %s", ErrActorNotFound, code.Subject)
	}

	idClaims := map[string]any{
		"auth_time": code.AuthTime.Unix(),
	}
	if code.Nonce != "" {
		idClaims["nonce"] = code.Nonce
	}
	addProfileClaims(idClaims, actor)

	idToken, err := e.issuer.Issue(actor.Subject, code.ClientID, idClaims, e.idTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	accessClaims := map[string]any{
		"scope": code.Scope,
	}
	addProfileClaims(accessClaims, actor)

	accessToken, err := e.issuer.Issue(actor.Subject, e.audience, accessClaims, e.accessTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	e.logger.Debug("authorization code exchanged", "client_id", req.ClientID, "sub", actor.Subject)
	return TokenResponse{
		IDToken:     idToken,
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(e.accessTTL.Seconds()),
	}, nil
}

func addProfileClaims(claims map[string]any, actor Actor) {
	if actor.Name != "" {
		claims["name"] = actor.Name
	}
	if actor.Role != "" {
		claims["role"] = actor.Role
	}
	if actor.Mid != "" {
		claims["mid"] = actor.Mid
	}
}

// PKCEChallenge computes the S256 challenge for a verifier: SHA-256,
// base64url, no padding.
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func verifyPKCE(challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	computed := PKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
