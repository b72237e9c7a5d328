package oidc

import "time"

// AuthorizeRequest carries the parsed parameters of an /oidc/authorize call.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeContext is a pending authorization request awaiting end-user login.
// It is owned by the store and consumed exactly once by CreateCode.
type AuthorizeContext struct {
	AuthCtxCode         string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is a short-lived, single-use code issued after login and
// exchanged exactly once at the token endpoint.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Subject             string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	AuthTime            time.Time
	ExpiresAt           time.Time
}

// TokenRequest carries the form parameters of an /oidc/token call.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	CodeVerifier string
}

// TokenResponse is the token endpoint success payload.
type TokenResponse struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Actor is the profile of an authenticated end user, resolved by subject.
type Actor struct {
	Subject string
	Name    string
	Role    string
	Mid     string
}

// ActorDirectory resolves token subjects to actor profiles. A subject that
// cannot be resolved after code issuance indicates server-side inconsistency,
// never a client error.
type ActorDirectory interface {
	LookupBySubject(subject string) (Actor, bool)
}
