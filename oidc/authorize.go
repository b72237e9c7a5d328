package oidc

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"
)

// TTLs fixed by design. A pending context survives long enough for a user to
// type a password; a code only has to cross one redirect.
const (
	AuthorizeContextTTL  = 15 * time.Minute
	AuthorizationCodeTTL = 120 * time.Second
)

// OutcomeKind discriminates AuthorizeOutcome variants.
type OutcomeKind int

const (
	// OutcomeValid means a context was stored; the caller pairs the code
	// with a login UI.
	OutcomeValid OutcomeKind = iota
	// OutcomeRedirectError means the redirect URI is trustworthy and the
	// error must be reported there as query parameters.
	OutcomeRedirectError
	// OutcomeFatal means no redirect is safe; the caller renders an error
	// page and never redirects.
	OutcomeFatal
)

// AuthorizeOutcome is the tagged result of an authorize validation.
type AuthorizeOutcome struct {
	Kind        OutcomeKind
	AuthCtxCode string
	RedirectURI string
	ErrorCode   string
	State       string
	Reason      string
}

func validOutcome(authCtxCode string) AuthorizeOutcome {
	return AuthorizeOutcome{Kind: OutcomeValid, AuthCtxCode: authCtxCode}
}

func redirectError(redirectURI, errorCode, state string) AuthorizeOutcome {
	return AuthorizeOutcome{Kind: OutcomeRedirectError, RedirectURI: redirectURI, ErrorCode: errorCode, State: state}
}

func fatalError(reason string) AuthorizeOutcome {
	return AuthorizeOutcome{Kind: OutcomeFatal, Reason: reason}
}

// AuthorizeEngine validates authorization requests against the client
// registry and OIDC/PKCE rules, and turns pending contexts into
// authorization codes once the end user has logged in. It is stateless; all
// mutable state lives in the stores.
type AuthorizeEngine struct {
	clients  *ClientRegistry
	contexts AuthorizeContextStore
	codes    AuthorizationCodeStore
	logger   *slog.Logger

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// NewAuthorizeEngine constructs the engine.
func NewAuthorizeEngine(clients *ClientRegistry, contexts AuthorizeContextStore, codes AuthorizationCodeStore, logger *slog.Logger) *AuthorizeEngine {
	return &AuthorizeEngine{clients: clients, contexts: contexts, codes: codes, logger: logger}
}

func (e *AuthorizeEngine) clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Authorize validates the request. Each check short-circuits in order: until
// the redirect URI itself has been proven trustworthy the only safe failure
// mode is a fatal error, afterwards errors are reported to the client via
// redirect with the state echoed verbatim.
func (e *AuthorizeEngine) Authorize(req AuthorizeRequest) AuthorizeOutcome {
	if req.RedirectURI == "" {
		return fatalError("redirect_uri is required")
	}

	client, ok := e.clients.Get(req.ClientID)
	if req.ClientID == "" || !ok {
		return redirectError(req.RedirectURI, "unauthorized_client", req.State)
	}

	if !client.RedirectAllowed(req.RedirectURI) {
		return fatalError("redirect_uri is not registered for client " + req.ClientID)
	}

	if req.ResponseType != "code" {
		return redirectError(req.RedirectURI, "unsupported_response_type", req.State)
	}

	if !slices.Contains(strings.Split(req.Scope, " "), "openid") {
		return redirectError(req.RedirectURI, "invalid_scope", req.State)
	}

	if req.CodeChallenge == "" {
		return redirectError(req.RedirectURI, "invalid_request", req.State)
	}
	if req.CodeChallengeMethod != "S256" {
		return redirectError(req.RedirectURI, "invalid_request", req.State)
	}

	now := e.clock()
	ctx := AuthorizeContext{
		AuthCtxCode:         newOpaqueCode(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(AuthorizeContextTTL),
	}
	e.contexts.PutContext(ctx)

	e.logger.Debug("authorize request accepted", "client_id", req.ClientID)
	return validOutcome(ctx.AuthCtxCode)
}

// CreateCode consumes the pending context identified by authCtxCode, issues
// a single-use authorization code bound to the original request, and returns
// the redirect location for the client. An unknown context is an integrity
// error: this step is only reachable after a successful Authorize.
func (e *AuthorizeEngine) CreateCode(authCtxCode, subject string) (string, error) {
	ctx, ok := e.contexts.TakeContext(authCtxCode)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAuthContextNotFound, authCtxCode)
	}

	now := e.clock()
	code := AuthorizationCode{
		Code:                newOpaqueCode(),
		ClientID:            ctx.ClientID,
		RedirectURI:         ctx.RedirectURI,
		Subject:             subject,
		Scope:               ctx.Scope,
		Nonce:               ctx.Nonce,
		CodeChallenge:       ctx.CodeChallenge,
		CodeChallengeMethod: ctx.CodeChallengeMethod,
		AuthTime:            now,
		ExpiresAt:           now.Add(AuthorizationCodeTTL),
	}
	e.codes.PutCode(code)

	values := url.Values{}
	values.Set("code", code.Code)
	if ctx.State != "" {
		values.Set("state", ctx.State)
	}
	return ctx.RedirectURI + "?" + values.Encode(), nil
}
