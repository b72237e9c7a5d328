package server

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medatarun/medatarun-sub000/oidc"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     *oidc.MemoryStore
	Clients   *oidc.ClientRegistry
	Keys      *oidc.KeyMaterial
	Issuer    *oidc.TokenIssuer
	Authorize *oidc.AuthorizeEngine
	Exchange  *oidc.ExchangeEngine
	Resolver  *oidc.VerifierResolver
	Directory *StaticDirectory
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	keyPath := ""
	if cfg.Server.SecretsPath != "" {
		keyPath = filepath.Join(cfg.Server.SecretsPath, "signing-key.json")
	}
	keys, err := oidc.LoadOrGenerateKeyMaterial(keyPath)
	if err != nil {
		return nil, err
	}

	clientList := make([]oidc.Client, 0, len(cfg.OidcClients))
	for _, c := range cfg.OidcClients {
		clientList = append(clientList, oidc.Client{ClientID: c.ClientID, RedirectURIs: c.RedirectURIs})
	}
	clients, err := oidc.NewClientRegistry(clientList)
	if err != nil {
		return nil, err
	}

	store := oidc.NewMemoryStore()
	directory := NewStaticDirectory(cfg.Users)
	issuerName := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	issuer := oidc.NewTokenIssuer(issuerName, keys)

	external := make([]oidc.ExternalIssuer, 0, len(cfg.TrustedIssuers))
	for _, t := range cfg.TrustedIssuers {
		external = append(external, oidc.ExternalIssuer{
			Issuer:     t.Issuer,
			JWKSURL:    t.JWKSURL,
			Algorithms: t.Algorithms,
			Audiences:  t.Audiences,
		})
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Clients:   clients,
		Keys:      keys,
		Issuer:    issuer,
		Authorize: oidc.NewAuthorizeEngine(clients, store, store, logger),
		Exchange:  oidc.NewExchangeEngine(store, directory, issuer, cfg.Server.Audience, DefaultAccessTTL, DefaultIDTTL, logger),
		Resolver:  oidc.NewVerifierResolver(issuerName, cfg.Server.Audience, keys, external, logger),
		Directory: directory,
	}, nil
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, oidc.DiscoveryDocument(a.Config.Server.PublicURL))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, oidc.PublishJWKS(a.Keys))
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	req := oidc.AuthorizeRequest{
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		ResponseType:        r.Form.Get("response_type"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		Nonce:               r.Form.Get("nonce"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
	}

	outcome := a.Authorize.Authorize(req)
	switch outcome.Kind {
	case oidc.OutcomeValid:
		a.renderLogin(w, http.StatusOK, loginPage{AuthCtx: outcome.AuthCtxCode})
	case oidc.OutcomeRedirectError:
		redirectWithError(w, outcome.RedirectURI, outcome.ErrorCode, outcome.State)
	default:
		http.Error(w, "invalid_request: "+outcome.Reason, http.StatusBadRequest)
	}
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	authCtx := r.PostForm.Get("auth_ctx")
	if authCtx == "" {
		http.Error(w, "auth_ctx required", http.StatusBadRequest)
		return
	}

	actor, ok := a.Directory.Authenticate(r.PostForm.Get("username"), r.PostForm.Get("password"))
	if !ok {
		a.renderLogin(w, http.StatusUnauthorized, loginPage{AuthCtx: authCtx, Error: "invalid username or password"})
		return
	}

	location, err := a.Authorize.CreateCode(authCtx, actor.Subject)
	if err != nil {
		if errors.Is(err, oidc.ErrAuthContextNotFound) {
			http.Error(w, "login request expired", http.StatusBadRequest)
			return
		}
		a.Logger.Error("create code", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	resp, err := a.Exchange.Exchange(oidc.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
	})
	if err != nil {
		if errors.Is(err, oidc.ErrInvalidGrant) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		a.Logger.Error("token exchange", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sub, _ := claims["sub"].(string)

	resp := map[string]any{"sub": sub}
	if actor, ok := a.Directory.LookupBySubject(sub); ok {
		if actor.Name != "" {
			resp["name"] = actor.Name
		}
		if actor.Role != "" {
			resp["role"] = actor.Role
		}
		if actor.Mid != "" {
			resp["mid"] = actor.Mid
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type bearerClaimsKey struct{}

// requireBearer resolves and verifies the bearer token, attaching its claims
// to the request context. Verification failures surface as 401 with the
// distinct cause logged for operators, never echoed to the caller.
func (a *App) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		verifier, err := a.Resolver.Resolve(r.Context(), token)
		if err != nil {
			a.Logger.Warn("bearer resolve failed", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			a.Logger.Warn("bearer verify failed", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), bearerClaimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	claims, ok := ctx.Value(bearerClaimsKey{}).(jwt.MapClaims)
	return claims, ok
}

type loginPage struct {
	AuthCtx string
	Error   string
}

func (a *App) renderLogin(w http.ResponseWriter, status int, page loginPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, page); err != nil {
		a.Logger.Error("render login", "error", err)
	}
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="login">
  <input type="hidden" name="auth_ctx" value="{{.AuthCtx}}">
  <label>Username <input type="text" name="username" autofocus></label>
  <label>Password <input type="password" name="password"></label>
  <button type="submit">Sign in</button>
</form>
</body>
</html>
`))

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func redirectWithError(w http.ResponseWriter, redirectURI, errorCode, state string) {
	uri, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, errorCode, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", errorCode)
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
