package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router. Paths are fixed by design, not derived
// from configuration.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Route("/oidc", func(r chi.Router) {
		r.Get("/.well-known/openid-configuration", a.handleDiscovery)
		r.Get("/jwks.json", a.handleJWKS)
		r.Get("/authorize", a.handleAuthorize)
		r.Post("/authorize", a.handleAuthorize)
		r.Post("/login", a.handleLogin)
		r.Post("/token", a.handleToken)
		r.With(a.requireBearer).Get("/userinfo", a.handleUserInfo)
	})

	return r
}
