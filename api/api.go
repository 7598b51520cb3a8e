// Package api exposes the gatekeeper over HTTP: CSRF token issuance, login
// and logout, session introspection and the admin endpoints. Business
// handlers are attached with Mount and run behind the same guard chain.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/glgcapital/gatekeeper/gatekeeper"
	"github.com/glgcapital/gatekeeper/ratelimit"
	"github.com/glgcapital/gatekeeper/session"
	"github.com/glgcapital/gatekeeper/storage"
)

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the REST handlers.
type API struct {
	gk       *gatekeeper.Gatekeeper
	creds    storage.CredentialRepository
	logger   *slog.Logger
	basePath string
	mounts   []mount
}

type mount struct {
	method  string
	pattern string
	route   gatekeeper.Route
	handler http.Handler
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for handler errors.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithBasePath sets the prefix the router is mounted under. It is used for
// the documentation URLs only. Defaults to "/api".
func WithBasePath(p string) Option {
	return func(a *API) { a.basePath = p }
}

// New creates a new API instance.
func New(gk *gatekeeper.Gatekeeper, creds storage.CredentialRepository, opts ...Option) *API {
	a := &API{gk: gk, creds: creds, basePath: "/api"}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.logger = a.logger.With("component", "api")
	return a
}

// Mount attaches a business handler behind the guard chain. An empty method
// matches every method.
func (a *API) Mount(method, pattern string, route gatekeeper.Route, h http.Handler) {
	a.mounts = append(a.mounts, mount{method: method, pattern: pattern, route: route, handler: h})
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		if _, err := w.Write(openapiSpec); err != nil {
			a.logger.DebugContext(r.Context(), "writing openapi document", "error", err)
		}
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: a.basePath + "/openapi.yaml",
		Path:    trimSlash(a.basePath) + "/docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: a.basePath + "/openapi.yaml",
		Path:    trimSlash(a.basePath) + "/redoc",
	}, nil))

	guard := a.gk.Guard

	r.With(guard(gatekeeper.Route{Action: ratelimit.ActionAPI})).Get("/csrf", a.IssueCSRF)

	r.With(guard(gatekeeper.Route{Action: ratelimit.ActionRegister, CSRF: true})).Post("/auth/register", a.Register)
	r.With(guard(gatekeeper.Route{Action: ratelimit.ActionLogin, CSRF: true})).Post("/auth/login", a.Login)
	r.With(guard(gatekeeper.Route{Action: ratelimit.ActionAPI, CSRF: true, Role: session.RoleUser})).Post("/auth/logout", a.Logout)
	r.With(guard(gatekeeper.Route{Action: ratelimit.ActionAPI, Role: session.RoleUser})).Get("/auth/session", a.CurrentSession)

	r.Route("/admin", func(r chi.Router) {
		r.With(guard(gatekeeper.Route{Action: ratelimit.ActionAdmin, Role: session.RoleAdmin})).Get("/stats", a.Stats)
		r.With(guard(gatekeeper.Route{Action: ratelimit.ActionAdmin, CSRF: true, Role: session.RoleSuperadmin})).
			Post("/sessions/{subjectID}/revoke", a.RevokeSessions)
		r.With(guard(gatekeeper.Route{Action: ratelimit.ActionAdmin, CSRF: true, Role: session.RoleAdmin})).
			Post("/rate-limits/reset", a.ResetRateLimit)
		r.With(guard(gatekeeper.Route{Action: ratelimit.ActionAdmin, Role: session.RoleAdmin})).Get("/credentials", a.ListCredentials)
		r.With(guard(gatekeeper.Route{Action: ratelimit.ActionAdmin, CSRF: true, Role: session.RoleSuperadmin})).
			Post("/credentials/{subjectID}/state", a.SetCredentialState)
	})

	for _, m := range a.mounts {
		h := guard(m.route)(m.handler)
		if m.method == "" {
			r.Handle(m.pattern, h)
		} else {
			r.Method(m.method, m.pattern, h)
		}
	}
	return r
}

func trimSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
