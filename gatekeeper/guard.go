package gatekeeper

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/glgcapital/gatekeeper/csrf"
	"github.com/glgcapital/gatekeeper/internal/util"
	"github.com/glgcapital/gatekeeper/session"
)

// Route declares what a guarded endpoint requires.
type Route struct {
	// Action selects the rate limit policy. Empty skips rate limiting.
	Action string
	// CSRF requires a valid double-submit token on mutating methods.
	CSRF bool
	// Role is the minimum role required. Empty means no session is needed.
	Role session.Role
}

type ctxKey int

const (
	sessionKey ctxKey = iota
	csrfTokenKey
)

// SessionFromContext returns the session verified for the request.
func SessionFromContext(ctx context.Context) (session.Session, bool) {
	s, ok := ctx.Value(sessionKey).(session.Session)
	return s, ok
}

// CSRFTokenFromContext returns the CSRF token accepted for the request.
func CSRFTokenFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(csrfTokenKey).(string)
	return t, ok
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Credential extracts the presented session credential from r. The
// Authorization bearer token wins over the service token header, which
// wins over the session cookie.
func Credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if t := r.Header.Get(session.ServiceTokenHeader); t != "" {
		return t
	}
	if c, err := r.Cookie(session.CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Guard returns middleware enforcing route.
func (g *Gatekeeper) Guard(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if route.Action != "" {
				if err := g.CheckRate(w, r, g.Identify(r), route.Action); err != nil {
					g.reject(w, r, route.Action, err)
					return
				}
			}

			if !route.CSRF || !isMutating(r.Method) {
				g.authenticate(w, r, route, next)
				return
			}

			token, err := g.validateCSRF(r)
			if err != nil {
				g.reject(w, r, route.Action, err)
				return
			}
			// Keep the token pinned while the rest of the chain and the
			// handler run, so a concurrent sweep cannot reclaim it.
			ctx := context.WithValue(r.Context(), csrfTokenKey, token)
			err = g.csrf.Protected(token, func() error {
				g.authenticate(w, r.WithContext(ctx), route, next)
				return nil
			})
			if err != nil {
				g.reject(w, r, route.Action, Classify(StageCSRF, err))
			}
		})
	}
}

func (g *Gatekeeper) validateCSRF(r *http.Request) (string, error) {
	var cookie string
	if c, err := r.Cookie(csrf.CookieName); err == nil {
		cookie = c.Value
	}
	token, err := g.csrf.Validate(r.Header.Get(csrf.HeaderName), cookie)
	if err != nil {
		se := Classify(StageCSRF, err)
		if !se.Internal() {
			g.audit.LogFailure(AuditCSRFRejected, r, se.Code)
		}
		return "", se
	}
	return token, nil
}

func (g *Gatekeeper) authenticate(w http.ResponseWriter, r *http.Request, route Route, next http.Handler) {
	if route.Role == "" {
		g.metrics.Decisions.WithLabelValues(route.Action, "allowed").Inc()
		next.ServeHTTP(w, r)
		return
	}

	sess, err := g.verifier.Verify(r.Context(), Credential(r))
	if err != nil {
		se := Classify(StageSession, err)
		if !se.Internal() {
			g.audit.LogFailure(AuditSessionRejected, r, err.Error())
		}
		g.reject(w, r, route.Action, se)
		return
	}
	if err := g.verifier.Authorize(sess, route.Role); err != nil {
		g.audit.LogSubject(AuditRoleDenied, r, sess.SubjectID,
			slog.String("role", string(sess.Role)),
			slog.String("required", string(route.Role)))
		g.reject(w, r, route.Action, Classify(StageSession, err))
		return
	}

	if sess.Token != "" {
		g.logger.Debug("session verified", "subject_id", sess.SubjectID, "token", util.Redact(sess.Token))
	}
	g.metrics.Decisions.WithLabelValues(route.Action, "allowed").Inc()
	next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
}
