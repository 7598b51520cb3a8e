package api

import (
	"log/slog"
	"net/http"

	"github.com/glgcapital/gatekeeper/csrf"
	"github.com/glgcapital/gatekeeper/gatekeeper"
	"github.com/glgcapital/gatekeeper/internal/util"
)

// IssueCSRF handles GET /csrf. The token is returned in the body and in a
// cookie readable by scripts, so the client can echo it in the X-CSRF-Token
// header.
func (a *API) IssueCSRF(w http.ResponseWriter, r *http.Request) {
	tok, err := a.gk.CSRF().Issue(r.Context())
	if err != nil {
		a.logger.ErrorContext(r.Context(), "issuing CSRF token", "error", err)
		a.writeStageError(w, r, gatekeeper.Classify(gatekeeper.StageCSRF, err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrf.CookieName,
		Value:    tok.Value,
		Path:     "/",
		Expires:  tok.ExpiresAt,
		HttpOnly: false,
		Secure:   overHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
	a.gk.Audit().Log(gatekeeper.AuditCSRFIssued, r, slog.String("token", util.Redact(tok.Value)))
	a.writeJSON(w, http.StatusOK, CSRFResponse{Token: tok.Value, ExpiresAt: tok.ExpiresAt})
}
