package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/glgcapital/gatekeeper/gatekeeper"
	"github.com/glgcapital/gatekeeper/storage"
)

// Stats handles GET /admin/stats.
func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.gk.Stats())
}

// RevokeSessions handles POST /admin/sessions/{subjectID}/revoke.
func (a *API) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	if !validSubjectID(subjectID) {
		a.writeError(w, http.StatusBadRequest, codeBadRequest, "invalid subject id")
		return
	}
	n := a.gk.Verifier().RevokeSubject(subjectID)
	actor, _ := gatekeeper.SessionFromContext(r.Context())
	a.gk.Audit().LogSubject(gatekeeper.AuditSessionRevoked, r, subjectID,
		slog.String("actor", actor.SubjectID),
		slog.Int("revoked", n))
	a.writeJSON(w, http.StatusOK, RevokeResponse{SubjectID: subjectID, Revoked: n})
}

// ResetRateLimit handles POST /admin/rate-limits/reset.
func (a *API) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ResetRateLimitRequest](a, w, r, maxBodySize)
	if !ok {
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" {
		a.writeError(w, http.StatusBadRequest, codeBadRequest, "identifier is required")
		return
	}
	if req.Action != "" {
		if _, known := a.gk.Limiter().Policy(req.Action); !known {
			a.writeError(w, http.StatusBadRequest, codeBadRequest, "unknown action")
			return
		}
	}
	n := a.gk.Limiter().Reset(req.Identifier, req.Action)
	actor, _ := gatekeeper.SessionFromContext(r.Context())
	a.gk.Audit().Log(gatekeeper.AuditRateLimitReset, r,
		slog.String("actor", actor.SubjectID),
		slog.String("identifier", req.Identifier),
		slog.String("action", req.Action),
		slog.Int("reset", n))
	a.writeJSON(w, http.StatusOK, ResetRateLimitResponse{Identifier: req.Identifier, Reset: n})
}

// ListCredentials handles GET /admin/credentials.
func (a *API) ListCredentials(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r.URL.Query())
	if err != nil {
		a.writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	ids, err := a.creds.List(r.Context())
	if err != nil {
		a.writeInternalError(w, r, "failed to list credentials", err)
		return
	}
	ids, page := slicePage(ids, limit, offset)

	resp := CredentialListResponse{Credentials: make([]CredentialSummary, 0, len(ids)), Page: page}
	for _, id := range ids {
		cred, err := a.creds.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted between List and Get.
			continue
		}
		if err != nil {
			a.writeInternalError(w, r, "failed to load credential", err)
			return
		}
		resp.Credentials = append(resp.Credentials, CredentialSummary{
			SubjectID: cred.SubjectID,
			Role:      cred.Role,
			Disabled:  cred.Disabled,
			CreatedAt: cred.CreatedAt,
			UpdatedAt: cred.UpdatedAt,
		})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// SetCredentialState handles POST /admin/credentials/{subjectID}/state.
// Disabling a credential also revokes its live sessions.
func (a *API) SetCredentialState(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	if !validSubjectID(subjectID) {
		a.writeError(w, http.StatusBadRequest, codeBadRequest, "invalid subject id")
		return
	}
	req, ok := decodeJSON[CredentialStateRequest](a, w, r, maxBodySize)
	if !ok {
		return
	}

	cred, err := a.creds.Get(r.Context(), subjectID)
	if errors.Is(err, storage.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, codeNotFound, "credential not found")
		return
	}
	if err != nil {
		a.writeInternalError(w, r, "failed to load credential", err)
		return
	}
	cred.Disabled = req.Disabled
	cred.UpdatedAt = a.gk.Now()
	if err := a.creds.Put(r.Context(), cred); err != nil {
		a.writeInternalError(w, r, "failed to store credential", err)
		return
	}

	revoked := 0
	if req.Disabled {
		revoked = a.gk.Verifier().RevokeSubject(subjectID)
	}
	actor, _ := gatekeeper.SessionFromContext(r.Context())
	a.gk.Audit().LogSubject(gatekeeper.AuditCredentialState, r, subjectID,
		slog.String("actor", actor.SubjectID),
		slog.Bool("disabled", req.Disabled),
		slog.Int("revoked", revoked))
	a.writeJSON(w, http.StatusOK, CredentialStateResponse{SubjectID: subjectID, Disabled: req.Disabled, RevokedSessions: revoked})
}
