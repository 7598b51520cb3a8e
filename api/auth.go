package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/glgcapital/gatekeeper/gatekeeper"
	"github.com/glgcapital/gatekeeper/ratelimit"
	"github.com/glgcapital/gatekeeper/session"
	"github.com/glgcapital/gatekeeper/storage"
)

const maxSubjectIDLen = 128

// accountIdentifier keys the per-account login budget, which applies on top
// of the per-client budget enforced by the guard.
func accountIdentifier(subjectID string) string {
	return "account:" + strings.ToLower(subjectID)
}

func validSubjectID(id string) bool {
	return id != "" && len(id) <= maxSubjectIDLen && !strings.ContainsAny(id, " \t\r\n")
}

// Register handles POST /auth/register. Self-registration always yields the
// user role.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RegisterRequest](a, w, r, maxBodySize)
	if !ok {
		return
	}
	if !validSubjectID(req.SubjectID) {
		a.writeError(w, http.StatusBadRequest, codeBadRequest, "subject_id is required")
		return
	}

	_, err := a.creds.Get(r.Context(), req.SubjectID)
	switch {
	case err == nil:
		a.writeError(w, http.StatusConflict, codeConflict, "subject already exists")
		return
	case !errors.Is(err, storage.ErrNotFound):
		a.writeInternalError(w, r, "looking up credential", err)
		return
	}

	cred, err := a.gk.Verifier().NewCredential(req.SubjectID, session.RoleUser, req.Password)
	if errors.Is(err, session.ErrWeakPassword) {
		a.writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err != nil {
		a.writeInternalError(w, r, "creating credential", err)
		return
	}
	// The lookup above only spares the hashing cost; Create decides races.
	if err := a.creds.Create(r.Context(), cred); err != nil {
		if errors.Is(err, storage.ErrExists) {
			a.writeError(w, http.StatusConflict, codeConflict, "subject already exists")
			return
		}
		a.writeInternalError(w, r, "persisting credential", err)
		return
	}
	a.gk.Audit().LogSubject(gatekeeper.AuditRegister, r, cred.SubjectID)
	a.writeJSON(w, http.StatusCreated, RegisterResponse{SubjectID: cred.SubjectID, Role: session.RoleUser})
}

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](a, w, r, maxBodySize)
	if !ok {
		return
	}
	if !validSubjectID(req.SubjectID) || req.Password == "" {
		a.writeError(w, http.StatusBadRequest, codeBadRequest, "subject_id and password are required")
		return
	}

	account := accountIdentifier(req.SubjectID)
	if err := a.gk.CheckRate(w, r, account, ratelimit.ActionLogin); err != nil {
		var se *gatekeeper.StageError
		if errors.As(err, &se) {
			a.writeStageError(w, r, se)
			return
		}
		a.writeInternalError(w, r, "checking account rate limit", err)
		return
	}

	sess, err := a.gk.Verifier().Login(r.Context(), req.SubjectID, req.Password, a.gk.ClientIP(r))
	if err != nil {
		if errors.Is(err, session.ErrInvalidCredentials) {
			a.gk.Audit().LogSubject(gatekeeper.AuditLoginFailure, r, req.SubjectID)
			a.writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "Unauthorized")
			return
		}
		a.writeInternalError(w, r, "login", err)
		return
	}
	a.gk.Limiter().Reset(account, ratelimit.ActionLogin)

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   overHTTPS(r),
		SameSite: http.SameSiteStrictMode,
	})
	a.gk.Audit().LogSubject(gatekeeper.AuditLoginSuccess, r, sess.SubjectID, slog.String("role", string(sess.Role)))
	a.writeJSON(w, http.StatusOK, LoginResponse{
		Token:     sess.Token,
		SubjectID: sess.SubjectID,
		Role:      sess.Role,
		ExpiresAt: sess.ExpiresAt,
	})
}

// Logout handles POST /auth/logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := gatekeeper.SessionFromContext(r.Context())
	if !ok {
		a.writeError(w, http.StatusUnauthorized, gatekeeper.CodeInvalidSession, "Unauthorized")
		return
	}
	if sess.Service {
		a.writeError(w, http.StatusBadRequest, codeBadRequest, "service tokens cannot log out")
		return
	}
	if err := a.gk.Verifier().Logout(sess.Token); err != nil {
		a.writeError(w, http.StatusUnauthorized, gatekeeper.CodeInvalidSession, "Unauthorized")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   overHTTPS(r),
		SameSite: http.SameSiteStrictMode,
	})
	a.gk.Audit().LogSubject(gatekeeper.AuditLogout, r, sess.SubjectID)
	w.WriteHeader(http.StatusNoContent)
}

// CurrentSession handles GET /auth/session.
func (a *API) CurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := gatekeeper.SessionFromContext(r.Context())
	if !ok {
		a.writeError(w, http.StatusUnauthorized, gatekeeper.CodeInvalidSession, "Unauthorized")
		return
	}
	a.writeJSON(w, http.StatusOK, sess)
}
