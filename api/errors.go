package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/glgcapital/gatekeeper/gatekeeper"
)

const maxBodySize = 64 << 10

// Codes for handler-level failures.
const (
	codeBadRequest         = "bad_request"
	codeInvalidCredentials = "invalid_credentials"
	codeConflict           = "conflict"
	codeNotFound           = "not_found"
)

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := gatekeeper.WriteJSON(w, status, v); err != nil {
		a.logger.Debug("writing response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, code, msg string) {
	a.writeJSON(w, status, gatekeeper.ErrorResponse{Error: msg, Code: code})
}

func (a *API) writeStageError(w http.ResponseWriter, r *http.Request, se *gatekeeper.StageError) {
	if err := se.Write(w); err != nil {
		a.logger.DebugContext(r.Context(), "writing rejection", "error", err, "stage", se.Stage)
	}
}

func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.ErrorContext(r.Context(), msg, "error", err, "path", r.URL.Path)
	a.gk.Audit().LogFailure(gatekeeper.AuditInternalError, r, msg)
	a.writeError(w, http.StatusInternalServerError, gatekeeper.CodeInternal, "Internal error")
}

// decodeJSON reads a size-limited JSON body into T. On failure it writes a
// 400 response and returns false.
func decodeJSON[T any](a *API, w http.ResponseWriter, r *http.Request, maxSize int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, http.StatusRequestEntityTooLarge, codeBadRequest, "request body too large")
			return v, false
		}
		a.writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return v, false
	}
	return v, true
}
