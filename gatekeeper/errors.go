package gatekeeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/glgcapital/gatekeeper/csrf"
	"github.com/glgcapital/gatekeeper/ratelimit"
	"github.com/glgcapital/gatekeeper/session"
)

// Stage names a step of the gatekeeper chain.
type Stage string

const (
	StageRateLimit Stage = "rate_limit"
	StageCSRF      Stage = "csrf"
	StageSession   Stage = "session"
)

// Machine-readable rejection codes.
const (
	CodeMissingToken     = "missing_token"
	CodeTokenMismatch    = "token_mismatch"
	CodeTokenExpired     = "token_expired"
	CodeTokenNotFound    = "token_not_found"
	CodeTokenUsed        = "token_used"
	CodeTokenMalformed   = "token_malformed"
	CodeRateLimited      = "rate_limited"
	CodeInvalidSession   = "invalid_session"
	CodeInsufficientRole = "insufficient_role"
	CodeInternal         = "internal"
)

// ErrRateLimited is the cause recorded on rate limit rejections.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrorResponse is the JSON body of every gatekeeper rejection.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// StageError is a terminal rejection produced by one gatekeeper stage.
type StageError struct {
	Stage      Stage
	Status     int
	Code       string
	RetryAfter int
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Internal reports whether the rejection is a system fault rather than a
// policy decision.
func (e *StageError) Internal() bool { return e.Status >= http.StatusInternalServerError }

// Response renders the client-facing body.
func (e *StageError) Response() ErrorResponse {
	switch {
	case e.Internal():
		return ErrorResponse{Error: "Internal error", Code: CodeInternal}
	case e.Stage == StageCSRF:
		return ErrorResponse{Error: "CSRF validation failed", Code: e.Code, Details: e.Err.Error()}
	case e.Stage == StageRateLimit:
		return ErrorResponse{Error: "Rate limit exceeded, try again later", Code: e.Code, RetryAfter: e.RetryAfter}
	case e.Status == http.StatusUnauthorized:
		return ErrorResponse{Error: "Unauthorized", Code: e.Code}
	default:
		return ErrorResponse{Error: "Forbidden", Code: e.Code}
	}
}

// Write sends the rejection to the client. The returned error is from
// encoding the body; the status line has been sent by then.
func (e *StageError) Write(w http.ResponseWriter) error {
	if e.RetryAfter > 0 {
		w.Header().Set(ratelimit.HeaderRetryAfter, strconv.Itoa(e.RetryAfter))
	}
	return WriteJSON(w, e.Status, e.Response())
}

// Classify maps an error returned by a stage to its status and code.
func Classify(stage Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	e := &StageError{Stage: stage, Err: err, Status: http.StatusInternalServerError, Code: CodeInternal}
	switch stage {
	case StageCSRF:
		e.Status = http.StatusForbidden
		switch {
		case errors.Is(err, csrf.ErrMissingToken):
			e.Code = CodeMissingToken
		case errors.Is(err, csrf.ErrTokenMismatch):
			e.Code = CodeTokenMismatch
		case errors.Is(err, csrf.ErrTokenExpired):
			e.Code = CodeTokenExpired
		case errors.Is(err, csrf.ErrTokenNotFound):
			e.Code = CodeTokenNotFound
		case errors.Is(err, csrf.ErrTokenUsed):
			e.Code = CodeTokenUsed
		case errors.Is(err, csrf.ErrTokenMalformed):
			e.Code = CodeTokenMalformed
		default:
			e.Status = http.StatusInternalServerError
		}
	case StageRateLimit:
		if errors.Is(err, ErrRateLimited) {
			e.Status, e.Code = http.StatusTooManyRequests, CodeRateLimited
		}
	case StageSession:
		switch {
		case errors.Is(err, session.ErrInternal):
		case errors.Is(err, session.ErrInsufficientRole):
			e.Status, e.Code = http.StatusForbidden, CodeInsufficientRole
		case errors.Is(err, session.ErrInvalidSession):
			e.Status, e.Code = http.StatusUnauthorized, CodeInvalidSession
		}
	}
	return e
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encoding %d response: %w", status, err)
	}
	return nil
}
