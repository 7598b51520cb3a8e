package api

import (
	"time"

	"github.com/glgcapital/gatekeeper/session"
)

// CSRFResponse is returned from GET /csrf.
type CSRFResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	SubjectID string `json:"subject_id"`
	Password  string `json:"password"`
}

// RegisterResponse is returned from POST /auth/register.
type RegisterResponse struct {
	SubjectID string       `json:"subject_id"`
	Role      session.Role `json:"role"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	SubjectID string `json:"subject_id"`
	Password  string `json:"password"`
}

// LoginResponse is returned from POST /auth/login.
type LoginResponse struct {
	Token     string       `json:"token"`
	SubjectID string       `json:"subject_id"`
	Role      session.Role `json:"role"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// RevokeResponse is returned from POST /admin/sessions/{subjectID}/revoke.
type RevokeResponse struct {
	SubjectID string `json:"subject_id"`
	Revoked   int    `json:"revoked"`
}

// ResetRateLimitRequest is the JSON body for POST /admin/rate-limits/reset.
// An empty Action resets every action for the identifier.
type ResetRateLimitRequest struct {
	Identifier string `json:"identifier"`
	Action     string `json:"action,omitempty"`
}

// ResetRateLimitResponse is returned from POST /admin/rate-limits/reset.
type ResetRateLimitResponse struct {
	Identifier string `json:"identifier"`
	Reset      int    `json:"reset"`
}

// CredentialSummary is one row of GET /admin/credentials. Secrets are never
// included.
type CredentialSummary struct {
	SubjectID string    `json:"subject_id"`
	Role      string    `json:"role"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CredentialListResponse is returned from GET /admin/credentials.
type CredentialListResponse struct {
	Credentials []CredentialSummary `json:"credentials"`
	Page
}

// CredentialStateRequest is the JSON body for
// POST /admin/credentials/{subjectID}/state.
type CredentialStateRequest struct {
	Disabled bool `json:"disabled"`
}

// CredentialStateResponse is returned from
// POST /admin/credentials/{subjectID}/state.
type CredentialStateResponse struct {
	SubjectID       string `json:"subject_id"`
	Disabled        bool   `json:"disabled"`
	RevokedSessions int    `json:"revoked_sessions"`
}
