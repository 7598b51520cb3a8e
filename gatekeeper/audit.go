package gatekeeper

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCSRFIssued      AuditEvent = "csrf_issued"
	AuditRegister        AuditEvent = "register"
	AuditCSRFRejected    AuditEvent = "csrf_rejected"
	AuditRateLimited     AuditEvent = "rate_limited"
	AuditLoginSuccess    AuditEvent = "login_success"
	AuditLoginFailure    AuditEvent = "login_failure"
	AuditLogout          AuditEvent = "logout"
	AuditSessionRejected AuditEvent = "session_rejected"
	AuditRoleDenied      AuditEvent = "role_denied"
	AuditSessionRevoked  AuditEvent = "session_revoked"
	AuditRateLimitReset  AuditEvent = "rate_limit_reset"
	AuditCredentialState AuditEvent = "credential_state_changed"
	AuditInternalError   AuditEvent = "internal_error"
)

// AuditLogger wraps slog.Logger for structured security audit logging.
type AuditLogger struct {
	logger   *slog.Logger
	metrics  *Metrics
	detector *anomalyDetector
}

func newAuditLogger(logger *slog.Logger, metrics *Metrics, detector *anomalyDetector) *AuditLogger {
	return &AuditLogger{
		logger:   logger.With("component", "audit"),
		metrics:  metrics,
		detector: detector,
	}
}

// Log writes a structured audit entry for r.
func (al *AuditLogger) Log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	base = append(base, attrs...)

	level := slog.LevelInfo
	if event == AuditInternalError {
		level = slog.LevelError
	}
	al.logger.LogAttrs(r.Context(), level, "audit", base...)
	if al.metrics != nil {
		al.metrics.AuditEvents.WithLabelValues(string(event)).Inc()
	}
	al.detector.record(event)
}

// LogSubject is a convenience for events tied to a subject.
func (al *AuditLogger) LogSubject(event AuditEvent, r *http.Request, subjectID string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("subject_id", subjectID)}, extra...)
	al.Log(event, r, attrs...)
}

// LogFailure is a convenience for rejection events carrying a reason.
func (al *AuditLogger) LogFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	al.Log(event, r, attrs...)
}
