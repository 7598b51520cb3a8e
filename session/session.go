// Package session verifies bearer session tokens and static service tokens
// and authorizes role-gated operations.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/glgcapital/gatekeeper/internal/clock"
	"github.com/glgcapital/gatekeeper/internal/util"
	"github.com/glgcapital/gatekeeper/storage"
	"github.com/glgcapital/gatekeeper/store"
)

const (
	// CookieName is the HttpOnly cookie carrying the session token.
	CookieName = "session"
	// ServiceTokenHeader carries a static service token.
	ServiceTokenHeader = "x-admin-token"

	DefaultTTL = 24 * time.Hour

	tokenBytes        = 32
	minTokenLen       = 16
	minPasswordLen    = 8
	serviceSubjectFmt = "service:%s"
)

var (
	// ErrInvalidSession covers missing, malformed, unknown, expired and
	// revoked credentials alike.
	ErrInvalidSession   = errors.New("invalid session")
	ErrInsufficientRole = errors.New("insufficient role")
	// ErrInvalidCredentials is returned by Login for any subject/password
	// failure, without saying which part was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = errors.New("password too short")
	// ErrInternal wraps repository and generator faults.
	ErrInternal = errors.New("session internal error")
)

// State is the lifecycle position of a session.
type State string

const (
	StateIssued  State = "issued"
	StateActive  State = "active"
	StateExpired State = "expired"
	StateRevoked State = "revoked"
)

// Session is a verified principal.
type Session struct {
	Token      string    `json:"-"`
	SubjectID  string    `json:"subject_id"`
	Role       Role      `json:"role"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastSeenAt time.Time `json:"last_seen_at,omitzero"`
	RevokedAt  time.Time `json:"revoked_at,omitzero"`
	ClientIP   string    `json:"client_ip,omitempty"`
	// Service marks sessions synthesized from a static service token.
	Service bool `json:"service,omitempty"`
}

// lastActivity is the last successful verification, or the login time for
// a session that was never presented.
func (s Session) lastActivity() time.Time {
	if s.LastSeenAt.IsZero() {
		return s.IssuedAt
	}
	return s.LastSeenAt
}

// State returns where s sits in its lifecycle at now. Revocation wins over
// expiry.
func (s Session) State(now time.Time) State {
	switch {
	case !s.RevokedAt.IsZero():
		return StateRevoked
	case !now.Before(s.ExpiresAt):
		return StateExpired
	case s.LastSeenAt.IsZero():
		return StateIssued
	default:
		return StateActive
	}
}

// Config controls session lifetime.
type Config struct {
	TTL time.Duration
	// IdleTimeout expires sessions not verified within this duration. Zero
	// disables idle checking.
	IdleTimeout time.Duration
	// Params are the argon2id parameters used for new credentials.
	Params util.Argon2idParams
}

// DefaultConfig returns a 24 hour session lifetime with no idle timeout.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, Params: util.DefaultArgon2idParams()}
}

// Stats summarizes the session store.
type Stats struct {
	Total         int `json:"total"`
	Active        int `json:"active"`
	Expired       int `json:"expired"`
	Revoked       int `json:"revoked"`
	ServiceTokens int `json:"service_tokens"`
}

type serviceToken struct {
	role   Role
	secret *memguard.Enclave
}

// Verifier issues, verifies and revokes sessions. It is safe for concurrent use.
type Verifier struct {
	cfg      Config
	creds    storage.CredentialRepository
	sessions *store.Store[string, Session]
	service  []serviceToken
	clock    clock.Clock
	logger   *slog.Logger

	dummySalt []byte
	dummyHash []byte
}

type options struct {
	clock   clock.Clock
	logger  *slog.Logger
	service []ServiceToken
}

// Option configures a Verifier.
type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithServiceTokens registers static service tokens. Their values are moved
// into locked memory and the originals are not retained.
func WithServiceTokens(tokens []ServiceToken) Option {
	return func(o *options) { o.service = append(o.service, tokens...) }
}

// NewVerifier builds a Verifier backed by creds.
func NewVerifier(cfg Config, creds storage.CredentialRepository, opts ...Option) (*Verifier, error) {
	if creds == nil {
		return nil, errors.New("session: credential repository is required")
	}
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Params == (util.Argon2idParams{}) {
		cfg.Params = util.DefaultArgon2idParams()
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	v := &Verifier{
		cfg:   cfg,
		creds: creds,
		sessions: store.New[string, Session]("sessions",
			store.WithClock(o.clock),
			store.WithLogger(o.logger)),
		clock:  o.clock,
		logger: o.logger.With("component", "session"),
	}
	for _, st := range o.service {
		if !st.Role.Valid() {
			return nil, fmt.Errorf("service token: %w", ErrUnknownRole)
		}
		if len(st.Token) < minTokenLen {
			return nil, fmt.Errorf("service token for %s shorter than %d characters", st.Role, minTokenLen)
		}
		v.service = append(v.service, serviceToken{
			role:   st.Role,
			secret: memguard.NewEnclave([]byte(st.Token)),
		})
	}

	// Unknown subjects still pay for one hash so login timing does not
	// reveal which subjects exist.
	salt, err := util.RandomBytes(16)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	v.dummySalt = salt
	v.dummyHash = make([]byte, cfg.Params.KeyLen)
	return v, nil
}

// Login checks password against the stored credential for subjectID and
// issues a fresh session.
func (v *Verifier) Login(ctx context.Context, subjectID, password, clientIP string) (Session, error) {
	cred, err := v.creds.Get(ctx, subjectID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Session{}, fmt.Errorf("%w: loading credential: %v", ErrInternal, err)
		}
		_, _ = util.CompareArgon2idKey(password, v.dummySalt, v.cfg.Params, v.dummyHash)
		return Session{}, ErrInvalidCredentials
	}

	ok, err := util.CompareArgon2idKey(password, cred.Salt, cred.Params, cred.Hash)
	if err != nil {
		return Session{}, fmt.Errorf("%w: comparing password: %v", ErrInternal, err)
	}
	if !ok || cred.Disabled {
		return Session{}, ErrInvalidCredentials
	}
	role, err := ParseRole(cred.Role)
	if err != nil {
		v.logger.Warn("credential carries unknown role", "subject_id", subjectID, "role", cred.Role)
		return Session{}, ErrInvalidCredentials
	}

	token, err := util.RandomToken(tokenBytes)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	now := v.clock.Now()
	sess := Session{
		Token:     token,
		SubjectID: cred.SubjectID,
		Role:      role,
		IssuedAt:  now,
		ExpiresAt: now.Add(v.cfg.TTL),
		ClientIP:  clientIP,
	}
	v.sessions.Put(token, sess, v.cfg.TTL)
	v.logger.Info("session issued", "subject_id", sess.SubjectID, "role", sess.Role, "token", util.Redact(token))
	return sess, nil
}

// Verify resolves a presented credential into a Session. Bearer session
// tokens and static service tokens are both accepted. Every rejection
// wraps ErrInvalidSession except repository faults, which wrap ErrInternal.
func (v *Verifier) Verify(ctx context.Context, credential string) (Session, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Session{}, fmt.Errorf("%w: missing credential", ErrInvalidSession)
	}
	if len(credential) < minTokenLen || strings.ContainsAny(credential, " \t") {
		return Session{}, fmt.Errorf("%w: malformed credential", ErrInvalidSession)
	}

	sess, err := v.sessions.Get(credential)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if svc, ok := v.verifyService(credential); ok {
				return svc, nil
			}
			return Session{}, fmt.Errorf("%w: unknown token", ErrInvalidSession)
		}
		return Session{}, fmt.Errorf("%w: expired", ErrInvalidSession)
	}
	now := v.clock.Now()
	if st := sess.State(now); st == StateRevoked || st == StateExpired {
		return Session{}, fmt.Errorf("%w: %s", ErrInvalidSession, st)
	}
	if v.cfg.IdleTimeout > 0 && now.Sub(sess.lastActivity()) > v.cfg.IdleTimeout {
		v.sessions.Delete(credential)
		return Session{}, fmt.Errorf("%w: idle timeout", ErrInvalidSession)
	}

	cred, err := v.creds.Get(ctx, sess.SubjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Session{}, fmt.Errorf("%w: subject no longer exists", ErrInvalidSession)
		}
		return Session{}, fmt.Errorf("%w: loading credential: %v", ErrInternal, err)
	}
	if cred.Disabled {
		return Session{}, fmt.Errorf("%w: subject disabled", ErrInvalidSession)
	}
	role, err := ParseRole(cred.Role)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	return v.sessions.Update(credential, func(cur Session, found bool) (Session, time.Duration, error) {
		if !found || !cur.RevokedAt.IsZero() {
			return Session{}, 0, fmt.Errorf("%w: revoked", ErrInvalidSession)
		}
		cur.Role = role
		cur.LastSeenAt = now
		return cur, 0, nil
	})
}

func (v *Verifier) verifyService(credential string) (Session, bool) {
	for _, st := range v.service {
		buf, err := st.secret.Open()
		if err != nil {
			v.logger.Error("opening service token enclave", "error", err)
			continue
		}
		match := subtle.ConstantTimeCompare(buf.Bytes(), []byte(credential)) == 1
		buf.Destroy()
		if match {
			now := v.clock.Now()
			return Session{
				SubjectID:  fmt.Sprintf(serviceSubjectFmt, st.role),
				Role:       st.role,
				IssuedAt:   now,
				ExpiresAt:  now.Add(time.Minute),
				LastSeenAt: now,
				Service:    true,
			}, true
		}
	}
	return Session{}, false
}

// Authorize checks that sess may reach a route requiring required.
func (v *Verifier) Authorize(sess Session, required Role) error {
	if !sess.Role.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidSession, ErrUnknownRole)
	}
	if !sess.Role.Satisfies(required) {
		return fmt.Errorf("%w: %s required, have %s", ErrInsufficientRole, required, sess.Role)
	}
	return nil
}

// Logout revokes a single session. Revoked sessions stay in the store until
// their expiry so later presentations are reported as revoked.
func (v *Verifier) Logout(token string) error {
	now := v.clock.Now()
	_, err := v.sessions.Update(token, func(cur Session, found bool) (Session, time.Duration, error) {
		if !found || !cur.RevokedAt.IsZero() {
			return Session{}, 0, ErrInvalidSession
		}
		cur.RevokedAt = now
		return cur, 0, nil
	})
	return err
}

// RevokeSubject revokes every live session of subjectID and returns how many
// were revoked.
func (v *Verifier) RevokeSubject(subjectID string) int {
	var tokens []string
	v.sessions.Range(func(token string, s Session) bool {
		if s.SubjectID == subjectID && s.RevokedAt.IsZero() {
			tokens = append(tokens, token)
		}
		return true
	})
	n := 0
	for _, t := range tokens {
		if v.Logout(t) == nil {
			n++
		}
	}
	if n > 0 {
		v.logger.Info("sessions revoked", "subject_id", subjectID, "count", n)
	}
	return n
}

// Sweep removes expired sessions.
func (v *Verifier) Sweep(now time.Time) int {
	return v.sessions.Sweep(now)
}

// Stats summarizes the session store.
func (v *Verifier) Stats() Stats {
	now := v.clock.Now()
	st := Stats{ServiceTokens: len(v.service)}
	v.sessions.Range(func(_ string, s Session) bool {
		switch s.State(now) {
		case StateRevoked:
			st.Revoked++
		case StateExpired:
			st.Expired++
		default:
			st.Active++
		}
		return true
	})
	// Range skips entries the store already considers lapsed.
	st.Total = v.sessions.Len()
	st.Expired = st.Total - st.Active - st.Revoked
	return st
}

// NewCredential hashes password into a storage record for subjectID.
func (v *Verifier) NewCredential(subjectID string, role Role, password string) (storage.Credential, error) {
	return NewCredential(subjectID, role, password, v.cfg.Params, v.clock.Now())
}

// NewCredential hashes password with params into a storage record.
func NewCredential(subjectID string, role Role, password string, params util.Argon2idParams, now time.Time) (storage.Credential, error) {
	if strings.TrimSpace(subjectID) == "" {
		return storage.Credential{}, storage.ErrInvalidCredential
	}
	if !role.Valid() {
		return storage.Credential{}, fmt.Errorf("%q: %w", role, ErrUnknownRole)
	}
	if len([]rune(password)) < minPasswordLen {
		return storage.Credential{}, ErrWeakPassword
	}
	salt, err := util.RandomBytes(16)
	if err != nil {
		return storage.Credential{}, err
	}
	hash, err := util.DeriveArgon2idKey(password, salt, params)
	if err != nil {
		return storage.Credential{}, err
	}
	return storage.Credential{
		SubjectID: subjectID,
		Role:      string(role),
		Salt:      salt,
		Hash:      hash,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
