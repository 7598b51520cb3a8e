// Package csrf issues and validates double-submit CSRF tokens.
//
// A token is handed to the client both as a readable cookie and in a JSON
// body; mutating requests echo it in the X-CSRF-Token header. In strict mode
// the header and the cookie must both be present and equal.
package csrf

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glgcapital/gatekeeper/internal/clock"
	"github.com/glgcapital/gatekeeper/internal/util"
	"github.com/glgcapital/gatekeeper/store"
)

const (
	// CookieName is the double-submit cookie.
	CookieName = "csrf-token"
	// HeaderName is the request header carrying the echoed token.
	HeaderName = "X-CSRF-Token"

	// DefaultTTL is the nominal token lifetime.
	DefaultTTL = time.Hour
	// DefaultMaxTokens bounds the token store.
	DefaultMaxTokens = 1000

	minTokenLen = 10
)

var (
	ErrMissingToken   = errors.New("no CSRF token provided")
	ErrTokenMismatch  = errors.New("CSRF header and cookie tokens do not match")
	ErrTokenNotFound  = errors.New("CSRF token not found")
	ErrTokenExpired   = errors.New("CSRF token expired")
	ErrTokenUsed      = errors.New("CSRF token already used")
	ErrTokenMalformed = errors.New("invalid CSRF token format")
	// ErrInternal wraps generator and store faults that are not the client's doing.
	ErrInternal = errors.New("CSRF internal error")
)

// Token is a single issued CSRF token.
type Token struct {
	Value     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UseCount  int       `json:"-"`
	Used      bool      `json:"-"`
}

// Generator produces opaque, unguessable token values.
type Generator interface {
	Generate() (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() (string, error)

func (f GeneratorFunc) Generate() (string, error) { return f() }

// UUIDGenerator returns random (version 4) UUIDs read from crypto/rand.
func UUIDGenerator() Generator {
	return GeneratorFunc(func() (string, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	})
}

// Config controls token lifetime and validation policy.
type Config struct {
	TTL time.Duration
	// ProtectCeiling bounds how long the sweeper keeps a protected token,
	// measured from issue. Zero means 2 × TTL. Protection never makes an
	// expired token valid.
	ProtectCeiling time.Duration
	MaxTokens      int
	// StrictDoubleSubmit requires the header and cookie to be present and
	// equal. When false a single channel is accepted.
	StrictDoubleSubmit bool
	// SingleUse consumes a token on its first successful validation.
	SingleUse bool
}

// DefaultConfig returns the production-safe configuration.
func DefaultConfig() Config {
	return Config{
		TTL:                DefaultTTL,
		MaxTokens:          DefaultMaxTokens,
		StrictDoubleSubmit: true,
	}
}

// Stats summarizes the token store.
type Stats struct {
	Total     int    `json:"total"`
	Active    int    `json:"active"`
	Expired   int    `json:"expired"`
	Protected int    `json:"protected"`
	Issued    uint64 `json:"issued"`
}

// Manager owns the CSRF token store. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	tokens *store.Store[string, Token]
	gen    Generator
	clock  clock.Clock
	logger *slog.Logger

	issued atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithGenerator replaces the token generator.
func WithGenerator(g Generator) Option {
	return func(m *Manager) { m.gen = g }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager with its own token store.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ProtectCeiling <= 0 {
		cfg.ProtectCeiling = 2 * cfg.TTL
	}
	m := &Manager{
		cfg:    cfg,
		gen:    UUIDGenerator(),
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "csrf")
	m.tokens = store.New[string, Token]("csrf",
		store.WithClock(m.clock),
		store.WithProtectCeiling(cfg.ProtectCeiling),
		store.WithMaxEntries(cfg.MaxTokens),
		store.WithLogger(m.logger),
	)
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Issue creates and stores a new token.
func (m *Manager) Issue(ctx context.Context) (Token, error) {
	value, err := m.gen.Generate()
	if err != nil {
		m.logger.ErrorContext(ctx, "token generation failed", "error", err)
		return Token{}, fmt.Errorf("%w: generating token: %v", ErrInternal, err)
	}
	if len(value) < minTokenLen {
		return Token{}, fmt.Errorf("%w: generator returned a %d character token", ErrInternal, len(value))
	}
	now := m.clock.Now()
	tok := Token{
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	m.tokens.Put(value, tok, m.cfg.TTL)
	m.issued.Add(1)
	m.logger.DebugContext(ctx, "issued token", "token", util.Redact(value), "expires_at", tok.ExpiresAt)
	return tok, nil
}

// Validate checks the header and cookie values of a request against the
// store and returns the token that was accepted.
func (m *Manager) Validate(headerToken, cookieToken string) (string, error) {
	token, err := m.pick(headerToken, cookieToken)
	if err != nil {
		return "", err
	}
	if len(token) < minTokenLen {
		return "", ErrTokenMalformed
	}

	_, err = m.tokens.Update(token, func(cur Token, found bool) (Token, time.Duration, error) {
		if !found {
			return cur, 0, ErrTokenNotFound
		}
		if m.cfg.SingleUse && cur.Used {
			return cur, 0, ErrTokenUsed
		}
		cur.UseCount++
		cur.Used = true
		return cur, 0, nil
	})
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, ErrTokenNotFound):
		return "", m.missingOrExpired(token)
	default:
		return "", err
	}
}

// missingOrExpired tells an expired token apart from an unknown one, since
// Update reports both as not found.
func (m *Manager) missingOrExpired(token string) error {
	if _, err := m.tokens.Get(token); errors.Is(err, store.ErrExpired) {
		return ErrTokenExpired
	}
	return ErrTokenNotFound
}

func (m *Manager) pick(header, cookie string) (string, error) {
	switch {
	case header == "" && cookie == "":
		return "", ErrMissingToken
	case header != "" && cookie != "":
		if subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) != 1 {
			return "", ErrTokenMismatch
		}
		return header, nil
	case m.cfg.StrictDoubleSubmit:
		return "", ErrTokenMismatch
	case header != "":
		return header, nil
	default:
		return cookie, nil
	}
}

// Extend pushes the expiry of an unexpired token to now+TTL and returns the
// refreshed token.
func (m *Manager) Extend(token string) (Token, error) {
	tok, err := m.tokens.Update(token, func(cur Token, found bool) (Token, time.Duration, error) {
		if !found {
			return cur, 0, ErrTokenNotFound
		}
		if m.cfg.SingleUse && cur.Used {
			return cur, 0, ErrTokenUsed
		}
		cur.ExpiresAt = m.clock.Now().Add(m.cfg.TTL)
		return cur, m.cfg.TTL, nil
	})
	if errors.Is(err, ErrTokenNotFound) {
		return Token{}, m.missingOrExpired(token)
	}
	if err != nil {
		return Token{}, err
	}
	m.logger.Debug("extended token", "token", util.Redact(token), "expires_at", tok.ExpiresAt)
	return tok, nil
}

// BeginProtectedOperation pins a token so the sweeper leaves it alone until
// EndProtectedOperation is called or the protect ceiling elapses. Pins nest;
// the token stays pinned until every Begin has a matching End. A pinned token
// still stops validating once its TTL passes.
func (m *Manager) BeginProtectedOperation(token string) error {
	if err := m.tokens.Protect(token); err != nil {
		if errors.Is(err, store.ErrExpired) {
			return ErrTokenExpired
		}
		return ErrTokenNotFound
	}
	m.logger.Debug("protected token", "token", util.Redact(token))
	return nil
}

// EndProtectedOperation releases one pin taken by BeginProtectedOperation.
// Releasing an unknown token is not an error.
func (m *Manager) EndProtectedOperation(token string) {
	if holds, err := m.tokens.Unprotect(token); err == nil {
		m.logger.Debug("released token", "token", util.Redact(token), "holds", holds)
	}
}

// Protected runs fn with token pinned and releases it on every exit path,
// including a panic in fn.
func (m *Manager) Protected(token string, fn func() error) error {
	if err := m.BeginProtectedOperation(token); err != nil {
		return err
	}
	defer m.EndProtectedOperation(token)
	return fn()
}

// Revoke deletes a token immediately.
func (m *Manager) Revoke(token string) bool {
	return m.tokens.Delete(token)
}

// Sweep evicts expired, unprotected tokens.
func (m *Manager) Sweep(now time.Time) int {
	return m.tokens.Sweep(now)
}

// Stats reports token counts.
func (m *Manager) Stats() Stats {
	st := m.tokens.Stats(m.clock.Now())
	return Stats{
		Total:     st.Total,
		Active:    st.Live,
		Expired:   st.Expired,
		Protected: st.Protected,
		Issued:    m.issued.Load(),
	}
}

// Clear drops every token.
func (m *Manager) Clear() int {
	n := m.tokens.Clear()
	m.logger.Info("cleared tokens", "count", n)
	return n
}
