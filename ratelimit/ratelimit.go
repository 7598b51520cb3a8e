// Package ratelimit implements per-action fixed-window rate limiting keyed by
// client identity.
//
// Every action has its own policy (limit per window) and every
// (identifier, action) pair its own bucket, so exhausting the register budget
// never touches the login budget of the same client.
package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/glgcapital/gatekeeper/internal/clock"
	"github.com/glgcapital/gatekeeper/store"
)

// Well-known actions.
const (
	ActionRegister = "register"
	ActionLogin    = "login"
	ActionAdmin    = "admin"
	ActionAPI      = "api"
)

const (
	// DefaultGrace is how long an idle bucket outlives its window before the
	// sweeper may reclaim it.
	DefaultGrace = time.Minute

	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// ErrUnknownAction is returned when an action has no configured policy.
var ErrUnknownAction = errors.New("no rate limit policy for action")

// Policy is the limit for one action.
type Policy struct {
	Limit  int           `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"window" json:"window"`
}

func (p Policy) String() string {
	return fmt.Sprintf("%d/%s", p.Limit, p.Window)
}

// Policies maps an action name to its policy.
type Policies map[string]Policy

// DefaultPolicies returns the stock policy table.
func DefaultPolicies() Policies {
	return Policies{
		ActionRegister: {Limit: 5, Window: 15 * time.Minute},
		ActionLogin:    {Limit: 10, Window: 15 * time.Minute},
		ActionAdmin:    {Limit: 10, Window: 5 * time.Minute},
		ActionAPI:      {Limit: 100, Window: time.Minute},
	}
}

// Validate rejects non-positive limits and windows.
func (p Policies) Validate() error {
	for action, pol := range p {
		if action == "" {
			return errors.New("rate limit policy with empty action name")
		}
		if pol.Limit <= 0 {
			return fmt.Errorf("rate limit policy %q: limit must be positive", action)
		}
		if pol.Window <= 0 {
			return fmt.Errorf("rate limit policy %q: window must be positive", action)
		}
	}
	return nil
}

// ParsePolicies parses a comma separated list of action=limit/window pairs,
// for example "register=5/15m,login=10/15m".
func ParsePolicies(s string) (Policies, error) {
	out := Policies{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		action, rule, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("rate limit %q: expected action=limit/window", part)
		}
		limitStr, windowStr, ok := strings.Cut(rule, "/")
		if !ok {
			return nil, fmt.Errorf("rate limit %q: expected limit/window", part)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil {
			return nil, fmt.Errorf("rate limit %q: invalid limit: %w", part, err)
		}
		window, err := time.ParseDuration(strings.TrimSpace(windowStr))
		if err != nil {
			return nil, fmt.Errorf("rate limit %q: invalid window: %w", part, err)
		}
		out[strings.TrimSpace(action)] = Policy{Limit: limit, Window: window}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Bucket is the attempt counter for one (identifier, action) pair.
type Bucket struct {
	Identifier  string
	Action      string
	WindowStart time.Time
	Count       int
	Limit       int
	Window      time.Duration
}

// ResetAt is the end of the bucket's current window.
func (b Bucket) ResetAt() time.Time {
	return b.WindowStart.Add(b.Window)
}

// Decision is the outcome of a single Check.
type Decision struct {
	Limited    bool
	RetryAfter time.Duration
	Limit      int
	Remaining  int
	ResetAt    time.Time
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type bucketKey struct {
	identifier string
	action     string
}

// Stats summarizes the bucket store.
type Stats struct {
	Buckets  int            `json:"buckets"`
	Limited  int            `json:"limited"`
	ByAction map[string]int `json:"by_action"`
}

// Limiter tracks attempts per (identifier, action). It is safe for
// concurrent use.
type Limiter struct {
	policies Policies
	grace    time.Duration
	buckets  *store.Store[bucketKey, Bucket]
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithGrace sets how long idle buckets survive past their window.
func WithGrace(d time.Duration) Option {
	return func(l *Limiter) { l.grace = d }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Limiter) { l.logger = lg }
}

// New creates a Limiter for the given policy table.
func New(policies Policies, opts ...Option) (*Limiter, error) {
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		policies: make(Policies, len(policies)),
		grace:    DefaultGrace,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for k, v := range policies {
		l.policies[k] = v
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	l.buckets = store.New[bucketKey, Bucket]("ratelimit",
		store.WithClock(l.clock),
		store.WithLogger(l.logger),
	)
	return l, nil
}

// Policy returns the policy configured for action.
func (l *Limiter) Policy(action string) (Policy, bool) {
	p, ok := l.policies[action]
	return p, ok
}

// Actions lists the configured actions in sorted order.
func (l *Limiter) Actions() []string {
	out := make([]string, 0, len(l.policies))
	for a := range l.policies {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Check records an attempt and reports whether it is over the limit. Once a
// bucket is limited further attempts in the same window are not counted.
func (l *Limiter) Check(identifier, action string) (Decision, error) {
	policy, ok := l.policies[action]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	now := l.clock.Now()
	limited := false

	b, err := l.buckets.Update(bucketKey{identifier, action}, func(b Bucket, found bool) (Bucket, time.Duration, error) {
		if !found || now.Sub(b.WindowStart) > policy.Window {
			b = Bucket{
				Identifier:  identifier,
				Action:      action,
				WindowStart: now,
				Limit:       policy.Limit,
				Window:      policy.Window,
			}
		}
		if b.Count >= b.Limit {
			limited = true
		} else {
			b.Count++
		}
		return b, b.ResetAt().Add(l.grace).Sub(now), nil
	})
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Limited:   limited,
		Limit:     b.Limit,
		Remaining: max(0, b.Limit-b.Count),
		ResetAt:   b.ResetAt(),
	}
	if limited {
		d.RetryAfter = b.ResetAt().Sub(now)
		l.logger.Warn("rate limit exceeded",
			"identifier", identifier,
			"action", action,
			"limit", b.Limit,
			"retry_after", d.RetryAfter,
		)
	}
	return d, nil
}

// Headers renders the X-RateLimit-* headers for the current state of a bucket
// without recording an attempt. Retry-After is added when allowed is false.
func (l *Limiter) Headers(identifier, action string, allowed bool) http.Header {
	policy, ok := l.policies[action]
	if !ok {
		return http.Header{}
	}
	now := l.clock.Now()
	remaining := policy.Limit
	resetAt := now.Add(policy.Window)
	if b, err := l.buckets.Get(bucketKey{identifier, action}); err == nil && now.Sub(b.WindowStart) <= policy.Window {
		remaining = max(0, b.Limit-b.Count)
		resetAt = b.ResetAt()
	}

	h := http.Header{}
	h.Set(HeaderLimit, strconv.Itoa(policy.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(remaining))
	h.Set(HeaderReset, strconv.FormatInt(int64(math.Ceil(float64(resetAt.UnixMilli())/1000)), 10))
	if !allowed {
		d := Decision{RetryAfter: resetAt.Sub(now)}
		h.Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfterSeconds()))
	}
	return h
}

// Bucket returns a copy of the current bucket for (identifier, action).
func (l *Limiter) Bucket(identifier, action string) (Bucket, bool) {
	b, err := l.buckets.Get(bucketKey{identifier, action})
	if err != nil {
		return Bucket{}, false
	}
	return b, true
}

// Reset forgets the bucket for (identifier, action). An empty action resets
// every action for the identifier. It returns the number of buckets removed.
func (l *Limiter) Reset(identifier, action string) int {
	if action != "" {
		if l.buckets.Delete(bucketKey{identifier, action}) {
			return 1
		}
		return 0
	}
	n := 0
	for a := range l.policies {
		if l.buckets.Delete(bucketKey{identifier, a}) {
			n++
		}
	}
	return n
}

// Sweep evicts buckets whose window and grace period have both elapsed.
func (l *Limiter) Sweep(now time.Time) int {
	return l.buckets.Sweep(now)
}

// Stats counts live buckets and those currently at their limit.
func (l *Limiter) Stats() Stats {
	now := l.clock.Now()
	st := Stats{ByAction: map[string]int{}}
	l.buckets.Range(func(_ bucketKey, b Bucket) bool {
		st.Buckets++
		st.ByAction[b.Action]++
		if b.Count >= b.Limit && now.Sub(b.WindowStart) <= b.Window {
			st.Limited++
		}
		return true
	})
	return st
}
