// Package gatekeeper composes the CSRF manager, the rate limiter and the
// session verifier into a single HTTP middleware chain.
//
// Every guarded request passes the stages in a fixed order: rate limit, then
// CSRF (mutating methods only), then session verification and role
// authorization. The first failing stage writes the response and the
// downstream handler never runs.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glgcapital/gatekeeper/csrf"
	"github.com/glgcapital/gatekeeper/internal/clock"
	"github.com/glgcapital/gatekeeper/ratelimit"
	"github.com/glgcapital/gatekeeper/session"
	"github.com/glgcapital/gatekeeper/storage"
	"github.com/glgcapital/gatekeeper/store"
)

// Config collects the settings of every component the gatekeeper owns.
type Config struct {
	CSRF            csrf.Config
	Session         session.Config
	RateLimits      ratelimit.Policies
	RateLimitGrace  time.Duration
	CleanupInterval time.Duration
	// TrustedProxies lists the peers whose forwarding headers are believed.
	TrustedProxies []netip.Prefix
	// IdentifyByUserAgent appends the User-Agent to the client IP when
	// deriving rate limit identifiers.
	IdentifyByUserAgent bool
	ServiceTokens       []session.ServiceToken
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		CSRF:            csrf.DefaultConfig(),
		Session:         session.DefaultConfig(),
		RateLimits:      ratelimit.DefaultPolicies(),
		RateLimitGrace:  ratelimit.DefaultGrace,
		CleanupInterval: store.DefaultSweepInterval,
	}
}

type options struct {
	clock     clock.Clock
	logger    *slog.Logger
	registry  prometheus.Registerer
	generator csrf.Generator
	alertFn   AlertFunc
}

// Option configures a Gatekeeper.
type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers the gatekeeper metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithCSRFGenerator replaces the CSRF token generator.
func WithCSRFGenerator(g csrf.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithAlertFunc sets a callback for login-failure and CSRF-rejection spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(o *options) { o.alertFn = fn }
}

// Gatekeeper owns the in-memory stores and the sweeper that cleans them.
type Gatekeeper struct {
	cfg      Config
	csrf     *csrf.Manager
	limiter  *ratelimit.Limiter
	verifier *session.Verifier
	sweeper  *store.Sweeper
	metrics  *Metrics
	audit    *AuditLogger
	clock    clock.Clock
	logger   *slog.Logger
}

// New builds a Gatekeeper. The sweeper is not running until Start.
func New(cfg Config, creds storage.CredentialRepository, opts ...Option) (*Gatekeeper, error) {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = ratelimit.DefaultPolicies()
	}
	if cfg.RateLimitGrace <= 0 {
		cfg.RateLimitGrace = ratelimit.DefaultGrace
	}

	csrfOpts := []csrf.Option{csrf.WithClock(o.clock), csrf.WithLogger(o.logger)}
	if o.generator != nil {
		csrfOpts = append(csrfOpts, csrf.WithGenerator(o.generator))
	}
	limiter, err := ratelimit.New(cfg.RateLimits,
		ratelimit.WithClock(o.clock),
		ratelimit.WithGrace(cfg.RateLimitGrace),
		ratelimit.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	verifier, err := session.NewVerifier(cfg.Session, creds,
		session.WithClock(o.clock),
		session.WithLogger(o.logger),
		session.WithServiceTokens(cfg.ServiceTokens))
	if err != nil {
		return nil, fmt.Errorf("session verifier: %w", err)
	}

	metrics := NewMetrics(o.registry)
	g := &Gatekeeper{
		cfg:      cfg,
		csrf:     csrf.NewManager(cfg.CSRF, csrfOpts...),
		limiter:  limiter,
		verifier: verifier,
		metrics:  metrics,
		audit:    newAuditLogger(o.logger, metrics, newAnomalyDetector(o.clock, o.alertFn)),
		clock:    o.clock,
		logger:   o.logger.With("component", "gatekeeper"),
	}

	g.sweeper = store.NewSweeper(cfg.CleanupInterval,
		store.WithSweepClock(o.clock),
		store.WithSweepLogger(o.logger),
		store.WithSweepObserver(g.observeSweep))
	g.sweeper.Register("csrf", g.csrf)
	g.sweeper.Register("ratelimit", g.limiter)
	g.sweeper.Register("sessions", g.verifier)
	return g, nil
}

func (g *Gatekeeper) observeSweep(target string, evicted int, took time.Duration) {
	g.metrics.observeSweep(target, evicted, took)
	var entries int
	switch target {
	case "csrf":
		entries = g.csrf.Stats().Total
	case "ratelimit":
		entries = g.limiter.Stats().Buckets
	case "sessions":
		entries = g.verifier.Stats().Total
	}
	g.metrics.StoreEntries.WithLabelValues(target).Set(float64(entries))
}

// Start launches the background sweeper.
func (g *Gatekeeper) Start() {
	g.sweeper.Start()
	g.logger.Info("gatekeeper started", "cleanup_interval", g.cfg.CleanupInterval)
}

// Shutdown stops the sweeper. It returns ctx.Err() if ctx ends first.
func (g *Gatekeeper) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sweeper.Stop()
		close(done)
	}()
	select {
	case <-done:
		g.logger.Info("gatekeeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one cleanup pass over every store immediately.
func (g *Gatekeeper) Sweep() int {
	return g.sweeper.RunOnce()
}

func (g *Gatekeeper) Config() Config { return g.cfg }
func (g *Gatekeeper) CSRF() *csrf.Manager { return g.csrf }
func (g *Gatekeeper) Limiter() *ratelimit.Limiter { return g.limiter }
func (g *Gatekeeper) Verifier() *session.Verifier { return g.verifier }
func (g *Gatekeeper) Metrics() *Metrics { return g.metrics }
func (g *Gatekeeper) Audit() *AuditLogger { return g.audit }

// Identify derives the rate limit identifier for r.
func (g *Gatekeeper) Identify(r *http.Request) string {
	return ratelimit.ClientIdentifier(r, g.cfg.TrustedProxies, g.cfg.IdentifyByUserAgent)
}

// ClientIP returns the client address of r, honouring trusted proxies.
func (g *Gatekeeper) ClientIP(r *http.Request) string {
	return ratelimit.ClientIP(r, g.cfg.TrustedProxies)
}

// Now reports the gatekeeper's clock.
func (g *Gatekeeper) Now() time.Time { return g.clock.Now() }

// Stats is a snapshot of every store.
type Stats struct {
	CSRF      csrf.Stats      `json:"csrf"`
	RateLimit ratelimit.Stats `json:"rate_limit"`
	Sessions  session.Stats   `json:"sessions"`
}

// Stats reports current store statistics.
func (g *Gatekeeper) Stats() Stats {
	return Stats{
		CSRF:      g.csrf.Stats(),
		RateLimit: g.limiter.Stats(),
		Sessions:  g.verifier.Stats(),
	}
}

// CheckRate runs the rate limit stage on its own and copies the
// X-RateLimit-* headers to w. Handlers use it for secondary limits that
// depend on the request body.
func (g *Gatekeeper) CheckRate(w http.ResponseWriter, r *http.Request, identifier, action string) error {
	dec, err := g.limiter.Check(identifier, action)
	if err != nil {
		return Classify(StageRateLimit, err)
	}
	for k, v := range g.limiter.Headers(identifier, action, !dec.Limited) {
		w.Header()[k] = v
	}
	if dec.Limited {
		g.audit.LogFailure(AuditRateLimited, r, "limit exceeded",
			slog.String("action", action),
			slog.Int("retry_after", dec.RetryAfterSeconds()))
		se := Classify(StageRateLimit, fmt.Errorf("%w: %s", ErrRateLimited, action))
		se.RetryAfter = dec.RetryAfterSeconds()
		return se
	}
	return nil
}

func (g *Gatekeeper) reject(w http.ResponseWriter, r *http.Request, action string, err error) {
	var se *StageError
	if !errors.As(err, &se) {
		se = Classify(StageSession, err)
	}
	g.metrics.Rejections.WithLabelValues(string(se.Stage), se.Code).Inc()
	g.metrics.Decisions.WithLabelValues(action, "rejected").Inc()
	if se.Internal() {
		g.audit.LogFailure(AuditInternalError, r, se.Err.Error(), slog.String("stage", string(se.Stage)))
	}
	if err := se.Write(w); err != nil {
		g.logger.DebugContext(r.Context(), "writing rejection", "error", err)
	}
}
