// Package breaker gates portal logins behind a consecutive-failure circuit
// breaker with exponential backoff and a per-calendar-day attempt quota.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/esbmeter/esbmeter/pkg/log"
)

// Config holds the breaker limits.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// BaseTimeout is the backoff after Threshold failures is computed from.
	BaseTimeout time.Duration
	// MaxTimeout caps the backoff.
	MaxTimeout time.Duration
	// MaxDailyAttempts is the number of recorded attempts allowed per
	// calendar day.
	MaxDailyAttempts int
	// Location decides where calendar days begin. Defaults to time.Local.
	Location *time.Location
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		Threshold:        3,
		BaseTimeout:      30 * time.Minute,
		MaxTimeout:       12 * time.Hour,
		MaxDailyAttempts: 3,
		Location:         time.Local,
	}
}

// Listener is told when the breaker opens and when it recovers after having
// opened.
type Listener interface {
	BreakerOpened(ctx context.Context, failures int, backoff time.Duration)
	BreakerRecovered(ctx context.Context)
}

// State is a point in time copy of the breaker's counters.
type State struct {
	FailureCount  int       `json:"failureCount"`
	LastFailure   time.Time `json:"lastFailure,omitzero"`
	DailyAttempts int       `json:"dailyAttempts"`
	DailyReset    time.Time `json:"dailyReset,omitzero"`
	Open          bool      `json:"open"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	failureCount  int
	lastFailure   time.Time
	dailyAttempts int
	dailyReset    time.Time
	open          bool
	// notified is set once BreakerOpened fired and cleared by the next
	// success, so each opening is announced once.
	notified  bool
	listeners []Listener
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithListener registers l for open and recover events.
func WithListener(l Listener) Option {
	return func(b *Breaker) {
		b.listeners = append(b.listeners, l)
	}
}

// New returns a closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = def.BaseTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.MaxDailyAttempts <= 0 {
		cfg.MaxDailyAttempts = def.MaxDailyAttempts
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	b := &Breaker{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Configured registers the breaker flags and returns a breaker built from
// them once lflag.Configure has run.
func Configured(loc *time.Location) *Breaker {
	def := DefaultConfig()
	base := lflag.Duration("breaker-base-timeout", def.BaseTimeout, "Backoff after the breaker first opens, doubled per further failure")
	maxTimeout := lflag.Duration("breaker-max-timeout", def.MaxTimeout, "Upper bound on the breaker backoff")

	b := New(Config{Location: loc})
	lflag.Do(func() {
		b.cfg.BaseTimeout = *base
		b.cfg.MaxTimeout = *maxTimeout
	})
	return b
}

// AddListener registers l for open and recover events.
func (b *Breaker) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Backoff returns the wait after n consecutive failures:
// min(BaseTimeout * 2^(n-1), MaxTimeout).
func (b *Breaker) Backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := b.cfg.BaseTimeout
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.cfg.MaxTimeout || d <= 0 {
			return b.cfg.MaxTimeout
		}
	}
	return min(d, b.cfg.MaxTimeout)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// rollDay resets the daily counter the first time it is checked on a new
// calendar day. b.mu must be held.
func (b *Breaker) rollDay(now time.Time) {
	now = now.In(b.cfg.Location)
	if b.dailyReset.IsZero() || truncateDay(now).After(truncateDay(b.dailyReset.In(b.cfg.Location))) {
		b.dailyAttempts = 0
		b.dailyReset = now
	}
}

// CanAttempt reports whether a login may be attempted now. Once the backoff
// has elapsed the breaker closes again without clearing the failure count, so
// a single failure afterwards reopens it.
func (b *Breaker) CanAttempt(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rollDay(now)

	if b.dailyAttempts >= b.cfg.MaxDailyAttempts {
		log.Ctx(ctx).WarnContext(ctx, "daily login attempt limit reached",
			slog.Int("attempts", b.dailyAttempts),
			slog.Int("limit", b.cfg.MaxDailyAttempts),
		)
		return false
	}

	// a half-open attempt that ended without an outcome (cancelled) leaves
	// the breaker closed with the failure count at the threshold, so the
	// backoff is checked against the count rather than the open flag
	if b.open || b.failureCount >= b.cfg.Threshold {
		backoff := b.Backoff(b.failureCount)
		elapsed := now.Sub(b.lastFailure)
		if elapsed < backoff {
			log.Ctx(ctx).DebugContext(ctx, "breaker open",
				slog.Duration("remaining", backoff-elapsed),
				slog.Int("failures", b.failureCount),
			)
			return false
		}
		if b.open {
			log.Ctx(ctx).InfoContext(ctx, "breaker half-open, allowing attempt", slog.Int("failures", b.failureCount))
			b.open = false
		}
	}
	return true
}

// RecordSuccess clears the failure count and closes the breaker.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	b.rollDay(b.now())
	b.failureCount = 0
	b.open = false
	b.dailyAttempts++
	recovered := b.notified
	b.notified = false
	listeners := b.listeners
	attempts := b.dailyAttempts
	b.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "breaker recorded success", slog.Int("dailyAttempts", attempts))
	if recovered {
		for _, l := range listeners {
			l.BreakerRecovered(ctx)
		}
	}
}

// RecordFailure counts a failed attempt and opens the breaker once the
// threshold is reached.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	now := b.now()
	b.rollDay(now)
	b.failureCount++
	b.lastFailure = now
	b.dailyAttempts++

	var announce bool
	var backoff time.Duration
	failures := b.failureCount
	if b.failureCount >= b.cfg.Threshold {
		b.open = true
		backoff = b.Backoff(b.failureCount)
		if !b.notified {
			b.notified = true
			announce = true
		}
	}
	open := b.open
	listeners := b.listeners
	b.mu.Unlock()

	if !open {
		log.Ctx(ctx).DebugContext(ctx, "breaker recorded failure", slog.Int("failures", failures))
		return
	}
	log.Ctx(ctx).WarnContext(ctx, "breaker opened",
		slog.Int("failures", failures),
		slog.Duration("backoff", backoff),
	)
	if announce {
		for _, l := range listeners {
			l.BreakerOpened(ctx, failures, backoff)
		}
	}
}

// RecordAttempt spends one daily attempt without counting a failure. Used for
// outcomes where backing off cannot help, such as a CAPTCHA challenge.
func (b *Breaker) RecordAttempt(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay(b.now())
	b.dailyAttempts++
}

// State returns a copy of the current counters.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		FailureCount:  b.failureCount,
		LastFailure:   b.lastFailure,
		DailyAttempts: b.dailyAttempts,
		DailyReset:    b.dailyReset,
		Open:          b.open,
	}
}
