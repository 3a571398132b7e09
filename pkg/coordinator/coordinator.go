// Package coordinator schedules fetches and hands their results to the sinks
// that publish them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/esbmeter/esbmeter/pkg/breaker"
	"github.com/esbmeter/esbmeter/pkg/esb"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/types"
)

const (
	DefaultPollInterval        = 24 * time.Hour
	DefaultCaptchaPollInterval = 7 * 24 * time.Hour
	DefaultStartupDelay        = 10 * time.Minute

	MinPollInterval = time.Hour
	MaxPollInterval = 7 * 24 * time.Hour
)

// MyAccountURL is where a person goes to clear a CAPTCHA by logging in.
const MyAccountURL = "https://myaccount.esbnetworks.ie"

// Fetcher is the part of esb.Fetcher the coordinator drives.
type Fetcher interface {
	Fetch(ctx context.Context) (*esb.Result, error)
	MPRN() string
}

// Sink receives every fetch outcome.
type Sink interface {
	Publish(ctx context.Context, mprn string, totals types.Totals, snap *types.UsageSnapshot) error
	MarkUnavailable(ctx context.Context, mprn string, cause error) error
}

// Notifier shows and dismisses notifications.
type Notifier interface {
	Notify(ctx context.Context, n types.Notification) error
	Dismiss(ctx context.Context, id string) error
}

// Config holds the scheduling intervals.
type Config struct {
	PollInterval        time.Duration
	CaptchaPollInterval time.Duration
	// StartupDelay is the upper bound of the random pause before the first
	// fetch; the pause is at least half of it. Zero disables the pause.
	StartupDelay time.Duration
}

// Status is the coordinator's view of the last fetch.
type Status struct {
	MPRN            string        `json:"mprn"`
	Totals          *types.Totals `json:"totals,omitempty"`
	Readings        int           `json:"readings"`
	LatestReading   time.Time     `json:"latestReading,omitzero"`
	LastSuccess     time.Time     `json:"lastSuccess,omitzero"`
	LastAttempt     time.Time     `json:"lastAttempt,omitzero"`
	LastError       string        `json:"lastError,omitempty"`
	ErrorKind       string        `json:"errorKind,omitempty"`
	CaptchaRequired bool          `json:"captchaRequired"`
	NextFetch       time.Time     `json:"nextFetch,omitzero"`
	Breaker         breaker.State `json:"breaker"`

	Snapshot *types.UsageSnapshot `json:"-"`
}

// Coordinator runs the fetch loop. Create it with New.
type Coordinator struct {
	fetcher   Fetcher
	cfg       Config
	sinks     []Sink
	notifiers []Notifier
	breaker   *breaker.Breaker
	now       func() time.Time
	// loc decides where the day, week and month windows begin
	loc *time.Location

	refresh chan struct{}

	mu      sync.Mutex
	status  Status
	captcha bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(c *Coordinator) {
		c.sinks = append(c.sinks, s)
	}
}

// WithNotifier adds a notifier.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		c.notifiers = append(c.notifiers, n)
	}
}

// WithBreaker reports b's state in Status and raises a notification while b
// is open.
func WithBreaker(b *breaker.Breaker) Option {
	return func(c *Coordinator) {
		c.breaker = b
	}
}

// WithLocation sets the timezone the usage windows are evaluated in. It
// should match the timezone the readings were parsed in; the default is
// esb.DublinLocation.
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New returns a coordinator for fetcher.
func New(fetcher Fetcher, cfg Config, opts ...Option) *Coordinator {
	c := newCoordinator(fetcher)
	c.configure(cfg, opts...)
	return c
}

func newCoordinator(fetcher Fetcher) *Coordinator {
	return &Coordinator{
		fetcher: fetcher,
		now:     time.Now,
		loc:     esb.DublinLocation,
		refresh: make(chan struct{}, 1),
	}
}

func (c *Coordinator) configure(cfg Config, opts ...Option) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CaptchaPollInterval <= 0 {
		cfg.CaptchaPollInterval = DefaultCaptchaPollInterval
	}
	c.cfg = cfg
	for _, opt := range opts {
		opt(c)
	}
	c.status.MPRN = c.fetcher.MPRN()
	if c.breaker != nil {
		c.breaker.AddListener(c)
	}
}

// ValidatePollInterval checks d is within [MinPollInterval, MaxPollInterval].
func ValidatePollInterval(d time.Duration) error {
	if d < MinPollInterval || d > MaxPollInterval {
		return fmt.Errorf("poll interval %s must be between %s and %s", d, MinPollInterval, MaxPollInterval)
	}
	return nil
}

// Configured registers the scheduling flags and returns a coordinator built
// from them once lflag.Configure has run. Options are applied as in New.
func Configured(fetcher Fetcher, opts ...Option) *Coordinator {
	poll := lflag.Duration("poll-interval", DefaultPollInterval, "How often to fetch usage (1h to 168h)")
	captchaPoll := lflag.Duration("captcha-poll-interval", DefaultCaptchaPollInterval, "How often to retry while the portal demands a CAPTCHA")
	startup := lflag.Duration("startup-delay", DefaultStartupDelay, "Maximum random delay before the first fetch, 0 to disable")

	c := newCoordinator(fetcher)
	lflag.Do(func() {
		if err := ValidatePollInterval(*poll); err != nil {
			panic(err.Error())
		}
		c.configure(Config{
			PollInterval:        *poll,
			CaptchaPollInterval: *captchaPoll,
			StartupDelay:        *startup,
		}, opts...)
	})
	return c
}

// Refresh asks the loop to fetch now. It never blocks; a refresh that is
// already pending absorbs this one.
func (c *Coordinator) Refresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Latest returns the status of the most recent fetch.
func (c *Coordinator) Latest() Status {
	c.mu.Lock()
	st := c.status
	c.mu.Unlock()
	if c.breaker != nil {
		st.Breaker = c.breaker.State()
	}
	return st
}

// Interval returns the wait before the next scheduled fetch.
func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.captcha {
		return c.cfg.CaptchaPollInterval
	}
	return c.cfg.PollInterval
}

func (c *Coordinator) startupDelay() time.Duration {
	if c.cfg.StartupDelay <= 0 {
		return 0
	}
	half := c.cfg.StartupDelay / 2
	return half + rand.N(c.cfg.StartupDelay-half+1)
}

// wait blocks for d or until a refresh or ctx ends. It returns false when ctx
// ended.
func (c *Coordinator) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-c.refresh:
		log.Ctx(ctx).InfoContext(ctx, "refresh requested")
	}
	return true
}

// Run fetches on schedule until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx = log.WithAttrs(ctx, slog.String("mprn", c.status.MPRN))

	if d := c.startupDelay(); d > 0 {
		c.setNext(c.now().Add(d))
		log.Ctx(ctx).InfoContext(ctx, "delaying first fetch", slog.Duration("delay", d))
		if !c.wait(ctx, d) {
			return nil
		}
	}

	for {
		c.Cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		d := c.Interval()
		c.setNext(c.now().Add(d))
		log.Ctx(ctx).DebugContext(ctx, "next fetch scheduled", slog.Duration("in", d))
		if !c.wait(ctx, d) {
			return nil
		}
	}
}

func (c *Coordinator) setNext(t time.Time) {
	c.mu.Lock()
	c.status.NextFetch = t
	c.mu.Unlock()
}

// Cycle runs one fetch and distributes the outcome.
func (c *Coordinator) Cycle(ctx context.Context) {
	mprn := c.status.MPRN
	now := c.now().In(c.loc)

	res, err := c.fetcher.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.failed(ctx, now, err)
		for _, s := range c.sinks {
			if serr := s.MarkUnavailable(ctx, mprn, err); serr != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to mark sink unavailable", slog.Any("error", serr))
			}
		}
		return
	}

	totals := res.Snapshot.Totals(now)
	c.succeeded(ctx, now, res, totals)
	for _, s := range c.sinks {
		if serr := s.Publish(ctx, mprn, totals, res.Snapshot); serr != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish usage", slog.Any("error", serr))
		}
	}
	if res.Snapshot.Len() == 0 {
		log.Ctx(ctx).WarnContext(ctx, "export contained no recent readings")
	}
}

func (c *Coordinator) failed(ctx context.Context, now time.Time, err error) {
	isCaptcha := errors.Is(err, esb.ErrCaptchaRequired)

	c.mu.Lock()
	c.status.LastAttempt = now
	c.status.LastError = err.Error()
	c.status.ErrorKind = ""
	if k := esb.KindOf(err); k != 0 {
		c.status.ErrorKind = k.String()
	}
	firstCaptcha := isCaptcha && !c.captcha
	if isCaptcha {
		c.captcha = true
		c.status.CaptchaRequired = true
	}
	c.mu.Unlock()

	if !firstCaptcha {
		return
	}
	log.Ctx(ctx).ErrorContext(ctx, "portal requires a captcha, polling weekly until a fetch succeeds",
		slog.Duration("interval", c.cfg.CaptchaPollInterval),
	)
	c.notify(ctx, captchaNotification(c.status.MPRN))
}

func (c *Coordinator) succeeded(ctx context.Context, now time.Time, res *esb.Result, totals types.Totals) {
	c.mu.Lock()
	wasCaptcha := c.captcha
	c.captcha = false
	c.status.CaptchaRequired = false
	c.status.LastAttempt = now
	c.status.LastSuccess = now
	c.status.LastError = ""
	c.status.ErrorKind = ""
	c.status.Snapshot = res.Snapshot
	c.status.Totals = &totals
	c.status.Readings = res.Snapshot.Len()
	c.status.LatestReading = res.Snapshot.Latest()
	c.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "usage updated",
		slog.Float64("today", totals.Today),
		slog.Float64("last30Days", totals.Last30Days),
	)
	if wasCaptcha {
		log.Ctx(ctx).InfoContext(ctx, "captcha cleared, restoring poll interval", slog.Duration("interval", c.cfg.PollInterval))
		c.dismiss(ctx, captchaNotificationID(c.status.MPRN))
	}
}

func (c *Coordinator) notify(ctx context.Context, n types.Notification) {
	for _, nt := range c.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to send notification", slog.String("id", n.ID), slog.Any("error", err))
		}
	}
}

func (c *Coordinator) dismiss(ctx context.Context, id string) {
	for _, nt := range c.notifiers {
		if err := nt.Dismiss(ctx, id); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to dismiss notification", slog.String("id", id), slog.Any("error", err))
		}
	}
}

// BreakerOpened implements breaker.Listener.
func (c *Coordinator) BreakerOpened(ctx context.Context, failures int, backoff time.Duration) {
	c.notify(ctx, breakerNotification(c.status.MPRN, failures, backoff))
}

// BreakerRecovered implements breaker.Listener.
func (c *Coordinator) BreakerRecovered(ctx context.Context) {
	c.dismiss(ctx, breakerNotificationID(c.status.MPRN))
}
