// Package esb fetches smart meter usage from the ESB Networks customer
// portal by logging in the way a browser does and downloading the interval
// export.
package esb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"

	"github.com/esbmeter/esbmeter/pkg/breaker"
	"github.com/esbmeter/esbmeter/pkg/common"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/session"
	"github.com/esbmeter/esbmeter/pkg/types"
)

// Result is a successful fetch.
type Result struct {
	Snapshot *types.UsageSnapshot
	// Skipped counts export rows that could not be parsed.
	Skipped int
	// ReusedSession is true when the stored session was used and the login
	// was skipped.
	ReusedSession bool
}

// errSessionRejected means a stored session stopped working part way
// through; the fetch falls back to a full login.
var errSessionRejected = errors.New("stored session rejected")

// Fetcher runs one fetch at a time, guarded by a circuit breaker.
type Fetcher struct {
	cfg      Config
	creds    types.Credentials
	breaker  *breaker.Breaker
	sessions *session.Manager
	delay    Delayer
	now      func() time.Time

	newUserAgent func() string

	mu sync.Mutex
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithDelayer replaces the human-like delay between login requests.
func WithDelayer(d Delayer) FetcherOption {
	return func(f *Fetcher) {
		f.delay = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		f.now = now
	}
}

// WithUserAgent pins the user agent of new logins instead of picking a random
// one.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		f.newUserAgent = func() string { return ua }
	}
}

// NewFetcher returns a Fetcher. sessions may be nil to always log in.
func NewFetcher(cfg Config, creds types.Credentials, b *breaker.Breaker, sessions *session.Manager, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		cfg:          cfg,
		creds:        creds,
		breaker:      b,
		sessions:     sessions,
		delay:        DefaultHumanDelay(),
		now:          time.Now,
		newUserAgent: common.RandomBrowserUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Configured registers the portal flags and returns a Fetcher built from them
// once lflag.Configure has run.
func Configured(store session.Store, b *breaker.Breaker) *Fetcher {
	def := DefaultConfig()
	username := lflag.RequiredString("esb-username", "ESB Networks account email")
	password := lflag.RequiredString("esb-password", "ESB Networks account password")
	mprn := lflag.RequiredString("mprn", "11 digit Meter Point Reference Number")
	timeout := lflag.Duration("request-timeout", def.Timeout, "Timeout for each portal request")
	endpoints := def.Endpoints
	lflag.JSON(&endpoints, "esb-endpoints", endpoints, "JSON object overriding portal URLs")

	f := NewFetcher(def, types.Credentials{}, b, nil)
	lflag.Do(func() {
		f.creds = types.Credentials{
			Username: *username,
			Password: *password,
			MPRN:     *mprn,
		}
		if err := f.creds.Validate(); err != nil {
			panic(fmt.Sprintf("invalid esb credentials: %v", err))
		}
		if err := endpoints.Validate(); err != nil {
			panic(fmt.Sprintf("invalid esb-endpoints: %v", err))
		}
		f.cfg.Endpoints = endpoints
		f.cfg.Timeout = *timeout
		f.sessions = session.NewManager(store, *mprn)
	})
	return f
}

// MPRN returns the meter this fetcher reads.
func (f *Fetcher) MPRN() string {
	return f.creds.MPRN
}

// Breaker returns the breaker guarding the fetcher.
func (f *Fetcher) Breaker() *breaker.Breaker {
	return f.breaker
}

// Sessions returns the session manager, which is nil when sessions are not
// persisted.
func (f *Fetcher) Sessions() *session.Manager {
	return f.sessions
}

// Fetch downloads and parses the export. Failures come back as *Error, or as
// the context's error when ctx ends first; the latter is not counted against
// the breaker.
func (f *Fetcher) Fetch(ctx context.Context) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ctx = log.WithAttrs(ctx, slog.String("fetchID", uuid.NewString()), slog.String("mprn", f.creds.MPRN))

	if !f.breaker.CanAttempt(ctx) {
		st := f.breaker.State()
		log.Ctx(ctx).WarnContext(ctx, "skipping fetch, breaker is not allowing attempts",
			slog.Bool("open", st.Open),
			slog.Int("failures", st.FailureCount),
			slog.Int("dailyAttempts", st.DailyAttempts),
		)
		return nil, &Error{Kind: KindUnavailable, Err: fmt.Errorf("breaker open or daily attempt limit reached")}
	}

	start := f.now()
	res, err := f.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			log.Ctx(ctx).WarnContext(ctx, "fetch cancelled", slog.Any("error", err))
			return nil, ctx.Err()
		}
		if KindOf(err) == KindCaptcha {
			// a CAPTCHA is not the portal failing, but it still spends one
			// of today's attempts
			f.breaker.RecordAttempt(ctx)
		} else {
			f.breaker.RecordFailure(ctx)
		}
		log.Ctx(ctx).ErrorContext(ctx, "fetch failed",
			slog.String("kind", KindOf(err).String()),
			slog.Any("error", err),
		)
		return nil, err
	}

	f.breaker.RecordSuccess(ctx)
	log.Ctx(ctx).InfoContext(ctx, "fetch succeeded",
		slog.Int("readings", res.Snapshot.Len()),
		slog.Int("skipped", res.Skipped),
		slog.Bool("reusedSession", res.ReusedSession),
		slog.Duration("took", f.now().Sub(start)),
	)
	return res, nil
}

func (f *Fetcher) fetch(ctx context.Context) (*Result, error) {
	var rec *types.SessionRecord
	if f.sessions != nil {
		rec = f.sessions.Load(ctx)
	}

	if rec != nil {
		res, err := f.fetchWithSession(ctx, rec)
		if err == nil {
			res.ReusedSession = true
			return res, nil
		}
		if !errors.Is(err, errSessionRejected) {
			return nil, err
		}
		log.Ctx(ctx).InfoContext(ctx, "stored session rejected, logging in again")
		f.sessions.Clear(ctx)
	}
	return f.fetchWithLogin(ctx)
}

func (f *Fetcher) newBrowser(userAgent string) (*Browser, error) {
	return NewBrowser(f.cfg, userAgent, f.delay)
}

func (f *Fetcher) fetchWithSession(ctx context.Context, rec *types.SessionRecord) (*Result, error) {
	userAgent := rec.UserAgent
	if userAgent == "" {
		userAgent = common.DefaultBrowserUserAgent
	}
	b, err := f.newBrowser(userAgent)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	b.LoadCookies(rec.Cookies)

	ok, err := b.ValidateSession(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errSessionRejected
	}

	token := rec.Token()
	if token == "" {
		if token, err = b.FetchToken(ctx); err != nil {
			if isAuthStatus(err) {
				return nil, errSessionRejected
			}
			return nil, err
		}
	}

	res, err := f.download(ctx, b, token)
	if isAuthStatus(err) {
		return nil, errSessionRejected
	}
	return res, err
}

func (f *Fetcher) fetchWithLogin(ctx context.Context) (*Result, error) {
	b, err := f.newBrowser(f.newUserAgent())
	if err != nil {
		return nil, err
	}
	defer b.Close()

	auth, err := b.Login(ctx, f.creds)
	if err != nil {
		return nil, err
	}
	if err := b.delay.Delay(ctx); err != nil {
		return nil, err
	}
	return f.download(ctx, b, auth.DownloadToken)
}

// download fetches and parses the export, then saves the browser's session
// for the next fetch.
func (f *Fetcher) download(ctx context.Context, b *Browser, token string) (*Result, error) {
	data, err := b.Download(ctx, token, f.creds.MPRN)
	if err != nil {
		return nil, err
	}
	rows, err := ParseExport(data)
	if err != nil {
		return nil, err
	}
	snap, skipped, err := BuildSnapshot(ctx, rows, f.now(), f.cfg.Retention, f.cfg.Location)
	if err != nil {
		return nil, err
	}

	if f.sessions != nil {
		if err := f.sessions.Save(ctx, b.Cookies(), b.UserAgent(), &token); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to save session", slog.Any("error", err))
		}
	}
	return &Result{Snapshot: snap, Skipped: skipped}, nil
}

// SaveManualCookies stores cookies copied from a logged in browser so the
// next fetch uses them instead of logging in. It waits for a running fetch,
// which could otherwise clear or overwrite the saved cookies.
func (f *Fetcher) SaveManualCookies(ctx context.Context, raw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions == nil {
		return errors.New("sessions are not persisted")
	}
	return f.sessions.SaveManualCookies(ctx, raw)
}
