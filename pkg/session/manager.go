// Package session persists an authenticated portal session so that the next
// fetch can skip the interactive login.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/esbmeter/esbmeter/pkg/common"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/types"
)

// DefaultTTL is how long a saved session is trusted.
const DefaultTTL = 14 * 24 * time.Hour

// ErrNoCookies is returned by SaveManualCookies when nothing parses as a
// cookie.
var ErrNoCookies = errors.New("no cookies found in the supplied string")

// Manager loads and saves the session for a single meter. Load and Clear
// never fail: problems are logged and treated as "no session".
type Manager struct {
	store Store
	mprn  string
	ttl   time.Duration
	now   func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a Manager for mprn backed by store.
func NewManager(store Store, mprn string, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		mprn:  mprn,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load returns the stored session if it is usable: it has cookies, has not
// expired and belongs to this meter. An unusable session is deleted.
func (m *Manager) Load(ctx context.Context) *types.SessionRecord {
	b, err := m.store.Get(ctx, m.mprn)
	if errors.Is(err, ErrNotFound) {
		log.Ctx(ctx).DebugContext(ctx, "no stored session")
		return nil
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load session", slog.Any("error", err))
		return nil
	}

	var rec types.SessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "stored session is corrupt", slog.Any("error", err))
		m.Clear(ctx)
		return nil
	}

	now := m.now()
	if !rec.Valid(m.mprn, now) {
		switch {
		case rec.MPRN != m.mprn:
			log.Ctx(ctx).WarnContext(ctx, "stored session belongs to another meter", slog.String("sessionMPRN", rec.MPRN))
		case !now.Before(rec.ExpiresAt):
			log.Ctx(ctx).InfoContext(ctx, "stored session has expired", slog.Time("expiresAt", rec.ExpiresAt))
		default:
			log.Ctx(ctx).InfoContext(ctx, "stored session has no cookies")
		}
		m.Clear(ctx)
		return nil
	}

	log.Ctx(ctx).InfoContext(ctx, "loaded stored session", slog.Time("expiresAt", rec.ExpiresAt))
	return &rec
}

// Save stores a new session that expires after the TTL, replacing any
// previous one. Callers carry on without a stored session when it fails.
func (m *Manager) Save(ctx context.Context, cookies map[string]string, userAgent string, downloadToken *string) error {
	now := m.now().UTC()
	rec := types.SessionRecord{
		Cookies:       cookies,
		UserAgent:     userAgent,
		DownloadToken: downloadToken,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
		MPRN:          m.mprn,
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.store.Put(ctx, m.mprn, b, rec.ExpiresAt); err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "session saved", slog.Time("expiresAt", rec.ExpiresAt), slog.Int("cookies", len(cookies)))
	return nil
}

// Clear deletes the stored session. It is safe to call when there is none.
func (m *Manager) Clear(ctx context.Context) {
	if err := m.store.Delete(ctx, m.mprn); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to clear session", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "session cleared")
}

// SaveManualCookies stores cookies copied out of a logged in browser, for
// when the automated login is blocked by a CAPTCHA.
func (m *Manager) SaveManualCookies(ctx context.Context, raw string) error {
	cookies := ParseManualCookieString(raw)
	if len(cookies) == 0 {
		return ErrNoCookies
	}
	if err := m.Save(ctx, cookies, common.DefaultBrowserUserAgent, nil); err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "manual cookies saved", slog.Int("cookies", len(cookies)))
	return nil
}

// Prune removes expired sessions of any meter from the store.
func (m *Manager) Prune(ctx context.Context) {
	n, err := m.store.Purge(ctx, m.now())
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to purge expired sessions", slog.Any("error", err))
		return
	}
	if n > 0 {
		log.Ctx(ctx).InfoContext(ctx, "purged expired sessions", slog.Int("count", n))
	}
}
