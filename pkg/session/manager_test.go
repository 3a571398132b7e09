package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/esbmeter/esbmeter/pkg/common"
)

const testMPRN = "10012345678"

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, mprn string) ([]byte, error) {
	args := m.Called(ctx, mprn)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockStore) Put(ctx context.Context, mprn string, data []byte, expiresAt time.Time) error {
	return m.Called(ctx, mprn, data, expiresAt).Error(0)
}

func (m *mockStore) Delete(ctx context.Context, mprn string) error {
	return m.Called(ctx, mprn).Error(0)
}

func (m *mockStore) Purge(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) Close() error {
	return nil
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	token := "tok-123"

	t.Run("SaveLoad", func(t *testing.T) {
		dir := t.TempDir()
		m := NewManager(NewFileStore(dir), testMPRN, WithClock(clock))

		require.NoError(t, m.Save(ctx, map[string]string{"ASP.NET_SessionId": "abc"}, "UA/1", &token))

		b, err := os.ReadFile(filepath.Join(dir, "session_cache_"+testMPRN+".json"))
		require.NoError(t, err)
		var raw map[string]any
		require.NoError(t, json.Unmarshal(b, &raw))
		assert.Equal(t, map[string]any{"ASP.NET_SessionId": "abc"}, raw["cookies"])
		assert.Equal(t, "UA/1", raw["user_agent"])
		assert.Equal(t, "tok-123", raw["download_token"])
		assert.Equal(t, testMPRN, raw["mprn"])
		assert.Equal(t, "2024-06-01T10:00:00Z", raw["created_at"])
		assert.Equal(t, "2024-06-15T10:00:00Z", raw["expires_at"])

		rec := m.Load(ctx)
		require.NotNil(t, rec)
		assert.Equal(t, "abc", rec.Cookies["ASP.NET_SessionId"])
		assert.Equal(t, "tok-123", rec.Token())
		assert.Equal(t, "UA/1", rec.UserAgent)
	})

	t.Run("NullToken", func(t *testing.T) {
		dir := t.TempDir()
		m := NewManager(NewFileStore(dir), testMPRN, WithClock(clock))
		require.NoError(t, m.Save(ctx, map[string]string{"a": "b"}, "UA", nil))

		b, err := os.ReadFile(filepath.Join(dir, "session_cache_"+testMPRN+".json"))
		require.NoError(t, err)
		assert.Contains(t, string(b), `"download_token": null`)
	})

	t.Run("ExpiredIsDeleted", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileStore(dir)
		require.NoError(t, NewManager(store, testMPRN, WithClock(clock)).Save(ctx, map[string]string{"a": "b"}, "UA", nil))

		later := func() time.Time { return now.Add(DefaultTTL) }
		m := NewManager(store, testMPRN, WithClock(later))
		assert.Nil(t, m.Load(ctx))

		_, err := os.Stat(filepath.Join(dir, "session_cache_"+testMPRN+".json"))
		assert.True(t, errors.Is(err, os.ErrNotExist), "expired session file should be removed")
	})

	t.Run("MPRNMismatchIsDeleted", func(t *testing.T) {
		store := &mockStore{}
		rec := `{"cookies":{"a":"b"},"user_agent":"UA","download_token":null,"created_at":"2024-06-01T00:00:00Z","expires_at":"2024-06-10T00:00:00Z","mprn":"10099999999"}`
		store.On("Get", mock.Anything, testMPRN).Return([]byte(rec), nil)
		store.On("Delete", mock.Anything, testMPRN).Return(nil).Once()

		m := NewManager(store, testMPRN, WithClock(clock))
		assert.Nil(t, m.Load(ctx))
		store.AssertExpectations(t)
	})

	t.Run("EmptyCookiesIsDeleted", func(t *testing.T) {
		store := &mockStore{}
		rec := `{"cookies":{},"user_agent":"UA","download_token":null,"created_at":"2024-06-01T00:00:00Z","expires_at":"2024-06-10T00:00:00Z","mprn":"` + testMPRN + `"}`
		store.On("Get", mock.Anything, testMPRN).Return([]byte(rec), nil)
		store.On("Delete", mock.Anything, testMPRN).Return(nil).Once()

		assert.Nil(t, NewManager(store, testMPRN, WithClock(clock)).Load(ctx))
		store.AssertExpectations(t)
	})

	t.Run("CorruptIsDeleted", func(t *testing.T) {
		store := &mockStore{}
		store.On("Get", mock.Anything, testMPRN).Return([]byte("{not json"), nil)
		store.On("Delete", mock.Anything, testMPRN).Return(errors.New("disk on fire")).Once()

		assert.Nil(t, NewManager(store, testMPRN, WithClock(clock)).Load(ctx), "delete errors must not propagate")
		store.AssertExpectations(t)
	})

	t.Run("StoreErrorIsSwallowed", func(t *testing.T) {
		store := &mockStore{}
		store.On("Get", mock.Anything, testMPRN).Return(nil, errors.New("permission denied"))

		assert.Nil(t, NewManager(store, testMPRN, WithClock(clock)).Load(ctx))
		store.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	})

	t.Run("Missing", func(t *testing.T) {
		m := NewManager(NewFileStore(t.TempDir()), testMPRN, WithClock(clock))
		assert.Nil(t, m.Load(ctx))
	})

	t.Run("ClearIsIdempotent", func(t *testing.T) {
		dir := t.TempDir()
		m := NewManager(NewFileStore(dir), testMPRN, WithClock(clock))
		m.Clear(ctx)
		require.NoError(t, m.Save(ctx, map[string]string{"a": "b"}, "UA", nil))
		m.Clear(ctx)
		m.Clear(ctx)
		assert.Nil(t, m.Load(ctx))
	})

	t.Run("SaveManualCookies", func(t *testing.T) {
		m := NewManager(NewFileStore(t.TempDir()), testMPRN, WithClock(clock))

		assert.ErrorIs(t, m.SaveManualCookies(ctx, "garbage; ;="), ErrNoCookies)

		require.NoError(t, m.SaveManualCookies(ctx, " a=1 ;b = 2"))
		rec := m.Load(ctx)
		require.NotNil(t, rec)
		assert.Equal(t, map[string]string{"a": "1", "b": "2"}, rec.Cookies)
		assert.Equal(t, common.DefaultBrowserUserAgent, rec.UserAgent)
		assert.Nil(t, rec.DownloadToken)
	})

	t.Run("Encrypted", func(t *testing.T) {
		dir := t.TempDir()
		key := []byte("0123456789abcdef0123456789abcdef")
		store, err := Encrypted(NewFileStore(dir), key)
		require.NoError(t, err)

		m := NewManager(store, testMPRN, WithClock(clock))
		require.NoError(t, m.Save(ctx, map[string]string{"secret": "value"}, "UA", &token))

		b, err := os.ReadFile(filepath.Join(dir, "session_cache_"+testMPRN+".json"))
		require.NoError(t, err)
		assert.NotContains(t, string(b), "value")

		rec := m.Load(ctx)
		require.NotNil(t, rec)
		assert.Equal(t, "value", rec.Cookies["secret"])

		otherKey, err := Encrypted(NewFileStore(dir), []byte("fedcba9876543210fedcba9876543210"))
		require.NoError(t, err)
		_, err = otherKey.Get(ctx, testMPRN)
		assert.Error(t, err, "wrong key must not decrypt")

		_, err = Encrypted(NewFileStore(dir), []byte("short"))
		assert.Error(t, err)
	})

	t.Run("Prune", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileStore(dir)
		require.NoError(t, NewManager(store, "10000000001", WithClock(clock)).Save(ctx, map[string]string{"a": "b"}, "UA", nil))
		require.NoError(t, NewManager(store, "10000000002", WithClock(func() time.Time { return now.Add(10 * 24 * time.Hour) })).Save(ctx, map[string]string{"a": "b"}, "UA", nil))

		m := NewManager(store, testMPRN, WithClock(func() time.Time { return now.Add(20 * 24 * time.Hour) }))
		m.Prune(ctx)

		_, err := store.Get(ctx, "10000000001")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Get(ctx, "10000000002")
		assert.NoError(t, err)
	})
}

func TestParseManualCookieString(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"garbage", "not a cookie", map[string]string{}},
		{"single", "a=1", map[string]string{"a": "1"}},
		{"whitespace", "  a = 1 ;  b=2  ;", map[string]string{"a": "1", "b": "2"}},
		{"value with equals", "tok=abc==; x=y", map[string]string{"tok": "abc==", "x": "y"}},
		{"skips malformed", "a=1; junk; =nameless; b=", map[string]string{"a": "1", "b": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseManualCookieString(tt.raw))
		})
	}
}

func TestJarHelpers(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	account, _ := url.Parse("https://myaccount.esbnetworks.ie/")
	login, _ := url.Parse("https://login.esbnetworks.ie/")

	LoadIntoJar(jar, map[string]string{"a": "1", "b": "2"}, account, login)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, CookiesFromJar(jar, account))
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, CookiesFromJar(jar, login))
}
