package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/esbmeter/esbmeter/pkg/coordinator"
	"github.com/esbmeter/esbmeter/pkg/session"
	"github.com/esbmeter/esbmeter/pkg/types"
)

const testMPRN = "10012345678"

type mockCoordinator struct {
	mock.Mock
}

func (m *mockCoordinator) Latest() coordinator.Status {
	args := m.Called()
	return args.Get(0).(coordinator.Status)
}

func (m *mockCoordinator) Refresh() {
	m.Called()
}

type mockCookieSaver struct {
	mock.Mock
}

func (m *mockCookieSaver) SaveManualCookies(ctx context.Context, raw string) error {
	args := m.Called(ctx, raw)
	return args.Error(0)
}

func newTestServer(c Coordinator, cookies CookieSaver) *Server {
	return &Server{
		coordinator: c,
		cookies:     cookies,
		metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("esbmeter_available 1\n"))
		}),
		serverName: "esbmeter/test",
	}
}

func testVerifier(ctx context.Context, raw string) (*oidc.IDToken, error) {
	switch raw {
	case "good-token":
		return &oidc.IDToken{Subject: "me@example.com"}, nil
	case "other-token":
		return &oidc.IDToken{Subject: "someone@example.com"}, nil
	}
	return nil, errors.New("bad token")
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&mockCoordinator{}, nil)
	w := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "esbmeter/test", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(&mockCoordinator{}, nil)
	w := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "esbmeter_available 1")
}

func TestUsage(t *testing.T) {
	now := time.Date(2024, 3, 13, 18, 0, 0, 0, time.UTC)
	snap := types.NewUsageSnapshot([]types.Reading{
		{Time: now.Add(-time.Hour), KWH: 0.5},
		{Time: now.Add(-30 * time.Minute), KWH: 0.25},
	}, now, 0)
	totals := snap.Totals(now)

	t.Run("NotFetched", func(t *testing.T) {
		c := &mockCoordinator{}
		c.On("Latest").Return(coordinator.Status{MPRN: testMPRN})
		w := serve(newTestServer(c, nil), httptest.NewRequest(http.MethodGet, "/api/usage", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"error":"no usage fetched yet"}`, w.Body.String())
	})

	t.Run("Totals", func(t *testing.T) {
		c := &mockCoordinator{}
		c.On("Latest").Return(coordinator.Status{MPRN: testMPRN, Totals: &totals, Snapshot: snap})
		w := serve(newTestServer(c, nil), httptest.NewRequest(http.MethodGet, "/api/usage", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var res usageResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, testMPRN, res.MPRN)
		assert.InDelta(t, 0.75, res.Totals.Today, 1e-9)
		assert.InDelta(t, 0.75, res.Totals.Last30Days, 1e-9)
		assert.True(t, res.FetchedAt.Equal(now))
		assert.True(t, res.Latest.Equal(now.Add(-30*time.Minute)))
		assert.Empty(t, res.Readings)
	})

	t.Run("Readings", func(t *testing.T) {
		c := &mockCoordinator{}
		c.On("Latest").Return(coordinator.Status{MPRN: testMPRN, Totals: &totals, Snapshot: snap})
		w := serve(newTestServer(c, nil), httptest.NewRequest(http.MethodGet, "/api/usage?readings=true", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var res usageResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Len(t, res.Readings, 2)
	})
}

func TestStatus(t *testing.T) {
	c := &mockCoordinator{}
	c.On("Latest").Return(coordinator.Status{
		MPRN:            testMPRN,
		LastError:       "captcha required",
		ErrorKind:       "captcha",
		CaptchaRequired: true,
	})
	w := serve(newTestServer(c, nil), httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, testMPRN, res["mprn"])
	assert.Equal(t, true, res["captchaRequired"])
	assert.Equal(t, "captcha", res["errorKind"])
	assert.NotContains(t, res, "totals")
}

func TestRefresh(t *testing.T) {
	t.Run("Open", func(t *testing.T) {
		c := &mockCoordinator{}
		c.On("Refresh").Return().Once()
		w := serve(newTestServer(c, nil), httptest.NewRequest(http.MethodPost, "/api/refresh", nil))

		assert.Equal(t, http.StatusAccepted, w.Code)
		c.AssertExpectations(t)
	})

	t.Run("WrongMethod", func(t *testing.T) {
		c := &mockCoordinator{}
		w := serve(newTestServer(c, nil), httptest.NewRequest(http.MethodGet, "/api/refresh", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		c.AssertNotCalled(t, "Refresh")
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		subjects map[string]bool
		want     int
	}{
		{name: "MissingHeader", want: http.StatusUnauthorized},
		{name: "NotBearer", header: "Basic abc", want: http.StatusBadRequest},
		{name: "BadToken", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "GoodToken", header: "Bearer good-token", want: http.StatusAccepted},
		{name: "SubjectAllowed", header: "Bearer good-token", subjects: map[string]bool{"me@example.com": true}, want: http.StatusAccepted},
		{name: "SubjectDenied", header: "Bearer other-token", subjects: map[string]bool{"me@example.com": true}, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &mockCoordinator{}
			c.On("Refresh").Return().Maybe()
			srv := newTestServer(c, nil)
			srv.verifier = testVerifier
			srv.allowedSubjects = tt.subjects

			req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(srv, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusAccepted {
				c.AssertCalled(t, "Refresh")
			} else {
				c.AssertNotCalled(t, "Refresh")
			}
		})
	}

	t.Run("ReadsAreOpen", func(t *testing.T) {
		c := &mockCoordinator{}
		c.On("Latest").Return(coordinator.Status{MPRN: testMPRN})
		srv := newTestServer(c, nil)
		srv.verifier = testVerifier

		w := serve(srv, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestCookies(t *testing.T) {
	post := func(body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/cookies", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return req
	}

	t.Run("Saved", func(t *testing.T) {
		c := &mockCoordinator{}
		c.On("Refresh").Return().Once()
		saver := &mockCookieSaver{}
		saver.On("SaveManualCookies", mock.Anything, "ESBNetworksSession=abc; other=1").Return(nil).Once()

		w := serve(newTestServer(c, saver), post(`{"cookies":"ESBNetworksSession=abc; other=1"}`))
		assert.Equal(t, http.StatusOK, w.Code)
		c.AssertExpectations(t)
		saver.AssertExpectations(t)
	})

	t.Run("NoCookies", func(t *testing.T) {
		c := &mockCoordinator{}
		saver := &mockCookieSaver{}
		saver.On("SaveManualCookies", mock.Anything, "").Return(session.ErrNoCookies)

		w := serve(newTestServer(c, saver), post(`{"cookies":""}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		c.AssertNotCalled(t, "Refresh")
	})

	t.Run("StoreFailure", func(t *testing.T) {
		c := &mockCoordinator{}
		saver := &mockCookieSaver{}
		saver.On("SaveManualCookies", mock.Anything, "a=b").Return(errors.New("disk full"))

		w := serve(newTestServer(c, saver), post(`{"cookies":"a=b"}`))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.JSONEq(t, `{"error":"failed to save cookies"}`, w.Body.String())
		c.AssertNotCalled(t, "Refresh")
	})

	t.Run("BadBody", func(t *testing.T) {
		c := &mockCoordinator{}
		saver := &mockCookieSaver{}

		w := serve(newTestServer(c, saver), post(`not json`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		saver.AssertNotCalled(t, "SaveManualCookies", mock.Anything, mock.Anything)
	})

	t.Run("Unsupported", func(t *testing.T) {
		w := serve(newTestServer(&mockCoordinator{}, nil), post(`{"cookies":"a=b"}`))
		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})
}

func TestRunDisabled(t *testing.T) {
	srv := newTestServer(&mockCoordinator{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, srv.Run(ctx))
}
