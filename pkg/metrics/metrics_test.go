package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esbmeter/esbmeter/pkg/breaker"
	"github.com/esbmeter/esbmeter/pkg/esb"
	"github.com/esbmeter/esbmeter/pkg/types"
)

const testMPRN = "10012345678"

func TestCollector(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 13, 18, 0, 0, 0, time.UTC)

	c := NewCollector()
	c.now = func() time.Time { return now }

	snap := types.NewUsageSnapshot([]types.Reading{
		{Time: now.Add(-time.Hour), KWH: 1},
		{Time: now.Add(-2 * time.Hour), KWH: 2},
	}, now, 0)
	require.NoError(t, c.Publish(ctx, testMPRN, types.Totals{Today: 3, Last30Days: 42.5}, snap))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.usage.WithLabelValues(testMPRN, "today")))
	assert.Equal(t, 42.5, testutil.ToFloat64(c.usage.WithLabelValues(testMPRN, "last_30_days")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetches.WithLabelValues(testMPRN, "success")))
	assert.Equal(t, float64(now.Unix()), testutil.ToFloat64(c.lastSuccess.WithLabelValues(testMPRN)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.readings.WithLabelValues(testMPRN)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.available.WithLabelValues(testMPRN)))

	require.NoError(t, c.MarkUnavailable(ctx, testMPRN, &esb.Error{Kind: esb.KindCaptcha}))
	require.NoError(t, c.MarkUnavailable(ctx, testMPRN, errors.New("boom")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetches.WithLabelValues(testMPRN, "captcha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetches.WithLabelValues(testMPRN, "unknown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.available.WithLabelValues(testMPRN)))
	// the last good totals stay exported
	assert.Equal(t, 3.0, testutil.ToFloat64(c.usage.WithLabelValues(testMPRN, "today")))
}

func TestHandler(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()

	b := breaker.New(breaker.Config{Threshold: 1})
	c.WatchBreaker(b)
	b.RecordFailure(ctx)

	ts := httptest.NewServer(c.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "esbmeter_breaker_failures 1")
	assert.Contains(t, string(body), "esbmeter_breaker_open 1")
	assert.Contains(t, string(body), "esbmeter_breaker_daily_attempts 1")
	assert.Contains(t, string(body), "go_goroutines")
}
