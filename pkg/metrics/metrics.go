// Package metrics exposes fetch outcomes and usage totals to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/esbmeter/esbmeter/pkg/breaker"
	"github.com/esbmeter/esbmeter/pkg/esb"
	"github.com/esbmeter/esbmeter/pkg/types"
)

const resultSuccess = "success"

// Collector implements the coordinator's Sink by recording every outcome.
type Collector struct {
	registry *prometheus.Registry
	now      func() time.Time

	usage       *prometheus.GaugeVec
	fetches     *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	readings    *prometheus.GaugeVec
	available   *prometheus.GaugeVec
}

// NewCollector registers the collector's metrics, plus the Go and process
// collectors, on a new registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		now:      time.Now,
		usage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "esbmeter_usage_kwh",
			Help: "Electricity usage over a window as of the last successful fetch.",
		}, []string{"mprn", "window"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esbmeter_fetches_total",
			Help: "Fetch outcomes by result; failures are labelled with their error kind.",
		}, []string{"mprn", "result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "esbmeter_last_success_timestamp_seconds",
			Help: "Unix time of the last successful fetch.",
		}, []string{"mprn"}),
		readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "esbmeter_readings",
			Help: "Interval readings retained from the last export.",
		}, []string{"mprn"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "esbmeter_available",
			Help: "1 if the last fetch succeeded, 0 otherwise.",
		}, []string{"mprn"}),
	}
	c.registry.MustRegister(
		c.usage,
		c.fetches,
		c.lastSuccess,
		c.readings,
		c.available,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// WatchBreaker exports b's counters, read at scrape time.
func (c *Collector) WatchBreaker(b *breaker.Breaker) {
	gauge := func(name, help string, value func(breaker.State) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return value(b.State())
		})
	}
	c.registry.MustRegister(
		gauge("esbmeter_breaker_failures", "Consecutive failed fetches.", func(s breaker.State) float64 {
			return float64(s.FailureCount)
		}),
		gauge("esbmeter_breaker_open", "1 while the breaker is open.", func(s breaker.State) float64 {
			if s.Open {
				return 1
			}
			return 0
		}),
		gauge("esbmeter_breaker_daily_attempts", "Login attempts made today.", func(s breaker.State) float64 {
			return float64(s.DailyAttempts)
		}),
	)
}

// Publish implements the coordinator's Sink.
func (c *Collector) Publish(ctx context.Context, mprn string, totals types.Totals, snap *types.UsageSnapshot) error {
	for window, v := range map[string]float64{
		"today":         totals.Today,
		"last_24_hours": totals.Last24Hours,
		"this_week":     totals.ThisWeek,
		"last_7_days":   totals.Last7Days,
		"this_month":    totals.ThisMonth,
		"last_30_days":  totals.Last30Days,
	} {
		c.usage.WithLabelValues(mprn, window).Set(v)
	}
	c.fetches.WithLabelValues(mprn, resultSuccess).Inc()
	c.lastSuccess.WithLabelValues(mprn).Set(float64(c.now().Unix()))
	c.readings.WithLabelValues(mprn).Set(float64(snap.Len()))
	c.available.WithLabelValues(mprn).Set(1)
	return nil
}

// MarkUnavailable implements the coordinator's Sink.
func (c *Collector) MarkUnavailable(ctx context.Context, mprn string, cause error) error {
	result := "unknown"
	if k := esb.KindOf(cause); k != 0 {
		result = k.String()
	}
	c.fetches.WithLabelValues(mprn, result).Inc()
	c.available.WithLabelValues(mprn).Set(0)
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
