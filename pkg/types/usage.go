package types

import (
	"time"
)

// Reading is a single interval consumption value from the meter.
type Reading struct {
	Time time.Time `json:"time"`
	KWH  float64   `json:"kwh"`
}

// Totals are consumption sums over the fixed reporting windows, in kWh.
type Totals struct {
	Today       float64 `json:"today"`
	Last24Hours float64 `json:"last24Hours"`
	ThisWeek    float64 `json:"thisWeek"`
	Last7Days   float64 `json:"last7Days"`
	ThisMonth   float64 `json:"thisMonth"`
	Last30Days  float64 `json:"last30Days"`
}

// UsageSnapshot holds the readings from one download. It is never modified
// after NewUsageSnapshot returns; a new download builds a new snapshot.
type UsageSnapshot struct {
	readings  []Reading
	fetchedAt time.Time
}

// NewUsageSnapshot copies readings, dropping any older than now-retention.
// A zero retention keeps everything.
func NewUsageSnapshot(readings []Reading, now time.Time, retention time.Duration) *UsageSnapshot {
	kept := make([]Reading, 0, len(readings))
	var cutoff time.Time
	if retention > 0 {
		cutoff = now.Add(-retention)
	}
	for _, r := range readings {
		if !cutoff.IsZero() && r.Time.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	return &UsageSnapshot{
		readings:  kept,
		fetchedAt: now,
	}
}

// Len returns the number of retained readings.
func (s *UsageSnapshot) Len() int {
	return len(s.readings)
}

// FetchedAt returns when the snapshot was built.
func (s *UsageSnapshot) FetchedAt() time.Time {
	return s.fetchedAt
}

// Readings returns a copy of the retained readings.
func (s *UsageSnapshot) Readings() []Reading {
	out := make([]Reading, len(s.readings))
	copy(out, s.readings)
	return out
}

// Latest returns the most recent reading time, or the zero time.
func (s *UsageSnapshot) Latest() time.Time {
	var latest time.Time
	for _, r := range s.readings {
		if r.Time.After(latest) {
			latest = r.Time
		}
	}
	return latest
}

func (s *UsageSnapshot) sumSince(since time.Time) float64 {
	var sum float64
	for _, r := range s.readings {
		if !r.Time.Before(since) {
			sum += r.KWH
		}
	}
	return sum
}

// Today sums readings since local midnight of now.
func (s *UsageSnapshot) Today(now time.Time) float64 {
	return s.sumSince(truncateDay(now))
}

// Last24Hours sums readings in the 24 hours before now.
func (s *UsageSnapshot) Last24Hours(now time.Time) float64 {
	return s.sumSince(now.Add(-24 * time.Hour))
}

// ThisWeek sums readings since midnight on the Monday of now's week.
func (s *UsageSnapshot) ThisWeek(now time.Time) float64 {
	return s.sumSince(startOfWeek(now))
}

// Last7Days sums readings since the same time of day seven days ago.
func (s *UsageSnapshot) Last7Days(now time.Time) float64 {
	return s.sumSince(now.AddDate(0, 0, -7))
}

// ThisMonth sums readings since midnight on the first of now's month.
func (s *UsageSnapshot) ThisMonth(now time.Time) float64 {
	return s.sumSince(time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()))
}

// Last30Days sums readings since the same time of day thirty days ago.
func (s *UsageSnapshot) Last30Days(now time.Time) float64 {
	return s.sumSince(now.AddDate(0, 0, -30))
}

// Totals evaluates every window against now. Day, week and month boundaries
// fall in now's location, so callers pass now in the timezone the readings
// were recorded in.
func (s *UsageSnapshot) Totals(now time.Time) Totals {
	return Totals{
		Today:       s.Today(now),
		Last24Hours: s.Last24Hours(now),
		ThisWeek:    s.ThisWeek(now),
		Last7Days:   s.Last7Days(now),
		ThisMonth:   s.ThisMonth(now),
		Last30Days:  s.Last30Days(now),
	}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfWeek(t time.Time) time.Time {
	// time.Weekday starts at Sunday, weeks here start on Monday
	offset := (int(t.Weekday()) + 6) % 7
	return truncateDay(t).AddDate(0, 0, -offset)
}
