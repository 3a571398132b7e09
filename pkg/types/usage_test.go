package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageSnapshot(t *testing.T) {
	dublin, err := time.LoadLocation("Europe/Dublin")
	require.NoError(t, err)

	at := func(month time.Month, day, hour, minute int) time.Time {
		return time.Date(2024, month, day, hour, minute, 0, 0, dublin)
	}
	// Wednesday
	now := at(time.March, 13, 18, 0)

	t.Run("TodaySum", func(t *testing.T) {
		s := NewUsageSnapshot([]Reading{
			{Time: at(time.March, 13, 1, 0), KWH: 1.5},
			{Time: at(time.March, 13, 9, 30), KWH: 2.0},
			{Time: at(time.March, 13, 17, 30), KWH: 0.5},
		}, now, 90*24*time.Hour)
		assert.Equal(t, 4.0, s.Today(now))
	})

	t.Run("Windows", func(t *testing.T) {
		readings := []Reading{
			// out of order on purpose
			{Time: at(time.February, 20, 12, 0), KWH: 6.0},
			{Time: at(time.March, 13, 1, 0), KWH: 1.5},
			{Time: time.Date(2023, time.November, 1, 0, 0, 0, 0, dublin), KWH: 1000},
			{Time: at(time.March, 13, 9, 30), KWH: 2.0},
			{Time: at(time.March, 12, 20, 0), KWH: 1.0},
			{Time: at(time.March, 11, 10, 0), KWH: 3.0},
			{Time: at(time.March, 8, 12, 0), KWH: 2.5},
			{Time: at(time.March, 2, 0, 0), KWH: 4.0},
			{Time: at(time.January, 1, 0, 0), KWH: 100},
			{Time: at(time.March, 13, 17, 30), KWH: 0.5},
		}
		s := NewUsageSnapshot(readings, now, 90*24*time.Hour)
		assert.Equal(t, 9, s.Len(), "reading older than retention should be dropped")

		totals := s.Totals(now)
		assert.InDelta(t, 4.0, totals.Today, 1e-9)
		assert.InDelta(t, 5.0, totals.Last24Hours, 1e-9)
		assert.InDelta(t, 8.0, totals.ThisWeek, 1e-9)
		assert.InDelta(t, 10.5, totals.Last7Days, 1e-9)
		assert.InDelta(t, 14.5, totals.ThisMonth, 1e-9)
		assert.InDelta(t, 20.5, totals.Last30Days, 1e-9)
		assert.Equal(t, at(time.March, 13, 17, 30), s.Latest())
	})

	t.Run("RetentionIgnoresOrder", func(t *testing.T) {
		old := Reading{Time: now.Add(-91 * 24 * time.Hour), KWH: 7}
		recent := Reading{Time: now.Add(-time.Hour), KWH: 1}

		a := NewUsageSnapshot([]Reading{old, recent}, now, 90*24*time.Hour)
		b := NewUsageSnapshot([]Reading{recent, old}, now, 90*24*time.Hour)
		assert.Equal(t, []Reading{recent}, a.Readings())
		assert.Equal(t, []Reading{recent}, b.Readings())
	})

	t.Run("Immutable", func(t *testing.T) {
		in := []Reading{{Time: now.Add(-time.Hour), KWH: 1}}
		s := NewUsageSnapshot(in, now, 0)
		in[0].KWH = 50
		out := s.Readings()
		out[0].KWH = 99
		assert.Equal(t, 1.0, s.Today(now))
	})

	t.Run("WeekStartsMonday", func(t *testing.T) {
		sunday := at(time.March, 17, 12, 0)
		monday := at(time.March, 11, 0, 0)
		assert.Equal(t, monday, startOfWeek(sunday))
		assert.Equal(t, monday, startOfWeek(monday))
		assert.Equal(t, monday, startOfWeek(now))
	})

	t.Run("Empty", func(t *testing.T) {
		s := NewUsageSnapshot(nil, now, 90*24*time.Hour)
		assert.Equal(t, Totals{}, s.Totals(now))
		assert.True(t, s.Latest().IsZero())
	})
}

func TestCredentialsValidate(t *testing.T) {
	valid := Credentials{Username: "user@example.com", Password: "secret", MPRN: "10012345678"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"missing username", Credentials{Password: "p", MPRN: "10012345678"}},
		{"missing password", Credentials{Username: "u", MPRN: "10012345678"}},
		{"short mprn", Credentials{Username: "u", Password: "p", MPRN: "1001234567"}},
		{"long mprn", Credentials{Username: "u", Password: "p", MPRN: "100123456789"}},
		{"non numeric mprn", Credentials{Username: "u", Password: "p", MPRN: "1001234567a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.creds.Validate())
		})
	}

	assert.NotContains(t, valid.String(), "secret")
}

func TestSessionRecordValid(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := &SessionRecord{
		Cookies:   map[string]string{"a": "b"},
		ExpiresAt: now.Add(time.Hour),
		MPRN:      "10012345678",
	}
	assert.True(t, rec.Valid("10012345678", now))
	assert.False(t, rec.Valid("10012345679", now), "mprn mismatch")
	assert.False(t, rec.Valid("10012345678", now.Add(time.Hour)), "expired")

	empty := *rec
	empty.Cookies = nil
	assert.False(t, empty.Valid("10012345678", now), "no cookies")

	var nilRec *SessionRecord
	assert.False(t, nilRec.Valid("10012345678", now))
	assert.Empty(t, nilRec.Token())
}
