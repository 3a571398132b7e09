package esb

import (
	"context"
	"math/rand/v2"
	"time"
)

// Delayer pauses between the requests of a login so their timing resembles a
// person clicking through the portal.
type Delayer interface {
	Delay(ctx context.Context) error
}

// HumanDelay draws pauses from a normal distribution clamped to [Min, Max],
// occasionally adding a longer "reading the page" pause.
type HumanDelay struct {
	Mean            time.Duration
	StdDev          time.Duration
	Min             time.Duration
	Max             time.Duration
	LongPauseChance float64
	LongPauseMin    time.Duration
	LongPauseMax    time.Duration
}

// DefaultHumanDelay returns the production delay distribution.
func DefaultHumanDelay() HumanDelay {
	return HumanDelay{
		Mean:            3500 * time.Millisecond,
		StdDev:          1200 * time.Millisecond,
		Min:             time.Second,
		Max:             8 * time.Second,
		LongPauseChance: 0.1,
		LongPauseMin:    10 * time.Second,
		LongPauseMax:    15 * time.Second,
	}
}

// Next returns the next pause length.
func (h HumanDelay) Next() time.Duration {
	d := time.Duration(rand.NormFloat64()*float64(h.StdDev)) + h.Mean
	d = max(h.Min, min(h.Max, d))
	if rand.Float64() < h.LongPauseChance {
		d += h.LongPauseMin + time.Duration(rand.Float64()*float64(h.LongPauseMax-h.LongPauseMin))
	}
	return d
}

// Delay implements Delayer.
func (h HumanDelay) Delay(ctx context.Context) error {
	return sleep(ctx, h.Next())
}

// NoDelay never pauses.
type NoDelay struct{}

// Delay implements Delayer.
func (NoDelay) Delay(ctx context.Context) error {
	return ctx.Err()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
