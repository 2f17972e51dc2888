package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff implements exponential backoff with optional jitter. It paces the
// transport reconnect loop so a flapping connection does not hammer the
// server, and jitter keeps a fleet of clients from reconnecting in lockstep.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64 // fraction of the delay randomized, 0 disables
	currentDelay time.Duration
}

// New creates a new Backoff. initialDelay is the delay before the first
// retry, maxDelay caps the delay, and multiplier is the growth factor applied
// after each wait.
func New(initialDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		currentDelay: initialDelay,
	}
}

// WithJitter returns the backoff with jitter enabled. fraction must be in
// [0, 1]; each wait is randomized within ±fraction of the current delay.
func (b *Backoff) WithJitter(fraction float64) *Backoff {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	b.jitter = fraction
	return b
}

// Wait waits for the current backoff duration, respecting context
// cancellation. Returns nil if the wait completed, or ctx.Err() if the
// context was cancelled first. After a completed wait the delay is increased
// for the next call.
func (b *Backoff) Wait(ctx context.Context) error {
	delay := b.currentDelay
	if b.jitter > 0 {
		spread := float64(delay) * b.jitter
		delay = time.Duration(float64(delay) - spread + 2*spread*rand.Float64())
	}

	select {
	case <-time.After(delay):
		b.currentDelay = time.Duration(float64(b.currentDelay) * b.multiplier)
		if b.currentDelay > b.maxDelay {
			b.currentDelay = b.maxDelay
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset resets the backoff to its initial delay. Called after a successful
// reconnect so the next failure starts the sequence over.
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
}

// CurrentDelay returns the current backoff delay before jitter.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}
