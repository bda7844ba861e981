package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls bounded retry with exponential backoff.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool

	// Rand seeds jitter; nil falls back to the global source.
	Rand *rand.Rand
	// Sleep is replaceable in tests. Nil means real sleeping.
	Sleep func(context.Context, time.Duration) error
}

// DefaultPolicy returns the policy used for model and tool calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// Permanent marks an error as not worth retrying.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Abort wraps err so Do returns it without further attempts.
func Abort(err error) error {
	return &Permanent{Err: err}
}

// Do runs fn up to MaxAttempts times, backing off between attempts.
// It stops early on context cancellation or a Permanent error.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.backoff(attempt-1)); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		lastErr = err
	}
	return lastErr
}

func (p Policy) backoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}

	backoff := float64(initial) * math.Pow(multiplier, float64(attempt))
	if max := p.MaxBackoff; max > 0 && backoff > float64(max) {
		backoff = float64(max)
	}

	if p.Jitter {
		// Uniform factor in [0.5, 1.5).
		if p.Rand != nil {
			backoff *= 0.5 + p.Rand.Float64()
		} else {
			backoff *= 0.5 + rand.Float64()
		}
	}
	return time.Duration(backoff)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
