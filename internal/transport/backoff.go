package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Backoff hands out exponential retry delays for one transport. With jitter
// each delay lands in [d/2, d], so MaxDelay is never exceeded.
type Backoff struct {
	cfg BackoffConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(cfg BackoffConfig, seed int64) *Backoff {
	return &Backoff{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Delay is the pause before attempt (1-based) is retried.
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.cfg.InitialDelay
	if d <= 0 {
		return 0
	}
	mult := b.cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if b.cfg.MaxDelay > 0 && d >= b.cfg.MaxDelay {
			d = b.cfg.MaxDelay
			break
		}
	}
	if !b.cfg.Jitter || d < 2 {
		return d
	}
	half := d / 2
	b.mu.Lock()
	spread := time.Duration(b.rng.Int63n(int64(half) + 1))
	b.mu.Unlock()
	return half + spread
}

// Wait sleeps for Delay(attempt). It returns ctx.Err() if ctx ends first and
// ErrClosed if stop closes first.
func (b *Backoff) Wait(ctx context.Context, stop <-chan struct{}, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrClosed
	case <-timer.C:
		return nil
	}
}
