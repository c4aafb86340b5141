package job

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// ErrInvalidBackoff indicates a backoff policy with a non-positive base delay.
var ErrInvalidBackoff = errors.New("backoff base delay must be positive")

// Backoff is a bounded exponential retry policy with full jitter on the
// upper half of each step.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff is used by components that were not given an explicit policy.
func DefaultBackoff() Backoff {
	return Backoff{Base: 200 * time.Millisecond, Max: 5 * time.Second, MaxAttempts: 4}
}

// NewBackoff validates and normalises a policy.
func NewBackoff(base, maxDelay time.Duration, attempts int) (Backoff, error) {
	if base <= 0 {
		return Backoff{}, ErrInvalidBackoff
	}
	if maxDelay < base {
		maxDelay = base
	}
	if attempts < 1 {
		attempts = 1
	}
	return Backoff{Base: base, Max: maxDelay, MaxAttempts: attempts}, nil
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 || attempt < 1 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + randInt63n(half))
}

// Retry calls fn until it succeeds, returns an error retryable rejects, the
// attempt budget is spent, or ctx is done. The last error is returned.
func (b Backoff) Retry(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

func randInt63n(n int64) int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf[:]) % uint64(n)) // #nosec G115 - bounded by n
}
