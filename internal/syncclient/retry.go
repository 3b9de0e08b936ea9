package syncclient

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how failed requests are repeated. The zero value
// sends every request exactly once.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
	// Retryable decides whether an error is worth another attempt. Nil means
	// IsTemporary.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries transient failures three times with
// exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// run calls attempt until it succeeds, the error is not retryable, the
// retries are used up or ctx ends. The last error is returned.
func (p RetryPolicy) run(ctx context.Context, attempt func(n int) error) error {
	var lastErr error
	for n := 0; n <= p.MaxRetries; n++ {
		if n > 0 {
			timer := time.NewTimer(p.delay(n))
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}

		err := attempt(n)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.retryable(err) {
			return err
		}
	}
	return lastErr
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTemporary(err)
}

// delay is the wait before attempt n (n >= 1).
func (p RetryPolicy) delay(n int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	d += d * p.JitterFactor * (2*rand.Float64() - 1)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
