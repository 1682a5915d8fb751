package transport

import "time"

const (
	DefaultReconnectBase = time.Second
	DefaultReconnectCap  = 10 * time.Second
)

// Backoff computes reconnect delays: after k consecutive failures the delay is
// min(Base*2^(k-1), Cap). It is not safe for concurrent use.
type Backoff struct {
	Base     time.Duration
	Cap      time.Duration
	failures int
}

func NewBackoff(base, ceiling time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if ceiling < base {
		ceiling = base
	}
	return &Backoff{Base: base, Cap: ceiling}
}

// Delay returns the wait after k consecutive failures. k < 1 yields 0.
func (b *Backoff) Delay(k int) time.Duration {
	if k < 1 {
		return 0
	}
	d := b.Base
	for i := 1; i < k; i++ {
		d *= 2
		if d >= b.Cap || d <= 0 {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Next records a failure and returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.failures++
	return b.Delay(b.failures)
}

// Reset clears the failure count after a successful connection.
func (b *Backoff) Reset() {
	b.failures = 0
}

func (b *Backoff) Failures() int {
	return b.failures
}
