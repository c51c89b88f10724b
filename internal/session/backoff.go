package session

import "time"

const (
	DefaultReconnectBase        = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// Backoff schedules reconnection attempts. The delay grows linearly:
// attempt n waits base*n. It is not safe for concurrent use; the Controller
// guards it with its own lock.
type Backoff struct {
	base    time.Duration
	max     int
	attempt int
}

func NewBackoff(base time.Duration, maxAttempts int) *Backoff {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	return &Backoff{base: base, max: maxAttempts}
}

// Delay returns the wait before attempt n (1-indexed).
func (b *Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return b.base * time.Duration(n)
}

// Next consumes one attempt. ok is false once the budget is exhausted.
func (b *Backoff) Next() (attempt int, delay time.Duration, ok bool) {
	if b.attempt >= b.max {
		return b.attempt, 0, false
	}
	b.attempt++
	return b.attempt, b.Delay(b.attempt), true
}

func (b *Backoff) Reset() { b.attempt = 0 }

func (b *Backoff) Attempts() int { return b.attempt }

func (b *Backoff) MaxAttempts() int { return b.max }
