// Package clock provides the scheduled-task primitives used by the relay:
// cancelable deferred calls and interruptible waits. Production code uses the
// wall clock; tests drive a clockwork fake clock.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a pending deferred call. Stop reports whether it prevented the call.
type Timer interface {
	Stop() bool
}

type Scheduler interface {
	Now() time.Time
	// AfterFunc runs f in its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
	// Sleep waits for d, returning ctx.Err() if ctx ends first.
	Sleep(ctx context.Context, d time.Duration) error
}

type scheduler struct {
	c clockwork.Clock
}

// New wraps a clockwork clock.
func New(c clockwork.Clock) Scheduler {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return scheduler{c: c}
}

// Real returns a Scheduler backed by the wall clock.
func Real() Scheduler { return New(clockwork.NewRealClock()) }

func (s scheduler) Now() time.Time { return s.c.Now() }

func (s scheduler) AfterFunc(d time.Duration, f func()) Timer {
	return s.c.AfterFunc(d, f)
}

func (s scheduler) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := s.c.NewTimer(d)
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}
