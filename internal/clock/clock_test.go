package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestSleepReturnsAfterAdvance(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	s := New(fc)

	done := make(chan error, 1)
	go func() { done <- s.Sleep(context.Background(), 2*time.Second) }()

	fc.BlockUntil(1)
	fc.Advance(2 * time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Sleep: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestSleepHonorsCancel(t *testing.T) {
	t.Parallel()
	s := New(clockwork.NewFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep err = %v, want context.Canceled", err)
	}
}

func TestAfterFuncCanBeStopped(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	s := New(fc)
	fired := make(chan struct{}, 1)
	tm := s.AfterFunc(time.Second, func() { fired <- struct{}{} })
	if !tm.Stop() {
		t.Fatal("Stop should report the call was prevented")
	}
	fc.Advance(2 * time.Second)
	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}
