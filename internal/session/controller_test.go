package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"labrelay/internal/clock"
	"labrelay/internal/eventbus"
	"labrelay/internal/storage"
	kit "labrelay/internal/transport"
	"labrelay/internal/transport/loopback"
	logx "labrelay/pkg/logx"
)

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startController(t *testing.T, ch kit.Channel, cfg Config, opts ...Option) *Controller {
	t.Helper()
	c := New(ch, cfg, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

// scriptChannel hands out sessions whose events are fired by the test.
type scriptChannel struct {
	mu       sync.Mutex
	emits    []kit.Emit
	sessions []*scriptSession
	initErr  error
}

type scriptSession struct {
	mu       sync.Mutex
	tornDown bool
}

func (s *scriptSession) SendText(ctx context.Context, r, b string) (string, error) { return "id", nil }
func (s *scriptSession) SendMediaWithCaption(ctx context.Context, r, p, c string) (string, error) {
	return "id", nil
}
func (s *scriptSession) Teardown(ctx context.Context) error {
	s.mu.Lock()
	s.tornDown = true
	s.mu.Unlock()
	return nil
}
func (s *scriptSession) down() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tornDown
}

func (c *scriptChannel) Name() string { return "script" }

func (c *scriptChannel) InitializeSession(ctx context.Context, emit kit.Emit) (kit.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initErr != nil {
		return nil, c.initErr
	}
	s := &scriptSession{}
	c.emits = append(c.emits, emit)
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *scriptChannel) emit(i int, ev kit.Event) {
	c.mu.Lock()
	e := c.emits[i]
	c.mu.Unlock()
	e(ev)
}

func (c *scriptChannel) session(i int) *scriptSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[i]
}

func TestInitializeReachesReady(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, eventbus.SessionPhase)
	defer unsub()
	audit := storage.NewMemory()

	ch := loopback.New(loopback.Config{}, logx.Nop())
	c := startController(t, ch, Config{}, WithBus(bus), WithAuditor(audit))

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	eventually(t, c.IsReady, "ready")
	if c.Handle() == nil {
		t.Fatal("Handle() = nil while ready")
	}

	var seen []Phase
	for len(seen) < 3 {
		select {
		case e := <-events:
			seen = append(seen, e.Data.(PhaseChange).To)
		case <-time.After(2 * time.Second):
			t.Fatalf("phase events so far: %v", seen)
		}
	}
	want := []Phase{PhaseInitializing, PhaseAuthenticated, PhaseReady}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("phases = %v, want %v", seen, want)
		}
	}

	recs := audit.(interface{ Audit() []storage.AuditEntry }).Audit()
	if len(recs) == 0 || recs[len(recs)-1].Action != string(PhaseReady) {
		t.Fatalf("audit = %+v", recs)
	}
}

func TestPairingChallengeFlow(t *testing.T) {
	t.Parallel()
	ch := loopback.New(loopback.Config{RequirePairing: true, PairingCode: "482913"}, logx.Nop())
	c := startController(t, ch, Config{})

	if _, ok := c.PairingChallenge(); ok {
		t.Fatal("no challenge expected before initialize")
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	eventually(t, func() bool { return c.Phase() == PhaseAwaitingPairing }, "awaiting_pairing")
	code, ok := c.PairingChallenge()
	if !ok || code != "482913" {
		t.Fatalf("PairingChallenge = %q, %v", code, ok)
	}
	if c.IsReady() {
		t.Fatal("must not be ready while awaiting pairing")
	}

	if err := ch.Pair("482913"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	eventually(t, c.IsReady, "ready after pairing")
	if _, ok := c.PairingChallenge(); ok {
		t.Fatal("challenge must clear once ready")
	}
}

func TestReconnectBudgetExhaustedFails(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, eventbus.SessionFailed)
	defer unsub()

	ch := loopback.New(loopback.Config{}, logx.Nop())
	ch.FailInitialize(100)
	base := 5 * time.Second
	c := startController(t, ch, Config{ReconnectBase: base, MaxReconnectAttempts: 5},
		WithClock(clock.New(fc)), WithBus(bus))

	if err := c.Initialize(context.Background()); err == nil {
		t.Fatal("expected initialize error")
	}
	for n := 1; n <= 5; n++ {
		fc.BlockUntil(1)
		if got := c.ReconnectAttempts(); got != n {
			t.Fatalf("ReconnectAttempts = %d, want %d", got, n)
		}
		delay := time.Duration(n) * base
		fc.Advance(delay - time.Millisecond)
		if got := ch.InitializeCalls(); got != n {
			t.Fatalf("attempt %d fired early: %d calls", n, got)
		}
		fc.Advance(time.Millisecond)
		want := n + 1
		eventually(t, func() bool { return ch.InitializeCalls() == want }, "reconnect attempt")
	}

	eventually(t, func() bool { return c.Phase() == PhaseFailed }, "failed phase")
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("no session.failed event")
	}

	fc.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if got := ch.InitializeCalls(); got != 6 {
		t.Fatalf("InitializeCalls = %d after budget exhausted, want 6", got)
	}

	// A manual initialize recovers and restores the budget.
	ch.FailInitialize(0)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("manual Initialize: %v", err)
	}
	eventually(t, c.IsReady, "ready after manual initialize")
	if got := c.ReconnectAttempts(); got != 0 {
		t.Fatalf("ReconnectAttempts = %d after ready", got)
	}
}

func TestPairingChallengeResetsReconnectBudget(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	ch := loopback.New(loopback.Config{RequirePairing: true}, logx.Nop())
	ch.FailInitialize(2)
	c := startController(t, ch, Config{}, WithClock(clock.New(fc)))

	_ = c.Initialize(context.Background())
	fc.BlockUntil(1)
	fc.Advance(DefaultReconnectBase)
	eventually(t, func() bool { return c.ReconnectAttempts() == 2 }, "second scheduled attempt")
	fc.BlockUntil(1)
	fc.Advance(2 * DefaultReconnectBase)

	eventually(t, func() bool { return c.Phase() == PhaseAwaitingPairing }, "awaiting_pairing")
	if got := c.ReconnectAttempts(); got != 0 {
		t.Fatalf("ReconnectAttempts = %d, want 0 after pairing challenge", got)
	}
}

func TestDisconnectReconnectsAfterBaseDelay(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	ch := loopback.New(loopback.Config{}, logx.Nop())
	c := startController(t, ch, Config{}, WithClock(clock.New(fc)))

	_ = c.Initialize(context.Background())
	eventually(t, c.IsReady, "ready")

	ch.Disconnect("phone offline")
	eventually(t, func() bool { return c.Phase() == PhaseDisconnected }, "disconnected")
	if c.Handle() != nil {
		t.Fatal("handle must be invalidated on disconnect")
	}
	if snap := c.Snapshot(); snap.LastReason != "phone offline" || snap.ReconnectAttempts != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	fc.BlockUntil(1)
	fc.Advance(DefaultReconnectBase)
	eventually(t, c.IsReady, "ready after reconnect")
	if ch.InitializeCalls() != 2 {
		t.Fatalf("InitializeCalls = %d, want 2", ch.InitializeCalls())
	}
	if c.ReconnectAttempts() != 0 {
		t.Fatalf("ReconnectAttempts = %d after ready", c.ReconnectAttempts())
	}
}

func TestEventsFromReplacedSessionAreDropped(t *testing.T) {
	t.Parallel()
	ch := &scriptChannel{}
	c := startController(t, ch, Config{})

	_ = c.Initialize(context.Background())
	_ = c.Initialize(context.Background())
	if !ch.session(0).down() {
		t.Fatal("first session should be torn down by the second initialize")
	}

	ch.emit(0, kit.Event{Kind: kit.EventReady})
	time.Sleep(20 * time.Millisecond)
	if c.Phase() != PhaseInitializing {
		t.Fatalf("stale ready moved phase to %s", c.Phase())
	}

	ch.emit(1, kit.Event{Kind: kit.EventReady})
	eventually(t, c.IsReady, "ready from current session")
}

func TestReadyWithoutAuthenticatedPassesThrough(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.SessionPhase)
	defer unsub()
	ch := &scriptChannel{}
	c := startController(t, ch, Config{}, WithBus(bus))

	_ = c.Initialize(context.Background())
	ch.emit(0, kit.Event{Kind: kit.EventReady})
	eventually(t, c.IsReady, "ready")

	var got []Phase
	for len(got) < 3 {
		e := <-events
		got = append(got, e.Data.(PhaseChange).To)
	}
	if got[1] != PhaseAuthenticated || got[2] != PhaseReady {
		t.Fatalf("phases = %v", got)
	}
}

type drainRecorder struct {
	c      *Controller
	phase  Phase
	called bool
}

func (d *drainRecorder) Drain(ctx context.Context) error {
	d.called = true
	d.phase = d.c.Phase()
	return nil
}

func TestShutdownDrainsThenDestroys(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	ch := &scriptChannel{}
	c := startController(t, ch, Config{}, WithClock(clock.New(fc)))
	d := &drainRecorder{c: c}
	c.SetDrainer(d)

	_ = c.Initialize(context.Background())
	ch.emit(0, kit.Event{Kind: kit.EventReady})
	eventually(t, c.IsReady, "ready")

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !d.called || d.phase != PhaseShuttingDown {
		t.Fatalf("drainer called=%v phase=%s", d.called, d.phase)
	}
	if !ch.session(0).down() {
		t.Fatal("session not torn down")
	}
	if c.Phase() != PhaseShuttingDown || c.IsReady() {
		t.Fatalf("phase = %s ready=%v", c.Phase(), c.IsReady())
	}
	if err := c.Initialize(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Initialize after shutdown = %v", err)
	}
	// Second call is a no-op, and Destroy stays safe.
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	c.Destroy(context.Background())
}

func TestDestroyIsIdempotentAndSkipsReconnect(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	ch := &scriptChannel{}
	c := startController(t, ch, Config{}, WithClock(clock.New(fc)))

	_ = c.Initialize(context.Background())
	ch.emit(0, kit.Event{Kind: kit.EventReady})
	eventually(t, c.IsReady, "ready")

	c.Destroy(context.Background())
	c.Destroy(context.Background())
	if c.Phase() != PhaseDisconnected {
		t.Fatalf("phase = %s", c.Phase())
	}
	if c.ReconnectAttempts() != 0 {
		t.Fatal("destroy must not schedule a reconnect")
	}
}

func TestInitializeErrorSchedulesReconnect(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClock()
	ch := &scriptChannel{initErr: errors.New("boom")}
	c := startController(t, ch, Config{}, WithClock(clock.New(fc)))

	err := c.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if c.Phase() != PhaseDisconnected || c.ReconnectAttempts() != 1 {
		t.Fatalf("phase=%s attempts=%d", c.Phase(), c.ReconnectAttempts())
	}
}
