// Package session owns the lifecycle of the chat channel session: pairing,
// readiness, loss, and linear-backoff reconnection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"labrelay/internal/clock"
	"labrelay/internal/eventbus"
	"labrelay/internal/storage"
	kit "labrelay/internal/transport"
	logx "labrelay/pkg/logx"
)

type Phase string

const (
	PhaseDisconnected    Phase = "disconnected"
	PhaseInitializing    Phase = "initializing"
	PhaseAwaitingPairing Phase = "awaiting_pairing"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseReady           Phase = "ready"
	PhaseFailed          Phase = "failed"
	PhaseShuttingDown    Phase = "shutting_down"
)

// active reports whether a session handle may exist in this phase.
func (p Phase) active() bool {
	switch p {
	case PhaseInitializing, PhaseAwaitingPairing, PhaseAuthenticated, PhaseReady:
		return true
	}
	return false
}

var (
	ErrShuttingDown = errors.New("session: shutting down")
	// ErrSuperseded is returned by Initialize when a newer Initialize or a
	// Destroy replaced the session before it was installed.
	ErrSuperseded = errors.New("session: superseded")
)

// Drainer stops queued work before the session is torn down.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Auditor receives lifecycle audit records.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Config struct {
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
}

// PhaseChange is the payload of session.phase events.
type PhaseChange struct {
	From     Phase  `json:"from"`
	To       Phase  `json:"to"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"reconnect_attempts"`
}

// Snapshot is a consistent read of the controller state.
type Snapshot struct {
	Phase                Phase     `json:"phase"`
	PairingCode          string    `json:"pairing_code,omitempty"`
	ReconnectAttempts    int       `json:"reconnect_attempts"`
	MaxReconnectAttempts int       `json:"max_reconnect_attempts"`
	LastReason           string    `json:"last_reason,omitempty"`
	Since                time.Time `json:"since"`
}

type Option func(*Controller)

func WithClock(s clock.Scheduler) Option {
	return func(c *Controller) {
		if s != nil {
			c.clk = s
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(c *Controller) { c.bus = b } }

func WithAuditor(a Auditor) Option { return func(c *Controller) { c.audit = a } }

func WithLogger(l logx.Logger) Option {
	return func(c *Controller) {
		if !l.IsZero() {
			c.log = l
		}
	}
}

type taggedEvent struct {
	gen uint64
	ev  kit.Event
}

// Controller is the single owner of the session state. Channel events arrive
// through one ordered channel tagged with the handle generation; events from a
// replaced handle are dropped.
type Controller struct {
	ch    kit.Channel
	clk   clock.Scheduler
	bus   eventbus.Bus
	audit Auditor
	log   logx.Logger

	mu           sync.Mutex
	phase        Phase
	since        time.Time
	challenge    string
	lastReason   string
	backoff      *Backoff
	shuttingDown bool

	handle     kit.Session
	gen        uint64
	connecting bool
	pending    []kit.Event

	timer    clock.Timer
	timerSeq uint64

	onReady []func()
	onAck   func(messageID string, level kit.AckLevel)
	drainer Drainer

	events   chan taggedEvent
	stopped  chan struct{}
	stopOnce sync.Once
}

func New(ch kit.Channel, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		ch:      ch,
		clk:     clock.Real(),
		log:     logx.Nop(),
		phase:   PhaseDisconnected,
		backoff: NewBackoff(cfg.ReconnectBase, cfg.MaxReconnectAttempts),
		events:  make(chan taggedEvent, 64),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.since = c.clk.Now()
	c.log = c.log.With(logx.String("comp", "session"), logx.String("channel", ch.Name()))
	return c
}

// OnReady registers f to run (outside the controller lock) every time the
// session becomes ready.
func (c *Controller) OnReady(f func()) {
	c.mu.Lock()
	c.onReady = append(c.onReady, f)
	c.mu.Unlock()
}

// SetAckHandler installs the receiver of delivery acks.
func (c *Controller) SetAckHandler(f func(messageID string, level kit.AckLevel)) {
	c.mu.Lock()
	c.onAck = f
	c.mu.Unlock()
}

func (c *Controller) SetDrainer(d Drainer) {
	c.mu.Lock()
	c.drainer = d
	c.mu.Unlock()
}

// Run consumes channel events until ctx ends or Shutdown completes.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopped:
			return nil
		case te := <-c.events:
			c.dispatch(te)
		}
	}
}

func (c *Controller) emitter(gen uint64) kit.Emit {
	return func(ev kit.Event) {
		select {
		case c.events <- taggedEvent{gen: gen, ev: ev}:
		case <-c.stopped:
		}
	}
}

// Initialize tears down any existing handle and starts a new session. A manual
// call out of the failed phase restores the reconnect budget.
func (c *Controller) Initialize(ctx context.Context) error {
	return c.connect(ctx, true)
}

func (c *Controller) connect(ctx context.Context, manual bool) error {
	var fx effects
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	c.stopTimerLocked()
	if manual && c.phase == PhaseFailed {
		c.backoff.Reset()
	}
	old := c.handle
	c.handle = nil
	c.gen++
	gen := c.gen
	c.connecting = true
	c.pending = nil
	c.setPhaseLocked(PhaseInitializing, "", &fx)
	c.mu.Unlock()
	fx.run()

	if old != nil {
		c.teardown(ctx, old)
	}

	s, err := c.ch.InitializeSession(ctx, c.emitter(gen))

	fx = nil
	c.mu.Lock()
	if gen != c.gen || c.shuttingDown {
		c.mu.Unlock()
		if s != nil {
			c.teardown(ctx, s)
		}
		return ErrSuperseded
	}
	c.connecting = false
	if err != nil {
		c.loseSessionLocked("initialize: "+err.Error(), &fx)
		c.mu.Unlock()
		fx.run()
		return fmt.Errorf("initialize session: %w", err)
	}
	c.handle = s
	pending := c.pending
	c.pending = nil
	for _, ev := range pending {
		if c.gen != gen {
			break
		}
		c.applyLocked(ev, &fx)
	}
	c.mu.Unlock()
	fx.run()
	return nil
}

func (c *Controller) dispatch(te taggedEvent) {
	c.mu.Lock()
	if te.gen != c.gen {
		c.mu.Unlock()
		c.log.Debug("dropping event from replaced session", logx.String("kind", string(te.ev.Kind)))
		return
	}
	if c.connecting {
		c.pending = append(c.pending, te.ev)
		c.mu.Unlock()
		return
	}
	var fx effects
	c.applyLocked(te.ev, &fx)
	c.mu.Unlock()
	fx.run()
}

func (c *Controller) applyLocked(ev kit.Event, fx *effects) {
	if c.shuttingDown && ev.Kind != kit.EventDeliveryAck {
		return
	}
	switch ev.Kind {
	case kit.EventPairingChallenge:
		if c.phase != PhaseInitializing && c.phase != PhaseAwaitingPairing {
			return
		}
		c.backoff.Reset()
		c.setPhaseLocked(PhaseAwaitingPairing, "", fx)
		c.challenge = ev.Code
		code := ev.Code
		fx.add(func() {
			c.publish(eventbus.SessionPairing, map[string]string{"code": code})
			c.log.Info("pairing challenge issued")
		})

	case kit.EventAuthenticated:
		if c.phase == PhaseInitializing || c.phase == PhaseAwaitingPairing {
			c.setPhaseLocked(PhaseAuthenticated, "", fx)
		}

	case kit.EventReady:
		switch c.phase {
		case PhaseInitializing, PhaseAwaitingPairing:
			c.setPhaseLocked(PhaseAuthenticated, "", fx)
		case PhaseAuthenticated:
		default:
			return
		}
		c.setPhaseLocked(PhaseReady, "", fx)
		c.backoff.Reset()
		hooks := append([]func(){}, c.onReady...)
		fx.add(func() {
			for _, h := range hooks {
				h()
			}
		})

	case kit.EventDisconnected, kit.EventAuthFailure:
		if !c.phase.active() {
			return
		}
		reason := ev.Reason
		if ev.Kind == kit.EventAuthFailure {
			reason = "auth failure: " + reason
		}
		c.loseSessionLocked(reason, fx)

	case kit.EventDeliveryAck:
		if h := c.onAck; h != nil {
			id, level := ev.MessageID, ev.Level
			fx.add(func() { h(id, level) })
		}
	}
}

// loseSessionLocked invalidates the active handle and schedules a reconnect.
func (c *Controller) loseSessionLocked(reason string, fx *effects) {
	old := c.handle
	c.handle = nil
	c.gen++
	c.connecting = false
	c.pending = nil
	c.lastReason = reason
	c.setPhaseLocked(PhaseDisconnected, reason, fx)
	if old != nil {
		fx.add(func() {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				c.teardown(ctx, old)
			}()
		})
	}
	c.scheduleReconnectLocked(fx)
}

func (c *Controller) scheduleReconnectLocked(fx *effects) {
	if c.shuttingDown || c.timer != nil {
		return
	}
	attempt, delay, ok := c.backoff.Next()
	if !ok {
		c.setPhaseLocked(PhaseFailed, "reconnect budget exhausted", fx)
		budget := c.backoff.MaxAttempts()
		fx.add(func() {
			c.publish(eventbus.SessionFailed, map[string]int{"attempts": budget})
			c.log.Error("session failed; manual initialize required", logx.Int("attempts", budget))
		})
		return
	}
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.clk.AfterFunc(delay, func() { c.reconnectFired(seq) })
	budget := c.backoff.MaxAttempts()
	fx.add(func() {
		c.log.Info("reconnect scheduled",
			logx.Int("attempt", attempt),
			logx.Int("max", budget),
			logx.Duration("delay", delay),
		)
	})
}

func (c *Controller) reconnectFired(seq uint64) {
	c.mu.Lock()
	if c.timerSeq != seq || c.timer == nil || c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	if err := c.connect(context.Background(), false); err != nil && !errors.Is(err, ErrSuperseded) {
		c.log.Warn("reconnect attempt failed", logx.Err(err))
	}
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

func (c *Controller) setPhaseLocked(to Phase, reason string, fx *effects) {
	from := c.phase
	if from == to {
		return
	}
	c.phase = to
	c.since = c.clk.Now()
	if to != PhaseAwaitingPairing {
		c.challenge = ""
	}
	change := PhaseChange{From: from, To: to, Reason: reason, Attempts: c.backoff.Attempts()}
	fx.add(func() { c.notify(change) })
}

func (c *Controller) notify(pc PhaseChange) {
	c.log.Info("session phase",
		logx.String("from", string(pc.From)),
		logx.String("to", string(pc.To)),
		logx.String("reason", pc.Reason),
	)
	c.publish(eventbus.SessionPhase, pc)
	if c.audit == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{"from": pc.From, "attempts": pc.Attempts})
	err := c.audit.AppendAudit(context.Background(), storage.AuditEntry{
		At:        c.clk.Now(),
		Component: "session",
		Action:    string(pc.To),
		Detail:    pc.Reason,
		MetaJSON:  string(meta),
	})
	if err != nil {
		c.log.Debug("audit append failed", logx.Err(err))
	}
}

func (c *Controller) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.clk.Now(), Data: data})
}

func (c *Controller) teardown(ctx context.Context, s kit.Session) {
	if err := s.Teardown(ctx); err != nil {
		c.log.Warn("session teardown failed", logx.Err(err))
	}
}

// IsReady reports whether a handle is installed and the phase is ready.
func (c *Controller) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == PhaseReady && c.handle != nil
}

// Handle returns the active session, or nil unless ready.
func (c *Controller) Handle() kit.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseReady {
		return nil
	}
	return c.handle
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// PairingChallenge returns the current code while awaiting pairing.
func (c *Controller) PairingChallenge() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseAwaitingPairing || c.challenge == "" {
		return "", false
	}
	return c.challenge, true
}

func (c *Controller) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Attempts()
}

func (c *Controller) MaxReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.MaxAttempts()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Phase:                c.phase,
		ReconnectAttempts:    c.backoff.Attempts(),
		MaxReconnectAttempts: c.backoff.MaxAttempts(),
		LastReason:           c.lastReason,
		Since:                c.since,
	}
	if c.phase == PhaseAwaitingPairing {
		s.PairingCode = c.challenge
	}
	return s
}

// Destroy tears down the active handle without scheduling a reconnect.
// It is safe to call repeatedly.
func (c *Controller) Destroy(ctx context.Context) {
	var fx effects
	c.mu.Lock()
	c.stopTimerLocked()
	old := c.handle
	c.handle = nil
	c.gen++
	c.connecting = false
	c.pending = nil
	if !c.shuttingDown {
		c.setPhaseLocked(PhaseDisconnected, "destroyed", &fx)
	}
	c.mu.Unlock()
	fx.run()
	if old != nil {
		c.teardown(ctx, old)
	}
}

// Shutdown suppresses reconnection, drains queued work, then destroys the
// session and stops Run. Later calls are no-ops.
func (c *Controller) Shutdown(ctx context.Context) error {
	var fx effects
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	c.stopTimerLocked()
	c.setPhaseLocked(PhaseShuttingDown, "shutdown", &fx)
	d := c.drainer
	c.mu.Unlock()
	fx.run()

	var err error
	if d != nil {
		err = d.Drain(ctx)
	}
	c.Destroy(ctx)
	c.stopOnce.Do(func() { close(c.stopped) })
	return err
}

type effects []func()

func (e *effects) add(f func()) { *e = append(*e, f) }

func (e effects) run() {
	for _, f := range e {
		f()
	}
}
