// Package relay composes the session controller, delivery queue, and ledger
// into the service the API and CLI talk to.
package relay

import (
	"context"
	"errors"
	"time"

	"labrelay/internal/clock"
	"labrelay/internal/delivery"
	"labrelay/internal/eventbus"
	"labrelay/internal/ledger"
	rtsup "labrelay/internal/runtime/supervisor"
	"labrelay/internal/session"
	kit "labrelay/internal/transport"
	logx "labrelay/pkg/logx"
)

type Config struct {
	Session        session.Config
	Delivery       delivery.Config
	LedgerCapacity int
	// AutoInitialize starts a session from Start.
	AutoInitialize bool
}

// QueueStatus is the observer view of the queue and reconnection budget.
type QueueStatus struct {
	Length               int  `json:"length"`
	Processing           bool `json:"processing"`
	ReconnectAttempts    int  `json:"reconnect_attempts"`
	MaxReconnectAttempts int  `json:"max_reconnect_attempts"`
}

type Option func(*options)

type options struct {
	log   logx.Logger
	bus   eventbus.Bus
	clk   clock.Scheduler
	audit session.Auditor
}

func WithLogger(l logx.Logger) Option      { return func(o *options) { o.log = l } }
func WithBus(b eventbus.Bus) Option        { return func(o *options) { o.bus = b } }
func WithClock(s clock.Scheduler) Option   { return func(o *options) { o.clk = s } }
func WithAuditor(a session.Auditor) Option { return func(o *options) { o.audit = a } }

type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	clk    clock.Scheduler
	cfg    Config
	ledger *ledger.Ledger
	ctrl   *session.Controller
	queue  *delivery.Queue

	sup *rtsup.Supervisor
}

func New(ch kit.Channel, cfg Config, opts ...Option) *Service {
	o := options{log: logx.Nop(), clk: clock.Real()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.clk == nil {
		o.clk = clock.Real()
	}
	if o.bus == nil {
		o.bus = eventbus.New()
	}

	l := ledger.New(cfg.LedgerCapacity, ledger.WithClock(o.clk.Now))
	sopts := []session.Option{
		session.WithClock(o.clk),
		session.WithBus(o.bus),
		session.WithLogger(o.log),
	}
	if o.audit != nil {
		sopts = append(sopts, session.WithAuditor(o.audit))
	}
	ctrl := session.New(ch, cfg.Session, sopts...)
	q := delivery.New(cfg.Delivery, ctrl, l,
		delivery.WithClock(o.clk),
		delivery.WithBus(o.bus),
		delivery.WithLogger(o.log),
	)

	s := &Service{
		log:    o.log.With(logx.String("comp", "relay")),
		bus:    o.bus,
		clk:    o.clk,
		cfg:    cfg,
		ledger: l,
		ctrl:   ctrl,
		queue:  q,
	}
	ctrl.OnReady(q.Wake)
	ctrl.SetDrainer(q)
	ctrl.SetAckHandler(s.onAck)
	return s
}

// Start runs the controller's event loop and the delivery worker.
func (s *Service) Start(ctx context.Context) {
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("session.events", s.ctrl.Run,
		rtsup.WithStopOnCleanExit(true),
		rtsup.WithPublishFirstError(true),
	)
	s.queue.Start(s.sup.Context())

	if s.cfg.AutoInitialize {
		s.sup.Go0("session.init", func(ctx context.Context) {
			if err := s.ctrl.Initialize(ctx); err != nil && !errors.Is(err, session.ErrSuperseded) {
				s.log.Warn("initial session failed; reconnect scheduled", logx.Err(err))
			}
		})
	}
}

// Shutdown drains the queue, destroys the session, and stops background work.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.ctrl.Shutdown(ctx)
	if s.sup != nil {
		if serr := s.sup.Stop(ctx); serr != nil && err == nil && ctx.Err() != nil {
			err = serr
		}
	}
	return err
}

func (s *Service) Enqueue(ctx context.Context, recipient, body, attachment string) (string, error) {
	return s.queue.Enqueue(ctx, delivery.Request{Recipient: recipient, Body: body, Attachment: attachment})
}

func (s *Service) Initialize(ctx context.Context) error { return s.ctrl.Initialize(ctx) }

func (s *Service) IsReady() bool { return s.ctrl.IsReady() }

func (s *Service) Session() session.Snapshot { return s.ctrl.Snapshot() }

func (s *Service) PairingChallenge() (string, bool) { return s.ctrl.PairingChallenge() }

func (s *Service) QueueStatus() QueueStatus {
	st := s.queue.Status()
	return QueueStatus{
		Length:               st.Length,
		Processing:           st.Processing,
		ReconnectAttempts:    s.ctrl.ReconnectAttempts(),
		MaxReconnectAttempts: s.ctrl.MaxReconnectAttempts(),
	}
}

func (s *Service) MessageStats() ledger.Stats { return s.ledger.Stats() }

func (s *Service) Message(id string) (ledger.Entry, bool) { return s.ledger.Get(id) }

func (s *Service) Messages(limit int) []ledger.Entry { return s.ledger.List(limit) }

func (s *Service) FailedMessages(limit int) []ledger.Entry { return s.ledger.Failed(limit) }

func (s *Service) RecentMessages(window time.Duration) []ledger.Entry {
	return s.ledger.RecentActivity(window)
}

// Subscribe streams session.*, delivery.* and ledger.* events, or only the
// given type prefixes when any are passed.
func (s *Service) Subscribe(buffer int, prefixes ...string) (<-chan eventbus.Event, func()) {
	if len(prefixes) == 0 {
		prefixes = []string{"session.", "delivery.", "ledger."}
	}
	return s.bus.Subscribe(buffer, prefixes...)
}

// Attachments lists upload paths the queue still owns.
func (s *Service) Attachments() map[string]struct{} { return s.queue.Attachments() }

// Workers reports the relay's supervised goroutines.
func (s *Service) Workers() rtsup.Counters { return s.sup.Counters() }

// ApplyDelivery hot-swaps queue tunables.
func (s *Service) ApplyDelivery(cfg delivery.Config) { s.queue.Apply(cfg) }

func (s *Service) onAck(messageID string, level kit.AckLevel) {
	e, ok := s.ledger.Ack(messageID, level)
	if !ok {
		s.log.Debug("ack held until its message is recorded", logx.String("message_id", messageID))
		return
	}
	now := s.clk.Now()
	s.bus.Publish(eventbus.Event{Type: eventbus.DeliveryAck, Time: now, Data: delivery.Update{
		ID:        e.ID,
		Recipient: e.Recipient,
		Status:    string(e.Status),
		Attempts:  e.Attempts,
		MessageID: e.MessageID,
	}})
	s.bus.Publish(eventbus.Event{Type: eventbus.LedgerUpdated, Time: now, Data: s.ledger.Stats()})
}
