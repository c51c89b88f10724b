// Package loopback is an in-memory chat channel. It backs the "loopback"
// channel driver (local development: messages are logged, never leave the
// process) and doubles as a scriptable channel for tests.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kit "labrelay/internal/transport"
	logx "labrelay/pkg/logx"
)

type Config struct {
	// RequirePairing makes a new session emit a pairing challenge and wait for Pair().
	RequirePairing bool
	PairingCode    string
	// AutoAck emits an AckSent delivery ack after every successful send.
	AutoAck bool
}

// Sent records one accepted send.
type Sent struct {
	ID         string
	Recipient  string
	Body       string
	Attachment string
	At         time.Time
}

// SendHook runs before a send is accepted. Returning an error fails the send.
type SendHook func(ctx context.Context, s Sent) error

type Channel struct {
	cfg Config
	log logx.Logger

	mu        sync.Mutex
	cur       *session
	paired    bool
	sent      []Sent
	hook      SendHook
	failInit  int
	initCalls int

	seq atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PairingCode == "" {
		cfg.PairingCode = "000000"
	}
	return &Channel{cfg: cfg, log: log}
}

func (c *Channel) Name() string { return "loopback" }

// SetSendHook installs a hook consulted by every send (nil clears it).
func (c *Channel) SetSendHook(h SendHook) {
	c.mu.Lock()
	c.hook = h
	c.mu.Unlock()
}

// FailInitialize makes the next n InitializeSession calls fail.
func (c *Channel) FailInitialize(n int) {
	c.mu.Lock()
	c.failInit = n
	c.mu.Unlock()
}

// InitializeCalls reports how many sessions were requested.
func (c *Channel) InitializeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initCalls
}

func (c *Channel) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Channel) InitializeSession(ctx context.Context, emit kit.Emit) (kit.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.initCalls++
	if c.failInit > 0 {
		c.failInit--
		c.mu.Unlock()
		return nil, errors.New("loopback: initialize refused")
	}
	s := &session{ch: c, emit: emit}
	c.cur = s
	paired := c.paired || !c.cfg.RequirePairing
	code := c.cfg.PairingCode
	c.mu.Unlock()

	if paired {
		s.emitAsync(kit.Event{Kind: kit.EventAuthenticated}, kit.Event{Kind: kit.EventReady})
	} else {
		s.emitAsync(kit.Event{Kind: kit.EventPairingChallenge, Code: code})
	}
	c.log.Debug("loopback session initialized", logx.Bool("paired", paired))
	return s, nil
}

// Pair completes a pending pairing challenge on the current session.
func (c *Channel) Pair(code string) error {
	c.mu.Lock()
	s := c.cur
	if code != c.cfg.PairingCode {
		c.mu.Unlock()
		return errors.New("loopback: wrong pairing code")
	}
	c.paired = true
	c.mu.Unlock()
	if s == nil {
		return kit.ErrSessionClosed
	}
	s.emitAsync(kit.Event{Kind: kit.EventAuthenticated}, kit.Event{Kind: kit.EventReady})
	return nil
}

// Disconnect simulates the platform dropping the current session.
func (c *Channel) Disconnect(reason string) {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s != nil {
		s.emitAsync(kit.Event{Kind: kit.EventDisconnected, Reason: reason})
	}
}

// RejectAuth simulates the platform rejecting stored credentials.
func (c *Channel) RejectAuth(reason string) {
	c.mu.Lock()
	s := c.cur
	c.paired = false
	c.mu.Unlock()
	if s != nil {
		s.emitAsync(kit.Event{Kind: kit.EventAuthFailure, Reason: reason})
	}
}

// Ack emits a delivery ack on the current session.
func (c *Channel) Ack(messageID string, level kit.AckLevel) {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s != nil {
		s.emitAsync(kit.Event{Kind: kit.EventDeliveryAck, MessageID: messageID, Level: level})
	}
}

type session struct {
	ch *Channel

	mu     sync.Mutex
	emit   kit.Emit
	closed bool
	// emits are serialized so the consumer sees them in order.
	emitMu sync.Mutex
}

func (s *session) emitAsync(evs ...kit.Event) {
	go func() {
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		for _, e := range evs {
			s.mu.Lock()
			emit, closed := s.emit, s.closed
			s.mu.Unlock()
			if closed || emit == nil {
				return
			}
			emit(e)
		}
	}()
}

func (s *session) send(ctx context.Context, recipient, body, attachment string) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", kit.ErrSessionClosed
	}
	c := s.ch
	rec := Sent{
		ID:         fmt.Sprintf("loop-%d", c.seq.Add(1)),
		Recipient:  recipient,
		Body:       body,
		Attachment: attachment,
		At:         time.Now(),
	}
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, rec); err != nil {
			return "", err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, rec)
	autoAck := c.cfg.AutoAck
	c.mu.Unlock()

	c.log.Info("loopback message", logx.String("id", rec.ID), logx.String("to", recipient), logx.Bool("attachment", attachment != ""))
	if autoAck {
		s.emitAsync(kit.Event{Kind: kit.EventDeliveryAck, MessageID: rec.ID, Level: kit.AckSent})
	}
	return rec.ID, nil
}

func (s *session) SendText(ctx context.Context, recipient, body string) (string, error) {
	return s.send(ctx, recipient, body, "")
}

func (s *session) SendMediaWithCaption(ctx context.Context, recipient, path, caption string) (string, error) {
	return s.send(ctx, recipient, caption, path)
}

func (s *session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.emit = nil
	s.mu.Unlock()
	c := s.ch
	c.mu.Lock()
	if c.cur == s {
		c.cur = nil
	}
	c.mu.Unlock()
	return nil
}
