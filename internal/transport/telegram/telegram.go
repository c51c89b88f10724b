// Package telegram is the Telegram Bot API channel.
//
// Pairing: a new session without a stored pairing issues a six-digit code; an
// operator completes it by sending "/pair <code>" to the bot. Recipients are
// resolved through the contact directory, filled when a user shares their
// phone number with the bot.
package telegram

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "labrelay/internal/runtime/supervisor"
	"labrelay/internal/storage"
	kit "labrelay/internal/transport"
	logx "labrelay/pkg/logx"
)

const channelName = "telegram"

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted Bot API server).
	APIURL         string
	PollTimeout    time.Duration
	OwnerUserIDs   []int64
	HealthInterval time.Duration
	// HealthFailures consecutive failed probes report the session lost.
	HealthFailures int
	RatePerSec     float64
	Burst          int
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthFailures <= 0 {
		c.HealthFailures = 3
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

type Channel struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
}

func New(cfg Config, store storage.Store, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if store == nil {
		store = storage.NewMemory()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log.With(logx.String("comp", "telegram")),
	}, nil
}

func (c *Channel) Name() string { return channelName }

// InitializeSession connects a fresh bot client. NewBot validates the token
// with getMe, so a returned session is already authenticated with Telegram;
// readiness still waits for operator pairing unless one is stored.
func (c *Channel) InitializeSession(ctx context.Context, emit kit.Emit) (kit.Session, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  c.cfg.Token,
		URL:    c.cfg.APIURL,
		Poller: &tele.LongPoller{Timeout: c.cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			c.log.Warn("handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}

	s := &session{
		ch:      c,
		bot:     b,
		emit:    emit,
		limiter: rate.NewLimiter(rate.Limit(c.cfg.RatePerSec), c.cfg.Burst),
		log:     c.log.With(logx.String("bot", b.Me.Username)),
	}
	s.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)

	p, ok, err := c.store.GetPairing(ctx, channelName)
	if err != nil {
		s.log.Warn("pairing lookup failed", logx.Err(err))
	}
	if ok && c.isOwner(p.UserID) {
		s.paired = true
	} else {
		s.code = newPairingCode()
	}
	s.registerHandlers()

	s.sup.Go0("telebot.poll", func(context.Context) {
		s.log.Info("polling started")
		b.Start()
		s.log.Info("polling stopped")
	})
	s.sup.Go0("health", s.watch)

	if s.paired {
		s.emitAsync(kit.Event{Kind: kit.EventAuthenticated}, kit.Event{Kind: kit.EventReady})
	} else {
		s.emitAsync(kit.Event{Kind: kit.EventPairingChallenge, Code: s.code})
	}
	return s, nil
}

// isOwner reports whether id may pair. No configured owners means anyone.
func (c *Channel) isOwner(id int64) bool {
	if len(c.cfg.OwnerUserIDs) == 0 {
		return true
	}
	for _, o := range c.cfg.OwnerUserIDs {
		if o == id {
			return true
		}
	}
	return false
}

type session struct {
	ch      *Channel
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
	sup     *rtsup.Supervisor

	mu     sync.Mutex
	emit   kit.Emit
	closed bool
	paired bool
	code   string

	emitMu   sync.Mutex
	stopOnce sync.Once
}

func (s *session) registerHandlers() {
	s.bot.Handle("/start", func(c tele.Context) error {
		menu := &tele.ReplyMarkup{ResizeKeyboard: true, OneTimeKeyboard: true}
		menu.Reply(menu.Row(menu.Contact("Share phone number")))
		return c.Send("Share your phone number to receive lab reports here.", menu)
	})

	s.bot.Handle(tele.OnContact, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Contact == nil || c.Sender() == nil {
			return nil
		}
		if m.Contact.UserID != c.Sender().ID {
			return c.Send("Please share your own contact.")
		}
		phone := digitsOnly(m.Contact.PhoneNumber)
		if phone == "" {
			return nil
		}
		err := s.ch.store.PutContact(context.Background(), storage.Contact{
			Phone:    phone,
			ChatID:   c.Chat().ID,
			Username: c.Sender().Username,
			Name:     strings.TrimSpace(m.Contact.FirstName + " " + m.Contact.LastName),
		})
		if err != nil {
			s.log.Warn("contact save failed", logx.Err(err))
			return c.Send("Could not register your number, please try again later.")
		}
		s.log.Info("contact registered", logx.Int64("chat_id", c.Chat().ID))
		return c.Send("Registered. Reports for this number will arrive here.", &tele.ReplyMarkup{RemoveKeyboard: true})
	})

	s.bot.Handle("/pair", func(c tele.Context) error {
		u := c.Sender()
		if u == nil || !s.ch.isOwner(u.ID) {
			return nil
		}
		s.mu.Lock()
		paired, code, closed := s.paired, s.code, s.closed
		s.mu.Unlock()
		switch {
		case closed:
			return nil
		case paired:
			return c.Send("Already paired.")
		case len(c.Args()) != 1 || c.Args()[0] != code:
			return c.Send("Wrong pairing code.")
		}
		err := s.ch.store.PutPairing(context.Background(), storage.Pairing{
			Channel:  channelName,
			UserID:   u.ID,
			Username: u.Username,
		})
		if err != nil {
			s.log.Warn("pairing save failed", logx.Err(err))
		}
		s.mu.Lock()
		s.paired = true
		s.code = ""
		s.mu.Unlock()
		s.emitAsync(kit.Event{Kind: kit.EventAuthenticated}, kit.Event{Kind: kit.EventReady})
		return c.Send("Paired. Relay is live.")
	})

	s.bot.Handle("/unpair", func(c tele.Context) error {
		u := c.Sender()
		if u == nil || !s.ch.isOwner(u.ID) {
			return nil
		}
		if err := s.ch.store.DeletePairing(context.Background(), channelName); err != nil {
			s.log.Warn("pairing delete failed", logx.Err(err))
		}
		s.emitAsync(kit.Event{Kind: kit.EventAuthFailure, Reason: "unpaired by operator"})
		return c.Send("Unpaired. A new pairing code will be issued.")
	})
}

// emitAsync delivers evs in order on a separate goroutine so bot handlers
// never block on the controller.
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

// watch probes the Bot API and reports the session lost after repeated failures.
func (s *session) watch(ctx context.Context) {
	t := time.NewTicker(s.ch.cfg.HealthInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		_, err := s.bot.Raw("getMe", map[string]string{})
		if err == nil {
			failures = 0
			continue
		}
		if isUnauthorized(err) {
			s.emitAsync(kit.Event{Kind: kit.EventAuthFailure, Reason: err.Error()})
			return
		}
		failures++
		s.log.Warn("health probe failed", logx.Int("failures", failures), logx.Err(err))
		if failures >= s.ch.cfg.HealthFailures {
			s.emitAsync(kit.Event{Kind: kit.EventDisconnected, Reason: "health probe: " + err.Error()})
			return
		}
	}
}

func (s *session) resolve(ctx context.Context, recipient string) (int64, error) {
	c, ok, err := s.ch.store.GetContact(ctx, digitsOnly(recipient))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", kit.ErrUnknownRecipient, recipient)
	}
	return c.ChatID, nil
}

func (s *session) send(ctx context.Context, recipient string, what any) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", kit.ErrSessionClosed
	}
	chatID, err := s.resolve(ctx, recipient)
	if err != nil {
		return "", err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	msg, err := s.bot.Send(&tele.Chat{ID: chatID}, what)
	if err != nil {
		if isUnauthorized(err) {
			s.emitAsync(kit.Event{Kind: kit.EventAuthFailure, Reason: err.Error()})
		}
		return "", err
	}
	id := messageID(chatID, msg.ID)
	// The Bot API confirms acceptance only; there are no delivered/read receipts.
	s.emitAsync(kit.Event{Kind: kit.EventDeliveryAck, MessageID: id, Level: kit.AckSent})
	return id, nil
}

// SendText splits bodies over the Bot API text limit. The returned id is the
// last chunk's.
func (s *session) SendText(ctx context.Context, recipient, body string) (string, error) {
	var id string
	for _, chunk := range splitRunes(body, maxTextRunes) {
		var err error
		if id, err = s.send(ctx, recipient, chunk); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (s *session) SendMediaWithCaption(ctx context.Context, recipient, path, caption string) (string, error) {
	doc := &tele.Document{
		File:     tele.FromDisk(path),
		FileName: filepath.Base(path),
		Caption:  truncRunes(caption, maxCaptionRunes),
	}
	return s.send(ctx, recipient, doc)
}

// Teardown stops polling and probing. It never blocks longer than the ctx
// deadline or a short grace window.
func (s *session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.emit = nil
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		go s.bot.Stop()
	})

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.sup.Cancel()
	if err := s.sup.Wait(wctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("telegram stop grace elapsed; continuing")
	}
	return nil
}

func messageID(chatID int64, msgID int) string {
	return fmt.Sprintf("%d:%d", chatID, msgID)
}

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unauthorized")
}

func newPairingCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return fmt.Sprintf("%06d", time.Now().UnixNano()%1_000_000)
	}
	return fmt.Sprintf("%06d", n.Int64())
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
