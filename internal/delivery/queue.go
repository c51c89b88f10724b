// Package delivery holds pending send requests and drains them through a
// single worker: spacing between distinct items, retry-at-front on failure,
// and delayed attachment release.
package delivery

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"labrelay/internal/clock"
	"labrelay/internal/eventbus"
	"labrelay/internal/ledger"
	rtsup "labrelay/internal/runtime/supervisor"
	logx "labrelay/pkg/logx"
)

const bodyPreviewRunes = 160

// Queue is safe for concurrent use. Lock order: queue, then session.
type Queue struct {
	log    logx.Logger
	clk    clock.Scheduler
	bus    eventbus.Bus
	ledger *ledger.Ledger
	sess   SessionSource

	mu         sync.Mutex
	cfg        Config
	items      []*Item
	inflight   *Item
	processing bool
	stopping   bool
	started    bool
	cancelWait context.CancelFunc
	sup        *rtsup.Supervisor
	cleanups   map[string]clock.Timer

	wake chan struct{}
	stop chan struct{}
}

type Option func(*Queue)

func WithClock(s clock.Scheduler) Option {
	return func(q *Queue) {
		if s != nil {
			q.clk = s
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(q *Queue) { q.bus = b } }

func WithLogger(l logx.Logger) Option {
	return func(q *Queue) {
		if !l.IsZero() {
			q.log = l
		}
	}
}

func New(cfg Config, sess SessionSource, l *ledger.Ledger, opts ...Option) *Queue {
	q := &Queue{
		log:      logx.Nop(),
		clk:      clock.Real(),
		ledger:   l,
		sess:     sess,
		cfg:      cfg.withDefaults(),
		cleanups: map[string]clock.Timer{},
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With(logx.String("comp", "delivery"))
	return q
}

// Apply swaps tunables. Items already queued keep their attempt ceiling.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

func (q *Queue) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Start launches the worker. It is idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopping {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.sup = rtsup.New(ctx,
		rtsup.WithLogger(q.log),
		rtsup.WithCancelOnError(false),
	)
	waitCtx, cancel := context.WithCancel(q.sup.Context())
	q.cancelWait = cancel
	sup := q.sup
	q.mu.Unlock()

	sup.GoRestart("delivery.worker", func(ctx context.Context) error {
		return q.run(ctx, waitCtx)
	}, rtsup.WithStopOnCleanExit(true))

	q.Wake()
}

// Enqueue validates req and appends it to the tail. Invalid input is rejected
// here and never queued.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return "", ErrMissingRecipient
	}
	if strings.TrimSpace(req.Body) == "" {
		return "", ErrMissingBody
	}
	if digitsOnly(req.Recipient) == "" {
		return "", ErrInvalidRecipient
	}

	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return "", ErrStopped
	}
	cfg := q.cfg
	it := &Item{
		ID:          uuid.NewString(),
		Recipient:   req.Recipient,
		Body:        req.Body,
		Attachment:  req.Attachment,
		MaxAttempts: cfg.MaxAttempts,
		CreatedAt:   q.clk.Now(),
	}
	q.items = append(q.items, it)
	entry := q.ledger.Record(ledger.Entry{
		ID:            it.ID,
		Recipient:     NormalizeRecipient(it.Recipient, cfg.CountryCode, cfg.DomesticLength),
		Body:          preview(it.Body),
		HasAttachment: it.Attachment != "",
		Status:        ledger.StatusQueued,
		CreatedAt:     it.CreatedAt,
	})
	wake := !q.processing && q.sess.IsReady()
	q.mu.Unlock()

	q.publishEntry(eventbus.DeliveryQueued, entry)
	q.log.Debug("message queued", logx.String("id", it.ID), logx.Bool("attachment", it.Attachment != ""))
	if wake {
		q.signal()
	}
	return it.ID, nil
}

// Wake nudges an idle worker. Re-entrant calls while processing are no-ops.
func (q *Queue) Wake() {
	q.mu.Lock()
	ok := !q.processing && !q.stopping && len(q.items) > 0
	q.mu.Unlock()
	if ok {
		q.signal()
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{Length: len(q.items), Processing: q.processing}
}

// Attachments returns the attachment paths still owned by queued or
// in-flight items, including those waiting out their release grace.
func (q *Queue) Attachments() map[string]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]struct{}, len(q.items)+len(q.cleanups)+1)
	for _, it := range q.items {
		if it.Attachment != "" {
			out[it.Attachment] = struct{}{}
		}
	}
	if q.inflight != nil && q.inflight.Attachment != "" {
		out[q.inflight.Attachment] = struct{}{}
	}
	for path := range q.cleanups {
		out[path] = struct{}{}
	}
	return out
}

func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Drain stops the worker after its in-flight attempt and fails every item
// still queued with ShutdownReason. Pending attachment releases run now.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if !q.stopping {
		q.stopping = true
		close(q.stop)
	}
	cancelWait := q.cancelWait
	sup := q.sup
	q.mu.Unlock()

	if cancelWait != nil {
		cancelWait()
	}
	var err error
	if sup != nil {
		if err = sup.Wait(ctx); err != nil && ctx.Err() != nil {
			q.log.Warn("delivery worker did not stop in time; cancelling in-flight send")
			sup.Cancel()
		} else {
			err = nil
		}
	}

	q.mu.Lock()
	rest := q.items
	q.items = nil
	cleanups := q.cleanups
	q.cleanups = map[string]clock.Timer{}
	q.mu.Unlock()

	for _, it := range rest {
		entry := q.update(it, ledger.Entry{
			ID:       it.ID,
			Status:   ledger.StatusFailed,
			Attempts: it.Attempts,
			Error:    ShutdownReason,
		})
		q.publishEntry(eventbus.DeliveryFailed, entry)
		if it.Attachment != "" {
			removeAttachment(q.log, it.Attachment)
		}
	}
	for path, t := range cleanups {
		if t.Stop() {
			removeAttachment(q.log, path)
		}
	}
	if len(rest) > 0 {
		q.log.Warn("queued messages discarded at shutdown", logx.Int("count", len(rest)))
	}
	return err
}

// releaseLater removes an attachment after the grace period. Once draining
// it removes immediately.
func (q *Queue) releaseLater(path string, grace time.Duration) {
	if path == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopping {
		go removeAttachment(q.log, path)
		return
	}
	if t, ok := q.cleanups[path]; ok {
		t.Stop()
	}
	var t clock.Timer
	t = q.clk.AfterFunc(grace, func() {
		q.mu.Lock()
		if cur, ok := q.cleanups[path]; ok && cur == t {
			delete(q.cleanups, path)
		}
		q.mu.Unlock()
		removeAttachment(q.log, path)
	})
	q.cleanups[path] = t
}

func removeAttachment(log logx.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("attachment cleanup failed", logx.String("path", path), logx.Err(err))
		return
	}
	log.Debug("attachment released", logx.String("path", path))
}

// update applies a status change to the item's ledger entry. An entry that
// was evicted stays evicted; the returned value then carries only e's fields.
func (q *Queue) update(it *Item, e ledger.Entry) ledger.Entry {
	if cur, ok := q.ledger.Update(e); ok {
		return cur
	}
	q.log.Debug("ledger entry evicted; status not recorded", logx.String("id", it.ID), logx.String("status", string(e.Status)))
	e.Recipient = it.Recipient
	return e
}

func (q *Queue) publishEntry(typ string, e ledger.Entry) {
	if q.bus == nil {
		return
	}
	now := q.clk.Now()
	q.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: Update{
		ID:        e.ID,
		Recipient: e.Recipient,
		Status:    string(e.Status),
		Attempts:  e.Attempts,
		MessageID: e.MessageID,
		Error:     e.Error,
	}})
	q.bus.Publish(eventbus.Event{Type: eventbus.LedgerUpdated, Time: now, Data: q.ledger.Stats()})
}

func preview(body string) string {
	r := []rune(body)
	if len(r) <= bodyPreviewRunes {
		return body
	}
	return string(r[:bodyPreviewRunes]) + "…"
}
