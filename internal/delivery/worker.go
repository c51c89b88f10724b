package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"

	"labrelay/internal/eventbus"
	"labrelay/internal/ledger"
	kit "labrelay/internal/transport"
	logx "labrelay/pkg/logx"
)

// run is the single worker. Sends use ctx; spacing waits use waitCtx, which
// Drain cancels so an idle gap never delays shutdown.
func (q *Queue) run(ctx, waitCtx context.Context) error {
	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.stop:
			return nil
		case <-q.wake:
			q.process(ctx, waitCtx)
		}
	}
}

// process drains the queue while the session is ready.
func (q *Queue) process(ctx, waitCtx context.Context) {
	q.mu.Lock()
	if q.processing || q.stopping {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		var h kit.Session
		if !q.stopping && len(q.items) > 0 {
			h = q.sess.Handle()
		}
		if h == nil {
			q.processing = false
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.inflight = it
		cfg := q.cfg
		q.mu.Unlock()

		retry := q.deliver(ctx, h, it, cfg)
		q.mu.Lock()
		q.inflight = nil
		q.mu.Unlock()
		if retry {
			continue
		}

		q.mu.Lock()
		more := len(q.items) > 0 && !q.stopping
		q.mu.Unlock()
		if !more {
			continue
		}
		_ = q.clk.Sleep(waitCtx, cfg.InterMessageDelay)
	}
}

// deliver makes one attempt. It reports true when the item went back to the
// front of the queue for another attempt.
func (q *Queue) deliver(ctx context.Context, h kit.Session, it *Item, cfg Config) bool {
	it.Attempts++
	q.update(it, ledger.Entry{ID: it.ID, Status: ledger.StatusPending, Attempts: it.Attempts})

	msgID, err := q.attempt(ctx, h, it, cfg)
	if err == nil {
		entry := q.update(it, ledger.Entry{
			ID:        it.ID,
			Status:    ledger.StatusSent,
			Attempts:  it.Attempts,
			MessageID: msgID,
		})
		q.publishEntry(eventbus.DeliverySent, entry)
		q.log.Info("message sent",
			logx.String("id", it.ID),
			logx.String("message_id", msgID),
			logx.Int("attempt", it.Attempts),
		)
		q.releaseLater(it.Attachment, cfg.AttachmentGrace)
		return false
	}

	if it.Attempts < it.MaxAttempts {
		q.mu.Lock()
		q.items = append([]*Item{it}, q.items...)
		q.mu.Unlock()
		entry := q.update(it, ledger.Entry{ID: it.ID, Attempts: it.Attempts, Error: err.Error()})
		q.publishEntry(eventbus.DeliveryRetry, entry)
		q.log.Warn("send failed; retrying",
			logx.String("id", it.ID),
			logx.Int("attempt", it.Attempts),
			logx.Int("max", it.MaxAttempts),
			logx.Err(err),
		)
		return true
	}

	entry := q.update(it, ledger.Entry{
		ID:       it.ID,
		Status:   ledger.StatusFailed,
		Attempts: it.Attempts,
		Error:    err.Error(),
	})
	q.publishEntry(eventbus.DeliveryFailed, entry)
	q.log.Error("message failed",
		logx.String("id", it.ID),
		logx.Int("attempts", it.Attempts),
		logx.Err(err),
	)
	q.releaseLater(it.Attachment, cfg.AttachmentGrace)
	return false
}

func (q *Queue) attempt(ctx context.Context, h kit.Session, it *Item, cfg Config) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	to := NormalizeRecipient(it.Recipient, cfg.CountryCode, cfg.DomesticLength)
	if it.Attachment != "" {
		_, statErr := os.Stat(it.Attachment)
		if statErr == nil {
			return h.SendMediaWithCaption(ctx, to, it.Attachment, it.Body)
		}
		if !errors.Is(statErr, os.ErrNotExist) {
			return "", fmt.Errorf("attachment: %w", statErr)
		}
		q.log.Warn("attachment missing; sending text only",
			logx.String("id", it.ID),
			logx.String("path", it.Attachment),
		)
	}
	return h.SendText(ctx, to, it.Body)
}
