// Package ledger keeps the bounded, in-memory record of delivery status per
// correlation id, plus aggregate counts derived from it.
package ledger

import (
	"sync"
	"time"

	kit "labrelay/internal/transport"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status ends the queued/pending phase.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// rank orders delivery milestones so acks never downgrade an entry.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return -1
}

// StatusForAck maps an acknowledgement level to a status.
func StatusForAck(level kit.AckLevel) Status {
	switch level {
	case kit.AckSent:
		return StatusSent
	case kit.AckDelivered:
		return StatusDelivered
	case kit.AckRead:
		return StatusRead
	default:
		return StatusPending
	}
}

const DefaultCapacity = 1000

// maxHeldAcks bounds acks waiting for their message id to be recorded.
const maxHeldAcks = 256

type Entry struct {
	ID            string    `json:"id"`
	Recipient     string    `json:"recipient"`
	Body          string    `json:"body,omitempty"`
	HasAttachment bool      `json:"has_attachment,omitempty"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	MessageID     string    `json:"message_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Stats struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Queued  int `json:"queued"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	capacity int
	now      func() time.Time

	order   []string // insertion order, oldest first
	entries map[string]*Entry
	byMsgID map[string]string // upstream message id -> correlation id
	stats   Stats

	early      map[string]kit.AckLevel // acks seen before their message id
	earlyOrder []string
}

type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func New(capacity int, opts ...Option) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Ledger{
		capacity: capacity,
		now:      time.Now,
		entries:  map[string]*Entry{},
		byMsgID:  map[string]string{},
		early:    map[string]kit.AckLevel{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record upserts e by correlation id. A status that would move an entry
// backwards (terminal -> queued, read -> delivered, ...) is ignored while the
// other fields are still merged. It returns the stored entry.
func (l *Ledger) Record(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.entries[e.ID]; ok {
		return l.mergeLocked(cur, e)
	}
	now := l.now()
	cp := e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.Status == "" {
		cp.Status = StatusQueued
	}
	cp.UpdatedAt = now
	l.entries[cp.ID] = &cp
	l.order = append(l.order, cp.ID)
	l.indexLocked(&cp)
	l.trimLocked()
	l.recomputeLocked()
	return cp
}

// Update merges e into an existing entry like Record, but never inserts.
// An id that was never recorded, or was evicted, reports false.
func (l *Ledger) Update(e Entry) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.entries[e.ID]
	if !ok {
		return Entry{}, false
	}
	return l.mergeLocked(cur, e), true
}

func (l *Ledger) mergeLocked(cur *Entry, e Entry) Entry {
	if e.Status != "" && allowed(cur.Status, e.Status) {
		cur.Status = e.Status
	}
	if e.Recipient != "" {
		cur.Recipient = e.Recipient
	}
	if e.Body != "" {
		cur.Body = e.Body
	}
	if e.HasAttachment {
		cur.HasAttachment = true
	}
	if e.Attempts > cur.Attempts {
		cur.Attempts = e.Attempts
	}
	if e.MessageID != "" {
		cur.MessageID = e.MessageID
	}
	if e.Error != "" {
		cur.Error = e.Error
	}
	cur.UpdatedAt = l.now()
	l.indexLocked(cur)
	l.recomputeLocked()
	return *cur
}

// Ack applies a delivery acknowledgement for an upstream message id.
// An ack can race the send call that learns the id; such acks are held
// (highest level per id, bounded) and applied once an entry carries the id.
// It returns false when the ack was held.
func (l *Ledger) Ack(messageID string, level kit.AckLevel) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.byMsgID[messageID]; ok {
		if cur := l.entries[id]; cur != nil {
			return l.mergeLocked(cur, Entry{Status: StatusForAck(level)}), true
		}
	}
	l.holdAckLocked(messageID, level)
	return Entry{}, false
}

func (l *Ledger) holdAckLocked(messageID string, level kit.AckLevel) {
	if messageID == "" {
		return
	}
	if prev, ok := l.early[messageID]; ok {
		if StatusForAck(level).rank() > StatusForAck(prev).rank() {
			l.early[messageID] = level
		}
		return
	}
	for len(l.earlyOrder) >= maxHeldAcks {
		delete(l.early, l.earlyOrder[0])
		l.earlyOrder = l.earlyOrder[1:]
	}
	l.early[messageID] = level
	l.earlyOrder = append(l.earlyOrder, messageID)
}

func allowed(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusFailed {
		// A late ack proves the message went out after all.
		return to == StatusSent || to == StatusDelivered || to == StatusRead
	}
	if to == StatusFailed {
		return !from.Terminal()
	}
	return to.rank() > from.rank()
}

func (l *Ledger) indexLocked(e *Entry) {
	if e.MessageID == "" {
		return
	}
	l.byMsgID[e.MessageID] = e.ID
	level, held := l.early[e.MessageID]
	if !held {
		return
	}
	delete(l.early, e.MessageID)
	for i, id := range l.earlyOrder {
		if id == e.MessageID {
			l.earlyOrder = append(l.earlyOrder[:i], l.earlyOrder[i+1:]...)
			break
		}
	}
	if st := StatusForAck(level); allowed(e.Status, st) {
		e.Status = st
	}
}

func (l *Ledger) trimLocked() {
	for len(l.order) > l.capacity {
		id := l.order[0]
		l.order[0] = ""
		l.order = l.order[1:]
		if e := l.entries[id]; e != nil && e.MessageID != "" {
			delete(l.byMsgID, e.MessageID)
		}
		delete(l.entries, id)
	}
}

// recomputeLocked rebuilds the aggregate counts from scratch.
func (l *Ledger) recomputeLocked() {
	var st Stats
	for _, e := range l.entries {
		st.Total++
		switch e.Status {
		case StatusSent, StatusDelivered, StatusRead:
			st.Sent++
		case StatusFailed:
			st.Failed++
		case StatusQueued:
			st.Queued++
		default:
			st.Pending++
		}
	}
	l.stats = st
}

func (l *Ledger) Get(id string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// List returns up to limit entries, most recent first. limit <= 0 means all.
func (l *Ledger) List(limit int) []Entry {
	return l.collect(limit, func(*Entry) bool { return true })
}

// Failed returns up to limit failed entries, most recent first.
func (l *Ledger) Failed(limit int) []Entry {
	return l.collect(limit, func(e *Entry) bool { return e.Status == StatusFailed })
}

// RecentActivity returns every entry updated within the trailing window, most recent first.
func (l *Ledger) RecentActivity(window time.Duration) []Entry {
	since := l.now().Add(-window)
	return l.collect(0, func(e *Entry) bool { return !e.UpdatedAt.Before(since) })
}

func (l *Ledger) collect(limit int, keep func(*Entry) bool) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, min(len(l.order), max(limit, 0)))
	for i := len(l.order) - 1; i >= 0; i-- {
		e := l.entries[l.order[i]]
		if e == nil || !keep(e) {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
