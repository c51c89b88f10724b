package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the relay.
const (
	SessionPhase   = "session.phase"
	SessionPairing = "session.pairing"
	SessionFailed  = "session.failed"

	DeliveryQueued = "delivery.queued"
	DeliverySent   = "delivery.sent"
	DeliveryRetry  = "delivery.retry"
	DeliveryFailed = "delivery.failed"
	DeliveryAck    = "delivery.ack"

	LedgerUpdated = "ledger.updated"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and JSON-serializable; it is pushed verbatim to websocket observers.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel receiving events whose type matches one of
	// the given prefixes (all events when none are given).
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many events were dropped because a subscriber was full.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Send under the read lock: unsubscribe takes the write lock before closing,
	// so a send can never race a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: prefixes}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
