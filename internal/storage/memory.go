package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryStore keeps everything in maps. The audit log is bounded.
type memoryStore struct {
	mu       sync.Mutex
	audit    []AuditEntry
	contacts map[string]Contact
	pairings map[string]Pairing
}

const memoryAuditMax = 500

func NewMemory() Store {
	return &memoryStore{
		contacts: map[string]Contact{},
		pairings: map[string]Pairing{},
	}
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	if len(s.audit) > memoryAuditMax {
		s.audit = s.audit[len(s.audit)-memoryAuditMax:]
	}
	s.mu.Unlock()
	return nil
}

// Audit returns a copy of the retained audit entries (memory store only).
func (s *memoryStore) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *memoryStore) PutContact(ctx context.Context, c Contact) error {
	c.Phone = strings.TrimSpace(c.Phone)
	if c.Phone == "" {
		return nil
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.contacts[c.Phone] = c
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetContact(ctx context.Context, phone string) (Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[strings.TrimSpace(phone)]
	return c, ok, nil
}

func (s *memoryStore) PutPairing(ctx context.Context, p Pairing) error {
	if p.PairedAt.IsZero() {
		p.PairedAt = time.Now()
	}
	s.mu.Lock()
	s.pairings[p.Channel] = p
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetPairing(ctx context.Context, channel string) (Pairing, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairings[channel]
	return p, ok, nil
}

func (s *memoryStore) DeletePairing(ctx context.Context, channel string) error {
	s.mu.Lock()
	delete(s.pairings, channel)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }
