package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "labrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl       (append-only JSON Lines)
//   - <prefix>.state.json        (periodic snapshot of contacts + pairings)
//   - <prefix>.state.journal.jsonl (append-only journal replayed over the snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	state        fileState

	writes int
}

const compactEvery = 500

type fileState struct {
	Contacts map[string]Contact `json:"contacts"`
	Pairings map[string]Pairing `json:"pairings"`
}

// journalRecord is one state mutation. Exactly one of Contact/Pairing is set,
// unless Deleted names a pairing channel to drop.
type journalRecord struct {
	Contact *Contact `json:"contact,omitempty"`
	Pairing *Pairing `json:"pairing,omitempty"`
	Deleted string   `json:"deleted_pairing,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := fileState{Contacts: map[string]Contact{}, Pairings: map[string]Pairing{}}
	snapPath := prefix + ".state.json"
	journalPath := prefix + ".state.journal.jsonl"
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        st,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact on close failed", logx.Err(err))
		}
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutContact(ctx context.Context, c Contact) error {
	c.Phone = strings.TrimSpace(c.Phone)
	if c.Phone == "" {
		return nil
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Contacts[c.Phone] = c
	return s.journalLocked(journalRecord{Contact: &c})
}

func (s *fileStore) GetContact(ctx context.Context, phone string) (Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.Contacts[strings.TrimSpace(phone)]
	return c, ok, nil
}

func (s *fileStore) PutPairing(ctx context.Context, p Pairing) error {
	if p.PairedAt.IsZero() {
		p.PairedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Pairings[p.Channel] = p
	return s.journalLocked(journalRecord{Pairing: &p})
}

func (s *fileStore) GetPairing(ctx context.Context, channel string) (Pairing, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Pairings[channel]
	return p, ok, nil
}

func (s *fileStore) DeletePairing(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Pairings[channel]; !ok {
		return nil
	}
	delete(s.state.Pairings, channel)
	return s.journalLocked(journalRecord{Deleted: channel})
}

func (s *fileStore) journalLocked(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("state journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Contacts {
		out.Contacts[k] = v
	}
	for k, v := range st.Pairings {
		out.Pairings[k] = v
	}
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch {
		case r.Contact != nil && r.Contact.Phone != "":
			out.Contacts[r.Contact.Phone] = *r.Contact
		case r.Pairing != nil:
			out.Pairings[r.Pairing.Channel] = *r.Pairing
		case r.Deleted != "":
			delete(out.Pairings, r.Deleted)
		}
	}
	return sc.Err()
}
