package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "labrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const auditRetain = 10000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, component, action, detail, meta) VALUES(?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Component, e.Action, nullStr(e.Detail), nullStr(e.MetaJSON),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneAudit(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) PutContact(ctx context.Context, c Contact) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	c.Phone = strings.TrimSpace(c.Phone)
	if c.Phone == "" {
		return nil
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(phone, chat_id, username, name, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(phone) DO UPDATE SET chat_id=excluded.chat_id, username=excluded.username,
		   name=excluded.name, updated_at=excluded.updated_at`,
		c.Phone, c.ChatID, nullStr(c.Username), nullStr(c.Name), c.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetContact(ctx context.Context, phone string) (Contact, bool, error) {
	if s == nil || s.db == nil {
		return Contact{}, false, ErrDisabled
	}
	var (
		c              Contact
		username, name sql.NullString
		ms             int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT phone, chat_id, username, name, updated_at FROM contacts WHERE phone = ?`,
		strings.TrimSpace(phone),
	).Scan(&c.Phone, &c.ChatID, &username, &name, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, err
	}
	c.Username = username.String
	c.Name = name.String
	c.UpdatedAt = time.UnixMilli(ms)
	return c, true, nil
}

func (s *sqliteStore) PutPairing(ctx context.Context, p Pairing) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p.PairedAt.IsZero() {
		p.PairedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairings(channel, user_id, username, paired_at) VALUES(?,?,?,?)
		 ON CONFLICT(channel) DO UPDATE SET user_id=excluded.user_id, username=excluded.username,
		   paired_at=excluded.paired_at`,
		p.Channel, p.UserID, nullStr(p.Username), p.PairedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetPairing(ctx context.Context, channel string) (Pairing, bool, error) {
	if s == nil || s.db == nil {
		return Pairing{}, false, ErrDisabled
	}
	var (
		p        Pairing
		username sql.NullString
		ms       int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT channel, user_id, username, paired_at FROM pairings WHERE channel = ?`, channel,
	).Scan(&p.Channel, &p.UserID, &username, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Pairing{}, false, nil
	}
	if err != nil {
		return Pairing{}, false, err
	}
	p.Username = username.String
	p.PairedAt = time.UnixMilli(ms)
	return p, true, nil
}

func (s *sqliteStore) DeletePairing(ctx context.Context, channel string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pairings WHERE channel = ?`, channel)
	return err
}

// pruneAudit keeps the newest auditRetain rows.
func (s *sqliteStore) pruneAudit(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE id <= (SELECT COALESCE(MAX(id), 0) - ? FROM audit)`, auditRetain)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
