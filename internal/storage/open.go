package storage

import (
	"context"
	"errors"
	"strings"

	logx "labrelay/pkg/logx"
)

// Store is the persistence API used by the session controller and channels.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	PutContact(ctx context.Context, c Contact) error
	GetContact(ctx context.Context, phone string) (Contact, bool, error)

	PutPairing(ctx context.Context, p Pairing) error
	GetPairing(ctx context.Context, channel string) (Pairing, bool, error)
	DeletePairing(ctx context.Context, channel string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
