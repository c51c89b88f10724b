package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): process-local maps, lost on restart
//   - "file": jsonl audit + snapshot/journal for contacts and pairings
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one session lifecycle event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Component string    `json:"component"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	MetaJSON  string    `json:"meta,omitempty"`
}

// Contact maps a normalized phone number to a channel chat.
type Contact struct {
	Phone     string    `json:"phone"`
	ChatID    int64     `json:"chat_id"`
	Username  string    `json:"username,omitempty"`
	Name      string    `json:"name,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pairing records which operator completed a channel's pairing challenge.
type Pairing struct {
	Channel  string    `json:"channel"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	PairedAt time.Time `json:"paired_at"`
}
