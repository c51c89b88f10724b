// Package storage provides the small persistence layer used by the relay.
//
// It stores:
//   - Session lifecycle audit records (phase transitions, pairing)
//   - The channel contact directory (normalized phone -> chat id)
//   - The pairing record that lets a channel resume without a new challenge
//
// Message history is deliberately not persisted; see internal/ledger.
package storage
