package transport

import (
	"context"
	"errors"
)

// EventKind tags a session event reported by a Channel.
type EventKind string

const (
	EventPairingChallenge EventKind = "pairing_challenge"
	EventAuthenticated    EventKind = "authenticated"
	EventReady            EventKind = "ready"
	EventAuthFailure      EventKind = "auth_failure"
	EventDisconnected     EventKind = "disconnected"
	EventDeliveryAck      EventKind = "delivery_ack"
)

// AckLevel is the upstream-reported delivery milestone.
type AckLevel int

const (
	AckSent      AckLevel = 1
	AckDelivered AckLevel = 2
	AckRead      AckLevel = 3
)

// Event is a tagged variant; only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// PairingChallenge
	Code string
	// AuthFailure / Disconnected
	Reason string
	// DeliveryAck
	MessageID string
	Level     AckLevel
}

// Emit delivers an event from a live session to its owner. Implementations must
// not call it after Teardown returns.
type Emit func(Event)

// Channel is the chat platform. Each InitializeSession call creates a new
// session handle; the caller is responsible for tearing down the previous one.
type Channel interface {
	Name() string
	InitializeSession(ctx context.Context, emit Emit) (Session, error)
}

// Session is a live handle capable of sending. Send methods return the upstream
// message id used to correlate later delivery acks.
type Session interface {
	SendText(ctx context.Context, recipient, body string) (string, error)
	SendMediaWithCaption(ctx context.Context, recipient, path, caption string) (string, error)
	Teardown(ctx context.Context) error
}

var (
	ErrSessionClosed    = errors.New("session closed")
	ErrUnknownRecipient = errors.New("recipient not registered with channel")
)
