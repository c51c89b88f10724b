package delivery

import (
	"errors"
	"time"

	kit "labrelay/internal/transport"
)

var (
	ErrMissingRecipient = errors.New("recipient is required")
	ErrMissingBody      = errors.New("message body is required")
	ErrInvalidRecipient = errors.New("recipient has no digits")
	ErrStopped          = errors.New("delivery queue stopped")
)

// ShutdownReason is recorded on items discarded by Drain.
const ShutdownReason = "shutdown before delivery"

const (
	DefaultInterMessageDelay = 2 * time.Second
	DefaultMaxAttempts       = 3
	DefaultAttachmentGrace   = 5 * time.Second
	DefaultCountryCode       = "91"
	DefaultDomesticLength    = 10
)

type Config struct {
	// InterMessageDelay separates distinct items; retries are not delayed.
	InterMessageDelay time.Duration
	MaxAttempts       int
	// AttachmentGrace is how long an attachment outlives its item.
	AttachmentGrace time.Duration
	CountryCode     string
	DomesticLength  int
}

func (c Config) withDefaults() Config {
	if c.InterMessageDelay <= 0 {
		c.InterMessageDelay = DefaultInterMessageDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttachmentGrace <= 0 {
		c.AttachmentGrace = DefaultAttachmentGrace
	}
	if c.CountryCode == "" {
		c.CountryCode = DefaultCountryCode
	}
	if c.DomesticLength <= 0 {
		c.DomesticLength = DefaultDomesticLength
	}
	return c
}

// Request is a caller's send request. Attachment, when set, is a file path the
// queue owns from the moment Enqueue succeeds.
type Request struct {
	Recipient  string
	Body       string
	Attachment string
}

// Item is one queued message.
type Item struct {
	ID          string
	Recipient   string
	Body        string
	Attachment  string
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
}

// Status is the queue view exposed to observers.
type Status struct {
	Length     int  `json:"length"`
	Processing bool `json:"processing"`
}

// SessionSource is the worker's view of the session controller.
type SessionSource interface {
	IsReady() bool
	// Handle returns the active session, or nil unless ready.
	Handle() kit.Session
}

// Update is the payload of delivery.* events.
type Update struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
