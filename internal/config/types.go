package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "5s", "72h"); zero or omitted values fall back to defaults.
type Config struct {
	Channel  ChannelConfig  `json:"channel"`
	Session  SessionConfig  `json:"session"`
	Delivery DeliveryConfig `json:"delivery"`
	Ledger   LedgerConfig   `json:"ledger"`
	API      APIConfig      `json:"api"`
	Janitor  JanitorConfig  `json:"janitor"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
}

// ChannelConfig selects the chat platform. Driver is "telegram" or "loopback".
type ChannelConfig struct {
	Driver   string         `json:"driver"`
	Loopback LoopbackConfig `json:"loopback,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// LoopbackConfig drives the in-process channel used for local runs and demos.
type LoopbackConfig struct {
	RequirePairing bool   `json:"require_pairing,omitempty"`
	PairingCode    string `json:"pairing_code,omitempty"`
	AutoAck        bool   `json:"auto_ack,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	APIURL       string  `json:"api_url,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`

	HealthInterval string `json:"health_interval,omitempty"`
	HealthFailures int    `json:"health_failures,omitempty"`

	// Outbound send rate towards the Bot API.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// SessionConfig controls reconnection.
//
// Defaults:
//   - reconnect_base: "5s" (attempt n waits n*base)
//   - max_reconnect_attempts: 5
type SessionConfig struct {
	ReconnectBase        string `json:"reconnect_base,omitempty"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"`
	// AutoInitialize starts the session on boot instead of waiting for
	// POST /api/session/initialize.
	AutoInitialize bool `json:"auto_initialize,omitempty"`
}

// DeliveryConfig tunes the queue worker. All fields apply live on reload.
type DeliveryConfig struct {
	InterMessageDelay string `json:"inter_message_delay,omitempty"`
	MaxAttempts       int    `json:"max_attempts,omitempty"`
	AttachmentGrace   string `json:"attachment_grace,omitempty"`
	CountryCode       string `json:"country_code,omitempty"`
	DomesticLength    int    `json:"domestic_length,omitempty"`
}

type LedgerConfig struct {
	Capacity int `json:"capacity,omitempty"`
}

// APIConfig is the HTTP surface used by the lab system and dashboards.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string `json:"token,omitempty"`

	// Per-client request limit.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	UploadDir   string `json:"upload_dir,omitempty"`
	MaxUploadMB int    `json:"max_upload_mb,omitempty"`
}

// JanitorConfig schedules housekeeping. Schedules are 5-field cron specs
// (descriptors like "@hourly" are accepted).
type JanitorConfig struct {
	Enabled       bool   `json:"enabled"`
	Schedule      string `json:"schedule,omitempty"`
	MaxAge        string `json:"max_age,omitempty"`
	StatsSchedule string `json:"stats_schedule,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects where contacts, pairings and the audit trail live.
// Driver is "memory", "file" or "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PprofConfig exposes net/http/pprof on a separate listener.
type PprofConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
	Token   string `json:"token,omitempty"`
	// AllowInsecure permits a non-loopback addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}
