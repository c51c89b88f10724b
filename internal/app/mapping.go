package app

import (
	"fmt"
	"strings"
	"time"

	"labrelay/internal/api"
	"labrelay/internal/config"
	"labrelay/internal/delivery"
	"labrelay/internal/janitor"
	"labrelay/internal/observability/pprof"
	"labrelay/internal/relay"
	"labrelay/internal/session"
	"labrelay/internal/storage"
	kit "labrelay/internal/transport"
	"labrelay/internal/transport/loopback"
	"labrelay/internal/transport/telegram"
	logx "labrelay/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	f := cfg.Logging.File
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	base, err := config.ParseDurationField("session.reconnect_base", cfg.Session.ReconnectBase)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		ReconnectBase:        base,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
	}, nil
}

// mapDeliveryConfig leaves zero values for the queue to default.
func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	delay, err := config.ParseDurationField("delivery.inter_message_delay", d.InterMessageDelay)
	if err != nil {
		return delivery.Config{}, err
	}
	grace, err := config.ParseDurationField("delivery.attachment_grace", d.AttachmentGrace)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		InterMessageDelay: delay,
		MaxAttempts:       d.MaxAttempts,
		AttachmentGrace:   grace,
		CountryCode:       d.CountryCode,
		DomesticLength:    d.DomesticLength,
	}, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	sc, err := mapSessionConfig(cfg)
	if err != nil {
		return relay.Config{}, err
	}
	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		Session:        sc,
		Delivery:       dc,
		LedgerCapacity: cfg.Ledger.Capacity,
		AutoInitialize: cfg.Session.AutoInitialize,
	}, nil
}

// newChannel builds the configured chat channel.
func newChannel(cfg *config.Config, store storage.Store, log logx.Logger) (kit.Channel, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Channel.Driver)); driver {
	case "loopback":
		lc := cfg.Channel.Loopback
		return loopback.New(loopback.Config{
			RequirePairing: lc.RequirePairing,
			PairingCode:    lc.PairingCode,
			AutoAck:        lc.AutoAck,
		}, log.With(logx.String("comp", "loopback"))), nil
	case "telegram":
		tg := cfg.Channel.Telegram
		poll, err := config.ParseDurationOrDefault("channel.telegram.poll_timeout", tg.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		health, err := config.ParseDurationField("channel.telegram.health_interval", tg.HealthInterval)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:          tg.Token,
			APIURL:         tg.APIURL,
			PollTimeout:    poll,
			OwnerUserIDs:   tg.OwnerUserIDs,
			HealthInterval: health,
			HealthFailures: tg.HealthFailures,
			RatePerSec:     tg.RatePerSec,
			Burst:          tg.Burst,
		}, store, log)
	default:
		return nil, fmt.Errorf("unknown channel.driver: %q", driver)
	}
}

func mapAPIConfig(cfg *config.Config) api.Config {
	a := cfg.API
	return api.Config{
		Addr:        a.Addr,
		Token:       a.Token,
		RatePerSec:  a.RatePerSec,
		Burst:       a.Burst,
		UploadDir:   a.UploadDir,
		MaxUploadMB: a.MaxUploadMB,
	}
}

func mapJanitorConfig(cfg *config.Config) (janitor.Config, error) {
	j := cfg.Janitor
	maxAge, err := config.ParseDurationField("janitor.max_age", j.MaxAge)
	if err != nil {
		return janitor.Config{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(j.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return janitor.Config{}, fmt.Errorf("janitor.timezone: %w", err)
		}
	}
	return janitor.Config{
		UploadDir:     cfg.API.UploadDir,
		Schedule:      j.Schedule,
		MaxAge:        maxAge,
		StatsSchedule: j.StatsSchedule,
		Location:      loc,
	}, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	p := cfg.Pprof
	return pprof.Config{
		Enabled:       p.Enabled,
		Addr:          p.Addr,
		Prefix:        p.Prefix,
		Token:         p.Token,
		AllowInsecure: p.AllowInsecure,
	}
}
