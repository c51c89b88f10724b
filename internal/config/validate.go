package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "labrelay/pkg/logx"
)

// Validate checks cross-field rules and that every duration and schedule parses.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Channel.Driver)); d {
	case "loopback":
	case "telegram":
		tg := cfg.Channel.Telegram
		if strings.TrimSpace(tg.Token) == "" {
			add("channel.telegram.token is required")
		}
		dur("channel.telegram.poll_timeout", tg.PollTimeout)
		dur("channel.telegram.health_interval", tg.HealthInterval)
		if tg.HealthFailures < 0 || tg.Burst < 0 || tg.RatePerSec < 0 {
			add("channel.telegram: health_failures, rate_per_sec and burst must be >= 0")
		}
	case "":
		add("channel.driver is required (telegram|loopback)")
	default:
		add("channel.driver: unknown driver %q", d)
	}

	dur("session.reconnect_base", cfg.Session.ReconnectBase)
	if cfg.Session.MaxReconnectAttempts < 0 {
		add("session.max_reconnect_attempts must be >= 0")
	}

	dur("delivery.inter_message_delay", cfg.Delivery.InterMessageDelay)
	dur("delivery.attachment_grace", cfg.Delivery.AttachmentGrace)
	if cfg.Delivery.MaxAttempts < 0 {
		add("delivery.max_attempts must be >= 0")
	}
	if cc := cfg.Delivery.CountryCode; strings.Trim(cc, "0123456789") != "" {
		add("delivery.country_code %q must be digits only", cc)
	}
	if cfg.Delivery.DomesticLength < 0 {
		add("delivery.domestic_length must be >= 0")
	}
	if cfg.Ledger.Capacity < 0 {
		add("ledger.capacity must be >= 0")
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.API.Addr)); err != nil {
			add("api.addr %q: %v", cfg.API.Addr, err)
		}
		if cfg.API.RatePerSec < 0 || cfg.API.Burst < 0 || cfg.API.MaxUploadMB < 0 {
			add("api: rate_per_sec, burst and max_upload_mb must be >= 0")
		}
	}

	if cfg.Janitor.Enabled {
		dur("janitor.max_age", cfg.Janitor.MaxAge)
		for path, spec := range map[string]string{
			"janitor.schedule":       cfg.Janitor.Schedule,
			"janitor.stats_schedule": cfg.Janitor.StatsSchedule,
		} {
			if strings.TrimSpace(spec) == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				add("%s %q: %v", path, spec, err)
			}
		}
		if tz := strings.TrimSpace(cfg.Janitor.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add("janitor.timezone %q: %v", tz, err)
			}
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add("logging.level: unknown level %q", lv)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when file logging is enabled")
	}

	if st := cfg.Storage; st != nil {
		switch d := strings.ToLower(strings.TrimSpace(st.Driver)); d {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add("storage.path is required for driver %q", d)
			}
		default:
			add("storage.driver: unknown driver %q", d)
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if p := cfg.Pprof; p.Enabled {
		host, _, err := net.SplitHostPort(strings.TrimSpace(p.Addr))
		switch {
		case err != nil:
			add("pprof.addr %q: %v", p.Addr, err)
		case !isLoopback(host) && strings.TrimSpace(p.Token) == "" && !p.AllowInsecure:
			add("pprof.addr %q is not loopback; set pprof.token or pprof.allow_insecure", p.Addr)
		}
	}

	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
