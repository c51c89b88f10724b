package config

import (
	"reflect"
	"strings"

	logx "labrelay/pkg/logx"
)

// liveSections apply without a restart.
var liveSections = map[string]bool{
	"logging":  true,
	"delivery": true,
	"pprof":    true,
}

// SummarizeConfigChange returns (1) the changed sections, (2) safe structured
// attrs for logging (never tokens), and (3) the changed sections that only take
// effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Channel, newCfg.Channel) {
		changed = append(changed, "channel")
		attrs = append(attrs,
			logx.String("channel.driver", strings.TrimSpace(newCfg.Channel.Driver)),
			logx.Int("channel.telegram.owner_count", len(newCfg.Channel.Telegram.OwnerUserIDs)),
			logx.Bool("channel.telegram.token_changed",
				strings.TrimSpace(oldCfg.Channel.Telegram.Token) != strings.TrimSpace(newCfg.Channel.Telegram.Token)),
		)
	}
	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.reconnect_base", newCfg.Session.ReconnectBase),
			logx.Int("session.max_reconnect_attempts", newCfg.Session.MaxReconnectAttempts),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.inter_message_delay", newCfg.Delivery.InterMessageDelay),
			logx.Int("delivery.max_attempts", newCfg.Delivery.MaxAttempts),
			logx.String("delivery.attachment_grace", newCfg.Delivery.AttachmentGrace),
		)
	}
	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
		attrs = append(attrs, logx.Int("ledger.capacity", newCfg.Ledger.Capacity))
	}
	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}
	if oldCfg.Janitor != newCfg.Janitor {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.enabled", newCfg.Janitor.Enabled),
			logx.String("janitor.schedule", newCfg.Janitor.Schedule),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	var restart []string
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
