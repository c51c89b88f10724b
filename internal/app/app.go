// Package app wires configuration, storage, the chat channel, the relay and
// its HTTP surface into one process.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"labrelay/internal/api"
	"labrelay/internal/config"
	"labrelay/internal/eventbus"
	"labrelay/internal/janitor"
	"labrelay/internal/observability/pprof"
	"labrelay/internal/relay"
	rtsup "labrelay/internal/runtime/supervisor"
	"labrelay/internal/storage"
	kit "labrelay/internal/transport"
	logx "labrelay/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	channel kit.Channel
	relay   *relay.Service
	api     *api.Server
	janitor *janitor.Janitor
	pprof   *pprof.Service
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	ch, err := newChannel(cfg, store, root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rc, err := mapRelayConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bus := eventbus.New()
	rel := relay.New(ch, rc,
		relay.WithLogger(root),
		relay.WithBus(bus),
		relay.WithAuditor(store),
	)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		channel: ch,
		relay:   rel,
		pprof:   pprof.New(mapPprofConfig(cfg), root.With(logx.String("comp", "pprof"))),
	}
	if cfg.API.Enabled {
		a.api = api.New(mapAPIConfig(cfg), rel, root)
	}
	if cfg.Janitor.Enabled {
		jc, err := mapJanitorConfig(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.janitor = janitor.New(jc, rel, root)
	}
	return a, nil
}

func (a *App) Relay() *relay.Service { return a.relay }

// APIAddr is the bound API address, empty when the API is disabled or not yet listening.
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.relay.Start(a.sup.Context())
	if a.api != nil {
		a.api.Start(a.sup.Context())
	}
	if a.janitor != nil {
		if err := a.janitor.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.audit("started", "")
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("channel", a.channel.Name()), logx.Bool("api", a.api != nil))
	return nil
}

// applyConfig applies the live sections of a reloaded config.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "delivery":
			dc, err := mapDeliveryConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
				continue
			}
			a.relay.ApplyDelivery(dc)
		case "pprof":
			a.pprof.Reconfigure(ctx, mapPprofConfig(newCfg))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// audit records app lifecycle in the store's audit trail.
func (a *App) audit(action, detail string) {
	meta, _ := json.Marshal(map[string]string{"channel": a.channel.Name()})
	err := a.store.AppendAudit(context.Background(), storage.AuditEntry{
		At:        time.Now(),
		Component: "app",
		Action:    action,
		Detail:    detail,
		MetaJSON:  string(meta),
	})
	if err != nil {
		a.log.Debug("audit append failed", logx.Err(err))
	}
}

// Stop drains the relay, then stops the surfaces and storage. Each step is
// bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The relay drains before the app context is canceled so the in-flight
	// send can complete.
	step("relay", 15*time.Second, a.relay.Shutdown)
	a.audit("stopped", string(reason))
	a.sup.Cancel()

	step("api", 3*time.Second, func(c context.Context) error {
		if a.api == nil {
			return nil
		}
		return a.api.Stop(c)
	})
	step("janitor", 2*time.Second, func(c context.Context) error {
		if a.janitor != nil {
			a.janitor.Stop(c)
		}
		return nil
	})
	step("pprof", time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
