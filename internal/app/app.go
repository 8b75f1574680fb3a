// Package app wires config, logging, gateway, intake, scheduler, storage and
// the plugin manager into one runnable bot host.
package app

import (
	"context"
	"strconv"
	"strings"
	"time"

	"repeatbot/internal/config"
	"repeatbot/internal/eventbus"
	"repeatbot/internal/gateway"
	"repeatbot/internal/intake"
	"repeatbot/internal/plugin"
	"repeatbot/internal/scheduler"
	"repeatbot/internal/storage"
	logx "repeatbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *plugin.Supervisor

	log  logx.Logger
	logs *logx.Service

	gw    *gateway.Client
	in    *intake.Server
	sched *scheduler.Service
	store storage.Store
	bus   eventbus.Bus
	pm    *plugin.Manager
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	gwTimeout, err := config.ParseDurationOrDefault("gateway.timeout", cfg.Gateway.Timeout, 5*time.Second)
	if err != nil {
		return nil, err
	}

	// Gateway first: the logging service's group sink sends through it.
	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "gateway"))
	gw := gateway.New(gateway.Config{
		Host:       cfg.Gateway.Host,
		Port:       cfg.Gateway.Port,
		Timeout:    gwTimeout,
		RatePerSec: cfg.Gateway.RatePerSec,
	}, bootLog)

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Group: logx.GroupConfig{
			Enabled:    cfg.Logging.Group.Enabled,
			MinLevel:   cfg.Logging.Group.MinLevel,
			RatePerSec: cfg.Logging.Group.RatePerSec,
		},
	}, gw)
	log = log.With(logx.String("comp", "app"))
	applyOpsGroup(logSvc, cfg)

	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	var store storage.Store
	if cfg.Storage != nil {
		busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busyTimeout,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
	}

	sched := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, log.With(logx.String("comp", "scheduler")))

	in := intake.New(intake.Config{
		Addr:  cfg.Intake.Addr,
		Token: cfg.Intake.Token,
	}, log.With(logx.String("comp", "intake")))

	bus := eventbus.New()

	pm := plugin.NewManager(log.With(logx.String("comp", "plugins")), cfgm, plugin.Deps{
		Logger: log,
		Sender: gw,
		Config: cfgm,
		Bus:    bus,
		Store:  store,
		Sched:  sched,
	})

	// Reload validation: a config that would fail to apply is rejected before
	// commit, so a bad edit keeps the previous config running.
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		if _, err := config.ParseDurationOrDefault("gateway.timeout", c.Gateway.Timeout, 5*time.Second); err != nil {
			return err
		}
		if c.Storage != nil {
			if _, err := config.ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
				return err
			}
		}
		return pm.ValidateConfig(c)
	})

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		gw:      gw,
		in:      in,
		sched:   sched,
		store:   store,
		bus:     bus,
		pm:      pm,
	}, nil
}

func (a *App) Plugins() *plugin.Manager { return a.pm }

func (a *App) Start(ctx context.Context) error {
	a.sup = plugin.NewSupervisor(ctx, plugin.WithLogger(a.log))

	a.sched.Start(a.sup.Context())

	if err := a.in.Start(a.sup.Context()); err != nil {
		return err
	}

	if err := a.pm.StartAll(a.sup.Context()); err != nil {
		return err
	}

	// Single dispatcher: one inbound event is processed to completion before
	// the next, so handlers see events in arrival order.
	a.sup.Go("dispatch", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case in := <-a.in.Events():
				a.log.Debug("event received", logx.String("event_id", in.ID))
				a.pm.Dispatch(ctx, in.Record)
			}
		}
	})

	a.sup.Go("config-watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})

	a.sup.Go("config-apply", func(ctx context.Context) error {
		sub := a.cfgm.Subscribe(4)
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(ctx, cfg)
			}
		}
	})

	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig handles a hot reload: logging sinks and plugin sections apply
// live; gateway/intake/scheduler/storage endpoints are fixed at startup.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Group: logx.GroupConfig{
			Enabled:    cfg.Logging.Group.Enabled,
			MinLevel:   cfg.Logging.Group.MinLevel,
			RatePerSec: cfg.Logging.Group.RatePerSec,
		},
	})
	applyOpsGroup(a.logs, cfg)

	a.pm.OnConfigUpdate(ctx, cfg)
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if err := a.in.Stop(ctx); err != nil {
		a.log.Warn("intake stop failed", logx.Err(err))
	}
	a.pm.StopAll(ctx)
	a.sched.Stop(ctx)

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
	return err
}

func applyOpsGroup(logs *logx.Service, cfg *config.Config) {
	raw := strings.TrimSpace(cfg.Gateway.OpsGroup)
	if raw == "" {
		return
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		logs.SetGroupTarget(id)
	}
}
