package plugin

import (
	"context"
	"errors"
	"time"

	logx "repeatbot/pkg/logx"
)

// Base is a small helper to make writing plugins faster and safer.
// Typical usage:
//
//	type Plugin struct { plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type Base struct {
	Log        logx.Logger
	Deps       Deps
	Runner     *Supervisor
	pluginName string

	ctx context.Context
}

// InitBase wires deps + logger.
func (b *Base) InitBase(deps Deps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	if !deps.Logger.IsZero() {
		b.Log = deps.Logger.With(logx.String("plugin", pluginName))
	} else {
		b.Log = logx.Nop().With(logx.String("plugin", pluginName))
	}
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *Base) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = NewSupervisor(ctx, WithLogger(b.Log), WithCancelOnError(false))
}

// StopBase cancels runner + waits bounded by ctx.
func (b *Base) StopBase(ctx context.Context) error {
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop/disable).
func (b *Base) Context() context.Context { return b.ctx }

// Scheduler helpers (namespaced by plugin).
func (b *Base) Every(name string, every, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if b.Deps.Sched == nil {
		return "", errors.New("scheduler not available")
	}
	return b.Deps.Sched.AddInterval(b.ns(name), every, timeout, job)
}

func (b *Base) Cron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if b.Deps.Sched == nil {
		return "", errors.New("scheduler not available")
	}
	return b.Deps.Sched.AddCron(b.ns(name), spec, timeout, job)
}

func (b *Base) ns(name string) string {
	if b.pluginName == "" {
		return name
	}
	if name == "" {
		return b.pluginName
	}
	return b.pluginName + ":" + name
}
