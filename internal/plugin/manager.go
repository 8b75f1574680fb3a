package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"repeatbot/internal/config"
	"repeatbot/internal/eventbus"
	"repeatbot/internal/transport"
	logx "repeatbot/pkg/logx"
)

// Manager owns plugin lifecycle (init once, start/stop on enable/disable) and
// dispatches inbound records through the handler chain.
type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	cfgm *config.Manager
	deps Deps

	order []string
	reg   map[string]Plugin
	run   map[string]bool
	// inited tracks plugins that have successfully passed Init at least once.
	// Init is never re-called on enable/disable cycles to prevent accidental
	// double-initialization leaks (goroutines, resources, etc.).
	inited map[string]bool
	// last config blob hash per running plugin (avoids redundant OnConfigChange calls)
	lastRawHash map[string]uint64

	// per-plugin run context (cancelled on disable/stop)
	pctx    map[string]context.Context
	pcancel map[string]context.CancelFunc

	// handler chain in registration order, rebuilt on start/stop
	handlers []EventHandler
}

func NewManager(log logx.Logger, cfgm *config.Manager, deps Deps) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		log:         log,
		cfgm:        cfgm,
		deps:        deps,
		reg:         map[string]Plugin{},
		run:         map[string]bool{},
		inited:      map[string]bool{},
		lastRawHash: map[string]uint64{},
		pctx:        map[string]context.Context{},
		pcancel:     map[string]context.CancelFunc{},
	}
}

func (m *Manager) Register(ps ...Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		name := p.Name()
		if _, dup := m.reg[name]; dup {
			m.log.Warn("duplicate plugin registration ignored", logx.String("plugin", name))
			continue
		}
		m.reg[name] = p
		m.order = append(m.order, name)
	}
}

// StartAll reconciles registered plugins against the current config.
func (m *Manager) StartAll(ctx context.Context) error {
	return m.reconcile(ctx, m.cfgm.Get())
}

// OnConfigUpdate re-reconciles after a hot reload: plugins are started,
// stopped, or poked with their new raw config as needed.
func (m *Manager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	if err := m.reconcile(ctx, cfg); err != nil {
		m.log.Warn("plugin reconcile failed", logx.Err(err))
	}
}

// ValidateConfig checks every enabled plugin section without applying it.
// Plugins that don't implement ConfigValidator are assumed to accept anything.
func (m *Manager) ValidateConfig(cfg *config.Config) error {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	reg := make(map[string]Plugin, len(m.reg))
	for name, p := range m.reg {
		reg[name] = p
	}
	m.mu.Unlock()

	for _, name := range names {
		sect := pluginSection(cfg, name)
		if !sect.Enabled {
			continue
		}
		vp, ok := reg[name].(ConfigValidator)
		if !ok {
			continue
		}
		if err := vp.ValidateConfig(sect.Config); err != nil {
			return fmt.Errorf("plugin %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	// stop in reverse registration order
	for i := len(names) - 1; i >= 0; i-- {
		m.stopOne(ctx, names[i])
	}
}

// pluginSection returns the effective config section for a plugin.
// A missing section means "enabled with defaults" — plugins ship on by
// default, matching the gateway-side expectation that a deployed plugin runs.
func pluginSection(cfg *config.Config, name string) config.PluginConfigRaw {
	if cfg == nil || cfg.Plugins == nil {
		return config.PluginConfigRaw{Enabled: true}
	}
	sect, ok := cfg.Plugins[name]
	if !ok {
		return config.PluginConfigRaw{Enabled: true}
	}
	return sect
}

func (m *Manager) reconcile(ctx context.Context, cfg *config.Config) error {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	var firstErr error
	for _, name := range names {
		sect := pluginSection(cfg, name)
		if sect.Enabled {
			if err := m.startOne(ctx, name, sect.Config); err != nil && firstErr == nil {
				firstErr = err
			}
		} else {
			m.stopOne(ctx, name)
		}
	}
	return firstErr
}

func (m *Manager) startOne(ctx context.Context, name string, raw json.RawMessage) error {
	m.mu.Lock()
	p := m.reg[name]
	running := m.run[name]
	inited := m.inited[name]
	lastHash := m.lastRawHash[name]
	m.mu.Unlock()

	if p == nil {
		return nil
	}

	rawHash := config.CanonicalHashJSON(raw)

	if running {
		// Already up: only fan out config when the blob actually changed.
		if rawHash == lastHash {
			return nil
		}
		if cp, ok := p.(Configurable); ok {
			if err := m.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(ctx, raw) }); err != nil {
				m.log.Warn("plugin rejected config; keeping previous", logx.String("plugin", name), logx.Err(err))
				return nil
			}
		}
		m.mu.Lock()
		m.lastRawHash[name] = rawHash
		m.mu.Unlock()
		return nil
	}

	if !inited {
		if err := m.safeCall("plugin.init."+name, func() error { return p.Init(ctx, m.deps) }); err != nil {
			return fmt.Errorf("init %s: %w", name, err)
		}
		m.mu.Lock()
		m.inited[name] = true
		m.mu.Unlock()
	}

	// Config before Start so the plugin never runs with defaults it would
	// have rejected.
	if cp, ok := p.(Configurable); ok {
		if err := m.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(ctx, raw) }); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}

	pctx, pcancel := context.WithCancel(ctx)
	if err := m.safeCall("plugin.start."+name, func() error { return p.Start(pctx) }); err != nil {
		pcancel()
		return fmt.Errorf("start %s: %w", name, err)
	}

	m.mu.Lock()
	m.run[name] = true
	m.lastRawHash[name] = rawHash
	m.pctx[name] = pctx
	m.pcancel[name] = pcancel
	m.rebuildHandlersLocked()
	m.mu.Unlock()

	m.log.Info("plugin started", logx.String("plugin", name))
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypePluginStarted, Data: name})
	}
	return nil
}

func (m *Manager) stopOne(ctx context.Context, name string) {
	m.mu.Lock()
	p := m.reg[name]
	running := m.run[name]
	cancel := m.pcancel[name]
	m.mu.Unlock()

	if !running || p == nil {
		return
	}

	// cancel plugin context first (stop background loops promptly)
	if cancel != nil {
		cancel()
	}

	// Do not let a misbehaving plugin block shutdown forever.
	done := make(chan struct{})
	go func() {
		_ = m.safeCall("plugin.stop."+name, func() error { return p.Stop(ctx) })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		m.log.Warn("plugin stop timed out", logx.String("plugin", name))
	}

	m.mu.Lock()
	m.run[name] = false
	delete(m.pctx, name)
	delete(m.pcancel, name)
	delete(m.lastRawHash, name)
	m.rebuildHandlersLocked()
	m.mu.Unlock()

	m.log.Info("plugin stopped", logx.String("plugin", name))
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypePluginStopped, Data: name})
	}
}

func (m *Manager) rebuildHandlersLocked() {
	m.handlers = m.handlers[:0]
	for _, name := range m.order {
		if !m.run[name] {
			continue
		}
		if hp, ok := m.reg[name].(HandlerProvider); ok {
			m.handlers = append(m.handlers, hp.Handlers()...)
		}
	}
}

// Dispatch runs one inbound record through the handler chain, honoring each
// handler's routing result: a rewritten record replaces the original for
// downstream handlers; AllowOthers=false or Continue=false ends the chain.
func (m *Manager) Dispatch(ctx context.Context, rec transport.Record) {
	m.mu.Lock()
	chain := append([]EventHandler(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range chain {
		res := m.safeHandle(ctx, h, rec)
		if res.Rewritten != nil {
			rec = res.Rewritten
		}
		if !res.Continue || !res.AllowOthers {
			return
		}
	}
}

func (m *Manager) safeHandle(ctx context.Context, h EventHandler, rec transport.Record) (res transport.HandlerResult) {
	res = transport.Pass()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in event handler",
				logx.String("handler", h.Name()),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			res = transport.Pass()
		}
	}()
	return h.Handle(ctx, rec)
}

func (m *Manager) safeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in plugin call",
				logx.String("call", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}
