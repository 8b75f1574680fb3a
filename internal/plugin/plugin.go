package plugin

import (
	"context"
	"encoding/json"

	"repeatbot/internal/config"
	"repeatbot/internal/eventbus"
	"repeatbot/internal/scheduler"
	"repeatbot/internal/storage"
	"repeatbot/internal/transport"
	logx "repeatbot/pkg/logx"
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Configurable plugins receive their raw config section on activation and on
// every hot reload. Returning an error vetoes the (re)start.
type Configurable interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator plugins can check a raw config section without applying it.
// Used by the host's reload validator so a bad section is rejected before
// commit instead of surfacing on the next OnConfigChange.
type ConfigValidator interface {
	ValidateConfig(raw json.RawMessage) error
}

// HandlerProvider plugins take part in inbound event dispatch.
type HandlerProvider interface {
	Handlers() []EventHandler
}

// EventHandler processes one inbound record. Implementations must not panic
// and must not let internal failures escape; the result is a routing decision,
// not an error channel.
type EventHandler interface {
	Name() string
	Handle(ctx context.Context, rec transport.Record) transport.HandlerResult
}

// Deps is everything the host injects into a plugin.
type Deps struct {
	Logger logx.Logger
	Sender transport.Sender
	Config *config.Manager
	Bus    eventbus.Bus
	Store  storage.Store // nil when storage is disabled
	Sched  *scheduler.Service
}

// DecodeConfig decodes a per-plugin raw json blob into a typed config struct.
// Empty input yields the zero value.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
