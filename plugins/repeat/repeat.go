// Package repeat detects three identical messages in a row in a group chat
// and probabilistically echoes the repeated text back into the group.
package repeat

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"repeatbot/internal/config"
	"repeatbot/internal/plugin"
	logx "repeatbot/pkg/logx"
)

const (
	defaultRepeatProbability = 0.7
	defaultSkipProbability   = 0.1
	defaultHistoryTTL        = 24 * time.Hour

	pruneInterval = time.Hour
)

// Config is the plugin's resolved configuration.
type Config struct {
	DebugMode         bool
	RepeatProbability float64 // chance a detected streak is echoed
	SkipProbability   float64 // chance a detected streak is skipped outright
	HistoryTTL        time.Duration
}

func defaultConfig() Config {
	return Config{
		RepeatProbability: defaultRepeatProbability,
		SkipProbability:   defaultSkipProbability,
		HistoryTTL:        defaultHistoryTTL,
	}
}

// rawConfig is the JSON shape. Probabilities are pointers so "omitted" and
// "explicitly 0" can be told apart.
type rawConfig struct {
	DebugMode         bool     `json:"debug_mode"`
	RepeatProbability *float64 `json:"repeat_probability"`
	SkipProbability   *float64 `json:"skip_probability"`
	HistoryTTL        string   `json:"history_ttl"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	rc, err := plugin.DecodeConfig[rawConfig](raw)
	if err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	cfg.DebugMode = rc.DebugMode
	if rc.RepeatProbability != nil {
		cfg.RepeatProbability = *rc.RepeatProbability
	}
	if rc.SkipProbability != nil {
		cfg.SkipProbability = *rc.SkipProbability
	}
	if cfg.RepeatProbability < 0 || cfg.RepeatProbability > 1 {
		return Config{}, fmt.Errorf("repeat_probability must be in [0,1], got %v", cfg.RepeatProbability)
	}
	if cfg.SkipProbability < 0 || cfg.SkipProbability > 1 {
		return Config{}, fmt.Errorf("skip_probability must be in [0,1], got %v", cfg.SkipProbability)
	}

	// An explicit "0" keeps windows forever; only an omitted field falls back
	// to the default.
	if strings.TrimSpace(rc.HistoryTTL) != "" {
		ttl, err := config.ParseDurationField("history_ttl", rc.HistoryTTL)
		if err != nil {
			return Config{}, err
		}
		cfg.HistoryTTL = ttl
	}
	return cfg, nil
}

type Plugin struct {
	plugin.Base
	h *Handler
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "repeat" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	p.h = newHandler(p.Log, deps.Sender, deps.Store, deps.Bus, rng.Float64)
	return nil
}

// ValidateConfig parses the section without applying it, so the host can veto
// a bad reload before anything is committed.
func (p *Plugin) ValidateConfig(raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	cfg, err := parseConfig(raw)
	if err != nil {
		return err
	}
	p.h.setConfig(cfg)
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)

	// Hourly window pruning keeps the per-group map bounded on long uptimes.
	// The job reads the live config so a TTL change applies without restart.
	if _, err := p.Every("prune", pruneInterval, time.Minute, func(ctx context.Context) error {
		ttl := p.h.config().HistoryTTL
		if n := p.h.pruneIdle(ttl); n > 0 {
			p.Log.Debug("pruned idle group windows", logx.Int("groups", n))
		}
		return nil
	}); err != nil {
		p.Log.Debug("window pruning disabled", logx.Err(err))
	}
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }

func (p *Plugin) Handlers() []plugin.EventHandler {
	return []plugin.EventHandler{p.h}
}
