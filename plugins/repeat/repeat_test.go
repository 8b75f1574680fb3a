package repeat

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfig(nil)
	if err != nil {
		t.Fatalf("parseConfig(nil): %v", err)
	}
	if cfg.DebugMode {
		t.Fatal("debug_mode must default to false")
	}
	if cfg.RepeatProbability != defaultRepeatProbability {
		t.Fatalf("repeat_probability = %v", cfg.RepeatProbability)
	}
	if cfg.SkipProbability != defaultSkipProbability {
		t.Fatalf("skip_probability = %v", cfg.SkipProbability)
	}
	if cfg.HistoryTTL != defaultHistoryTTL {
		t.Fatalf("history_ttl = %v", cfg.HistoryTTL)
	}
}

func TestParseConfigExplicitZero(t *testing.T) {
	t.Parallel()

	// An explicit 0 is a meaningful probability, not "use default".
	cfg, err := parseConfig(json.RawMessage(`{"repeat_probability": 0, "skip_probability": 0}`))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.RepeatProbability != 0 || cfg.SkipProbability != 0 {
		t.Fatalf("explicit zeros not honored: %+v", cfg)
	}
}

func TestParseConfigRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	tests := []string{
		`{"repeat_probability": 1.5}`,
		`{"repeat_probability": -0.1}`,
		`{"skip_probability": 2}`,
		`{"history_ttl": "not-a-duration"}`,
	}
	for _, raw := range tests {
		if _, err := parseConfig(json.RawMessage(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestParseConfigFull(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfig(json.RawMessage(`{
		"debug_mode": true,
		"repeat_probability": 0.25,
		"skip_probability": 0.75,
		"history_ttl": "1h"
	}`))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if !cfg.DebugMode || cfg.RepeatProbability != 0.25 || cfg.SkipProbability != 0.75 || cfg.HistoryTTL != time.Hour {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateConfigDoesNotApply(t *testing.T) {
	t.Parallel()

	p := New()
	if err := p.ValidateConfig(json.RawMessage(`{"repeat_probability": 2}`)); err == nil {
		t.Fatal("out-of-range probability must fail validation")
	}
	if err := p.ValidateConfig(nil); err != nil {
		t.Fatalf("empty section must validate: %v", err)
	}
}

func TestPruneIdleGroups(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(alwaysRepeat(), rngSeq(0.5))

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }
	feed(t, h, msg("stale", "x"))

	h.now = func() time.Time { return base.Add(25 * time.Hour) }
	feed(t, h, msg("fresh", "y"))

	if n := h.pruneIdle(24 * time.Hour); n != 1 {
		t.Fatalf("pruned %d groups, want 1", n)
	}
	if h.groups.len() != 1 {
		t.Fatalf("groups after prune = %d, want 1", h.groups.len())
	}

	// A pruned group starts over: no stale streak state survives.
	h.groups.mu.Lock()
	_, staleAlive := h.groups.m["stale"]
	h.groups.mu.Unlock()
	if staleAlive {
		t.Fatal("stale group should have been pruned")
	}
}

func TestPruneDisabled(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(alwaysRepeat(), rngSeq(0.5))
	feed(t, h, msg("g", "x"))
	if n := h.pruneIdle(0); n != 0 {
		t.Fatalf("ttl=0 must disable pruning, pruned %d", n)
	}
	if h.groups.len() != 1 {
		t.Fatal("groups must be untouched when pruning is disabled")
	}
}
