package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Gateway   GatewayConfig              `json:"gateway"`
	Intake    IntakeConfig               `json:"intake"`
	Logging   LoggingConfig              `json:"logging"`
	Scheduler SchedulerConfig            `json:"scheduler"`
	Storage   *StorageConfig             `json:"storage,omitempty"`
	Plugins   map[string]PluginConfigRaw `json:"plugins"`
}

// GatewayConfig points at the bot connector's HTTP API (Napcat / any OneBot
// compatible gateway).
//
// Timeout is a Go duration string (e.g. "5s"). RatePerSec caps outbound sends;
// 0 disables the limiter. OpsGroup is an optional group id that receives
// forwarded warn+ log lines.
type GatewayConfig struct {
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	OpsGroup   string `json:"ops_group,omitempty"`
}

// IntakeConfig controls the HTTP server that receives the gateway's event
// pushes. Token, when set, must be presented as "Bearer <token>".
type IntakeConfig struct {
	Addr  string `json:"addr,omitempty"`
	Token string `json:"token,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Group   LoggingGroup `json:"group"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingGroup struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional echo-audit persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./repeatbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in plugin sections are
// caught during config reload instead of being silently ignored.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
