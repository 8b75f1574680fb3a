package storage

import (
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// EchoEntry records one emitted echo. Keep it compact and schema-stable.
type EchoEntry struct {
	At      time.Time
	GroupID string
	Text    string // echoed text as stored in history
	Cleaned string // text actually sent (mention markup stripped)
}
