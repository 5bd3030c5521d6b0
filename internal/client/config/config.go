// Package config holds runtime settings for the bulksync client and loads
// them from defaults, an optional JSON file and command-line flags, in that
// order of precedence.
package config

import "time"

// Config holds runtime settings for the bulksync CLI.
//
// Units: durations are time.Duration values (e.g. 2*time.Second); sizes are
// counts of items, not bytes.
type Config struct {
	// AccountURL is the server base URL, e.g. "https://cloud.example.com".
	AccountURL string
	Username   string
	Password   string

	// JournalDSN is the SQLite DSN of the local sync journal.
	JournalDSN string

	// LocalPath is the sync folder root on disk; RemotePath is the remote
	// folder items are uploaded under.
	LocalPath  string
	RemotePath string

	// BatchSize caps how many files one bulk request may carry.
	BatchSize int

	// MinFileAgeForUpload defers files modified more recently than this.
	MinFileAgeForUpload time.Duration

	// UploadChecksumType is the transmission checksum type; empty disables
	// server-side verification.
	UploadChecksumType string

	// PollInterval is how often asynchronous upload finalizations are polled.
	PollInterval time.Duration

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.AccountURL = "http://127.0.0.1:8080"
	c.JournalDSN = ".bulksync.db"
	c.BatchSize = 100
	c.MinFileAgeForUpload = 2 * time.Second
	c.UploadChecksumType = "MD5"
	c.PollInterval = 5 * time.Second
	c.LogLevel = "info"
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
