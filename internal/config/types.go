// Package config loads and watches the daemon configuration.
//
// Files may be JSON or YAML; YAML is coerced to JSON so both formats
// go through the same strict decoder (unknown fields are rejected,
// which catches typos and removed keys early). All durations are Go
// duration strings ("500ms", "1m").
package config

import "time"

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	HTTP     HTTPConfig     `json:"http"`
	Reminder ReminderConfig `json:"reminder"`
	Notifier NotifierConfig `json:"notifier"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./visaquest.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8440"
}

// ReminderConfig tunes the reminder scheduler. Zero values fall back
// to service defaults.
type ReminderConfig struct {
	Enabled       bool   `json:"enabled"`
	SweepInterval string `json:"sweep_interval,omitempty"`
	ArmHorizon    string `json:"arm_horizon,omitempty"`
	ExpireAfter   string `json:"expire_after,omitempty"`
	ClaimTTL      string `json:"claim_ttl,omitempty"`
}

// NotifierConfig tunes the dispatch bridge pipeline.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// TelegramConfig enables the optional background delivery channel.
// ChatIDs maps user keys to Telegram chat ids.
type TelegramConfig struct {
	Enabled bool             `json:"enabled"`
	Token   string           `json:"token,omitempty"`
	ChatIDs map[string]int64 `json:"chat_ids,omitempty"`
}

func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Console: true},
		Storage:  StorageConfig{Driver: "sqlite", Path: "./visaquest.db"},
		HTTP:     HTTPConfig{Enabled: true, Addr: "127.0.0.1:8440"},
		Reminder: ReminderConfig{Enabled: true},
		Notifier: NotifierConfig{Enabled: true},
	}
}

// Duration parses a duration field, returning def when empty.
func Duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}
