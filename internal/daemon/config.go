// Package daemon manages the synthd daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Credits   CreditsConfig   `toml:"credits"`
	Reaper    ReaperConfig    `toml:"reaper"`
	Providers ProvidersConfig `toml:"providers"`
	Users     UsersConfig     `toml:"users"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Logging   LoggingConfig   `toml:"logging"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	AdminToken string `toml:"admin_token"` // empty disables the admin plane
}

// SchedulerConfig controls dispatch and timeouts.
type SchedulerConfig struct {
	DispatchTickSeconds int `toml:"dispatch_tick_seconds"`
	UpstreamTimeoutMin  int `toml:"upstream_timeout_minutes"`
	RetentionHours      int `toml:"retention_hours"`
	StuckThresholdMin   int `toml:"stuck_threshold_minutes"`
	WatchdogTickMin     int `toml:"watchdog_tick_minutes"`
}

// CreditsConfig controls ledger behavior.
type CreditsConfig struct {
	DefaultValidityDays int `toml:"default_validity_days"`
}

// ReaperConfig controls the retention sweep.
type ReaperConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
}

// ProvidersConfig carries upstream base URLs.
type ProvidersConfig struct {
	VoiceBaseURL string `toml:"voice_base_url"`
	ImageBaseURL string `toml:"image_base_url"`
}

// UsersConfig sets per-user concurrency defaults for users the
// collaborating auth layer has not provisioned explicitly.
type UsersConfig struct {
	DefaultVoiceSlots int `toml:"default_voice_slots"`
	DefaultImageSlots int `toml:"default_image_slots"`
}

// TelemetryConfig controls the Prometheus endpoint.
type TelemetryConfig struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8055,
		},
		Scheduler: SchedulerConfig{
			DispatchTickSeconds: 2,
			UpstreamTimeoutMin:  10,
			RetentionHours:      12,
			StuckThresholdMin:   30,
			WatchdogTickMin:     5,
		},
		Credits: CreditsConfig{
			DefaultValidityDays: 30,
		},
		Reaper: ReaperConfig{
			IntervalMinutes: 10,
		},
		Providers: ProvidersConfig{
			VoiceBaseURL: "https://voice.upstream.example",
			ImageBaseURL: "https://image.upstream.example",
		},
		Users: UsersConfig{
			DefaultVoiceSlots: 1,
			DefaultImageSlots: 2,
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(synthdHome(), "synthd.log"),
		},
	}
}

// DispatchTick converts the configured tick to a duration.
func (c SchedulerConfig) DispatchTick() time.Duration {
	return time.Duration(c.DispatchTickSeconds) * time.Second
}

// LoadConfig reads config from $SYNTHD_HOME/config.toml, falling back
// to defaults when no file exists.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(synthdHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $SYNTHD_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(synthdHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// synthdHome returns the synthd data directory.
func synthdHome() string {
	if env := os.Getenv("SYNTHD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".synthd")
}

// SynthdHome is exported for use by other packages.
func SynthdHome() string {
	return synthdHome()
}
