package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8055 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8055)
	}
	if cfg.Scheduler.DispatchTick() != 2*time.Second {
		t.Errorf("DispatchTick = %v, want 2s", cfg.Scheduler.DispatchTick())
	}
	if cfg.Scheduler.RetentionHours != 12 {
		t.Errorf("RetentionHours = %d, want 12", cfg.Scheduler.RetentionHours)
	}
	if cfg.Reaper.IntervalMinutes != 10 {
		t.Errorf("Reaper.IntervalMinutes = %d, want 10", cfg.Reaper.IntervalMinutes)
	}
	if cfg.Users.DefaultVoiceSlots != 1 || cfg.Users.DefaultImageSlots != 2 {
		t.Errorf("default slots = %d/%d, want 1/2",
			cfg.Users.DefaultVoiceSlots, cfg.Users.DefaultImageSlots)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SYNTHD_HOME", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("Port = %d, want default %d", cfg.API.Port, DefaultConfig().API.Port)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SYNTHD_HOME", home)

	body := `
[api]
port = 9090
admin_token = "hunter2"

[scheduler]
stuck_threshold_minutes = 45

[users]
default_voice_slots = 3
`
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.API.AdminToken != "hunter2" {
		t.Errorf("AdminToken = %q, want hunter2", cfg.API.AdminToken)
	}
	if cfg.Scheduler.StuckThresholdMin != 45 {
		t.Errorf("StuckThresholdMin = %d, want 45", cfg.Scheduler.StuckThresholdMin)
	}
	if cfg.Users.DefaultVoiceSlots != 3 {
		t.Errorf("DefaultVoiceSlots = %d, want 3", cfg.Users.DefaultVoiceSlots)
	}
	// Untouched sections keep defaults.
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want default", cfg.API.Host)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	t.Setenv("SYNTHD_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.API.Port = 7001
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.API.Port != 7001 {
		t.Errorf("Port = %d, want 7001", loaded.API.Port)
	}
}
