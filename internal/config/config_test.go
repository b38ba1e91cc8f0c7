package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("default config should validate, got %v", errs)
	}
	if cfg.Suppression.DiscoveryGrace() != 2*time.Minute {
		t.Errorf("DiscoveryGrace = %v", cfg.Suppression.DiscoveryGrace())
	}
	if cfg.RateLimit.ClampCeiling() != 4*time.Hour {
		t.Errorf("ClampCeiling = %v", cfg.RateLimit.ClampCeiling())
	}
	if cfg.Monitor.SampleCount != 4 {
		t.Errorf("SampleCount = %d", cfg.Monitor.SampleCount)
	}
	if !cfg.Notifications.Tmux.Enabled {
		t.Error("tmux delivery should be on by default")
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	cfg.Monitor.TickIntervalSec = 5
	cfg.Monitor.SampleDelayMs = 250
	cfg.Monitor.TargetTimeoutSec = 9
	cfg.Suppression.NotifyCooldownSec = 60
	cfg.Suppression.RecoveryCooldownSec = 90
	cfg.Suppression.SubmitCooldownSec = 15
	cfg.RateLimit.DefaultWaitMin = 20
	cfg.Journal.RetentionDays = 2

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"tick", cfg.Monitor.TickInterval(), 5 * time.Second},
		{"sample delay", cfg.Monitor.SampleDelay(), 250 * time.Millisecond},
		{"target timeout", cfg.Monitor.TargetTimeout(), 9 * time.Second},
		{"notify cooldown", cfg.Suppression.NotifyCooldown(), time.Minute},
		{"recovery cooldown", cfg.Suppression.RecoveryCooldown(), 90 * time.Second},
		{"submit cooldown", cfg.Suppression.SubmitCooldown(), 15 * time.Second},
		{"default wait", cfg.RateLimit.DefaultWait(), 20 * time.Minute},
		{"retention", cfg.Journal.Retention(), 48 * time.Hour},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitor.TickIntervalSec != Default().Monitor.TickIntervalSec {
		t.Errorf("expected default tick interval, got %d", cfg.Monitor.TickIntervalSec)
	}
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[monitor]
tick_interval_sec = 10

[suppression]
discovery_grace_sec = 45

[targets]
sessions = ["alpha", "beta"]

[notifications.nats]
enabled = true
url = "nats://bus:4222"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitor.TickIntervalSec != 10 {
		t.Errorf("tick_interval_sec = %d", cfg.Monitor.TickIntervalSec)
	}
	if cfg.Monitor.SampleCount != 4 {
		t.Errorf("unset keys must keep defaults, sample_count = %d", cfg.Monitor.SampleCount)
	}
	if cfg.Suppression.DiscoveryGrace() != 45*time.Second {
		t.Errorf("discovery grace = %v", cfg.Suppression.DiscoveryGrace())
	}
	if len(cfg.Targets.Sessions) != 2 {
		t.Errorf("sessions = %v", cfg.Targets.Sessions)
	}
	if !cfg.Notifications.NATS.Enabled || cfg.Notifications.NATS.URL != "nats://bus:4222" {
		t.Errorf("nats = %+v", cfg.Notifications.NATS)
	}
	if cfg.Notifications.NATS.SubjectPrefix != "paneward.notify" {
		t.Errorf("subject prefix default lost: %q", cfg.Notifications.NATS.SubjectPrefix)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[monitor\ntick = "), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parsing config") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[monitor]\ntick_interval_sec = 10\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PANEWARD_TICK_INTERVAL_SEC", "7")
	t.Setenv("PANEWARD_TMUX_REMOTE", "ops@build-1")
	t.Setenv("PANEWARD_JOURNAL_ENABLED", "false")
	t.Setenv("PANEWARD_MAX_RESTART_ATTEMPTS", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Monitor.TickIntervalSec != 7 {
		t.Errorf("env must win over file, got %d", cfg.Monitor.TickIntervalSec)
	}
	if cfg.Tmux.Remote != "ops@build-1" {
		t.Errorf("remote = %q", cfg.Tmux.Remote)
	}
	if cfg.Journal.Enabled {
		t.Error("journal should be disabled by env")
	}
	if cfg.Recovery.MaxRestartAttempts != 3 {
		t.Errorf("invalid env value must be ignored, got %d", cfg.Recovery.MaxRestartAttempts)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("PANEWARD_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != "/xdg/paneward/config.toml" {
		t.Errorf("DefaultPath = %q", got)
	}
	t.Setenv("PANEWARD_CONFIG", "/etc/paneward.toml")
	if got := DefaultPath(); got != "/etc/paneward.toml" {
		t.Errorf("DefaultPath = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"tick", func(c *Config) { c.Monitor.TickIntervalSec = 0 }, "monitor.tick_interval_sec"},
		{"samples", func(c *Config) { c.Monitor.SampleCount = 1 }, "monitor.sample_count"},
		{"concurrency", func(c *Config) { c.Monitor.MaxConcurrency = 0 }, "monitor.max_concurrency"},
		{"grace", func(c *Config) { c.Suppression.DiscoveryGraceSec = -1 }, "suppression.discovery_grace_sec"},
		{"attempts", func(c *Config) { c.Recovery.MaxRestartAttempts = -2 }, "recovery.max_restart_attempts"},
		{"restart command", func(c *Config) { c.Recovery.RestartCommand = "  " }, "recovery.restart_command"},
		{"wait over ceiling", func(c *Config) { c.RateLimit.DefaultWaitMin = 300 }, "ratelimit.default_wait_min"},
		{"pm pattern", func(c *Config) { c.Targets.PMPattern = "(" }, "targets.pm_pattern"},
		{"nats url", func(c *Config) {
			c.Notifications.NATS.Enabled = true
			c.Notifications.NATS.URL = ""
		}, "notifications.nats.url"},
		{"journal path", func(c *Config) { c.Journal.Path = "" }, "journal.path"},
		{"state dir", func(c *Config) { c.Daemon.StateDir = "" }, "daemon.state_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := Validate(cfg)
			if len(errs) != 1 {
				t.Fatalf("expected 1 error, got %v", errs)
			}
			if !strings.HasPrefix(errs[0].Error(), tt.want) {
				t.Errorf("error = %q, want prefix %q", errs[0], tt.want)
			}
		})
	}

	if errs := Validate(nil); len(errs) != 1 {
		t.Errorf("nil config: %v", errs)
	}
}

func TestPrint_RoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Targets.Sessions = []string{"alpha"}
	cfg.Tmux.Remote = "ops@host"

	var buf bytes.Buffer
	if err := Print(cfg, &buf); err != nil {
		t.Fatal(err)
	}

	var decoded Config
	if _, err := toml.Decode(buf.String(), &decoded); err != nil {
		t.Fatalf("printed config is not valid TOML: %v\n%s", err, buf.String())
	}
	if decoded.Monitor != cfg.Monitor || decoded.Suppression != cfg.Suppression {
		t.Errorf("monitor/suppression mismatch after round trip")
	}
	if decoded.Targets.PMPattern != cfg.Targets.PMPattern || decoded.Tmux.Remote != "ops@host" {
		t.Errorf("targets/tmux mismatch: %+v %+v", decoded.Targets, decoded.Tmux)
	}
	if len(decoded.Targets.Sessions) != 1 {
		t.Errorf("sessions = %v", decoded.Targets.Sessions)
	}
}

func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	got, err := CreateDefault(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Errorf("path = %q", got)
	}
	if _, err := CreateDefault(path); err == nil {
		t.Error("expected error when file exists")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("created config invalid: %v", errs)
	}
}
