// Package config loads the paneward TOML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Dicklesworthstone/paneward/internal/notify"
	"github.com/Dicklesworthstone/paneward/internal/util"
)

// Config is the daemon configuration.
type Config struct {
	Monitor       MonitorConfig     `toml:"monitor"`
	Suppression   SuppressionConfig `toml:"suppression"`
	Recovery      RecoveryConfig    `toml:"recovery"`
	RateLimit     RateLimitConfig   `toml:"ratelimit"`
	Classifier    ClassifierConfig  `toml:"classifier"`
	Targets       TargetsConfig     `toml:"targets"`
	Tmux          TmuxConfig        `toml:"tmux"`
	Notifications notify.Config     `toml:"notifications"`
	Journal       JournalConfig     `toml:"journal"`
	Daemon        DaemonConfig      `toml:"daemon"`
}

// MonitorConfig controls the tick loop and sampling.
type MonitorConfig struct {
	TickIntervalSec      int `toml:"tick_interval_sec"`     // Seconds between ticks
	SampleCount          int `toml:"sample_count"`          // Captures per target per tick
	SampleDelayMs        int `toml:"sample_delay_ms"`       // Delay between captures
	ChangeThreshold      int `toml:"change_threshold"`      // Edit distance above which a pane is changing
	CaptureLines         int `toml:"capture_lines"`         // Scrollback lines per capture
	MaxConcurrency       int `toml:"max_concurrency"`       // Targets sampled in parallel
	TargetTimeoutSec     int `toml:"target_timeout_sec"`    // Per-target sample+classify budget
	UnavailableThreshold int `toml:"unavailable_threshold"` // Consecutive failed ticks before removal
	HistorySize          int `toml:"history_size"`          // Classification results kept per target
}

// SuppressionConfig holds the independent suppression windows.
//
// Shorter windows react faster and notify more; longer windows are quieter
// and slower to react.
type SuppressionConfig struct {
	DiscoveryGraceSec   int `toml:"discovery_grace_sec"`   // New targets: no crash/idle action
	NotifyCooldownSec   int `toml:"notify_cooldown_sec"`   // Same finding not re-reported
	RecoveryCooldownSec int `toml:"recovery_cooldown_sec"` // Spacing between restart attempts
	SubmitCooldownSec   int `toml:"submit_cooldown_sec"`   // Spacing between auto-submits
}

// RecoveryConfig controls automatic recovery.
type RecoveryConfig struct {
	MaxRestartAttempts   int    `toml:"max_restart_attempts"`
	RestartCommand       string `toml:"restart_command"`
	ClearBeforeRestart   bool   `toml:"clear_before_restart"`
	KillExhaustedWindows bool   `toml:"kill_exhausted_windows"`
}

// RateLimitConfig controls rate-limit waits.
type RateLimitConfig struct {
	ClampCeilingMin int    `toml:"clamp_ceiling_min"` // Longest wait ever honored
	DefaultWaitMin  int    `toml:"default_wait_min"`  // Wait when no reset time is shown
	ResumeAfterWait bool   `toml:"resume_after_wait"`
	ResumeMessage   string `toml:"resume_message"`
	Persist         bool   `toml:"persist"` // Keep waits across daemon restarts
}

// ClassifierConfig locates the rule table.
type ClassifierConfig struct {
	RulesFile  string `toml:"rules_file"`  // YAML rule table merged over the built-in rules
	WatchRules bool   `toml:"watch_rules"` // Reload rules_file on change
}

// TargetsConfig controls discovery.
type TargetsConfig struct {
	PMPattern     string   `toml:"pm_pattern"`     // Window names that are managing agents
	IgnorePattern string   `toml:"ignore_pattern"` // Window names never monitored
	Sessions      []string `toml:"sessions"`       // Restrict to these sessions (empty = all)
}

// TmuxConfig configures the terminal host.
type TmuxConfig struct {
	Remote string `toml:"remote"` // ssh destination; empty for local tmux
}

// JournalConfig configures the decision journal.
type JournalConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"` // 0 keeps everything
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	StateDir string `toml:"state_dir"` // lock, pid and rate-limit files
}

const (
	DefaultPMPattern     = `(?i)^(pm|project[-_ ]?manager)`
	DefaultIgnorePattern = `(?i)^(shell|server|logs?|monitor)$`
)

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Monitor: MonitorConfig{
			TickIntervalSec:      30,
			SampleCount:          4,
			SampleDelayMs:        300,
			ChangeThreshold:      1,
			CaptureLines:         60,
			MaxConcurrency:       4,
			TargetTimeoutSec:     15,
			UnavailableThreshold: 3,
			HistorySize:          8,
		},
		Suppression: SuppressionConfig{
			DiscoveryGraceSec:   120,
			NotifyCooldownSec:   300,
			RecoveryCooldownSec: 60,
			SubmitCooldownSec:   30,
		},
		Recovery: RecoveryConfig{
			MaxRestartAttempts: 3,
			RestartCommand:     "claude --continue",
			ClearBeforeRestart: true,
		},
		RateLimit: RateLimitConfig{
			ClampCeilingMin: 240,
			DefaultWaitMin:  15,
			ResumeAfterWait: true,
			ResumeMessage:   "continue",
			Persist:         true,
		},
		Classifier: ClassifierConfig{
			WatchRules: true,
		},
		Targets: TargetsConfig{
			PMPattern:     DefaultPMPattern,
			IgnorePattern: DefaultIgnorePattern,
		},
		Notifications: notify.DefaultConfig(),
		Journal: JournalConfig{
			Enabled:       true,
			Path:          "~/.local/state/paneward/journal.db",
			RetentionDays: 7,
		},
		Daemon: DaemonConfig{
			StateDir: "~/.local/state/paneward",
		},
	}
}

func (m MonitorConfig) TickInterval() time.Duration {
	return time.Duration(m.TickIntervalSec) * time.Second
}

func (m MonitorConfig) SampleDelay() time.Duration {
	return time.Duration(m.SampleDelayMs) * time.Millisecond
}

func (m MonitorConfig) TargetTimeout() time.Duration {
	return time.Duration(m.TargetTimeoutSec) * time.Second
}

func (s SuppressionConfig) DiscoveryGrace() time.Duration {
	return time.Duration(s.DiscoveryGraceSec) * time.Second
}

func (s SuppressionConfig) NotifyCooldown() time.Duration {
	return time.Duration(s.NotifyCooldownSec) * time.Second
}

func (s SuppressionConfig) RecoveryCooldown() time.Duration {
	return time.Duration(s.RecoveryCooldownSec) * time.Second
}

func (s SuppressionConfig) SubmitCooldown() time.Duration {
	return time.Duration(s.SubmitCooldownSec) * time.Second
}

func (r RateLimitConfig) ClampCeiling() time.Duration {
	return time.Duration(r.ClampCeilingMin) * time.Minute
}

func (r RateLimitConfig) DefaultWait() time.Duration {
	return time.Duration(r.DefaultWaitMin) * time.Minute
}

// Retention returns how long journal rows are kept; zero keeps everything.
func (j JournalConfig) Retention() time.Duration {
	return time.Duration(j.RetentionDays) * 24 * time.Hour
}

// StatePath returns name inside the expanded state directory.
func (d DaemonConfig) StatePath(name string) string {
	return filepath.Join(util.ExpandHome(d.StateDir), name)
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	if env := os.Getenv("PANEWARD_CONFIG"); env != "" {
		return util.ExpandHome(env)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "paneward", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		// Fallback to /tmp when home directory is unavailable (e.g., containers)
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "paneward", "config.toml")
}

// Load reads the config file at path (DefaultPath when empty). A missing
// file yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	// 1. Initialize with defaults
	cfg := Default()

	// 2. Read and unmarshal TOML over defaults
	if data, err := os.ReadFile(util.ExpandHome(path)); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// 3. Apply Environment Variable Overrides (Env > TOML > Default)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "1" || v == "true"
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func applyEnvOverrides(cfg *Config) {
	envInt("PANEWARD_TICK_INTERVAL_SEC", &cfg.Monitor.TickIntervalSec)
	envInt("PANEWARD_MAX_CONCURRENCY", &cfg.Monitor.MaxConcurrency)
	envInt("PANEWARD_DISCOVERY_GRACE_SEC", &cfg.Suppression.DiscoveryGraceSec)
	envInt("PANEWARD_NOTIFY_COOLDOWN_SEC", &cfg.Suppression.NotifyCooldownSec)
	envInt("PANEWARD_MAX_RESTART_ATTEMPTS", &cfg.Recovery.MaxRestartAttempts)
	envString("PANEWARD_RESTART_COMMAND", &cfg.Recovery.RestartCommand)
	envString("PANEWARD_RULES_FILE", &cfg.Classifier.RulesFile)
	envString("PANEWARD_TMUX_REMOTE", &cfg.Tmux.Remote)
	envString("PANEWARD_STATE_DIR", &cfg.Daemon.StateDir)
	envBool("PANEWARD_JOURNAL_ENABLED", &cfg.Journal.Enabled)
	envString("PANEWARD_JOURNAL_PATH", &cfg.Journal.Path)
	envBool("PANEWARD_NATS_ENABLED", &cfg.Notifications.NATS.Enabled)
	envString("PANEWARD_NATS_URL", &cfg.Notifications.NATS.URL)
	envString("PANEWARD_NATS_TOKEN", &cfg.Notifications.NATS.Token)
}

// CreateDefault writes the default config to path (DefaultPath when empty).
func CreateDefault(path string) (string, error) {
	if path == "" {
		path = DefaultPath()
	}
	path = util.ExpandHome(path)

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	// Check if file already exists
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file already exists: %s", path)
	}

	var buffer strings.Builder
	if err := Print(Default(), &buffer); err != nil {
		return "", err
	}
	if err := util.AtomicWriteFile(path, []byte(buffer.String()), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Print writes cfg as a commented TOML file.
func Print(cfg *Config, w io.Writer) error {
	fmt.Fprintln(w, "# paneward configuration")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[monitor]")
	fmt.Fprintf(w, "tick_interval_sec = %d\n", cfg.Monitor.TickIntervalSec)
	fmt.Fprintf(w, "sample_count = %d  # captures per target per tick\n", cfg.Monitor.SampleCount)
	fmt.Fprintf(w, "sample_delay_ms = %d\n", cfg.Monitor.SampleDelayMs)
	fmt.Fprintf(w, "change_threshold = %d  # edit distance that counts as activity\n", cfg.Monitor.ChangeThreshold)
	fmt.Fprintf(w, "capture_lines = %d\n", cfg.Monitor.CaptureLines)
	fmt.Fprintf(w, "max_concurrency = %d\n", cfg.Monitor.MaxConcurrency)
	fmt.Fprintf(w, "target_timeout_sec = %d\n", cfg.Monitor.TargetTimeoutSec)
	fmt.Fprintf(w, "unavailable_threshold = %d\n", cfg.Monitor.UnavailableThreshold)
	fmt.Fprintf(w, "history_size = %d\n", cfg.Monitor.HistorySize)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[suppression]")
	fmt.Fprintln(w, "# Shorter windows react faster but notify more.")
	fmt.Fprintf(w, "discovery_grace_sec = %d\n", cfg.Suppression.DiscoveryGraceSec)
	fmt.Fprintf(w, "notify_cooldown_sec = %d\n", cfg.Suppression.NotifyCooldownSec)
	fmt.Fprintf(w, "recovery_cooldown_sec = %d\n", cfg.Suppression.RecoveryCooldownSec)
	fmt.Fprintf(w, "submit_cooldown_sec = %d\n", cfg.Suppression.SubmitCooldownSec)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[recovery]")
	fmt.Fprintf(w, "max_restart_attempts = %d\n", cfg.Recovery.MaxRestartAttempts)
	fmt.Fprintf(w, "restart_command = %q\n", cfg.Recovery.RestartCommand)
	fmt.Fprintf(w, "clear_before_restart = %t\n", cfg.Recovery.ClearBeforeRestart)
	fmt.Fprintf(w, "kill_exhausted_windows = %t\n", cfg.Recovery.KillExhaustedWindows)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[ratelimit]")
	fmt.Fprintf(w, "clamp_ceiling_min = %d\n", cfg.RateLimit.ClampCeilingMin)
	fmt.Fprintf(w, "default_wait_min = %d\n", cfg.RateLimit.DefaultWaitMin)
	fmt.Fprintf(w, "resume_after_wait = %t\n", cfg.RateLimit.ResumeAfterWait)
	fmt.Fprintf(w, "resume_message = %q\n", cfg.RateLimit.ResumeMessage)
	fmt.Fprintf(w, "persist = %t\n", cfg.RateLimit.Persist)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[classifier]")
	if cfg.Classifier.RulesFile != "" {
		fmt.Fprintf(w, "rules_file = %q\n", cfg.Classifier.RulesFile)
	} else {
		fmt.Fprintln(w, "# rules_file = \"~/.config/paneward/rules.yaml\"")
	}
	fmt.Fprintf(w, "watch_rules = %t\n", cfg.Classifier.WatchRules)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[targets]")
	fmt.Fprintf(w, "pm_pattern = %q\n", cfg.Targets.PMPattern)
	fmt.Fprintf(w, "ignore_pattern = %q\n", cfg.Targets.IgnorePattern)
	if len(cfg.Targets.Sessions) > 0 {
		quoted := make([]string, len(cfg.Targets.Sessions))
		for i, s := range cfg.Targets.Sessions {
			quoted[i] = strconv.Quote(s)
		}
		fmt.Fprintf(w, "sessions = [%s]\n", strings.Join(quoted, ", "))
	} else {
		fmt.Fprintln(w, "# sessions = []  # empty monitors every session")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[tmux]")
	if cfg.Tmux.Remote != "" {
		fmt.Fprintf(w, "remote = %q\n", cfg.Tmux.Remote)
	} else {
		fmt.Fprintln(w, "# remote = \"user@host\"")
	}
	fmt.Fprintln(w)

	n := cfg.Notifications
	fmt.Fprintln(w, "[notifications]")
	fmt.Fprintf(w, "enabled = %t\n", n.Enabled)
	fmt.Fprintf(w, "min_interval_sec = %d\n", n.MinIntervalSec)
	fmt.Fprintf(w, "width = %d\n", n.Width)
	fmt.Fprintf(w, "detail_width = %d\n", n.DetailWidth)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[notifications.tmux]")
	fmt.Fprintf(w, "enabled = %t\n", n.Tmux.Enabled)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[notifications.nats]")
	fmt.Fprintf(w, "enabled = %t\n", n.NATS.Enabled)
	fmt.Fprintf(w, "url = %q\n", n.NATS.URL)
	if n.NATS.Token != "" {
		fmt.Fprintln(w, "token = \"********\"")
	}
	fmt.Fprintf(w, "subject_prefix = %q\n", n.NATS.SubjectPrefix)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[notifications.log]")
	fmt.Fprintf(w, "enabled = %t\n", n.Log.Enabled)
	fmt.Fprintf(w, "path = %q\n", n.Log.Path)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[journal]")
	fmt.Fprintf(w, "enabled = %t\n", cfg.Journal.Enabled)
	fmt.Fprintf(w, "path = %q\n", cfg.Journal.Path)
	fmt.Fprintf(w, "retention_days = %d\n", cfg.Journal.RetentionDays)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[daemon]")
	fmt.Fprintf(w, "state_dir = %q\n", cfg.Daemon.StateDir)

	return nil
}

// Validate checks cfg and returns every problem found.
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{fmt.Errorf("config is nil")}
	}

	var errs []error
	atLeast := func(name string, v, min int) {
		if v < min {
			errs = append(errs, fmt.Errorf("%s: must be at least %d, got %d", name, min, v))
		}
	}

	m := cfg.Monitor
	atLeast("monitor.tick_interval_sec", m.TickIntervalSec, 1)
	atLeast("monitor.sample_count", m.SampleCount, 2)
	atLeast("monitor.sample_delay_ms", m.SampleDelayMs, 0)
	atLeast("monitor.change_threshold", m.ChangeThreshold, 0)
	atLeast("monitor.capture_lines", m.CaptureLines, 1)
	atLeast("monitor.max_concurrency", m.MaxConcurrency, 1)
	atLeast("monitor.target_timeout_sec", m.TargetTimeoutSec, 1)
	atLeast("monitor.unavailable_threshold", m.UnavailableThreshold, 1)
	atLeast("monitor.history_size", m.HistorySize, 1)

	s := cfg.Suppression
	atLeast("suppression.discovery_grace_sec", s.DiscoveryGraceSec, 0)
	atLeast("suppression.notify_cooldown_sec", s.NotifyCooldownSec, 0)
	atLeast("suppression.recovery_cooldown_sec", s.RecoveryCooldownSec, 0)
	atLeast("suppression.submit_cooldown_sec", s.SubmitCooldownSec, 0)

	atLeast("recovery.max_restart_attempts", cfg.Recovery.MaxRestartAttempts, 0)
	if strings.TrimSpace(cfg.Recovery.RestartCommand) == "" {
		errs = append(errs, fmt.Errorf("recovery.restart_command: must not be empty"))
	}

	atLeast("ratelimit.clamp_ceiling_min", cfg.RateLimit.ClampCeilingMin, 1)
	atLeast("ratelimit.default_wait_min", cfg.RateLimit.DefaultWaitMin, 1)
	if cfg.RateLimit.DefaultWaitMin > cfg.RateLimit.ClampCeilingMin {
		errs = append(errs, fmt.Errorf("ratelimit.default_wait_min: must not exceed clamp_ceiling_min (%d > %d)",
			cfg.RateLimit.DefaultWaitMin, cfg.RateLimit.ClampCeilingMin))
	}

	patterns := []struct{ name, pattern string }{
		{"targets.pm_pattern", cfg.Targets.PMPattern},
		{"targets.ignore_pattern", cfg.Targets.IgnorePattern},
	}
	for _, p := range patterns {
		if p.pattern == "" {
			continue
		}
		if _, err := regexp.Compile(p.pattern); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}

	n := cfg.Notifications
	atLeast("notifications.min_interval_sec", n.MinIntervalSec, 0)
	atLeast("notifications.width", n.Width, 0)
	atLeast("notifications.detail_width", n.DetailWidth, 0)
	if n.NATS.Enabled && strings.TrimSpace(n.NATS.URL) == "" {
		errs = append(errs, fmt.Errorf("notifications.nats.url: required when nats is enabled"))
	}
	if n.Log.Enabled && strings.TrimSpace(n.Log.Path) == "" {
		errs = append(errs, fmt.Errorf("notifications.log.path: required when log is enabled"))
	}

	if cfg.Journal.Enabled && strings.TrimSpace(cfg.Journal.Path) == "" {
		errs = append(errs, fmt.Errorf("journal.path: required when the journal is enabled"))
	}
	atLeast("journal.retention_days", cfg.Journal.RetentionDays, 0)

	if strings.TrimSpace(cfg.Daemon.StateDir) == "" {
		errs = append(errs, fmt.Errorf("daemon.state_dir: must not be empty"))
	}

	return errs
}
