package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Host is the slice of the terminal host the executor drives.
type Host interface {
	SendKeys(ctx context.Context, target, text string, submit bool) error
	KillWindow(ctx context.Context, target string) error
}

// ExecutorConfig holds the terminal side of recovery.
type ExecutorConfig struct {
	// RestartCommand is typed into a crashed pane's shell.
	// Default: "claude --continue"
	RestartCommand string

	// ClearBeforeRestart runs `clear` first so the old prompt is not
	// re-read as a crash on the next tick.
	// Default: true
	ClearBeforeRestart bool

	// ResumeMessage is sent after a rate-limit wait elapses. Empty sends a bare Enter.
	// Default: "continue"
	ResumeMessage string

	// KillExhaustedWindows kills a window once its exhaustion has been reported.
	// Default: false
	KillExhaustedWindows bool
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		RestartCommand:     "claude --continue",
		ClearBeforeRestart: true,
		ResumeMessage:      "continue",
	}
}

// Executor performs actions against the terminal host. It never waits for
// an action to take effect; the next tick re-classifies.
type Executor struct {
	host   Host
	config ExecutorConfig
	logger *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(host Host, cfg ExecutorConfig) *Executor {
	return &Executor{host: host, config: cfg}
}

// WithLogger sets the logger.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	e.logger = logger
	return e
}

func (e *Executor) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// Killed reports whether Apply destroys the window for this action.
func (e *Executor) Killed(a Action) bool {
	return a.Kind == ActionNotifyManager && a.Exhausted && e.config.KillExhaustedWindows
}

// Apply performs the terminal side effects of a. Actions without side
// effects (none, wait, plain notify) return nil.
func (e *Executor) Apply(ctx context.Context, a Action) error {
	target := a.Target.String()
	start := time.Now()

	switch a.Kind {
	case ActionAutoSubmit:
		if err := e.host.SendKeys(ctx, target, "", true); err != nil {
			return fmt.Errorf("auto-submit %s: %w", target, err)
		}

	case ActionAutoRestart:
		if e.config.RestartCommand == "" {
			return fmt.Errorf("restart %s: no restart command configured", target)
		}
		if e.config.ClearBeforeRestart {
			if err := e.host.SendKeys(ctx, target, "clear", true); err != nil {
				e.log().Warn("[Recovery] clear_pane_failed",
					"target", target,
					"error", err)
			}
		}
		if err := e.host.SendKeys(ctx, target, e.config.RestartCommand, true); err != nil {
			e.log().Error("[Recovery] restart_failed",
				"target", target,
				"stage", "spawn",
				"attempt", a.Attempt,
				"error", err,
				"duration", time.Since(start))
			return fmt.Errorf("restart %s: %w", target, err)
		}

	case ActionResume:
		if err := e.host.SendKeys(ctx, target, e.config.ResumeMessage, true); err != nil {
			return fmt.Errorf("resume %s: %w", target, err)
		}

	case ActionNotifyManager:
		if !e.Killed(a) {
			return nil
		}
		if err := e.host.KillWindow(ctx, target); err != nil {
			return fmt.Errorf("kill exhausted window %s: %w", target, err)
		}

	default:
		return nil
	}

	e.log().Info("[Recovery] action_applied",
		"target", target,
		"action", a.Kind,
		"attempt", a.Attempt,
		"duration", time.Since(start))
	return nil
}
