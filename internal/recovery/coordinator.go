// Package recovery decides and performs recovery actions for classified panes.
package recovery

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Dicklesworthstone/paneward/internal/agent"
	"github.com/Dicklesworthstone/paneward/internal/ratelimit"
	"github.com/Dicklesworthstone/paneward/internal/suppress"
)

// ActionKind is what the coordinator wants done for a target.
type ActionKind string

const (
	ActionNone          ActionKind = "none"
	ActionAutoSubmit    ActionKind = "auto_submit"
	ActionAutoRestart   ActionKind = "auto_restart"
	ActionNotifyManager ActionKind = "notify_manager"
	ActionWaitRateLimit ActionKind = "wait_rate_limit"
	ActionResume        ActionKind = "resume"
)

// Action is the coordinator's decision for one classification.
type Action struct {
	Kind    ActionKind
	Target  agent.Target
	Wait    time.Duration // ActionWaitRateLimit only
	Attempt int           // restart attempt number for ActionAutoRestart
	Reason  string

	// Exhausted marks a notifyManager caused by the restart cap.
	Exhausted bool
	// Recovered is set when a target with restart history is active again.
	Recovered bool
}

// Outcome of the latest restart attempt.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Attempt tracks the restarts of one crash episode.
type Attempt struct {
	Number        int
	LastAttemptAt time.Time
	Outcome       Outcome
	Exhausted     bool // cap reached, no more restarts this episode
	Notified      bool // manager told about exhaustion
}

// Config holds the coordinator's policy knobs.
type Config struct {
	// MaxRestartAttempts caps restarts per crash episode.
	// Default: 3
	MaxRestartAttempts int

	// RecoveryCooldown is the minimum spacing between restart attempts.
	// Default: 1 minute
	RecoveryCooldown time.Duration

	// SubmitCooldown is the minimum spacing between auto-submits.
	// Default: 30 seconds
	SubmitCooldown time.Duration

	// ResumeAfterWait sends a resume once a rate-limit wait has elapsed.
	// Default: true
	ResumeAfterWait bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRestartAttempts: 3,
		RecoveryCooldown:   time.Minute,
		SubmitCooldown:     30 * time.Second,
		ResumeAfterWait:    true,
	}
}

// Coordinator maps classifications to recovery actions and keeps the
// per-target bookkeeping. It is not safe for concurrent use; the daemon calls
// it from its serialized aggregation phase.
type Coordinator struct {
	config   Config
	registry *suppress.Registry
	waits    *ratelimit.Tracker
	attempts map[string]*Attempt
	now      func() time.Time
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator sharing the daemon's registry and
// rate-limit tracker.
func NewCoordinator(cfg Config, registry *suppress.Registry, waits *ratelimit.Tracker, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	if cfg.MaxRestartAttempts < 0 {
		cfg.MaxRestartAttempts = 0
	}
	return &Coordinator{
		config:   cfg,
		registry: registry,
		waits:    waits,
		attempts: make(map[string]*Attempt),
		now:      now,
	}
}

// WithLogger sets the logger.
func (c *Coordinator) WithLogger(logger *slog.Logger) *Coordinator {
	c.logger = logger
	return c
}

func (c *Coordinator) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

// Handle decides the action for one classification result.
func (c *Coordinator) Handle(res agent.Result) Action {
	key := res.Target.Key()
	now := c.now()
	act := Action{Kind: ActionNone, Target: res.Target}

	if res.State == agent.StateActive {
		c.waits.Clear(key)
		if a, ok := c.attempts[key]; ok {
			delete(c.attempts, key)
			act.Recovered = true
			act.Reason = fmt.Sprintf("active again after %d restart attempt(s)", a.Number)
			c.log().Info("[Recovery] episode_reset",
				"target", key,
				"attempts", a.Number,
				"last_outcome", a.Outcome)
			return act
		}
		act.Reason = "active"
		return act
	}

	if remaining := c.waits.Remaining(key, now); remaining > 0 {
		act.Reason = fmt.Sprintf("rate-limit wait active, %s left", ratelimit.FormatDelay(remaining))
		return act
	}

	if w, ok := c.waits.Get(key); ok && !w.Resumed {
		c.waits.MarkResumed(key)
		if c.config.ResumeAfterWait && (res.State == agent.StateRateLimited || res.State == agent.StateIdle) {
			act.Kind = ActionResume
			act.Reason = fmt.Sprintf("rate-limit wait of %s elapsed", ratelimit.FormatDelay(w.Until.Sub(w.Since)))
			return act
		}
	}

	switch res.State {
	case agent.StateUnsubmitted:
		if c.registry.ShouldSuppress(key, suppress.SubmitCooldown) {
			act.Reason = "submit cooldown active"
			return act
		}
		c.registry.MarkSuppressed(key, suppress.SubmitCooldown, c.config.SubmitCooldown)
		act.Kind = ActionAutoSubmit
		act.Reason = "typed input not submitted"
		return act

	case agent.StateCrashed:
		return c.handleCrash(res, act, now)

	case agent.StateRateLimited:
		c.waits.Start(key, now, now.Add(res.ResetIn), res.Detail)
		act.Kind = ActionWaitRateLimit
		act.Wait = res.ResetIn
		act.Reason = res.Detail
		return act
	}

	act.Reason = string(res.State)
	return act
}

func (c *Coordinator) handleCrash(res agent.Result, act Action, now time.Time) Action {
	key := res.Target.Key()
	a, ok := c.attempts[key]
	if !ok {
		a = &Attempt{}
		c.attempts[key] = a
	}

	if !a.Exhausted && a.Number >= c.config.MaxRestartAttempts {
		a.Exhausted = true
	}
	if a.Exhausted {
		if a.Notified {
			act.Reason = "restart attempts exhausted, manager already notified"
			return act
		}
		a.Notified = true
		act.Kind = ActionNotifyManager
		act.Exhausted = true
		act.Attempt = a.Number
		act.Reason = fmt.Sprintf("crashed after %d restart attempt(s), not restarting again", a.Number)
		c.log().Warn("[Recovery] attempts_exhausted",
			"target", key,
			"attempts", a.Number,
			"max", c.config.MaxRestartAttempts)
		return act
	}

	if c.registry.ShouldSuppress(key, suppress.RecoveryCooldown) {
		act.Reason = fmt.Sprintf("recovery cooldown active, %s left",
			ratelimit.FormatDelay(c.registry.Remaining(key, suppress.RecoveryCooldown)))
		return act
	}

	a.Number++
	a.LastAttemptAt = now
	a.Outcome = OutcomePending
	c.registry.MarkSuppressed(key, suppress.RecoveryCooldown, c.config.RecoveryCooldown)

	act.Kind = ActionAutoRestart
	act.Attempt = a.Number
	act.Reason = fmt.Sprintf("crash detected (%s), restart attempt %d of %d", res.Rule, a.Number, c.config.MaxRestartAttempts)
	return act
}

// RecordRestartResult feeds back whether the restart command could be sent.
// A failure counts as a failed attempt; at the cap the episode is exhausted.
func (c *Coordinator) RecordRestartResult(target agent.Target, err error) {
	a, ok := c.attempts[target.Key()]
	if !ok {
		return
	}
	if err == nil {
		a.Outcome = OutcomePending
		return
	}
	a.Outcome = OutcomeFailed
	if a.Number >= c.config.MaxRestartAttempts {
		a.Exhausted = true
	}
	c.log().Warn("[Recovery] restart_failed",
		"target", target.Key(),
		"attempt", a.Number,
		"exhausted", a.Exhausted,
		"error", err)
}

// Attempt returns a copy of the restart bookkeeping for target.
func (c *Coordinator) Attempt(target agent.Target) (Attempt, bool) {
	a, ok := c.attempts[target.Key()]
	if !ok {
		return Attempt{}, false
	}
	return *a, true
}

// Forget drops all state for a target that disappeared or was re-created.
func (c *Coordinator) Forget(target agent.Target) {
	key := target.Key()
	delete(c.attempts, key)
	c.waits.Clear(key)
	c.registry.Lift(key, suppress.RecoveryCooldown)
	c.registry.Lift(key, suppress.SubmitCooldown)
}
