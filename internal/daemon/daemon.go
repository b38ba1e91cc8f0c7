// Package daemon runs the supervisory loop: discover targets, sample and
// classify them concurrently, then decide, act, notify and journal in one
// serialized pass per tick.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/paneward/internal/agent"
	"github.com/Dicklesworthstone/paneward/internal/config"
	"github.com/Dicklesworthstone/paneward/internal/journal"
	"github.com/Dicklesworthstone/paneward/internal/notify"
	"github.com/Dicklesworthstone/paneward/internal/ratelimit"
	"github.com/Dicklesworthstone/paneward/internal/recovery"
	"github.com/Dicklesworthstone/paneward/internal/sampler"
	"github.com/Dicklesworthstone/paneward/internal/suppress"
	"github.com/Dicklesworthstone/paneward/internal/tmux"
	"github.com/Dicklesworthstone/paneward/internal/util"
)

// Host is the terminal host the daemon supervises.
type Host interface {
	ListSessions(ctx context.Context) ([]string, error)
	ListWindows(ctx context.Context, session string) ([]tmux.Window, error)
	CapturePane(ctx context.Context, target string) (string, error)
	SendKeys(ctx context.Context, target, text string, submit bool) error
	KillWindow(ctx context.Context, target string) error
}

// Journal records decisions. *journal.Store implements it.
type Journal interface {
	Record(ctx context.Context, decisions []journal.Decision) error
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// TickReport summarizes one tick.
type TickReport struct {
	ID          string
	StartedAt   time.Time
	Duration    time.Duration
	Classified  int
	Discovered  int
	Removed     int
	Unavailable int
	Actions     map[recovery.ActionKind]int
	Findings    int
	Delivered   []notify.OutboundMessage
	Failed      int // messages requeued after delivery failed
	Decisions   []journal.Decision
	Suppressed  []suppress.Entry // entries still active when the tick ended
}

// Daemon owns the collaborators of the loop. Ticks never overlap.
type Daemon struct {
	config     *config.Config
	host       Host
	classifier *agent.Classifier
	sampler    *sampler.Sampler
	executor   *recovery.Executor
	deliverer  notify.Deliverer
	journal    Journal
	state      *State

	pmPattern     *regexp.Regexp
	ignorePattern *regexp.Regexp

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger

	tickMu  sync.Mutex
	closers []func() error
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithClock sets the clock used for every time decision.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) {
		if now != nil {
			d.now = now
		}
	}
}

// WithSleep replaces the pause between captures.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Daemon) {
		d.sleep = sleep
	}
}

// WithDeliverer sets the notification deliverer instead of building one
// from the notifications config.
func WithDeliverer(del notify.Deliverer) Option {
	return func(d *Daemon) {
		d.deliverer = del
	}
}

// WithJournal sets the decision journal instead of opening journal.path.
func WithJournal(j Journal) Option {
	return func(d *Daemon) {
		d.journal = j
	}
}

// WithClassifier sets the classifier instead of loading classifier.rules_file.
func WithClassifier(c *agent.Classifier) Option {
	return func(d *Daemon) {
		d.classifier = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) {
		d.logger = logger
	}
}

// New builds a daemon from a validated configuration.
func New(cfg *config.Config, host Host, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	d := &Daemon{
		config: cfg,
		host:   host,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	var err error
	if d.pmPattern, err = compileOptional(cfg.Targets.PMPattern); err != nil {
		return nil, fmt.Errorf("targets.pm_pattern: %w", err)
	}
	if d.ignorePattern, err = compileOptional(cfg.Targets.IgnorePattern); err != nil {
		return nil, fmt.Errorf("targets.ignore_pattern: %w", err)
	}

	if d.classifier == nil {
		rules, err := agent.LoadEffectiveRules(util.ExpandHome(cfg.Classifier.RulesFile))
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		d.classifier = agent.NewClassifier(rules, agent.ClassifierConfig{
			RateLimitCeiling:     cfg.RateLimit.ClampCeiling(),
			RateLimitDefaultWait: cfg.RateLimit.DefaultWait(),
		})
	}

	d.sampler = sampler.New(host, d.classifier.Normalize, sampler.Config{
		Count:     cfg.Monitor.SampleCount,
		Delay:     cfg.Monitor.SampleDelay(),
		Threshold: cfg.Monitor.ChangeThreshold,
	}).WithClock(d.now).WithLogger(d.logger)
	if d.sleep != nil {
		d.sampler.WithSleep(d.sleep)
	}

	d.executor = recovery.NewExecutor(host, recovery.ExecutorConfig{
		RestartCommand:       cfg.Recovery.RestartCommand,
		ClearBeforeRestart:   cfg.Recovery.ClearBeforeRestart,
		ResumeMessage:        cfg.RateLimit.ResumeMessage,
		KillExhaustedWindows: cfg.Recovery.KillExhaustedWindows,
	}).WithLogger(d.logger)

	if d.deliverer == nil {
		multi, err := notify.Build(cfg.Notifications, host)
		if err != nil {
			return nil, fmt.Errorf("build deliverers: %w", err)
		}
		d.closers = append(d.closers, multi.Close)
		if len(multi.Channels()) > 0 {
			d.deliverer = multi
		} else {
			d.log().Info("[Daemon] notifications_disabled",
				"reason", "no delivery channel enabled")
		}
	}

	if d.journal == nil && cfg.Journal.Enabled {
		store, err := journal.Open(util.ExpandHome(cfg.Journal.Path))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if err := store.Migrate(); err != nil {
			store.Close()
			d.Close()
			return nil, err
		}
		d.journal = store
		d.closers = append(d.closers, store.Close)
	}

	var waits *ratelimit.Tracker
	if cfg.RateLimit.Persist {
		waits = ratelimit.NewTracker(util.ExpandHome(cfg.Daemon.StateDir))
		if err := waits.LoadFromDir("", d.now()); err != nil {
			d.log().Warn("[Daemon] ratelimit_load_failed", "error", err)
		}
	}
	d.state = NewState(recovery.Config{
		MaxRestartAttempts: cfg.Recovery.MaxRestartAttempts,
		RecoveryCooldown:   cfg.Suppression.RecoveryCooldown(),
		SubmitCooldown:     cfg.Suppression.SubmitCooldown(),
		ResumeAfterWait:    cfg.RateLimit.ResumeAfterWait,
	}, cfg.Notifications.MinInterval(), waits, d.now)
	d.state.Recovery.WithLogger(d.logger)
	d.state.Batcher.WithLogger(d.logger)

	return d, nil
}

func compileOptional(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

func (d *Daemon) log() *slog.Logger {
	if d.logger != nil {
		return d.logger
	}
	return slog.Default()
}

// State returns the daemon's own state, the one Run ticks.
func (d *Daemon) State() *State {
	return d.state
}

// Classifier returns the classifier in use.
func (d *Daemon) Classifier() *agent.Classifier {
	return d.classifier
}

// Close releases the deliverers and the journal opened by New.
func (d *Daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// slot is one worker's output. Each worker writes only its own slot.
type slot struct {
	target    agent.Target
	stability agent.Stability
	result    agent.Result
}

// Tick runs one full pass over st. The only error it returns is fatal: the
// host could not list sessions, or ctx was cancelled before aggregation.
func (d *Daemon) Tick(ctx context.Context, st *State) (TickReport, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	now := d.now()
	report := TickReport{
		ID:        uuid.NewString(),
		StartedAt: now,
		Actions:   make(map[recovery.ActionKind]int),
	}

	if err := d.discover(ctx, st, now, &report); err != nil {
		d.log().Error("[Daemon] discovery_failed",
			"tick", report.ID,
			"error", err)
		return report, err
	}

	slots := d.classify(ctx, st.present())
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("tick aborted: %w", err)
	}

	for _, s := range slots {
		dec := d.aggregate(ctx, st, s, &report)
		dec.TickID = report.ID
		report.Decisions = append(report.Decisions, dec)
	}

	d.flush(ctx, st, &report)
	d.record(ctx, report.Decisions)

	if d.config.RateLimit.Persist {
		if err := st.Waits.SaveToDir(""); err != nil {
			d.log().Warn("[Daemon] ratelimit_save_failed", "error", err)
		}
	}
	st.Registry.Sweep()
	report.Suppressed = st.Registry.Entries()

	report.Duration = d.now().Sub(now)
	d.log().Info("[Daemon] tick_complete",
		"tick", report.ID,
		"targets", report.Classified,
		"discovered", report.Discovered,
		"removed", report.Removed,
		"unavailable", report.Unavailable,
		"findings", report.Findings,
		"messages", len(report.Delivered),
		"failed", report.Failed,
		"duration", report.Duration)
	return report, nil
}

// classify samples and classifies every target on a bounded worker pool.
// A worker that exceeds the per-target timeout yields an unavailable slot.
func (d *Daemon) classify(ctx context.Context, targets []*tracked) []slot {
	slots := make([]slot, len(targets))

	var g errgroup.Group
	g.SetLimit(d.config.Monitor.MaxConcurrency)
	for i, t := range targets {
		target := t.target
		previous := t.lastState()
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, d.config.Monitor.TargetTimeout())
			defer cancel()

			st := d.sampler.Sample(tctx, target)
			slots[i] = slot{
				target:    target,
				stability: st,
				result:    d.classifier.Classify(target, st, previous),
			}
			return nil
		})
	}
	_ = g.Wait()
	return slots
}

// aggregate applies one slot to the state and returns the decision taken.
func (d *Daemon) aggregate(ctx context.Context, st *State, s slot, report *TickReport) journal.Decision {
	key := s.target.Key()
	now := d.now()
	dec := journal.Decision{At: now, Target: key, Action: string(recovery.ActionNone)}

	t, ok := st.targets[key]
	if !ok {
		dec.State = "untracked"
		dec.Reason = "target removed during tick"
		return dec
	}

	if s.stability.Unavailable {
		return d.unavailable(st, t, s, dec, report)
	}
	t.unavailable = 0
	report.Classified++

	res := s.result
	t.observe(s.stability, res, d.config.Monitor.SampleCount, d.config.Monitor.HistorySize)
	dec.State = string(res.State)
	dec.Detail = res.Detail

	if res.State == agent.StateActive {
		st.Registry.Lift(key, suppress.NotifiedCooldown)
	}

	if (res.State == agent.StateCrashed || res.State == agent.StateIdle) &&
		st.Registry.ShouldSuppress(key, suppress.DiscoveryGrace) {
		dec.Reason = fmt.Sprintf("discovery grace, %s left",
			ratelimit.FormatDelay(st.Registry.Remaining(key, suppress.DiscoveryGrace)))
		d.log().Info("[Daemon] verdict_suppressed",
			"target", key,
			"state", res.State,
			"reason", dec.Reason)
		return dec
	}

	act := st.Recovery.Handle(res)
	dec.Action = string(act.Kind)
	dec.Reason = act.Reason
	report.Actions[act.Kind]++

	actx, cancel := context.WithTimeout(ctx, d.config.Monitor.TargetTimeout())
	err := d.executor.Apply(actx, act)
	cancel()
	if err != nil {
		dec.Reason += "; failed: " + err.Error()
		d.log().Warn("[Daemon] action_failed",
			"target", key,
			"action", act.Kind,
			"error", err)
	}

	finding := notify.Finding{Target: s.target, Result: res, At: now}
	switch act.Kind {
	case recovery.ActionAutoRestart:
		st.Recovery.RecordRestartResult(s.target, err)
		if err != nil {
			finding.Kind = notify.KindRestartFailed
			finding.Detail = err.Error()
		} else {
			finding.Kind = notify.KindCrashed
			finding.Detail = act.Reason
		}
		d.report(st, finding, report)

	case recovery.ActionNotifyManager:
		if act.Exhausted {
			finding.Kind = notify.KindRecoveryExhausted
			finding.Detail = act.Reason
			if err == nil && d.executor.Killed(act) {
				finding.Detail += ", window killed"
			}
			d.report(st, finding, report)
		}
		if err == nil && d.executor.Killed(act) {
			st.forget(s.target)
			report.Removed++
		}

	case recovery.ActionWaitRateLimit:
		finding.Kind = notify.KindRateLimited
		finding.Detail = res.Detail
		d.report(st, finding, report)

	case recovery.ActionNone:
		switch {
		case act.Recovered:
			finding.Kind = notify.KindRestarted
			finding.Detail = act.Reason
			d.report(st, finding, report)
		case res.State == agent.StateIdle && !st.Waits.Active(key, now):
			if st.Registry.ShouldSuppress(key, suppress.NotifiedCooldown) {
				dec.Reason = "idle, already reported"
				break
			}
			finding.Kind = notify.KindIdle
			finding.Detail = res.Detail
			if d.report(st, finding, report) {
				st.Registry.MarkSuppressed(key, suppress.NotifiedCooldown, d.config.Suppression.NotifyCooldown())
			}
		}
	}
	return dec
}

func (d *Daemon) unavailable(st *State, t *tracked, s slot, dec journal.Decision, report *TickReport) journal.Decision {
	t.unavailable++
	report.Unavailable++
	threshold := d.config.Monitor.UnavailableThreshold

	dec.State = "unavailable"
	dec.Reason = fmt.Sprintf("capture failed %d/%d", t.unavailable, threshold)
	if s.stability.Err != nil {
		dec.Detail = s.stability.Err.Error()
	}

	if t.unavailable >= threshold {
		st.forget(t.target)
		report.Removed++
		dec.Reason += ", target removed"
		d.log().Warn("[Daemon] target_removed",
			"target", t.target.Key(),
			"reason", "unavailable",
			"error", s.stability.Err)
		return dec
	}
	d.log().Debug("[Daemon] target_unavailable",
		"target", t.target.Key(),
		"count", t.unavailable,
		"error", s.stability.Err)
	return dec
}

// report hands a finding to the batcher, which routes it to the manager of
// the finding's own session. Without a manager it is logged and dropped.
func (d *Daemon) report(st *State, f notify.Finding, report *TickReport) bool {
	key := f.Target.Key()
	if d.deliverer == nil {
		d.log().Debug("[Daemon] finding_dropped",
			"target", key,
			"kind", f.Kind,
			"reason", "notifications disabled")
		return false
	}
	manager, err := st.Batcher.AddFinding(f)
	switch {
	case errors.Is(err, notify.ErrNoManager):
		d.log().Info("[Daemon] finding_dropped",
			"target", key,
			"kind", f.Kind,
			"reason", "no manager in session")
		return false
	case errors.Is(err, notify.ErrSelfReport):
		d.log().Info("[Daemon] finding_dropped",
			"target", key,
			"kind", f.Kind,
			"reason", "target is the manager")
		return false
	case err != nil:
		d.log().Warn("[Daemon] finding_rejected",
			"target", key,
			"error", err)
		return false
	}
	report.Findings++
	d.log().Info("[Daemon] finding_queued",
		"target", key,
		"manager", manager.Key(),
		"kind", f.Kind)
	return true
}

// flush delivers at most one message per manager, each bounded by the
// per-target timeout. Undelivered messages go back to the batcher for the
// next tick.
func (d *Daemon) flush(ctx context.Context, st *State, report *TickReport) {
	if d.deliverer == nil {
		return
	}
	for _, msg := range st.Batcher.Flush(d.now()) {
		dctx, cancel := context.WithTimeout(ctx, d.config.Monitor.TargetTimeout())
		err := d.deliverer.Deliver(dctx, msg.Manager, msg)
		cancel()
		if err != nil {
			st.Batcher.Requeue(msg)
			report.Failed++
			d.log().Warn("[Daemon] delivery_failed",
				"manager", msg.Manager.Key(),
				"message", msg.ID,
				"items", len(msg.Items),
				"error", err)
			continue
		}
		report.Delivered = append(report.Delivered, msg)
		d.log().Info("[Daemon] notification_sent",
			"manager", msg.Manager.Key(),
			"message", msg.ID,
			"priority", msg.Priority,
			"items", len(msg.Items))
	}
}

func (d *Daemon) record(ctx context.Context, decisions []journal.Decision) {
	if d.journal == nil || len(decisions) == 0 {
		return
	}
	if err := d.journal.Record(ctx, decisions); err != nil {
		d.log().Warn("[Daemon] journal_failed",
			"decisions", len(decisions),
			"error", err)
	}
}
