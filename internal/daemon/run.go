package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/Dicklesworthstone/paneward/internal/agent"
	"github.com/Dicklesworthstone/paneward/internal/util"
	"github.com/Dicklesworthstone/paneward/internal/watcher"
)

// ErrAlreadyRunning is returned when another daemon holds the state lock.
var ErrAlreadyRunning = errors.New("paneward daemon already running")

const (
	lockFileName = "paneward.lock"
	pidFileName  = "paneward.pid"
)

// Run ticks until ctx is cancelled or SIGINT/SIGTERM arrives. A tick in
// flight when the stop arrives runs to completion. A fatal tick error stops
// the loop and is returned.
func (d *Daemon) Run(ctx context.Context) error {
	stateDir := util.ExpandHome(d.config.Daemon.StateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	lock := flock.New(filepath.Join(stateDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() { _ = lock.Unlock() }()

	pidFile := filepath.Join(stateDir, pidFileName)
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = os.Remove(pidFile) }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if w := d.watchRules(ctx); w != nil {
		defer w.Stop()
	}

	interval := d.config.Monitor.TickInterval()
	d.log().Info("[Daemon] started",
		"pid", os.Getpid(),
		"interval", interval,
		"state_dir", stateDir,
		"max_concurrency", d.config.Monitor.MaxConcurrency)

	// Ticks get a context that outlives the stop signal, so the one in
	// flight completes. Per-target timeouts still bound it.
	tickCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(tickCtx, d.state); err != nil {
			d.log().Error("[Daemon] fatal_tick_error", "error", err)
			return err
		}
		d.prune(tickCtx)

		select {
		case <-ctx.Done():
			d.log().Info("[Daemon] stopped", "reason", context.Cause(ctx))
			return nil
		case <-ticker.C:
		}
	}
}

// watchRules hot-reloads classifier.rules_file. A broken file keeps the
// previous table in effect.
func (d *Daemon) watchRules(ctx context.Context) *watcher.FileWatcher {
	reload := func(path string) {
		rules, err := agent.LoadEffectiveRules(path)
		if err != nil {
			d.log().Warn("[Daemon] rules_reload_failed",
				"path", path,
				"error", err)
			return
		}
		d.classifier.SetRules(rules)
		d.log().Info("[Daemon] rules_reloaded",
			"path", path,
			"version", rules.Version,
			"rules", len(rules.Source().Rules))
	}

	w, err := watcher.NewRulesWatcherFromConfig(watcher.RulesWatchValues{
		Enabled:   d.config.Classifier.WatchRules,
		RulesFile: util.ExpandHome(d.config.Classifier.RulesFile),
	}, reload, d.logger)
	if err != nil {
		d.log().Warn("[Daemon] rules_watch_failed", "error", err)
		return nil
	}
	if w == nil {
		return nil
	}
	w.Start(ctx)
	return w
}

// prune drops journal entries past retention.
func (d *Daemon) prune(ctx context.Context) {
	retention := d.config.Journal.Retention()
	if d.journal == nil || retention <= 0 {
		return
	}
	n, err := d.journal.Prune(ctx, d.now().Add(-retention))
	if err != nil {
		d.log().Warn("[Daemon] journal_prune_failed", "error", err)
		return
	}
	if n > 0 {
		d.log().Debug("[Daemon] journal_pruned", "decisions", n)
	}
}

// IsRunning reports whether the PID file in stateDir names a live process.
func IsRunning(stateDir string) (bool, int, error) {
	data, err := os.ReadFile(filepath.Join(util.ExpandHome(stateDir), pidFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0, nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0, nil
	}
	// On Unix, FindProcess always succeeds; signal 0 checks liveness.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, 0, nil
	}
	return true, pid, nil
}
