package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Dicklesworthstone/paneward/internal/agent"
	"github.com/Dicklesworthstone/paneward/internal/notify"
	"github.com/Dicklesworthstone/paneward/internal/ratelimit"
	"github.com/Dicklesworthstone/paneward/internal/suppress"
	"github.com/Dicklesworthstone/paneward/internal/tmux"
)

// discover reconciles the tracked targets with what the host lists. It fails
// only when sessions cannot be listed at all.
func (d *Daemon) discover(ctx context.Context, st *State, now time.Time, report *TickReport) error {
	sessions, err := d.host.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	sessions = d.filterSessions(sessions)
	sort.Strings(sessions)

	seen := make(map[string]bool)
	managers := make(map[string]agent.Target)

	for _, session := range sessions {
		windows, err := d.host.ListWindows(ctx, session)
		if err != nil {
			if errors.Is(err, tmux.ErrUnavailable) {
				// Session vanished between the two calls; its targets go missing.
				continue
			}
			d.log().Warn("[Daemon] list_windows_failed",
				"session", session,
				"error", err)
			// Keep what we know about this session until the next tick.
			for key, t := range st.targets {
				if t.target.Session == session {
					seen[key] = true
				}
			}
			if m, ok := st.Batcher.Manager(session); ok {
				managers[session] = m
			}
			continue
		}

		sort.Slice(windows, func(i, j int) bool { return windows[i].Index < windows[j].Index })
		for _, w := range windows {
			if d.ignorePattern != nil && d.ignorePattern.MatchString(w.Name) {
				continue
			}
			role := agent.RoleAgent
			if d.pmPattern != nil && d.pmPattern.MatchString(w.Name) {
				role = agent.RolePM
			}
			target := agent.Target{Session: session, Window: w.Index, Name: w.Name, Role: role}
			key := target.Key()
			seen[key] = true

			if role == agent.RolePM {
				if _, ok := managers[session]; !ok {
					managers[session] = target
				}
			}
			d.track(st, target, now, report)
		}
	}

	for _, old := range st.Batcher.Managers() {
		if m, ok := managers[old.Session]; !ok || m.Key() != old.Key() {
			st.Batcher.Forget(old)
		}
	}
	for _, m := range managers {
		if err := st.Batcher.SetManager(m); err != nil {
			d.log().Warn("[Daemon] manager_rejected",
				"target", m.Key(),
				"error", err)
		}
	}

	d.expire(st, seen, now, report)
	return nil
}

// track records a listed window, registering a grace window for new ones.
func (d *Daemon) track(st *State, target agent.Target, now time.Time, report *TickReport) {
	key := target.Key()
	existing, ok := st.targets[key]

	if ok && existing.target.Role != target.Role {
		d.log().Info("[Daemon] target_recreated",
			"target", key,
			"old_name", existing.target.Name,
			"new_name", target.Name,
			"role", target.Role)
		st.forget(existing.target)
		ok = false
	}

	if !ok {
		st.targets[key] = &tracked{target: target, firstSeen: now, lastSeen: now}
		st.Registry.MarkSuppressed(key, suppress.DiscoveryGrace, d.config.Suppression.DiscoveryGrace())
		report.Discovered++
		d.log().Info("[Daemon] target_discovered",
			"target", key,
			"name", target.Name,
			"role", target.Role,
			"grace", d.config.Suppression.DiscoveryGrace())
		return
	}

	existing.lastSeen = now
	existing.target.Name = target.Name
	if !existing.missingSince.IsZero() {
		d.log().Info("[Daemon] target_returned",
			"target", key,
			"missing_for", now.Sub(existing.missingSince))
		existing.missingSince = time.Time{}
	}
}

// expire starts the missing clock for unlisted targets and removes those
// missing longer than the discovery grace window.
func (d *Daemon) expire(st *State, seen map[string]bool, now time.Time, report *TickReport) {
	grace := d.config.Suppression.DiscoveryGrace()

	keys := make([]string, 0, len(st.targets))
	for key := range st.targets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		t := st.targets[key]
		if seen[key] {
			continue
		}
		if t.missingSince.IsZero() {
			t.missingSince = now
			d.log().Info("[Daemon] target_missing",
				"target", key,
				"removal_in", grace)
			continue
		}
		gone := now.Sub(t.missingSince)
		if gone < grace {
			continue
		}

		st.forget(t.target)
		report.Removed++
		d.log().Info("[Daemon] target_removed",
			"target", key,
			"reason", "missing",
			"missing_for", gone)
		d.report(st, notify.Finding{
			Target: t.target,
			Kind:   notify.KindMissing,
			Detail: fmt.Sprintf("not seen for %s", ratelimit.FormatDelay(gone)),
			At:     now,
		}, report)
	}
}

func (d *Daemon) filterSessions(sessions []string) []string {
	if len(d.config.Targets.Sessions) == 0 {
		return sessions
	}
	allowed := make(map[string]bool, len(d.config.Targets.Sessions))
	for _, s := range d.config.Targets.Sessions {
		allowed[s] = true
	}
	out := sessions[:0:0]
	for _, s := range sessions {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}
