package daemon

import (
	"sort"
	"time"

	"github.com/Dicklesworthstone/paneward/internal/agent"
	"github.com/Dicklesworthstone/paneward/internal/notify"
	"github.com/Dicklesworthstone/paneward/internal/ratelimit"
	"github.com/Dicklesworthstone/paneward/internal/recovery"
	"github.com/Dicklesworthstone/paneward/internal/suppress"
)

// tracked is the daemon's bookkeeping for one discovered target.
type tracked struct {
	target       agent.Target
	firstSeen    time.Time
	lastSeen     time.Time
	missingSince time.Time // zero while the host still lists the window
	unavailable  int       // consecutive ticks without a capture

	snapshots []agent.Snapshot
	history   []agent.Result
}

func (t *tracked) lastState() *agent.State {
	if len(t.history) == 0 {
		return nil
	}
	s := t.history[len(t.history)-1].State
	return &s
}

func (t *tracked) observe(st agent.Stability, res agent.Result, keepSnapshots, keepHistory int) {
	t.snapshots = append(t.snapshots, st.Snapshots...)
	if over := len(t.snapshots) - keepSnapshots; over > 0 {
		t.snapshots = append([]agent.Snapshot(nil), t.snapshots[over:]...)
	}
	t.history = append(t.history, res)
	if over := len(t.history) - keepHistory; over > 0 {
		t.history = append([]agent.Result(nil), t.history[over:]...)
	}
}

// State is everything the daemon carries between ticks. Only the
// aggregation phase of a tick mutates it.
type State struct {
	targets map[string]*tracked

	Registry *suppress.Registry
	Recovery *recovery.Coordinator
	Batcher  *notify.Batcher
	Waits    *ratelimit.Tracker
}

// NewState wires the per-tick collaborators around one registry and one
// rate-limit tracker.
func NewState(rc recovery.Config, notifyCooldown time.Duration, waits *ratelimit.Tracker, now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	if waits == nil {
		waits = ratelimit.NewTracker("")
	}
	registry := suppress.NewRegistry(now)
	return &State{
		targets:  make(map[string]*tracked),
		Registry: registry,
		Recovery: recovery.NewCoordinator(rc, registry, waits, now),
		Batcher:  notify.NewBatcher(notifyCooldown),
		Waits:    waits,
	}
}

// Targets returns every tracked target ordered by key.
func (s *State) Targets() []agent.Target {
	out := make([]agent.Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t.target)
	}
	sortTargets(out)
	return out
}

// Manager returns the managing window of session.
func (s *State) Manager(session string) (agent.Target, bool) {
	return s.Batcher.Manager(session)
}

// history returns the retained classification results for a target key,
// oldest first.
func (s *State) history(key string) []agent.Result {
	t, ok := s.targets[key]
	if !ok {
		return nil
	}
	return append([]agent.Result(nil), t.history...)
}

// snapshots returns the rolling snapshot window for a target key.
func (s *State) snapshots(key string) []agent.Snapshot {
	t, ok := s.targets[key]
	if !ok {
		return nil
	}
	return append([]agent.Snapshot(nil), t.snapshots...)
}

// present returns the targets the host currently lists, ordered by key.
func (s *State) present() []*tracked {
	out := make([]*tracked, 0, len(s.targets))
	for _, t := range s.targets {
		if t.missingSince.IsZero() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].target, out[j].target) })
	return out
}

// forget drops a target and every piece of state keyed by it.
func (s *State) forget(t agent.Target) {
	delete(s.targets, t.Key())
	s.Recovery.Forget(t)
	s.Registry.Clear(t.Key())
	s.Batcher.Forget(t)
}

func sortTargets(ts []agent.Target) {
	sort.Slice(ts, func(i, j int) bool { return less(ts[i], ts[j]) })
}

func less(a, b agent.Target) bool {
	if a.Session != b.Session {
		return a.Session < b.Session
	}
	return a.Window < b.Window
}
