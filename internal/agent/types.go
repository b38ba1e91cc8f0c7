package agent

import (
	"fmt"
	"time"
)

// Role distinguishes the managing window of a session from the agents it supervises.
type Role string

const (
	RolePM    Role = "pm"
	RoleAgent Role = "agent"
)

// Target identifies one monitored tmux window.
type Target struct {
	Session string
	Window  int
	Name    string // window name at discovery, informational
	Role    Role
}

// String renders the tmux target syntax (session:window).
func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Session, t.Window)
}

// Key is the identity used for registries. The window name is not part of it.
func (t Target) Key() string {
	return t.String()
}

// State is the classified condition of an agent pane.
type State string

const (
	StateActive      State = "active"
	StateIdle        State = "idle"
	StateUnsubmitted State = "unsubmitted"
	StateCrashed     State = "crashed"
	StateRateLimited State = "rate_limited"
	StateCompacting  State = "compacting"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateIdle, StateUnsubmitted, StateCrashed, StateRateLimited, StateCompacting:
		return true
	}
	return false
}

// Snapshot is one capture of a pane.
type Snapshot struct {
	Target     Target
	Text       string
	CapturedAt time.Time
}

// Stability is the sampler's judgment over a short series of captures.
type Stability struct {
	Changed     bool
	Unavailable bool
	Err         error // capture error when Unavailable
	Snapshots   []Snapshot
}

// Latest returns the most recent snapshot, if any.
func (s Stability) Latest() (Snapshot, bool) {
	if len(s.Snapshots) == 0 {
		return Snapshot{}, false
	}
	return s.Snapshots[len(s.Snapshots)-1], true
}

// Result is the classification of one target for one tick.
type Result struct {
	Target       Target
	State        State
	Detail       string
	Rule         string  // rule that produced the verdict, empty for defaults
	Confidence   float64 // 0.0-1.0
	ResetIn      time.Duration
	ClassifiedAt time.Time

	// Vetoed lists crash candidates rejected by framing or safe-context checks.
	Vetoed []string
}
