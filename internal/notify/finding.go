// Package notify batches findings per managing agent and delivers them.
package notify

import (
	"fmt"
	"time"

	"github.com/Dicklesworthstone/paneward/internal/agent"
)

// Kind is what a finding reports about a target.
type Kind string

const (
	KindIdle              Kind = "idle"
	KindCrashed           Kind = "crashed"
	KindRestartFailed     Kind = "restart_failed"
	KindRecoveryExhausted Kind = "recovery_exhausted"
	KindRestarted         Kind = "restarted"
	KindRateLimited       Kind = "rate_limited"
	KindMissing           Kind = "missing"
)

// Priority of an outbound message. Higher values are more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// MarshalText renders the priority name in JSON payloads.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	switch string(text) {
	case "critical":
		*p = PriorityCritical
	case "high":
		*p = PriorityHigh
	case "normal":
		*p = PriorityNormal
	case "low":
		*p = PriorityLow
	default:
		return fmt.Errorf("unknown priority %q", text)
	}
	return nil
}

// Priority returns the urgency a finding of this kind carries.
func (k Kind) Priority() Priority {
	switch k {
	case KindRecoveryExhausted:
		return PriorityCritical
	case KindCrashed, KindRestartFailed:
		return PriorityHigh
	case KindIdle, KindMissing:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Finding is one observation about a target destined for its manager.
type Finding struct {
	Target agent.Target
	Kind   Kind
	Result agent.Result
	Detail string
	At     time.Time
}

func (f Finding) dedupeKey() string {
	return f.Target.Key() + "|" + string(f.Kind)
}

// OutboundMessage is one flushed batch for one manager.
type OutboundMessage struct {
	ID        string
	Manager   agent.Target
	Priority  Priority
	Summary   string
	Items     []Finding
	CreatedAt time.Time
}
