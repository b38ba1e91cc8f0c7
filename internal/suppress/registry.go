// Package suppress holds short-lived per-target suppression windows.
//
// Suppression only reduces noise. Anything unexpected (unknown target, zero
// expiry, unknown category) reads as "not suppressed" so actions still fire.
package suppress

import (
	"sort"
	"time"
)

// Category is an independent suppression window kind.
type Category string

const (
	// DiscoveryGrace holds off Crashed/Idle verdicts for freshly discovered
	// targets while their manager is still spawning or briefing them.
	DiscoveryGrace Category = "discovery_grace"
	// NotifiedCooldown stops repeat findings about a target after it was reported.
	NotifiedCooldown Category = "notified_cooldown"
	// RecoveryCooldown spaces out restart attempts.
	RecoveryCooldown Category = "recovery_cooldown"
	// SubmitCooldown spaces out auto-submits into a half-typed input box.
	SubmitCooldown Category = "submit_cooldown"
)

// Entry is one active suppression.
type Entry struct {
	Target    string    `json:"target"`
	Category  Category  `json:"category"`
	ExpiresAt time.Time `json:"expires_at"`
}

type key struct {
	target   string
	category Category
}

// Registry stores at most one entry per (target, category). It is not safe
// for concurrent use; the daemon mutates it only from its aggregation phase.
type Registry struct {
	entries map[key]time.Time
	now     func() time.Time
}

// NewRegistry creates an empty registry on the given clock.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{entries: make(map[key]time.Time), now: now}
}

// ShouldSuppress reports whether an unexpired entry exists.
func (r *Registry) ShouldSuppress(target string, cat Category) bool {
	exp, ok := r.entries[key{target, cat}]
	if !ok || exp.IsZero() {
		return false
	}
	return r.now().Before(exp)
}

// Remaining returns how long the entry still runs, 0 if none.
func (r *Registry) Remaining(target string, cat Category) time.Duration {
	exp, ok := r.entries[key{target, cat}]
	if !ok {
		return 0
	}
	if d := exp.Sub(r.now()); d > 0 {
		return d
	}
	return 0
}

// MarkSuppressed starts or replaces the window for (target, cat).
// A non-positive duration removes it.
func (r *Registry) MarkSuppressed(target string, cat Category, d time.Duration) {
	k := key{target, cat}
	if d <= 0 {
		delete(r.entries, k)
		return
	}
	r.entries[k] = r.now().Add(d)
}

// Lift removes one entry.
func (r *Registry) Lift(target string, cat Category) {
	delete(r.entries, key{target, cat})
}

// Clear removes every entry for target.
func (r *Registry) Clear(target string) {
	for k := range r.entries {
		if k.target == target {
			delete(r.entries, k)
		}
	}
}

// Sweep drops expired entries and returns how many were removed.
func (r *Registry) Sweep() int {
	now := r.now()
	removed := 0
	for k, exp := range r.entries {
		if !now.Before(exp) {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}

// Entries lists active entries sorted by target then category.
func (r *Registry) Entries() []Entry {
	now := r.now()
	out := make([]Entry, 0, len(r.entries))
	for k, exp := range r.entries {
		if now.Before(exp) {
			out = append(out, Entry{Target: k.target, Category: k.category, ExpiresAt: exp})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Category < out[j].Category
	})
	return out
}
