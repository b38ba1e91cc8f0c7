package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/paneward/internal/agent"
)

var (
	// ErrNotManager is returned when a non-PM target is registered as a manager.
	ErrNotManager = errors.New("notify: recipient is not a managing agent")
	// ErrNoManager is returned when a finding's session has no registered manager.
	ErrNoManager = errors.New("notify: no manager in session")
	// ErrSelfReport is returned for findings about the manager itself.
	ErrSelfReport = errors.New("notify: finding is about the manager itself")
)

type batch struct {
	manager agent.Target
	items   []Finding
	index   map[string]int
}

func (b *batch) add(f Finding) {
	k := f.dedupeKey()
	if i, ok := b.index[k]; ok {
		b.items[i] = f
		return
	}
	b.index[k] = len(b.items)
	b.items = append(b.items, f)
}

// Batcher accumulates findings per session and emits at most one message per
// session manager per flush. Findings are routed by their own session, so a
// finding can only ever reach the manager of that session. A manager inside
// its cooldown keeps its findings queued.
type Batcher struct {
	mu       sync.Mutex
	cooldown time.Duration
	managers map[string]agent.Target // session -> managing window
	pending  map[string]*batch       // by session
	lastSent map[string]time.Time    // by session
	newID    func() string
	logger   *slog.Logger
}

// NewBatcher creates a batcher. cooldown is the minimum spacing between two
// messages to the same manager; zero disables it.
func NewBatcher(cooldown time.Duration) *Batcher {
	return &Batcher{
		cooldown: cooldown,
		managers: make(map[string]agent.Target),
		pending:  make(map[string]*batch),
		lastSent: make(map[string]time.Time),
		newID:    uuid.NewString,
	}
}

// WithLogger sets the logger.
func (b *Batcher) WithLogger(logger *slog.Logger) *Batcher {
	b.logger = logger
	return b
}

func (b *Batcher) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default()
}

// SetManager registers m as the manager of its session. Replacing a session's
// manager with a different window drops the findings queued for the old one
// and its cooldown.
func (b *Batcher) SetManager(m agent.Target) error {
	if m.Role != agent.RolePM {
		return fmt.Errorf("%w: %s", ErrNotManager, m)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.managers[m.Session]; ok && old.Key() != m.Key() {
		b.dropLocked(m.Session)
	}
	b.managers[m.Session] = m
	if q, ok := b.pending[m.Session]; ok {
		q.manager = m
	}
	return nil
}

// Manager returns the registered manager of session.
func (b *Batcher) Manager(session string) (agent.Target, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.managers[session]
	return m, ok
}

// Managers returns the registered managers ordered by session.
func (b *Batcher) Managers() []agent.Target {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]agent.Target, 0, len(b.managers))
	for _, m := range b.managers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

// Forget unregisters a manager that went away, with its queued findings and
// cooldown. It is a no-op when m is no longer its session's manager.
func (b *Batcher) Forget(m agent.Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.managers[m.Session]; ok && cur.Key() == m.Key() {
		delete(b.managers, m.Session)
		b.dropLocked(m.Session)
	}
}

func (b *Batcher) dropLocked(session string) {
	delete(b.pending, session)
	delete(b.lastSent, session)
}

// AddFinding queues f for the manager of f's session and returns that
// manager. A finding for the same target and kind already queued is replaced.
func (b *Batcher) AddFinding(f Finding) (agent.Target, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	session := f.Target.Session
	manager, ok := b.managers[session]
	if !ok {
		return agent.Target{}, fmt.Errorf("%w: %s", ErrNoManager, session)
	}
	if manager.Key() == f.Target.Key() {
		return manager, fmt.Errorf("%w: %s", ErrSelfReport, manager)
	}

	q, ok := b.pending[session]
	if !ok {
		q = &batch{manager: manager, index: make(map[string]int)}
		b.pending[session] = q
	}
	q.add(f)
	return manager, nil
}

// Pending returns how many findings are queued across all managers.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.pending {
		n += len(q.items)
	}
	return n
}

// Flush builds one message per manager whose cooldown has elapsed and clears
// their queues. Messages are ordered by session.
func (b *Batcher) Flush(now time.Time) []OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []OutboundMessage
	for _, k := range keys {
		q := b.pending[k]
		if len(q.items) == 0 {
			delete(b.pending, k)
			continue
		}
		if last, ok := b.lastSent[k]; ok && b.cooldown > 0 && now.Sub(last) < b.cooldown {
			b.log().Debug("[Notify] batch_deferred",
				"manager", q.manager.Key(),
				"items", len(q.items),
				"cooldown_left", b.cooldown-now.Sub(last))
			continue
		}
		out = append(out, b.build(q, now))
		delete(b.pending, k)
		b.lastSent[k] = now
	}
	return out
}

// Requeue puts the items of an undelivered message back in front of anything
// queued since, and lifts the manager's cooldown so the next flush retries.
// Items addressed to a manager that has since been replaced are dropped.
func (b *Batcher) Requeue(msg OutboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	session := msg.Manager.Session
	cur, ok := b.managers[session]
	if !ok || cur.Key() != msg.Manager.Key() {
		b.log().Debug("[Notify] requeue_dropped",
			"manager", msg.Manager.Key(),
			"items", len(msg.Items))
		return
	}

	q := &batch{manager: cur, index: make(map[string]int)}
	for _, f := range msg.Items {
		q.add(f)
	}
	if newer, ok := b.pending[session]; ok {
		for _, f := range newer.items {
			q.add(f)
		}
	}
	b.pending[session] = q
	delete(b.lastSent, session)
}

func (b *Batcher) build(q *batch, now time.Time) OutboundMessage {
	items := make([]Finding, len(q.items))
	copy(items, q.items)
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := items[i].Kind.Priority(), items[j].Kind.Priority()
		if pi != pj {
			return pi > pj
		}
		return items[i].Target.Window < items[j].Target.Window
	})

	prio := PriorityLow
	for _, f := range items {
		if p := f.Kind.Priority(); p > prio {
			prio = p
		}
	}

	return OutboundMessage{
		ID:        b.newID(),
		Manager:   q.manager,
		Priority:  prio,
		Summary:   summarize(q.manager.Session, items),
		Items:     items,
		CreatedAt: now,
	}
}

// summarize counts items per kind, in item order (already priority sorted).
func summarize(session string, items []Finding) string {
	counts := make(map[Kind]int)
	var order []Kind
	for _, f := range items {
		if counts[f.Kind] == 0 {
			order = append(order, f.Kind)
		}
		counts[f.Kind]++
	}
	parts := make([]string, 0, len(order))
	for _, k := range order {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], kindLabel(k)))
	}
	return fmt.Sprintf("%s: %s", session, strings.Join(parts, ", "))
}

func kindLabel(k Kind) string {
	switch k {
	case KindRecoveryExhausted:
		return "recovery exhausted"
	case KindRestartFailed:
		return "restart failed"
	case KindRateLimited:
		return "rate limited"
	default:
		return string(k)
	}
}
