package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Dicklesworthstone/paneward/internal/util"
)

// staleWaitAge drops persisted waits that ended long ago.
const staleWaitAge = 24 * time.Hour

// stateFile is the persisted wait table inside the state dir.
const stateFile = "rate_limits.json"

// Wait is an active or recently elapsed rate-limit window for one target.
type Wait struct {
	Since   time.Time `json:"since"`
	Until   time.Time `json:"until"`
	Detail  string    `json:"detail,omitempty"`
	Resumed bool      `json:"resumed,omitempty"` // resume was sent after Until
}

// Tracker keeps rate-limit waits per target key.
type Tracker struct {
	mu      sync.RWMutex
	waits   map[string]*Wait
	dataDir string
}

// NewTracker creates a tracker. If dataDir is empty, persistence is disabled.
func NewTracker(dataDir string) *Tracker {
	return &Tracker{
		waits:   make(map[string]*Wait),
		dataDir: dataDir,
	}
}

// Start opens a wait for key and returns its end. While a wait is active,
// repeat sightings of the banner leave it untouched: the banner stays on
// screen for the whole wait, so re-arming on every sighting would never let
// it elapse.
func (t *Tracker) Start(key string, now, until time.Time, detail string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.waits[key]; ok && now.Before(w.Until) {
		return w.Until
	}
	t.waits[key] = &Wait{Since: now, Until: until, Detail: detail}
	return until
}

// Remaining returns how much of the wait is left at now. Returns 0 if no wait
// is active or key is unknown.
func (t *Tracker) Remaining(key string, now time.Time) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, ok := t.waits[key]
	if !ok {
		return 0
	}
	if d := w.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Active reports whether key is inside a wait window.
func (t *Tracker) Active(key string, now time.Time) bool {
	return t.Remaining(key, now) > 0
}

// Get returns a copy of the wait for key.
func (t *Tracker) Get(key string) (Wait, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, ok := t.waits[key]
	if !ok {
		return Wait{}, false
	}
	return *w, true
}

// MarkResumed records that the post-wait resume was sent.
func (t *Tracker) MarkResumed(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.waits[key]; ok {
		w.Resumed = true
	}
}

// Clear forgets any wait for key.
func (t *Tracker) Clear(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.waits, key)
}

// Keys returns all tracked keys, sorted.
func (t *Tracker) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.waits))
	for k := range t.waits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadFromDir loads persisted waits. A missing file is not an error.
func (t *Tracker) LoadFromDir(dir string, now time.Time) error {
	if dir == "" {
		dir = t.dataDir
	}
	if dir == "" {
		return nil // persistence disabled
	}

	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read rate limits file: %w", err)
	}

	var waits map[string]*Wait
	if err := json.Unmarshal(data, &waits); err != nil {
		return fmt.Errorf("parse rate limits file: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for k, w := range waits {
		if w == nil || w.Until.IsZero() || now.Sub(w.Until) > staleWaitAge {
			continue
		}
		t.waits[k] = w
	}
	return nil
}

// SaveToDir writes the wait table as JSON.
func (t *Tracker) SaveToDir(dir string) error {
	if dir == "" {
		dir = t.dataDir
	}
	if dir == "" {
		return nil // persistence disabled
	}

	t.mu.RLock()
	snapshot := make(map[string]Wait, len(t.waits))
	for k, v := range t.waits {
		snapshot[k] = *v
	}
	t.mu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rate limits: %w", err)
	}

	if err := util.AtomicWriteFile(filepath.Join(dir, stateFile), data, 0644); err != nil {
		return fmt.Errorf("write rate limits file: %w", err)
	}
	return nil
}
