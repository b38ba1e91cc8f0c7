package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/Dicklesworthstone/paneward/internal/agent"
	"github.com/Dicklesworthstone/paneward/internal/config"
	"github.com/Dicklesworthstone/paneward/internal/journal"
	"github.com/Dicklesworthstone/paneward/internal/notify"
	"github.com/Dicklesworthstone/paneward/internal/recovery"
	"github.com/Dicklesworthstone/paneward/internal/suppress"
	"github.com/Dicklesworthstone/paneward/internal/tmux"
)

const (
	crashText   = "⏺ Done.\n\nuser@host:~$ "
	idleText    = "Finished the refactor.\n\n  ? for shortcuts"
	limitText   = "You've hit your limit. Upgrade for more."
	pendingText = "⏺ Done.\n────────────\n> write the docs\n────────────\n  ⏵⏵ accept edits on\n"
)

type sentKeys struct {
	target string
	text   string
	submit bool
}

type fakeHost struct {
	mu         sync.Mutex
	sessions   []string
	listErr    error
	windows    map[string][]tmux.Window
	panes      map[string]string
	captureErr map[string]error
	sendErr    map[string]error // by text
	sendHang   map[string]bool  // by text; blocks until ctx is done
	sent       []sentKeys
	killed     []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		windows:    make(map[string][]tmux.Window),
		panes:      make(map[string]string),
		captureErr: make(map[string]error),
		sendErr:    make(map[string]error),
		sendHang:   make(map[string]bool),
	}
}

// addWindow registers a window and its pane text.
func (h *fakeHost) addWindow(session string, index int, name, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	found := false
	for _, s := range h.sessions {
		if s == session {
			found = true
		}
	}
	if !found {
		h.sessions = append(h.sessions, session)
	}
	h.windows[session] = append(h.windows[session], tmux.Window{Index: index, Name: name})
	h.panes[agent.Target{Session: session, Window: index}.String()] = text
}

func (h *fakeHost) removeWindow(session string, index int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws := h.windows[session][:0]
	for _, w := range h.windows[session] {
		if w.Index != index {
			ws = append(ws, w)
		}
	}
	h.windows[session] = ws
	delete(h.panes, agent.Target{Session: session, Window: index}.String())
}

func (h *fakeHost) setPane(target, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.panes[target] = text
}

func (h *fakeHost) ListSessions(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	return append([]string(nil), h.sessions...), nil
}

func (h *fakeHost) ListWindows(ctx context.Context, session string) ([]tmux.Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws, ok := h.windows[session]
	if !ok {
		return nil, tmux.ErrUnavailable
	}
	return append([]tmux.Window(nil), ws...), nil
}

func (h *fakeHost) CapturePane(ctx context.Context, target string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.captureErr[target]; err != nil {
		return "", err
	}
	text, ok := h.panes[target]
	if !ok {
		return "", tmux.ErrUnavailable
	}
	return text, nil
}

func (h *fakeHost) SendKeys(ctx context.Context, target, text string, submit bool) error {
	h.mu.Lock()
	hang := h.sendHang[text]
	h.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.sendErr[text]; err != nil {
		return err
	}
	h.sent = append(h.sent, sentKeys{target: target, text: text, submit: submit})
	return nil
}

func (h *fakeHost) KillWindow(ctx context.Context, target string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = append(h.killed, target)
	return nil
}

func (h *fakeHost) sentTo(target string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, s := range h.sent {
		if s.target == target {
			out = append(out, s.text)
		}
	}
	return out
}

type fakeDeliverer struct {
	mu   sync.Mutex
	msgs []notify.OutboundMessage
	err  error
	hang bool
}

func (f *fakeDeliverer) Deliver(ctx context.Context, manager agent.Target, msg notify.OutboundMessage) error {
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeDeliverer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeDeliverer) messages() []notify.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.OutboundMessage(nil), f.msgs...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var epoch = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Journal.Enabled = false
	cfg.RateLimit.Persist = false
	cfg.Classifier.WatchRules = false
	cfg.Daemon.StateDir = t.TempDir()
	cfg.Notifications.MinIntervalSec = 0
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, host *fakeHost, opts ...Option) (*Daemon, *fakeClock, *fakeDeliverer) {
	t.Helper()
	clock := &fakeClock{t: epoch}
	del := &fakeDeliverer{}
	all := append([]Option{
		WithClock(clock.now),
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
		WithDeliverer(del),
	}, opts...)
	d, err := New(cfg, host, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, clock, del
}

func tick(t *testing.T, d *Daemon) TickReport {
	t.Helper()
	report, err := d.Tick(context.Background(), d.State())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return report
}

func decisionFor(r TickReport, target string) (journal.Decision, bool) {
	for _, dec := range r.Decisions {
		if dec.Target == target {
			return dec, true
		}
	}
	return journal.Decision{}, false
}

func TestTick_DiscoveryGraceSuppressesEarlyCrash(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", crashText)

	d, clock, del := newTestDaemon(t, testConfig(t), host)

	r := tick(t, d)
	if r.Discovered != 2 {
		t.Fatalf("discovered = %d, want 2", r.Discovered)
	}

	clock.advance(30 * time.Second)
	r = tick(t, d)
	dec, ok := decisionFor(r, "alpha:1")
	if !ok {
		t.Fatal("no decision for alpha:1")
	}
	if dec.State != string(agent.StateCrashed) || dec.Action != string(recovery.ActionNone) {
		t.Errorf("at T+30s: state=%s action=%s, want crashed/none", dec.State, dec.Action)
	}
	if !strings.Contains(dec.Reason, "discovery grace") {
		t.Errorf("reason = %q", dec.Reason)
	}
	if sent := host.sentTo("alpha:1"); len(sent) != 0 {
		t.Fatalf("no keys may be sent during grace, got %v", sent)
	}

	clock.advance(150 * time.Second) // T+3m
	r = tick(t, d)
	dec, _ = decisionFor(r, "alpha:1")
	if dec.Action != string(recovery.ActionAutoRestart) {
		t.Fatalf("at T+3m: action = %s, want auto_restart (reason %s)", dec.Action, dec.Reason)
	}
	sent := host.sentTo("alpha:1")
	if len(sent) != 2 || sent[0] != "clear" || sent[1] != "claude --continue" {
		t.Errorf("sent = %v", sent)
	}

	msgs := del.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one notification, got %d", len(msgs))
	}
	if msgs[0].Manager.Key() != "alpha:0" || msgs[0].Items[0].Kind != notify.KindCrashed {
		t.Errorf("unexpected message %+v", msgs[0])
	}
}

func TestTick_GraceDoesNotBlockSubmitOrRateLimit(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "writer", pendingText)
	host.addWindow("alpha", 2, "tester", limitText)

	d, _, _ := newTestDaemon(t, testConfig(t), host)
	r := tick(t, d)

	if dec, _ := decisionFor(r, "alpha:1"); dec.Action != string(recovery.ActionAutoSubmit) {
		t.Errorf("alpha:1 action = %s, want auto_submit", dec.Action)
	}
	if sent := host.sentTo("alpha:1"); len(sent) != 1 || sent[0] != "" {
		t.Errorf("expected a bare Enter, got %q", sent)
	}
	if dec, _ := decisionFor(r, "alpha:2"); dec.Action != string(recovery.ActionWaitRateLimit) {
		t.Errorf("alpha:2 action = %s, want wait_rate_limit", dec.Action)
	}
}

func TestTick_OneMessagePerManagerNeverCrossSession(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "api", crashText)
	host.addWindow("alpha", 2, "web", idleText)
	host.addWindow("alpha", 3, "docs", idleText)
	host.addWindow("alpha", 4, "tests", limitText)
	host.addWindow("alpha", 5, "infra", crashText)
	host.addWindow("beta", 0, "project-manager", idleText)
	host.addWindow("beta", 1, "api", crashText)

	cfg := testConfig(t)
	cfg.Suppression.DiscoveryGraceSec = 0
	d, _, del := newTestDaemon(t, cfg, host)

	r := tick(t, d)
	if r.Findings != 6 {
		t.Errorf("findings = %d, want 6", r.Findings)
	}

	msgs := del.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (one per manager), got %d", len(msgs))
	}

	byManager := make(map[string]notify.OutboundMessage)
	for _, m := range msgs {
		byManager[m.Manager.Key()] = m
	}
	alpha, ok := byManager["alpha:0"]
	if !ok {
		t.Fatalf("no message for alpha:0, got %v", byManager)
	}
	if len(alpha.Items) != 5 {
		t.Errorf("alpha message has %d items, want 5", len(alpha.Items))
	}
	for _, it := range alpha.Items {
		if it.Target.Session != "alpha" {
			t.Errorf("cross-session item %s in alpha message", it.Target)
		}
	}
	if alpha.Priority != notify.PriorityHigh {
		t.Errorf("priority = %s, want high", alpha.Priority)
	}

	beta := byManager["beta:0"]
	if len(beta.Items) != 1 || beta.Items[0].Target.Key() != "beta:1" {
		t.Errorf("beta message = %+v", beta.Items)
	}
}

func TestTick_IdleReportedOncePerCooldown(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", idleText)

	cfg := testConfig(t)
	cfg.Suppression.DiscoveryGraceSec = 0
	d, clock, del := newTestDaemon(t, cfg, host)

	tick(t, d)
	clock.advance(30 * time.Second)
	r := tick(t, d)
	if dec, _ := decisionFor(r, "alpha:1"); dec.Reason != "idle, already reported" {
		t.Errorf("second idle reason = %q", dec.Reason)
	}
	if n := len(del.messages()); n != 1 {
		t.Errorf("expected a single idle notification, got %d", n)
	}

	// Going active re-arms the idle report.
	host.setPane("alpha:1", "⏺ Reading files\n\n✻ Thinking… (12s · esc to interrupt)\n")
	clock.advance(30 * time.Second)
	tick(t, d)
	host.setPane("alpha:1", idleText)
	clock.advance(30 * time.Second)
	tick(t, d)
	if n := len(del.messages()); n != 2 {
		t.Errorf("expected idle to be reported again after activity, got %d messages", n)
	}
}

func TestTick_RestartCapEscalates(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", crashText)
	host.sendErr["claude --continue"] = errors.New("send-keys: server exited")

	cfg := testConfig(t)
	cfg.Suppression.DiscoveryGraceSec = 0
	cfg.Suppression.RecoveryCooldownSec = 0
	cfg.Recovery.MaxRestartAttempts = 2
	d, clock, del := newTestDaemon(t, cfg, host)

	var actions []string
	for i := 0; i < 4; i++ {
		r := tick(t, d)
		dec, _ := decisionFor(r, "alpha:1")
		actions = append(actions, dec.Action)
		clock.advance(time.Minute)
	}

	want := []string{"auto_restart", "auto_restart", "notify_manager", "none"}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("actions = %v, want %v", actions, want)
		}
	}

	var kinds []notify.Kind
	for _, m := range del.messages() {
		for _, it := range m.Items {
			kinds = append(kinds, it.Kind)
		}
	}
	if len(kinds) != 3 || kinds[2] != notify.KindRecoveryExhausted {
		t.Errorf("finding kinds = %v", kinds)
	}
	if kinds[0] != notify.KindRestartFailed {
		t.Errorf("first finding = %s, want restart_failed", kinds[0])
	}
}

func TestTick_KillExhaustedWindow(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", crashText)

	cfg := testConfig(t)
	cfg.Suppression.DiscoveryGraceSec = 0
	cfg.Recovery.MaxRestartAttempts = 0
	cfg.Recovery.KillExhaustedWindows = true
	d, _, del := newTestDaemon(t, cfg, host)

	r := tick(t, d)
	if r.Removed != 1 {
		t.Errorf("removed = %d, want 1", r.Removed)
	}
	host.mu.Lock()
	killed := append([]string(nil), host.killed...)
	host.mu.Unlock()
	if len(killed) != 1 || killed[0] != "alpha:1" {
		t.Errorf("killed = %v", killed)
	}
	msgs := del.messages()
	if len(msgs) != 1 || !strings.HasSuffix(msgs[0].Items[0].Detail, "window killed") {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestTick_MissingTargetRemovedAfterGrace(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", idleText)

	d, clock, del := newTestDaemon(t, testConfig(t), host)
	tick(t, d)

	host.removeWindow("alpha", 1)
	clock.advance(10 * time.Second)
	tick(t, d)
	if got := d.State().Targets(); len(got) != 2 {
		t.Fatalf("missing target must be kept during grace, got %v", got)
	}

	clock.advance(2*time.Minute + 10*time.Second)
	r := tick(t, d)
	if r.Removed != 1 {
		t.Fatalf("removed = %d, want 1", r.Removed)
	}
	if got := d.State().Targets(); len(got) != 1 || got[0].Key() != "alpha:0" {
		t.Errorf("targets = %v", got)
	}

	msgs := del.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one missing notification, got %d", len(msgs))
	}
	item := msgs[0].Items[0]
	if item.Kind != notify.KindMissing || item.Target.Key() != "alpha:1" {
		t.Errorf("item = %+v", item)
	}
}

func TestTick_ReturningTargetKeepsState(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", idleText)

	d, clock, _ := newTestDaemon(t, testConfig(t), host)
	tick(t, d)

	host.removeWindow("alpha", 1)
	clock.advance(10 * time.Second)
	tick(t, d)

	host.addWindow("alpha", 1, "worker", idleText)
	clock.advance(10 * time.Second)
	r := tick(t, d)
	if r.Discovered != 0 {
		t.Errorf("a returning target is not new, discovered = %d", r.Discovered)
	}
	if h := d.State().history("alpha:1"); len(h) != 2 {
		t.Errorf("history length = %d, want 2", len(h))
	}
}

func TestTick_UnavailableTargetRemovedAfterThreshold(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", idleText)
	host.captureErr["alpha:1"] = errors.New("capture-pane: timeout")

	d, clock, _ := newTestDaemon(t, testConfig(t), host)

	for i := 1; i <= 3; i++ {
		r := tick(t, d)
		dec, _ := decisionFor(r, "alpha:1")
		if dec.State != "unavailable" {
			t.Fatalf("tick %d: state = %s", i, dec.State)
		}
		if i < 3 && r.Removed != 0 {
			t.Fatalf("tick %d: removed too early", i)
		}
		if i == 3 && r.Removed != 1 {
			t.Fatalf("tick 3: expected removal, got %d", r.Removed)
		}
		clock.advance(30 * time.Second)
	}
	for _, tg := range d.State().Targets() {
		if tg.Key() == "alpha:1" {
			t.Error("unavailable target still tracked")
		}
	}
}

func TestTick_ListSessionsFailureIsFatal(t *testing.T) {
	host := newFakeHost()
	boom := errors.New("no server running")
	host.listErr = boom

	d, _, _ := newTestDaemon(t, testConfig(t), host)
	_, err := d.Tick(context.Background(), d.State())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped list error, got %v", err)
	}
}

func TestTick_NoManagerDropsFindings(t *testing.T) {
	host := newFakeHost()
	host.addWindow("solo", 0, "worker", crashText)

	cfg := testConfig(t)
	cfg.Suppression.DiscoveryGraceSec = 0
	d, _, del := newTestDaemon(t, cfg, host)

	r := tick(t, d)
	if r.Findings != 0 || len(del.messages()) != 0 {
		t.Errorf("findings without a manager must be dropped, got %d findings", r.Findings)
	}
	if _, ok := d.State().Manager("solo"); ok {
		t.Error("solo has no manager")
	}
}

func TestTick_DeliveryFailureRequeues(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", crashText)

	cfg := testConfig(t)
	cfg.Suppression.DiscoveryGraceSec = 0
	d, clock, del := newTestDaemon(t, cfg, host)

	del.setErr(errors.New("pm pane busy"))
	r := tick(t, d)
	if r.Failed != 1 {
		t.Fatalf("failed = %d, want 1", r.Failed)
	}

	del.setErr(nil)
	clock.advance(10 * time.Second)
	r = tick(t, d)
	if len(r.Delivered) != 1 {
		t.Fatalf("requeued message not delivered, got %d", len(r.Delivered))
	}
	if r.Delivered[0].Items[0].Kind != notify.KindCrashed {
		t.Errorf("item = %+v", r.Delivered[0].Items[0])
	}
}

func TestDiscover_RolesFilterAndManager(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 3, "pm-backup", idleText)
	host.addWindow("alpha", 1, "PM", idleText)
	host.addWindow("alpha", 2, "worker", idleText)
	host.addWindow("alpha", 4, "shell", idleText)
	host.addWindow("beta", 0, "pm", idleText)

	cfg := testConfig(t)
	cfg.Targets.Sessions = []string{"alpha"}
	d, _, _ := newTestDaemon(t, cfg, host)
	tick(t, d)

	m, ok := d.State().Manager("alpha")
	if !ok || m.Key() != "alpha:1" {
		t.Errorf("manager = %v, want alpha:1", m)
	}

	var keys []string
	for _, tg := range d.State().Targets() {
		keys = append(keys, tg.Key())
	}
	want := []string{"alpha:1", "alpha:2", "alpha:3"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("targets = %v, want %v", keys, want)
	}
}

func TestTick_RoleChangeRecreatesTarget(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", idleText)

	d, clock, _ := newTestDaemon(t, testConfig(t), host)
	tick(t, d)

	host.removeWindow("alpha", 1)
	host.addWindow("alpha", 1, "pm-2", idleText)
	clock.advance(10 * time.Second)
	r := tick(t, d)
	if r.Discovered != 1 {
		t.Errorf("expected the re-created window to be rediscovered, got %d", r.Discovered)
	}
	if h := d.State().history("alpha:1"); len(h) != 1 {
		t.Errorf("history should restart, got %d entries", len(h))
	}
}

func TestTick_JournalsEveryDecision(t *testing.T) {
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}

	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", crashText)

	d, _, _ := newTestDaemon(t, testConfig(t), host, WithJournal(store))
	r := tick(t, d)

	got, err := store.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("journaled %d decisions, want 2", len(got))
	}
	for _, dec := range got {
		if dec.TickID != r.ID {
			t.Errorf("tick id = %q, want %q", dec.TickID, r.ID)
		}
	}
}

func TestTick_HistoryIsBounded(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)

	cfg := testConfig(t)
	cfg.Monitor.HistorySize = 3
	d, clock, _ := newTestDaemon(t, cfg, host)
	for i := 0; i < 5; i++ {
		tick(t, d)
		clock.advance(time.Second)
	}
	if h := d.State().history("alpha:0"); len(h) != 3 {
		t.Errorf("history = %d, want 3", len(h))
	}
	if s := d.State().snapshots("alpha:0"); len(s) != cfg.Monitor.SampleCount {
		t.Errorf("snapshots = %d, want %d", len(s), cfg.Monitor.SampleCount)
	}
}

func TestRun_RefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	lock := flock.New(filepath.Join(cfg.Daemon.StateDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		t.Fatalf("could not take lock: %v", err)
	}
	defer lock.Unlock()

	d, _, _ := newTestDaemon(t, cfg, newFakeHost())
	if err := d.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestRun_StopsAfterInFlightTick(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)

	cfg := testConfig(t)
	d, _, _ := newTestDaemon(t, cfg, host)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(d.State().Targets()) != 1 {
		t.Error("the first tick should complete before stopping")
	}
	if _, err := os.Stat(filepath.Join(cfg.Daemon.StateDir, pidFileName)); !os.IsNotExist(err) {
		t.Errorf("pid file should be removed, stat err = %v", err)
	}
}

func TestRun_FatalTickErrorStops(t *testing.T) {
	host := newFakeHost()
	host.listErr = errors.New("tmux: command not found")

	d, _, _ := newTestDaemon(t, testConfig(t), host)
	if err := d.Run(context.Background()); err == nil {
		t.Error("expected fatal error")
	}
}

func TestIsRunning(t *testing.T) {
	dir := t.TempDir()
	running, _, err := IsRunning(dir)
	if err != nil || running {
		t.Fatalf("no pid file: running=%v err=%v", running, err)
	}

	if err := os.WriteFile(filepath.Join(dir, pidFileName), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		t.Fatal(err)
	}
	running, pid, err := IsRunning(dir)
	if err != nil || !running || pid != os.Getpid() {
		t.Errorf("running=%v pid=%d err=%v", running, pid, err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.MaxConcurrency = 0
	if _, err := New(cfg, newFakeHost()); err == nil {
		t.Error("expected validation error")
	}
}

func TestTick_HungSendAndDeliveryAreBounded(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", crashText)

	cfg := testConfig(t)
	cfg.Monitor.TargetTimeoutSec = 1
	d, clock, del := newTestDaemon(t, cfg, host)

	tick(t, d)
	clock.advance(3 * time.Minute)

	host.mu.Lock()
	host.sendHang["clear"] = true
	host.mu.Unlock()
	del.mu.Lock()
	del.hang = true
	del.mu.Unlock()

	done := make(chan TickReport, 1)
	go func() {
		report, err := d.Tick(context.Background(), d.State())
		if err != nil {
			t.Errorf("Tick: %v", err)
		}
		done <- report
	}()

	var r TickReport
	select {
	case r = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tick did not finish while send-keys and delivery hung")
	}

	dec, ok := decisionFor(r, "alpha:1")
	if !ok {
		t.Fatal("no decision for alpha:1")
	}
	if dec.Action != string(recovery.ActionAutoRestart) || !strings.Contains(dec.Reason, "failed") {
		t.Errorf("decision = %s %q, want a failed auto_restart", dec.Action, dec.Reason)
	}
	if r.Failed != 1 || len(r.Delivered) != 0 {
		t.Errorf("failed=%d delivered=%d, want 1/0", r.Failed, len(r.Delivered))
	}

	del.mu.Lock()
	del.hang = false
	del.mu.Unlock()

	tick(t, d)
	msgs := del.messages()
	if len(msgs) != 1 {
		t.Fatalf("requeued message not delivered, got %d messages", len(msgs))
	}
	var kinds []notify.Kind
	for _, it := range msgs[0].Items {
		kinds = append(kinds, it.Kind)
	}
	found := false
	for _, k := range kinds {
		if k == notify.KindRestartFailed {
			found = true
		}
	}
	if !found {
		t.Errorf("kinds = %v, want restart_failed", kinds)
	}
}

func TestTick_NotificationsDisabledDropsFindings(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", crashText)

	cfg := testConfig(t)
	cfg.Notifications.Enabled = false
	clock := &fakeClock{t: epoch}
	d, err := New(cfg, host,
		WithClock(clock.now),
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	tick(t, d)
	clock.advance(3 * time.Minute)
	r := tick(t, d)

	dec, _ := decisionFor(r, "alpha:1")
	if dec.Action != string(recovery.ActionAutoRestart) {
		t.Fatalf("action = %s, want auto_restart", dec.Action)
	}
	if r.Findings != 0 || r.Failed != 0 || len(r.Delivered) != 0 {
		t.Errorf("findings=%d failed=%d delivered=%d, want all zero", r.Findings, r.Failed, len(r.Delivered))
	}
	if n := d.State().Batcher.Pending(); n != 0 {
		t.Errorf("pending = %d, want nothing queued", n)
	}
}

func TestTick_ReportListsActiveSuppressions(t *testing.T) {
	host := newFakeHost()
	host.addWindow("alpha", 0, "pm", idleText)
	host.addWindow("alpha", 1, "worker", idleText)

	d, clock, _ := newTestDaemon(t, testConfig(t), host)

	r := tick(t, d)
	if len(r.Suppressed) != 2 {
		t.Fatalf("suppressed = %+v, want grace for both targets", r.Suppressed)
	}
	for i, want := range []string{"alpha:0", "alpha:1"} {
		e := r.Suppressed[i]
		if e.Target != want || e.Category != suppress.DiscoveryGrace || !e.ExpiresAt.Equal(epoch.Add(2*time.Minute)) {
			t.Errorf("entry %d = %+v", i, e)
		}
	}

	clock.advance(3 * time.Minute)
	r = tick(t, d)
	for _, e := range r.Suppressed {
		if e.Category == suppress.DiscoveryGrace {
			t.Errorf("grace should have expired: %+v", e)
		}
	}
}
