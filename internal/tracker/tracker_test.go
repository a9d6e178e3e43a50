package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/playwarden/internal/config"
	"github.com/mtzanidakis/playwarden/internal/identity"
	"github.com/mtzanidakis/playwarden/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePresence struct {
	mu       sync.Mutex
	reliable bool
	online   map[string]struct{}
}

func (p *fakePresence) Reliable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reliable
}

func (p *fakePresence) Online() map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]struct{}, len(p.online))
	for n := range p.online {
		out[n] = struct{}{}
	}
	return out
}

func (p *fakePresence) set(reliable bool, names ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reliable = reliable
	p.online = make(map[string]struct{}, len(names))
	for _, n := range names {
		p.online[n] = struct{}{}
	}
}

type capturedEvents struct {
	mu     sync.Mutex
	joined []JoinedEvent
	left   []LeftEvent
}

func (c *capturedEvents) PublishJoined(e JoinedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, e)
}

func (c *capturedEvents) PublishLeft(e LeftEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, e)
}

func (c *capturedEvents) lastLeft(t *testing.T) LeftEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.left) == 0 {
		t.Fatal("no left events captured")
	}
	return c.left[len(c.left)-1]
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, name string) (string, error) {
	return "", errors.New("resolver unavailable")
}

type harness struct {
	tracker  *Tracker
	store    *store.Store
	presence *fakePresence
	events   *capturedEvents
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	presence := &fakePresence{reliable: true, online: map[string]struct{}{}}
	events := &capturedEvents{}
	clock := &fakeClock{t: time.UnixMilli(1_000_000_000)}

	tr := New(s, identity.NewLocal(), presence, events, config.TrackerConfig{
		HeartbeatInterval: 60 * time.Second,
		SessionTimeout:    180 * time.Second,
	})
	tr.now = clock.Now

	return &harness{tracker: tr, store: s, presence: presence, events: events, clock: clock}
}

func (h *harness) account(t *testing.T, name string) *store.Account {
	t.Helper()
	a, err := h.store.GetAccountByName(name)
	if err != nil {
		t.Fatalf("get account %s: %v", name, err)
	}
	if a == nil {
		t.Fatalf("expected account for %s", name)
	}
	return a
}

func TestJoinLeavePlaytime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.tracker.PlayerJoined(ctx, "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	a := h.account(t, "Alice")
	if !a.Online() {
		t.Fatal("expected open session after join")
	}

	h.clock.Advance(125 * time.Second)
	if err := h.tracker.PlayerLeft(ctx, "Alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	a = h.account(t, "Alice")
	if a.Online() {
		t.Error("expected no open session after leave")
	}
	if a.Playtime != 125*time.Second {
		t.Errorf("expected playtime 125s, got %v", a.Playtime)
	}
	if a.SessionCount != 1 {
		t.Errorf("expected session count 1, got %d", a.SessionCount)
	}

	left := h.events.lastLeft(t)
	if left.SessionDurationMs != 125000 {
		t.Errorf("expected left duration 125000ms, got %d", left.SessionDurationMs)
	}
	if left.Reason != ReasonLeave {
		t.Errorf("expected reason %s, got %s", ReasonLeave, left.Reason)
	}
	if left.Identifier == "" || left.Name != "Alice" {
		t.Errorf("unexpected left event: %+v", left)
	}
}

func TestRejoinClosesPreviousSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.tracker.PlayerJoined(ctx, "Alice")
	h.clock.Advance(60 * time.Second)
	_ = h.tracker.PlayerJoined(ctx, "Alice")

	// The first session's 60s are credited, not discarded
	left := h.events.lastLeft(t)
	if left.Reason != ReasonRejoin {
		t.Errorf("expected reason %s, got %s", ReasonRejoin, left.Reason)
	}
	if left.SessionDurationMs != 60000 {
		t.Errorf("expected 60000ms credited, got %d", left.SessionDurationMs)
	}

	a := h.account(t, "Alice")
	if a.Playtime != 60*time.Second {
		t.Errorf("expected playtime 60s, got %v", a.Playtime)
	}
	if !a.Online() {
		t.Error("expected new session open after rejoin")
	}
	if a.SessionCount != 2 {
		t.Errorf("expected session count 2, got %d", a.SessionCount)
	}
	if got := len(h.tracker.GetOnlineIdentifiers()); got != 1 {
		t.Errorf("expected exactly one open session, got %d", got)
	}
}

func TestResolverFailureDropsJoin(t *testing.T) {
	h := newHarness(t)
	h.tracker.resolver = failingResolver{}

	if err := h.tracker.PlayerJoined(context.Background(), "Alice"); err == nil {
		t.Fatal("expected error from failed resolution")
	}

	a, _ := h.store.GetAccountByName("Alice")
	if a != nil {
		t.Error("expected no account after dropped join")
	}
	if len(h.tracker.GetOnlineIdentifiers()) != 0 {
		t.Error("expected no open session after dropped join")
	}
}

func TestLeaveUnknownPlayerNoop(t *testing.T) {
	h := newHarness(t)

	if err := h.tracker.PlayerLeft(context.Background(), "Ghost"); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.left) != 0 {
		t.Error("expected no left event for unknown player")
	}
}

func TestHeartbeatRefreshesOnlyConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.tracker.PlayerJoined(ctx, "Alice")
	_ = h.tracker.PlayerJoined(ctx, "Bob")
	joinTime := h.clock.Now()

	h.clock.Advance(60 * time.Second)
	h.presence.set(true, "Alice")
	h.tracker.Heartbeat()

	alice := h.account(t, "Alice")
	if !alice.LastSeen.Equal(h.clock.Now()) {
		t.Errorf("expected Alice last-seen refreshed to %v, got %v", h.clock.Now(), alice.LastSeen)
	}

	bob := h.account(t, "Bob")
	if !bob.LastSeen.Equal(joinTime) {
		t.Errorf("expected Bob last-seen unchanged at %v, got %v", joinTime, bob.LastSeen)
	}
}

func TestWatchdogClosesStaleSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.tracker.PlayerJoined(ctx, "Bob")
	start := h.clock.Now()

	// Bob is never confirmed online; four heartbeats pass while reliable
	h.presence.set(true)
	for i := 0; i < 3; i++ {
		h.clock.Advance(60 * time.Second)
		h.tracker.Heartbeat()
		if a := h.account(t, "Bob"); !a.Online() && h.clock.Now().Sub(start) <= 180*time.Second {
			t.Fatalf("session closed too early at age %v", h.clock.Now().Sub(start))
		}
	}

	// Age is now 240s > 180s timeout
	h.clock.Advance(60 * time.Second)
	h.tracker.Heartbeat()

	a := h.account(t, "Bob")
	if a.Online() {
		t.Fatal("expected watchdog to close stale session")
	}
	if a.Playtime != 240*time.Second {
		t.Errorf("expected playtime 240s, got %v", a.Playtime)
	}

	left := h.events.lastLeft(t)
	if left.Reason != ReasonTimeout {
		t.Errorf("expected reason %s, got %s", ReasonTimeout, left.Reason)
	}
	if left.SessionDurationMs != 240000 {
		t.Errorf("expected 240000ms, got %d", left.SessionDurationMs)
	}
}

func TestUnreliablePollerBlocksWatchdog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.tracker.PlayerJoined(ctx, "Carol")

	// Carol unseen for far longer than the timeout, but the poller is down
	h.presence.set(false)
	h.clock.Advance(500 * time.Second)
	h.tracker.Heartbeat()

	if a := h.account(t, "Carol"); !a.Online() {
		t.Fatal("unreliable poller must never force a closure")
	}

	// One successful poll restores reliability; the very next tick closes
	h.presence.set(true)
	h.tracker.Heartbeat()

	if a := h.account(t, "Carol"); a.Online() {
		t.Fatal("expected closure on the first reliable heartbeat")
	}
	if left := h.events.lastLeft(t); left.Reason != ReasonTimeout {
		t.Errorf("expected reason %s, got %s", ReasonTimeout, left.Reason)
	}
}

func TestUnreliablePollerBlocksRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.tracker.PlayerJoined(ctx, "Alice")
	joinTime := h.clock.Now()

	h.presence.set(false, "Alice")
	h.clock.Advance(60 * time.Second)
	h.tracker.Heartbeat()

	// Even though Alice is in the (stale) confirmed set, no refresh happens
	a := h.account(t, "Alice")
	if !a.LastSeen.Equal(joinTime) {
		t.Errorf("expected no refresh while unreliable, last-seen %v", a.LastSeen)
	}
}

func TestOnlineSetMatchesStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, name := range []string{"Alice", "Bob", "Carol"} {
		_ = h.tracker.PlayerJoined(ctx, name)
	}
	_ = h.tracker.PlayerLeft(ctx, "Bob")

	open, err := h.store.GetOpenSessions()
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	want := make(map[string]bool, len(open))
	for _, a := range open {
		want[a.Identifier] = true
	}

	got := h.tracker.GetOnlineIdentifiers()
	if len(got) != len(want) {
		t.Fatalf("expected %d online identifiers, got %d", len(want), len(got))
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("identifier %s online in memory but not in store", id)
		}
	}

	names := h.tracker.GetOnlineDisplayNames()
	if len(names) != 2 || names[0] != "Alice" || names[1] != "Carol" {
		t.Errorf("unexpected online names: %v", names)
	}
}

func TestShutdownDrainsOpenSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = h.tracker.PlayerJoined(ctx, "Alice")
	_ = h.tracker.PlayerJoined(ctx, "Bob")
	h.clock.Advance(30 * time.Second)

	if err := h.tracker.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	open, err := h.store.GetOpenSessions()
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected zero open sessions after shutdown, got %d", len(open))
	}

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.left) != 2 {
		t.Fatalf("expected 2 left events, got %d", len(h.events.left))
	}
	for _, e := range h.events.left {
		if e.Reason != ReasonShutdown {
			t.Errorf("expected reason %s, got %s", ReasonShutdown, e.Reason)
		}
		if e.SessionDurationMs != 30000 {
			t.Errorf("expected 30000ms, got %d", e.SessionDurationMs)
		}
	}
}

func TestStartRestoresOpenSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A previous run left Alice's session open
	_ = h.tracker.PlayerJoined(ctx, "Alice")
	aliceID := h.account(t, "Alice").Identifier

	fresh := New(h.store, identity.NewLocal(), h.presence, h.events, config.TrackerConfig{
		HeartbeatInterval: 60 * time.Second,
		SessionTimeout:    180 * time.Second,
	})
	fresh.now = h.clock.Now

	if err := fresh.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fresh.Shutdown(ctx)

	ids := fresh.GetOnlineIdentifiers()
	if len(ids) != 1 || ids[0] != aliceID {
		t.Errorf("expected restored session for %s, got %v", aliceID, ids)
	}

	// The restored session closes through the normal leave path
	if err := fresh.PlayerLeft(ctx, "Alice"); err != nil {
		t.Fatalf("leave restored session: %v", err)
	}
	if a := h.account(t, "Alice"); a.Online() {
		t.Error("expected restored session closed")
	}
}

func TestDoubleCloseEmitsSingleEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.tracker.PlayerJoined(ctx, "Alice")
	h.clock.Advance(time.Minute)
	_ = h.tracker.PlayerLeft(ctx, "Alice")
	_ = h.tracker.PlayerLeft(ctx, "Alice")

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.left) != 1 {
		t.Errorf("expected exactly 1 left event, got %d", len(h.events.left))
	}
}

func TestWatchdogConfigAndTimeout(t *testing.T) {
	h := newHarness(t)

	cfg := h.tracker.GetWatchdogConfig()
	if cfg.HeartbeatInterval != 60*time.Second || cfg.SessionTimeout != 180*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	if err := h.tracker.SetSessionTimeout(5 * time.Minute); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	if got := h.tracker.GetWatchdogConfig().SessionTimeout; got != 5*time.Minute {
		t.Errorf("expected 5m timeout, got %v", got)
	}

	if err := h.tracker.SetSessionTimeout(0); err == nil {
		t.Error("expected error for zero timeout")
	}

	// A longer timeout keeps an otherwise-stale session open
	ctx := context.Background()
	_ = h.tracker.PlayerJoined(ctx, "Alice")
	h.presence.set(true)
	h.clock.Advance(200 * time.Second)
	h.tracker.Heartbeat()
	if a := h.account(t, "Alice"); !a.Online() {
		t.Error("session closed despite extended timeout")
	}
}

func TestSessionLogRecordsClosures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.tracker.PlayerJoined(ctx, "Alice")
	h.clock.Advance(90 * time.Second)
	_ = h.tracker.PlayerLeft(ctx, "Alice")

	id := h.account(t, "Alice").Identifier
	entries, err := h.store.GetSessionLog(id, 10)
	if err != nil {
		t.Fatalf("session log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Duration != 90*time.Second || e.EndReason != ReasonLeave {
		t.Errorf("unexpected log entry: %+v", e)
	}
	if !e.EndedAt.Equal(h.clock.Now()) {
		t.Errorf("expected ended at %v, got %v", h.clock.Now(), e.EndedAt)
	}
}
