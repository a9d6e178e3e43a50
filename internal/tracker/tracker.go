package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/playwarden/internal/config"
	"github.com/mtzanidakis/playwarden/internal/identity"
	"github.com/mtzanidakis/playwarden/internal/store"
)

// Store is the slice of the session store the tracker depends on.
type Store interface {
	UpsertAccount(identifier, displayName string, now time.Time) error
	OpenSession(identifier string, now time.Time) error
	RefreshLastSeen(identifier string, now time.Time) error
	CloseSession(identifier string, now time.Time) (time.Duration, bool, error)
	GetAccount(identifier string) (*store.Account, error)
	GetAccountByName(displayName string) (*store.Account, error)
	GetAllAccounts() ([]store.Account, error)
	GetOpenSessions() ([]store.Account, error)
	GetStaleOpenSessions(cutoff time.Time) ([]store.Account, error)
	LogSession(e *store.SessionLogEntry) error
}

// Presence is the slice of the poller the tracker depends on.
type Presence interface {
	Reliable() bool
	Online() map[string]struct{}
}

// WatchdogConfig is the tracker's current timing configuration.
type WatchdogConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	SessionTimeout    time.Duration `json:"session_timeout"`
}

// activeSession mirrors the persisted open session for O(1) lookup without a
// storage round trip.
type activeSession struct {
	name  string
	start time.Time
}

// Tracker owns the in-memory map of open sessions and reconciles the two
// presence channels: explicit join/leave calls and the poller's confirmed
// set. The heartbeat refreshes last-seen only for poller-confirmed players
// and the watchdog force-closes stale sessions, but both act only while the
// poller is reliable; a broken polling channel can never close a session.
type Tracker struct {
	store    Store
	resolver identity.Resolver
	presence Presence
	events   Publisher
	now      func() time.Time

	mu                sync.Mutex
	active            map[string]activeSession // identifier → session
	byName            map[string]string        // display name → identifier
	heartbeatInterval time.Duration
	sessionTimeout    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func New(s Store, resolver identity.Resolver, presence Presence, events Publisher, cfg config.TrackerConfig) *Tracker {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 60 * time.Second
	}
	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Tracker{
		store:             s,
		resolver:          resolver,
		presence:          presence,
		events:            events,
		now:               time.Now,
		active:            make(map[string]activeSession),
		byName:            make(map[string]string),
		heartbeatInterval: heartbeat,
		sessionTimeout:    timeout,
	}
}

// Start restores open sessions left over from a previous run into the active
// map and launches the heartbeat loop.
func (t *Tracker) Start(ctx context.Context) error {
	open, err := t.store.GetOpenSessions()
	if err != nil {
		return fmt.Errorf("restore open sessions: %w", err)
	}

	t.mu.Lock()
	for _, a := range open {
		if a.SessionStart == nil {
			continue
		}
		t.active[a.Identifier] = activeSession{name: a.DisplayName, start: *a.SessionStart}
		t.byName[a.DisplayName] = a.Identifier
	}
	restored := len(t.active)
	t.mu.Unlock()

	if restored > 0 {
		slog.Info("restored open sessions from store", "count", restored)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		t.heartbeatLoop(runCtx)
	}()

	return nil
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()

	slog.Info("session tracker started",
		"heartbeat_interval", t.heartbeatInterval, "session_timeout", t.SessionTimeout())

	for {
		select {
		case <-ctx.Done():
			slog.Info("session tracker stopped")
			return
		case <-ticker.C:
			t.Heartbeat()
		}
	}
}

// PlayerJoined opens a session for the named player. A failed identity
// lookup drops the join; a join while a session is already open closes the
// old session first, crediting its elapsed time.
func (t *Tracker) PlayerJoined(ctx context.Context, name string) error {
	identifier, err := t.resolver.Resolve(ctx, name)
	if err != nil {
		slog.Warn("identity resolution failed, dropping join", "name", name, "error", err)
		return fmt.Errorf("resolve %q: %w", name, err)
	}

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, open := t.active[identifier]; open {
		slog.Warn("join with session already open, closing previous session",
			"name", name, "identifier", identifier)
		t.closeLocked(identifier, name, ReasonRejoin)
	}

	// Persistence failures are logged and the in-memory state kept; the
	// store may now lag behind until the next successful write.
	if err := t.store.UpsertAccount(identifier, name, now); err != nil {
		slog.Error("persist account failed", "identifier", identifier, "error", err)
	}
	if err := t.store.OpenSession(identifier, now); err != nil {
		slog.Error("persist session open failed", "identifier", identifier, "error", err)
	}

	t.active[identifier] = activeSession{name: name, start: now}
	t.byName[name] = identifier

	slog.Info("player joined", "name", name, "identifier", identifier)
	t.events.PublishJoined(JoinedEvent{
		EventID:    uuid.New().String(),
		Name:       name,
		Identifier: identifier,
		Timestamp:  now,
	})
	return nil
}

// PlayerLeft closes the named player's session. Unknown names are logged and
// ignored; there is nothing to close.
func (t *Tracker) PlayerLeft(ctx context.Context, name string) error {
	t.mu.Lock()
	identifier, ok := t.byName[name]
	t.mu.Unlock()

	if !ok {
		// Fall back to the store: the tracker may have restarted since the join
		acc, err := t.store.GetAccountByName(name)
		if err != nil {
			slog.Error("account lookup failed on leave", "name", name, "error", err)
			return fmt.Errorf("lookup %q: %w", name, err)
		}
		if acc == nil {
			slog.Warn("leave for unknown player, nothing to close", "name", name)
			return nil
		}
		identifier = acc.Identifier
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked(identifier, name, ReasonLeave)
	return nil
}

// closeLocked closes one session through the store's idempotent close path
// and, if a session was actually closed, logs it and emits the left event.
// Callers must hold t.mu.
func (t *Tracker) closeLocked(identifier, name, reason string) {
	now := t.now()

	elapsed, closed, err := t.store.CloseSession(identifier, now)
	if err != nil {
		slog.Error("persist session close failed", "identifier", identifier, "error", err)
	}

	if entry, ok := t.active[identifier]; ok {
		if name == "" {
			name = entry.name
		}
		delete(t.active, identifier)
		if t.byName[entry.name] == identifier {
			delete(t.byName, entry.name)
		}
	}

	if !closed {
		return
	}

	if err := t.store.LogSession(&store.SessionLogEntry{
		ID:         uuid.New().String(),
		Identifier: identifier,
		StartedAt:  now.Add(-elapsed),
		EndedAt:    now,
		Duration:   elapsed,
		EndReason:  reason,
	}); err != nil {
		slog.Error("persist session log failed", "identifier", identifier, "error", err)
	}

	slog.Info("player left", "name", name, "identifier", identifier,
		"session_duration", elapsed, "reason", reason)
	t.events.PublishLeft(LeftEvent{
		EventID:           uuid.New().String(),
		Name:              name,
		Identifier:        identifier,
		SessionDurationMs: elapsed.Milliseconds(),
		Reason:            reason,
		Timestamp:         now,
	})
}

// Heartbeat runs one heartbeat tick: refresh last-seen for poller-confirmed
// players, then scan for stale sessions. While the poller is unreliable the
// whole tick is skipped: an untrusted signal must neither refresh nor
// expire sessions.
func (t *Tracker) Heartbeat() {
	if !t.presence.Reliable() {
		slog.Warn("presence poller unreliable, skipping heartbeat tick")
		return
	}

	online := t.presence.Online()
	now := t.now()

	t.mu.Lock()
	for identifier, entry := range t.active {
		if _, confirmed := online[entry.name]; !confirmed {
			slog.Debug("player not in confirmed-online set, skipping refresh",
				"name", entry.name, "identifier", identifier)
			continue
		}
		if err := t.store.RefreshLastSeen(identifier, now); err != nil {
			slog.Error("persist last-seen refresh failed", "identifier", identifier, "error", err)
		}
	}
	t.mu.Unlock()

	t.checkForStaleSessions()
}

// checkForStaleSessions force-closes open sessions whose last-seen exceeded
// the session timeout. This is the only path that closes a session the
// tracker did not see leave explicitly.
func (t *Tracker) checkForStaleSessions() {
	timeout := t.SessionTimeout()
	now := t.now()

	stale, err := t.store.GetStaleOpenSessions(now.Add(-timeout))
	if err != nil {
		slog.Error("stale session scan failed", "error", err)
		return
	}

	for _, acc := range stale {
		slog.Warn("force-closing stale session",
			"identifier", acc.Identifier, "name", acc.DisplayName,
			"last_seen_age", now.Sub(acc.LastSeen), "session_timeout", timeout)

		t.mu.Lock()
		t.closeLocked(acc.Identifier, acc.DisplayName, ReasonTimeout)
		t.mu.Unlock()
	}
}

// Shutdown stops the heartbeat loop and drains every remaining open session
// so no account is left with a dangling session after a clean stop.
func (t *Tracker) Shutdown(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		select {
		case <-t.done:
		case <-ctx.Done():
			return fmt.Errorf("await heartbeat stop: %w", ctx.Err())
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := make([]string, 0, len(t.active))
	for identifier := range t.active {
		remaining = append(remaining, identifier)
	}
	for _, identifier := range remaining {
		t.closeLocked(identifier, "", ReasonShutdown)
	}

	if len(remaining) > 0 {
		slog.Info("drained open sessions on shutdown", "count", len(remaining))
	}
	return nil
}

// GetAllAccounts returns every known account.
func (t *Tracker) GetAllAccounts() ([]store.Account, error) {
	return t.store.GetAllAccounts()
}

// GetOnlineIdentifiers returns the identifiers of all open sessions, sorted.
func (t *Tracker) GetOnlineIdentifiers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.active))
	for identifier := range t.active {
		ids = append(ids, identifier)
	}
	sort.Strings(ids)
	return ids
}

// GetOnlineDisplayNames returns the display names of all open sessions, sorted.
func (t *Tracker) GetOnlineDisplayNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.active))
	for _, entry := range t.active {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}

// GetAccountStats returns the account for a display name, preferring the
// in-memory index over a store scan.
func (t *Tracker) GetAccountStats(name string) (*store.Account, error) {
	t.mu.Lock()
	identifier, ok := t.byName[name]
	t.mu.Unlock()

	if ok {
		return t.store.GetAccount(identifier)
	}
	return t.store.GetAccountByName(name)
}

// GetWatchdogConfig returns the current heartbeat and timeout settings.
func (t *Tracker) GetWatchdogConfig() WatchdogConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return WatchdogConfig{
		HeartbeatInterval: t.heartbeatInterval,
		SessionTimeout:    t.sessionTimeout,
	}
}

// SetSessionTimeout changes the watchdog timeout; it takes effect on the
// next heartbeat tick.
func (t *Tracker) SetSessionTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("session timeout must be positive, got %v", d)
	}
	t.mu.Lock()
	t.sessionTimeout = d
	t.mu.Unlock()
	slog.Info("session timeout updated", "session_timeout", d)
	return nil
}

// SessionTimeout returns the current watchdog timeout.
func (t *Tracker) SessionTimeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionTimeout
}
