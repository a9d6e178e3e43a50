package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/playwarden/internal/config"
	"github.com/mtzanidakis/playwarden/internal/console"
)

// Console is the slice of the remote-console client the poller needs.
type Console interface {
	IsConnected() bool
	Players(ctx context.Context) (console.PlayerList, error)
}

// Snapshot is the poller's view of the world at one instant.
type Snapshot struct {
	Online              []string  `json:"online"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
}

// Poller periodically asks the console who is online and keeps a confirmed
// set plus a consecutive-failure counter. The counter gates the tracker's
// watchdog: while it is at or above max_failures the polling channel is not
// trusted and no session may be refreshed or expired based on it.
type Poller struct {
	console     Console
	interval    time.Duration
	maxFailures int

	mu          sync.RWMutex
	online      map[string]struct{}
	failures    int
	lastSuccess time.Time
}

func New(c Console, cfg config.PollerConfig) *Poller {
	return &Poller{
		console:     c,
		interval:    cfg.Interval,
		maxFailures: cfg.MaxFailures,
		online:      make(map[string]struct{}),
	}
}

// Run ticks until the context is cancelled. Ticks execute inline on the loop
// goroutine, so a slow poll delays the next tick instead of overlapping it.
func (p *Poller) Run(ctx context.Context) {
	interval := p.interval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("presence poller started", "interval", interval, "max_failures", p.maxFailures)

	for {
		select {
		case <-ctx.Done():
			slog.Info("presence poller stopped")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll performs a single poll cycle.
func (p *Poller) Poll(ctx context.Context) {
	if !p.console.IsConnected() {
		p.recordFailure("console not connected")
		return
	}

	pl, err := p.console.Players(ctx)
	if err != nil {
		p.recordFailure(err.Error())
		return
	}

	confirmed := make(map[string]struct{}, len(pl.Names))
	for _, name := range pl.Names {
		confirmed[name] = struct{}{}
	}

	p.mu.Lock()
	// Replace, never merge: a name absent from this poll must not linger
	p.online = confirmed
	p.failures = 0
	p.lastSuccess = time.Now()
	p.mu.Unlock()

	slog.Debug("presence poll ok", "online", pl.Online, "max", pl.Max)
}

func (p *Poller) recordFailure(reason string) {
	p.mu.Lock()
	p.failures++
	failures := p.failures
	p.mu.Unlock()

	slog.Warn("presence poll failed", "reason", reason,
		"consecutive_failures", failures, "max_failures", p.maxFailures)
}

// Reliable reports whether the polling channel's output can be trusted.
func (p *Poller) Reliable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failures < p.maxFailures
}

// Confirmed reports whether the last successful poll saw the given name.
func (p *Poller) Confirmed(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[name]
	return ok
}

// Online returns a copy of the confirmed-online set.
func (p *Poller) Online() map[string]struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]struct{}, len(p.online))
	for name := range p.online {
		out[name] = struct{}{}
	}
	return out
}

func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.online))
	for name := range p.online {
		names = append(names, name)
	}
	sort.Strings(names)

	return Snapshot{
		Online:              names,
		ConsecutiveFailures: p.failures,
		LastSuccess:         p.lastSuccess,
	}
}
