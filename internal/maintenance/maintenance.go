package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mtzanidakis/playwarden/internal/config"
)

// Store is the slice of the session store the maintenance loop needs.
type Store interface {
	PruneSessionLog(before time.Time) (int64, error)
	Checkpoint() error
}

// Maintenance prunes aged session log entries and checkpoints the WAL on a
// cron schedule.
type Maintenance struct {
	store     Store
	schedule  string
	retention time.Duration
}

func New(s Store, cfg config.MaintenanceConfig) (*Maintenance, error) {
	if !gronx.New().IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid maintenance schedule: %s", cfg.Schedule)
	}
	if cfg.LogRetention <= 0 {
		return nil, fmt.Errorf("log retention must be positive, got %v", cfg.LogRetention)
	}
	return &Maintenance{
		store:     s,
		schedule:  cfg.Schedule,
		retention: cfg.LogRetention,
	}, nil
}

func (m *Maintenance) Start(ctx context.Context) {
	slog.Info("maintenance started", "schedule", m.schedule, "log_retention", m.retention)

	for {
		next, err := gronx.NextTick(m.schedule, false)
		if err != nil {
			slog.Error("maintenance schedule evaluation failed", "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("maintenance stopped")
			return
		case <-timer.C:
			m.RunOnce()
		}
	}
}

// RunOnce executes a single maintenance pass.
func (m *Maintenance) RunOnce() {
	cutoff := time.Now().Add(-m.retention)

	pruned, err := m.store.PruneSessionLog(cutoff)
	if err != nil {
		slog.Error("session log prune failed", "error", err)
	} else if pruned > 0 {
		slog.Info("pruned session log", "removed", pruned, "cutoff", cutoff)
	}

	if err := m.store.Checkpoint(); err != nil {
		slog.Error("wal checkpoint failed", "error", err)
	} else {
		slog.Debug("wal checkpoint complete")
	}
}
