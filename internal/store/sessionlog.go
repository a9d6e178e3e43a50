package store

import (
	"fmt"
	"time"
)

// SessionLogEntry records one closed session: who, when, for how long, and
// whether the closure was an explicit leave, a watchdog timeout, a rejoin
// while a session was still open, or a shutdown drain.
type SessionLogEntry struct {
	ID         string        `json:"id"`
	Identifier string        `json:"identifier"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Duration   time.Duration `json:"duration_ms"`
	EndReason  string        `json:"end_reason"`
}

func (s *Store) LogSession(e *SessionLogEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO session_log (id, identifier, started_at, ended_at, duration_ms, end_reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Identifier, e.StartedAt.UnixMilli(), e.EndedAt.UnixMilli(),
		e.Duration.Milliseconds(), e.EndReason)
	if err != nil {
		return fmt.Errorf("log session: %w", err)
	}
	return nil
}

// GetSessionLog returns the most recent closed sessions for an account,
// newest first.
func (s *Store) GetSessionLog(identifier string, limit int) ([]SessionLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, identifier, started_at, ended_at, duration_ms, end_reason
		FROM session_log WHERE identifier = ?
		ORDER BY ended_at DESC LIMIT ?`, identifier, limit)
	if err != nil {
		return nil, fmt.Errorf("get session log: %w", err)
	}
	defer rows.Close()

	var entries []SessionLogEntry
	for rows.Next() {
		var e SessionLogEntry
		var startedAt, endedAt, durationMs int64
		if err := rows.Scan(&e.ID, &e.Identifier, &startedAt, &endedAt, &durationMs, &e.EndReason); err != nil {
			return nil, fmt.Errorf("scan session log: %w", err)
		}
		e.StartedAt = time.UnixMilli(startedAt)
		e.EndedAt = time.UnixMilli(endedAt)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneSessionLog deletes log rows that ended before the cutoff and returns
// how many were removed. Cumulative playtime on the account rows is untouched.
func (s *Store) PruneSessionLog(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM session_log WHERE ended_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune session log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune session log rows: %w", err)
	}
	return n, nil
}
