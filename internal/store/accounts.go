package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Account is the durable record of one player: identity, last-known display
// name, first/last sighting and lifetime playtime. SessionStart is non-nil
// while a session is open; the at-most-one-open-session invariant is enforced
// by it living on the account row itself.
type Account struct {
	Identifier   string        `json:"identifier"`
	DisplayName  string        `json:"display_name"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`
	Playtime     time.Duration `json:"playtime_ms"`
	SessionCount int           `json:"session_count"`
	SessionStart *time.Time    `json:"session_start,omitempty"`
}

// Online reports whether the account currently has an open session.
func (a *Account) Online() bool {
	return a.SessionStart != nil
}

const accountColumns = `identifier, display_name, first_seen, last_seen, playtime_ms, session_count, session_start`

// UpsertAccount creates the account on first join or refreshes its display
// name and last-seen on subsequent ones.
func (s *Store) UpsertAccount(identifier, displayName string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (identifier, display_name, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			display_name = excluded.display_name,
			last_seen = excluded.last_seen`,
		identifier, displayName, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// OpenSession stamps session_start and bumps the session counter.
func (s *Store) OpenSession(identifier string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE accounts
		SET session_start = ?, session_count = session_count + 1, last_seen = ?
		WHERE identifier = ?`,
		now.UnixMilli(), now.UnixMilli(), identifier)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("open session rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("open session: unknown account %s", identifier)
	}
	return nil
}

// RefreshLastSeen updates the last-seen timestamp of an open session.
func (s *Store) RefreshLastSeen(identifier string, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE accounts SET last_seen = ?
		WHERE identifier = ? AND session_start IS NOT NULL`,
		now.UnixMilli(), identifier)
	if err != nil {
		return fmt.Errorf("refresh last seen: %w", err)
	}
	return nil
}

// CloseSession folds the elapsed session time into cumulative playtime and
// clears session_start. Closing an account with no open session is a no-op
// and reports closed=false, so concurrent closures of the same session
// cannot double-count.
func (s *Store) CloseSession(identifier string, now time.Time) (elapsed time.Duration, closed bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("begin close session: %w", err)
	}
	defer tx.Rollback()

	var start sql.NullInt64
	err = tx.QueryRow(`SELECT session_start FROM accounts WHERE identifier = ?`, identifier).Scan(&start)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read session start: %w", err)
	}
	if !start.Valid {
		return 0, false, nil
	}

	elapsedMs := now.UnixMilli() - start.Int64
	if elapsedMs < 0 {
		elapsedMs = 0
	}

	_, err = tx.Exec(`
		UPDATE accounts
		SET playtime_ms = playtime_ms + ?, session_start = NULL, last_seen = ?
		WHERE identifier = ?`,
		elapsedMs, now.UnixMilli(), identifier)
	if err != nil {
		return 0, false, fmt.Errorf("close session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit close session: %w", err)
	}
	return time.Duration(elapsedMs) * time.Millisecond, true, nil
}

// GetAccount returns the account with the given identifier, or nil.
func (s *Store) GetAccount(identifier string) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE identifier = ?`, identifier)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetAccountByName returns the most recently seen account carrying the given
// display name, or nil. Display names are mutable, so ties go to recency.
func (s *Store) GetAccountByName(displayName string) (*Account, error) {
	row := s.db.QueryRow(`
		SELECT `+accountColumns+` FROM accounts
		WHERE display_name = ? ORDER BY last_seen DESC LIMIT 1`, displayName)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by name: %w", err)
	}
	return a, nil
}

// GetAllAccounts returns every account ordered by first sighting.
func (s *Store) GetAllAccounts() ([]Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY first_seen`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// GetOpenSessions returns every account with an open session.
func (s *Store) GetOpenSessions() ([]Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts WHERE session_start IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open session: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// GetStaleOpenSessions returns accounts with an open session whose last-seen
// is strictly older than the cutoff.
func (s *Store) GetStaleOpenSessions(cutoff time.Time) ([]Account, error) {
	rows, err := s.db.Query(`
		SELECT `+accountColumns+` FROM accounts
		WHERE session_start IS NOT NULL AND last_seen < ?`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale session: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// CountAccounts returns the total number of known accounts.
func (s *Store) CountAccounts() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(sc scanner) (*Account, error) {
	var a Account
	var firstSeen, lastSeen, playtimeMs int64
	var sessionStart sql.NullInt64
	if err := sc.Scan(&a.Identifier, &a.DisplayName, &firstSeen, &lastSeen,
		&playtimeMs, &a.SessionCount, &sessionStart); err != nil {
		return nil, err
	}
	a.FirstSeen = time.UnixMilli(firstSeen)
	a.LastSeen = time.UnixMilli(lastSeen)
	a.Playtime = time.Duration(playtimeMs) * time.Millisecond
	if sessionStart.Valid {
		t := time.UnixMilli(sessionStart.Int64)
		a.SessionStart = &t
	}
	return &a, nil
}
