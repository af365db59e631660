package store

import (
	"database/sql"
	"fmt"
	"time"
)

// maxFailureReason caps the stored reason text. Summarizer errors can
// echo whole model replies.
const maxFailureReason = 2048

// Failure records a turn that went cold verbatim because its summary
// could not be produced.
type Failure struct {
	ID        int64
	SessionID string
	TurnID    string
	Reason    string
	CreatedAt time.Time
}

// RecordFailure stores a compression failure for later inspection.
func (db *DB) RecordFailure(sessionID, turnID, reason string, at time.Time) error {
	if len(reason) > maxFailureReason {
		reason = reason[:maxFailureReason]
	}
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO compression_failures (session_id, turn_id, reason, created_at)
			VALUES (?, ?, ?, ?)
		`, sessionID, turnID, reason, toMillis(at)); err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		return nil
	})
}

// ListFailures returns failures oldest first. An empty sessionID lists
// all of them.
func (db *DB) ListFailures(sessionID string) ([]Failure, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = db.Query(`SELECT id, session_id, turn_id, reason, created_at FROM compression_failures ORDER BY id`)
	} else {
		rows, err = db.Query(`SELECT id, session_id, turn_id, reason, created_at FROM compression_failures WHERE session_id = ? ORDER BY id`, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f       Failure
			created int64
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &f.TurnID, &f.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.CreatedAt = fromMillis(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Stats is a snapshot of log sizes.
type Stats struct {
	Sessions       int
	ActiveSessions int
	TurnsByTier    map[Tier]int
	Summaries      int
	Failures       int
}

// Stats counts sessions, turns per tier, summaries, and failures.
func (db *DB) Stats() (*Stats, error) {
	st := &Stats{TurnsByTier: map[Tier]int{TierHot: 0, TierWarm: 0, TierCold: 0}}

	if err := db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0) FROM sessions
	`).Scan(&st.Sessions, &st.ActiveSessions); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM summaries`).Scan(&st.Summaries); err != nil {
		return nil, fmt.Errorf("count summaries: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM compression_failures`).Scan(&st.Failures); err != nil {
		return nil, fmt.Errorf("count failures: %w", err)
	}

	rows, err := db.Query(`SELECT tier, COUNT(*) FROM turns GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("count turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tier string
			n    int
		)
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("scan tier count: %w", err)
		}
		st.TurnsByTier[Tier(tier)] = n
	}
	return st, rows.Err()
}
