package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session is one interaction episode. At most one session per user is
// active (EndedAt == nil) at a time.
type Session struct {
	ID           string
	UserID       string
	StartedAt    time.Time
	EndedAt      *time.Time
	LastActivity time.Time
	TokenTotal   int
}

// Active reports whether the session still accepts turns.
func (s *Session) Active() bool { return s.EndedAt == nil }

const sessionColumns = `id, user_id, started_at, ended_at, last_activity, token_total`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var (
		s       Session
		started int64
		ended   sql.NullInt64
		last    int64
	)
	if err := row.Scan(&s.ID, &s.UserID, &started, &ended, &last, &s.TokenTotal); err != nil {
		return nil, err
	}
	s.StartedAt = fromMillis(started)
	s.LastActivity = fromMillis(last)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		s.EndedAt = &t
	}
	return &s, nil
}

// CreateSession opens a new active session for userID. It fails with a
// ValidationError when the ID is taken or the user already has an
// active session.
func (db *DB) CreateSession(id, userID string, at time.Time) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalid("session_id", "must not be empty")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user_id", "must not be empty")
	}

	err := db.withTx(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&n); err != nil {
			return fmt.Errorf("check session id: %w", err)
		}
		if n > 0 {
			return invalid("session_id", "session %s already exists", id)
		}

		var active string
		err := tx.QueryRow(`SELECT id FROM sessions WHERE user_id = ? AND ended_at IS NULL`, userID).Scan(&active)
		if err == nil {
			return invalid("user_id", "user %s already has active session %s", userID, active)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check active session: %w", err)
		}

		ms := toMillis(at)
		if _, err := tx.Exec(`
			INSERT INTO sessions (id, user_id, started_at, last_activity)
			VALUES (?, ?, ?, ?)
		`, id, userID, ms, ms); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	at = fromMillis(toMillis(at))
	return &Session{ID: id, UserID: userID, StartedAt: at, LastActivity: at}, nil
}

// GetSession returns a session by ID, or ErrNotFound.
func (db *DB) GetSession(id string) (*Session, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ActiveSession returns the user's active session, or ErrNotFound.
func (db *DB) ActiveSession(userID string) (*Session, error) {
	s, err := scanSession(db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND ended_at IS NULL
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active session for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return s, nil
}

// EndSession marks a session closed. Ending an already closed session
// is a no-op; the original end time is kept.
func (db *DB) EndSession(id string, at time.Time) error {
	return db.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE sessions SET ended_at = COALESCE(ended_at, ?)
			WHERE id = ?
		`, toMillis(at), id)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ListSessions returns sessions newest first. An empty userID lists all
// users.
func (db *DB) ListSessions(userID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSessions(rows)
}

// IdleSessions returns active sessions whose last activity is before
// cutoff.
func (db *DB) IdleSessions(cutoff time.Time) ([]Session, error) {
	rows, err := db.Query(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE ended_at IS NULL AND last_activity < ?
		ORDER BY last_activity
	`, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("idle sessions: %w", err)
	}
	return collectSessions(rows)
}

// PendingCompression returns IDs of closed sessions that still hold hot
// or warm turns.
func (db *DB) PendingCompression() ([]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT s.id FROM sessions s
		JOIN turns t ON t.session_id = s.id
		WHERE s.ended_at IS NOT NULL AND t.tier != 'cold'
		ORDER BY s.id
	`)
	if err != nil {
		return nil, fmt.Errorf("pending compression: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
