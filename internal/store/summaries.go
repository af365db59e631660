package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Summary is the compressed stand-in for a cold turn. Immutable once
// written.
type Summary struct {
	ID            string
	SessionID     string
	SourceTurnIDs []string
	Synopsis      string
	Keywords      []string
	Tokens        int
	CreatedAt     time.Time
}

const summaryColumns = `id, session_id, synopsis, keywords, source_ids, tokens, created_at`

func scanSummary(row interface{ Scan(...any) error }) (*Summary, error) {
	var (
		s                Summary
		keywords, source []byte
		created          int64
	)
	if err := row.Scan(&s.ID, &s.SessionID, &s.Synopsis, &keywords, &source, &s.Tokens, &created); err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(created)
	if len(keywords) > 0 {
		if err := cbor.Unmarshal(keywords, &s.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
	}
	if err := cbor.Unmarshal(source, &s.SourceTurnIDs); err != nil {
		return nil, fmt.Errorf("decode source ids: %w", err)
	}
	return &s, nil
}

func insertSummary(tx *sql.Tx, s *Summary) error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return invalid("summary.id", "must not be empty")
	case strings.TrimSpace(s.Synopsis) == "":
		return invalid("summary.synopsis", "must not be empty")
	case len(s.SourceTurnIDs) == 0:
		return invalid("summary.source_ids", "must name at least one turn")
	}

	keywords, err := archiveEnc.Marshal(s.Keywords)
	if err != nil {
		return fmt.Errorf("encode keywords: %w", err)
	}
	source, err := archiveEnc.Marshal(s.SourceTurnIDs)
	if err != nil {
		return fmt.Errorf("encode source ids: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO summaries (id, session_id, synopsis, keywords, source_ids, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.SessionID, s.Synopsis, keywords, source, s.Tokens, toMillis(s.CreatedAt)); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

// GetSummary returns a summary by ID, or ErrNotFound.
func (db *DB) GetSummary(id string) (*Summary, error) {
	s, err := scanSummary(db.QueryRow(`SELECT `+summaryColumns+` FROM summaries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	return s, nil
}

// GetSummaries fetches many summaries in one keyed read.
func (db *DB) GetSummaries(ids []string) (map[string]*Summary, error) {
	out := make(map[string]*Summary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args := inClause(`SELECT `+summaryColumns+` FROM summaries WHERE id IN `, ids)
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

// ListSummaries returns summaries oldest first. An empty sessionID lists
// every summary.
func (db *DB) ListSummaries(sessionID string) ([]Summary, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = db.Query(`SELECT ` + summaryColumns + ` FROM summaries ORDER BY created_at, id`)
	} else {
		rows, err = db.Query(`SELECT `+summaryColumns+` FROM summaries WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
