package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tier is a turn's storage tier. Tiers only move forward.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

func (t Tier) order() int {
	switch t {
	case TierHot:
		return 0
	case TierWarm:
		return 1
	case TierCold:
		return 2
	}
	return -1
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t.order() >= 0 }

// Before reports whether t precedes next in the hot -> warm -> cold
// progression.
func (t Tier) Before(next Tier) bool {
	return t.Valid() && next.Valid() && t.order() < next.order()
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", invalid("tier", "unknown tier %q", s)
	}
	return t, nil
}

// Turn is one user utterance paired with the system response.
type Turn struct {
	ID             string
	SessionID      string
	Seq            int64
	UserText       string
	ResponseText   string
	UserTokens     int
	ResponseTokens int
	CreatedAt      time.Time
	Tier           Tier
	Important      bool
	SummaryID      string // set once the turn is cold and summarized
	OriginID       string // set on turns resurfaced from an older turn
}

// Tokens is the turn's whole-inclusion token cost.
func (t *Turn) Tokens() int { return t.UserTokens + t.ResponseTokens }

const turnColumns = `id, session_id, seq, user_text, response_text, user_tokens, response_tokens,
	created_at, tier, important, summary_id, origin_id, archive, archive_digest`

func scanTurn(row interface{ Scan(...any) error }) (*Turn, error) {
	var (
		t               Turn
		userText, resp  sql.NullString
		created         int64
		tier            string
		important       int
		summary, origin sql.NullString
		archive, digest []byte
	)
	if err := row.Scan(&t.ID, &t.SessionID, &t.Seq, &userText, &resp, &t.UserTokens, &t.ResponseTokens,
		&created, &tier, &important, &summary, &origin, &archive, &digest); err != nil {
		return nil, err
	}
	t.CreatedAt = fromMillis(created)
	t.Tier = Tier(tier)
	t.Important = important != 0
	t.SummaryID = summary.String
	t.OriginID = origin.String

	if archive != nil {
		u, r, err := openArchive(archive, digest)
		if err != nil {
			return nil, fmt.Errorf("turn %s: %w", t.ID, err)
		}
		t.UserText, t.ResponseText = u, r
	} else {
		t.UserText, t.ResponseText = userText.String, resp.String
	}
	return &t, nil
}

// Append writes a new hot turn. The session must exist and be active,
// Seq must exceed every Seq already recorded for the session, and both
// texts must be non-empty. The session's token total and last activity
// are updated in the same transaction.
func (db *DB) Append(t Turn) (string, error) {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return "", invalid("id", "must not be empty")
	case strings.TrimSpace(t.UserText) == "":
		return "", invalid("user_text", "must not be empty")
	case strings.TrimSpace(t.ResponseText) == "":
		return "", invalid("response_text", "must not be empty")
	case t.Seq <= 0:
		return "", invalid("seq", "must be positive, got %d", t.Seq)
	case t.Tier != "" && t.Tier != TierHot:
		return "", invalid("tier", "new turns are hot, got %s", t.Tier)
	}

	err := db.withTx(func(tx *sql.Tx) error {
		var ended sql.NullInt64
		err := tx.QueryRow(`SELECT ended_at FROM sessions WHERE id = ?`, t.SessionID).Scan(&ended)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", t.SessionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if ended.Valid {
			return invalid("session_id", "session %s is closed", t.SessionID)
		}

		var maxSeq int64
		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = ?`, t.SessionID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("max seq: %w", err)
		}
		if t.Seq <= maxSeq {
			return invalid("seq", "%d is not after %d in session %s", t.Seq, maxSeq, t.SessionID)
		}

		created := toMillis(t.CreatedAt)
		if _, err := tx.Exec(`
			INSERT INTO turns (id, session_id, seq, user_text, response_text, user_tokens, response_tokens,
				created_at, tier, important, origin_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'hot', ?, ?)
		`, t.ID, t.SessionID, t.Seq, t.UserText, t.ResponseText, t.UserTokens, t.ResponseTokens,
			created, boolInt(t.Important), nullString(t.OriginID)); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}

		if _, err := tx.Exec(`
			UPDATE sessions SET token_total = token_total + ?, last_activity = MAX(last_activity, ?)
			WHERE id = ?
		`, t.UserTokens+t.ResponseTokens, created, t.SessionID); err != nil {
			return fmt.Errorf("update session totals: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// NextSeq returns the next free sequence number for a session.
func (db *DB) NextSeq(sessionID string) (int64, error) {
	var maxSeq int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return maxSeq + 1, nil
}

// Get returns a turn by ID, or ErrNotFound. Cold turns are read back
// from their archive.
func (db *DB) Get(id string) (*Turn, error) {
	t, err := scanTurn(db.QueryRow(`SELECT `+turnColumns+` FROM turns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("turn %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return t, nil
}

// GetTurns fetches many turns in one keyed read. Unknown IDs are absent
// from the result.
func (db *DB) GetTurns(ids []string) (map[string]*Turn, error) {
	out := make(map[string]*Turn, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args := inClause(`SELECT `+turnColumns+` FROM turns WHERE id IN `, ids)
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out[t.ID] = t
	}
	return out, rows.Err()
}

// ListBySession returns a session's turns newest first, optionally
// restricted to the given tiers. Each call re-reads the log.
func (db *DB) ListBySession(sessionID string, tiers ...Tier) ([]Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE session_id = ?`
	args := []any{sessionID}
	if len(tiers) > 0 {
		names := make([]string, len(tiers))
		for i, t := range tiers {
			if !t.Valid() {
				return nil, invalid("tier", "unknown tier %q", t)
			}
			names[i] = string(t)
		}
		in, inArgs := inClause(` AND tier IN `, names)
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY seq DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return collectTurns(rows)
}

// ScanTurns returns up to limit turns with IDs greater than after, in ID
// order. Turn IDs sort by creation time, so paging from "" walks the
// whole log oldest first.
func (db *DB) ScanTurns(after string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(`
		SELECT `+turnColumns+` FROM turns WHERE id > ? ORDER BY id LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("scan turns: %w", err)
	}
	return collectTurns(rows)
}

// AgingCandidates returns IDs of a session's hot turns that fall outside
// the newest keep turns or were created before cutoff.
func (db *DB) AgingCandidates(sessionID string, keep int, cutoff time.Time) ([]string, error) {
	rows, err := db.Query(`
		SELECT id FROM (
			SELECT id, created_at, ROW_NUMBER() OVER (ORDER BY seq DESC) AS rn
			FROM turns WHERE session_id = ? AND tier = 'hot'
		) WHERE rn > ? OR created_at < ?
		ORDER BY id
	`, sessionID, keep, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("aging candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan turn id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SessionsWithTier returns IDs of sessions holding at least one turn in
// the given tier.
func (db *DB) SessionsWithTier(tier Tier) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT session_id FROM turns WHERE tier = ? ORDER BY session_id`, string(tier))
	if err != nil {
		return nil, fmt.Errorf("sessions with tier: %w", err)
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

// MigrateTier moves a turn forward to tier `to`. Moving to the turn's
// current tier is a no-op; moving backwards is a ValidationError.
//
// Moving to cold seals the verbatim text into the archive columns. When
// summary is non-nil it is inserted in the same transaction and linked
// from the turn; important turns never take a summary.
func (db *DB) MigrateTier(id string, to Tier, summary *Summary) (*Turn, error) {
	if !to.Valid() {
		return nil, invalid("tier", "unknown tier %q", to)
	}
	if summary != nil && to != TierCold {
		return nil, invalid("summary_id", "only cold turns link a summary")
	}

	var out *Turn
	err := db.withTx(func(tx *sql.Tx) error {
		cur, err := scanTurn(tx.QueryRow(`SELECT `+turnColumns+` FROM turns WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("turn %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load turn: %w", err)
		}

		if cur.Tier == to {
			out = cur
			return nil
		}
		if !cur.Tier.Before(to) {
			return invalid("tier", "turn %s cannot move from %s to %s", id, cur.Tier, to)
		}
		if summary != nil && cur.Important {
			return invalid("summary_id", "turn %s is important and stays verbatim", id)
		}

		if to != TierCold {
			if _, err := tx.Exec(`UPDATE turns SET tier = ? WHERE id = ?`, string(to), id); err != nil {
				return fmt.Errorf("update tier: %w", err)
			}
			cur.Tier = to
			out = cur
			return nil
		}

		if summary != nil {
			if err := insertSummary(tx, summary); err != nil {
				return err
			}
			cur.SummaryID = summary.ID
		}

		blob, digest, err := sealArchive(cur.UserText, cur.ResponseText)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE turns SET tier = 'cold', summary_id = ?, archive = ?, archive_digest = ?,
				user_text = NULL, response_text = NULL
			WHERE id = ?
		`, nullString(cur.SummaryID), blob, digest, id); err != nil {
			return fmt.Errorf("archive turn: %w", err)
		}
		cur.Tier = TierCold
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func collectTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, *t)
	}
	return turns, rows.Err()
}

func inClause(prefix string, values []string) (string, []any) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('(')
	args := make([]any, len(values))
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('?')
		args[i] = v
	}
	b.WriteByte(')')
	return b.String(), args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
