package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "sessions: interaction episodes, one active per user",
		SQL: `
CREATE TABLE sessions (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    started_at     INTEGER NOT NULL,
    ended_at       INTEGER,
    last_activity  INTEGER NOT NULL,
    token_total    INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX idx_sessions_active_user ON sessions(user_id) WHERE ended_at IS NULL;
CREATE INDEX idx_sessions_user ON sessions(user_id, started_at DESC);
`,
	},
	{
		Version:     2,
		Description: "turns: append-only turn log with tier state",
		SQL: `
CREATE TABLE turns (
    id               TEXT PRIMARY KEY,
    session_id       TEXT NOT NULL,
    seq              INTEGER NOT NULL,

    -- Verbatim content. Moved into archive when the turn goes cold.
    user_text        TEXT,
    response_text    TEXT,
    user_tokens      INTEGER NOT NULL,
    response_tokens  INTEGER NOT NULL,

    created_at       INTEGER NOT NULL,
    tier             TEXT NOT NULL DEFAULT 'hot' CHECK (tier IN ('hot', 'warm', 'cold')),
    important        INTEGER NOT NULL DEFAULT 0,
    summary_id       TEXT,
    origin_id        TEXT,

    -- Cold archive: zstd(cbor(content)) plus blake3 digest of the cbor bytes
    archive          BLOB,
    archive_digest   BLOB,

    UNIQUE (session_id, seq),
    FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX idx_turns_session_seq ON turns(session_id, seq DESC);
CREATE INDEX idx_turns_tier        ON turns(tier);
`,
	},
	{
		Version:     3,
		Description: "summaries: compressed stand-ins for cold turns",
		SQL: `
CREATE TABLE summaries (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    synopsis    TEXT NOT NULL,
    keywords    BLOB,
    source_ids  BLOB NOT NULL,
    tokens      INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX idx_summaries_session ON summaries(session_id);
`,
	},
	{
		Version:     4,
		Description: "compression_failures: per-turn summary failures for operators",
		SQL: `
CREATE TABLE compression_failures (
    id          INTEGER PRIMARY KEY,
    session_id  TEXT NOT NULL,
    turn_id     TEXT NOT NULL,
    reason      TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX idx_failures_session ON compression_failures(session_id);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
