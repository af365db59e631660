package engine

import (
	"fmt"

	"github.com/lazypower/recall/internal/store"
)

const scanPage = 500

// rebuild loads the catalog and term index from the log. Summarized
// cold turns are represented by their summaries and are not indexed.
func (e *Engine) rebuild() error {
	users := make(map[string]string)
	userOf := func(sessionID string) (string, error) {
		if u, ok := users[sessionID]; ok {
			return u, nil
		}
		sess, err := e.log.GetSession(sessionID)
		if err != nil {
			return "", fmt.Errorf("session %s: %w", sessionID, err)
		}
		e.catalog.putSession(sess)
		users[sessionID] = sess.UserID
		return sess.UserID, nil
	}

	turns, after := 0, ""
	for {
		page, err := e.log.ScanTurns(after, scanPage)
		if err != nil {
			return err
		}
		for i := range page {
			t := &page[i]
			user, err := userOf(t.SessionID)
			if err != nil {
				return err
			}
			e.catalog.putTurn(t, user)
			if e.catalog.indexed(t.ID) {
				e.index.Index(t.ID, turnText(t))
			}
			turns++
		}
		if len(page) < scanPage {
			break
		}
		after = page[len(page)-1].ID
	}

	summaries, err := e.log.ListSummaries("")
	if err != nil {
		return err
	}
	for i := range summaries {
		s := &summaries[i]
		user, err := userOf(s.SessionID)
		if err != nil {
			return err
		}
		e.catalog.putSummary(s, user)
		e.index.Index(s.ID, summaryText(s))
	}

	st := e.index.Stats()
	e.metrics.SetIndexDocs(st.TotalDocs)
	e.logger.Info("index rebuilt",
		"turns", turns, "summaries", len(summaries), "indexed", st.TotalDocs, "sessions", len(users))
	return nil
}

// TurnMigrated keeps the catalog in step with a tier change. A turn
// that now has a summary leaves the index; the summary stands in for it.
func (e *Engine) TurnMigrated(t *store.Turn) {
	if !e.catalog.migrate(t.ID, t.Tier, t.SummaryID) {
		return
	}
	if !e.catalog.indexed(t.ID) {
		e.index.Remove(t.ID)
		e.metrics.SetIndexDocs(e.index.Stats().TotalDocs)
	}
}

// SummaryCreated makes a new summary retrievable.
func (e *Engine) SummaryCreated(s *store.Summary) {
	user, err := e.sessionUser(s.SessionID)
	if err != nil {
		e.logger.Error("summary for unknown session", "summary", s.ID, "session", s.SessionID, "error", err)
		return
	}
	e.catalog.putSummary(s, user)
	e.index.Index(s.ID, summaryText(s))
}

// SessionClosed records a session closed by the idle sweep.
func (e *Engine) SessionClosed(s *store.Session) {
	e.catalog.putSession(s)
}
