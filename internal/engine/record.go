package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lazypower/recall/internal/compress"
	"github.com/lazypower/recall/internal/pack"
	"github.com/lazypower/recall/internal/store"
)

// RecordRequest is one completed exchange.
type RecordRequest struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id,omitempty"` // used only when the session is new
	UserText     string `json:"user_text"`
	ResponseText string `json:"response_text"`
	Important    bool   `json:"important"`
}

// RecordTurn persists and indexes a turn. The session is created on its
// first turn; a user's previously active session is closed at that
// point. The turn is retrievable by term as soon as this returns.
func (e *Engine) RecordTurn(ctx context.Context, req RecordRequest) (string, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return "", &ValidationError{Field: "session_id", Reason: "is required"}
	}
	if strings.TrimSpace(req.UserText) == "" {
		return "", &ValidationError{Field: "user_text", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.ResponseText) == "" {
		return "", &ValidationError{Field: "response_text", Reason: "must not be empty"}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	mu := e.sessionLock(req.SessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := e.ensureSession(req.SessionID, req.UserID)
	if err != nil {
		return "", err
	}

	turn := store.Turn{
		SessionID:      sess.ID,
		UserText:       req.UserText,
		ResponseText:   req.ResponseText,
		UserTokens:     pack.EstimateTokens(req.UserText),
		ResponseTokens: pack.EstimateTokens(req.ResponseText),
		Important:      req.Important,
	}
	return e.appendLocked(turn, sess.UserID)
}

// appendLocked assigns sequence, ID and time, then writes and indexes
// the turn. The caller holds the session lock.
func (e *Engine) appendLocked(turn store.Turn, userID string) (string, error) {
	seq, err := e.log.NextSeq(turn.SessionID)
	if err != nil {
		return "", fmt.Errorf("next seq: %w", err)
	}
	now := e.clock.Now()
	turn.ID = e.newID(now)
	turn.Seq = seq
	turn.CreatedAt = now
	turn.Tier = store.TierHot

	if _, err := e.log.Append(turn); err != nil {
		return "", err
	}

	e.catalog.putTurn(&turn, userID)
	e.index.Index(turn.ID, turnText(&turn))
	e.metrics.TurnRecorded()
	e.metrics.SetIndexDocs(e.index.Stats().TotalDocs)

	e.logger.Debug("turn recorded",
		"session", turn.SessionID, "turn", turn.ID, "seq", turn.Seq, "important", turn.Important)
	return turn.ID, nil
}

// ensureSession returns the active session id, creating it when it does
// not exist. Closed sessions reject new turns.
func (e *Engine) ensureSession(id, userID string) (*store.Session, error) {
	if info, ok := e.catalog.session(id); ok && info.active {
		return &store.Session{ID: id, UserID: info.userID}, nil
	}

	sess, err := e.log.GetSession(id)
	switch {
	case err == nil:
		e.catalog.putSession(sess)
		if !sess.Active() {
			return nil, &ValidationError{Field: "session_id", Reason: "session " + id + " is closed"}
		}
		return sess, nil
	case errors.Is(err, store.ErrNotFound):
		return e.openSession(id, userID)
	default:
		return nil, err
	}
}

// openSession creates a session, first closing the user's current one.
func (e *Engine) openSession(id, userID string) (*store.Session, error) {
	if userID == "" {
		userID = e.defaultUser
	}

	prev, err := e.log.ActiveSession(userID)
	switch {
	case err == nil:
		if err := e.endSession(prev); err != nil {
			return nil, fmt.Errorf("close previous session: %w", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	sess, err := e.log.CreateSession(id, userID, e.clock.Now())
	if err != nil {
		return nil, err
	}
	e.catalog.putSession(sess)
	e.logger.Info("session started", "session", id, "user", userID)
	return sess, nil
}

// StartSession opens a session explicitly. An empty id gets a generated
// one. Starting an already active session returns it unchanged.
func (e *Engine) StartSession(ctx context.Context, id, userID string) (*store.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		id = e.newID(e.clock.Now())
	}

	mu := e.sessionLock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := e.ensureSession(id, userID)
	if err != nil {
		return nil, err
	}
	return e.log.GetSession(sess.ID)
}

// CloseSession ends a session and queues it for compression. Closing an
// already closed session only requeues it.
func (e *Engine) CloseSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := e.sessionLock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := e.log.GetSession(id)
	if err != nil {
		return err
	}
	return e.endSession(sess)
}

func (e *Engine) endSession(sess *store.Session) error {
	if sess.Active() {
		now := e.clock.Now()
		if err := e.log.EndSession(sess.ID, now); err != nil {
			return err
		}
		sess.EndedAt = &now
		e.logger.Info("session closed", "session", sess.ID, "user", sess.UserID)
	}
	e.catalog.putSession(sess)
	e.enqueue(sess.ID)
	return nil
}

func (e *Engine) enqueue(sessionID string) {
	if err := e.worker.Enqueue(sessionID); err != nil {
		if errors.Is(err, compress.ErrQueueFull) {
			e.logger.Warn("compress queue full, deferring to sweep", "session", sessionID)
			return
		}
		e.logger.Error("enqueue compression", "session", sessionID, "error", err)
	}
}

// Resurface brings a turn back into the hot window of an active session
// as a new turn pointing at the original. The original is not touched.
func (e *Engine) Resurface(ctx context.Context, sessionID, turnID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	orig, err := e.log.Get(turnID)
	if err != nil {
		return "", err
	}

	mu := e.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := e.ensureSession(sessionID, "")
	if err != nil {
		return "", err
	}
	if owner, ok := e.catalog.session(orig.SessionID); ok && owner.userID != sess.UserID {
		return "", &ValidationError{Field: "turn_id", Reason: "turn belongs to another user"}
	}

	origin := orig.ID
	if orig.OriginID != "" {
		origin = orig.OriginID
	}
	return e.appendLocked(store.Turn{
		SessionID:      sess.ID,
		UserText:       orig.UserText,
		ResponseText:   orig.ResponseText,
		UserTokens:     orig.UserTokens,
		ResponseTokens: orig.ResponseTokens,
		Important:      orig.Important,
		OriginID:       origin,
	}, sess.UserID)
}

// Turn returns a turn from the log, decoding archived text.
func (e *Engine) Turn(ctx context.Context, id string) (*store.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.log.Get(id)
}

// SessionTurns lists a session's turns newest first, optionally limited
// to some tiers.
func (e *Engine) SessionTurns(ctx context.Context, sessionID string, tiers ...store.Tier) ([]store.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := e.log.GetSession(sessionID); err != nil {
		return nil, err
	}
	return e.log.ListBySession(sessionID, tiers...)
}

func turnText(t *store.Turn) string {
	return t.UserText + "\n" + t.ResponseText
}

func summaryText(s *store.Summary) string {
	return s.Synopsis + "\n" + strings.Join(s.Keywords, " ")
}
