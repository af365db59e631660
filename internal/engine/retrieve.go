package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/recall/internal/pack"
	"github.com/lazypower/recall/internal/rank"
	"github.com/lazypower/recall/internal/store"
)

// Scope selects which items a retrieval considers.
type Scope string

const (
	ScopeHot  Scope = "hot"  // hot turns of the requesting session
	ScopeWarm Scope = "warm" // warm turns across the user's sessions
	ScopeCold Scope = "cold" // summaries and verbatim cold turns of the user
	ScopeAll  Scope = "all"
)

// ParseScope accepts a scope name; empty means ScopeAll.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.ToLower(strings.TrimSpace(s))); sc {
	case "":
		return ScopeAll, nil
	case ScopeHot, ScopeWarm, ScopeCold, ScopeAll:
		return sc, nil
	default:
		return "", &ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", s)}
	}
}

// RetrieveRequest asks for context for the next turn of a session.
type RetrieveRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	MaxTokens int    `json:"max_tokens,omitempty"` // 0: configured default
	Scope     Scope  `json:"scope,omitempty"`
}

// Item kinds in a Context.
const (
	KindTurn    = "turn"
	KindSummary = "summary"
)

// Item is one packed turn or summary.
type Item struct {
	Kind         string     `json:"kind"`
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Seq          int64      `json:"seq,omitempty"`
	Tier         store.Tier `json:"tier,omitempty"`
	UserText     string     `json:"user_text,omitempty"`
	ResponseText string     `json:"response_text,omitempty"`
	Synopsis     string     `json:"synopsis,omitempty"`
	Keywords     []string   `json:"keywords,omitempty"`
	Important    bool       `json:"important,omitempty"`
	Partial      bool       `json:"partial,omitempty"`
	OriginID     string     `json:"origin_id,omitempty"`
	Tokens       int        `json:"tokens"`
	Score        float64    `json:"score"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Context is the packed result, oldest item first.
type Context struct {
	Scope       Scope  `json:"scope"`
	Items       []Item `json:"items"`
	TotalTokens int    `json:"total_tokens"`
	Candidates  int    `json:"candidates"`
}

// RetrieveContext ranks the eligible items in scope against the query
// and packs the best into the token budget. An empty scope is a valid,
// empty result.
func (e *Engine) RetrieveContext(ctx context.Context, req RetrieveRequest) (*Context, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scope, err := ParseScope(string(req.Scope))
	if err != nil {
		return nil, err
	}
	if req.MaxTokens < 0 {
		return nil, &ValidationError{Field: "max_tokens", Reason: "must not be negative"}
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, &ValidationError{Field: "session_id", Reason: "is required"}
	}

	userID, err := e.sessionUser(req.SessionID)
	if err != nil {
		return nil, err
	}

	tune := e.tunables()
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = tune.maxTokens
	}

	rs := e.rank(req.Query, scope, req.SessionID, userID, tune)
	packed := pack.Pack(packItems(rs), maxTokens)

	items, err := e.materialize(packed, rs)
	if err != nil {
		return nil, err
	}

	out := &Context{Scope: scope, Items: items, Candidates: len(rs)}
	for _, it := range items {
		out.TotalTokens += it.Tokens
	}
	e.metrics.ObserveRetrieve(string(scope), time.Since(start), out.TotalTokens)
	return out, nil
}

// ranked pairs a scored candidate with its catalog entry.
type ranked struct {
	rank.Scored
	entry entry
}

// Rank scores the eligible items in scope without packing them. It is
// the ranking RetrieveContext packs from.
func (e *Engine) Rank(ctx context.Context, sessionID, query string, scope Scope) ([]rank.Scored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scope, err := ParseScope(string(scope))
	if err != nil {
		return nil, err
	}
	userID, err := e.sessionUser(sessionID)
	if err != nil {
		return nil, err
	}
	rs := e.rank(query, scope, sessionID, userID, e.tunables())
	out := make([]rank.Scored, len(rs))
	for i := range rs {
		out[i] = rs[i].Scored
	}
	return out, nil
}

func (e *Engine) rank(query string, scope Scope, sessionID, userID string, tune tunables) []ranked {
	entries := e.catalog.candidates(scope, sessionID, userID, tune.maxCandidates)
	if len(entries) == 0 {
		return nil
	}

	byID := make(map[string]entry, len(entries))
	cands := make([]rank.Candidate, len(entries))
	for i, en := range entries {
		byID[en.id] = en
		cands[i] = rank.Candidate{ID: en.id, CreatedAt: en.createdAt, Important: en.important}
	}

	ranking := e.ranker.RankWeighted(query, cands, e.clock.Now(), lambdaFor(scope, tune), tune.weights)
	if len(ranking.Inconsistent) > 0 {
		e.heal(ranking.Inconsistent)
	}

	out := make([]ranked, len(ranking.Items))
	for i, s := range ranking.Items {
		out[i] = ranked{Scored: s, entry: byID[s.ID]}
	}
	return out
}

func lambdaFor(scope Scope, tune tunables) float64 {
	switch scope {
	case ScopeHot:
		return tune.lambda.Hot
	case ScopeWarm:
		return tune.lambda.Warm
	case ScopeCold:
		return tune.lambda.Cold
	default:
		return tune.lambda.All
	}
}

func packItems(rs []ranked) []pack.Item {
	items := make([]pack.Item, len(rs))
	for i, r := range rs {
		it := pack.Item{
			ID:          r.entry.id,
			CreatedAt:   r.entry.createdAt,
			WholeTokens: r.entry.wholeTokens(),
		}
		if r.entry.kind == kindTurn {
			it.PartialTokens = pack.PartialCost(r.entry.userTokens)
		}
		items[i] = it
	}
	return items
}

// materialize reads the texts of the packed items in one batch per
// kind and builds the context items in pack order. Items that vanished
// from the log are dropped and unindexed; turns compressed since they
// were ranked are skipped.
func (e *Engine) materialize(res pack.Result, rs []ranked) ([]Item, error) {
	if len(res.Selected) == 0 {
		return []Item{}, nil
	}

	meta := make(map[string]ranked, len(rs))
	for _, r := range rs {
		meta[r.entry.id] = r
	}

	var turnIDs, summaryIDs []string
	for _, sel := range res.Selected {
		if meta[sel.ID].entry.kind == kindSummary {
			summaryIDs = append(summaryIDs, sel.ID)
		} else {
			turnIDs = append(turnIDs, sel.ID)
		}
	}

	turns, err := e.log.GetTurns(turnIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch turns: %w", err)
	}
	summaries, err := e.log.GetSummaries(summaryIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch summaries: %w", err)
	}

	items := make([]Item, 0, len(res.Selected))
	for _, sel := range res.Selected {
		r := meta[sel.ID]
		it := Item{
			ID:        sel.ID,
			SessionID: r.entry.sessionID,
			Tokens:    sel.Tokens,
			Score:     r.Score,
			CreatedAt: r.entry.createdAt,
			Important: r.entry.important,
			Partial:   sel.Partial,
		}

		if r.entry.kind == kindSummary {
			s, ok := summaries[sel.ID]
			if !ok {
				e.dropMissing(sel.ID)
				continue
			}
			it.Kind = KindSummary
			it.Synopsis = s.Synopsis
			it.Keywords = s.Keywords
		} else {
			t, ok := turns[sel.ID]
			if !ok {
				e.dropMissing(sel.ID)
				continue
			}
			// Summarized after ranking: only its summary may be packed.
			if t.Tier == store.TierCold && t.SummaryID != "" {
				continue
			}
			it.Kind = KindTurn
			it.Seq = t.Seq
			it.Tier = t.Tier
			it.UserText = t.UserText
			it.ResponseText = t.ResponseText
			it.OriginID = t.OriginID
			if sel.Partial {
				it.ResponseText = pack.Placeholder
			}
		}
		items = append(items, it)
	}
	return items, nil
}

func (e *Engine) sessionUser(sessionID string) (string, error) {
	if info, ok := e.catalog.session(sessionID); ok {
		return info.userID, nil
	}
	sess, err := e.log.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	e.catalog.putSession(sess)
	return sess.UserID, nil
}

// heal repairs postings that are out of step with the index's document
// table. Postings of docs the catalog does not hold are dropped; docs it
// does hold are re-derived from the log.
func (e *Engine) heal(ids []string) {
	removed := e.index.Heal(e.catalog.indexed)
	for range ids {
		e.metrics.Inconsistency()
	}

	for _, id := range ids {
		en, ok := e.catalog.get(id)
		if !ok || !en.eligible() {
			continue
		}

		var text string
		var err error
		if en.kind == kindSummary {
			var s *store.Summary
			if s, err = e.log.GetSummary(id); err == nil {
				text = summaryText(s)
			}
		} else {
			var t *store.Turn
			if t, err = e.log.Get(id); err == nil {
				text = turnText(t)
			}
		}
		switch {
		case err == nil:
			e.index.Index(id, text)
			e.logger.Warn("index inconsistency: re-indexed from log", "doc", id)
		case errors.Is(err, store.ErrNotFound):
			e.dropMissing(id)
		default:
			e.logger.Error("index inconsistency: reload failed", "doc", id, "error", err)
		}
	}
	e.logger.Warn("index healed", "flagged", len(ids), "removed", removed)
	e.metrics.SetIndexDocs(e.index.Stats().TotalDocs)
}

func (e *Engine) dropMissing(id string) {
	e.index.Remove(id)
	e.catalog.remove(id)
	e.metrics.SetIndexDocs(e.index.Stats().TotalDocs)
	e.logger.Warn("item missing from log, removed from index", "doc", id)
}
