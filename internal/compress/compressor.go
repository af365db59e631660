// Package compress migrates turns down the tiers: hot turns age into
// warm, and warm turns of closed sessions become cold, either summarized
// or, when flagged important, kept verbatim.
package compress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lazypower/recall/internal/clock"
	"github.com/lazypower/recall/internal/metrics"
	"github.com/lazypower/recall/internal/pack"
	"github.com/lazypower/recall/internal/store"
)

// Store is the slice of the turn log the compressor uses.
type Store interface {
	GetSession(id string) (*store.Session, error)
	EndSession(id string, at time.Time) error
	IdleSessions(cutoff time.Time) ([]store.Session, error)
	PendingCompression() ([]string, error)
	SessionsWithTier(tier store.Tier) ([]string, error)
	AgingCandidates(sessionID string, keep int, cutoff time.Time) ([]string, error)
	ListBySession(sessionID string, tiers ...store.Tier) ([]store.Turn, error)
	MigrateTier(id string, to store.Tier, summary *store.Summary) (*store.Turn, error)
	RecordFailure(sessionID, turnID, reason string, at time.Time) error
}

// Observer hears about every change the compressor makes, so in-memory
// views (catalog, term index) stay in step with the log.
type Observer interface {
	TurnMigrated(turn *store.Turn)
	SummaryCreated(summary *store.Summary)
	SessionClosed(session *store.Session)
}

type nopObserver struct{}

func (nopObserver) TurnMigrated(*store.Turn)      {}
func (nopObserver) SummaryCreated(*store.Summary) {}
func (nopObserver) SessionClosed(*store.Session)  {}

// Report describes one CompressSession run.
type Report struct {
	SessionID  string `json:"session_id"`
	Warmed     int    `json:"warmed"`     // hot turns moved to warm at close
	Summarized int    `json:"summarized"` // cold with a summary
	Preserved  int    `json:"preserved"`  // important, cold verbatim
	Failed     int    `json:"failed"`     // summary failed, cold verbatim
}

// Options configure a Compressor. Zero values pick defaults.
type Options struct {
	Workers  int
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Observer Observer
}

// Compressor runs tier migrations against a Store.
type Compressor struct {
	store      Store
	summarizer Summarizer
	workers    int
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	observer   Observer

	flight singleflight.Group
}

// New creates a Compressor.
func New(st Store, summarizer Summarizer, opts Options) *Compressor {
	c := &Compressor{
		store:      st,
		summarizer: summarizer,
		workers:    opts.Workers,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		observer:   opts.Observer,
	}
	if c.workers <= 0 {
		c.workers = 4
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	c.logger = c.logger.With("component", "compress")
	return c
}

// CompressSession moves every remaining hot or warm turn of a closed
// session to cold. Important turns keep their text and get no summary.
// Other turns are summarized; when summarizing fails the turn is still
// moved, verbatim, and the failure is recorded. Calling it again on a
// compressed session changes nothing. Concurrent calls for the same
// session share one run.
func (c *Compressor) CompressSession(ctx context.Context, sessionID string) (*Report, error) {
	v, err, _ := c.flight.Do(sessionID, func() (any, error) {
		return c.compress(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	r := *v.(*Report)
	return &r, nil
}

func (c *Compressor) compress(ctx context.Context, sessionID string) (*Report, error) {
	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Active() {
		return nil, &store.ValidationError{Field: "session_id", Reason: "session " + sessionID + " is still active"}
	}

	report := &Report{SessionID: sessionID}

	// The session boundary ends the hot window.
	hot, err := c.store.ListBySession(sessionID, store.TierHot)
	if err != nil {
		return nil, fmt.Errorf("list hot turns: %w", err)
	}
	for i := len(hot) - 1; i >= 0; i-- {
		moved, err := c.store.MigrateTier(hot[i].ID, store.TierWarm, nil)
		if err != nil {
			return nil, fmt.Errorf("warm turn %s: %w", hot[i].ID, err)
		}
		c.migrated(moved)
		report.Warmed++
	}

	warm, err := c.store.ListBySession(sessionID, store.TierWarm)
	if err != nil {
		return nil, fmt.Errorf("list warm turns: %w", err)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(c.workers)
	for _, turn := range warm {
		g.Go(func() error {
			outcome, err := c.compressTurn(ctx, turn)
			if err != nil {
				return err
			}
			mu.Lock()
			switch outcome {
			case metrics.OutcomeSummarized:
				report.Summarized++
			case metrics.OutcomePreserved:
				report.Preserved++
			case metrics.OutcomeFailed:
				report.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	c.logger.Info("session compressed",
		"session", sessionID,
		"warmed", report.Warmed,
		"summarized", report.Summarized,
		"preserved", report.Preserved,
		"failed", report.Failed)
	return report, nil
}

// compressTurn takes one warm turn to cold and returns the outcome.
// Errors are infrastructure failures or cancellation; the turn is then
// left warm for a later run.
func (c *Compressor) compressTurn(ctx context.Context, turn store.Turn) (string, error) {
	if turn.Important {
		moved, err := c.store.MigrateTier(turn.ID, store.TierCold, nil)
		if err != nil {
			return "", fmt.Errorf("preserve turn %s: %w", turn.ID, err)
		}
		c.migrated(moved)
		c.metrics.CompressionOutcome(metrics.OutcomePreserved)
		return metrics.OutcomePreserved, nil
	}

	abstract, sumErr := c.summarize(ctx, turn)
	if sumErr != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}

	if sumErr != nil {
		c.logger.Warn("summary failed, keeping turn verbatim",
			"session", turn.SessionID, "turn", turn.ID, "error", sumErr)
		if err := c.store.RecordFailure(turn.SessionID, turn.ID, sumErr.Error(), c.clock.Now()); err != nil {
			c.logger.Error("record compression failure", "turn", turn.ID, "error", err)
		}
		moved, err := c.store.MigrateTier(turn.ID, store.TierCold, nil)
		if err != nil {
			return "", fmt.Errorf("archive turn %s: %w", turn.ID, err)
		}
		c.migrated(moved)
		c.metrics.CompressionOutcome(metrics.OutcomeFailed)
		return metrics.OutcomeFailed, nil
	}

	summary := &store.Summary{
		ID:            uuid.NewString(),
		SessionID:     turn.SessionID,
		SourceTurnIDs: []string{turn.ID},
		Synopsis:      abstract.Synopsis,
		Keywords:      abstract.Keywords,
		Tokens:        pack.EstimateTokens(abstract.Synopsis),
		CreatedAt:     c.clock.Now(),
	}
	moved, err := c.store.MigrateTier(turn.ID, store.TierCold, summary)
	if err != nil {
		return "", fmt.Errorf("summarize turn %s: %w", turn.ID, err)
	}
	// The summary must be visible before its source turn drops out of
	// the eligible set.
	if moved.SummaryID == summary.ID {
		c.observer.SummaryCreated(summary)
	}
	c.migrated(moved)
	c.metrics.CompressionOutcome(metrics.OutcomeSummarized)
	return metrics.OutcomeSummarized, nil
}

// summarize guards against summarizers that panic or return nothing.
func (c *Compressor) summarize(ctx context.Context, turn store.Turn) (a *Abstract, err error) {
	if c.summarizer == nil {
		return nil, errors.New("no summarizer configured")
	}
	defer func() {
		if r := recover(); r != nil {
			a, err = nil, fmt.Errorf("summarizer panic: %v", r)
		}
	}()
	a, err = c.summarizer.Summarize(ctx, turn)
	if err == nil && (a == nil || strings.TrimSpace(a.Synopsis) == "") {
		err = errors.New("summarizer returned an empty synopsis")
	}
	return a, err
}

func (c *Compressor) migrated(t *store.Turn) {
	c.metrics.TierMigrated(string(t.Tier))
	c.observer.TurnMigrated(t)
}

// AgeHot moves hot turns outside each session's window of the newest
// keep turns, or older than maxAge, to warm. It returns how many moved.
func (c *Compressor) AgeHot(ctx context.Context, keep int, maxAge time.Duration) (int, error) {
	sessions, err := c.store.SessionsWithTier(store.TierHot)
	if err != nil {
		return 0, err
	}
	cutoff := c.clock.Now().Add(-maxAge)

	moved := 0
	for _, sid := range sessions {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		ids, err := c.store.AgingCandidates(sid, keep, cutoff)
		if err != nil {
			return moved, err
		}
		for _, id := range ids {
			t, err := c.store.MigrateTier(id, store.TierWarm, nil)
			if err != nil {
				return moved, fmt.Errorf("age turn %s: %w", id, err)
			}
			c.migrated(t)
			moved++
		}
	}
	if moved > 0 {
		c.logger.Debug("hot turns aged", "count", moved)
	}
	return moved, nil
}

// CloseIdle ends active sessions idle longer than ttl and returns them.
func (c *Compressor) CloseIdle(ttl time.Duration) ([]string, error) {
	now := c.clock.Now()
	idle, err := c.store.IdleSessions(now.Add(-ttl))
	if err != nil {
		return nil, err
	}

	var closed []string
	for i := range idle {
		s := &idle[i]
		if err := c.store.EndSession(s.ID, now); err != nil {
			return closed, fmt.Errorf("close idle session %s: %w", s.ID, err)
		}
		s.EndedAt = &now
		c.observer.SessionClosed(s)
		closed = append(closed, s.ID)
		c.logger.Info("idle session closed", "session", s.ID, "user", s.UserID)
	}
	return closed, nil
}
