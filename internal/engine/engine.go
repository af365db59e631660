// Package engine is recall's entry point: it records turns, assembles
// ranked context under a token budget, and hands closed sessions to the
// background compressor.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lazypower/recall/internal/clock"
	"github.com/lazypower/recall/internal/compress"
	"github.com/lazypower/recall/internal/config"
	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/metrics"
	"github.com/lazypower/recall/internal/rank"
	"github.com/lazypower/recall/internal/store"
)

// ErrNotFound is returned for unknown session or turn IDs.
var ErrNotFound = store.ErrNotFound

// ValidationError reports rejected input.
type ValidationError = store.ValidationError

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return store.IsValidation(err) }

// TurnLog is the persistence the engine needs. store.DB implements it.
type TurnLog interface {
	compress.Store

	CreateSession(id, userID string, at time.Time) (*store.Session, error)
	ActiveSession(userID string) (*store.Session, error)
	Append(t store.Turn) (string, error)
	NextSeq(sessionID string) (int64, error)
	Get(id string) (*store.Turn, error)
	GetTurns(ids []string) (map[string]*store.Turn, error)
	ScanTurns(after string, limit int) ([]store.Turn, error)
	GetSummary(id string) (*store.Summary, error)
	GetSummaries(ids []string) (map[string]*store.Summary, error)
	ListSummaries(sessionID string) ([]store.Summary, error)
}

// Options carry the collaborators New does not build itself.
type Options struct {
	Summarizer compress.Summarizer // nil: extractive only
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// tunables are the settings that can change while running.
type tunables struct {
	maxTokens     int
	maxCandidates int
	lambda        config.LambdaConfig
	weights       rank.Weights
}

// Engine ties the turn log, term index, ranker, packer and compressor
// together.
type Engine struct {
	log     TurnLog
	index   *index.Index
	ranker  *rank.Ranker
	catalog *catalog

	comp    *compress.Compressor
	worker  *compress.Worker
	sweeper *compress.Sweeper

	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	defaultUser string

	tuneMu sync.RWMutex
	tune   tunables

	sessMu    sync.Mutex
	sessLocks map[string]*sync.Mutex

	idMu    sync.Mutex
	entropy io.Reader
}

// New builds an Engine over log and loads the in-memory catalog and
// term index from it.
func New(log TurnLog, cfg config.Config, opts Options) (*Engine, error) {
	e := &Engine{
		log:         log,
		index:       index.New(cfg.Memory.MinTokenLength),
		catalog:     newCatalog(),
		clock:       opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		defaultUser: cfg.Memory.DefaultUser,
		sessLocks:   make(map[string]*sync.Mutex),
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.defaultUser == "" {
		e.defaultUser = "local"
	}
	e.logger = e.logger.With("component", "engine")
	e.ranker = rank.New(e.index, rank.DefaultWeights())
	e.Configure(cfg)

	summarizer := opts.Summarizer
	extractive := &compress.Extractive{Corpus: e.index}
	if summarizer == nil {
		summarizer = extractive
	} else {
		summarizer = compress.Fallback{summarizer, extractive}
	}

	e.comp = compress.New(log, summarizer, compress.Options{
		Workers:  cfg.Compress.Workers,
		Clock:    e.clock,
		Logger:   opts.Logger,
		Metrics:  e.metrics,
		Observer: e,
	})
	e.worker = compress.NewWorker(e.comp, cfg.Compress.QueueSize)
	e.sweeper = compress.NewSweeper(e.comp, e.worker, compress.SweepConfig{
		Schedule:  cfg.Compress.SweepSchedule,
		HotWindow: cfg.Memory.HotWindowSize,
		HotMaxAge: cfg.Memory.HotMaxAge,
		IdleTTL:   cfg.Memory.WarmTTL,
	})

	if err := e.rebuild(); err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	return e, nil
}

// Configure applies the retrieval tunables from cfg. It is safe to call
// while requests are in flight.
func (e *Engine) Configure(cfg config.Config) {
	w := rank.Weights{
		Recency:    cfg.Memory.Weights.Recency,
		Lexical:    cfg.Memory.Weights.Lexical,
		Importance: cfg.Memory.Weights.Importance,
		Boost:      cfg.Memory.Weights.ImportanceBoost,
	}
	if w == (rank.Weights{}) {
		w = rank.DefaultWeights()
	}

	e.tuneMu.Lock()
	e.tune = tunables{
		maxTokens:     cfg.Memory.MaxContextTokens,
		maxCandidates: cfg.Memory.MaxCandidates,
		lambda:        cfg.Memory.RecencyLambda,
		weights:       w,
	}
	e.tuneMu.Unlock()
}

func (e *Engine) tunables() tunables {
	e.tuneMu.RLock()
	defer e.tuneMu.RUnlock()
	return e.tune
}

// Start launches the compression worker and the maintenance sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.worker.Start(ctx)
	if err := e.sweeper.Start(ctx); err != nil {
		e.worker.Stop()
		return err
	}
	// Sessions closed while the process was down.
	if _, err := e.sweeper.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("startup sweep", "error", err)
	}
	return nil
}

// Stop halts background work. Turns being compressed stay warm and are
// picked up by the next sweep.
func (e *Engine) Stop() {
	e.sweeper.Stop()
	e.worker.Stop()
}

// Compressor exposes the compressor for synchronous use (CLI compress).
func (e *Engine) Compressor() *compress.Compressor { return e.comp }

// Sweep runs one maintenance pass now.
func (e *Engine) Sweep(ctx context.Context) (compress.SweepResult, error) {
	return e.sweeper.Sweep(ctx)
}

// IndexStats reports the term index's corpus statistics.
func (e *Engine) IndexStats() index.Stats { return e.index.Stats() }

func (e *Engine) newID(at time.Time) string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), e.entropy).String()
}

func (e *Engine) sessionLock(id string) *sync.Mutex {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	mu, ok := e.sessLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.sessLocks[id] = mu
	}
	return mu
}
