package compress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepConfig controls the periodic maintenance pass.
type SweepConfig struct {
	Schedule  string        // cron spec, e.g. "@every 1m"
	HotWindow int           // newest hot turns kept per session
	HotMaxAge time.Duration // hot turns older than this age to warm
	IdleTTL   time.Duration // active sessions idle longer are closed
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Aged     int
	Closed   int
	Enqueued int
}

// Sweeper ages hot turns, closes idle sessions and requeues closed
// sessions that still hold uncompressed turns.
type Sweeper struct {
	comp   *Compressor
	worker *Worker
	cfg    SweepConfig
	cron   *cron.Cron
}

// NewSweeper creates a sweeper feeding worker.
func NewSweeper(comp *Compressor, worker *Worker, cfg SweepConfig) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	return &Sweeper{comp: comp, worker: worker, cfg: cfg}
}

// Sweep runs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	aged, err := s.comp.AgeHot(ctx, s.cfg.HotWindow, s.cfg.HotMaxAge)
	res.Aged = aged
	if err != nil {
		return res, fmt.Errorf("age hot turns: %w", err)
	}

	if s.cfg.IdleTTL > 0 {
		closed, err := s.comp.CloseIdle(s.cfg.IdleTTL)
		res.Closed = len(closed)
		if err != nil {
			return res, err
		}
	}

	// Picks up sessions closed above, ones dropped by a full queue, and
	// ones interrupted by a shutdown.
	pending, err := s.comp.store.PendingCompression()
	if err != nil {
		return res, fmt.Errorf("pending compression: %w", err)
	}
	for _, id := range pending {
		if err := s.worker.Enqueue(id); err != nil {
			if errors.Is(err, ErrQueueFull) {
				break
			}
			return res, err
		}
		res.Enqueued++
	}
	return res, nil
}

// Start schedules Sweep on the configured cron spec.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		res, err := s.Sweep(ctx)
		if err != nil {
			s.comp.logger.Error("sweep", "error", err)
			return
		}
		if res.Aged+res.Closed+res.Enqueued > 0 {
			s.comp.logger.Info("sweep complete",
				"aged", res.Aged, "closed", res.Closed, "enqueued", res.Enqueued)
		}
	})
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
