package compress

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
// The periodic sweep picks such sessions up later.
var ErrQueueFull = errors.New("compress: queue full")

// Worker drains a queue of closed session IDs through a Compressor.
type Worker struct {
	comp  *Compressor
	queue chan string

	mu      sync.Mutex
	pending map[string]bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a worker with room for size queued sessions.
func NewWorker(comp *Compressor, size int) *Worker {
	if size <= 0 {
		size = 64
	}
	return &Worker{
		comp:    comp,
		queue:   make(chan string, size),
		pending: make(map[string]bool),
	}
}

// Start runs the drain loop until ctx is canceled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.queue:
			w.mu.Lock()
			delete(w.pending, id)
			w.mu.Unlock()
			w.comp.metrics.SetQueueDepth(len(w.queue))

			if _, err := w.comp.CompressSession(ctx, id); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.comp.logger.Error("compress session", "session", id, "error", err)
			}
		}
	}
}

// Enqueue schedules a session for compression without blocking. A
// session already waiting is not queued twice.
func (w *Worker) Enqueue(sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[sessionID] {
		return nil
	}
	select {
	case w.queue <- sessionID:
		w.pending[sessionID] = true
		w.comp.metrics.SetQueueDepth(len(w.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports how many sessions are waiting.
func (w *Worker) Len() int { return len(w.queue) }

// Stop cancels the drain loop and waits for it to exit. An in-flight
// compression is interrupted; its remaining turns stay warm.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
