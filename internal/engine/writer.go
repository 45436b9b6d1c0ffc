package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devblac/wrapper-sync/internal/cache"
)

const flushTimeout = 2 * time.Second

// stateWriter persists the latest folded state off the fold goroutine.
// Pending values are coalesced: only the newest one is written.
type stateWriter struct {
	cache *cache.Client
	key   string
	log   *slog.Logger

	mu      sync.Mutex
	pending any
	dirty   bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newStateWriter(c *cache.Client, key string, log *slog.Logger) *stateWriter {
	return &stateWriter{
		cache: c,
		key:   key,
		log:   log,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (w *stateWriter) queue(v any) {
	w.mu.Lock()
	w.pending, w.dirty = v, true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *stateWriter) take() (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.pending, w.dirty
	w.pending, w.dirty = nil, false
	return v, ok
}

func (w *stateWriter) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.flush(ctx)
		case <-ctx.Done():
			w.final(ctx)
			return
		case <-w.quit:
			w.final(ctx)
			return
		}
	}
}

// final writes whatever is still pending once the loop is told to stop.
func (w *stateWriter) final(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	w.flush(ctx)
}

func (w *stateWriter) flush(ctx context.Context) {
	v, ok := w.take()
	if !ok {
		return
	}
	if err := w.cache.SetValue(ctx, w.key, v); err != nil {
		w.log.Warn("state cache write failed", "cache_key", w.key, "error", err)
	}
}

// stop ends the writer after a final flush and waits for it.
func (w *stateWriter) stop() {
	w.once.Do(func() { close(w.quit) })
	<-w.done
}
