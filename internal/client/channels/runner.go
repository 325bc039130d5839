// Package channels delivers remote changes to the applier: a real-time
// subscription, a polling fallback and the coordinator that keeps only
// one of them active.
package channels

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/client/applier"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

// Applier applies an ordered batch of mutations.
type Applier interface {
	ApplyBatch(ctx context.Context, ms []models.Mutation) ([]applier.Result, error)
}

// CursorStore persists channel cursors and lists the mirrored tables.
type CursorStore interface {
	Cursor(ctx context.Context, key string) (string, error)
	AdvanceCursor(ctx context.Context, key, value string) (bool, error)
	Tables(ctx context.Context) ([]models.Table, error)
}

// ErrorFunc receives errors a channel could not handle on its own.
type ErrorFunc func(err error)

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// runner owns the goroutine of one channel. A stopped or finished runner
// can be started again; stop is idempotent.
type runner struct {
	mu  sync.Mutex
	cur *run
}

// start runs fn in a goroutine unless it is already running.
func (r *runner) start(parent context.Context, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil && !r.cur.finished() {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	cur := &run{cancel: cancel, done: make(chan struct{})}
	r.cur = cur
	go func() {
		defer close(cur.done)
		defer cancel()
		fn(ctx)
	}()
	return true
}

// stop cancels the current run and waits for it to return.
func (r *runner) stop() {
	r.mu.Lock()
	cur := r.cur
	r.cur = nil
	r.mu.Unlock()
	if cur == nil {
		return
	}
	cur.cancel()
	<-cur.done
}

func (r *runner) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil && !r.cur.finished()
}
