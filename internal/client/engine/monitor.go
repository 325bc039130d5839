package engine

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

// monitor probes reachability every checkInterval and whenever a channel
// reports an error, and flushes the queue when a local write arrives
// while online.
func (e *Engine) monitor() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.check(e.ctx)
		case <-e.probe:
			e.check(e.ctx)
		case <-e.flush:
			e.flushOnline(e.ctx)
		}
	}
}

// check runs one connectivity evaluation.
func (e *Engine) check(ctx context.Context) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	switch e.machine.State() {
	case models.StateOnline:
		if err := e.haltErr(); err != nil {
			e.goOffline(ctx, err)
			return
		}
		if err := e.ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if client.Classify(err) == client.ClassAuth {
				e.halt(err)
			}
			e.goOffline(ctx, err)
		}

	case models.StateOffline:
		if e.haltErr() != nil {
			return
		}
		if err := e.goOnline(ctx); err != nil {
			if ctx.Err() == nil {
				e.setErr(err)
				e.log.Debug(ctx, "still offline", "error", err)
			}
			return
		}
		e.purgeTombstones(ctx)
		e.log.Info(ctx, "remote reachable again, back online")
	}
}

func (e *Engine) flushOnline(ctx context.Context) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.machine.State() != models.StateOnline {
		return
	}
	if err := e.flushQueue(ctx); err != nil && client.Classify(err) == client.ClassAuth {
		e.goOffline(ctx, err)
	}
}
