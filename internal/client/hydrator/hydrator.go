// Package hydrator performs the one-time tiered bulk load of an empty
// store: bulk snapshot, then per-table fetches, then event-log replay.
package hydrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/gophsync/internal/client/applier"
	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/client/metrics"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/notify"
	"github.com/dmitrijs2005/gophsync/internal/client/wire"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

const (
	DefaultParallelism = 4
	DefaultPageSize    = 500
)

// Store is the part of the encrypted store hydration writes to.
type Store interface {
	PutTable(ctx context.Context, t models.Table) error
	ReplaceTable(ctx context.Context, tableID string, recs []*models.Record) error
	AdvanceCursor(ctx context.Context, tableID, value string) (bool, error)
	RecordCounts(ctx context.Context) (map[string]int, error)
}

// Applier replays event-log mutations.
type Applier interface {
	ApplyBatch(ctx context.Context, ms []models.Mutation) ([]applier.Result, error)
}

type Options struct {
	// Log is optional; without it the replay tier is skipped.
	Log         client.EventLog
	Applier     Applier
	Parallelism int
	PageSize    int
	Logger      logging.Logger
	Metrics     *metrics.Metrics
	Notify      notify.Publisher
	Tracer      trace.Tracer
}

type Hydrator struct {
	remote  client.Remote
	log     client.EventLog
	store   Store
	applier Applier

	parallelism int
	pageSize    int

	logger  logging.Logger
	metrics *metrics.Metrics
	notify  notify.Publisher
	tracer  trace.Tracer

	mu    sync.Mutex
	phase Phase
	tier  models.HydrationTier
}

func New(remote client.Remote, st Store, opts Options) *Hydrator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Notify == nil {
		opts.Notify = notify.Nop{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("gophsync/hydrator")
	}
	return &Hydrator{
		remote:      remote,
		log:         opts.Log,
		store:       st,
		applier:     opts.Applier,
		parallelism: opts.Parallelism,
		pageSize:    opts.PageSize,
		logger:      opts.Logger.With("module", "hydrator"),
		metrics:     opts.Metrics,
		notify:      opts.Notify,
		tracer:      opts.Tracer,
		phase:       PhaseNotHydrated,
	}
}

// State returns the current phase and, while hydrating, the active tier.
func (h *Hydrator) State() (Phase, models.HydrationTier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase, h.tier
}

func (h *Hydrator) setState(p Phase, tier models.HydrationTier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phase = p
	h.tier = tier
}

// Hydrate loads every table. The returned error is non-nil only when
// hydration could not start (schema discovery failed or ctx ended);
// per-table failures are reported in the Result.
func (h *Hydrator) Hydrate(ctx context.Context) (*Result, error) {
	ctx, span := h.tracer.Start(ctx, "hydrate")
	defer span.End()

	h.setState(PhaseHydrating, "")
	tables, err := h.discover(ctx)
	if err != nil {
		h.setState(PhaseNotHydrated, "")
		span.RecordError(err)
		span.SetStatus(codes.Error, "schema discovery failed")
		return nil, err
	}

	h.captureHead(ctx)

	res := newResult()
	for _, t := range tables {
		res.track(t.ID)
	}

	pending := h.bulk(ctx, tables, res)
	if len(pending) > 0 {
		h.perTable(ctx, pending, res)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if failed := res.FailedTables(); len(failed) > 0 && h.replayable(res, failed) {
		h.replay(ctx, failed, res)
	}

	h.setState(res.Phase(), "")
	span.SetAttributes(
		attribute.Int("tables", len(tables)),
		attribute.Int("records", res.Records()),
		attribute.Int("failed", len(res.FailedTables())),
	)
	if err := res.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.logger.Warn(ctx, "hydration degraded", "failed", res.FailedTables())
	} else {
		h.logger.Info(ctx, "hydration complete", "tables", len(tables), "records", res.Records())
	}
	return res, nil
}

// RetryFailed reruns the per-table tier for the tables res reports as
// failed and updates res in place.
func (h *Hydrator) RetryFailed(ctx context.Context, res *Result) error {
	failed := res.FailedTables()
	if len(failed) == 0 {
		return nil
	}
	ctx, span := h.tracer.Start(ctx, "hydrate.retry")
	defer span.End()

	h.setState(PhaseHydrating, models.TierPerTable)
	tables := make([]models.Table, 0, len(failed))
	for _, id := range failed {
		tables = append(tables, models.Table{ID: id})
	}
	h.perTable(ctx, tables, res)
	h.setState(res.Phase(), "")
	return ctx.Err()
}

func (h *Hydrator) discover(ctx context.Context) ([]models.Table, error) {
	tables, err := h.remote.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	for _, t := range tables {
		if t.ID == "" {
			continue
		}
		if err := h.store.PutTable(ctx, t); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

// captureHead stores the event-log head as the realtime resumption cursor
// so events racing the snapshot are redelivered afterwards.
func (h *Hydrator) captureHead(ctx context.Context) {
	if h.log == nil {
		return
	}
	head, err := h.log.Head(ctx)
	if err != nil {
		h.logger.Warn(ctx, "event log head unavailable", "error", err)
		return
	}
	if _, err := h.store.AdvanceCursor(ctx, common.EventsCursorKey, head); err != nil {
		h.logger.Warn(ctx, "failed to store events cursor", "error", err)
	}
}

// bulk runs the snapshot tier and returns the tables still to load.
func (h *Hydrator) bulk(ctx context.Context, tables []models.Table, res *Result) []models.Table {
	h.setState(PhaseHydrating, models.TierBulk)
	ctx, span := h.tracer.Start(ctx, "hydrate.bulk")
	defer span.End()

	export, err := h.remote.BulkExport(ctx)
	if err != nil {
		span.RecordError(err)
		h.logger.Info(ctx, "bulk snapshot unavailable, falling back to per-table", "error", err)
		return tables
	}

	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t.ID] = true
	}
	for id := range export.Tables {
		if known[id] {
			continue
		}
		t := models.Table{ID: id, Name: id}
		if err := h.store.PutTable(ctx, t); err != nil {
			h.logger.Warn(ctx, "failed to store table", "table", id, "error", err)
			continue
		}
		res.track(id)
		tables = append(tables, t)
	}

	var rest []models.Table
	for _, t := range tables {
		o := h.load(ctx, t.ID, export.Tables[t.ID], models.TierBulk)
		res.set(o)
		if o.Health != models.TableHydrated {
			rest = append(rest, t)
		}
	}
	return rest
}

func (h *Hydrator) perTable(ctx context.Context, tables []models.Table, res *Result) {
	h.setState(PhaseHydrating, models.TierPerTable)

	g := new(errgroup.Group)
	g.SetLimit(h.parallelism)
	for _, t := range tables {
		t := t
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				res.set(TableOutcome{TableID: t.ID, Health: models.TableFailed, Tier: models.TierPerTable, Err: err})
				return nil
			}
			tctx, span := h.tracer.Start(ctx, "hydrate.table", trace.WithAttributes(attribute.String("table", t.ID)))
			defer span.End()

			recs, err := h.remote.FetchTable(tctx, t.ID)
			if err != nil {
				span.RecordError(err)
				h.metrics.HydrationFailures.WithLabelValues(string(models.TierPerTable)).Inc()
				h.logger.Warn(tctx, "table fetch failed", "table", t.ID, "error", err)
				res.set(TableOutcome{TableID: t.ID, Health: models.TableFailed, Tier: models.TierPerTable, Err: err})
				return nil
			}
			res.set(h.load(tctx, t.ID, recs, models.TierPerTable))
			return nil
		})
	}
	_ = g.Wait()
}

// load runs the per-record pipeline for one table and swaps its rows.
func (h *Hydrator) load(ctx context.Context, tableID string, remote []models.RemoteRecord, tier models.HydrationTier) TableOutcome {
	out := TableOutcome{TableID: tableID, Tier: tier}

	recs := make([]*models.Record, 0, len(remote))
	var cursor string
	for _, rr := range remote {
		rec, ok := normalize(tableID, rr)
		if !ok {
			out.Invalid++
			continue
		}
		recs = append(recs, rec)
		cursor = models.MaxCursor(cursor, rec.UpdatedAt)
	}
	if out.Invalid > 0 {
		h.logger.Warn(ctx, "skipped records without identifiers", "table", tableID, "count", out.Invalid)
	}

	if err := h.store.ReplaceTable(ctx, tableID, recs); err != nil {
		h.metrics.HydrationFailures.WithLabelValues(string(tier)).Inc()
		out.Health = models.TableFailed
		out.Err = err
		return out
	}
	if _, err := h.store.AdvanceCursor(ctx, tableID, cursor); err != nil {
		h.logger.Warn(ctx, "failed to advance cursor", "table", tableID, "error", err)
	}

	live := 0
	for _, r := range recs {
		if !r.Deleted {
			live++
		}
	}
	out.Health = models.TableHydrated
	out.Records = live
	out.Cursor = cursor
	h.metrics.HydratedRecords.WithLabelValues(string(tier)).Add(float64(live))
	h.notify.Publish(notify.Event{Kind: notify.KindTableSynced, TableID: tableID})
	return out
}

func normalize(tableID string, rr models.RemoteRecord) (*models.Record, bool) {
	if rr.ID == "" {
		return nil, false
	}
	if rr.TableID != "" && rr.TableID != tableID {
		return nil, false
	}
	return &models.Record{
		ID:        rr.ID,
		TableID:   tableID,
		Fields:    models.CloneFields(rr.Fields),
		UpdatedAt: rr.UpdatedAt,
		Deleted:   rr.Deleted,
	}, true
}

// replayable reports whether every failure came from an unreachable
// remote; a rejected or corrupt response is not repaired by replay.
func (h *Hydrator) replayable(res *Result, failed []string) bool {
	if h.log == nil || h.applier == nil {
		return false
	}
	for _, id := range failed {
		o, _ := res.Table(id)
		if !errors.Is(o.Err, common.ErrTransient) {
			return false
		}
	}
	return true
}

// replay rebuilds the failed tables from the start of the event log.
// Events for other tables are skipped; the realtime cursor captured
// before hydration is left as is so those are delivered by the channel.
func (h *Hydrator) replay(ctx context.Context, failed []string, res *Result) {
	h.setState(PhaseHydrating, models.TierReplay)
	ctx, span := h.tracer.Start(ctx, "hydrate.replay")
	defer span.End()

	want := make(map[string]bool, len(failed))
	for _, id := range failed {
		want[id] = true
	}
	cursors := make(map[string]string, len(failed))

	err := h.readLog(ctx, func(ms []models.Mutation) error {
		batch := ms[:0]
		for _, m := range ms {
			if want[m.TableID] {
				batch = append(batch, m)
				cursors[m.TableID] = models.MaxCursor(cursors[m.TableID], m.SourceTimestamp)
			}
		}
		if len(batch) == 0 {
			return nil
		}
		_, err := h.applier.ApplyBatch(ctx, batch)
		return err
	})
	if err != nil {
		span.RecordError(err)
		h.logger.Warn(ctx, "event replay failed", "error", err)
		for _, id := range failed {
			h.metrics.HydrationFailures.WithLabelValues(string(models.TierReplay)).Inc()
			res.set(TableOutcome{TableID: id, Health: models.TableFailed, Tier: models.TierReplay, Err: err})
		}
		return
	}

	counts, err := h.store.RecordCounts(ctx)
	if err != nil {
		h.logger.Warn(ctx, "failed to count records", "error", err)
	}
	for _, id := range failed {
		if _, err := h.store.AdvanceCursor(ctx, id, cursors[id]); err != nil {
			h.logger.Warn(ctx, "failed to advance cursor", "table", id, "error", err)
		}
		h.metrics.HydratedRecords.WithLabelValues(string(models.TierReplay)).Add(float64(counts[id]))
		res.set(TableOutcome{
			TableID: id,
			Health:  models.TableHydrated,
			Tier:    models.TierReplay,
			Records: counts[id],
			Cursor:  cursors[id],
		})
		h.notify.Publish(notify.Event{Kind: notify.KindTableSynced, TableID: id})
	}
}

// readLog pages through the event log from its start.
func (h *Hydrator) readLog(ctx context.Context, fn func([]models.Mutation) error) error {
	var cursor string
	for page := 0; ; page++ {
		p, err := h.log.ReadEvents(ctx, cursor, page == 0, h.pageSize)
		if err != nil {
			return fmt.Errorf("failed to read events at %q: %w", cursor, err)
		}
		ms, errs := wire.DecodeAll(p.Events, models.OriginReplay)
		if len(errs) > 0 {
			h.logger.Warn(ctx, "skipped malformed events", "count", len(errs), "first", errs[0])
		}
		if err := fn(ms); err != nil {
			return err
		}
		if !p.HasMore || p.NextCursor == "" || p.NextCursor == cursor {
			return nil
		}
		cursor = p.NextCursor
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// IsPartial reports whether err is a partial hydration error.
func IsPartial(err error) bool {
	return errors.Is(err, common.ErrPartialHydration)
}
