// Package queue is the durable offline write queue. Local writes are
// applied optimistically, persisted encrypted and delivered oldest-first
// once the remote is reachable.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/gophsync/internal/client/applier"
	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/client/dedup"
	"github.com/dmitrijs2005/gophsync/internal/client/metrics"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/notify"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

const DefaultMaxRetries = 5

var ErrInvalidWrite = errors.New("invalid local write")

// Store persists queued writes.
type Store interface {
	SavePending(ctx context.Context, p *models.PendingMutation) error
	UpdatePending(ctx context.Context, p *models.PendingMutation) error
	PendingQueue(ctx context.Context) ([]*models.PendingMutation, error)
	PendingHistory(ctx context.Context, tableID, recordID string) ([]*models.PendingMutation, error)
	PendingCount(ctx context.Context) (int, error)
}

// LocalApplier applies a write to the local store together with its
// queue entry.
type LocalApplier interface {
	ApplyLocal(ctx context.Context, w models.LocalWrite, commit applier.LocalCommit) (*models.Record, error)
	Echo() *dedup.EchoTracker
}

type Options struct {
	MaxRetries int
	EchoWindow time.Duration
	Logger     logging.Logger
	Metrics    *metrics.Metrics
	Notify     notify.Publisher
	Now        func() time.Time
}

// FlushResult counts what one flush did with each queued write.
type FlushResult struct {
	Delivered int
	Retried   int
	Discarded int
	// Blocked writes waited behind an earlier failed write of the same record.
	Blocked   int
	Remaining int
}

type Queue struct {
	store   Store
	applier LocalApplier
	remote  client.Remote

	maxRetries int
	echoWindow time.Duration
	log        logging.Logger
	metrics    *metrics.Metrics
	notify     notify.Publisher
	now        func() time.Time

	// mu serializes flushes with supersede so a write is never delivered
	// with fields a newer remote change already replaced.
	mu sync.Mutex
}

func New(st Store, ap LocalApplier, remote client.Remote, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = dedup.DefaultEchoWindow
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
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:      st,
		applier:    ap,
		remote:     remote,
		maxRetries: opts.MaxRetries,
		echoWindow: opts.EchoWindow,
		log:        opts.Logger.With("module", "queue"),
		metrics:    opts.Metrics,
		notify:     opts.Notify,
		now:        opts.Now,
	}
}

func validate(w models.LocalWrite) error {
	if w.TableID == "" || w.RecordID == "" {
		return fmt.Errorf("%w: missing table or record id", ErrInvalidWrite)
	}
	switch w.Op {
	case models.OpInsert, models.OpAlter:
		if len(w.Fields) == 0 {
			return fmt.Errorf("%w: %s without fields", ErrInvalidWrite, w.Op)
		}
	case models.OpNullify:
		if len(w.Nullify) == 0 {
			return fmt.Errorf("%w: NULLIFY without field ids", ErrInvalidWrite)
		}
	case models.OpDelete:
	default:
		return fmt.Errorf("%w: unsupported op %q", ErrInvalidWrite, w.Op)
	}
	return nil
}

// Enqueue stores w durably, tracks it for echo suppression and applies it
// locally, all under the record's lock. If the local apply fails the queued
// entry is discarded again. The record as now visible locally is returned.
func (q *Queue) Enqueue(ctx context.Context, w models.LocalWrite) (*models.PendingMutation, *models.Record, error) {
	if err := validate(w); err != nil {
		return nil, nil, err
	}
	if w.IssuedAt.IsZero() {
		w.IssuedAt = q.now().UTC()
	}

	p := &models.PendingMutation{
		ID:        uuid.NewString(),
		TableID:   w.TableID,
		RecordID:  w.RecordID,
		Op:        w.Op,
		Fields:    models.CloneFields(w.Fields),
		Nullify:   append([]string(nil), w.Nullify...),
		Timestamp: w.IssuedAt,
		Status:    models.PendingStatusPending,
	}
	untrack := func() {}
	rec, err := q.applier.ApplyLocal(ctx, w, applier.LocalCommit{
		Save: func(ctx context.Context) error {
			if err := q.store.SavePending(ctx, p); err != nil {
				return fmt.Errorf("failed to queue write %s/%s: %w", w.TableID, w.RecordID, err)
			}
			untrack = q.track(w.TableID, w.RecordID, w.Op, w.Fields, w.Nullify, w.IssuedAt)
			return nil
		},
		Revert: func(ctx context.Context) {
			untrack()
			p.Status = models.PendingStatusDiscarded
			p.LastError = "local apply failed"
			if err := q.store.UpdatePending(context.WithoutCancel(ctx), p); err != nil {
				q.log.Error(ctx, "failed to discard queued write", "id", p.ID, "error", err)
			}
		},
	})
	if err != nil {
		return nil, nil, err
	}
	q.metrics.PendingWrites.Inc()
	q.log.Debug(ctx, "write queued", "id", p.ID, "table", p.TableID, "record", p.RecordID, "op", p.Op)
	return p, rec, nil
}

func (q *Queue) track(tableID, recordID string, op models.Op, fields map[string]any, nullify []string, at time.Time) func() {
	if op == models.OpDelete {
		return func() {}
	}
	return q.applier.Echo().Track(tableID, recordID, fields, nullify, at)
}

type recordKey struct {
	table, record string
}

// Flush delivers queued writes oldest-first. After a transient failure
// the record's later writes wait for the next flush. An authentication
// failure stops the flush with an error matching common.ErrAuthExpired;
// a rate limit stops it with the *client.RateLimitError.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res FlushResult
	list, err := q.store.PendingQueue(ctx)
	if err != nil {
		return res, err
	}

	blocked := make(map[recordKey]bool)
	var stop error
	for _, p := range list {
		if err := ctx.Err(); err != nil {
			stop = err
			break
		}
		k := recordKey{p.TableID, p.RecordID}
		if blocked[k] {
			res.Blocked++
			continue
		}

		if q.now().Sub(p.Timestamp) > q.echoWindow {
			q.track(p.TableID, p.RecordID, p.Op, p.Fields, p.Nullify, q.now())
		}
		_, err := q.remote.Write(ctx, client.WriteRequest{
			MutationID: p.ID,
			TableID:    p.TableID,
			RecordID:   p.RecordID,
			Op:         p.Op,
			Fields:     p.Fields,
			Nullify:    p.Nullify,
			IssuedAt:   p.Timestamp,
		})

		if stop = q.settle(ctx, p, err, &res); stop != nil {
			break
		}
		if p.Status == models.PendingStatusPending {
			blocked[k] = true
		}
	}

	if n, err := q.store.PendingCount(ctx); err == nil {
		res.Remaining = n
		q.metrics.PendingWrites.Set(float64(n))
	}
	if res.Delivered+res.Discarded+res.Retried > 0 {
		q.log.Info(ctx, "queue flushed",
			"delivered", res.Delivered,
			"retried", res.Retried,
			"discarded", res.Discarded,
			"remaining", res.Remaining,
		)
	}
	return res, stop
}

// settle records the outcome of one delivery attempt. A non-nil return
// ends the flush.
func (q *Queue) settle(ctx context.Context, p *models.PendingMutation, err error, res *FlushResult) error {
	class := client.Classify(err)
	switch class {
	case client.ClassNone:
		p.Status = models.PendingStatusFlushed
		res.Delivered++
	case client.ClassAuth:
		q.metrics.QueueResults.WithLabelValues("auth").Inc()
		return fmt.Errorf("%w: flush stopped at %s: %v", common.ErrAuthExpired, p.ID, err)
	case client.ClassCanceled:
		return err
	case client.ClassRateLimited:
		q.metrics.QueueResults.WithLabelValues(class.String()).Inc()
		return err
	case client.ClassPermanent:
		q.discard(ctx, p, err)
		res.Discarded++
	default:
		p.RetryCount++
		p.LastError = err.Error()
		if p.RetryCount >= q.maxRetries {
			q.discard(ctx, p, err)
			res.Discarded++
		} else {
			res.Retried++
		}
	}

	q.metrics.QueueResults.WithLabelValues(string(p.Status)).Inc()
	if uerr := q.store.UpdatePending(context.WithoutCancel(ctx), p); uerr != nil {
		return fmt.Errorf("failed to update queued write %s: %w", p.ID, uerr)
	}
	return nil
}

func (q *Queue) discard(ctx context.Context, p *models.PendingMutation, err error) {
	p.Status = models.PendingStatusDiscarded
	p.LastError = err.Error()
	q.log.Warn(ctx, "queued write discarded",
		"id", p.ID, "table", p.TableID, "record", p.RecordID, "retries", p.RetryCount, "error", err)
	q.notify.Publish(notify.Event{
		Kind:       notify.KindMutationDiscarded,
		TableID:    p.TableID,
		RecordID:   p.RecordID,
		Op:         p.Op,
		MutationID: p.ID,
		Err:        err,
	})
}

// Supersede removes fields from queued writes of a record after a newer
// remote change to those fields was applied. An ALTER or NULLIFY left with
// nothing to deliver is marked superseded and keeps its body as history;
// a partly superseded write loses only the overwritten fields. It returns
// the number of queued writes changed.
func (q *Queue) Supersede(ctx context.Context, tableID, recordID string, fields []string) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	history, err := q.store.PendingHistory(ctx, tableID, recordID)
	if err != nil {
		return 0, err
	}
	drop := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		drop[f] = struct{}{}
	}

	changed := 0
	for _, p := range history {
		if p.Status != models.PendingStatusPending || p.Op == models.OpDelete {
			continue
		}
		keptFields, keptNullify, removed := strip(p, drop)
		if len(removed) == 0 {
			continue
		}
		if len(keptFields) == 0 && len(keptNullify) == 0 && p.Op != models.OpInsert {
			p.Status = models.PendingStatusSuperseded
			q.metrics.PendingWrites.Dec()
		} else {
			p.Fields, p.Nullify = keptFields, keptNullify
		}
		p.LastError = fmt.Sprintf("superseded by remote change: %s", strings.Join(removed, ","))
		if err := q.store.UpdatePending(ctx, p); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// strip returns the parts of p not named in drop and the sorted names
// that were removed.
func strip(p *models.PendingMutation, drop map[string]struct{}) (map[string]any, []string, []string) {
	var removed []string
	fields := make(map[string]any, len(p.Fields))
	for k, v := range p.Fields {
		if _, ok := drop[k]; ok {
			removed = append(removed, k)
			continue
		}
		fields[k] = v
	}
	var nullify []string
	for _, f := range p.Nullify {
		if _, ok := drop[f]; ok {
			removed = append(removed, f)
			continue
		}
		nullify = append(nullify, f)
	}
	sort.Strings(removed)
	return fields, nullify, removed
}

// PendingFor returns the record's writes still waiting for delivery,
// oldest first.
func (q *Queue) PendingFor(ctx context.Context, tableID, recordID string) ([]*models.PendingMutation, error) {
	history, err := q.store.PendingHistory(ctx, tableID, recordID)
	if err != nil {
		return nil, err
	}
	out := history[:0]
	for _, p := range history {
		if p.Status == models.PendingStatusPending {
			out = append(out, p)
		}
	}
	return out, nil
}

// Pending returns the writes still waiting for delivery, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]*models.PendingMutation, error) {
	return q.store.PendingQueue(ctx)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.PendingCount(ctx)
}

// History returns every write ever queued for a record, whatever its
// status, for manual reconciliation.
func (q *Queue) History(ctx context.Context, tableID, recordID string) ([]*models.PendingMutation, error) {
	return q.store.PendingHistory(ctx, tableID, recordID)
}
