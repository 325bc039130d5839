// Package applier merges remote and local mutations into the encrypted
// store. Work on the same record is serialized; different records proceed
// concurrently.
package applier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/dedup"
	"github.com/dmitrijs2005/gophsync/internal/client/metrics"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/notify"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

// DefaultDecryptThreshold is the number of consecutive decrypt failures
// after which sync is reported as degraded.
const DefaultDecryptThreshold = 3

var ErrInvalidMutation = errors.New("invalid mutation")

type Outcome string

const (
	Applied       Outcome = "applied"
	Duplicate     Outcome = "duplicate"
	Echo          Outcome = "echo"
	Stale         Outcome = "stale"
	DecryptFailed Outcome = "decrypt_failed"
)

// Result describes what happened to one mutation.
type Result struct {
	Mutation models.Mutation
	Outcome  Outcome
	// Record is the merged record for Applied results.
	Record *models.Record
	Err    error
}

// DecryptError reports an in-transit payload that could not be opened.
type DecryptError struct {
	EventID     string
	TableID     string
	RecordID    string
	Consecutive int
	Err         error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt event %s for %s/%s (%d consecutive): %v",
		e.EventID, e.TableID, e.RecordID, e.Consecutive, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// RecordStore is the part of the encrypted store the applier writes through.
type RecordStore interface {
	Lookup(ctx context.Context, tableID, id string) (*models.Record, error)
	Put(ctx context.Context, rec *models.Record) error
	Key() ([]byte, error)
}

// Superseder is the view of the offline queue the applier needs: it drops
// fields of queued local writes that a newer remote mutation has
// overwritten, and lists the writes still waiting for a record.
type Superseder interface {
	Supersede(ctx context.Context, tableID, recordID string, fields []string) (int, error)
	PendingFor(ctx context.Context, tableID, recordID string) ([]*models.PendingMutation, error)
}

// LocalCommit hooks the durable side of a local write into ApplyLocal.
// Save runs under the record lock before the record is stored; if storing
// then fails, Revert runs under the same lock.
type LocalCommit struct {
	Save   func(ctx context.Context) error
	Revert func(ctx context.Context)
}

type Options struct {
	Dedup            *dedup.Deduplicator
	Echo             *dedup.EchoTracker
	Notify           notify.Publisher
	Metrics          *metrics.Metrics
	Logger           logging.Logger
	DecryptThreshold int
}

type Applier struct {
	store   RecordStore
	dedup   *dedup.Deduplicator
	echo    *dedup.EchoTracker
	notify  notify.Publisher
	metrics *metrics.Metrics
	log     logging.Logger
	locks   *keyedMutex

	supMu      sync.RWMutex
	superseder Superseder

	threshold   int
	decryptMu   sync.Mutex
	consecutive int
	degraded    bool
}

func New(st RecordStore, opts Options) *Applier {
	if opts.Dedup == nil {
		opts.Dedup = dedup.New(dedup.DefaultTTL, dedup.DefaultCapacity, nil)
	}
	if opts.Echo == nil {
		opts.Echo = dedup.NewEchoTracker(dedup.DefaultEchoWindow, nil)
	}
	if opts.Notify == nil {
		opts.Notify = notify.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.DecryptThreshold <= 0 {
		opts.DecryptThreshold = DefaultDecryptThreshold
	}
	return &Applier{
		store:     st,
		dedup:     opts.Dedup,
		echo:      opts.Echo,
		notify:    opts.Notify,
		metrics:   opts.Metrics,
		log:       opts.Logger.With("module", "applier"),
		locks:     newKeyedMutex(),
		threshold: opts.DecryptThreshold,
	}
}

// SetSuperseder wires the offline queue after construction.
func (a *Applier) SetSuperseder(s Superseder) {
	a.supMu.Lock()
	defer a.supMu.Unlock()
	a.superseder = s
}

// Echo returns the tracker local writes register with.
func (a *Applier) Echo() *dedup.EchoTracker { return a.echo }

// DecryptFailures returns the current consecutive decrypt-failure count and
// whether the degraded threshold has been crossed.
func (a *Applier) DecryptFailures() (int, bool) {
	a.decryptMu.Lock()
	defer a.decryptMu.Unlock()
	return a.consecutive, a.degraded
}

func lockKey(tableID, recordID string) string {
	return tableID + "\x00" + recordID
}

// Apply merges one remote mutation. The returned error is non-nil for
// DecryptFailed results and for store failures; in the latter case the
// event is not marked seen so it can be retried from scratch.
func (a *Applier) Apply(ctx context.Context, m models.Mutation) (Result, error) {
	res := Result{Mutation: m}
	if m.TableID == "" || m.RecordID == "" || !m.Op.Valid() {
		return res, fmt.Errorf("%w: %q %s/%s", ErrInvalidMutation, m.Op, m.TableID, m.RecordID)
	}

	if m.EventID != "" && a.dedup.Seen(m.EventID) {
		return a.finish(ctx, res, Duplicate), nil
	}

	if m.Sealed != nil {
		opened, err := a.openSealed(m)
		if err != nil {
			res.Err = err
			return a.finish(ctx, res, DecryptFailed), err
		}
		m = opened
		res.Mutation = m
	}

	unlock := a.locks.Lock(lockKey(m.TableID, m.RecordID))
	defer unlock()

	if m.EventID != "" && a.dedup.Seen(m.EventID) {
		return a.finish(ctx, res, Duplicate), nil
	}

	if isFieldOp(m.Op) && a.echo.Consume(m.TableID, m.RecordID, m.Fields, m.Nullify) {
		a.markSeen(m)
		return a.finish(ctx, res, Echo), nil
	}

	cur, err := a.current(ctx, m.TableID, m.RecordID)
	if err != nil {
		return res, err
	}
	if stale(cur, m) {
		a.markSeen(m)
		return a.finish(ctx, res, Stale), nil
	}

	next, touched := merge(cur, m)
	if m.Op == models.OpReplace {
		if touched, err = a.keepPending(ctx, next, touched); err != nil {
			return res, err
		}
	}
	// A merge that has started is completed even if the caller gives up.
	if err := a.store.Put(context.WithoutCancel(ctx), next); err != nil {
		return res, fmt.Errorf("failed to persist %s/%s: %w", m.TableID, m.RecordID, err)
	}
	a.markSeen(m)
	a.supersede(ctx, m, touched)
	a.echo.Forget(m.TableID, m.RecordID, touched)

	res.Record = next.Clone()
	a.notify.Publish(notify.Event{
		Kind:     notify.KindRecordChanged,
		TableID:  m.TableID,
		RecordID: m.RecordID,
		Op:       m.Op,
		Origin:   m.Origin,
	})
	return a.finish(ctx, res, Applied), nil
}

// ApplyBatch applies ms in delivery order. Decrypt failures are reported in
// the results and do not stop the batch; any other error does.
func (a *Applier) ApplyBatch(ctx context.Context, ms []models.Mutation) ([]Result, error) {
	out := make([]Result, 0, len(ms))
	for _, m := range ms {
		res, err := a.Apply(ctx, m)
		out = append(out, res)
		if err != nil && res.Outcome != DecryptFailed {
			return out, err
		}
	}
	return out, nil
}

// ApplyLocal is the optimistic path for writes issued on this device. It
// takes the same per-record lock and merge as remote mutations but skips
// dedup and echo checks.
func (a *Applier) ApplyLocal(ctx context.Context, w models.LocalWrite, commit LocalCommit) (*models.Record, error) {
	m := models.Mutation{
		TableID:  w.TableID,
		RecordID: w.RecordID,
		Op:       w.Op,
		Fields:   w.Fields,
		Nullify:  w.Nullify,
		Origin:   models.OriginLocal,
	}
	if m.TableID == "" || m.RecordID == "" || !m.Op.Valid() || m.Op == models.OpReplace {
		return nil, fmt.Errorf("%w: %q %s/%s", ErrInvalidMutation, m.Op, m.TableID, m.RecordID)
	}

	unlock := a.locks.Lock(lockKey(m.TableID, m.RecordID))
	defer unlock()

	cur, err := a.current(ctx, m.TableID, m.RecordID)
	if err != nil {
		return nil, err
	}
	next, _ := merge(cur, m)
	if commit.Save != nil {
		if err := commit.Save(ctx); err != nil {
			return nil, err
		}
	}
	if err := a.store.Put(context.WithoutCancel(ctx), next); err != nil {
		if commit.Revert != nil {
			commit.Revert(ctx)
		}
		return nil, fmt.Errorf("failed to persist local write %s/%s: %w", m.TableID, m.RecordID, err)
	}
	a.metrics.Mutations.WithLabelValues(string(models.OriginLocal), string(Applied)).Inc()
	a.notify.Publish(notify.Event{
		Kind:     notify.KindRecordChanged,
		TableID:  m.TableID,
		RecordID: m.RecordID,
		Op:       m.Op,
		Origin:   models.OriginLocal,
	})
	return next.Clone(), nil
}

func (a *Applier) current(ctx context.Context, tableID, recordID string) (*models.Record, error) {
	cur, err := a.store.Lookup(ctx, tableID, recordID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", tableID, recordID, err)
	}
	return cur, nil
}

func (a *Applier) markSeen(m models.Mutation) {
	if m.EventID != "" {
		a.dedup.Mark(m.EventID)
	}
}

func (a *Applier) queue() Superseder {
	a.supMu.RLock()
	defer a.supMu.RUnlock()
	return a.superseder
}

// keepPending re-applies the record's queued local writes on top of a
// snapshot and returns touched without the fields those writes cover. A
// snapshot carries every field, so it only wins the fields nobody changed
// locally.
func (a *Applier) keepPending(ctx context.Context, next *models.Record, touched []string) ([]string, error) {
	q := a.queue()
	if q == nil {
		return touched, nil
	}
	pending, err := q.PendingFor(ctx, next.TableID, next.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read queued writes of %s/%s: %w", next.TableID, next.ID, err)
	}
	if len(pending) == 0 {
		return touched, nil
	}

	local := make(map[string]struct{})
	deleted := false
	for _, p := range pending {
		merged, _ := merge(next, models.Mutation{
			TableID:  next.TableID,
			RecordID: next.ID,
			Op:       p.Op,
			Fields:   p.Fields,
			Nullify:  p.Nullify,
			Origin:   models.OriginLocal,
		})
		*next = *merged
		if p.Op == models.OpDelete {
			deleted = true
		}
		for k := range p.Fields {
			local[k] = struct{}{}
		}
		for _, f := range p.Nullify {
			local[f] = struct{}{}
		}
	}
	if deleted {
		// the queued delete decides every field
		return nil, nil
	}

	kept := touched[:0]
	for _, f := range touched {
		if _, ok := local[f]; !ok {
			kept = append(kept, f)
		}
	}
	return kept, nil
}

func (a *Applier) supersede(ctx context.Context, m models.Mutation, touched []string) {
	if m.Origin == models.OriginLocal || len(touched) == 0 {
		return
	}
	s := a.queue()
	if s == nil {
		return
	}
	n, err := s.Supersede(ctx, m.TableID, m.RecordID, touched)
	if err != nil {
		a.log.Warn(ctx, "failed to supersede queued writes", "table", m.TableID, "record", m.RecordID, "error", err)
		return
	}
	if n > 0 {
		a.log.Info(ctx, "queued writes superseded by remote change", "table", m.TableID, "record", m.RecordID, "writes", n)
	}
}

func (a *Applier) finish(ctx context.Context, res Result, outcome Outcome) Result {
	res.Outcome = outcome
	a.metrics.Mutations.WithLabelValues(string(res.Mutation.Origin), string(outcome)).Inc()
	a.log.Debug(ctx, "mutation processed",
		"event", res.Mutation.EventID,
		"table", res.Mutation.TableID,
		"record", res.Mutation.RecordID,
		"op", res.Mutation.Op,
		"outcome", outcome,
	)
	return res
}

func (a *Applier) openSealed(m models.Mutation) (models.Mutation, error) {
	key, err := a.store.Key()
	if err != nil {
		return m, err
	}
	defer common.WipeByteArray(key)

	var body models.MutationBody
	if err := cryptox.OpenJSON(m.Sealed.Ciphertext, m.Sealed.Nonce, key, &body); err != nil {
		return m, a.decryptFailed(m, err)
	}
	a.decryptSucceeded()

	m.Sealed = nil
	m.Fields, m.Nullify = body.Fields, body.Nullify
	if m.Op == models.OpNullify {
		m.Fields = nil
	}
	return m, nil
}

func (a *Applier) decryptFailed(m models.Mutation, cause error) error {
	a.decryptMu.Lock()
	a.consecutive++
	n := a.consecutive
	crossed := !a.degraded && n >= a.threshold
	if crossed {
		a.degraded = true
	}
	a.decryptMu.Unlock()

	derr := &DecryptError{
		EventID:     m.EventID,
		TableID:     m.TableID,
		RecordID:    m.RecordID,
		Consecutive: n,
		Err:         cause,
	}
	a.metrics.DecryptFailures.Inc()
	a.notify.Publish(notify.Event{
		Kind:     notify.KindDecryptFailure,
		TableID:  m.TableID,
		RecordID: m.RecordID,
		Origin:   m.Origin,
		Err:      derr,
	})
	if crossed {
		a.notify.Publish(notify.Event{Kind: notify.KindSyncDegraded, Err: derr})
	}
	return derr
}

func (a *Applier) decryptSucceeded() {
	a.decryptMu.Lock()
	defer a.decryptMu.Unlock()
	a.consecutive = 0
	a.degraded = false
}

func isFieldOp(op models.Op) bool {
	return op == models.OpInsert || op == models.OpAlter || op == models.OpNullify
}

// stale reports mutations that must not touch the current record: snapshots
// older than what is stored and field edits of a deleted record.
func stale(cur *models.Record, m models.Mutation) bool {
	if cur == nil {
		return false
	}
	switch m.Op {
	case models.OpReplace:
		return cur.UpdatedAt != "" && models.CompareCursor(m.SourceTimestamp, cur.UpdatedAt) <= 0
	case models.OpAlter, models.OpNullify:
		return cur.Deleted
	}
	return false
}

// merge returns the next state of the record and the field ids the mutation
// changed.
func merge(cur *models.Record, m models.Mutation) (*models.Record, []string) {
	next := &models.Record{ID: m.RecordID, TableID: m.TableID, Fields: map[string]any{}}
	if cur != nil {
		next = cur.Clone()
	}
	if m.Origin != models.OriginLocal {
		next.LastSynced = time.Time{}
	}

	var touched []string
	switch m.Op {
	case models.OpInsert:
		if next.Deleted {
			next.Deleted = false
			next.Fields = map[string]any{}
		}
		touched = overwrite(next.Fields, m.Fields)
	case models.OpAlter:
		touched = overwrite(next.Fields, m.Fields)
	case models.OpNullify:
		for _, f := range m.Nullify {
			if _, ok := next.Fields[f]; ok {
				delete(next.Fields, f)
			}
			touched = append(touched, f)
		}
	case models.OpDelete:
		touched = keys(next.Fields)
		next.Fields = map[string]any{}
		next.Deleted = true
	case models.OpReplace:
		touched = changed(next.Fields, m.Fields)
		next.Fields = models.CloneFields(m.Fields)
		next.Deleted = false
	}

	next.UpdatedAt = models.MaxCursor(next.UpdatedAt, m.SourceTimestamp)
	return next, touched
}

func overwrite(dst, src map[string]any) []string {
	touched := make([]string, 0, len(src))
	for k, v := range models.CloneFields(src) {
		dst[k] = v
		touched = append(touched, k)
	}
	sort.Strings(touched)
	return touched
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// changed lists fields whose value differs between before and after,
// including fields only one side has.
func changed(before, after map[string]any) []string {
	var out []string
	for k, v := range after {
		if old, ok := before[k]; !ok || !dedup.ValuesEqual(old, v) {
			out = append(out, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
