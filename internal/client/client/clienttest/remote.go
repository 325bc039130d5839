// Package clienttest provides an in-memory authoritative remote and an HTTP
// and WebSocket front for it, for tests of the sync engine and transports.
package clienttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/wire"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

// Operation names used for failure injection.
const (
	OpListTables = "ListTables"
	OpBulkExport = "BulkExport"
	OpFetchTable = "FetchTable"
	OpFetchSince = "FetchSince"
	OpWrite      = "Write"
	OpPing       = "Ping"
	OpReadEvents = "ReadEvents"
	OpHead       = "Head"
	OpSubscribe  = "Subscribe"
)

type logEntry struct {
	seq int64
	raw json.RawMessage
}

// FakeRemote is an in-memory authoritative dataset with an event log and
// push subscriptions. The server clock is a counter; record UpdatedAt
// values and cursors are its decimal string.
type FakeRemote struct {
	mu      sync.Mutex
	seq     int64
	tables  map[string]models.Table
	records map[string]map[string]models.RemoteRecord
	log     []logEntry
	subs    map[*fakeSub]struct{}
	writes  []client.WriteRequest

	always     map[string]error
	next       map[string][]error
	streamDown bool
	calls      map[string]int
}

func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		tables:  make(map[string]models.Table),
		records: make(map[string]map[string]models.RemoteRecord),
		subs:    make(map[*fakeSub]struct{}),
		always:  make(map[string]error),
		next:    make(map[string][]error),
		calls:   make(map[string]int),
	}
}

// FailAlways makes op fail with err until cleared with a nil err.
func (f *FakeRemote) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.always, op)
		return
	}
	f.always[op] = err
}

// FailNext queues errors returned by the next calls of op.
func (f *FakeRemote) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[op] = append(f.next[op], errs...)
}

// SetOffline makes every operation fail with client.ErrUnavailable and
// drops open subscriptions.
func (f *FakeRemote) SetOffline(offline bool) {
	for _, op := range []string{OpListTables, OpBulkExport, OpFetchTable, OpFetchSince, OpWrite, OpPing, OpReadEvents, OpHead, OpSubscribe} {
		if offline {
			f.FailAlways(op, client.ErrUnavailable)
		} else {
			f.FailAlways(op, nil)
		}
	}
	if offline {
		f.DropSubscriptions(client.ErrUnavailable)
	}
}

// SetStreamDown stops pushing new events to subscribers. Events still go
// to the log and are visible to polling and replay.
func (f *FakeRemote) SetStreamDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamDown = down
}

// Calls returns how many times op was invoked.
func (f *FakeRemote) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FakeRemote) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if q := f.next[op]; len(q) > 0 {
		f.next[op] = q[1:]
		return q[0]
	}
	return f.always[op]
}

func (f *FakeRemote) AddTable(t models.Table) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[t.ID] = t
	if f.records[t.ID] == nil {
		f.records[t.ID] = make(map[string]models.RemoteRecord)
	}
}

// Insert creates or overwrites fields of a record and publishes the change.
func (f *FakeRemote) Insert(tableID, id string, fields map[string]any) string {
	return f.apply(models.Mutation{TableID: tableID, RecordID: id, Op: models.OpInsert, Fields: fields})
}

func (f *FakeRemote) Alter(tableID, id string, fields map[string]any) string {
	return f.apply(models.Mutation{TableID: tableID, RecordID: id, Op: models.OpAlter, Fields: fields})
}

func (f *FakeRemote) Nullify(tableID, id string, fields ...string) string {
	return f.apply(models.Mutation{TableID: tableID, RecordID: id, Op: models.OpNullify, Nullify: fields})
}

func (f *FakeRemote) Delete(tableID, id string) string {
	return f.apply(models.Mutation{TableID: tableID, RecordID: id, Op: models.OpDelete})
}

// Publish appends a raw event to the log and pushes it to subscribers
// without touching records. It returns the event's cursor.
func (f *FakeRemote) Publish(raw json.RawMessage) string {
	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.log = append(f.log, logEntry{seq: seq, raw: raw})
	subs := f.liveSubsLocked()
	f.mu.Unlock()

	cursor := strconv.FormatInt(seq, 10)
	for _, s := range subs {
		s.push(&client.Batch{Events: []json.RawMessage{raw}, Cursor: cursor})
	}
	return cursor
}

func (f *FakeRemote) apply(m models.Mutation) string {
	f.mu.Lock()
	f.seq++
	seq := f.seq
	cursor := strconv.FormatInt(seq, 10)
	f.mergeLocked(m, cursor)

	m.EventID = fmt.Sprintf("ev-%d", seq)
	m.SourceTimestamp = cursor
	m.Cursor = cursor
	raw, err := wire.Encode(m)
	if err != nil {
		f.mu.Unlock()
		panic(err)
	}
	f.log = append(f.log, logEntry{seq: seq, raw: raw})
	subs := f.liveSubsLocked()
	f.mu.Unlock()

	for _, s := range subs {
		s.push(&client.Batch{Events: []json.RawMessage{raw}, Cursor: cursor})
	}
	return cursor
}

func (f *FakeRemote) mergeLocked(m models.Mutation, updatedAt string) {
	recs := f.records[m.TableID]
	if recs == nil {
		recs = make(map[string]models.RemoteRecord)
		f.records[m.TableID] = recs
		if _, ok := f.tables[m.TableID]; !ok {
			f.tables[m.TableID] = models.Table{ID: m.TableID, Name: m.TableID}
		}
	}
	rec, ok := recs[m.RecordID]
	if !ok || (rec.Deleted && m.Op == models.OpInsert) {
		rec = models.RemoteRecord{ID: m.RecordID, TableID: m.TableID, Fields: map[string]any{}}
	} else {
		rec.Fields = models.CloneFields(rec.Fields)
	}
	switch m.Op {
	case models.OpInsert, models.OpAlter:
		for k, v := range m.Fields {
			rec.Fields[k] = v
		}
	case models.OpNullify:
		for _, k := range m.Nullify {
			delete(rec.Fields, k)
		}
	case models.OpDelete:
		rec.Fields = map[string]any{}
		rec.Deleted = true
	}
	rec.UpdatedAt = updatedAt
	recs[m.RecordID] = rec
}

func (f *FakeRemote) liveSubsLocked() []*fakeSub {
	if f.streamDown {
		return nil
	}
	out := make([]*fakeSub, 0, len(f.subs))
	for s := range f.subs {
		out = append(out, s)
	}
	return out
}

// Record returns the server copy of a record.
func (f *FakeRemote) Record(tableID, id string) (models.RemoteRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[tableID][id]
	rec.Fields = models.CloneFields(rec.Fields)
	return rec, ok
}

// Writes returns the write requests received so far.
func (f *FakeRemote) Writes() []client.WriteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.WriteRequest(nil), f.writes...)
}

func (f *FakeRemote) ListTables(ctx context.Context) ([]models.Table, error) {
	if err := f.enter(OpListTables); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Table, 0, len(f.tables))
	for _, t := range f.tables {
		t.RecordCount = 0
		for _, r := range f.records[t.ID] {
			if !r.Deleted {
				t.RecordCount++
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeRemote) liveRecordsLocked(tableID string) []models.RemoteRecord {
	out := make([]models.RemoteRecord, 0, len(f.records[tableID]))
	for _, r := range f.records[tableID] {
		if r.Deleted {
			continue
		}
		r.Fields = models.CloneFields(r.Fields)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *FakeRemote) BulkExport(ctx context.Context) (*client.ExportResponse, error) {
	if err := f.enter(OpBulkExport); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &client.ExportResponse{Tables: make(map[string][]models.RemoteRecord, len(f.tables))}
	for id := range f.tables {
		out.Tables[id] = f.liveRecordsLocked(id)
	}
	return out, nil
}

func (f *FakeRemote) FetchTable(ctx context.Context, tableID string) ([]models.RemoteRecord, error) {
	if err := f.enter(OpFetchTable); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[tableID]; !ok {
		return nil, fmt.Errorf("%w: table %s", common.ErrPermanentWrite, tableID)
	}
	return f.liveRecordsLocked(tableID), nil
}

func (f *FakeRemote) FetchSince(ctx context.Context, tableID, cursor string) (*client.SinceResponse, error) {
	if err := f.enter(OpFetchSince); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &client.SinceResponse{}
	for _, r := range f.records[tableID] {
		if models.CompareCursor(r.UpdatedAt, cursor) <= 0 {
			continue
		}
		r.Fields = models.CloneFields(r.Fields)
		out.Records = append(out.Records, r)
		out.MaxUpdatedAt = models.MaxCursor(out.MaxUpdatedAt, r.UpdatedAt)
	}
	sort.Slice(out.Records, func(i, j int) bool {
		return models.CompareCursor(out.Records[i].UpdatedAt, out.Records[j].UpdatedAt) < 0
	})
	return out, nil
}

func (f *FakeRemote) Write(ctx context.Context, req client.WriteRequest) (*client.WriteResult, error) {
	if err := f.enter(OpWrite); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.writes = append(f.writes, req)
	if req.Op == models.OpAlter || req.Op == models.OpNullify {
		if rec, ok := f.records[req.TableID][req.RecordID]; !ok || rec.Deleted {
			f.mu.Unlock()
			return nil, &client.HTTPError{StatusCode: 404, Code: "record_not_found", Message: req.RecordID}
		}
	}
	f.mu.Unlock()

	cursor := f.apply(models.Mutation{
		TableID:  req.TableID,
		RecordID: req.RecordID,
		Op:       req.Op,
		Fields:   req.Fields,
		Nullify:  req.Nullify,
	})
	return &client.WriteResult{UpdatedAt: cursor}, nil
}

func (f *FakeRemote) Ping(ctx context.Context) error {
	return f.enter(OpPing)
}

func (f *FakeRemote) ReadEvents(ctx context.Context, cursor string, fromStart bool, limit int) (*client.EventPage, error) {
	if err := f.enter(OpReadEvents); err != nil {
		return nil, err
	}
	if fromStart {
		cursor = ""
	}
	if limit <= 0 {
		limit = 100
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	after := f.afterLocked(cursor)
	page := &client.EventPage{NextCursor: cursor}
	for i, e := range after {
		if i == limit {
			page.HasMore = true
			break
		}
		page.Events = append(page.Events, e.raw)
		page.NextCursor = strconv.FormatInt(e.seq, 10)
	}
	return page, nil
}

func (f *FakeRemote) afterLocked(cursor string) []logEntry {
	var from int64
	if cursor != "" {
		from, _ = strconv.ParseInt(cursor, 10, 64)
	}
	i := sort.Search(len(f.log), func(i int) bool { return f.log[i].seq > from })
	return f.log[i:]
}

func (f *FakeRemote) Head(ctx context.Context) (string, error) {
	if err := f.enter(OpHead); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.log) == 0 {
		return "", nil
	}
	return strconv.FormatInt(f.log[len(f.log)-1].seq, 10), nil
}

// Subscribe first delivers the logged events after cursor as one batch,
// then live events.
func (f *FakeRemote) Subscribe(ctx context.Context, cursor string) (client.Subscription, error) {
	if err := f.enter(OpSubscribe); err != nil {
		return nil, err
	}
	s := &fakeSub{remote: f, batches: make(chan *client.Batch, 256), done: make(chan struct{})}

	f.mu.Lock()
	backlog := f.afterLocked(cursor)
	if len(backlog) > 0 {
		b := &client.Batch{Cursor: strconv.FormatInt(backlog[len(backlog)-1].seq, 10)}
		for _, e := range backlog {
			b.Events = append(b.Events, e.raw)
		}
		s.batches <- b
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s, nil
}

// Subscribers counts open subscriptions.
func (f *FakeRemote) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// DropSubscriptions fails every open subscription with err.
func (f *FakeRemote) DropSubscriptions(err error) {
	f.mu.Lock()
	subs := make([]*fakeSub, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.fail(err)
	}
}

type fakeSub struct {
	remote  *FakeRemote
	batches chan *client.Batch
	done    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

func (s *fakeSub) push(b *client.Batch) {
	select {
	case s.batches <- b:
	case <-s.done:
	}
}

func (s *fakeSub) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	_ = s.Close()
}

func (s *fakeSub) Next(ctx context.Context) (*client.Batch, error) {
	select {
	case b := <-s.batches:
		return b, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-s.batches:
		return b, nil
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return nil, s.err
		}
		return nil, fmt.Errorf("%w: subscription closed", client.ErrUnavailable)
	}
}

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.remote.mu.Lock()
		delete(s.remote.subs, s)
		s.remote.mu.Unlock()
	})
	return nil
}

var (
	_ client.Remote      = (*FakeRemote)(nil)
	_ client.EventLog    = (*FakeRemote)(nil)
	_ client.EventStream = (*FakeRemote)(nil)
)
