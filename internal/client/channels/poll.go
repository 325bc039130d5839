package channels

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/client/metrics"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

const DefaultPollInterval = 15 * time.Second

type PollOptions struct {
	Interval time.Duration
	Logger   logging.Logger
	Metrics  *metrics.Metrics
	OnError  ErrorFunc
}

// PollChannel fetches per-table changes since the stored cursor on a
// fixed interval. It only polls while active and not paused.
type PollChannel struct {
	remote  client.Remote
	store   CursorStore
	applier Applier

	interval time.Duration
	log      logging.Logger
	metrics  *metrics.Metrics
	onError  ErrorFunc

	runner  runner
	trigger chan struct{}
	active  atomic.Bool
	paused  atomic.Bool
}

func NewPoll(remote client.Remote, st CursorStore, ap Applier, opts PollOptions) *PollChannel {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.OnError == nil {
		opts.OnError = func(error) {}
	}
	return &PollChannel{
		remote:   remote,
		store:    st,
		applier:  ap,
		interval: opts.Interval,
		log:      opts.Logger.With("module", "poll"),
		metrics:  opts.Metrics,
		onError:  opts.OnError,
		trigger:  make(chan struct{}, 1),
	}
}

func (p *PollChannel) Start(ctx context.Context) {
	p.runner.start(ctx, p.loop)
}

// Stop ends the loop and waits for it. Safe to call more than once.
func (p *PollChannel) Stop() {
	p.runner.stop()
}

func (p *PollChannel) Running() bool {
	return p.runner.running()
}

// SetActive promotes or demotes the channel.
func (p *PollChannel) SetActive(v bool) {
	if p.active.Swap(v) == v {
		return
	}
	p.metrics.SetPollActive(v)
	if v {
		p.Trigger()
	}
}

func (p *PollChannel) Active() bool {
	return p.active.Load()
}

// Pause suspends polling while the consumer is in the background.
func (p *PollChannel) Pause() {
	p.paused.Store(true)
}

// Resume re-enables polling and polls right away.
func (p *PollChannel) Resume() {
	if p.paused.Swap(false) {
		p.Trigger()
	}
}

func (p *PollChannel) Paused() bool {
	return p.paused.Load()
}

// Trigger requests an immediate poll without waiting for the ticker.
func (p *PollChannel) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *PollChannel) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}
		if !p.active.Load() || p.paused.Load() {
			continue
		}
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn(ctx, "poll failed", "error", err)
			p.onError(err)
		}
	}
}

// PollOnce fetches and applies the changes of every known table. A
// table that fails does not stop the others; the first error is returned.
func (p *PollChannel) PollOnce(ctx context.Context) error {
	tables, err := p.store.Tables(ctx)
	if err != nil {
		return &ApplyError{Err: err}
	}

	var first error
	for _, t := range tables {
		if err := p.pollTable(ctx, t.ID); err != nil {
			if first == nil {
				first = err
			}
			if client.Classify(err) == client.ClassAuth || ctx.Err() != nil {
				return err
			}
		}
	}
	return first
}

func (p *PollChannel) pollTable(ctx context.Context, tableID string) error {
	if tableID == common.EventsCursorKey {
		return nil
	}
	cursor, err := p.store.Cursor(ctx, tableID)
	if err != nil {
		return &ApplyError{Err: err}
	}
	resp, err := p.remote.FetchSince(ctx, tableID, cursor)
	if err != nil {
		return fmt.Errorf("poll %s: %w", tableID, err)
	}
	if len(resp.Records) == 0 {
		return nil
	}

	ms := make([]models.Mutation, 0, len(resp.Records))
	next := resp.MaxUpdatedAt
	for _, rr := range resp.Records {
		if rr.ID == "" {
			continue
		}
		ms = append(ms, PollMutation(tableID, rr))
		next = models.MaxCursor(next, rr.UpdatedAt)
	}
	if _, err := p.applier.ApplyBatch(ctx, ms); err != nil {
		return &ApplyError{Err: err}
	}
	if _, err := p.store.AdvanceCursor(ctx, tableID, next); err != nil {
		return &ApplyError{Err: err}
	}
	p.log.Debug(ctx, "polled table", "table", tableID, "records", len(ms), "cursor", next)
	return nil
}

// PollMutation converts a changed record into a whole-record mutation
// with a deterministic event id.
func PollMutation(tableID string, rr models.RemoteRecord) models.Mutation {
	m := models.Mutation{
		EventID:         fmt.Sprintf("poll:%s:%s:%s", tableID, rr.ID, rr.UpdatedAt),
		TableID:         tableID,
		RecordID:        rr.ID,
		Op:              models.OpReplace,
		Fields:          models.CloneFields(rr.Fields),
		SourceTimestamp: rr.UpdatedAt,
		Origin:          models.OriginPoll,
	}
	if rr.Deleted {
		m.Op = models.OpDelete
		m.Fields = nil
	}
	return m
}
