package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/client/metrics"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/wire"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 30 * time.Second
)

// ApplyError wraps a failure to apply or acknowledge a delivered batch.
// The batch is redelivered from the last acknowledged cursor.
type ApplyError struct {
	Err error
}

func (e *ApplyError) Error() string { return fmt.Sprintf("apply batch: %v", e.Err) }

func (e *ApplyError) Unwrap() error { return e.Err }

type RealtimeOptions struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    logging.Logger
	Metrics   *metrics.Metrics
	OnError   ErrorFunc
	Now       func() time.Time
}

// RealtimeChannel keeps a subscription to the change stream open and
// applies every delivered batch in order before acknowledging its cursor.
type RealtimeChannel struct {
	stream  client.EventStream
	store   CursorStore
	applier Applier

	baseDelay time.Duration
	maxDelay  time.Duration
	log       logging.Logger
	metrics   *metrics.Metrics
	onError   ErrorFunc
	now       func() time.Time

	runner runner

	mu        sync.Mutex
	connected bool
	downSince time.Time
	lastErr   error
}

func NewRealtime(stream client.EventStream, st CursorStore, ap Applier, opts RealtimeOptions) *RealtimeChannel {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
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
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RealtimeChannel{
		stream:    stream,
		store:     st,
		applier:   ap,
		baseDelay: opts.BaseDelay,
		maxDelay:  opts.MaxDelay,
		log:       opts.Logger.With("module", "realtime"),
		metrics:   opts.Metrics,
		onError:   opts.OnError,
		now:       opts.Now,
		downSince: opts.Now(),
	}
}

// Start launches the subscription loop. It is a no-op while running.
func (c *RealtimeChannel) Start(ctx context.Context) {
	c.mu.Lock()
	c.lastErr = nil
	if !c.connected {
		c.downSince = c.now()
	}
	c.mu.Unlock()
	c.runner.start(ctx, c.loop)
}

// Stop ends the loop and waits for it. Safe to call more than once.
func (c *RealtimeChannel) Stop() {
	c.runner.stop()
	c.setConnected(false)
}

func (c *RealtimeChannel) Running() bool {
	return c.runner.running()
}

func (c *RealtimeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// DownSince returns when the channel last lost its subscription, or the
// zero time while connected.
func (c *RealtimeChannel) DownSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return time.Time{}
	}
	return c.downSince
}

// Err returns the error that stopped the loop, if any.
func (c *RealtimeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *RealtimeChannel) setConnected(v bool) {
	c.mu.Lock()
	if c.connected && !v {
		c.downSince = c.now()
	}
	c.connected = v
	c.mu.Unlock()
	c.metrics.SetRealtimeConnected(v)
}

func (c *RealtimeChannel) loop(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		err := c.session(ctx, &attempt)
		if ctx.Err() != nil {
			return
		}
		attempt++
		if !c.recover(ctx, err, attempt) {
			return
		}
	}
}

// session subscribes from the acknowledged cursor and consumes batches
// until the subscription fails.
func (c *RealtimeChannel) session(ctx context.Context, attempt *int) error {
	cursor, err := c.store.Cursor(ctx, common.EventsCursorKey)
	if err != nil {
		return &ApplyError{Err: err}
	}
	sub, err := c.stream.Subscribe(ctx, cursor)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Close()
		c.setConnected(false)
	}()

	c.setConnected(true)
	c.log.Info(ctx, "subscribed", "cursor", cursor)
	*attempt = 0

	for {
		b, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := c.handle(ctx, b); err != nil {
			return err
		}
	}
}

func (c *RealtimeChannel) handle(ctx context.Context, b *client.Batch) error {
	ms, errs := wire.DecodeAll(b.Events, models.OriginRealtime)
	for _, err := range errs {
		c.log.Warn(ctx, "dropped malformed event", "error", err)
	}

	cursor := b.Cursor
	for _, m := range ms {
		cursor = models.MaxCursor(cursor, m.Cursor)
	}

	if len(ms) > 0 {
		if _, err := c.applier.ApplyBatch(ctx, ms); err != nil {
			return &ApplyError{Err: err}
		}
	}
	if _, err := c.store.AdvanceCursor(ctx, common.EventsCursorKey, cursor); err != nil {
		return &ApplyError{Err: err}
	}
	return nil
}

// recover decides whether the loop continues after err and waits before
// the next attempt.
func (c *RealtimeChannel) recover(ctx context.Context, err error, attempt int) bool {
	var applyErr *ApplyError
	if errors.As(err, &applyErr) {
		c.log.Error(ctx, "failed to apply batch", "error", err)
		c.onError(err)
		if errors.Is(err, common.ErrLocked) || errors.Is(err, common.ErrStoreCorrupt) {
			c.fail(err)
			return false
		}
		return client.Wait(ctx, client.Backoff(c.baseDelay, c.maxDelay, attempt)) == nil
	}

	switch client.Classify(err) {
	case client.ClassAuth:
		c.log.Warn(ctx, "stream rejected credentials", "error", err)
		c.fail(err)
		c.onError(err)
		return false
	case client.ClassCanceled:
		return false
	case client.ClassRateLimited:
		var rl *client.RateLimitError
		errors.As(err, &rl)
		c.log.Info(ctx, "stream rate limited", "retry_after", rl.RetryAfter)
		return client.Wait(ctx, rl.RetryAfter) == nil
	default:
		delay := client.Backoff(c.baseDelay, c.maxDelay, attempt)
		c.log.Debug(ctx, "stream interrupted", "error", err, "attempt", attempt, "delay", delay)
		if attempt == 1 {
			c.onError(err)
		}
		return client.Wait(ctx, delay) == nil
	}
}

func (c *RealtimeChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}
