package channels

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/logging"
)

const (
	DefaultPromoteAfter  = 30 * time.Second
	DefaultCheckInterval = time.Second
)

// Health is the realtime side of the coexistence policy.
type Health interface {
	Connected() bool
	DownSince() time.Time
}

// Promotable is the polling side of the coexistence policy.
type Promotable interface {
	SetActive(bool)
	Active() bool
}

type CoordinatorOptions struct {
	PromoteAfter  time.Duration
	CheckInterval time.Duration
	Logger        logging.Logger
	Now           func() time.Time
}

// Coordinator keeps polling suppressed while the realtime channel is
// connected and promotes it once realtime has been down for PromoteAfter.
type Coordinator struct {
	realtime Health
	poll     Promotable

	promoteAfter  time.Duration
	checkInterval time.Duration
	log           logging.Logger
	now           func() time.Time

	runner runner
}

func NewCoordinator(realtime Health, poll Promotable, opts CoordinatorOptions) *Coordinator {
	if opts.PromoteAfter <= 0 {
		opts.PromoteAfter = DefaultPromoteAfter
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		realtime:      realtime,
		poll:          poll,
		promoteAfter:  opts.PromoteAfter,
		checkInterval: opts.CheckInterval,
		log:           opts.Logger.With("module", "coordinator"),
		now:           opts.Now,
	}
}

// Evaluate applies the policy once and reports whether polling is active.
func (c *Coordinator) Evaluate(ctx context.Context) bool {
	if c.realtime.Connected() {
		if c.poll.Active() {
			c.log.Info(ctx, "realtime healthy, demoting poll")
			c.poll.SetActive(false)
		}
		return false
	}

	down := c.realtime.DownSince()
	if !c.poll.Active() && !down.IsZero() && c.now().Sub(down) >= c.promoteAfter {
		c.log.Info(ctx, "realtime down, promoting poll", "down_for", c.now().Sub(down))
		c.poll.SetActive(true)
	}
	return c.poll.Active()
}

func (c *Coordinator) Start(ctx context.Context) {
	c.runner.start(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(c.checkInterval)
		defer ticker.Stop()
		for {
			c.Evaluate(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

// Stop ends the loop and demotes polling. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.runner.stop()
	c.poll.SetActive(false)
}
