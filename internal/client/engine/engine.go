// Package engine ties the sync components into one session object. Engine
// owns the store, the key, both sync channels, the offline queue and the
// connectivity state machine; applications talk to nothing else.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/applier"
	"github.com/dmitrijs2005/gophsync/internal/client/channels"
	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/client/dedup"
	"github.com/dmitrijs2005/gophsync/internal/client/hydrator"
	"github.com/dmitrijs2005/gophsync/internal/client/keys"
	"github.com/dmitrijs2005/gophsync/internal/client/metrics"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/notify"
	"github.com/dmitrijs2005/gophsync/internal/client/queue"
	"github.com/dmitrijs2005/gophsync/internal/client/store"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

const (
	DefaultOnlineCheckInterval = 10 * time.Second
	DefaultPingTimeout         = 3 * time.Second
	DefaultCredentialSkew      = 30 * time.Second
	DefaultTombstoneTTL        = 7 * 24 * time.Hour
)

type Options struct {
	// Remote is required. Log enables the replay hydration tier and Stream
	// the realtime channel; without a stream the engine polls.
	Remote      client.Remote
	Log         client.EventLog
	Stream      client.EventStream
	Credentials *client.Credentials

	Identity string
	KDF      cryptox.KDFParams
	Deferred bool

	BatchSize           int
	Parallelism         int
	PollInterval        time.Duration
	PromoteAfter        time.Duration
	OnlineCheckInterval time.Duration
	PingTimeout         time.Duration
	CredentialSkew      time.Duration
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	DedupTTL            time.Duration
	DedupCapacity       int
	EchoWindow          time.Duration
	MaxRetries          int
	DecryptThreshold    int
	TombstoneTTL        time.Duration

	Logger  logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Engine struct {
	remote   client.Remote
	creds    *client.Credentials
	identity string

	store    *store.Store
	keys     *keys.Manager
	applier  *applier.Applier
	queue    *queue.Queue
	hydrator *hydrator.Hydrator
	realtime *channels.RealtimeChannel
	poll     *channels.PollChannel
	coord    *channels.Coordinator
	hub      *notify.Hub
	machine  *Machine

	checkInterval time.Duration
	pingTimeout   time.Duration
	skew          time.Duration
	tombstoneTTL  time.Duration

	log     logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// opMu serializes state changes, flushes and manual syncs.
	opMu sync.Mutex

	mu          sync.Mutex
	hydration   *hydrator.Result
	unhydrated  bool
	halted      error
	lastErr     error
	initialized bool

	probe  chan struct{}
	flush  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New assembles an engine over db. Nothing touches the network or the key
// until Start.
func New(db *sql.DB, opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, errors.New("engine: remote is required")
	}
	if opts.Credentials == nil {
		opts.Credentials = client.NewCredentials("")
	}
	if opts.OnlineCheckInterval <= 0 {
		opts.OnlineCheckInterval = DefaultOnlineCheckInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.CredentialSkew <= 0 {
		opts.CredentialSkew = DefaultCredentialSkew
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = DefaultTombstoneTTL
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		remote:        opts.Remote,
		creds:         opts.Credentials,
		identity:      opts.Identity,
		hub:           notify.New(),
		checkInterval: opts.OnlineCheckInterval,
		pingTimeout:   opts.PingTimeout,
		skew:          opts.CredentialSkew,
		tombstoneTTL:  opts.TombstoneTTL,
		log:           opts.Logger.With("module", "engine"),
		metrics:       opts.Metrics,
		now:           opts.Now,
		probe:         make(chan struct{}, 1),
		flush:         make(chan struct{}, 1),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.machine = NewMachine(e.stateChanged)

	e.store = store.New(db, store.Options{
		BatchSize: opts.BatchSize,
		Deferred:  opts.Deferred,
		Logger:    opts.Logger,
		Now:       opts.Now,
	})
	e.keys = keys.New(e.store, keys.Options{KDF: opts.KDF, Logger: opts.Logger})
	e.applier = applier.New(e.store, applier.Options{
		Dedup:            dedup.New(opts.DedupTTL, opts.DedupCapacity, opts.Now),
		Echo:             dedup.NewEchoTracker(opts.EchoWindow, opts.Now),
		Notify:           e.hub,
		Metrics:          opts.Metrics,
		Logger:           opts.Logger,
		DecryptThreshold: opts.DecryptThreshold,
	})
	e.queue = queue.New(e.store, e.applier, opts.Remote, queue.Options{
		MaxRetries: opts.MaxRetries,
		EchoWindow: opts.EchoWindow,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		Notify:     e.hub,
		Now:        opts.Now,
	})
	e.applier.SetSuperseder(e.queue)
	e.hydrator = hydrator.New(opts.Remote, e.store, hydrator.Options{
		Log:         opts.Log,
		Applier:     e.applier,
		Parallelism: opts.Parallelism,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		Notify:      e.hub,
	})
	e.poll = channels.NewPoll(opts.Remote, e.store, e.applier, channels.PollOptions{
		Interval: opts.PollInterval,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		OnError:  e.report,
	})
	if opts.Stream != nil {
		e.realtime = channels.NewRealtime(opts.Stream, e.store, e.applier, channels.RealtimeOptions{
			BaseDelay: opts.ReconnectBaseDelay,
			MaxDelay:  opts.ReconnectMaxDelay,
			Logger:    opts.Logger,
			Metrics:   opts.Metrics,
			OnError:   e.report,
			Now:       opts.Now,
		})
		e.coord = channels.NewCoordinator(e.realtime, e.poll, channels.CoordinatorOptions{
			PromoteAfter: opts.PromoteAfter,
			Logger:       opts.Logger,
			Now:          opts.Now,
		})
	}
	return e, nil
}

func (e *Engine) stateChanged(prev, next models.SyncState) {
	e.metrics.SetState(string(next), allStates...)
	e.log.Info(context.Background(), "state changed", "from", prev, "to", next)
	e.hub.Publish(notify.Event{
		Kind:     notify.KindStateChanged,
		State:    next,
		Previous: prev,
		Time:     e.now(),
	})
}

func (e *Engine) State() models.SyncState {
	return e.machine.State()
}

// Start unlocks the store with secret, hydrates it when it has never been
// hydrated, and goes online if the remote is reachable. An unreachable
// remote is not an error: the engine starts offline and keeps probing.
// A key mismatch is returned as is and never wipes anything.
func (e *Engine) Start(ctx context.Context, secret []byte) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.machine.State() != models.StateUninitialized {
		return fmt.Errorf("%w: engine already started", common.ErrInvalidTransition)
	}
	if err := e.keys.Unlock(ctx, secret, e.identity); err != nil {
		return err
	}
	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()

	if n, err := e.store.NormalizePlaintext(ctx); err != nil {
		return fmt.Errorf("failed to encrypt plaintext rows: %w", err)
	} else if n > 0 {
		e.log.Info(ctx, "encrypted rows left by deferred mode", "rows", n)
	}
	e.purgeTombstones(ctx)

	tables, err := e.store.Tables(ctx)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		e.setUnhydrated(true)
		if err := e.machine.Transition(models.StateHydrating); err != nil {
			return err
		}
	}

	if err := e.goOnline(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn(ctx, "starting offline", "error", err)
		e.setErr(err)
		if err := e.machine.Transition(models.StateOffline); err != nil {
			return err
		}
	}

	e.wg.Add(1)
	go e.monitor()
	return nil
}

// goOnline verifies credentials and reachability, flushes the queue,
// hydrates if needed and resumes the channels. Callers hold opMu.
func (e *Engine) goOnline(ctx context.Context) error {
	if err := e.haltErr(); err != nil {
		return err
	}
	if err := e.creds.CheckFresh(e.now(), e.skew); err != nil {
		e.halt(err)
		return err
	}
	if err := e.ping(ctx); err != nil {
		if client.Classify(err) == client.ClassAuth {
			e.halt(err)
		}
		return err
	}
	if err := e.keys.MarkOnlineAuth(ctx, e.now()); err != nil {
		e.log.Warn(ctx, "failed to record online authentication", "error", err)
	}

	if err := e.flushQueue(ctx); err != nil {
		return err
	}

	if e.isUnhydrated() {
		res, err := e.hydrator.Hydrate(ctx)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.hydration = res
		e.unhydrated = false
		e.mu.Unlock()
		if err := res.Err(); err != nil {
			e.log.Warn(ctx, "hydration incomplete", "error", err)
		}
	}

	if err := e.machine.Transition(models.StateOnline); err != nil {
		return err
	}
	e.startChannels()
	return nil
}

// goOffline stops both channels. Writes keep landing in the queue.
func (e *Engine) goOffline(ctx context.Context, cause error) {
	if e.machine.State() != models.StateOnline {
		return
	}
	e.stopChannels()
	if err := e.machine.Transition(models.StateOffline); err != nil {
		e.log.Error(ctx, "failed to go offline", "error", err)
		return
	}
	e.setErr(cause)
	e.log.Warn(ctx, "remote unreachable, working offline", "error", cause)
}

func (e *Engine) startChannels() {
	if e.realtime != nil {
		e.realtime.Start(e.ctx)
		e.coord.Start(e.ctx)
	} else {
		e.poll.SetActive(true)
	}
	e.poll.Start(e.ctx)
}

func (e *Engine) stopChannels() {
	if e.coord != nil {
		e.coord.Stop()
	}
	if e.realtime != nil {
		e.realtime.Stop()
	}
	e.poll.Stop()
	e.poll.SetActive(false)
}

func (e *Engine) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.pingTimeout)
	defer cancel()
	return e.remote.Ping(ctx)
}

// flushQueue delivers queued writes. Only auth failures and cancellation
// are returned; everything else stays queued for the next attempt.
func (e *Engine) flushQueue(ctx context.Context) error {
	res, err := e.queue.Flush(ctx)
	if err == nil {
		return nil
	}
	switch client.Classify(err) {
	case client.ClassAuth:
		e.halt(err)
		return err
	case client.ClassCanceled:
		return err
	}
	e.log.Warn(ctx, "flush interrupted", "error", err, "remaining", res.Remaining)
	return nil
}

func (e *Engine) purgeTombstones(ctx context.Context) {
	n, err := e.store.PurgeTombstones(ctx, e.now().Add(-e.tombstoneTTL))
	if err != nil {
		e.log.Warn(ctx, "failed to purge tombstones", "error", err)
		return
	}
	if n > 0 {
		e.log.Debug(ctx, "tombstones purged", "count", n)
	}
}

// report receives errors from the sync channels.
func (e *Engine) report(err error) {
	switch {
	case errors.Is(err, common.ErrStoreCorrupt), errors.Is(err, common.ErrLocked):
		e.halt(err)
	case client.Classify(err) == client.ClassAuth:
		e.halt(err)
	}
	e.setErr(err)
	select {
	case e.probe <- struct{}{}:
	default:
	}
}

// halt blocks automatic reconnection until the cause is cleared.
func (e *Engine) halt(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted == nil {
		e.halted = err
	}
}

func (e *Engine) haltErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

func (e *Engine) clearHalt(auth bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted == nil {
		return
	}
	if errors.Is(e.halted, common.ErrAuthExpired) == auth {
		e.halted = nil
	}
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
}

func (e *Engine) setUnhydrated(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unhydrated = v
}

func (e *Engine) isUnhydrated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unhydrated
}

func (e *Engine) ready() error {
	switch e.machine.State() {
	case models.StateUninitialized:
		return fmt.Errorf("%w: engine not started", common.ErrLocked)
	case models.StateTerminated:
		return common.ErrClosed
	}
	return nil
}

// GetRecord reads from the local store only. An empty tableID looks the
// record up by id alone.
func (e *Engine) GetRecord(ctx context.Context, tableID, id string) (*models.Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if tableID == "" {
		return e.store.Get(ctx, id)
	}
	return e.store.GetInTable(ctx, tableID, id)
}

func (e *Engine) GetTableRecords(ctx context.Context, tableID string) ([]*models.Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.GetByTable(ctx, tableID)
}

// Subscribe registers fn for the given kinds, or all kinds when none are
// given. The returned func unregisters it.
func (e *Engine) Subscribe(fn notify.Handler, kinds ...notify.Kind) func() {
	return e.hub.Subscribe(fn, kinds...)
}

// EnqueueLocalWrite applies w locally and queues it for delivery. While
// online the queue is flushed in the background.
func (e *Engine) EnqueueLocalWrite(ctx context.Context, w models.LocalWrite) (*models.Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	_, rec, err := e.queue.Enqueue(ctx, w)
	if err != nil {
		return nil, err
	}
	if e.machine.State() == models.StateOnline {
		select {
		case e.flush <- struct{}{}:
		default:
		}
	}
	return rec, nil
}

// Pending lists writes still waiting for delivery.
func (e *Engine) Pending(ctx context.Context) ([]*models.PendingMutation, error) {
	return e.queue.Pending(ctx)
}

// History returns every write ever queued for a record.
func (e *Engine) History(ctx context.Context, tableID, recordID string) ([]*models.PendingMutation, error) {
	return e.queue.History(ctx, tableID, recordID)
}

// TriggerManualSync reconnects if offline, retries failed hydration,
// polls every table and flushes the queue. Storage faults are cleared
// first; an expired credential still needs SetCredentials.
func (e *Engine) TriggerManualSync(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.clearHalt(false)
	if e.machine.State() != models.StateOnline {
		if err := e.goOnline(ctx); err != nil {
			e.setErr(err)
			return err
		}
	}

	if err := e.retryHydration(ctx); err != nil {
		return err
	}
	if err := e.poll.PollOnce(ctx); err != nil {
		e.setErr(err)
		if client.Classify(err) == client.ClassAuth {
			e.halt(err)
			e.goOffline(ctx, err)
			return err
		}
		e.log.Warn(ctx, "manual poll incomplete", "error", err)
	}
	if err := e.flushQueue(ctx); err != nil {
		if client.Classify(err) == client.ClassAuth {
			e.goOffline(ctx, err)
		}
		return err
	}
	return nil
}

// RetryHydration re-runs hydration for the tables that failed.
func (e *Engine) RetryHydration(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.retryHydration(ctx)
}

func (e *Engine) retryHydration(ctx context.Context) error {
	res := e.Hydration()
	if res == nil || len(res.FailedTables()) == 0 {
		return nil
	}
	if err := e.hydrator.RetryFailed(ctx, res); err != nil {
		return err
	}
	return res.Err()
}

// AcceptDegraded lets the application proceed with failed tables.
func (e *Engine) AcceptDegraded() {
	if res := e.Hydration(); res != nil {
		res.AcceptDegraded()
	}
}

// Hydration returns the hydration result of this session, or nil when the
// store was already hydrated.
func (e *Engine) Hydration() *hydrator.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hydration
}

// SyncStatus reports per-table health, queue depth and channel state.
func (e *Engine) SyncStatus(ctx context.Context) (models.SyncStatus, error) {
	res := e.Hydration()
	tables, err := TableStatuses(ctx, e.store, res)
	if err != nil {
		return models.SyncStatus{}, err
	}
	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("failed to count pending writes: %w", err)
	}
	failures, degraded := e.applier.DecryptFailures()

	e.mu.Lock()
	halted := e.halted
	e.mu.Unlock()

	return models.SyncStatus{
		State:             e.machine.State(),
		Tables:            tables,
		PendingWrites:     pending,
		RealtimeConnected: e.realtime != nil && e.realtime.Connected(),
		PollActive:        e.poll.Active(),
		DecryptFailures:   failures,
		Degraded:          degraded || (res != nil && res.Phase() == hydrator.PhaseDegraded),
		AuthRequired:      halted != nil && errors.Is(halted, common.ErrAuthExpired),
	}, nil
}

// LastError returns the most recent sync error, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// SetForeground pauses polling while the application is in the background.
func (e *Engine) SetForeground(fg bool) {
	if fg {
		e.poll.Resume()
	} else {
		e.poll.Pause()
	}
}

// SetCredentials installs a fresh token and lets the engine reconnect.
func (e *Engine) SetCredentials(token string) {
	e.creds.Set(token)
	e.clearHalt(true)
	select {
	case e.probe <- struct{}{}:
	default:
	}
}

// Terminate stops everything, seals rows left by deferred mode, clears the
// key and cache and closes the database. Calling it again returns the
// first result.
func (e *Engine) Terminate(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()

		e.opMu.Lock()
		defer e.opMu.Unlock()

		e.stopChannels()

		var errs []error
		e.mu.Lock()
		initialized := e.initialized
		e.mu.Unlock()
		if initialized && e.store.Deferred() {
			e.store.SetDeferredEncryption(false)
			if _, err := e.store.EncryptAll(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to encrypt deferred rows: %w", err))
			}
		}
		if err := e.machine.Transition(models.StateTerminated); err != nil {
			errs = append(errs, err)
		}
		e.keys.Lock()
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
