// Package notify is the typed notification registry of the engine.
// Subscribers register for one or more event kinds; a handler that returns
// an error is unregistered.
package notify

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

type Kind string

const (
	KindRecordChanged     Kind = "record_changed"
	KindTableSynced       Kind = "table_synced"
	KindDecryptFailure    Kind = "decrypt_failure"
	KindSyncDegraded      Kind = "sync_degraded"
	KindMutationDiscarded Kind = "mutation_discarded"
	KindStateChanged      Kind = "state_changed"
)

// Event is a single notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind     Kind
	TableID  string
	RecordID string
	Op       models.Op
	Origin   models.Origin

	// State and Previous are set for KindStateChanged.
	State    models.SyncState
	Previous models.SyncState

	// MutationID is set for KindMutationDiscarded.
	MutationID string

	Err  error
	Time time.Time
}

type Handler func(Event) error

type subscriber struct {
	fn    Handler
	kinds map[Kind]struct{}
}

func (s *subscriber) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	now  func() time.Time
}

func New() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{}), now: time.Now}
}

// Subscribe registers fn for the given kinds, or for every kind when none
// are given. The returned func unregisters it and is safe to call twice.
func (h *Hub) Subscribe(fn Handler, kinds ...Kind) func() {
	s := &subscriber{fn: fn}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	return func() { h.unregister(s) }
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

// Publish delivers ev to the matching subscribers on the caller's goroutine.
// Handlers run outside the lock, so they may subscribe or unsubscribe.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		if s.wants(ev.Kind) {
			subs = append(subs, s)
		}
	}
	h.mu.RUnlock()

	var failed []*subscriber
	for _, s := range subs {
		if err := s.fn(ev); err != nil {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		h.unregister(s)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publisher is the narrow interface components use to emit notifications.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
