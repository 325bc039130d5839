// Package dedup suppresses re-applying events already seen and echoes of
// the client's own optimistic writes.
package dedup

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultTTL      = 10 * time.Minute
	DefaultCapacity = 10_000
)

type seenEntry struct {
	id     string
	seenAt time.Time
}

// Deduplicator remembers applied event ids for a bounded time and count. It
// is a fast path only: the channel cursor stays the authority on progress.
type Deduplicator struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time

	order *list.List
	items map[string]*list.Element
}

func New(ttl time.Duration, capacity int, now func() time.Time) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{
		ttl:      ttl,
		capacity: capacity,
		now:      now,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Seen reports whether id was marked and has not expired yet.
func (d *Deduplicator) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()
	_, ok := d.items[id]
	return ok
}

// Mark records id as applied.
func (d *Deduplicator) Mark(id string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.items[id]; ok {
		d.order.Remove(el)
	}
	d.items[id] = d.order.PushBack(&seenEntry{id: id, seenAt: d.now()})
	d.pruneLocked()
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// pruneLocked drops expired entries first, then the oldest ones while the
// size cap is exceeded.
func (d *Deduplicator) pruneLocked() {
	cutoff := d.now().Add(-d.ttl)
	for el := d.order.Front(); el != nil; el = d.order.Front() {
		e := el.Value.(*seenEntry)
		if e.seenAt.After(cutoff) {
			break
		}
		d.order.Remove(el)
		delete(d.items, e.id)
	}
	for d.order.Len() > d.capacity {
		el := d.order.Front()
		d.order.Remove(el)
		delete(d.items, el.Value.(*seenEntry).id)
	}
}
