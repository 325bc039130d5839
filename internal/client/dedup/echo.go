package dedup

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultEchoWindow = 30 * time.Second

type optimisticWrite struct {
	fields   map[string]any
	nullify  map[string]struct{}
	issuedAt time.Time
}

// EchoTracker remembers recent local writes so the same change coming back
// from the remote is recognised and not re-applied.
type EchoTracker struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	writes map[string][]*optimisticWrite
}

func NewEchoTracker(window time.Duration, now func() time.Time) *EchoTracker {
	if window <= 0 {
		window = DefaultEchoWindow
	}
	if now == nil {
		now = time.Now
	}
	return &EchoTracker{window: window, now: now, writes: make(map[string][]*optimisticWrite)}
}

func echoKey(tableID, recordID string) string {
	return tableID + "\x00" + recordID
}

// Track records an optimistic write issued at issuedAt. The returned func
// drops it again.
func (e *EchoTracker) Track(tableID, recordID string, fields map[string]any, nullify []string, issuedAt time.Time) func() {
	w := &optimisticWrite{fields: make(map[string]any, len(fields)), nullify: make(map[string]struct{}, len(nullify)), issuedAt: issuedAt}
	for k, v := range fields {
		w.fields[k] = v
	}
	for _, f := range nullify {
		w.nullify[f] = struct{}{}
	}

	k := echoKey(tableID, recordID)
	e.mu.Lock()
	e.writes[k] = append(e.pruneLocked(k), w)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.storeLocked(k, without(e.writes[k], func(x *optimisticWrite) bool { return x == w }))
	}
}

// Forget drops the named fields from the record's tracked writes. Once a
// remote change overwrites a field, a later event carrying the local value
// is the remote's latest state, not an echo.
func (e *EchoTracker) Forget(tableID, recordID string, fields []string) {
	if len(fields) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	k := echoKey(tableID, recordID)
	writes := e.pruneLocked(k)
	for _, w := range writes {
		for _, f := range fields {
			delete(w.fields, f)
			delete(w.nullify, f)
		}
	}
	e.storeLocked(k, without(writes, func(w *optimisticWrite) bool {
		return len(w.fields) == 0 && len(w.nullify) == 0
	}))
}

func (e *EchoTracker) storeLocked(k string, writes []*optimisticWrite) {
	if len(writes) == 0 {
		delete(e.writes, k)
		return
	}
	e.writes[k] = writes
}

func without(writes []*optimisticWrite, drop func(*optimisticWrite) bool) []*optimisticWrite {
	kept := writes[:0]
	for _, w := range writes {
		if !drop(w) {
			kept = append(kept, w)
		}
	}
	return kept
}

// Consume reports whether an incoming change matches a tracked write of the
// same record inside the window. A match is removed so it is used once.
func (e *EchoTracker) Consume(tableID, recordID string, fields map[string]any, nullify []string) bool {
	if len(fields) == 0 && len(nullify) == 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	k := echoKey(tableID, recordID)
	writes := e.pruneLocked(k)
	for i, w := range writes {
		if w.matches(fields, nullify) {
			e.storeLocked(k, append(writes[:i], writes[i+1:]...))
			return true
		}
	}
	e.storeLocked(k, writes)
	return false
}

// Len counts tracked writes across all records.
func (e *EchoTracker) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ws := range e.writes {
		n += len(ws)
	}
	return n
}

func (e *EchoTracker) pruneLocked(k string) []*optimisticWrite {
	cutoff := e.now().Add(-e.window)
	kept := e.writes[k][:0]
	for _, w := range e.writes[k] {
		if w.issuedAt.After(cutoff) {
			kept = append(kept, w)
		}
	}
	return kept
}

func (w *optimisticWrite) matches(fields map[string]any, nullify []string) bool {
	for k, v := range fields {
		local, ok := w.fields[k]
		if !ok || !ValuesEqual(local, v) {
			return false
		}
	}
	for _, f := range nullify {
		if _, ok := w.nullify[f]; !ok {
			return false
		}
	}
	return true
}

// ValuesEqual compares field values tolerating representation differences
// between the local write and the server echo: 1, 1.0 and "1" are equal, as
// are true and "true". Maps and slices compare element-wise.
func ValuesEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !ValuesEqual(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	if b == nil {
		return false
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	if ab, ok := toBool(a); ok {
		bb, ok := toBool(b)
		return ok && ab == bb
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as == bs
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ String() string }:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	}
	return false, false
}
