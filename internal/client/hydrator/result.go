package hydrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

// Phase is the hydrator's progress through a run.
type Phase string

const (
	PhaseNotHydrated Phase = "NOT_HYDRATED"
	PhaseHydrating   Phase = "HYDRATING"
	PhaseHydrated    Phase = "HYDRATED"
	PhaseDegraded    Phase = "DEGRADED"
)

// TableOutcome is the hydration outcome of one table.
type TableOutcome struct {
	TableID string
	Health  models.TableHealth
	Tier    models.HydrationTier
	Records int
	Invalid int
	Cursor  string
	Err     error
}

// Result aggregates per-table outcomes. Use Ready to decide whether the
// dataset can be served; failed tables can be retried with RetryFailed.
type Result struct {
	mu       sync.Mutex
	tables   map[string]*TableOutcome
	accepted bool
}

func newResult() *Result {
	return &Result{tables: make(map[string]*TableOutcome)}
}

func (r *Result) set(o TableOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[o.TableID] = &o
}

func (r *Result) track(tableID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[tableID]; !ok {
		r.tables[tableID] = &TableOutcome{TableID: tableID, Health: models.TableNotHydrated}
	}
}

// Table returns a copy of one table's outcome.
func (r *Result) Table(tableID string) (TableOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.tables[tableID]
	if !ok {
		return TableOutcome{}, false
	}
	return *o, true
}

// Tables returns every outcome ordered by table id.
func (r *Result) Tables() []TableOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TableOutcome, 0, len(r.tables))
	for _, o := range r.tables {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableID < out[j].TableID })
	return out
}

// FailedTables lists the tables that are not hydrated.
func (r *Result) FailedTables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, o := range r.tables {
		if o.Health != models.TableHydrated {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Records is the total number of records written.
func (r *Result) Records() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.tables {
		n += o.Records
	}
	return n
}

// AcceptDegraded marks the result ready even though some tables failed.
func (r *Result) AcceptDegraded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted = true
}

// Ready reports whether every table is hydrated or the caller accepted
// the degraded result.
func (r *Result) Ready() bool {
	if len(r.FailedTables()) == 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

func (r *Result) Phase() Phase {
	if len(r.FailedTables()) == 0 {
		return PhaseHydrated
	}
	return PhaseDegraded
}

// Err returns a common.ErrPartialHydration error naming the failed
// tables, or nil.
func (r *Result) Err() error {
	failed := r.FailedTables()
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d table(s) failed: %v", common.ErrPartialHydration, len(failed), failed)
}
