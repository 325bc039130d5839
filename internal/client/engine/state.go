package engine

import (
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

var allStates = []string{
	string(models.StateUninitialized),
	string(models.StateHydrating),
	string(models.StateOnline),
	string(models.StateOffline),
	string(models.StateTerminated),
}

// transitions lists the legal successors of every state. An already
// hydrated store skips HYDRATING on startup.
var transitions = map[models.SyncState][]models.SyncState{
	models.StateUninitialized: {models.StateHydrating, models.StateOnline, models.StateOffline, models.StateTerminated},
	models.StateHydrating:     {models.StateOnline, models.StateOffline, models.StateTerminated},
	models.StateOnline:        {models.StateOffline, models.StateTerminated},
	models.StateOffline:       {models.StateOnline, models.StateTerminated},
	models.StateTerminated:    nil,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to models.SyncState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine holds the session state. onChange runs after every accepted
// transition, outside the lock.
type Machine struct {
	mu       sync.Mutex
	state    models.SyncState
	onChange func(prev, next models.SyncState)
}

func NewMachine(onChange func(prev, next models.SyncState)) *Machine {
	if onChange == nil {
		onChange = func(models.SyncState, models.SyncState) {}
	}
	return &Machine{state: models.StateUninitialized, onChange: onChange}
}

func (m *Machine) State() models.SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next. Staying in the current state is a no-op.
func (m *Machine) Transition(next models.SyncState) error {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(prev, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, prev, next)
	}
	m.state = next
	m.mu.Unlock()

	m.onChange(prev, next)
	return nil
}
