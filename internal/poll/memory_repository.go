package poll

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryRepository keeps poll state in process. Used when MongoDB is not
// configured and by tests; states are deep-copied on the way in and out so
// callers never share mutable maps.
type MemoryRepository struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: make(map[string]*State)}
}

func (r *MemoryRepository) Get(_ context.Context, pollID string) (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[pollID]
	if !ok {
		return nil, nil
	}
	return cloneState(state), nil
}

func (r *MemoryRepository) Upsert(_ context.Context, state *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.PollID] = cloneState(state)
	return nil
}

func (r *MemoryRepository) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = make(map[string]*State)
}

func cloneState(state *State) *State {
	b, err := json.Marshal(state)
	if err != nil {
		copied := *state
		return &copied
	}
	var out State
	if err := json.Unmarshal(b, &out); err != nil {
		copied := *state
		return &copied
	}
	return &out
}
