package poller

import (
	"context"
	"sync"
)

// MemoryCursorRepository holds the cursor in process. The resume guarantee is
// lost across restarts; acceptable for tests and single-run tooling.
type MemoryCursorRepository struct {
	mu     sync.Mutex
	cursor string
}

func NewMemoryCursorRepository() *MemoryCursorRepository {
	return &MemoryCursorRepository{}
}

func (r *MemoryCursorRepository) Load(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor, nil
}

func (r *MemoryCursorRepository) Store(_ context.Context, cursor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = cursor
	return nil
}
