package payment

import (
	"context"
	"sync"
	"time"
)

// Record is the set of transaction references already submitted for confirmation.
// Mark must be an atomic check-and-insert: it reports false when ref was already there.
type Record interface {
	Mark(ctx context.Context, ref string) (bool, error)
	Forget(ctx context.Context, ref string) error
	MarkedAt(ctx context.Context, ref string) (time.Time, bool, error)
}

type MemoryRecord struct {
	mu   sync.Mutex
	refs map[string]time.Time
}

func NewMemoryRecord() *MemoryRecord {
	return &MemoryRecord{refs: make(map[string]time.Time)}
}

func (r *MemoryRecord) Mark(ctx context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refs[ref]; ok {
		return false, nil
	}
	r.refs[ref] = time.Now().UTC()
	return true, nil
}

func (r *MemoryRecord) Forget(ctx context.Context, ref string) error {
	r.mu.Lock()
	delete(r.refs, ref)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRecord) MarkedAt(ctx context.Context, ref string) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.refs[ref]
	return at, ok, nil
}

func (r *MemoryRecord) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}
