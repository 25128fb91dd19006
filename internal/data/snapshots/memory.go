package snapshots

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lumenbio/biograph-backend/internal/domain/snapshot"
)

// memoryRepo keeps snapshots in process memory. Entries are stored as
// marshalled JSON so callers never share mutable payload state.
type memoryRepo struct {
	mu    sync.RWMutex
	items map[string]json.RawMessage
}

func NewMemoryRepo() Repo {
	return &memoryRepo{items: map[string]json.RawMessage{}}
}

func (r *memoryRepo) Save(ctx context.Context, payload *snapshot.Payload) (string, error) {
	normalize(payload)
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	id := newSnapshotID()
	r.mu.Lock()
	r.items[id] = raw
	r.mu.Unlock()
	return id, nil
}

func (r *memoryRepo) Find(ctx context.Context, id string) (*snapshot.Payload, error) {
	r.mu.RLock()
	raw, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var payload snapshot.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", id, err)
	}
	return &payload, nil
}
