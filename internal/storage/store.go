package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/parking-valet/internal/models"
)

var (
	ErrNotFound = errors.New("flow not found")
	// ErrPersistence wraps any backend failure during a read or write.
	ErrPersistence = errors.New("persistence failure")
)

// StatusStore persists one document per request. Upsert merges fields into the
// existing document (creating it if needed), overwrites stage and updatedAt and
// commits atomically.
type StatusStore interface {
	Upsert(ctx context.Context, requestID string, stage models.Stage, fields models.FlowFields) (models.RequestFlow, error)
	Get(ctx context.Context, requestID string) (models.RequestFlow, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string]models.RequestFlow
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flows: make(map[string]models.RequestFlow), now: time.Now}
}

func (m *MemoryStore) Upsert(ctx context.Context, requestID string, stage models.Stage, fields models.FlowFields) (models.RequestFlow, error) {
	if err := ctx.Err(); err != nil {
		return models.RequestFlow{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flows[requestID]
	f.RequestID = requestID
	f.Merge(fields)
	f.Stage = stage
	f.UpdatedAt = m.now().UTC()
	m.flows[requestID] = cloneFlow(f)
	return cloneFlow(f), nil
}

func (m *MemoryStore) Get(ctx context.Context, requestID string) (models.RequestFlow, error) {
	if err := ctx.Err(); err != nil {
		return models.RequestFlow{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flows[requestID]
	if !ok {
		return models.RequestFlow{}, ErrNotFound
	}
	return cloneFlow(f), nil
}

// cloneFlow deep-copies the pointer and slice fields so callers never share state with the store.
func cloneFlow(f models.RequestFlow) models.RequestFlow {
	out := models.RequestFlow{RequestID: f.RequestID, Stage: f.Stage, UpdatedAt: f.UpdatedAt}
	out.Merge(f.FlowFields)
	return out
}
