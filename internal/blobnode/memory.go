package blobnode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory blob store. Useful for tests and for running
// a throwaway node without touching disk. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[uuid.UUID][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[uuid.UUID][]byte{}}
}

func (m *MemoryStore) Put(_ context.Context, id uuid.UUID, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading blob: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	m.blobs[id] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	data, ok := m.blobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, 0, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(m.blobs, id)
	return nil
}
