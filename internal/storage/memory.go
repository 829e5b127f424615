package storage

import (
	"context"
	"sync"

	"banwatch/internal/sanction"
)

type memoryStore struct {
	mu sync.Mutex
	st sanction.State
}

// NewMemory returns a Store that keeps state in process memory.
func NewMemory() Store {
	return &memoryStore{st: sanction.NewState()}
}

func (m *memoryStore) Load(context.Context) (sanction.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Clone(), nil
}

func (m *memoryStore) Save(_ context.Context, st sanction.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = st.Clone()
	return nil
}

func (m *memoryStore) Close() error { return nil }
