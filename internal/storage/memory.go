package storage

import (
	"context"
	"strings"
	"sync"
)

// MemoryStorage is an in-process Store used in tests and single-binary runs
// without redis. Update serializes on the store mutex.
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

var _ Store = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: make(map[string][]byte),
	}
}

func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, true, nil
}

func (m *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStorage) Update(_ context.Context, key string, fn UpdateFn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.data[key]
	next, err := fn(old, ok)
	if err == ErrAborted {
		return nil
	}
	if err != nil {
		return err
	}
	cp := make([]byte, len(next))
	copy(cp, next)
	m.data[key] = cp
	return nil
}

func (m *MemoryStorage) List(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte)
	for key, val := range m.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		cp := make([]byte, len(val))
		copy(cp, val)
		out[key] = cp
	}
	return out, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
