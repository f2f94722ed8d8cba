package store

import (
	"context"
	"sync"
)

// MemoryStore はメモリ上のStore実装
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore は新しいMemoryStoreを作成する
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// Get はキーの値を取得する
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set はキーに値を書き込む
func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Len は保持しているキーの数を返す
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
