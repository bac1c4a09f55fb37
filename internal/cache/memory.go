package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means never
}

// Memory is an in-process KV. Expired entries are dropped when read.
type Memory struct {
	mu     sync.RWMutex
	values map[string]memEntry
	hashes map[string]map[string][]byte
	now    func() time.Time
}

// NewMemory returns an empty in-process KV.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]memEntry),
		hashes: make(map[string]map[string][]byte),
		now:    time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.mu.Lock()
		// recheck: a concurrent Set may have replaced the entry
		if cur, ok := m.values[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(m.values, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: clone(value)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.values[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) HSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	h[field] = clone(value)
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = clone(v)
	}
	return out, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.hashes, k)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
