package store

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/you/pix-relay/services/relay-service/internal/clock"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// Memory is the in-process backend. Expired keys are dropped lazily.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	data  map[string]memEntry
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clock: clk, data: make(map[string]memEntry)}
}

func (m *Memory) lookup(key string, now time.Time) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.live(now) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) put(key string, value []byte, ttl time.Duration, now time.Time) {
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	m.data[key] = e
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key, m.clock.Now())
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, value, ttl, m.clock.Now())
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if _, ok := m.lookup(key, now); ok {
		return false, nil
	}
	m.put(key, value, ttl, now)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	cur, ok := m.lookup(key, now)
	switch {
	case prev == nil && ok:
		return false, nil
	case prev != nil && (!ok || !bytes.Equal(cur.value, prev)):
		return false, nil
	}
	m.put(key, next, ttl, now)
	return true, nil
}

func (m *Memory) Count(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for k := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.lookup(k, now); ok {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Backend() string            { return "memory" }
func (m *Memory) Close() error               { return nil }
