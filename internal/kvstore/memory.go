package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store for single-instance deployments and
// tests. Expired keys are dropped lazily on access and by Sweep.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memEntry

	// Now is the clock used for expiry; tests replace it.
	Now func() time.Time
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memEntry),
		Now:  time.Now,
	}
}

// lookup returns the live entry for key. Caller holds mu.
func (m *MemoryStore) lookup(key string, now time.Time) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(now) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key, m.Now())
	if !ok {
		return "", ErrNil
	}
	return e.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.Now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *MemoryStore) incrLocked(key string, delta int64, now time.Time) (int64, error) {
	e, _ := m.lookup(key, now)

	var n int64
	if e.value != "" {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n += delta
	e.value = strconv.FormatInt(n, 10)
	m.data[key] = e
	return n, nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.lookup(key, m.Now())
	return ok, nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	e, ok := m.lookup(key, now)
	if !ok || e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(now), nil
}

func (m *MemoryStore) IncrWindow(_ context.Context, key string, delta int64, ttl time.Duration, rolling bool) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	n, err := m.incrLocked(key, delta, now)
	if err != nil {
		return 0, 0, err
	}

	e := m.data[key]
	if rolling || e.expiresAt.IsZero() {
		e.expiresAt = now.Add(ttl)
		m.data[key] = e
	}
	return n, e.expiresAt.Sub(now), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Sweep removes every expired key and returns how many were dropped.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	removed := 0
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
			removed++
		}
	}
	return removed
}
