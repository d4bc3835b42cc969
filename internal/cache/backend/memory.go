package backend

import (
	"container/list"
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryConfig bounds the in-process backend.
type MemoryConfig struct {
	MaxEntries    int
	MaxBytes      int64
	SweepInterval time.Duration
}

// Memory is the in-process backend. Storage and TTL expiry are handled by
// go-cache (its janitor performs the periodic expired-entry sweep); an
// access-order list on top enforces the entry-count and byte bounds by
// evicting least-recently-used entries.
type Memory struct {
	store *gocache.Cache
	cfg   MemoryConfig

	mu          sync.Mutex
	order       *list.List               // front = most recently used
	index       map[string]*list.Element // element value is the key
	sizes       map[string]int64
	totalBytes  int64
	lastCleanup time.Time
}

// NewMemory creates a memory backend with the given bounds.
func NewMemory(cfg MemoryConfig) *Memory {
	m := &Memory{
		store: gocache.New(gocache.NoExpiration, cfg.SweepInterval),
		cfg:   cfg,
		order: list.New(),
		index: make(map[string]*list.Element),
		sizes: make(map[string]int64),
	}
	// Janitor sweeps route through here; entries we evicted ourselves are
	// already untracked by the time go-cache fires the callback.
	m.store.OnEvicted(func(key string, _ interface{}) {
		m.mu.Lock()
		m.untrackLocked(key)
		m.lastCleanup = time.Now()
		m.mu.Unlock()
	})
	return m
}

// Name implements Backend.
func (m *Memory) Name() string { return NameMemory }

// Get implements Backend. A hit refreshes the key's LRU position.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, found := m.store.Get(key)
	if !found {
		return nil, false, nil
	}

	m.mu.Lock()
	if el, ok := m.index[key]; ok {
		m.order.MoveToFront(el)
	}
	m.mu.Unlock()

	return v.([]byte), true, nil
}

// Set implements Backend. When the configured bounds are exceeded the
// least-recently-used entries are evicted to make room.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.store.Set(key, value, ttl)

	m.mu.Lock()
	m.untrackLocked(key)
	el := m.order.PushFront(key)
	m.index[key] = el
	m.sizes[key] = int64(len(value))
	m.totalBytes += int64(len(value))

	var victims []string
	for (m.order.Len() > m.cfg.MaxEntries || m.totalBytes > m.cfg.MaxBytes) && m.order.Len() > 1 {
		back := m.order.Back()
		victim := back.Value.(string)
		m.untrackLocked(victim)
		victims = append(victims, victim)
	}
	m.mu.Unlock()

	// Deleting outside the lock: go-cache invokes OnEvicted synchronously.
	for _, victim := range victims {
		m.store.Delete(victim)
	}

	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	m.untrackLocked(key)
	m.mu.Unlock()

	m.store.Delete(key)
	return nil
}

// Clear implements Backend.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.order.Init()
	m.index = make(map[string]*list.Element)
	m.sizes = make(map[string]int64)
	m.totalBytes = 0
	m.lastCleanup = time.Now()
	m.mu.Unlock()

	m.store.Flush()
	return nil
}

// Stats implements Backend.
func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Entries:     len(m.index),
		Bytes:       m.totalBytes,
		LastCleanup: m.lastCleanup,
	}, nil
}

// Utilization reports how full the backend is relative to its bounds, as
// the larger of the entry-count and byte-usage ratios.
func (m *Memory) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	entryRatio := float64(len(m.index)) / float64(m.cfg.MaxEntries)
	byteRatio := float64(m.totalBytes) / float64(m.cfg.MaxBytes)
	if byteRatio > entryRatio {
		return byteRatio
	}
	return entryRatio
}

// Close implements Backend.
func (m *Memory) Close() error {
	m.store.Flush()
	return nil
}

// untrackLocked removes key from the LRU structures. Caller holds mu.
func (m *Memory) untrackLocked(key string) {
	if el, ok := m.index[key]; ok {
		m.order.Remove(el)
		delete(m.index, key)
		m.totalBytes -= m.sizes[key]
		delete(m.sizes, key)
	}
}
