package oauthstate

import (
	"sync"
	"time"
)

// Store is the key/value backend for state tokens. The method set matches
// fiber.Storage so gofiber/storage/redis can be plugged in directly.
// Get returns nil, nil for missing or expired keys.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, exp time.Duration) error
	Delete(key string) error
}

type memoryEntry struct {
	val       []byte
	expiresAt time.Time
}

// MemoryStore is a single-process Store. Entries expire lazily on read and are
// removed by the sweeper.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryStore creates an empty store. Call StartSweeper to purge expired entries
// in the background.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, nil
	}
	return append([]byte(nil), e.val...), nil
}

func (m *MemoryStore) Set(key string, val []byte, exp time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{val: append([]byte(nil), val...)}
	if exp > 0 {
		e.expiresAt = m.now().Add(exp)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Sweep removes all expired entries and returns how many were dropped.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StartSweeper runs Sweep every interval until Close is called.
func (m *MemoryStore) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Close stops the sweeper.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return nil
}
