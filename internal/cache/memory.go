package cache

import (
	"context"
	"sync"

	"github.com/coworkhub/chatsync/internal/chat"
)

// MemoryCache keeps the encoded snapshot in process memory. It round-trips
// through the same codec as the durable backends.
type MemoryCache struct {
	mu     sync.Mutex
	data   []byte
	writes int
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (m *MemoryCache) Load(_ context.Context) (chat.Snapshot, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	if data == nil {
		return chat.Snapshot{}, chat.ErrCacheMiss
	}
	return decode(data)
}

func (m *MemoryCache) Save(_ context.Context, snap chat.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.writes++
	m.mu.Unlock()
	return nil
}

// SetRaw replaces the stored bytes, bypassing the codec.
func (m *MemoryCache) SetRaw(data []byte) {
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
}

// Writes returns how many snapshots have been saved.
func (m *MemoryCache) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Close is a no-op.
func (m *MemoryCache) Close() error { return nil }
