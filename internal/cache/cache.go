// Package cache provides the durable backends for the Message Store's
// snapshot: Redis for a cache shared across restarts on a host, bbolt for an
// embedded file, and an in-memory backend for tests and ephemeral runs.
// Every backend reports undecodable data as chat.ErrCacheMiss.
package cache

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/coworkhub/chatsync/internal/chat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Backend names accepted by config.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

func encode(snap chat.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("cache: encode snapshot: %w", err)
	}
	return data, nil
}

func decode(data []byte) (chat.Snapshot, error) {
	var snap chat.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return chat.Snapshot{}, fmt.Errorf("%w: corrupt snapshot: %v", chat.ErrCacheMiss, err)
	}
	if snap.SavedAt.IsZero() {
		return chat.Snapshot{}, fmt.Errorf("%w: snapshot without timestamp", chat.ErrCacheMiss)
	}
	return snap, nil
}

// Store is a chat.Cache that owns resources.
type Store interface {
	chat.Cache
	Close() error
}

// Open creates the backend named by backend. addr is the Redis address and
// path the bbolt file; each is ignored by the other backends.
func Open(backend, addr, path, participantID string) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryCache(), nil
	case BackendRedis:
		c, err := NewRedisCache(addr, participantID)
		if err != nil {
			return nil, err
		}
		return c, nil
	case BackendBolt:
		c, err := NewBoltCache(path, participantID)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", backend)
	}
}
