package cache

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coworkhub/chatsync/internal/chat"
)

var bucketSnapshots = []byte("snapshots")

// BoltCache stores snapshots in a local bbolt file, one key per participant.
type BoltCache struct {
	db  *bolt.DB
	key []byte
}

// NewBoltCache opens (or creates) the database file at path.
func NewBoltCache(path, participantID string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create bucket: %w", err)
	}

	return &BoltCache{db: db, key: []byte(participantID)}, nil
}

func (c *BoltCache) Load(_ context.Context) (chat.Snapshot, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSnapshots).Get(c.key); v != nil {
			// v is only valid for the life of the transaction.
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return chat.Snapshot{}, fmt.Errorf("cache: bolt view: %w", err)
	}
	if data == nil {
		return chat.Snapshot{}, chat.ErrCacheMiss
	}
	return decode(data)
}

func (c *BoltCache) Save(_ context.Context, snap chat.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put(c.key, data)
	})
}

// Close closes the database file.
func (c *BoltCache) Close() error {
	return c.db.Close()
}
