package chat

import (
	"sync"

	"github.com/samber/lo"
)

// Directory is the in-memory channel metadata lookup. The Notification
// Aggregator classifies unread events with it and the engine reads slow-mode
// settings from it.
type Directory struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{channels: make(map[string]Channel)}
}

// Put inserts or replaces channel metadata.
func (d *Directory) Put(channels ...Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range channels {
		d.channels[ch.ID] = ch
	}
}

// Get returns the channel with the given ID.
func (d *Directory) Get(channelID string) (Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[channelID]
	return ch, ok
}

// Kind returns the channel's kind, or false when the channel is unknown.
func (d *Directory) Kind(channelID string) (ChannelKind, bool) {
	ch, ok := d.Get(channelID)
	return ch.Kind, ok
}

// Remove forgets a channel.
func (d *Directory) Remove(channelID string) {
	d.mu.Lock()
	delete(d.channels, channelID)
	d.mu.Unlock()
}

// All returns every known channel.
func (d *Directory) All() []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Values(d.channels)
}
