// Package notify derives unread counts from the message store's read state.
//
// Counts are always fully recomputed from the store. MarkChannelRead applies
// a transient overlay that zeroes a channel immediately; the next recompute
// discards the overlay, so the store remains the only source of truth.
package notify

import (
	"context"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/coworkhub/chatsync/internal/chat"
	"github.com/coworkhub/chatsync/internal/metrics"
)

// Counts are unread totals. Direct covers direct and AI assistant channels;
// Channel covers every other kind, including channels of unknown kind.
type Counts struct {
	Total     int            `json:"total"`
	Direct    int            `json:"direct"`
	Channel   int            `json:"channel"`
	ByChannel map[string]int `json:"by_channel"`
}

// EventSource yields every event known locally.
type EventSource interface {
	All() []chat.Event
}

// ReadMarker records read receipts for the local participant.
type ReadMarker interface {
	MarkRead(ctx context.Context, channelID string, eventIDs []string)
}

// KindLookup resolves a channel's kind.
type KindLookup interface {
	Kind(channelID string) (chat.ChannelKind, bool)
}

// Config wires an Aggregator.
type Config struct {
	Self     string
	Events   EventSource
	Reader   ReadMarker
	Channels KindLookup
	Logger   zerolog.Logger
}

// Aggregator is goroutine-safe.
type Aggregator struct {
	cfg Config

	mu      sync.Mutex
	base    map[string]int  // authoritative per-channel unread
	direct  map[string]bool // channel -> counts toward Direct
	overlay map[string]bool // channels optimistically zeroed
	last    Counts
	scans   uint64 // started Recompute scans; only the newest may publish

	listenersMu sync.Mutex
	listeners   []func(Counts)
}

// New creates an Aggregator with all counts at zero.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		base:    make(map[string]int),
		direct:  make(map[string]bool),
		overlay: make(map[string]bool),
		last:    Counts{ByChannel: map[string]int{}},
	}
}

// OnChange registers fn to be called with the new counts whenever they
// differ by value from the previously published counts.
func (a *Aggregator) OnChange(fn func(Counts)) {
	a.listenersMu.Lock()
	a.listeners = append(a.listeners, fn)
	a.listenersMu.Unlock()
}

// Unread reports whether ev counts as unread for self.
func Unread(ev chat.Event, self string) bool {
	return ev.Sender.ID != self && !ev.ReadByParticipant(self)
}

// Recompute rebuilds the counts from the store and clears the overlay. When
// calls overlap, a scan that started before another is discarded.
func (a *Aggregator) Recompute() {
	a.mu.Lock()
	a.scans++
	scan := a.scans
	a.mu.Unlock()

	base := make(map[string]int)
	direct := make(map[string]bool)
	for _, ev := range a.cfg.Events.All() {
		if !Unread(ev, a.cfg.Self) {
			continue
		}
		base[ev.ChannelID]++
		if _, seen := direct[ev.ChannelID]; !seen {
			direct[ev.ChannelID] = a.isDirect(ev.ChannelID)
		}
	}

	a.mu.Lock()
	if scan != a.scans {
		// A later scan read a newer store state and will publish it.
		a.mu.Unlock()
		return
	}
	a.base, a.direct = base, direct
	a.overlay = make(map[string]bool)
	a.publishLocked()
}

func (a *Aggregator) isDirect(channelID string) bool {
	if a.cfg.Channels == nil {
		return false
	}
	kind, ok := a.cfg.Channels.Kind(channelID)
	if !ok {
		return false
	}
	return kind == chat.ChannelDirect || kind == chat.ChannelAIAssistant
}

// MarkChannelRead zeroes channelID's count immediately, then records read
// receipts for its unread events in the store. The store change triggers the
// recompute that replaces the overlay.
func (a *Aggregator) MarkChannelRead(ctx context.Context, channelID string) {
	a.mu.Lock()
	a.overlay[channelID] = true
	a.publishLocked()

	var ids []string
	for _, ev := range a.cfg.Events.All() {
		if ev.ChannelID == channelID && Unread(ev, a.cfg.Self) {
			ids = append(ids, ev.ID)
		}
	}
	if len(ids) == 0 || a.cfg.Reader == nil {
		return
	}
	a.cfg.Logger.Debug().Str("channel", channelID).Int("events", len(ids)).Msg("mark channel read")
	a.cfg.Reader.MarkRead(ctx, channelID, ids)
}

// Counts returns the effective counts.
func (a *Aggregator) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.effectiveLocked()
}

// Channel returns the effective unread count of one channel.
func (a *Aggregator) Channel(channelID string) int {
	return a.Counts().ByChannel[channelID]
}

func (a *Aggregator) effectiveLocked() Counts {
	c := Counts{ByChannel: make(map[string]int, len(a.base))}
	for ch, n := range a.base {
		if a.overlay[ch] || n == 0 {
			continue
		}
		c.ByChannel[ch] = n
		c.Total += n
		if a.direct[ch] {
			c.Direct += n
		} else {
			c.Channel += n
		}
	}
	return c
}

// publishLocked computes the effective counts, releases a.mu and notifies
// listeners if the counts changed.
func (a *Aggregator) publishLocked() {
	eff := a.effectiveLocked()
	changed := !cmp.Equal(eff, a.last)
	a.last = eff
	a.mu.Unlock()

	if !changed {
		return
	}
	metrics.UnreadTotal.Set(float64(eff.Total))
	a.listenersMu.Lock()
	listeners := append([]func(Counts){}, a.listeners...)
	a.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(copyCounts(eff))
	}
}

func copyCounts(c Counts) Counts {
	out := c
	out.ByChannel = make(map[string]int, len(c.ByChannel))
	for k, v := range c.ByChannel {
		out.ByChannel[k] = v
	}
	return out
}
