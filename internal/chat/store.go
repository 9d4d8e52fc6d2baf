package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/coworkhub/chatsync/internal/metrics"
)

const (
	// MaxCachedEvents caps the durable cache to the most recent events across
	// all channels.
	MaxCachedEvents = 100

	// CacheFreshness is how long a cache snapshot may be trusted. Older
	// snapshots are treated as absent.
	CacheFreshness = 30 * time.Minute

	cacheWriteTimeout = 2 * time.Second
)

// ErrCacheMiss is returned by Cache implementations when no usable snapshot
// exists, including when the stored bytes cannot be decoded.
var ErrCacheMiss = errors.New("cache miss")

// Snapshot is the serialized form of the store kept in the durable cache.
type Snapshot struct {
	SavedAt time.Time `json:"saved_at"`
	Events  []Event   `json:"events"`
}

// Cache persists the store's recent events across process restarts.
type Cache interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// HistoryService is the subset of the REST backend the store consumes.
type HistoryService interface {
	FetchMessages(ctx context.Context, channelID string, limit int) ([]Event, error)
	MarkRead(ctx context.Context, channelID string, eventIDs []string) error
}

// StoreConfig wires a Store to its collaborators. Cache may be nil, in which
// case nothing is persisted.
type StoreConfig struct {
	Self    string
	Cache   Cache
	History HistoryService
	Clock   clock.Clock
	Logger  zerolog.Logger
}

// Store is the identity-keyed, deduplicated set of events for all joined
// channels. It is the only place duplicates from the transport are absorbed.
// It is goroutine-safe.
type Store struct {
	self    string
	cache   Cache
	history HistoryService
	clock   clock.Clock
	log     zerolog.Logger

	mu     sync.RWMutex
	events map[string]*Event

	writeMu sync.Mutex // serializes cache writes so a later write never loses to an earlier one

	listenersMu sync.Mutex
	listeners   []func()
}

// NewStore creates an empty Store. Call Restore to seed it from the cache.
func NewStore(cfg StoreConfig) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		self:    cfg.Self,
		cache:   cfg.Cache,
		history: cfg.History,
		clock:   clk,
		log:     cfg.Logger,
		events:  make(map[string]*Event),
	}
}

// OnChange registers fn to be called after every mutation of the event set.
// Listeners run on the mutating goroutine, outside the store lock.
func (s *Store) OnChange(fn func()) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

// Restore loads the cache snapshot. A missing, corrupt or stale snapshot
// leaves the store empty; none of those is an error.
func (s *Store) Restore(ctx context.Context) {
	if s.cache == nil {
		return
	}
	snap, err := s.cache.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			s.log.Debug().Err(err).Msg("no usable cache snapshot")
		} else {
			s.log.Warn().Err(err).Msg("cache load failed, starting empty")
		}
		return
	}
	age := s.clock.Now().Sub(snap.SavedAt)
	if age > CacheFreshness {
		s.log.Debug().Dur("age", age).Msg("cache snapshot stale, ignoring")
		return
	}

	s.mu.Lock()
	added := 0
	for _, ev := range snap.Events {
		if ev.ID == "" {
			continue
		}
		if _, ok := s.events[ev.ID]; ok {
			continue
		}
		c := ev.Clone()
		s.events[ev.ID] = &c
		added++
	}
	s.mu.Unlock()

	metrics.EventsIngested.WithLabelValues("cache").Add(float64(added))
	s.log.Info().Int("events", added).Dur("age", age).Msg("restored from cache")
	if added > 0 {
		s.notify()
	}
}

// Ingest adds a live event. A second delivery of the same identity is a
// silent no-op and does not touch the cache. It reports whether the event was
// new.
func (s *Store) Ingest(ev Event) bool {
	if ev.ID == "" {
		s.log.Warn().Str("channel", ev.ChannelID).Msg("dropping event without id")
		return false
	}

	s.mu.Lock()
	if _, ok := s.events[ev.ID]; ok {
		s.mu.Unlock()
		metrics.DuplicatesAbsorbed.Inc()
		return false
	}
	c := ev.Clone()
	s.events[ev.ID] = &c
	s.mu.Unlock()

	metrics.EventsIngested.WithLabelValues("live").Inc()
	s.persist()
	s.notify()
	return true
}

// LoadHistory fetches a page of past events and merges it into the store by
// identity. Events already present (for example delivered live while the
// fetch was in flight) are kept; only their read receipts are unioned.
func (s *Store) LoadHistory(ctx context.Context, channelID string, limit int) error {
	if s.history == nil {
		return fmt.Errorf("chat: load history %s: no history service", channelID)
	}
	page, err := s.history.FetchMessages(ctx, channelID, limit)
	if err != nil {
		return fmt.Errorf("chat: load history %s: %w", channelID, err)
	}
	if s.Merge(channelID, page) {
		s.persist()
		s.notify()
	}
	return nil
}

// Merge unions page into the store without persisting or notifying. Events
// already held gain the page's read receipts and reactors. It reports
// whether anything changed.
func (s *Store) Merge(channelID string, page []Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	added, changed := 0, false
	for _, ev := range page {
		if ev.ID == "" {
			continue
		}
		if ev.ChannelID == "" {
			ev.ChannelID = channelID
		}
		if existing, ok := s.events[ev.ID]; ok {
			for _, r := range ev.ReadBy {
				if addReceipt(existing, r) {
					changed = true
				}
			}
			for emoji, reactors := range ev.Reactions {
				for _, id := range reactors {
					if addReactor(existing, emoji, id) {
						changed = true
					}
				}
			}
			continue
		}
		c := ev.Clone()
		s.events[ev.ID] = &c
		added++
	}
	metrics.EventsIngested.WithLabelValues("history").Add(float64(added))
	return changed || added > 0
}

// MarkRead appends a read receipt for the local participant to each listed
// event in channelID, then persists the read state upstream. The local
// mutation is optimistic: an upstream failure is logged and not rolled back.
func (s *Store) MarkRead(ctx context.Context, channelID string, eventIDs []string) {
	if len(eventIDs) == 0 {
		return
	}
	if s.applyReceipts(channelID, s.self, eventIDs, s.clock.Now()) {
		s.persist()
		s.notify()
	}
	if s.history == nil {
		return
	}
	if err := s.history.MarkRead(ctx, channelID, eventIDs); err != nil {
		s.log.Warn().Err(err).Str("channel", channelID).Int("events", len(eventIDs)).
			Msg("mark-read upstream failed, keeping local state")
	}
}

// ApplyReceipts records that readerID has read eventIDs, as announced by a
// messages_read transport event. It reports whether anything changed.
func (s *Store) ApplyReceipts(channelID, readerID string, eventIDs []string, at time.Time) bool {
	if !s.applyReceipts(channelID, readerID, eventIDs, at) {
		return false
	}
	s.persist()
	s.notify()
	return true
}

func (s *Store) applyReceipts(channelID, readerID string, eventIDs []string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, id := range eventIDs {
		ev, ok := s.events[id]
		if !ok || ev.ChannelID != channelID {
			continue
		}
		if addReceipt(ev, ReadReceipt{ReaderID: readerID, ReadAt: at}) {
			changed = true
		}
	}
	return changed
}

// addReceipt appends r unless the reader already has a receipt on ev.
func addReceipt(ev *Event, r ReadReceipt) bool {
	if ev.ReadByParticipant(r.ReaderID) {
		return false
	}
	ev.ReadBy = append(ev.ReadBy, r)
	return true
}

func addReactor(ev *Event, emoji, reactorID string) bool {
	if lo.Contains(ev.Reactions[emoji], reactorID) {
		return false
	}
	if ev.Reactions == nil {
		ev.Reactions = make(map[string][]string)
	}
	ev.Reactions[emoji] = append(ev.Reactions[emoji], reactorID)
	return true
}

// ApplyReaction adds or removes reactorID from the emoji's reactor set on an
// event. It reports whether anything changed.
func (s *Store) ApplyReaction(channelID, eventID, emoji, reactorID string, added bool) bool {
	s.mu.Lock()
	ev, ok := s.events[eventID]
	if !ok || ev.ChannelID != channelID {
		s.mu.Unlock()
		return false
	}
	reactors := ev.Reactions[emoji]
	has := lo.Contains(reactors, reactorID)
	switch {
	case added && !has:
		if ev.Reactions == nil {
			ev.Reactions = make(map[string][]string)
		}
		ev.Reactions[emoji] = append(reactors, reactorID)
	case !added && has:
		reactors = lo.Without(reactors, reactorID)
		if len(reactors) == 0 {
			delete(ev.Reactions, emoji)
		} else {
			ev.Reactions[emoji] = reactors
		}
	default:
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.persist()
	s.notify()
	return true
}

// Get returns a copy of the event with the given ID.
func (s *Store) Get(eventID string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return Event{}, false
	}
	return ev.Clone(), true
}

// Len returns the number of events held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Events returns the channel's events in display order.
func (s *Store) Events(channelID string) []Event {
	s.mu.RLock()
	out := make([]Event, 0)
	for _, ev := range s.events {
		if ev.ChannelID == channelID {
			out = append(out, ev.Clone())
		}
	}
	s.mu.RUnlock()
	SortEvents(out)
	return out
}

// All returns every event in display order.
func (s *Store) All() []Event {
	s.mu.RLock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Clone())
	}
	s.mu.RUnlock()
	SortEvents(out)
	return out
}

// ByChannel returns every event grouped by channel, each group in display
// order.
func (s *Store) ByChannel() map[string][]Event {
	return lo.GroupBy(s.All(), func(ev Event) string { return ev.ChannelID })
}

// persist writes the most recent MaxCachedEvents events to the cache.
// Failures are logged; the cache is a best-effort accelerator.
func (s *Store) persist() {
	if s.cache == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := Snapshot{SavedAt: s.clock.Now(), Events: s.recent(MaxCachedEvents)}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := s.cache.Save(ctx, snap); err != nil {
		metrics.CacheWrites.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Msg("cache write failed")
		return
	}
	metrics.CacheWrites.WithLabelValues("ok").Inc()
}

// recent returns up to n of the newest events, oldest first.
func (s *Store) recent(n int) []Event {
	all := s.All()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func (s *Store) notify() {
	s.listenersMu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
