// Package engine composes the synchronization core: it owns one transport
// session and wires the connection manager, subscription registry, message
// store, presence tracker, typing coordinator and unread aggregator
// together, exposing a snapshot plus the imperative operations a UI needs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/coworkhub/chatsync/internal/api"
	"github.com/coworkhub/chatsync/internal/chat"
	"github.com/coworkhub/chatsync/internal/connection"
	"github.com/coworkhub/chatsync/internal/metrics"
	"github.com/coworkhub/chatsync/internal/notify"
	"github.com/coworkhub/chatsync/internal/presence"
	"github.com/coworkhub/chatsync/internal/protocol"
	"github.com/coworkhub/chatsync/internal/ratelimit"
	"github.com/coworkhub/chatsync/internal/subscription"
	"github.com/coworkhub/chatsync/internal/transport"
	"github.com/coworkhub/chatsync/internal/typing"
)

const (
	// DefaultHistoryPageSize is the backfill page size when none is set.
	DefaultHistoryPageSize = 50

	backfillTimeout = 30 * time.Second
)

// ErrNotSubscribed is returned by SendMessage when the channel subscription
// could not be made active first.
var ErrNotSubscribed = errors.New("engine: channel not subscribed")

// Backend is the REST history service as the engine consumes it.
type Backend interface {
	chat.HistoryService
	SendMessage(ctx context.Context, channelID string, req api.SendRequest) (chat.Event, error)
	SetPresence(ctx context.Context, status string) error
	ListOnlineUsers(ctx context.Context) ([]api.OnlineUser, error)
	ListChannels(ctx context.Context) ([]chat.Channel, error)
}

// Config wires an Engine. Cache may be nil; Clock defaults to the wall
// clock.
type Config struct {
	Self             chat.Participant
	Transport        transport.Transport
	Backend          Backend
	Cache            chat.Cache
	HistoryPageSize  int
	PresenceSchedule string
	Clock            clock.Clock
	Logger           zerolog.Logger
}

// Snapshot is everything a rendering layer needs to draw the current state.
type Snapshot struct {
	Self         chat.Participant           `json:"self"`
	Connected    bool                       `json:"connected"`
	State        string                     `json:"state"`
	Channels     []string                   `json:"channels"`
	Events       map[string][]chat.Event    `json:"events"`
	Presence     []presence.Record          `json:"presence"`
	PresenceMode string                     `json:"presence_mode"`
	Typing       map[string][]typing.Typist `json:"typing"`
	Unread       notify.Counts              `json:"unread"`
}

// Engine is goroutine-safe.
type Engine struct {
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	conn     *connection.Manager
	registry *subscription.Registry
	store    *chat.Store
	presence *presence.Tracker
	typing   *typing.Coordinator
	unread   *notify.Aggregator
	channels *chat.Directory
	slow     *ratelimit.SlowMode

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

func component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// New builds an Engine. Nothing is started until Restore and Connect.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = DefaultHistoryPageSize
	}
	e := &Engine{
		cfg:      cfg,
		clock:    cfg.Clock,
		log:      component(cfg.Logger, "engine"),
		channels: chat.NewDirectory(),
		slow:     ratelimit.NewSlowMode(cfg.Clock),
		watchers: make(map[chan struct{}]struct{}),
	}

	var history chat.HistoryService
	var presenceSetter connection.PresenceSetter
	var lister presence.OnlineLister
	if cfg.Backend != nil {
		history, presenceSetter, lister = cfg.Backend, cfg.Backend, cfg.Backend
	}

	e.store = chat.NewStore(chat.StoreConfig{
		Self:    cfg.Self.ID,
		Cache:   cfg.Cache,
		History: history,
		Clock:   cfg.Clock,
		Logger:  component(cfg.Logger, "store"),
	})
	e.unread = notify.New(notify.Config{
		Self:     cfg.Self.ID,
		Events:   e.store,
		Reader:   e.store,
		Channels: e.channels,
		Logger:   component(cfg.Logger, "notify"),
	})
	e.presence = presence.New(presence.Config{
		Lister:   lister,
		Schedule: cfg.PresenceSchedule,
		Clock:    cfg.Clock,
		Logger:   component(cfg.Logger, "presence"),
	})
	e.typing = typing.New(typing.Config{
		Self:    cfg.Self,
		Publish: cfg.Transport.Publish,
		Clock:   cfg.Clock,
		Logger:  component(cfg.Logger, "typing"),
	})
	e.registry = subscription.New(subscription.Config{
		Transport: cfg.Transport,
		Handler:   e.handleChannelEvent,
		OnActive:  func(channelID string) { go e.backfill(channelID) },
		Clock:     cfg.Clock,
		Logger:    component(cfg.Logger, "registry"),
	})
	e.conn = connection.New(cfg.Transport, presenceSetter, component(cfg.Logger, "connection"))

	e.store.OnChange(e.unread.Recompute)
	e.store.OnChange(e.changed)
	e.unread.OnChange(func(notify.Counts) { e.changed() })
	e.presence.OnChange(e.changed)
	e.typing.OnChange(e.changed)
	e.conn.OnReady(func(ready bool) {
		if ready {
			e.registry.RetryFailed()
		}
		e.changed()
	})
	e.conn.OnReconnect(e.resync)
	e.conn.OnDisconnect(func() {
		e.registry.LeaveAll()
		e.presence.Reset()
		e.typing.Reset()
	})
	return e
}

// Restore seeds the store from the durable cache. Call it once, before
// Connect and before the first Snapshot is rendered.
func (e *Engine) Restore(ctx context.Context) {
	e.store.Restore(ctx)
	e.unread.Recompute()
}

// Connect starts the transport session and the presence subscription.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.conn.Connect(ctx); err != nil {
		return fmt.Errorf("engine: connect: %w", err)
	}
	if err := e.registry.JoinPresence(e.presence.HandleEvent, e.presence.Fail, false); err != nil {
		e.log.Warn().Err(err).Msg("presence subscription failed")
	}
	return nil
}

// Disconnect leaves every channel, resets ephemeral state and closes the
// transport. Cached events are kept.
func (e *Engine) Disconnect(ctx context.Context) {
	e.conn.Disconnect(ctx)
}

// Close stops background work. The engine must not be used afterwards.
func (e *Engine) Close(ctx context.Context) {
	e.Disconnect(ctx)
	e.presence.Stop()
	e.watchMu.Lock()
	for ch := range e.watchers {
		close(ch)
	}
	e.watchers = make(map[chan struct{}]struct{})
	e.watchMu.Unlock()
}

// Ready reports whether the transport session is established.
func (e *Engine) Ready() bool {
	return e.conn.Ready()
}

// Self returns the local participant.
func (e *Engine) Self() chat.Participant {
	return e.cfg.Self
}

// Join subscribes to a channel; see subscription.Registry.Join.
func (e *Engine) Join(channelID string, force bool) error {
	return e.registry.Join(channelID, force)
}

// JoinAndWait subscribes to a channel and waits for it to become active.
func (e *Engine) JoinAndWait(ctx context.Context, channelID string) error {
	return e.registry.JoinAndWait(ctx, channelID)
}

// Rejoin forces a fresh subscription, recovering from a silent delivery
// stall. History is backfilled once the new subscription is ready.
func (e *Engine) Rejoin(channelID string) error {
	return e.registry.Join(channelID, true)
}

// Leave unsubscribes from a channel.
func (e *Engine) Leave(channelID string) {
	e.registry.Leave(channelID)
	e.typing.StopTyping(channelID)
	e.changed()
}

// LoadHistory fetches and merges a page of history for a channel.
func (e *Engine) LoadHistory(ctx context.Context, channelID string, limit int) error {
	if limit <= 0 {
		limit = e.cfg.HistoryPageSize
	}
	return e.store.LoadHistory(ctx, channelID, limit)
}

// RefreshChannels reloads channel metadata from the backend.
func (e *Engine) RefreshChannels(ctx context.Context) error {
	if e.cfg.Backend == nil {
		return errors.New("engine: refresh channels: no backend")
	}
	list, err := e.cfg.Backend.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("engine: refresh channels: %w", err)
	}
	e.channels.Put(list...)
	e.unread.Recompute()
	e.log.Info().Int("channels", len(list)).Msg("channels refreshed")
	return nil
}

// PutChannels registers channel metadata supplied by the embedding app.
func (e *Engine) PutChannels(channels ...chat.Channel) {
	e.channels.Put(channels...)
	e.unread.Recompute()
}

// Channel returns known metadata for a channel.
func (e *Engine) Channel(channelID string) (chat.Channel, bool) {
	return e.channels.Get(channelID)
}

// SendMessage validates and posts a message. When the channel is not yet
// active it is joined first, because events published before the
// subscription is ready may never reach this process. The persisted event
// is ingested right away; the transport echo is absorbed by dedup.
func (e *Engine) SendMessage(ctx context.Context, channelID string, req api.SendRequest) (chat.Event, error) {
	if req.Kind == "" {
		req.Kind = chat.KindText
	}
	if err := chat.ValidateMessage(req.Content, req.Kind, req.Attachments); err != nil {
		metrics.SendsTotal.WithLabelValues("rejected").Inc()
		return chat.Event{}, err
	}
	if ch, ok := e.channels.Get(channelID); ok {
		if err := e.slow.Allow(channelID, ch.Settings.SlowMode()); err != nil {
			metrics.SendsTotal.WithLabelValues("rejected").Inc()
			return chat.Event{}, err
		}
	}
	if e.registry.Status(channelID) != subscription.StatusActive {
		if err := e.registry.JoinAndWait(ctx, channelID); err != nil {
			metrics.SendsTotal.WithLabelValues("rejected").Inc()
			return chat.Event{}, fmt.Errorf("engine: send %s: %w", channelID, errors.Join(ErrNotSubscribed, err))
		}
	}
	if e.cfg.Backend == nil {
		return chat.Event{}, errors.New("engine: send: no backend")
	}

	ev, err := e.cfg.Backend.SendMessage(ctx, channelID, req)
	if err != nil {
		metrics.SendsTotal.WithLabelValues("failed").Inc()
		e.log.Warn().Err(err).Str("channel", channelID).Msg("send failed")
		return chat.Event{}, fmt.Errorf("engine: send %s: %w", channelID, err)
	}
	metrics.SendsTotal.WithLabelValues("ok").Inc()
	if ev.ChannelID == "" {
		ev.ChannelID = channelID
	}
	e.store.Ingest(ev)
	e.typing.StopTyping(channelID)
	return ev, nil
}

// NotifyTyping records a local keystroke in a channel.
func (e *Engine) NotifyTyping(channelID string) {
	e.typing.NotifyTyping(channelID)
}

// StopTyping ends local typing in a channel.
func (e *Engine) StopTyping(channelID string) {
	e.typing.StopTyping(channelID)
}

// MarkChannelRead zeroes a channel's unread count and records receipts.
func (e *Engine) MarkChannelRead(ctx context.Context, channelID string) {
	e.unread.MarkChannelRead(ctx, channelID)
}

// Events returns a channel's events in display order.
func (e *Engine) Events(channelID string) []chat.Event {
	return e.store.Events(channelID)
}

// Unread returns the current unread counts.
func (e *Engine) Unread() notify.Counts {
	return e.unread.Counts()
}

// Snapshot returns the full current state.
func (e *Engine) Snapshot() Snapshot {
	events := e.store.ByChannel()
	if events == nil {
		events = make(map[string][]chat.Event)
	}
	return Snapshot{
		Self:         e.cfg.Self,
		Connected:    e.conn.Ready(),
		State:        e.conn.State().String(),
		Channels:     e.registry.Active(),
		Events:       events,
		Presence:     e.presence.Snapshot(),
		PresenceMode: e.presence.Mode().String(),
		Typing:       e.typing.Snapshot(),
		Unread:       e.unread.Counts(),
	}
}

// Watch returns a channel that receives a value after state changes.
// Notifications coalesce: a slow reader sees one pending signal, never a
// backlog. Call Unwatch when done.
func (e *Engine) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	e.watchMu.Lock()
	e.watchers[ch] = struct{}{}
	e.watchMu.Unlock()
	return ch
}

// Unwatch stops notifications on a channel returned by Watch.
func (e *Engine) Unwatch(w <-chan struct{}) {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	for ch := range e.watchers {
		if ch == w {
			delete(e.watchers, ch)
			close(ch)
			return
		}
	}
}

func (e *Engine) changed() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	for ch := range e.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) handleChannelEvent(channelID string, data []byte) {
	evType, msg, err := protocol.ParseEvent(data)
	if err != nil {
		e.log.Warn().Err(err).Str("channel", channelID).Msg("bad channel event")
		return
	}
	switch m := msg.(type) {
	case protocol.MessageSent:
		ev := m.Message
		if ev.ChannelID == "" {
			ev.ChannelID = channelID
		}
		if ev.ChannelID != channelID {
			e.log.Warn().Str("channel", channelID).Str("event_channel", ev.ChannelID).Msg("event on wrong topic")
			return
		}
		e.store.Ingest(ev)
		e.typing.HandleStop(channelID, ev.Sender.ID)
	case protocol.MessagesRead:
		at := m.ReadAt
		if at.IsZero() {
			at = e.clock.Now()
		}
		e.store.ApplyReceipts(channelID, m.UserID, m.MessageIDs, at)
	case protocol.Typing:
		if evType == protocol.EventTypingStart {
			e.typing.HandleStart(channelID, m.UserID, m.UserName)
		} else {
			e.typing.HandleStop(channelID, m.UserID)
		}
	case protocol.ReactionUpdated:
		e.store.ApplyReaction(channelID, m.MessageID, m.Emoji, m.UserID, m.Added)
	default:
		e.log.Debug().Str("channel", channelID).Str("type", evType).Msg("ignoring event")
	}
}

func (e *Engine) backfill(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
	defer cancel()
	if err := e.store.LoadHistory(ctx, channelID, e.cfg.HistoryPageSize); err != nil {
		e.log.Warn().Err(err).Str("channel", channelID).Msg("history backfill failed")
	}
}

// resync recovers from a delivery gap: every channel is force-rejoined
// (which backfills on ready) and the presence snapshot is re-requested.
func (e *Engine) resync() {
	for _, id := range e.registry.Channels() {
		if err := e.registry.Join(id, true); err != nil {
			e.log.Warn().Err(err).Str("channel", id).Msg("rejoin failed")
		}
	}
	if err := e.registry.JoinPresence(e.presence.HandleEvent, e.presence.Fail, true); err != nil {
		e.log.Warn().Err(err).Msg("presence rejoin failed")
	}
}
