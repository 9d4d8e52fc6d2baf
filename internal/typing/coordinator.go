// Package typing coordinates "is typing" indicators: it debounces the local
// participant's outbound typing signals and keeps short-lived records of
// remote participants' typing that expire on their own.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/coworkhub/chatsync/internal/chat"
	"github.com/coworkhub/chatsync/internal/protocol"
	"github.com/coworkhub/chatsync/internal/transport"
)

// TTL is both the local idle timeout before typing_stop is sent and the
// lifetime of a remote typing record.
const TTL = 3 * time.Second

// RefreshInterval is the minimum gap between typing_start re-publishes while
// the local participant keeps typing. It is short enough that peers never see
// a remote record lapse during continuous typing.
const RefreshInterval = TTL / 2

// Publisher sends a payload on a topic.
type Publisher func(topic string, data []byte) error

// Typist is a participant currently typing.
type Typist struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name,omitempty"`
}

// Config wires a Coordinator.
type Config struct {
	Self    chat.Participant
	Publish Publisher
	Clock   clock.Clock
	Logger  zerolog.Logger
}

type key struct {
	channelID     string
	participantID string
}

type localState struct {
	timer     *clock.Timer
	lastStart time.Time
}

type remoteState struct {
	name  string
	until time.Time
	timer *clock.Timer
}

// Coordinator is goroutine-safe.
type Coordinator struct {
	cfg   Config
	clock clock.Clock

	mu     sync.Mutex
	local  map[string]*localState
	remote map[key]*remoteState

	listenersMu sync.Mutex
	listeners   []func()
}

// New creates an idle Coordinator.
func New(cfg Config) *Coordinator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		cfg:    cfg,
		clock:  clk,
		local:  make(map[string]*localState),
		remote: make(map[key]*remoteState),
	}
}

// OnChange registers fn to be called when the remote typing set changes,
// including silent expiry.
func (c *Coordinator) OnChange(fn func()) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// NotifyTyping records a local keystroke in channelID. typing_start is
// published on the first keystroke and again at most once per
// RefreshInterval while typing continues; every keystroke pushes the
// typing_stop deadline TTL into the future.
func (c *Coordinator) NotifyTyping(channelID string) {
	now := c.clock.Now()

	c.mu.Lock()
	old, wasTyping := c.local[channelID]
	st := &localState{lastStart: now}
	refresh := !wasTyping
	if wasTyping {
		old.timer.Stop()
		if now.Sub(old.lastStart) < RefreshInterval {
			st.lastStart = old.lastStart
		} else {
			refresh = true
		}
	}
	st.timer = c.clock.AfterFunc(TTL, func() { c.expireLocal(channelID, st) })
	c.local[channelID] = st
	c.mu.Unlock()

	if refresh {
		c.publish(channelID, protocol.EventTypingStart)
	}
}

// StopTyping ends local typing in channelID immediately, as after a send.
// It is a no-op when not typing.
func (c *Coordinator) StopTyping(channelID string) {
	c.mu.Lock()
	st, ok := c.local[channelID]
	if ok {
		st.timer.Stop()
		delete(c.local, channelID)
	}
	c.mu.Unlock()

	if ok {
		c.publish(channelID, protocol.EventTypingStop)
	}
}

func (c *Coordinator) expireLocal(channelID string, st *localState) {
	c.mu.Lock()
	if c.local[channelID] != st {
		c.mu.Unlock()
		return
	}
	delete(c.local, channelID)
	c.mu.Unlock()

	c.publish(channelID, protocol.EventTypingStop)
}

// IsTyping reports whether the local participant is typing in channelID.
func (c *Coordinator) IsTyping(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.local[channelID]
	return ok
}

func (c *Coordinator) publish(channelID, eventType string) {
	if c.cfg.Publish == nil {
		return
	}
	data, err := protocol.NewEvent(eventType, protocol.Typing{
		ChannelID: channelID,
		UserID:    c.cfg.Self.ID,
		UserName:  c.cfg.Self.Name,
	})
	if err != nil {
		c.cfg.Logger.Error().Err(err).Msg("encode typing event")
		return
	}
	if err := c.cfg.Publish(transport.ChannelTopic(channelID), data); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("channel", channelID).Str("type", eventType).Msg("publish typing failed")
	}
}

// HandleStart records that a remote participant is typing. Echoes of the
// local participant's own signals are ignored.
func (c *Coordinator) HandleStart(channelID, participantID, name string) {
	if participantID == "" || participantID == c.cfg.Self.ID {
		return
	}
	k := key{channelID, participantID}

	c.mu.Lock()
	if old, ok := c.remote[k]; ok {
		old.timer.Stop()
	}
	rs := &remoteState{name: name, until: c.clock.Now().Add(TTL)}
	rs.timer = c.clock.AfterFunc(TTL, func() { c.expireRemote(k, rs) })
	c.remote[k] = rs
	c.mu.Unlock()

	c.notify()
}

// HandleStop removes a remote participant's typing record.
func (c *Coordinator) HandleStop(channelID, participantID string) {
	k := key{channelID, participantID}

	c.mu.Lock()
	rs, ok := c.remote[k]
	if ok {
		rs.timer.Stop()
		delete(c.remote, k)
	}
	c.mu.Unlock()

	if ok {
		c.notify()
	}
}

func (c *Coordinator) expireRemote(k key, rs *remoteState) {
	c.mu.Lock()
	if c.remote[k] != rs {
		c.mu.Unlock()
		return
	}
	delete(c.remote, k)
	c.mu.Unlock()

	c.notify()
}

// Typing returns who is typing in channelID. Stale records and the local
// participant are never included.
func (c *Coordinator) Typing(channelID string) []Typist {
	return c.Snapshot()[channelID]
}

// Snapshot returns the current typists per channel, each list sorted by ID.
func (c *Coordinator) Snapshot() map[string][]Typist {
	now := c.clock.Now()
	out := make(map[string][]Typist)

	c.mu.Lock()
	for k, rs := range c.remote {
		if !now.Before(rs.until) || k.participantID == c.cfg.Self.ID {
			continue
		}
		out[k.channelID] = append(out[k.channelID], Typist{ParticipantID: k.participantID, Name: rs.name})
	}
	c.mu.Unlock()

	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].ParticipantID < list[j].ParticipantID })
	}
	return out
}

// Reset stops every timer and clears all state. No typing_stop is sent.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	for _, st := range c.local {
		st.timer.Stop()
	}
	for _, rs := range c.remote {
		rs.timer.Stop()
	}
	c.local = make(map[string]*localState)
	c.remote = make(map[key]*remoteState)
	c.mu.Unlock()

	c.notify()
}

func (c *Coordinator) notify() {
	c.listenersMu.Lock()
	listeners := append([]func(){}, c.listeners...)
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
