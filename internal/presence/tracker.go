// Package presence maintains the set of online participants from presence
// topic events, degrading to a periodic REST poll when the presence
// subscription is unavailable.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/coworkhub/chatsync/internal/api"
	"github.com/coworkhub/chatsync/internal/protocol"
)

const (
	// DefaultPollSchedule is the fallback poll cadence.
	DefaultPollSchedule = "@every 30s"

	// OnlineWindow is how recent a fallback last_active must be for the
	// participant to count as online.
	OnlineWindow = 5 * time.Minute

	pollTimeout = 10 * time.Second
)

// Mode says where presence data currently comes from.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeLive
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Record is the presence of one participant.
type Record struct {
	ParticipantID string    `json:"participant_id"`
	Online        bool      `json:"online"`
	LastSeen      time.Time `json:"last_seen"`
}

// OnlineLister is the REST fallback source.
type OnlineLister interface {
	ListOnlineUsers(ctx context.Context) ([]api.OnlineUser, error)
}

// Config wires a Tracker. Schedule defaults to DefaultPollSchedule.
type Config struct {
	Lister   OnlineLister
	Schedule string
	Clock    clock.Clock
	Logger   zerolog.Logger
}

type record struct {
	Record
	live bool // obtained from the presence topic; fallback data never overwrites it
}

// Tracker is goroutine-safe.
type Tracker struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	records map[string]*record
	mode    Mode
	poller  *cron.Cron

	listenersMu sync.Mutex
	listeners   []func()
}

// New creates a Tracker in ModeUnknown.
func New(cfg Config) *Tracker {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultPollSchedule
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{cfg: cfg, clock: clk, records: make(map[string]*record)}
}

// OnChange registers fn to be called after the online set changes.
func (t *Tracker) OnChange(fn func()) {
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, fn)
	t.listenersMu.Unlock()
}

// HandleEvent applies a raw presence topic payload.
func (t *Tracker) HandleEvent(data []byte) {
	evType, ev, err := protocol.ParseEvent(data)
	if err != nil {
		t.cfg.Logger.Warn().Err(err).Msg("bad presence event")
		return
	}
	switch m := ev.(type) {
	case protocol.PresenceSnapshot:
		t.ApplySnapshot(m.Members)
	case protocol.MemberChange:
		if evType == protocol.EventMemberAdded {
			t.MemberAdded(m.Member)
		} else {
			t.MemberRemoved(m.Member)
		}
	default:
		t.cfg.Logger.Debug().Str("type", evType).Msg("ignoring non-presence event")
	}
}

// ApplySnapshot seeds the online set from a live member snapshot and stops
// any fallback poll. Live members absent from the snapshot go offline.
func (t *Tracker) ApplySnapshot(members []protocol.PresenceMember) {
	now := t.clock.Now()

	t.mu.Lock()
	t.stopPollLocked()
	t.mode = ModeLive
	present := lo.SliceToMap(members, func(m protocol.PresenceMember) (string, protocol.PresenceMember) {
		return m.UserID, m
	})
	for id, r := range t.records {
		if _, ok := present[id]; !ok && r.Online {
			r.Online = false
			r.LastSeen = now
			r.live = true
		}
	}
	for id, m := range present {
		if id == "" {
			continue
		}
		t.records[id] = &record{Record: Record{ParticipantID: id, Online: true, LastSeen: seen(m, now)}, live: true}
	}
	t.mu.Unlock()

	t.cfg.Logger.Info().Int("members", len(present)).Msg("presence snapshot")
	t.notify()
}

// MemberAdded marks a participant online.
func (t *Tracker) MemberAdded(m protocol.PresenceMember) {
	if m.UserID == "" {
		return
	}
	now := t.clock.Now()
	t.mu.Lock()
	if t.mode == ModeUnknown {
		t.mode = ModeLive
	}
	t.records[m.UserID] = &record{Record: Record{ParticipantID: m.UserID, Online: true, LastSeen: seen(m, now)}, live: true}
	t.mu.Unlock()
	t.notify()
}

// MemberRemoved marks a participant offline, keeping when it was last seen.
func (t *Tracker) MemberRemoved(m protocol.PresenceMember) {
	if m.UserID == "" {
		return
	}
	now := t.clock.Now()
	t.mu.Lock()
	t.records[m.UserID] = &record{Record: Record{ParticipantID: m.UserID, Online: false, LastSeen: now}, live: true}
	t.mu.Unlock()
	t.notify()
}

func seen(m protocol.PresenceMember, now time.Time) time.Time {
	if m.LastSeen.IsZero() {
		return now
	}
	return m.LastSeen
}

// Fail switches to fallback mode after a presence subscription error and
// starts the periodic REST poll. It is a no-op while already in fallback.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	if t.mode == ModeFallback {
		t.mu.Unlock()
		return
	}
	t.mode = ModeFallback
	if t.cfg.Lister != nil {
		c := cron.New()
		if _, cerr := c.AddFunc(t.cfg.Schedule, t.poll); cerr != nil {
			t.cfg.Logger.Error().Err(cerr).Str("schedule", t.cfg.Schedule).Msg("invalid poll schedule")
		} else {
			c.Start()
			t.poller = c
		}
	}
	t.mu.Unlock()

	t.cfg.Logger.Warn().Err(err).Str("schedule", t.cfg.Schedule).Msg("presence degraded to polling")
	t.notify()
	go t.poll()
}

// poll fetches the online list once and merges it without touching records
// obtained from live presence.
func (t *Tracker) poll() {
	if t.cfg.Lister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()
	users, err := t.cfg.Lister.ListOnlineUsers(ctx)
	if err != nil {
		t.cfg.Logger.Warn().Err(err).Msg("presence poll failed")
		return
	}

	now := t.clock.Now()
	listed := make(map[string]bool, len(users))
	changed := false

	t.mu.Lock()
	if t.mode != ModeFallback {
		t.mu.Unlock()
		return
	}
	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		listed[u.UserID] = true
		if r, ok := t.records[u.UserID]; ok && r.live {
			continue
		}
		last := u.LastActive
		if last.IsZero() {
			last = now
		}
		next := Record{ParticipantID: u.UserID, Online: now.Sub(last) <= OnlineWindow, LastSeen: last}
		if r, ok := t.records[u.UserID]; !ok || r.Record != next {
			t.records[u.UserID] = &record{Record: next}
			changed = true
		}
	}
	for id, r := range t.records {
		if !r.live && !listed[id] && r.Online {
			r.Online = false
			changed = true
		}
	}
	t.mu.Unlock()

	t.cfg.Logger.Debug().Int("users", len(users)).Bool("changed", changed).Msg("presence poll")
	if changed {
		t.notify()
	}
}

// Reset stops polling and forgets every record. Called on disconnect.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.stopPollLocked()
	t.mode = ModeUnknown
	t.records = make(map[string]*record)
	t.mu.Unlock()
	t.notify()
}

// Stop halts the fallback poll without clearing state.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopPollLocked()
	t.mu.Unlock()
}

func (t *Tracker) stopPollLocked() {
	if t.poller != nil {
		t.poller.Stop()
		t.poller = nil
	}
}

// Mode returns the current data source.
func (t *Tracker) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// IsOnline reports whether participantID is online.
func (t *Tracker) IsOnline(participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[participantID]
	return ok && r.Online
}

// Online returns the sorted IDs of online participants.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.records))
	for id, r := range t.records {
		if r.Online {
			out = append(out, id)
		}
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Snapshot returns every known record, sorted by participant ID.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.Record)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (t *Tracker) notify() {
	t.listenersMu.Lock()
	listeners := append([]func(){}, t.listeners...)
	t.listenersMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
