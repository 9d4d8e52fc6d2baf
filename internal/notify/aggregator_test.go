package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coworkhub/chatsync/internal/chat"
)

type fixture struct {
	store *chat.Store
	dir   *chat.Directory
	agg   *Aggregator
	seen  []Counts
	base  time.Time
	seq   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: chat.NewStore(chat.StoreConfig{Self: "me", Clock: clock.NewMock(), Logger: zerolog.Nop()}),
		dir:   chat.NewDirectory(),
		base:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.dir.Put(
		chat.Channel{ID: "general", Kind: chat.ChannelPublic},
		chat.Channel{ID: "dm-bo", Kind: chat.ChannelDirect},
		chat.Channel{ID: "assistant", Kind: chat.ChannelAIAssistant},
	)
	f.agg = New(Config{Self: "me", Events: f.store, Reader: f.store, Channels: f.dir, Logger: zerolog.Nop()})
	f.agg.OnChange(func(c Counts) { f.seen = append(f.seen, c) })
	f.store.OnChange(f.agg.Recompute)
	return f
}

func (f *fixture) add(channelID, sender string) string {
	f.seq++
	id := fmt.Sprintf("e%d", f.seq)
	f.store.Ingest(chat.Event{
		ID:        id,
		ChannelID: channelID,
		Sender:    chat.Participant{ID: sender},
		Content:   "hi",
		Kind:      chat.KindText,
		CreatedAt: f.base.Add(time.Duration(f.seq) * time.Second),
	})
	return id
}

func TestCountsExcludeOwnAndRead(t *testing.T) {
	f := newFixture(t)
	f.add("general", "bo")
	f.add("general", "me")
	read := f.add("general", "al")
	f.store.ApplyReceipts("general", "me", []string{read}, f.base)

	c := f.agg.Counts()
	assert.Equal(t, 1, c.Total)
	assert.Equal(t, map[string]int{"general": 1}, c.ByChannel)
}

func TestClassificationByChannelKind(t *testing.T) {
	f := newFixture(t)
	f.add("general", "bo")
	f.add("dm-bo", "bo")
	f.add("dm-bo", "bo")
	f.add("assistant", "ai")
	f.add("unknown-room", "bo")
	f.add("dm-looking-id", "bo") // kind unknown: never guessed from the ID

	want := Counts{
		Total:   6,
		Direct:  3,
		Channel: 3,
		ByChannel: map[string]int{
			"general": 1, "dm-bo": 2, "assistant": 1, "unknown-room": 1, "dm-looking-id": 1,
		},
	}
	if diff := cmp.Diff(want, f.agg.Counts()); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestMarkChannelReadThenNewEvent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.add("dm-bo", "bo")
	}
	require.Equal(t, 3, f.agg.Channel("dm-bo"))

	f.agg.MarkChannelRead(context.Background(), "dm-bo")
	assert.Equal(t, 0, f.agg.Channel("dm-bo"))
	assert.Equal(t, 0, f.agg.Counts().Direct)
	for _, ev := range f.store.Events("dm-bo") {
		assert.True(t, ev.ReadByParticipant("me"), "event %s marked read in the store", ev.ID)
	}

	f.add("dm-bo", "bo")
	assert.Equal(t, 1, f.agg.Channel("dm-bo"))
	assert.Equal(t, 1, f.agg.Counts().Total)
}

func TestOverlayClearedByRecompute(t *testing.T) {
	f := newFixture(t)
	f.add("general", "bo")

	// No reader: the overlay is the only thing zeroing the channel.
	agg := New(Config{Self: "me", Events: f.store, Channels: f.dir, Logger: zerolog.Nop()})
	agg.Recompute()
	agg.MarkChannelRead(context.Background(), "general")
	assert.Equal(t, 0, agg.Channel("general"))

	agg.Recompute()
	assert.Equal(t, 1, agg.Channel("general"), "store is authoritative")
}

func TestListenersFireOnlyOnValueChange(t *testing.T) {
	f := newFixture(t)
	f.agg.Recompute()
	assert.Empty(t, f.seen, "zero to zero is not a change")

	f.add("general", "bo")
	require.Len(t, f.seen, 1)

	f.add("general", "me") // own event: counts unchanged
	f.agg.Recompute()
	assert.Len(t, f.seen, 1)

	f.add("general", "bo")
	require.Len(t, f.seen, 2)
	assert.Equal(t, 2, f.seen[1].Total)
}

// gatedEvents blocks the first All call until release is closed.
type gatedEvents struct {
	mu      sync.Mutex
	events  []chat.Event
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *gatedEvents) All() []chat.Event {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	out := append([]chat.Event(nil), g.events...)
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	return out
}

func TestStaleRecomputeIsDiscarded(t *testing.T) {
	unread := func(id string) chat.Event {
		return chat.Event{ID: id, ChannelID: "general", Sender: chat.Participant{ID: "bo"}, Kind: chat.KindText}
	}
	src := &gatedEvents{
		events:  []chat.Event{unread("e1")},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	agg := New(Config{Self: "me", Events: src, Logger: zerolog.Nop()})

	done := make(chan struct{})
	go func() {
		agg.Recompute()
		close(done)
	}()
	<-src.entered

	src.mu.Lock()
	src.events = append(src.events, unread("e2"))
	src.mu.Unlock()
	agg.Recompute()
	require.Equal(t, 2, agg.Counts().Total)

	close(src.release)
	<-done
	assert.Equal(t, 2, agg.Counts().Total, "older scan must not overwrite newer counts")
	assert.Equal(t, map[string]int{"general": 2}, agg.Counts().ByChannel)
}
