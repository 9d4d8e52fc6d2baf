package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	mu      sync.Mutex
	snap    *Snapshot
	writes  int
	loadErr error
	saveErr error
}

func (f *fakeCache) Load(context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return Snapshot{}, f.loadErr
	}
	if f.snap == nil {
		return Snapshot{}, ErrCacheMiss
	}
	return *f.snap, nil
}

func (f *fakeCache) Save(_ context.Context, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.snap = &snap
	return nil
}

func (f *fakeCache) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type fakeHistory struct {
	mu      sync.Mutex
	pages   map[string][]Event
	err     error
	markErr error
	marked  [][]string
}

func (f *fakeHistory) FetchMessages(_ context.Context, channelID string, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	page := f.pages[channelID]
	if limit > 0 && len(page) > limit {
		page = page[len(page)-limit:]
	}
	return page, nil
}

func (f *fakeHistory) MarkRead(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, ids)
	return f.markErr
}

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func ev(id, channelID, sender string, offset time.Duration) Event {
	return Event{
		ID:        id,
		ChannelID: channelID,
		Sender:    Participant{ID: sender},
		Content:   "msg " + id,
		Kind:      KindText,
		CreatedAt: t0.Add(offset),
	}
}

func newTestStore(c Cache, h HistoryService) (*Store, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(t0.Add(time.Hour))
	return NewStore(StoreConfig{Self: "me", Cache: c, History: h, Clock: mock, Logger: zerolog.Nop()}), mock
}

func ids(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestIngestDeduplicates(t *testing.T) {
	c := &fakeCache{}
	s, _ := newTestStore(c, nil)
	changes := 0
	s.OnChange(func() { changes++ })

	e := ev("x", "ch", "bo", 0)
	assert.True(t, s.Ingest(e))
	assert.False(t, s.Ingest(e))
	assert.False(t, s.Ingest(e))

	assert.Len(t, s.Events("ch"), 1)
	assert.Equal(t, 1, c.count(), "one cache write for one distinct event")
	assert.Equal(t, 1, changes)
}

func TestIngestWithoutIDDropped(t *testing.T) {
	s, _ := newTestStore(nil, nil)
	assert.False(t, s.Ingest(Event{ChannelID: "ch"}))
	assert.Equal(t, 0, s.Len())
}

func permutations(in []Event) [][]Event {
	if len(in) <= 1 {
		return [][]Event{append([]Event(nil), in...)}
	}
	var out [][]Event
	for i := range in {
		rest := append(append([]Event(nil), in[:i]...), in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Event{in[i]}, p...))
		}
	}
	return out
}

func TestDisplayOrderIndependentOfArrival(t *testing.T) {
	events := []Event{
		ev("a", "ch", "bo", 1*time.Second),
		ev("b", "ch", "al", 2*time.Second),
		ev("c", "ch", "bo", 3*time.Second),
		ev("d", "ch", "al", 3*time.Second), // same timestamp as c: ID breaks the tie
	}
	want := []string{"a", "b", "c", "d"}

	for i, perm := range permutations(events) {
		s, _ := newTestStore(nil, nil)
		for _, e := range perm {
			s.Ingest(e)
		}
		assert.Equal(t, want, ids(s.Events("ch")), "permutation %d", i)
	}
}

func TestLoadHistoryMerges(t *testing.T) {
	h := &fakeHistory{pages: map[string][]Event{
		"ch": {ev("1", "ch", "bo", 1), ev("2", "ch", "bo", 2), ev("3", "ch", "bo", 3)},
	}}
	c := &fakeCache{}
	s, _ := newTestStore(c, h)

	// Live events: one overlaps the page, one is newer than it.
	s.Ingest(ev("3", "ch", "bo", 3))
	s.Ingest(ev("4", "ch", "bo", 4))

	require.NoError(t, s.LoadHistory(context.Background(), "ch", 50))
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(s.Events("ch")))
	assert.Equal(t, 3, c.count())

	// A second identical page changes nothing and writes nothing.
	require.NoError(t, s.LoadHistory(context.Background(), "ch", 50))
	assert.Equal(t, 3, c.count())
}

func TestLoadHistoryUnionsReceipts(t *testing.T) {
	page := ev("1", "ch", "bo", 1)
	page.ReadBy = []ReadReceipt{{ReaderID: "al", ReadAt: t0}}
	h := &fakeHistory{pages: map[string][]Event{"ch": {page}}}
	s, _ := newTestStore(nil, h)

	s.Ingest(ev("1", "ch", "bo", 1))
	require.NoError(t, s.LoadHistory(context.Background(), "ch", 10))

	got, ok := s.Get("1")
	require.True(t, ok)
	assert.True(t, got.ReadByParticipant("al"))
	assert.Equal(t, "msg 1", got.Content)
}

func TestLoadHistoryUnionsReactions(t *testing.T) {
	page := ev("1", "ch", "bo", 1)
	page.Reactions = map[string][]string{"👍": {"al", "me"}, "🎉": {"bo"}}
	h := &fakeHistory{pages: map[string][]Event{"ch": {page}}}
	s, _ := newTestStore(nil, h)
	var changes int
	s.OnChange(func() { changes++ })

	s.Ingest(ev("1", "ch", "bo", 1))
	s.ApplyReaction("ch", "1", "👍", "me", true)
	changes = 0
	require.NoError(t, s.LoadHistory(context.Background(), "ch", 10))

	got, ok := s.Get("1")
	require.True(t, ok)
	assert.Equal(t, map[string][]string{"👍": {"me", "al"}, "🎉": {"bo"}}, got.Reactions)
	assert.Equal(t, 1, changes)

	require.NoError(t, s.LoadHistory(context.Background(), "ch", 10))
	assert.Equal(t, 1, changes, "nothing new to merge")
}

func TestLoadHistoryError(t *testing.T) {
	boom := errors.New("503")
	s, _ := newTestStore(nil, &fakeHistory{err: boom})
	err := s.LoadHistory(context.Background(), "ch", 10)
	assert.ErrorIs(t, err, boom)

	s, _ = newTestStore(nil, nil)
	assert.Error(t, s.LoadHistory(context.Background(), "ch", 10))
}

func TestMarkReadIdempotent(t *testing.T) {
	h := &fakeHistory{}
	c := &fakeCache{}
	s, _ := newTestStore(c, h)
	s.Ingest(ev("1", "ch", "bo", 1))
	s.Ingest(ev("2", "ch", "bo", 2))

	s.MarkRead(context.Background(), "ch", []string{"1", "2"})
	s.MarkRead(context.Background(), "ch", []string{"1", "2"})

	for _, e := range s.Events("ch") {
		n := 0
		for _, r := range e.ReadBy {
			if r.ReaderID == "me" {
				n++
			}
		}
		assert.Equal(t, 1, n, "event %s has exactly one receipt for self", e.ID)
	}
	assert.Equal(t, 3, c.count(), "second mark-read writes nothing")
	assert.Len(t, h.marked, 2, "upstream is told both times")
}

func TestMarkReadNotRolledBack(t *testing.T) {
	h := &fakeHistory{markErr: errors.New("500")}
	s, _ := newTestStore(nil, h)
	s.Ingest(ev("1", "ch", "bo", 1))

	s.MarkRead(context.Background(), "ch", []string{"1"})
	got, _ := s.Get("1")
	assert.True(t, got.ReadByParticipant("me"))
}

func TestMarkReadIgnoresOtherChannels(t *testing.T) {
	s, _ := newTestStore(nil, nil)
	s.Ingest(ev("1", "other", "bo", 1))
	s.MarkRead(context.Background(), "ch", []string{"1"})
	got, _ := s.Get("1")
	assert.False(t, got.ReadByParticipant("me"))
}

func TestApplyReceipts(t *testing.T) {
	s, _ := newTestStore(nil, nil)
	s.Ingest(ev("1", "ch", "me", 1))

	assert.True(t, s.ApplyReceipts("ch", "bo", []string{"1", "missing"}, t0))
	assert.False(t, s.ApplyReceipts("ch", "bo", []string{"1"}, t0))
	got, _ := s.Get("1")
	assert.True(t, got.ReadByParticipant("bo"))
}

func TestApplyReaction(t *testing.T) {
	s, _ := newTestStore(nil, nil)
	s.Ingest(ev("1", "ch", "bo", 1))

	assert.True(t, s.ApplyReaction("ch", "1", "🎉", "al", true))
	assert.False(t, s.ApplyReaction("ch", "1", "🎉", "al", true))
	assert.True(t, s.ApplyReaction("ch", "1", "🎉", "me", true))
	got, _ := s.Get("1")
	assert.Equal(t, []string{"al", "me"}, got.Reactions["🎉"])

	assert.True(t, s.ApplyReaction("ch", "1", "🎉", "al", false))
	assert.True(t, s.ApplyReaction("ch", "1", "🎉", "me", false))
	got, _ = s.Get("1")
	assert.NotContains(t, got.Reactions, "🎉")

	assert.False(t, s.ApplyReaction("ch", "missing", "🎉", "al", true))
}

func TestReturnedEventsAreCopies(t *testing.T) {
	s, _ := newTestStore(nil, nil)
	s.Ingest(ev("1", "ch", "bo", 1))
	got := s.Events("ch")
	got[0].ReadBy = append(got[0].ReadBy, ReadReceipt{ReaderID: "me"})

	again, _ := s.Get("1")
	assert.False(t, again.ReadByParticipant("me"))
}

func TestCacheCappedToMostRecent(t *testing.T) {
	c := &fakeCache{}
	s, _ := newTestStore(c, nil)
	for i := 0; i < MaxCachedEvents+20; i++ {
		s.Ingest(ev(fmt.Sprintf("e%03d", i), "ch", "bo", time.Duration(i)*time.Second))
	}

	require.NotNil(t, c.snap)
	assert.Len(t, c.snap.Events, MaxCachedEvents)
	assert.Equal(t, "e020", c.snap.Events[0].ID, "oldest events dropped first")
	assert.Equal(t, "e119", c.snap.Events[MaxCachedEvents-1].ID)
	assert.Equal(t, MaxCachedEvents+20, s.Len(), "memory keeps everything")
}

func TestCacheWriteFailureIsNotFatal(t *testing.T) {
	c := &fakeCache{saveErr: errors.New("disk full")}
	s, _ := newTestStore(c, nil)
	assert.True(t, s.Ingest(ev("1", "ch", "bo", 1)))
	assert.Equal(t, 1, s.Len())
}

func TestRestoreFreshness(t *testing.T) {
	tests := []struct {
		name    string
		age     time.Duration
		wantLen int
	}{
		{"fresh", 29 * time.Minute, 2},
		{"stale", 31 * time.Minute, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCache{}
			s, mock := newTestStore(c, nil)
			c.snap = &Snapshot{
				SavedAt: mock.Now().Add(-tt.age),
				Events:  []Event{ev("1", "ch", "bo", 1), ev("2", "ch", "bo", 2)},
			}
			s.Restore(context.Background())
			assert.Equal(t, tt.wantLen, s.Len())
		})
	}
}

func TestRestoreMissOrError(t *testing.T) {
	s, _ := newTestStore(&fakeCache{}, nil)
	s.Restore(context.Background())
	assert.Equal(t, 0, s.Len())

	s, _ = newTestStore(&fakeCache{loadErr: fmt.Errorf("%w: corrupt", ErrCacheMiss)}, nil)
	s.Restore(context.Background())
	assert.Equal(t, 0, s.Len())

	s, _ = newTestStore(&fakeCache{loadErr: errors.New("io")}, nil)
	s.Restore(context.Background())
	assert.Equal(t, 0, s.Len())
}

func TestByChannel(t *testing.T) {
	s, _ := newTestStore(nil, nil)
	s.Ingest(ev("2", "a", "bo", 2))
	s.Ingest(ev("1", "a", "bo", 1))
	s.Ingest(ev("3", "b", "bo", 3))

	got := s.ByChannel()
	assert.Equal(t, []string{"1", "2"}, ids(got["a"]))
	assert.Equal(t, []string{"3"}, ids(got["b"]))
}
