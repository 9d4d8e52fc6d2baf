package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coworkhub/chatsync/internal/transport"
	"github.com/coworkhub/chatsync/internal/transport/transporttest"
)

type harness struct {
	bus     *transporttest.Bus
	client  *transporttest.Client
	clock   *clock.Mock
	reg     *Registry
	actives atomic.Int32

	mu       sync.Mutex
	received map[string][]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:      transporttest.NewBus(),
		clock:    clock.NewMock(),
		received: make(map[string][]string),
	}
	h.client = h.bus.NewClient()
	require.NoError(t, h.client.Connect(context.Background()))
	h.reg = New(Config{
		Transport: h.client,
		Handler: func(channelID string, data []byte) {
			h.mu.Lock()
			h.received[channelID] = append(h.received[channelID], string(data))
			h.mu.Unlock()
		},
		OnActive: func(string) { h.actives.Add(1) },
		Clock:    h.clock,
		Logger:   zerolog.Nop(),
	})
	return h
}

func (h *harness) isActive(channelID string) func() bool {
	return func() bool { return h.reg.Status(channelID) == StatusActive }
}

func TestJoinBecomesActiveAndRoutes(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.reg.Join("ch-1", false))
	require.Eventually(t, h.isActive("ch-1"), time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ch-1"}, h.reg.Active())
	assert.Equal(t, int32(1), h.actives.Load())

	h.bus.Publish(transport.ChannelTopic("ch-1"), []byte("hello"))
	h.mu.Lock()
	assert.Equal(t, []string{"hello"}, h.received["ch-1"])
	h.mu.Unlock()
}

func TestConcurrentJoinsCollapse(t *testing.T) {
	h := newHarness(t)
	h.bus.HoldReady(true)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.reg.Join("ch-1", false))
		}()
	}
	wg.Wait()

	topic := transport.ChannelTopic("ch-1")
	assert.Equal(t, 1, h.client.SubscribeCalls(topic))
	assert.Equal(t, StatusPending, h.reg.Status("ch-1"))

	h.bus.ReleaseReady()
	require.Eventually(t, h.isActive("ch-1"), time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.client.Subscriptions(topic))
	assert.Equal(t, int32(1), h.actives.Load())
}

func TestJoinWhileActiveIsNoop(t *testing.T) {
	h := newHarness(t)
	topic := transport.ChannelTopic("ch-1")

	require.NoError(t, h.reg.Join("ch-1", false))
	require.Eventually(t, h.isActive("ch-1"), time.Second, 5*time.Millisecond)
	require.NoError(t, h.reg.Join("ch-1", false))

	assert.Equal(t, 1, h.client.SubscribeCalls(topic))
	assert.Equal(t, int32(1), h.actives.Load())
}

func TestForcedRejoinReplacesSubscription(t *testing.T) {
	h := newHarness(t)
	topic := transport.ChannelTopic("ch-1")

	require.NoError(t, h.reg.Join("ch-1", false))
	require.Eventually(t, h.isActive("ch-1"), time.Second, 5*time.Millisecond)

	require.NoError(t, h.reg.Join("ch-1", true))
	require.Eventually(t, func() bool { return h.actives.Load() == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, h.client.SubscribeCalls(topic))
	assert.Equal(t, 1, h.client.Subscriptions(topic), "old subscription torn down")
	assert.Equal(t, StatusActive, h.reg.Status("ch-1"))
}

func TestJoinAndWaitResolvesOnReady(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.JoinAndWait(context.Background(), "ch-1"))
	assert.Equal(t, StatusActive, h.reg.Status("ch-1"))

	// Already active: returns immediately.
	require.NoError(t, h.reg.JoinAndWait(context.Background(), "ch-1"))
}

func TestJoinAndWaitTimesOut(t *testing.T) {
	h := newHarness(t)
	h.bus.HoldReady(true)

	done := make(chan error, 1)
	go func() { done <- h.reg.JoinAndWait(context.Background(), "ch-1") }()

	var err error
	require.Eventually(t, func() bool {
		h.clock.Add(JoinTimeout)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.Equal(t, StatusPending, h.reg.Status("ch-1"), "timed-out join stays in flight")

	h.bus.ReleaseReady()
	assert.Eventually(t, h.isActive("ch-1"), time.Second, 5*time.Millisecond)
}

func TestJoinAndWaitContextCancel(t *testing.T) {
	h := newHarness(t)
	h.bus.HoldReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.reg.JoinAndWait(ctx, "ch-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJoinAndWaitSubscriptionError(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("not authorized")
	h.bus.FailSubscribe(transport.ChannelTopic("ch-1"), boom)

	err := h.reg.JoinAndWait(context.Background(), "ch-1")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFailed, h.reg.Status("ch-1"))
	assert.Empty(t, h.reg.Active())

	// A failed channel can be joined again.
	h.bus.FailSubscribe(transport.ChannelTopic("ch-1"), nil)
	require.NoError(t, h.reg.JoinAndWait(context.Background(), "ch-1"))
}

func TestLeave(t *testing.T) {
	h := newHarness(t)
	topic := transport.ChannelTopic("ch-1")

	h.reg.Leave("never-joined")

	require.NoError(t, h.reg.JoinAndWait(context.Background(), "ch-1"))
	h.reg.Leave("ch-1")
	h.reg.Leave("ch-1")

	assert.Equal(t, StatusNone, h.reg.Status("ch-1"))
	assert.Equal(t, 0, h.client.Subscriptions(topic))
}

func TestLeaveCancelsPendingWaiters(t *testing.T) {
	h := newHarness(t)
	h.bus.HoldReady(true)

	done := make(chan error, 1)
	go func() { done <- h.reg.JoinAndWait(context.Background(), "ch-1") }()
	require.Eventually(t, func() bool { return h.reg.Status("ch-1") == StatusPending }, time.Second, 5*time.Millisecond)

	h.reg.Leave("ch-1")
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrLeft)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}

	h.bus.ReleaseReady()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusNone, h.reg.Status("ch-1"), "late ready for a left channel is ignored")
	assert.Equal(t, int32(0), h.actives.Load())
}

func TestLeaveAll(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.reg.JoinAndWait(context.Background(), id))
	}
	assert.Equal(t, []string{"a", "b", "c"}, h.reg.Active())

	h.reg.LeaveAll()
	assert.Empty(t, h.reg.Channels())
}

func TestJoinPresence(t *testing.T) {
	h := newHarness(t)
	var got atomic.Int32
	handler := func([]byte) { got.Add(1) }

	require.NoError(t, h.reg.JoinPresence(handler, nil, false))
	require.NoError(t, h.reg.JoinPresence(handler, nil, false))
	assert.Equal(t, 1, h.client.SubscribeCalls(transport.PresenceTopic))

	require.NoError(t, h.reg.JoinPresence(handler, nil, true))
	assert.Equal(t, 2, h.client.SubscribeCalls(transport.PresenceTopic))
	assert.Equal(t, 1, h.client.Subscriptions(transport.PresenceTopic))

	h.bus.Publish(transport.PresenceTopic, []byte("{}"))
	assert.Equal(t, int32(1), got.Load())

	h.reg.LeaveAll()
	assert.Equal(t, 0, h.client.Subscriptions(transport.PresenceTopic))
}

func TestJoinPresenceFailureReported(t *testing.T) {
	h := newHarness(t)
	h.bus.FailSubscribe(transport.PresenceTopic, errors.New("no responders"))

	failed := make(chan error, 1)
	require.NoError(t, h.reg.JoinPresence(func([]byte) {}, func(err error) { failed <- err }, false))
	select {
	case err := <-failed:
		assert.EqualError(t, err, "no responders")
	case <-time.After(time.Second):
		t.Fatal("expected presence failure")
	}
}

func TestRetryFailed(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("not connected")
	h.bus.FailSubscribe(transport.ChannelTopic("ch-1"), boom)
	h.bus.FailSubscribe(transport.PresenceTopic, boom)

	var presenceErrs atomic.Int32
	require.NoError(t, h.reg.JoinPresence(func([]byte) {}, func(error) { presenceErrs.Add(1) }, false))
	require.NoError(t, h.reg.Join("ch-1", false))
	require.NoError(t, h.reg.Join("ch-2", false))
	require.Eventually(t, func() bool {
		return h.reg.Status("ch-1") == StatusFailed && h.reg.PresenceFailed() && h.reg.Status("ch-2") == StatusActive
	}, time.Second, 5*time.Millisecond)

	h.bus.FailSubscribe(transport.ChannelTopic("ch-1"), nil)
	h.bus.FailSubscribe(transport.PresenceTopic, nil)
	h.reg.RetryFailed()

	require.Eventually(t, h.isActive("ch-1"), time.Second, 5*time.Millisecond)
	assert.False(t, h.reg.PresenceFailed())
	assert.Equal(t, 2, h.client.SubscribeCalls(transport.ChannelTopic("ch-1")))
	assert.Equal(t, 1, h.client.SubscribeCalls(transport.ChannelTopic("ch-2")), "active channel untouched")
	assert.Equal(t, 2, h.client.SubscribeCalls(transport.PresenceTopic))
	assert.Equal(t, int32(1), presenceErrs.Load())

	h.reg.RetryFailed()
	assert.Equal(t, 2, h.client.SubscribeCalls(transport.PresenceTopic), "nothing left to retry")
}

func TestReplacedPresenceErrorIgnored(t *testing.T) {
	h := newHarness(t)
	h.bus.HoldReady(true)
	h.bus.FailSubscribe(transport.PresenceTopic, errors.New("stale"))

	var presenceErrs atomic.Int32
	onError := func(error) { presenceErrs.Add(1) }
	require.NoError(t, h.reg.JoinPresence(func([]byte) {}, onError, false))
	h.bus.FailSubscribe(transport.PresenceTopic, nil)
	require.NoError(t, h.reg.JoinPresence(func([]byte) {}, onError, true))

	h.bus.ReleaseReady()
	assert.Never(t, func() bool { return presenceErrs.Load() > 0 }, 100*time.Millisecond, 5*time.Millisecond,
		"error from the replaced subscription is ignored")
	assert.False(t, h.reg.PresenceFailed())
}
