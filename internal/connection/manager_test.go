package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coworkhub/chatsync/internal/transport"
	"github.com/coworkhub/chatsync/internal/transport/transporttest"
)

type fakePresence struct {
	mu       sync.Mutex
	statuses []string
	err      error
}

func (f *fakePresence) SetPresence(_ context.Context, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return f.err
}

func (f *fakePresence) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

func TestConnectIsIdempotent(t *testing.T) {
	client := transporttest.NewBus().NewClient()
	pres := &fakePresence{}
	m := New(client, pres, zerolog.Nop())

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	assert.True(t, m.Ready())
	assert.Equal(t, transport.Connected, m.State())
	assert.Eventually(t, func() bool { return len(pres.got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"online"}, pres.got())
}

func TestPresenceFailureIsNotFatal(t *testing.T) {
	client := transporttest.NewBus().NewClient()
	m := New(client, &fakePresence{err: errors.New("boom")}, zerolog.Nop())

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.Ready())
}

func TestDisconnectRunsTeardownThenCloses(t *testing.T) {
	client := transporttest.NewBus().NewClient()
	pres := &fakePresence{}
	m := New(client, pres, zerolog.Nop())

	var order []string
	m.OnDisconnect(func() {
		order = append(order, "teardown")
		assert.Equal(t, transport.Connected, client.State(), "teardown runs before the transport closes")
	})
	require.NoError(t, m.Connect(context.Background()))
	assert.Eventually(t, func() bool { return len(pres.got()) == 1 }, time.Second, 5*time.Millisecond)

	m.Disconnect(context.Background())
	assert.Equal(t, []string{"teardown"}, order)
	assert.False(t, m.Ready())
	assert.Equal(t, transport.Disconnected, client.State())
	assert.Equal(t, []string{"online", "offline"}, pres.got())

	m.Disconnect(context.Background())
	assert.Equal(t, []string{"teardown"}, order, "second disconnect is a no-op")
}

func TestReadyAndReconnectHooks(t *testing.T) {
	client := transporttest.NewBus().NewClient()
	m := New(client, nil, zerolog.Nop())

	var readyMu sync.Mutex
	var readiness []bool
	m.OnReady(func(r bool) {
		readyMu.Lock()
		readiness = append(readiness, r)
		readyMu.Unlock()
	})
	var reconnects atomic.Int32
	m.OnReconnect(func() { reconnects.Add(1) })

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(0), reconnects.Load(), "first connect is not a reconnect")

	client.Drop()
	assert.False(t, m.Ready())
	client.Recover()
	assert.True(t, m.Ready())
	assert.Equal(t, int32(1), reconnects.Load())

	readyMu.Lock()
	defer readyMu.Unlock()
	assert.Equal(t, []bool{false, true, false, false, true}, readiness)
}

func TestReconnectHooksRunBeforeReady(t *testing.T) {
	client := transporttest.NewBus().NewClient()
	m := New(client, nil, zerolog.Nop())
	require.NoError(t, m.Connect(context.Background()))
	client.Drop()

	var order []string
	m.OnReady(func(r bool) {
		if r {
			order = append(order, "ready")
		}
	})
	m.OnReconnect(func() { order = append(order, "reconnect") })

	client.Recover()
	assert.Equal(t, []string{"reconnect", "ready"}, order)
}
