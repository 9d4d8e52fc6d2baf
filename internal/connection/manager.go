// Package connection owns the transport session lifecycle: it starts and
// stops the transport, mirrors its state, announces the participant's
// presence status and tells the rest of the engine when the session is
// ready, lost and recovered.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coworkhub/chatsync/internal/metrics"
	"github.com/coworkhub/chatsync/internal/transport"
)

const presenceTimeout = 10 * time.Second

// PresenceSetter records the participant's online status upstream.
type PresenceSetter interface {
	SetPresence(ctx context.Context, status string) error
}

// Manager drives a single transport. It is goroutine-safe.
type Manager struct {
	tr       transport.Transport
	presence PresenceSetter
	log      zerolog.Logger

	mu           sync.Mutex
	started      bool
	everUp       bool // reached Connected at least once since Connect
	dropped      bool // lost the connection after everUp
	readyFns     []func(bool)
	reconnectFns []func()
	teardownFns  []func()
}

// New creates a Manager for tr. presence may be nil.
func New(tr transport.Transport, presence PresenceSetter, logger zerolog.Logger) *Manager {
	m := &Manager{tr: tr, presence: presence, log: logger}
	tr.OnStateChange(m.onState)
	return m
}

// OnReady registers fn to be called with the new readiness on every state
// transition. On a reconnect it runs after the OnReconnect hooks.
func (m *Manager) OnReady(fn func(ready bool)) {
	m.mu.Lock()
	m.readyFns = append(m.readyFns, fn)
	m.mu.Unlock()
}

// OnReconnect registers fn to be called when the transport comes back after a
// drop. Events published during the gap were not delivered.
func (m *Manager) OnReconnect(fn func()) {
	m.mu.Lock()
	m.reconnectFns = append(m.reconnectFns, fn)
	m.mu.Unlock()
}

// OnDisconnect registers fn to run during Disconnect, before the transport
// is closed.
func (m *Manager) OnDisconnect(fn func()) {
	m.mu.Lock()
	m.teardownFns = append(m.teardownFns, fn)
	m.mu.Unlock()
}

// Connect starts the transport session. It is a no-op while connecting or
// connected. The online status is announced in the background.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.everUp, m.dropped = false, false
	m.mu.Unlock()

	if err := m.tr.Connect(ctx); err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		m.log.Warn().Err(err).Msg("connect failed")
		return err
	}
	m.log.Info().Str("state", m.tr.State().String()).Msg("connect started")

	go m.setPresence("online")
	return nil
}

// Disconnect tears down every subscription, announces offline status and
// closes the transport. The durable cache is left intact.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	teardown := append([]func(){}, m.teardownFns...)
	m.mu.Unlock()

	for _, fn := range teardown {
		fn()
	}
	if m.presence != nil {
		if err := m.presence.SetPresence(ctx, "offline"); err != nil {
			m.log.Warn().Err(err).Msg("set presence offline failed")
		}
	}
	m.tr.Close()
	m.log.Info().Msg("disconnected")
}

// Ready reports whether a session is established.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	return started && m.tr.State() == transport.Connected
}

// State returns the transport state.
func (m *Manager) State() transport.State {
	return m.tr.State()
}

func (m *Manager) onState(s transport.State) {
	metrics.ConnectionState.Set(float64(s))

	m.mu.Lock()
	reconnected := false
	switch s {
	case transport.Connected:
		reconnected = m.started && m.everUp && m.dropped
		m.everUp = m.everUp || m.started
		m.dropped = false
	case transport.Disconnected:
		if m.started && m.everUp {
			m.dropped = true
		}
	}
	ready := append([]func(bool){}, m.readyFns...)
	var recon []func()
	if reconnected {
		recon = append(recon, m.reconnectFns...)
	}
	m.mu.Unlock()

	m.log.Debug().Str("state", s.String()).Msg("state change")
	if reconnected {
		m.log.Info().Msg("reconnected, resyncing")
		for _, fn := range recon {
			fn()
		}
	}
	for _, fn := range ready {
		fn(s == transport.Connected)
	}
}

func (m *Manager) setPresence(status string) {
	if m.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := m.presence.SetPresence(ctx, status); err != nil {
		m.log.Warn().Err(err).Str("status", status).Msg("set presence failed")
	}
}
