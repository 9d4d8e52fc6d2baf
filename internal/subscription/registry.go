// Package subscription tracks which channel topics this process is
// subscribed to and the lifecycle of each subscription.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/coworkhub/chatsync/internal/metrics"
	"github.com/coworkhub/chatsync/internal/transport"
)

// JoinTimeout bounds how long JoinAndWait waits for subscription-ready.
const JoinTimeout = 15 * time.Second

var (
	// ErrJoinTimeout is returned by JoinAndWait when the transport does not
	// confirm the subscription in time.
	ErrJoinTimeout = errors.New("subscription: join timed out")

	// ErrLeft is returned to waiters whose pending join was cancelled by Leave.
	ErrLeft = errors.New("subscription: channel left")
)

// Status is the lifecycle state of a channel subscription.
type Status int

const (
	StatusNone Status = iota
	StatusPending
	StatusActive
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	default:
		return "none"
	}
}

// Config wires a Registry. Handler receives every payload delivered on a
// channel topic; OnActive is called each time a channel subscription becomes
// ready (the history backfill trigger). Both run outside registry locks.
type Config struct {
	Transport transport.Transport
	Handler   func(channelID string, data []byte)
	OnActive  func(channelID string)
	Clock     clock.Clock
	Logger    zerolog.Logger
}

type entry struct {
	status  Status
	sub     transport.Subscription
	done    chan struct{} // closed once the entry leaves pending
	err     error
	started time.Time
}

// Registry holds at most one subscription per channel. It is goroutine-safe.
type Registry struct {
	cfg   Config
	clock clock.Clock

	mu       sync.Mutex
	entries  map[string]*entry
	presence transport.Subscription

	// presenceGen identifies the current presence subscription attempt so
	// errors from a replaced one are ignored.
	presenceGen     uint64
	presenceFailed  bool
	presenceHandler transport.Handler
	presenceOnError func(error)
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{cfg: cfg, clock: clk, entries: make(map[string]*entry)}
}

// Join subscribes to channelID. It is a no-op while the channel is active or
// a join is already in flight. With force, an active subscription is torn
// down and a fresh one created; this recovers subscriptions that silently
// stopped delivering.
func (r *Registry) Join(channelID string, force bool) error {
	_, err := r.join(channelID, force)
	return err
}

// JoinAndWait joins channelID and blocks until the subscription is ready,
// JoinTimeout elapses or ctx is done. A timed-out join stays pending and may
// still become active later.
func (r *Registry) JoinAndWait(ctx context.Context, channelID string) error {
	e, err := r.join(channelID, false)
	if err != nil {
		return err
	}

	timer := r.clock.Timer(JoinTimeout)
	defer timer.Stop()

	select {
	case <-e.done:
		if e.err != nil {
			return fmt.Errorf("subscription: join %s: %w", channelID, e.err)
		}
		return nil
	case <-timer.C:
		r.cfg.Logger.Warn().Str("channel", channelID).Dur("timeout", JoinTimeout).Msg("join timed out")
		return fmt.Errorf("subscription: join %s: %w", channelID, ErrJoinTimeout)
	case <-ctx.Done():
		return fmt.Errorf("subscription: join %s: %w", channelID, ctx.Err())
	}
}

func (r *Registry) join(channelID string, force bool) (*entry, error) {
	r.mu.Lock()
	old := r.entries[channelID]
	if old != nil {
		switch {
		case old.status == StatusPending:
			r.mu.Unlock()
			return old, nil
		case old.status == StatusActive && !force:
			r.mu.Unlock()
			return old, nil
		}
	}
	e := &entry{status: StatusPending, done: make(chan struct{}), started: r.clock.Now()}
	r.entries[channelID] = e
	r.updateGauge()
	r.mu.Unlock()

	log := r.cfg.Logger.With().Str("channel", channelID).Logger()
	if old != nil && old.sub != nil {
		if err := old.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("unsubscribe before rejoin failed")
		}
		log.Info().Msg("forced rejoin")
	}

	sub, err := r.cfg.Transport.Subscribe(transport.ChannelTopic(channelID),
		func(data []byte) {
			if r.cfg.Handler != nil {
				r.cfg.Handler(channelID, data)
			}
		},
		transport.SubscribeEvents{
			OnReady: func() { r.ready(channelID, e) },
			OnError: func(err error) { r.fail(channelID, e, err) },
		})
	if err != nil {
		r.fail(channelID, e, err)
		return e, fmt.Errorf("subscription: join %s: %w", channelID, err)
	}

	r.mu.Lock()
	if r.entries[channelID] != e {
		// Left while subscribing.
		r.mu.Unlock()
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("unsubscribe after leave failed")
		}
		return e, nil
	}
	e.sub = sub
	r.mu.Unlock()
	log.Debug().Msg("subscribe requested")
	return e, nil
}

func (r *Registry) ready(channelID string, e *entry) {
	r.mu.Lock()
	if r.entries[channelID] != e || e.status != StatusPending {
		r.mu.Unlock()
		return
	}
	resolve(e, nil)
	r.updateGauge()
	took := r.clock.Since(e.started)
	r.mu.Unlock()

	metrics.JoinLatency.Observe(took.Seconds())
	r.cfg.Logger.Info().Str("channel", channelID).Dur("took", took).Msg("subscription active")
	if r.cfg.OnActive != nil {
		r.cfg.OnActive(channelID)
	}
}

func (r *Registry) fail(channelID string, e *entry, err error) {
	r.mu.Lock()
	if r.entries[channelID] != e {
		r.mu.Unlock()
		return
	}
	if e.status == StatusActive {
		e.status = StatusFailed
		e.err = err
	} else {
		resolve(e, err)
	}
	r.updateGauge()
	r.mu.Unlock()

	r.cfg.Logger.Warn().Err(err).Str("channel", channelID).Msg("subscription failed")
}

// resolve moves a pending entry to active (err == nil) or failed and wakes
// its waiters. Callers hold r.mu.
func resolve(e *entry, err error) {
	if e.status != StatusPending {
		return
	}
	e.err = err
	if err == nil {
		e.status = StatusActive
	} else {
		e.status = StatusFailed
	}
	close(e.done)
}

// Leave unsubscribes from channelID and forgets it. Leaving a channel that
// was never joined is a no-op.
func (r *Registry) Leave(channelID string) {
	r.mu.Lock()
	e, ok := r.entries[channelID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, channelID)
	resolve(e, ErrLeft)
	r.updateGauge()
	sub := e.sub
	r.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			r.cfg.Logger.Warn().Err(err).Str("channel", channelID).Msg("unsubscribe failed")
		}
	}
	r.cfg.Logger.Debug().Str("channel", channelID).Msg("left")
}

// JoinPresence subscribes to the presence topic. With force an existing
// presence subscription is replaced, which makes the transport deliver a
// fresh member snapshot. onError is called if the subscription cannot be
// established; the presence tracker falls back to polling. A failed presence
// subscription is always replaced, even without force.
func (r *Registry) JoinPresence(handler transport.Handler, onError func(error), force bool) error {
	r.mu.Lock()
	old := r.presence
	if old != nil && !force && !r.presenceFailed {
		r.mu.Unlock()
		return nil
	}
	r.presence = nil
	r.presenceGen++
	gen := r.presenceGen
	r.presenceFailed = false
	r.presenceHandler, r.presenceOnError = handler, onError
	r.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			r.cfg.Logger.Warn().Err(err).Msg("presence unsubscribe failed")
		}
	}
	sub, err := r.cfg.Transport.Subscribe(transport.PresenceTopic, handler, transport.SubscribeEvents{
		OnReady: func() { r.cfg.Logger.Info().Msg("presence active") },
		OnError: func(err error) { r.presenceFail(gen, err) },
	})
	if err != nil {
		r.presenceFail(gen, err)
		return fmt.Errorf("subscription: join presence: %w", err)
	}

	r.mu.Lock()
	if r.presenceGen != gen {
		// Replaced or left while subscribing.
		r.mu.Unlock()
		if err := sub.Unsubscribe(); err != nil {
			r.cfg.Logger.Warn().Err(err).Msg("presence unsubscribe failed")
		}
		return nil
	}
	r.presence = sub
	r.mu.Unlock()
	return nil
}

func (r *Registry) presenceFail(gen uint64, err error) {
	r.mu.Lock()
	if r.presenceGen != gen {
		r.mu.Unlock()
		return
	}
	r.presenceFailed = true
	onError := r.presenceOnError
	r.mu.Unlock()

	r.cfg.Logger.Warn().Err(err).Msg("presence subscription failed")
	if onError != nil {
		onError(err)
	}
}

// LeavePresence drops the presence subscription, if any.
func (r *Registry) LeavePresence() {
	r.mu.Lock()
	sub := r.presence
	r.presence = nil
	r.presenceGen++
	r.presenceFailed = false
	r.presenceHandler, r.presenceOnError = nil, nil
	r.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		r.cfg.Logger.Warn().Err(err).Msg("presence unsubscribe failed")
	}
}

// RetryFailed resubscribes every failed channel, and the presence topic if
// its subscription failed. Pending and active subscriptions are untouched.
func (r *Registry) RetryFailed() {
	r.mu.Lock()
	var ids []string
	for id, e := range r.entries {
		if e.status == StatusFailed {
			ids = append(ids, id)
		}
	}
	retryPresence := r.presenceFailed
	handler, onError := r.presenceHandler, r.presenceOnError
	r.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		r.cfg.Logger.Info().Str("channel", id).Msg("retrying failed subscription")
		if err := r.Join(id, false); err != nil {
			r.cfg.Logger.Warn().Err(err).Str("channel", id).Msg("retry failed")
		}
	}
	if retryPresence {
		r.cfg.Logger.Info().Msg("retrying presence subscription")
		if err := r.JoinPresence(handler, onError, true); err != nil {
			r.cfg.Logger.Warn().Err(err).Msg("presence retry failed")
		}
	}
}

// PresenceFailed reports whether the last presence subscription attempt
// failed.
func (r *Registry) PresenceFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenceFailed
}

// LeaveAll leaves every channel and the presence topic.
func (r *Registry) LeaveAll() {
	r.LeavePresence()

	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Leave(id)
	}
}

// Status returns the subscription status of channelID.
func (r *Registry) Status(channelID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[channelID]; ok {
		return e.status
	}
	return StatusNone
}

// Active returns the IDs of active channels, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.status == StatusActive {
			out = append(out, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Channels returns every channel with an entry, sorted.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

func (r *Registry) updateGauge() {
	n := 0
	for _, e := range r.entries {
		if e.status == StatusActive {
			n++
		}
	}
	metrics.ActiveSubscriptions.Set(float64(n))
}
