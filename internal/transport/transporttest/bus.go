// Package transporttest provides an in-memory pub/sub bus whose clients
// implement transport.Transport. It can duplicate deliveries, hold
// subscription-ready signals, fail subscriptions and drop connections so
// tests can exercise at-least-once and gap behaviour.
package transporttest

import (
	"context"
	"sync"

	"github.com/coworkhub/chatsync/internal/transport"
)

// Bus is the shared server side. Publishes reach every connected client
// subscribed to the topic.
type Bus struct {
	mu        sync.Mutex
	clients   map[*Client]struct{}
	duplicate bool
	holdReady bool
	pending   []func()
	failures  map[string]error
	snapshots map[string]func() []byte
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		clients:   make(map[*Client]struct{}),
		failures:  make(map[string]error),
		snapshots: make(map[string]func() []byte),
	}
}

// NewClient creates a disconnected client attached to the bus.
func (b *Bus) NewClient() *Client {
	c := &Client{bus: b, subs: make(map[*subscription]struct{}), calls: make(map[string]int)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// DuplicateDeliveries makes every publish arrive twice.
func (b *Bus) DuplicateDeliveries(on bool) {
	b.mu.Lock()
	b.duplicate = on
	b.mu.Unlock()
}

// HoldReady queues subscription-ready signals until ReleaseReady.
func (b *Bus) HoldReady(on bool) {
	b.mu.Lock()
	b.holdReady = on
	b.mu.Unlock()
}

// ReleaseReady fires every queued ready signal.
func (b *Bus) ReleaseReady() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.holdReady = false
	b.mu.Unlock()
	for _, fn := range pending {
		go fn()
	}
}

// FailSubscribe makes subscriptions to topic report err through OnError.
func (b *Bus) FailSubscribe(topic string, err error) {
	b.mu.Lock()
	if err == nil {
		delete(b.failures, topic)
	} else {
		b.failures[topic] = err
	}
	b.mu.Unlock()
}

// SetSnapshot registers a payload delivered to each new subscriber of topic
// right after its ready signal, like a presence member snapshot.
func (b *Bus) SetSnapshot(topic string, fn func() []byte) {
	b.mu.Lock()
	b.snapshots[topic] = fn
	b.mu.Unlock()
}

// Publish delivers data to every connected subscriber of topic. Handlers run
// on the calling goroutine.
func (b *Bus) Publish(topic string, data []byte) {
	b.mu.Lock()
	var targets []*subscription
	for c := range b.clients {
		targets = append(targets, c.subscribers(topic)...)
	}
	times := 1
	if b.duplicate {
		times = 2
	}
	b.mu.Unlock()

	for i := 0; i < times; i++ {
		for _, s := range targets {
			if s.client.State() == transport.Connected {
				s.handler(data)
			}
		}
	}
}

// Subscribers returns how many live subscriptions exist for topic across all
// clients.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.clients {
		n += len(c.subscribers(topic))
	}
	return n
}

func (b *Bus) ready(s *subscription) {
	b.mu.Lock()
	err := b.failures[s.topic]
	snap := b.snapshots[s.topic]
	fire := func() {
		if err != nil {
			if s.events.OnError != nil {
				s.events.OnError(err)
			}
			return
		}
		if s.events.OnReady != nil {
			s.events.OnReady()
		}
		if snap != nil {
			s.handler(snap())
		}
	}
	if b.holdReady {
		b.pending = append(b.pending, fire)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	go fire()
}

// Client is one process's session on the bus.
type Client struct {
	bus *Bus

	mu        sync.Mutex
	state     transport.State
	listeners []func(transport.State)
	subs      map[*subscription]struct{}
	calls     map[string]int
}

var _ transport.Transport = (*Client)(nil)

func (c *Client) Connect(_ context.Context) error {
	c.setState(transport.Connecting)
	c.setState(transport.Connected)
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()
	c.setState(transport.Disconnected)
}

// Drop simulates a lost connection; deliveries stop until Recover.
func (c *Client) Drop() {
	c.setState(transport.Disconnected)
}

// Recover simulates the transport's own reconnect.
func (c *Client) Recover() {
	c.setState(transport.Connecting)
	c.setState(transport.Connected)
}

func (c *Client) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) OnStateChange(fn func(transport.State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Client) Subscribe(topic string, handler transport.Handler, events transport.SubscribeEvents) (transport.Subscription, error) {
	s := &subscription{client: c, topic: topic, handler: handler, events: events}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.calls[topic]++
	c.mu.Unlock()
	c.bus.ready(s)
	return s, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	c.bus.Publish(topic, data)
	return nil
}

// SubscribeCalls returns how many times Subscribe was called for topic.
func (c *Client) SubscribeCalls(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[topic]
}

// Subscriptions returns the number of live subscriptions this client holds
// on topic.
func (c *Client) Subscriptions(topic string) int {
	return len(c.subscribers(topic))
}

func (c *Client) subscribers(topic string) []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*subscription
	for s := range c.subs {
		if s.topic == topic {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) setState(s transport.State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := append([]func(transport.State){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

type subscription struct {
	client  *Client
	topic   string
	handler transport.Handler
	events  transport.SubscribeEvents
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error {
	s.client.mu.Lock()
	delete(s.client.subs, s)
	s.client.mu.Unlock()
	return nil
}
