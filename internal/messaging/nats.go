// Package messaging implements transport.Transport on NATS. It handles the
// connection lifecycle, per-topic subscriptions with a server round-trip as
// the ready signal, and the presence member snapshot request.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/coworkhub/chatsync/internal/transport"
)

// SnapshotSuffix is appended to the presence topic to form the request
// subject answered with the current member list.
const SnapshotSuffix = ".snapshot"

// ErrNotConnected is returned by Publish and Subscribe before Connect.
var ErrNotConnected = errors.New("nats: not connected")

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL             string        // nats://localhost:4222
	Name            string        // client name for identification
	Token           string        // optional auth token
	ReconnectWait   time.Duration // time between reconnect attempts
	MaxReconnects   int           // max reconnect attempts (-1 for infinite)
	ReadyTimeout    time.Duration // bound on the subscribe round-trip
	SnapshotTimeout time.Duration // bound on the presence snapshot request
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             "nats://localhost:4222",
		Name:            "chatsync",
		ReconnectWait:   2 * time.Second,
		MaxReconnects:   -1, // infinite reconnects
		ReadyTimeout:    5 * time.Second,
		SnapshotTimeout: 3 * time.Second,
	}
}

// NATSClient wraps a NATS connection as a transport.Transport.
type NATSClient struct {
	cfg NATSConfig
	log zerolog.Logger

	mu        sync.Mutex
	conn      *nats.Conn
	state     transport.State
	listeners []func(transport.State)
	subs      map[*subscription]struct{}
}

var _ transport.Transport = (*NATSClient)(nil)

// NewNATSClient creates an unconnected client.
func NewNATSClient(cfg NATSConfig, logger zerolog.Logger) *NATSClient {
	return &NATSClient{
		cfg:  cfg,
		log:  logger,
		subs: make(map[*subscription]struct{}),
	}
}

// Connect dials NATS. An unreachable server is not an error: the client
// keeps retrying in the background and reports Connected once it succeeds.
func (c *NATSClient) Connect(_ context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(transport.Connecting)

	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")
			c.setState(transport.Connected)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn().Err(err).Msg("disconnected")
			} else {
				c.log.Info().Msg("disconnected")
			}
			c.setState(transport.Disconnected)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
			c.setState(transport.Connected)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.log.Info().Msg("connection closed")
			c.setState(transport.Disconnected)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := c.log.Warn().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("async error")
		}),
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}

	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		c.setState(transport.Disconnected)
		return fmt.Errorf("nats connect: %w", err)
	}

	c.mu.Lock()
	c.conn = nc
	c.mu.Unlock()
	if nc.IsConnected() {
		c.setState(transport.Connected)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	nc := c.conn
	c.conn = nil
	subs := c.subs
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	if nc == nil {
		return
	}
	for s := range subs {
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.log.Debug().Err(err).Str("subject", s.topic).Msg("unsubscribe on close")
		}
	}
	if err := nc.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain")
		nc.Close()
	}
	c.setState(transport.Disconnected)
	c.log.Info().Msg("client closed")
}

func (c *NATSClient) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *NATSClient) OnStateChange(fn func(transport.State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(topic string, data []byte) error {
	nc := c.connection()
	if nc == nil {
		return ErrNotConnected
	}
	if err := nc.Publish(topic, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic. Readiness is confirmed
// asynchronously by a server round-trip; for the presence topic the member
// snapshot is then requested and delivered to handler.
func (c *NATSClient) Subscribe(topic string, handler transport.Handler, events transport.SubscribeEvents) (transport.Subscription, error) {
	nc := c.connection()
	if nc == nil {
		return nil, ErrNotConnected
	}
	sub, err := nc.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}

	s := &subscription{client: c, topic: topic, sub: sub}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go c.confirm(nc, s, handler, events)
	return s, nil
}

func (c *NATSClient) confirm(nc *nats.Conn, s *subscription, handler transport.Handler, events transport.SubscribeEvents) {
	fail := func(err error) {
		c.log.Warn().Err(err).Str("subject", s.topic).Msg("subscription not ready")
		if events.OnError != nil {
			events.OnError(err)
		}
	}

	if err := nc.FlushTimeout(c.cfg.ReadyTimeout); err != nil {
		fail(fmt.Errorf("nats flush %s: %w", s.topic, err))
		return
	}

	if s.topic != transport.PresenceTopic {
		if events.OnReady != nil {
			events.OnReady()
		}
		return
	}

	reply, err := nc.Request(s.topic+SnapshotSuffix, nil, c.cfg.SnapshotTimeout)
	if err != nil {
		fail(fmt.Errorf("nats presence snapshot: %w", err))
		return
	}
	if events.OnReady != nil {
		events.OnReady()
	}
	handler(reply.Data)
}

func (c *NATSClient) connection() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *NATSClient) setState(s transport.State) {
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
	client *NATSClient
	topic  string
	sub    *nats.Subscription
}

func (s *subscription) Topic() string { return s.topic }

// Unsubscribe removes the subscription. Unsubscribing twice is not an error.
func (s *subscription) Unsubscribe() error {
	s.client.mu.Lock()
	_, ok := s.client.subs[s]
	delete(s.client.subs, s)
	s.client.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats unsubscribe %s: %w", s.topic, err)
	}
	return nil
}
