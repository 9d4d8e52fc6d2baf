// Package ws is the local WebSocket bridge. It upgrades HTTP connections,
// pushes engine snapshots to every client on each change and dispatches the
// commands clients send back to the engine.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/coworkhub/chatsync/internal/api"
	"github.com/coworkhub/chatsync/internal/chat"
	"github.com/coworkhub/chatsync/internal/engine"
	"github.com/coworkhub/chatsync/internal/metrics"
	"github.com/coworkhub/chatsync/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine is the slice of engine.Engine the bridge drives.
type Engine interface {
	Snapshot() engine.Snapshot
	Watch() <-chan struct{}
	Unwatch(<-chan struct{})
	Ready() bool

	Join(channelID string, force bool) error
	JoinAndWait(ctx context.Context, channelID string) error
	Leave(channelID string)
	SendMessage(ctx context.Context, channelID string, req api.SendRequest) (chat.Event, error)
	NotifyTyping(channelID string)
	StopTyping(channelID string)
	MarkChannelRead(ctx context.Context, channelID string)
}

// ServerConfig holds tunable parameters for the bridge.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. "127.0.0.1:7420"
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // larger client frames close the connection
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	CommandTimeout time.Duration // upper bound for join and send commands
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig suited to a handful of local UI
// processes.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     "127.0.0.1:7420",
		MaxConnections: 64,
		MaxFrameBytes:  64 << 10,
		WriteTimeout:   10 * time.Second,
		CommandTimeout: 20 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP connections to WebSocket and runs one read goroutine
// and one snapshot-push goroutine per client.
type Server struct {
	config     ServerConfig
	engine     Engine
	conns      *ConnectionManager
	dispatcher *MessageDispatcher
	log        zerolog.Logger
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server bridging clients to e.
func NewServer(config ServerConfig, e Engine, logger zerolog.Logger) *Server {
	s := &Server{
		config:    config,
		engine:    e,
		conns:     NewConnectionManager(),
		log:       logger,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.dispatcher = NewMessageDispatcher(s, logger)
	registerEngineHandlers(s.dispatcher, e, config.CommandTimeout)
	return s
}

// Handler returns the bridge's HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start begins accepting connections and blocks until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().Str("addr", s.config.ListenAddr).Int("max_conns", s.config.MaxConnections).Msg("bridge listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), conn, time.Now())
	s.conns.Add(c)

	// Register the watch before the first snapshot so no change is missed
	// between the two.
	watch := s.engine.Watch()
	if err := s.sendSnapshot(c); err != nil {
		s.engine.Unwatch(watch)
		s.RemoveConnection(c)
		return
	}
	go s.push(c, watch)
	go s.read(c)

	s.log.Info().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("client connected")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connected   bool   `json:"connected"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connected:   s.engine.Ready(),
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// push sends a fresh snapshot after every engine change until the
// connection closes. Changes that arrive while a write is in flight coalesce
// into one follow-up snapshot.
func (s *Server) push(c *Connection, watch <-chan struct{}) {
	defer s.engine.Unwatch(watch)
	for {
		select {
		case <-c.Done():
			return
		case <-s.done:
			return
		case _, ok := <-watch:
			if !ok {
				return
			}
			if err := s.sendSnapshot(c); err != nil {
				s.log.Debug().Err(err).Str("conn", c.ID).Msg("snapshot push failed")
				s.RemoveConnection(c)
				return
			}
		}
	}
}

func (s *Server) sendSnapshot(c *Connection) error {
	data, err := protocol.NewServerMessage(protocol.TypeSnapshot, protocol.SnapshotMsg{State: s.engine.Snapshot()})
	if err != nil {
		return fmt.Errorf("ws: encode snapshot: %w", err)
	}
	return c.WriteMessage(data, s.config.WriteTimeout)
}

// read consumes frames until the client goes away. Control frames are
// handled inline; text frames go to the dispatcher.
func (s *Server) read(c *Connection) {
	defer s.RemoveConnection(c)
	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.Touch(time.Now())

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				payload, err := io.ReadAll(reader)
				if err != nil {
					return
				}
				if err := c.writePong(payload); err != nil {
					return
				}
			default:
				if _, err := io.Copy(io.Discard, reader); err != nil {
					return
				}
			}
			continue
		}

		if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
			s.log.Warn().Str("conn", c.ID).Int64("bytes", header.Length).Msg("frame too large")
			return
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		s.dispatcher.Dispatch(c, data)
	}
}

// RemoveConnection unregisters and closes a connection. Concurrent calls
// for the same connection are harmless.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	s.log.Info().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("client disconnected")
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data, s.config.WriteTimeout)
}

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and closes every client connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down bridge")
	close(s.done)

	var err error
	if s.httpServer != nil {
		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			err = fmt.Errorf("ws: http shutdown: %w", herr)
		}
	}
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	return err
}
