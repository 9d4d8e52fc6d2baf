package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection and closes those that have gone stale (no frame read within
// Interval + Timeout). It returns immediately; the goroutine exits when the
// server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

// checkConnections removes connections idle longer than Interval + Timeout
// and pings the rest. Clients answer the ping with a pong, which counts as
// activity.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.log.Info().Str("conn", c.ID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Debug().Err(err).Str("conn", c.ID).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
		}
	}
}
