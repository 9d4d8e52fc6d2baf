package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coworkhub/chatsync/internal/logging"
	"github.com/coworkhub/chatsync/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and the local UI bridge",
	Long: `Run the sync engine and expose it on the local WebSocket bridge.

UI processes connect to /ws to receive state snapshots and send commands.
/health and /metrics are served on the same address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}

		bridgeCfg := ws.DefaultServerConfig()
		bridgeCfg.ListenAddr = a.cfg.BridgeAddr
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			bridgeCfg.ListenAddr = addr
		}

		ctx := context.Background()
		if err := a.start(ctx); err != nil {
			a.close(ctx)
			return fmt.Errorf("connect: %w", err)
		}

		server := ws.NewServer(bridgeCfg, a.engine, logging.WithComponent("bridge"))
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigCh:
			a.log.Info().Str("signal", sig.String()).Msg("shutting down")
		case runErr = <-errCh:
			a.log.Error().Err(runErr).Msg("bridge failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("bridge shutdown")
		}
		a.close(shutdownCtx)
		a.log.Info().Msg("shutdown complete")
		return runErr
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "bridge listen address (overrides bridge.addr)")
}
