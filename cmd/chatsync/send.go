package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coworkhub/chatsync/internal/api"
)

var sendCmd = &cobra.Command{
	Use:   "send <channel> <text>...",
	Short: "Send a text message to a channel",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		defer a.close(context.Background())

		if err := a.start(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		replyTo, _ := cmd.Flags().GetString("reply-to")
		ev, err := a.engine.SendMessage(ctx, args[0], api.SendRequest{
			Content: strings.Join(args[1:], " "),
			ReplyTo: replyTo,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ sent %s\n", ev.ID)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("reply-to", "", "event ID this message replies to")
}
