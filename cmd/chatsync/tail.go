package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coworkhub/chatsync/internal/chat"
)

var tailCmd = &cobra.Command{
	Use:   "tail <channel>",
	Short: "Join a channel and print its events as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID := args[0]
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		defer a.close(ctx)

		if err := a.start(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		joinCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		err = a.engine.JoinAndWait(joinCtx, channelID)
		cancel()
		if err != nil {
			return fmt.Errorf("join %s: %w", channelID, err)
		}

		markRead, _ := cmd.Flags().GetBool("mark-read")
		watch := a.engine.Watch()
		defer a.engine.Unwatch(watch)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		p := &printer{out: cmd.OutOrStdout(), seen: make(map[string]bool)}
		for {
			p.print(a.engine.Events(channelID))
			if markRead && a.engine.Unread().ByChannel[channelID] > 0 {
				a.engine.MarkChannelRead(ctx, channelID)
			}
			select {
			case <-sigCh:
				return nil
			case _, ok := <-watch:
				if !ok {
					return nil
				}
			}
		}
	},
}

func init() {
	tailCmd.Flags().Bool("mark-read", false, "mark events read as they are printed")
}

// printer writes events it has not printed before, with a sender header at
// the start of each group.
type printer struct {
	out  io.Writer
	seen map[string]bool
}

func (p *printer) print(events []chat.Event) {
	for _, g := range chat.Group(events, chat.DefaultGroupGap) {
		if p.seen[g.ID] {
			continue
		}
		p.seen[g.ID] = true
		if g.StartsGroup {
			fmt.Fprintf(p.out, "\n%s  %s\n", g.Sender.Name, g.CreatedAt.Local().Format("15:04"))
		}
		fmt.Fprintf(p.out, "  %s\n", describe(g.Event))
	}
}

func describe(ev chat.Event) string {
	switch ev.Kind {
	case chat.KindImage, chat.KindFile:
		if len(ev.Attachments) > 0 {
			return fmt.Sprintf("[%s: %s] %s", ev.Kind, ev.Attachments[0].Filename, ev.Content)
		}
	case chat.KindSystem:
		return "* " + ev.Content
	}
	return ev.Content
}
