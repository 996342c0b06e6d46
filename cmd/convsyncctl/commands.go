package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/convsync"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/spf13/cobra"
)

const requestTimeout = 15 * time.Second

func init() {
	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd, unreadCmd, watchCmd, lockCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with their unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *convsync.Client) error {
			ctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			// On failure the cached list is still printed.
			if _, err := c.LoadConversations(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			if err := c.RefreshUnread(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			convs := c.Conversations()
			if jsonOut {
				return outputJSON(convs)
			}
			if len(convs) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}
			for _, conv := range convs {
				name := conv.DisplayName
				if name == "" {
					name = conv.Key
				}
				fmt.Printf("%-24s %-20s unread=%d\n", conv.Key, name, conv.UnreadCount)
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <peer>",
	Short: "Open a conversation and print its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *convsync.Client) error {
			ctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			msgs, err := c.Open(ctx, args[0])
			if err != nil {
				if !errors.Is(err, convsync.ErrTransportFailure) {
					return err
				}
				fmt.Fprintf(os.Stderr, "warning: showing cached messages: %v\n", err)
			}
			if jsonOut {
				return outputJSON(msgs)
			}
			for _, m := range msgs {
				fmt.Printf("%s  %-12s %-10s %s\n", m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.State, m.Content)
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <text>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *convsync.Client) error {
			ctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			msg, err := c.Send(ctx, args[0], strings.Join(args[1:], " "), nil)
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(msg)
			}
			fmt.Printf("Sent: %s (%s)\n", msg.ID, msg.State)
			return nil
		})
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *convsync.Client) error {
			ctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			if err := c.RefreshUnread(ctx); err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(map[string]int{"total": c.UnreadTotal()})
			}
			for _, conv := range c.Conversations() {
				if conv.UnreadCount > 0 {
					fmt.Printf("%-24s %d\n", conv.Key, conv.UnreadCount)
				}
			}
			fmt.Printf("Total: %d\n", c.UnreadTotal())
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print bus events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *convsync.Client) error {
			events, release := c.Watch(convsync.EventAll, 64)
			defer release()
			for {
				select {
				case evt := <-events:
					fmt.Printf("%s  %-16s %+v\n", evt.Timestamp.Local().Format(time.TimeOnly), evt.Kind, evt.Payload)
				case <-ctx.Done():
					return nil
				}
			}
		})
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Show which process holds the participant's cache",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		path := configPath
		if path == "" {
			path = session.ConfigPath()
		}
		cfg, err := config.Resolve(path)
		if err != nil {
			return err
		}
		id := participant
		if id == "" {
			id, err = session.NewResolver(sessionToken, "").Participant()
			if err != nil {
				return err
			}
		}
		if pid, ok := lock.Holder(session.Dir(cfg.Cache.Dir, id)); ok {
			fmt.Printf("Cache held by PID %d\n", pid)
			return nil
		}
		fmt.Println("Cache is not locked.")
		return nil
	},
}
