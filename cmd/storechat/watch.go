package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	storechat "github.com/lenguyet-ha/storechat-go"
	"github.com/spf13/cobra"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Log connection events to stderr")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <peer-id>",
	Short: "Open a conversation and follow it live",
	Long: "Open a conversation over the real-time connection and follow it live.\n" +
		"Lines typed on stdin are sent as messages; typing and read receipts are shown as they arrive.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("peer-id must be an integer")
		}

		client, cfg := getClient()
		me := self(cfg)
		conn := getConn(cfg, watchVerbose)

		sess := storechat.NewSession(me, client, conn,
			storechat.WithNotifier(func(msg string) {
				fmt.Fprintf(os.Stderr, "! %s\n", msg)
			}),
			storechat.WithPeerTypingIndicator(func(_ int64, typing bool) {
				if typing {
					fmt.Println("... peer is typing")
				}
			}),
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// The registry is multi-subscriber, so rendering piggybacks on the
		// same events the session consumes.
		conn.OnNewMessage(func(m storechat.Message) {
			who := m.FromUser.Name
			if m.FromUser.ID == me.ID {
				who = "you"
			}
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), who, m.Content)
		})
		conn.OnMessagesRead(func(p storechat.MessagesReadPayload) {
			if p.ByUserID == peerID {
				fmt.Println("✓✓ read")
			}
		})
		conn.OnConnectError(func(reason string) {
			fmt.Fprintf(os.Stderr, "! connection lost: %s\n", reason)
		})

		if err := conn.Connect(ctx, cfg.Auth.Token); err != nil {
			fmt.Fprintf(os.Stderr, "! real-time connection unavailable, sends fall back to REST: %v\n", err)
		}

		tl := sess.OpenConversation(ctx, peerID)
		for _, m := range tl.Messages() {
			who := m.FromUser.Name
			marker := ""
			if m.FromUser.ID == me.ID {
				who = "you"
				marker = " " + readFlag(m.ReadAt != nil)
			}
			fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Format("15:04"), who, m.Content, marker)
		}
		fmt.Println("--- live (type to send, Ctrl-C to quit) ---")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
			_ = sess.Close(context.Background())
			os.Exit(0)
		}()

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if _, err := sess.Send(ctx, line); err != nil {
				var sendErr *storechat.SendError
				if errors.As(err, &sendErr) {
					fmt.Fprintf(os.Stderr, "! not sent, draft restored: %q\n", sendErr.Draft)
				} else {
					fmt.Fprintf(os.Stderr, "! %v\n", err)
				}
			}
		}

		return sess.Close(context.Background())
	},
}
