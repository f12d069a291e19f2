package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	conversationsPage   int
	conversationsLimit  int
	conversationsSearch string
	conversationsJSON   bool

	historyPage  int
	historyLimit int
	historyJSON  bool

	sendJSON bool
)

func init() {
	conversationsCmd.Flags().IntVar(&conversationsPage, "page", 1, "Page number")
	conversationsCmd.Flags().IntVar(&conversationsLimit, "limit", 20, "Conversations per page")
	conversationsCmd.Flags().StringVar(&conversationsSearch, "search", "", "Filter by peer display name")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(conversationsCmd)

	historyCmd.Flags().IntVar(&historyPage, "page", 1, "Page number")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Messages per page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(historyCmd)

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(sendCmd)

	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(markReadCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	Long:  "List conversations ordered by most-recent activity, with unread badges.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.Conversations(ctx, conversationsPage, conversationsLimit, conversationsSearch)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			data, _ := json.MarshalIndent(page, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if len(page.Data) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range page.Data {
			badge := ""
			if c.UnreadCount > 0 {
				badge = fmt.Sprintf(" [%d unread]", c.UnreadCount)
			}
			last := "(no messages)"
			if c.LastMessage != nil {
				prefix := ""
				if c.LastMessage.FromSelf {
					prefix = "you: "
				}
				last = prefix + c.LastMessage.Content
			}
			fmt.Printf("%6d  %-20s %s%s\n", c.Peer.ID, c.Peer.Name, last, badge)
		}
		fmt.Printf("\nPage %d/%d (%d total)\n", page.Page, page.TotalPages, page.TotalItems)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <peer-id>",
	Short: "Show message history with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("peer-id must be an integer")
		}
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.ConversationHistory(ctx, peerID, historyPage, historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			data, _ := json.MarshalIndent(page, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		for _, m := range page.Data {
			who := m.FromUser.Name
			marker := ""
			if m.FromUser.ID == cfg.Auth.UserID {
				who = "you"
				marker = " " + readFlag(m.ReadAt != nil)
			}
			fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Format("15:04"), who, m.Content, marker)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <content>",
	Short: "Send a direct message over REST",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("peer-id must be an integer")
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, peerID, args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			data, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Sent message %d to %s.\n", msg.ID, msg.ToUser.Name)
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the total unread message count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		count, err := client.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println(count)
		return nil
	},
}

var markReadCmd = &cobra.Command{
	Use:   "mark-read <peer-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("peer-id must be an integer")
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkConversationAsRead(ctx, peerID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Marked as read.")
		return nil
	},
}
