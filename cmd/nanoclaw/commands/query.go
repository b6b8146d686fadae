package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/config"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/store"
)

// newQueryCmd creates the `nanoclaw query` command for inspecting stored
// chat history from the terminal.
func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Inspect stored chats and messages",
		Long: `Query the local message database.

Examples:
  nanoclaw query --contacts
  nanoclaw query --chat "120363000000000000@g.us" --limit 20
  nanoclaw query --search "deploy"`,
		RunE: runQuery,
	}
	cmd.Flags().Bool("contacts", false, "list known chats")
	cmd.Flags().String("chat", "", "show recent messages for a chat JID")
	cmd.Flags().String("search", "", "search message content")
	cmd.Flags().Int("limit", 20, "maximum rows to return")
	return cmd
}

func runQuery(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return err
	}

	db, err := store.New(cfg.StorePath(), logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	chat, _ := cmd.Flags().GetString("chat")
	search, _ := cmd.Flags().GetString("search")
	contacts, _ := cmd.Flags().GetBool("contacts")

	switch {
	case contacts:
		entries, err := db.ListContacts("")
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := e.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%-50s %s\n", e.JID, name)
		}
		return nil

	case search != "":
		msgs, err := db.SearchMessages(chat, search, limit)
		if err != nil {
			return err
		}
		printMessages(msgs)
		return nil

	case chat != "":
		msgs, err := db.RecentMessages(chat, limit)
		if err != nil {
			return err
		}
		// RecentMessages returns newest first; print chronologically.
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		printMessages(msgs)
		return nil

	default:
		return fmt.Errorf("specify --contacts, --chat, or --search")
	}
}

func printMessages(msgs []*channels.InboundMessage) {
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = strings.SplitN(m.Sender, "@", 2)[0]
		}
		fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), sender, m.Content)
	}
}
