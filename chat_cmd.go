package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatsync/chat"
	"chatsync/config"
	"chatsync/discovery"
	"chatsync/models"
	"chatsync/network"
)

var (
	chatWith     string
	chatName     string
	relayURLFlag string
	discoverFlag bool
)

func init() {
	chatCmd.Flags().StringVar(&chatWith, "with", "", "Comma-separated partners as id or id:name")
	chatCmd.Flags().StringVar(&chatName, "name", "", "Conversation name when creating one")
	_ = chatCmd.MarkFlagRequired("with")
	rootCmd.PersistentFlags().StringVar(&relayURLFlag, "relay", "", "Relay websocket URL (defaults to relay_url)")
	rootCmd.PersistentFlags().BoolVar(&discoverFlag, "discover", false, "Find a relay on the LAN instead of using --relay")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(conversationsCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [conversation-id]",
	Short: "Open an interactive conversation",
	Long: `Open an interactive conversation. Without a conversation id, a new
conversation is created on the first message.

Lines are sent as messages. Commands:
  /more   load older messages
  /read   mark the conversation read
  /quit   leave`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, closeSession, err := openSession(ctx, chat.Handlers{
			OnMessageStatusChanged: func(message models.Message) {
				if message.Status == models.MessageStatusFailed {
					fmt.Printf("! message %q was not delivered\n", message.Text)
				}
			},
		})
		if err != nil {
			return err
		}
		defer closeSession()

		partners := parsePartners(chatWith)
		memberIDs := make([]string, 0, len(partners))
		for _, partner := range partners {
			memberIDs = append(memberIDs, partner.ID)
		}
		if len(memberIDs) == 0 {
			return errors.New("--with needs at least one partner id")
		}

		conversationID := ""
		if len(args) == 1 {
			conversationID = args[0]
		}
		if err := client.SetConversationInfo(conversationID, memberIDs, partners, nil); err != nil {
			return err
		}
		if chatName != "" && conversationID == "" {
			// Name the new conversation up front instead of inheriting the first partner's.
			if _, err := client.CreateConversation(ctx, memberIDs, chatName, ""); err != nil {
				return err
			}
		}

		var cancels []chat.CancelFunc
		defer func() {
			for _, cancel := range cancels {
				cancel()
			}
		}()
		subscribe := func() {
			if len(cancels) > 0 || client.ConversationID() == "" {
				return
			}
			if cancel, err := client.SubscribeToNewMessages(ctx, printMessage); err == nil {
				cancels = append(cancels, cancel)
			} else {
				log.Printf("subscribe messages: %v", err)
			}
			partnerWasTyping := false
			onMetadata := func(models.Conversation) {
				typing := client.PartnerTyping()
				if typing && !partnerWasTyping {
					fmt.Println("-- partner is typing --")
				}
				partnerWasTyping = typing
			}
			if cancel, err := client.SubscribeToConversationMetadata(ctx, onMetadata); err == nil {
				cancels = append(cancels, cancel)
			} else {
				log.Printf("subscribe metadata: %v", err)
			}
		}

		if client.ConversationID() != "" {
			page, err := client.GetMessageHistory(ctx, 0)
			if err != nil && !errors.Is(err, chat.ErrNoActiveSession) {
				return err
			}
			printPage(page)
			subscribe()
			if err := client.MarkRead(ctx); err != nil {
				log.Printf("mark read: %v", err)
			}
		}

		fmt.Printf("Conversation:    %s\n", displayID(client.ConversationID()))
		fmt.Println("Type a message and press Enter. /quit to leave.")

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				done, err := handleLine(ctx, client, strings.TrimSpace(line))
				if err != nil {
					fmt.Printf("! %v\n", err)
				}
				if done {
					return nil
				}
				subscribe()
			}
		}
	},
}

var conversationsLimit int

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), network.DefaultRequestTimeout)
		defer cancel()

		client, closeSession, err := openSession(ctx, chat.Handlers{})
		if err != nil {
			return err
		}
		defer closeSession()

		conversations, err := client.ListConversations(ctx, conversationsLimit)
		if err != nil {
			return err
		}
		if len(conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, conv := range conversations {
			latest := ""
			if conv.LatestMessage != nil {
				latest = conv.LatestMessage.Text
			}
			updated := time.UnixMilli(conv.UpdatedAt).Format(time.DateTime)
			fmt.Printf("%s  %-20s  %s  %s\n", conv.ID, conv.Name, updated, latest)
		}
		return nil
	},
}

func init() {
	conversationsCmd.Flags().IntVarP(&conversationsLimit, "limit", "n", 0, "Maximum number of conversations")
}

func handleLine(ctx context.Context, client *chat.Client, line string) (bool, error) {
	switch line {
	case "":
		return false, nil
	case "/quit":
		return true, nil
	case "/read":
		return false, client.MarkRead(ctx)
	case "/more":
		page, err := client.LoadMoreMessages(ctx, 0)
		if err != nil {
			return false, err
		}
		if len(page.Messages) == 0 {
			fmt.Println("-- no earlier messages --")
			return false, nil
		}
		printPage(page)
		return false, nil
	}

	if err := client.TextChanged(ctx); err != nil {
		log.Printf("typing: %v", err)
	}
	_, err := client.SendMessage(ctx, line)
	return false, err
}

// openSession connects to a relay and builds a chat client for the local user.
func openSession(ctx context.Context, handlers chat.Handlers) (*chat.Client, func(), error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	settings, err := config.LoadSettings(config.SettingsPath(filepath.Dir(cfgPath)))
	if err != nil {
		return nil, nil, fmt.Errorf("load settings: %w", err)
	}

	url, err := resolveRelayURL(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	remote, err := network.Dial(ctx, url, network.ClientOptions{})
	if err != nil {
		return nil, nil, err
	}

	client, err := chat.NewClient(chat.Options{
		Store:    remote,
		Self:     models.User{ID: cfg.UserID, Name: cfg.DisplayName, Avatar: cfg.Avatar},
		Settings: settings,
		Handlers: handlers,
	})
	if err != nil {
		remote.Close()
		return nil, nil, err
	}

	closeSession := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), network.DefaultWriteTimeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			log.Printf("chat close: %v", err)
		}
		remote.Close()
	}
	return client, closeSession, nil
}

func resolveRelayURL(ctx context.Context, cfg *config.ClientConfig) (string, error) {
	if relayURLFlag != "" {
		return relayURLFlag, nil
	}
	if !discoverFlag {
		return cfg.RelayURL, nil
	}

	relay, err := discovery.FindRelay(ctx, discovery.Config{})
	if err != nil {
		return "", fmt.Errorf("discover relay: %w", err)
	}
	fmt.Printf("Relay:           %s (%s)\n", relay.Name, relay.URL())
	return relay.URL(), nil
}

func parsePartners(raw string) []models.User {
	var partners []models.User
	for _, part := range strings.Split(raw, ",") {
		id, name, _ := strings.Cut(strings.TrimSpace(part), ":")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		partners = append(partners, models.User{ID: id, Name: strings.TrimSpace(name)})
	}
	return partners
}

func printPage(page chat.Page) {
	if page.HasMore {
		fmt.Println("-- /more for earlier messages --")
	}
	for _, message := range page.Messages {
		printMessage(message)
	}
}

func printMessage(message models.Message) {
	sender := message.User.Name
	if sender == "" {
		sender = message.SenderID
	}
	stamp := time.UnixMilli(message.CreatedAt).Format(time.TimeOnly)
	fmt.Printf("[%s] %s: %s\n", stamp, sender, message.Text)
}

func displayID(id string) string {
	if id == "" {
		return "(created on first message)"
	}
	return id
}
