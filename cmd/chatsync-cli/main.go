package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codestun/chatsync/internal/auth"
	"github.com/codestun/chatsync/internal/cache"
	"github.com/codestun/chatsync/internal/conversation"
	"github.com/codestun/chatsync/internal/models"
	"github.com/codestun/chatsync/internal/netmon"
	"github.com/codestun/chatsync/internal/remote"
	"github.com/codestun/chatsync/internal/storage"
	"github.com/codestun/chatsync/internal/uploader"
)

// Set via -ldflags at build time.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "token":
		if hasFlag("--help", os.Args[2:]) {
			fmt.Println("Usage: chatsync-cli token <user-id> <user-name>")
			fmt.Println()
			fmt.Println("Mint a gateway access token for the given user.")
			fmt.Println()
			fmt.Println("Environment:")
			fmt.Println("  JWT_SECRET  Token signing secret (required)")
			return
		}
		os.Exit(runToken())
	case "health":
		if hasFlag("--help", os.Args[2:]) {
			fmt.Println("Usage: chatsync-cli health")
			fmt.Println()
			fmt.Println("Check if the chatsync gateway is running.")
			fmt.Println()
			fmt.Println("Environment:")
			fmt.Println("  GATEWAY_URL  Gateway base URL (default: http://localhost:8080)")
			return
		}
		os.Exit(runHealth())
	case "send":
		if hasFlag("--help", os.Args[2:]) {
			fmt.Println("Usage: chatsync-cli send <conversation-id> [text] [--image path] [--audio path]")
			fmt.Println()
			fmt.Println("Send a message into a conversation. Image and audio files are")
			fmt.Println("uploaded to object storage before the message is delivered.")
			fmt.Println()
			fmt.Println("Environment:")
			fmt.Println("  GATEWAY_URL       Gateway base URL (default: http://localhost:8080)")
			fmt.Println("  JWT_SECRET        Token signing secret (required unless TOKEN is set)")
			fmt.Println("  TOKEN             Pre-minted gateway token")
			fmt.Println("  USER_ID, USER_NAME  Sender identity (default: cli)")
			fmt.Println("  MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY, MINIO_BUCKET")
			fmt.Println("                    Object storage for attachments")
			return
		}
		os.Exit(runSend())
	case "tail":
		if hasFlag("--help", os.Args[2:]) {
			fmt.Println("Usage: chatsync-cli tail <conversation-id>")
			fmt.Println()
			fmt.Println("Follow a conversation and print each snapshot as it arrives.")
			fmt.Println("While the gateway is unreachable the cached snapshot is shown.")
			fmt.Println()
			fmt.Println("Environment:")
			fmt.Println("  GATEWAY_URL       Gateway base URL (default: http://localhost:8080)")
			fmt.Println("  JWT_SECRET        Token signing secret (required unless TOKEN is set)")
			fmt.Println("  TOKEN             Pre-minted gateway token")
			fmt.Println("  USER_ID, USER_NAME  Subscriber identity (default: cli)")
			fmt.Println("  REDIS_URL         Snapshot cache (optional)")
			return
		}
		os.Exit(runTail())
	case "version":
		fmt.Printf("chatsync-cli %s\n", version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: chatsync-cli <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  token    Mint a gateway access token")
	fmt.Println("  health   Check if the gateway is running")
	fmt.Println("  send     Send a message into a conversation")
	fmt.Println("  tail     Follow a conversation's snapshots")
	fmt.Println("  version  Print version info")
	fmt.Println()
	fmt.Println("Run 'chatsync-cli <command> --help' for details on a command.")
}

func hasFlag(flag string, args []string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func flagValue(flag string, args []string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "error: %s environment variable is required\n", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// resolveToken returns TOKEN when set, otherwise mints one from
// JWT_SECRET for the USER_ID/USER_NAME identity.
func resolveToken() (string, string, string, error) {
	userID := envOr("USER_ID", "cli")
	userName := envOr("USER_NAME", "cli")
	if t := os.Getenv("TOKEN"); t != "" {
		return t, userID, userName, nil
	}
	secret := requireEnv("JWT_SECRET")
	t, err := auth.NewTokenService(secret).Issue(userID, userName)
	if err != nil {
		return "", "", "", err
	}
	return t, userID, userName, nil
}

// probeAddr derives the host:port the connectivity probe dials from
// the gateway base URL.
func probeAddr(gatewayURL string) string {
	u, err := url.Parse(gatewayURL)
	if err != nil || u.Host == "" {
		return "localhost:8080"
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}

// --- token ---

func runToken() int {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "error: user-id and user-name are required")
		return 1
	}
	secret := requireEnv("JWT_SECRET")

	token, err := auth.NewTokenService(secret).Issue(os.Args[2], os.Args[3])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: minting token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

// --- health ---

func runHealth() int {
	gatewayURL := envOr("GATEWAY_URL", "http://localhost:8080")
	fmt.Printf("checking %s/healthz ...\n", gatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := remote.NewClient(gatewayURL, "").Health(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println("gateway is healthy")
	return 0
}

// --- send ---

func runSend() int {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "error: conversation-id is required")
		return 1
	}
	convID := os.Args[2]
	args := os.Args[3:]

	text := ""
	if len(args) > 0 && args[0] != "--image" && args[0] != "--audio" {
		text = args[0]
	}
	imagePath := flagValue("--image", args)
	audioPath := flagValue("--audio", args)

	token, userID, userName, err := resolveToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	gatewayURL := envOr("GATEWAY_URL", "http://localhost:8080")
	client := remote.NewClient(gatewayURL, token)

	var uploads conversation.Uploader
	if imagePath != "" || audioPath != "" {
		endpoint := requireEnv("MINIO_ENDPOINT")
		objects, err := storage.NewMinIOClient(
			endpoint,
			requireEnv("MINIO_ACCESS_KEY"),
			requireEnv("MINIO_SECRET_KEY"),
			envOr("MINIO_BUCKET", "chatsync"),
			os.Getenv("MINIO_SECURE") == "true",
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: object storage: %v\n", err)
			return 1
		}
		uploads = uploader.New(objects)
	}

	// The monitor is never started: sending needs no live feed.
	manager := conversation.NewManager(conversation.Config{
		Feed: conversation.FeedFunc(func(ctx context.Context, id string) (conversation.Subscription, error) {
			return client.Subscribe(ctx, id)
		}),
		Store:    client,
		Cache:    noopCache{},
		Uploader: uploads,
		Monitor:  netmon.New(netmon.DialProbe(probeAddr(gatewayURL)), time.Minute),
		Context: models.ConversationContext{
			ConversationID: convID,
			UserID:         userID,
			UserName:       userName,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer manager.Close()

	draft := conversation.Draft{Text: text}
	switch {
	case imagePath != "":
		draft.Attachment = &conversation.DraftAttachment{
			Kind:      models.AttachmentImage,
			LocalPath: imagePath,
		}
	case audioPath != "":
		draft.Attachment = &conversation.DraftAttachment{
			Kind:      models.AttachmentAudio,
			LocalPath: audioPath,
		}
	}

	if err := manager.Send(ctx, draft); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println("message delivered")
	return 0
}

// --- tail ---

func runTail() int {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "error: conversation-id is required")
		return 1
	}
	convID := os.Args[2]

	token, userID, userName, err := resolveToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	gatewayURL := envOr("GATEWAY_URL", "http://localhost:8080")
	client := remote.NewClient(gatewayURL, token)

	var snapshots conversation.Cache = noopCache{}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		store, err := cache.NewSnapshotStore(redisURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: snapshot cache: %v\n", err)
			return 1
		}
		defer store.Close()
		snapshots = store
	}

	monitor := netmon.New(netmon.DialProbe(probeAddr(gatewayURL)), 5*time.Second)
	monitor.Start()
	defer monitor.Stop()

	manager := conversation.NewManager(conversation.Config{
		Feed: conversation.FeedFunc(func(ctx context.Context, id string) (conversation.Subscription, error) {
			return client.Subscribe(ctx, id)
		}),
		Store:   client,
		Cache:   snapshots,
		Monitor: monitor,
		Context: models.ConversationContext{
			ConversationID: convID,
			UserID:         userID,
			UserName:       userName,
		},
	})

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Open(sigCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer manager.Close()

	fmt.Printf("following %s (ctrl-c to stop)\n", convID)
	for {
		select {
		case <-sigCtx.Done():
			fmt.Println()
			return 0
		case msgs, ok := <-manager.Updates():
			if !ok {
				return 0
			}
			fmt.Printf("--- %d message(s), state %s ---\n", len(msgs), manager.State())
			for _, m := range msgs {
				printMessage(m)
			}
		}
	}
}

func printMessage(m models.Message) {
	when := m.CreatedAt.Local().Format("15:04:05")
	switch {
	case m.System:
		fmt.Printf("  [%s] * %s\n", when, m.Text)
	case m.Attachment != nil && m.Attachment.Kind == models.AttachmentLocation:
		fmt.Printf("  [%s] %s: (%f, %f)\n", when, m.Author.Name, m.Attachment.Latitude, m.Attachment.Longitude)
	case m.Attachment != nil:
		fmt.Printf("  [%s] %s: %s %s\n", when, m.Author.Name, m.Attachment.Kind, m.Attachment.URL)
	default:
		fmt.Printf("  [%s] %s: %s\n", when, m.Author.Name, m.Text)
	}
}

// noopCache stands in when no snapshot cache is configured.
type noopCache struct{}

func (noopCache) Put(context.Context, string, []models.Message) error { return nil }

func (noopCache) Get(context.Context, string) ([]models.Message, bool, error) {
	return nil, false, nil
}
