package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codestun/chatsync/internal/models"
)

const (
	dialTimeout     = 10 * time.Second
	writeWait       = 10 * time.Second
	snapshotBacklog = 4
)

// Client talks to the remote message store: a live WebSocket feed for
// reads and an HTTP endpoint for appends.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates a Client for the gateway at baseURL (http or https
// scheme). The token is passed through opaquely on subscribe.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
}

// wsURL converts the base URL to its WebSocket equivalent.
func (c *Client) wsURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/gateway"
}

// Subscribe opens a live subscription over the conversation's message
// collection. Each emission on Snapshots is a complete replacement
// snapshot ordered newest first.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	identify, err := json.Marshal(IdentifyData{Token: c.token, ConversationID: conversationID})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encoding identify: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Payload{Op: OpIdentify, Data: identify}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending identify: %w", err)
	}

	sub := &Subscription{
		conn:      conn,
		snapshots: make(chan []models.Message, snapshotBacklog),
		done:      make(chan struct{}),
	}
	go sub.readLoop()
	return sub, nil
}

// Append writes a message record to the remote store. The caller
// observes success indirectly through the next feed emission.
func (c *Client) Append(ctx context.Context, conversationID string, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	url := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating append request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("append rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Health checks that the gateway is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// Subscription is a live feed over one conversation. Cancel is
// idempotent; after cancellation the Snapshots channel is closed and
// no further emissions are delivered.
type Subscription struct {
	conn      *websocket.Conn
	snapshots chan []models.Message

	cancelOnce sync.Once
	done       chan struct{}

	mu  sync.Mutex
	err error
}

// Snapshots returns the emission stream. The channel closes when the
// subscription is cancelled or the connection fails.
func (s *Subscription) Snapshots() <-chan []models.Message {
	return s.snapshots
}

// Cancel releases the subscription. Safe to call any number of times.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Err returns the terminal error, if the feed ended abnormally.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) readLoop() {
	defer close(s.snapshots)
	defer s.Cancel()

	for {
		var payload Payload
		if err := s.conn.ReadJSON(&payload); err != nil {
			select {
			case <-s.done:
				// Cancelled locally; not an error.
			default:
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}

		switch payload.Op {
		case OpHello, OpHeartbeatAck:
			// No action needed.

		case OpHeartbeat:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(Payload{Op: OpHeartbeat}); err != nil {
				return
			}

		case OpDispatch:
			if payload.Event == nil || *payload.Event != EventSnapshot {
				continue
			}
			var data SnapshotData
			if err := json.Unmarshal(payload.Data, &data); err != nil {
				slog.Error("invalid snapshot payload", "error", err)
				continue
			}
			select {
			case s.snapshots <- DecodeSnapshot(data):
			case <-s.done:
				return
			}
		}
	}
}
