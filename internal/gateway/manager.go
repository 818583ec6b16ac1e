package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/codestun/chatsync/internal/auth"
	"github.com/codestun/chatsync/internal/remote"
)

// Manager tracks subscribed connections per conversation and pushes a
// complete replacement snapshot to each of them whenever the
// conversation's message set changes.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Connection]bool // conversationID → connections

	tokens *auth.TokenService
	store  *Store
}

// NewManager creates a gateway Manager over the given store.
func NewManager(tokens *auth.TokenService, store *Store) *Manager {
	return &Manager{
		subscribers: make(map[string]map[*Connection]bool),
		tokens:      tokens,
		store:       store,
	}
}

func (m *Manager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribers[c.ConversationID] == nil {
		m.subscribers[c.ConversationID] = make(map[*Connection]bool)
	}
	m.subscribers[c.ConversationID][c] = true
}

func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.subscribers[c.ConversationID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(m.subscribers, c.ConversationID)
		}
	}
}

// handleIdentify validates the token and subscribes the connection to
// its conversation, replying with the current snapshot.
func (m *Manager) handleIdentify(c *Connection, data json.RawMessage) {
	var identify remote.IdentifyData
	if err := json.Unmarshal(data, &identify); err != nil {
		slog.Error("invalid identify data", "error", err)
		c.Close()
		return
	}
	if identify.ConversationID == "" {
		slog.Warn("identify without conversation")
		c.Close()
		return
	}

	claims, err := m.tokens.Validate(identify.Token)
	if err != nil {
		slog.Warn("invalid token in identify", "error", err)
		c.Close()
		return
	}

	// A repeated identify replaces the previous subscription.
	if c.ConversationID != "" {
		m.unregister(c)
	}

	c.UserID = claims.UserID
	c.UserName = claims.Name
	c.SessionID = uuid.NewString()
	c.ConversationID = identify.ConversationID

	m.register(c)

	slog.Info("client subscribed",
		"sessionID", c.SessionID,
		"userID", c.UserID,
		"conversationID", c.ConversationID,
	)

	// Initial emission: the full current message set.
	c.SendEvent(remote.EventSnapshot, remote.SnapshotData{
		ConversationID: c.ConversationID,
		Messages:       m.store.Snapshot(c.ConversationID),
	})
}

// Broadcast pushes the conversation's current snapshot to every
// subscribed connection.
func (m *Manager) Broadcast(conversationID string) {
	snapshot := remote.SnapshotData{
		ConversationID: conversationID,
		Messages:       m.store.Snapshot(conversationID),
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.subscribers[conversationID]))
	for c := range m.subscribers[conversationID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.SendEvent(remote.EventSnapshot, snapshot)
	}
}

// SubscriberCount returns the number of live subscriptions for a
// conversation.
func (m *Manager) SubscriberCount(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[conversationID])
}
