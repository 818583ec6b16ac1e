package models

import (
	"sort"
	"time"
)

// Author identifies the sender of a message.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is a single entry in a conversation's canonical list.
// Persisted messages carry a server-assigned ID and timestamp; system
// messages are session-local and never reach the remote store.
type Message struct {
	ID         string      `json:"id"`
	Text       string      `json:"text,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	Author     Author      `json:"author"`
	Attachment *Attachment `json:"attachment,omitempty"`
	System     bool        `json:"system,omitempty"`
}

// HasContent reports whether the message carries anything worth sending.
func (m *Message) HasContent() bool {
	return m.Text != "" || m.Attachment != nil
}

// SortNewestFirst orders messages by CreatedAt descending for display.
// The sort is stable: messages with equal timestamps keep their
// insertion order.
func SortNewestFirst(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
}
