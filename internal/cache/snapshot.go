package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codestun/chatsync/internal/models"
)

const snapshotKeyPrefix = "snapshot:"

// SnapshotStore persists the last-known-good message list per
// conversation as a serialized blob. Last write wins; the conversation
// manager is the only writer.
type SnapshotStore struct {
	rdb *goredis.Client
}

// NewSnapshotStore creates a store from a Redis URL and verifies the
// connection.
func NewSnapshotStore(redisURL string) (*SnapshotStore, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &SnapshotStore{rdb: rdb}, nil
}

// Close closes the underlying Redis connection.
func (s *SnapshotStore) Close() error {
	return s.rdb.Close()
}

// Put replaces the stored snapshot for a conversation.
func (s *SnapshotStore) Put(ctx context.Context, conversationID string, msgs []models.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, snapshotKeyPrefix+conversationID, data, 0).Err(); err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}
	return nil
}

// Get returns the stored snapshot for a conversation. The second
// return value is false when no snapshot exists.
func (s *SnapshotStore) Get(ctx context.Context, conversationID string) ([]models.Message, bool, error) {
	data, err := s.rdb.Get(ctx, snapshotKeyPrefix+conversationID).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading snapshot: %w", err)
	}

	var msgs []models.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, false, fmt.Errorf("decoding snapshot: %w", err)
	}
	return msgs, true, nil
}
