package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/codestun/chatsync/internal/remote"
	"github.com/codestun/chatsync/internal/snowflake"
)

// Store is the in-memory append-only message log behind the reference
// gateway. IDs and timestamps are server-assigned; the record's
// client-provided values are treated as provisional.
type Store struct {
	mu        sync.RWMutex
	log       map[string][]remote.Record // conversationID → append-ordered records
	snowflake *snowflake.Generator
	now       func() time.Time
}

// NewStore creates an empty message store.
func NewStore(sf *snowflake.Generator) *Store {
	return &Store{
		log:       make(map[string][]remote.Record),
		snowflake: sf,
		now:       time.Now,
	}
}

// Append persists a record and returns the stored form with the
// authoritative ID and timestamp.
func (s *Store) Append(conversationID string, rec remote.Record) remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.snowflake.Generate().String()
	rec.CreatedAt = remote.At(s.now().UTC())
	s.log[conversationID] = append(s.log[conversationID], rec)
	return rec
}

// Snapshot returns the complete message set of a conversation ordered
// newest first, ties keeping append order.
func (s *Store) Snapshot(conversationID string) []remote.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]remote.Record, len(s.log[conversationID]))
	copy(records, s.log[conversationID])
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].CreatedAt, records[j].CreatedAt
		if a.Seconds != b.Seconds {
			return a.Seconds > b.Seconds
		}
		return a.Nanos > b.Nanos
	})
	return records
}

// Len returns the number of records in a conversation.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log[conversationID])
}
