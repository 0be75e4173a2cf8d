// Package history keeps a bounded, per-session message log: one ordered
// slice of entries per conversation, capped in both entry count and
// conversation count. The in-memory copy is authoritative; serialization
// exists only so sessions can flush to durable storage periodically.
package history

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Entry is one immutable message record.
type Entry struct {
	ID              string `json:"id,omitempty"`
	ConversationID  string `json:"conversation_id"`
	TimestampMillis int64  `json:"timestamp_millis"`
	FromSelf        bool   `json:"from_me"`
	Sender          string `json:"sender"`
	Text            string `json:"text"`
}

// Store is a bounded conversation log. Safe for concurrent use: the
// session's transport event goroutine records while HTTP handlers query.
type Store struct {
	mu               sync.Mutex
	conversations    map[string][]Entry
	maxMessages      int
	maxConversations int
}

// NewStore creates an empty store with the given bounds. Both bounds must
// be positive.
func NewStore(maxMessages, maxConversations int) (*Store, error) {
	if maxMessages <= 0 {
		return nil, fmt.Errorf("max messages per conversation must be positive, got %d", maxMessages)
	}
	if maxConversations <= 0 {
		return nil, fmt.Errorf("max conversations must be positive, got %d", maxConversations)
	}
	return &Store{
		conversations:    make(map[string][]Entry),
		maxMessages:      maxMessages,
		maxConversations: maxConversations,
	}, nil
}

// Record appends an entry to its conversation. Consecutive entries with
// the same non-empty ID are deduplicated (the transport can redeliver the
// tail of a conversation after a reconnect). After appending, the
// conversation is trimmed to the per-conversation bound (oldest dropped)
// and the conversation count is trimmed to its bound (the conversation
// with the least-recent last message dropped).
func (s *Store) Record(conversationID string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.conversations[conversationID]

	if e.ID != "" && len(entries) > 0 && entries[len(entries)-1].ID == e.ID {
		return
	}

	entries = append(entries, e)
	if len(entries) > s.maxMessages {
		entries = entries[len(entries)-s.maxMessages:]
	}
	s.conversations[conversationID] = entries

	for len(s.conversations) > s.maxConversations {
		s.evictStalestConversation()
	}
}

// evictStalestConversation drops the conversation whose last message is
// oldest. Caller holds the lock.
func (s *Store) evictStalestConversation() {
	var stalest string
	var stalestTs int64
	first := true

	for id, entries := range s.conversations {
		ts := int64(0)
		if len(entries) > 0 {
			ts = entries[len(entries)-1].TimestampMillis
		}
		if first || ts < stalestTs {
			stalest = id
			stalestTs = ts
			first = false
		}
	}

	delete(s.conversations, stalest)
}

// Query returns up to limit of the most recent entries for a
// conversation, in ascending time order. Unknown conversations yield an
// empty slice, not an error.
func (s *Store) Query(conversationID string, limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.conversations[conversationID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	result := make([]Entry, len(entries))
	copy(result, entries)
	return result
}

// ConversationCount returns the number of tracked conversations.
func (s *Store) ConversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Serialize renders the full conversation map as JSON for flushing.
func (s *Store) Serialize() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.conversations)
}

// Load replaces the store's contents with previously serialized data,
// re-applying the configured bounds in case they shrank since the flush.
func (s *Store) Load(data []byte) error {
	var conversations map[string][]Entry
	if err := json.Unmarshal(data, &conversations); err != nil {
		return fmt.Errorf("failed to decode history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make(map[string][]Entry, len(conversations))
	for id, entries := range conversations {
		if len(entries) > s.maxMessages {
			entries = entries[len(entries)-s.maxMessages:]
		}
		s.conversations[id] = entries
	}
	for len(s.conversations) > s.maxConversations {
		s.evictStalestConversation()
	}

	return nil
}
