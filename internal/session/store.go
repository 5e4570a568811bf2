package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned by drivers when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the durable session port consumed by the turn orchestrator.
type Store interface {
	// GetOrCreate resolves the session for (channelType, chatID), creating
	// and persisting a fresh one on the first message of a conversation.
	GetOrCreate(ctx context.Context, channelType, chatID string) (*Session, error)
	// Save persists the session. Called once per processed turn.
	Save(ctx context.Context, s *Session) error
	// Close releases driver resources.
	Close() error
}

// MemoryStore is a process-local Store used in tests and for the "memory"
// backend. Safe for concurrent use across different keys.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func storeKey(channelType, chatID string) string {
	return channelType + "/" + chatID
}

// GetOrCreate implements Store.
func (s *MemoryStore) GetOrCreate(_ context.Context, channelType, chatID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey(channelType, chatID)
	if sess, ok := s.sessions[key]; ok {
		return sess, nil
	}
	sess := New(channelType, chatID)
	s.sessions[key] = sess
	return sess, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[storeKey(sess.ChannelType, sess.ChatID)] = sess
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// List returns all stored sessions ordered by last update, newest first.
func (s *MemoryStore) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}
