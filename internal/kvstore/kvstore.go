// Package kvstore is the fast store: a TTL key/value cache used for chat
// correlation, echo-loop markers, and poll cursors.
package kvstore

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store is the fast-store contract. SetIfAbsent is the only primitive that
// must be atomic: concurrent first-writers for the same key converge on a
// single value.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	SetIfAbsent(key, value string, ttl time.Duration) bool
	Delete(key string)
}

// ChatKey builds the session-correlation key for (portal, line, peer).
func ChatKey(portalID, lineID, peerID string) string {
	return fmt.Sprintf("chat:%s:%s:%s", portalID, lineID, peerID)
}

// EchoKey builds the echo-marker key for a message id.
func EchoKey(messageID string) string {
	return "echo:" + messageID
}

// SeenKey builds the inbound dedup key for a channel message id.
func SeenKey(channelType, messageID string) string {
	return fmt.Sprintf("seen:%s:%s", channelType, messageID)
}

// CursorKey builds the marketplace last-seen cursor key for a thread.
func CursorKey(sessionID, threadID string) string {
	return fmt.Sprintf("cursor:%s:%s", sessionID, threadID)
}

// MemoryStore is the in-process default backed by go-cache.
type MemoryStore struct {
	c *gocache.Cache
}

// NewMemoryStore creates a MemoryStore with a background janitor.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	raw, ok := s.c.Get(key)
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	return value, ok
}

func (s *MemoryStore) Set(key, value string, ttl time.Duration) {
	s.c.Set(key, value, normalizeTTL(ttl))
}

func (s *MemoryStore) SetIfAbsent(key, value string, ttl time.Duration) bool {
	return s.c.Add(key, value, normalizeTTL(ttl)) == nil
}

func (s *MemoryStore) Delete(key string) {
	s.c.Delete(key)
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}
