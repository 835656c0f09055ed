// Package ragstore supplies retrieved document text for a session. The
// document-upload and chunking layer writes the entries; the relay only reads
// them once, at session setup.
package ragstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound means the session has no documents. The relay treats this as
// empty context, not a failure.
var ErrNotFound = errors.New("no documents for session")

// Provider supplies all retrieved document text for a session id.
type Provider interface {
	FetchContext(ctx context.Context, sessionID string) (string, error)
}

// RedisStore reads per-session documents from a Redis list.
type RedisStore struct {
	client   *redis.Client
	maxChars int
	ttl      time.Duration
}

// NewRedisStore creates a store. maxChars bounds the returned context; 0 means
// unbounded.
func NewRedisStore(client *redis.Client, maxChars int) *RedisStore {
	return &RedisStore{
		client:   client,
		maxChars: maxChars,
		ttl:      24 * time.Hour,
	}
}

func docsKey(sessionID string) string {
	return "session:" + sessionID + ":docs"
}

// FetchContext joins all documents for the session, in insertion order, with
// blank lines between them. Oversized context is truncated at maxChars.
func (s *RedisStore) FetchContext(ctx context.Context, sessionID string) (string, error) {
	docs, err := s.client.LRange(ctx, docsKey(sessionID), 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("failed to fetch documents: %w", err)
	}
	if len(docs) == 0 {
		return "", ErrNotFound
	}

	joined := strings.Join(docs, "\n\n")
	if s.maxChars > 0 && len(joined) > s.maxChars {
		// Back off to a rune boundary so the cut never yields invalid UTF-8.
		cut := s.maxChars
		for cut > 0 && !utf8.RuneStart(joined[cut]) {
			cut--
		}
		log.Printf("⚠️ Context for session %s truncated: %d -> %d chars", sessionID, len(joined), cut)
		joined = joined[:cut]
	}
	return joined, nil
}

// AddDocument appends one document's text to the session's context. Used by
// the upload layer; the relay never writes.
func (s *RedisStore) AddDocument(ctx context.Context, sessionID, text string) error {
	key := docsKey(sessionID)
	if err := s.client.RPush(ctx, key, text).Err(); err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}
