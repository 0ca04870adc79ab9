package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"
)

// ConversationStore persists conversations keyed by fingerprint. The
// boundary prioritizes availability over durability: when the backing
// store is unreachable every operation degrades to a success-shaped
// no-op, and the engine never fails a user response because persistence
// failed.
type ConversationStore interface {
	// Upsert creates or replaces the conversation. Writes for a given
	// id are serialized.
	Upsert(ctx context.Context, conv *Conversation) error
	// UpdateTitle sets only the title, never the message list, so it
	// cannot clobber a turn written concurrently. Unknown ids are a
	// no-op.
	UpdateTitle(ctx context.Context, id, title string) error
	// Get returns the conversation, or nil without error when missing.
	Get(ctx context.Context, id string) (*Conversation, error)
	// List returns metadata ordered newest-first, optionally filtered
	// by source.
	List(ctx context.Context, source string, limit int) ([]ConversationMetadata, error)
	// Delete removes the conversation. Deleting an unknown id is not an
	// error.
	Delete(ctx context.Context, id string) error
	Close()
}

// Fingerprint derives the deterministic conversation id from the first
// user message: source + "-" + first 16 hex chars of its SHA-256.
// Resubmitting the same opening message resumes the same conversation.
func Fingerprint(source, firstUserMessage string) string {
	sum := sha256.Sum256([]byte(firstUserMessage))
	return source + "-" + hex.EncodeToString(sum[:])[:16]
}

// OpenConversationStore probes the database and returns a Postgres-backed
// store, or the no-op store when no DATABASE_URL is configured or the
// probe fails.
func OpenConversationStore(ctx context.Context, databaseURL string) ConversationStore {
	if databaseURL == "" {
		log.Println("DATABASE_URL not set, conversation persistence disabled")
		return noopStore{}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store, err := newPostgresStore(probeCtx, databaseURL)
	if err != nil {
		log.Printf("conversation store unreachable, persistence disabled: %v", err)
		return noopStore{}
	}
	log.Println("conversation store connected")
	return store
}

// noopStore satisfies ConversationStore with success-shaped empty
// results.
type noopStore struct{}

func (noopStore) Upsert(context.Context, *Conversation) error { return nil }

func (noopStore) UpdateTitle(context.Context, string, string) error { return nil }

func (noopStore) Get(context.Context, string) (*Conversation, error) { return nil, nil }

func (noopStore) List(context.Context, string, int) ([]ConversationMetadata, error) {
	return []ConversationMetadata{}, nil
}

func (noopStore) Delete(context.Context, string) error { return nil }

func (noopStore) Close() {}
