package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const conversationsSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	messages   JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// lockStripes bounds the per-id mutex table for upsert serialization.
const lockStripes = 64

// postgresStore persists conversations in a single JSONB-backed table.
// Call-time failures are logged and degrade to empty success results;
// reads are last-writer-wins with respect to concurrent writes.
type postgresStore struct {
	pool  *pgxpool.Pool
	locks [lockStripes]sync.Mutex
}

func newPostgresStore(ctx context.Context, databaseURL string) (*postgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, conversationsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) Close() {
	s.pool.Close()
}

// stripeFor maps a conversation id onto its write mutex. At most one
// upsert per id runs at a time.
func (s *postgresStore) stripeFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *postgresStore) Upsert(ctx context.Context, conv *Conversation) error {
	mu := s.stripeFor(conv.ID)
	mu.Lock()
	defer mu.Unlock()

	messagesJSON, err := json.Marshal(conv.Messages)
	if err != nil {
		log.Printf("conversation store: marshal %s: %v", conv.ID, err)
		return nil
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (id, source, title, messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			source = excluded.source,
			title = excluded.title,
			messages = excluded.messages,
			updated_at = excluded.updated_at`,
		conv.ID, conv.Source, conv.Title, messagesJSON, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		log.Printf("conversation store: upsert %s: %v", conv.ID, err)
	}
	return nil
}

func (s *postgresStore) UpdateTitle(ctx context.Context, id, title string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET title = $2, updated_at = now()
		WHERE id = $1`, id, title,
	)
	if err != nil {
		log.Printf("conversation store: update title %s: %v", id, err)
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var messagesJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, source, title, messages, created_at, updated_at
		FROM conversations WHERE id = $1`, id,
	).Scan(&conv.ID, &conv.Source, &conv.Title, &messagesJSON, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Printf("conversation store: get %s: %v", id, err)
		return nil, nil
	}
	if err := json.Unmarshal(messagesJSON, &conv.Messages); err != nil {
		log.Printf("conversation store: decode %s: %v", id, err)
		return nil, nil
	}
	return &conv, nil
}

func (s *postgresStore) List(ctx context.Context, source string, limit int) ([]ConversationMetadata, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, source, title, jsonb_array_length(messages), created_at, updated_at
		FROM conversations`
	args := []any{}
	if source != "" {
		query += ` WHERE source = $1`
		args = append(args, source)
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		log.Printf("conversation store: list: %v", err)
		return []ConversationMetadata{}, nil
	}
	defer rows.Close()

	out := []ConversationMetadata{}
	for rows.Next() {
		var item ConversationMetadata
		if err := rows.Scan(&item.ID, &item.Source, &item.Title, &item.MessageCount, &item.CreatedAt, &item.UpdatedAt); err != nil {
			log.Printf("conversation store: scan: %v", err)
			return []ConversationMetadata{}, nil
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		log.Printf("conversation store: list rows: %v", err)
		return []ConversationMetadata{}, nil
	}
	return out, nil
}

func (s *postgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		log.Printf("conversation store: delete %s: %v", id, err)
	}
	return nil
}
