package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// fakeAdapter is a scripted ModelAdapter for engine and handler tests.
type fakeAdapter struct {
	mu        sync.Mutex
	respond   func(model string, messages []ChatMessage) (string, error)
	models    []string
	listErr   error
	listCalls int
	calls     []string
}

func (f *fakeAdapter) Complete(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, model)
	f.mu.Unlock()
	return f.respond(model, messages)
}

func (f *fakeAdapter) ListModels(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.models, nil
}

// scriptedCouncil builds a respond function that recognizes which stage
// a prompt belongs to from its fixed instruction blocks.
type scriptedCouncil struct {
	answers   map[string]string
	failures  map[string]error
	critique  string
	synthesis string
	title     string
}

func (s scriptedCouncil) respond(model string, messages []ChatMessage) (string, error) {
	first := messages[0]
	switch {
	case first.Role == "system":
		if err, ok := s.failures[model]; ok {
			return "", err
		}
		return s.answers[model], nil
	case strings.Contains(first.Content, "reviewing anonymized"):
		return s.critique, nil
	case strings.Contains(first.Content, "Chairman"):
		return s.synthesis, nil
	default:
		return s.title, nil
	}
}

// memStore is an in-memory ConversationStore for tests. Records are
// cloned on the way in and out so tests never alias engine state.
type memStore struct {
	mu   sync.Mutex
	data map[string]*Conversation
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]*Conversation)}
}

func cloneConversation(conv *Conversation) *Conversation {
	raw, _ := json.Marshal(conv)
	var out Conversation
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (m *memStore) Upsert(_ context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[conv.ID] = cloneConversation(conv)
	return nil
}

func (m *memStore) UpdateTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.data[id]; ok {
		conv.Title = title
		conv.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	return cloneConversation(conv), nil
}

func (m *memStore) List(_ context.Context, source string, limit int) ([]ConversationMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ConversationMetadata{}
	for _, conv := range m.data {
		if source != "" && conv.Source != source {
			continue
		}
		out = append(out, ConversationMetadata{
			ID:           conv.ID,
			Source:       conv.Source,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

func (m *memStore) Close() {}

// upsertCounter wraps memStore and counts full-record writes.
type upsertCounter struct {
	*memStore
	countMu sync.Mutex
	upserts int
}

func (c *upsertCounter) Upsert(ctx context.Context, conv *Conversation) error {
	c.countMu.Lock()
	c.upserts++
	c.countMu.Unlock()
	return c.memStore.Upsert(ctx, conv)
}

func testRoster(chairman string, members ...string) Roster {
	return Roster{
		Chairman:       chairman,
		Members:        members,
		BackendMode:    BackendLocal,
		TimeoutSeconds: 5,
	}
}

func testConfigStore(roster Roster) *ConfigStore {
	return &ConfigStore{
		roster:  roster,
		catalog: NewCatalogCache(CatalogCacheTTL),
	}
}

// newTestServer wires a Server over scripted pieces and returns it with
// its router and backing store.
func newTestServer(adapter ModelAdapter, roster Roster) (*Server, *gin.Engine, *memStore) {
	gin.SetMode(gin.TestMode)
	store := newMemStore()
	s := &Server{
		cfg:    testConfigStore(roster),
		store:  store,
		engine: NewEngine(adapter, adapter, store),
	}
	return s, s.Router(), store
}

func performRequest(router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// sampleSurvivors builds n Stage 1 survivors m1..mn.
func sampleSurvivors(n int, t *testing.T) []StageOneResult {
	t.Helper()
	out := make([]StageOneResult, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, StageOneResult{
			Model:    string(rune('a'+i)) + "-model",
			Response: "answer from model " + string(rune('A'+i)),
		})
	}
	return out
}
