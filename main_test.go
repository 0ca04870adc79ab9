package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func councilAdapter() *fakeAdapter {
	script := scriptedCouncil{
		answers: map[string]string{
			"m1": "Paris is the capital of France.",
			"m2": "The capital of France is Paris.",
			"m3": "Paris.",
		},
		critique:  "Response A is the strongest. Ranking: A, B, C.",
		synthesis: "The capital of France is Paris.\n\nCONFIDENCE: 85%",
	}
	return &fakeAdapter{respond: script.respond}
}

const chatBody = `{"model":"my-model","messages":[{"role":"user","content":"What is the capital of France?"}]}`

func TestHealthCheck(t *testing.T) {
	_, router, _ := newTestServer(councilAdapter(), testRoster("m1", "m2", "m3"))

	w := performRequest(router, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestChatCompletions(t *testing.T) {
	_, router, store := newTestServer(councilAdapter(), testRoster("m1", "m2", "m3"))

	w := performRequest(router, "POST", "/v1/chat/completions", chatBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("id = %q, want chatcmpl- prefix", resp.ID)
	}
	if resp.Model != "my-model" {
		t.Errorf("model = %q, want request model echoed", resp.Model)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d", len(resp.Choices))
	}

	content := resp.Choices[0].Message.Content
	if !strings.Contains(content, "The capital of France is Paris.") {
		t.Errorf("content missing synthesized answer: %q", content)
	}
	if !strings.Contains(content, "*Primary source: ") {
		t.Errorf("content missing primary source annotation: %q", content)
	}
	if !strings.Contains(content, "*Confidence: 85%*") {
		t.Errorf("content missing confidence annotation: %q", content)
	}

	// The turn is persisted under the continue-source fingerprint.
	id := Fingerprint(SourceContinue, "What is the capital of France?")
	conv, _ := store.Get(nil, id)
	if conv == nil {
		t.Fatal("conversation was not persisted")
	}
	if conv.Source != SourceContinue {
		t.Errorf("source = %q", conv.Source)
	}
	if len(conv.Messages) != 2 {
		t.Errorf("messages = %d, want user + assistant", len(conv.Messages))
	}
}

func TestChatCompletionsOpenWebUISource(t *testing.T) {
	_, router, store := newTestServer(councilAdapter(), testRoster("m1", "m2", "m3"))

	headers := map[string]string{"User-Agent": "Mozilla/5.0 OpenWebUI/0.5"}
	w := performRequest(router, "POST", "/v1/chat/completions", chatBody, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	id := Fingerprint(SourceOpenWebUI, "What is the capital of France?")
	conv, _ := store.Get(nil, id)
	if conv == nil {
		t.Fatal("conversation was not persisted under the openwebui fingerprint")
	}
	if conv.Source != SourceOpenWebUI {
		t.Errorf("source = %q", conv.Source)
	}
}

func TestChatCompletionsNoUserMessage(t *testing.T) {
	_, router, _ := newTestServer(councilAdapter(), testRoster("m1", "m2", "m3"))

	body := `{"messages":[{"role":"system","content":"be terse"}]}`
	w := performRequest(router, "POST", "/v1/chat/completions", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestChatCompletionsInvalidJSON(t *testing.T) {
	_, router, _ := newTestServer(councilAdapter(), testRoster("m1", "m2", "m3"))

	w := performRequest(router, "POST", "/v1/chat/completions", "{not json", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestChatCompletionsAllModelsDown(t *testing.T) {
	adapter := &fakeAdapter{respond: func(string, []ChatMessage) (string, error) {
		return "", ErrBackendUnreachable
	}}
	_, router, _ := newTestServer(adapter, testRoster("m1", "m2"))

	w := performRequest(router, "POST", "/v1/chat/completions", chatBody, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestGetConfig(t *testing.T) {
	_, router, _ := newTestServer(councilAdapter(), testRoster("m1", "m2", "m3"))

	w := performRequest(router, "GET", "/api/config", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var roster Roster
	if err := json.Unmarshal(w.Body.Bytes(), &roster); err != nil {
		t.Fatalf("failed to decode roster: %v", err)
	}
	if roster.Chairman != "m1" || len(roster.Members) != 2 {
		t.Errorf("roster = %+v", roster)
	}
}

func TestPutConfig(t *testing.T) {
	s, router, _ := newTestServer(councilAdapter(), testRoster("m1", "m2", "m3"))

	w := performRequest(router, "PUT", "/api/config", `{"chairman":"m9"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var roster Roster
	if err := json.Unmarshal(w.Body.Bytes(), &roster); err != nil {
		t.Fatalf("failed to decode roster: %v", err)
	}
	if roster.Chairman != "m9" {
		t.Errorf("chairman = %q, want m9", roster.Chairman)
	}
	if s.cfg.Get().Chairman != "m9" {
		t.Error("update not applied to the store")
	}
}

func TestPutConfigInvalid(t *testing.T) {
	s, router, _ := newTestServer(councilAdapter(), testRoster("m1", "m2"))
	before := s.cfg.Get()

	// m1 duplicates the chairman.
	w := performRequest(router, "PUT", "/api/config", `{"members":["m1"]}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	after := s.cfg.Get()
	if after.Chairman != before.Chairman || len(after.Members) != len(before.Members) {
		t.Errorf("roster changed after rejected update: %+v", after)
	}
}

func TestValidateModelsEndpoint(t *testing.T) {
	adapter := councilAdapter()
	adapter.models = []string{"m1", "m2"}
	_, router, _ := newTestServer(adapter, testRoster("m1", "m2"))

	w := performRequest(router, "GET", "/api/config/validate?models=m1,mX", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Models map[string]bool `json:"models"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Models["m1"] || resp.Models["mX"] {
		t.Errorf("models = %v", resp.Models)
	}
}

func TestValidateModelsEndpointMissingParam(t *testing.T) {
	_, router, _ := newTestServer(councilAdapter(), testRoster("m1", "m2"))

	w := performRequest(router, "GET", "/api/config/validate", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func seedConversation(t *testing.T, store *memStore, source, opening string, at time.Time) string {
	t.Helper()
	id := Fingerprint(source, opening)
	err := store.Upsert(nil, &Conversation{
		ID:     id,
		Source: source,
		Title:  opening,
		Messages: []Message{
			{Role: "user", Content: opening},
			{Role: "assistant", Content: "answer"},
		},
		CreatedAt: at,
		UpdatedAt: at,
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return id
}

func TestListConversations(t *testing.T) {
	_, router, store := newTestServer(councilAdapter(), testRoster("m1", "m2"))

	now := time.Now().UTC()
	seedConversation(t, store, SourceContinue, "older question", now.Add(-time.Hour))
	newest := seedConversation(t, store, SourceContinue, "newer question", now)
	seedConversation(t, store, SourceOpenWebUI, "webui question", now.Add(-time.Minute))

	w := performRequest(router, "GET", "/api/conversations", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var list []ConversationMetadata
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("listed %d conversations, want 3", len(list))
	}
	if list[0].ID != newest {
		t.Errorf("first item = %s, want newest first", list[0].ID)
	}

	w = performRequest(router, "GET", "/api/conversations?source=openwebui", "", nil)
	var filtered []ConversationMetadata
	if err := json.Unmarshal(w.Body.Bytes(), &filtered); err != nil {
		t.Fatalf("failed to decode filtered list: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Source != SourceOpenWebUI {
		t.Errorf("filtered list = %+v", filtered)
	}
}

func TestGetConversation(t *testing.T) {
	_, router, store := newTestServer(councilAdapter(), testRoster("m1", "m2"))
	id := seedConversation(t, store, SourceContinue, "stored question", time.Now().UTC())

	w := performRequest(router, "GET", "/api/conversations/"+id, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var conv Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatalf("failed to decode conversation: %v", err)
	}
	if conv.ID != id || len(conv.Messages) != 2 {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	_, router, _ := newTestServer(councilAdapter(), testRoster("m1", "m2"))

	w := performRequest(router, "GET", "/api/conversations/continue-ffffffffffffffff", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestDeleteConversation(t *testing.T) {
	_, router, store := newTestServer(councilAdapter(), testRoster("m1", "m2"))
	id := seedConversation(t, store, SourceContinue, "to be deleted", time.Now().UTC())

	w := performRequest(router, "DELETE", "/v1/chat/completions/"+id, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if conv, _ := store.Get(nil, id); conv != nil {
		t.Error("conversation still present after delete")
	}
}

// Deleting a fingerprint that was never stored still succeeds.
func TestDeleteConversationUnknownID(t *testing.T) {
	_, router, _ := newTestServer(councilAdapter(), testRoster("m1", "m2"))

	w := performRequest(router, "DELETE", "/v1/chat/completions/continue-ffffffffffffffff", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "continue-ffffffffffffffff") {
		t.Errorf("body = %s", w.Body.String())
	}
}
