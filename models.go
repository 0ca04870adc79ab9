package main

import "time"

// Backend modes for the model adapter.
const (
	BackendLocal  = "local"  // Ollama-compatible endpoint
	BackendRemote = "remote" // OpenRouter-compatible endpoint
)

// Conversation sources.
const (
	SourceContinue  = "continue"
	SourceOpenWebUI = "openwebui"
)

// Roster is the council configuration: the chairman plus up to four members.
// Chairman and members together must be 2-5 unique model ids.
type Roster struct {
	Chairman       string   `json:"chairman"`
	Members        []string `json:"members"`
	BackendMode    string   `json:"backend_mode"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Participants returns the chairman followed by the members.
func (r Roster) Participants() []string {
	out := make([]string, 0, len(r.Members)+1)
	out = append(out, r.Chairman)
	out = append(out, r.Members...)
	return out
}

// Timeout returns the per-model-call timeout.
func (r Roster) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// RosterUpdate is a partial roster mutation. Nil fields are left unchanged.
type RosterUpdate struct {
	Chairman       *string   `json:"chairman"`
	Members        *[]string `json:"members"`
	TimeoutSeconds *int      `json:"timeout_seconds"`
}

// ChatMessage is a single role/content message, used both on the wire and
// in conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StageOneResult is one participant's attempt at the user's query.
type StageOneResult struct {
	Model     string `json:"model"`
	Response  string `json:"response,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Err       string `json:"error,omitempty"`
}

// StageTwoResult is one surviving model's critique of the anonymized
// Stage 1 set. The critique references labels only, never model ids.
type StageTwoResult struct {
	Model    string `json:"model"`
	Critique string `json:"critique"`
}

// FinalAnswer is the chairman's synthesis plus the post-processed
// confidence score.
type FinalAnswer struct {
	Text          string `json:"text"`
	PrimarySource string `json:"primary_source"`
	Confidence    int    `json:"confidence"`
}

// CouncilResult is the output of one full pipeline run.
type CouncilResult struct {
	Stage1 []StageOneResult `json:"stage1"`
	Stage2 []StageTwoResult `json:"stage2"`
	Final  FinalAnswer      `json:"final"`
}

// Message is one persisted conversation entry. Assistant messages carry
// the full council turn alongside the final content.
type Message struct {
	Role    string           `json:"role"`
	Content string           `json:"content,omitempty"`
	Stage1  []StageOneResult `json:"stage1,omitempty"`
	Stage2  []StageTwoResult `json:"stage2,omitempty"`
	Final   *FinalAnswer     `json:"final,omitempty"`
}

// Conversation is the persisted record for one fingerprint.
type Conversation struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationMetadata is the listing view of a conversation.
type ConversationMetadata struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChatCompletionRequest is the OpenAI-compatible request body. The model
// field is accepted but the configured roster decides which models run.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages" binding:"required"`
	Stream   bool          `json:"stream"`
}

// ChatCompletionChoice is a single choice in a completion response.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse is the OpenAI-compatible response body.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
}
