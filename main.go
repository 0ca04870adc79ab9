package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Server wires the config store, conversation store and council engine
// behind the HTTP API.
type Server struct {
	cfg    *ConfigStore
	store  ConversationStore
	engine *Engine
}

func main() {
	cfg, err := LoadConfigStore()
	if err != nil {
		log.Fatalf("Invalid startup configuration: %v", err)
	}
	roster := cfg.Get()

	if roster.BackendMode == BackendRemote && os.Getenv("OPENROUTER_API_KEY") == "" {
		log.Fatal("OPENROUTER_API_KEY environment variable is required in remote mode")
	}

	store := OpenConversationStore(context.Background(), os.Getenv("DATABASE_URL"))
	defer store.Close()

	local := NewOllamaAdapter(envStr("OLLAMA_URL", DefaultOllamaURL))
	remote := NewOpenRouterAdapter(envStr("OPENROUTER_URL", DefaultOpenRouterURL), os.Getenv("OPENROUTER_API_KEY"))
	engine := NewEngine(local, remote, store)

	s := &Server{cfg: cfg, store: store, engine: engine}
	router := s.Router()

	port := envInt("PORT", 8001)
	log.Printf("Starting LLM Council backend on port %d (backend=%s, chairman=%s, members=%v)...",
		port, roster.BackendMode, roster.Chairman, roster.Members)
	if err := router.Run(fmt.Sprintf(":%d", port)); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// Router builds the gin router with middleware and all routes.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS: environment-configured origins in production, any localhost
	// origin in development.
	allowedOrigins := corsOriginsFromEnv()
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(allowedOrigins) > 0 {
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			}
			return strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0")
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	router.GET("/health", s.healthCheck)

	router.POST("/v1/chat/completions", s.chatCompletions)
	router.DELETE("/v1/chat/completions/:id", s.deleteConversation)

	router.GET("/api/config", s.getConfig)
	router.PUT("/api/config", s.putConfig)
	router.POST("/api/config/reload", s.reloadConfig)
	router.GET("/api/config/validate", s.validateModels)

	router.GET("/api/conversations", s.listConversations)
	router.GET("/api/conversations/:id", s.getConversation)

	router.POST("/api/fetch-url", s.fetchURL)

	return router
}

// healthCheck reports liveness only; it does not probe model backends.
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "LLM Council API",
	})
}

// chatCompletions runs the full council pipeline for an
// OpenAI-compatible request. The configured roster, not the request's
// model field, decides which models run.
func (s *Server) chatCompletions(c *gin.Context) {
	var request ChatCompletionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}
	if firstUserContent(request.Messages) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "at least one user message is required",
		})
		return
	}

	roster := s.cfg.Get()
	source := sourceFromRequest(c)

	result, err := s.engine.Run(c.Request.Context(), roster, request.Messages, source)
	if err != nil {
		if errors.Is(err, ErrAllModelsUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": fmt.Sprintf("Council process failed: %v", err),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Council process failed: %v", err),
		})
		return
	}

	content := fmt.Sprintf("%s\n\n*Primary source: %s* | *Confidence: %d%%*",
		result.Final.Text, result.Final.PrimarySource, result.Final.Confidence)

	model := request.Model
	if model == "" {
		model = "llm-council"
	}
	c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{
			{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
	})
}

// sourceFromRequest tags the conversation origin. Open WebUI identifies
// itself in the User-Agent; everything else is a continue-style client.
func sourceFromRequest(c *gin.Context) string {
	if strings.Contains(strings.ToLower(c.GetHeader("User-Agent")), "openwebui") {
		return SourceOpenWebUI
	}
	return SourceContinue
}

// deleteConversation deletes a persisted conversation by fingerprint.
// Deleting an unknown id still succeeds.
func (s *Server) deleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to delete conversation: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// getConfig returns the current roster.
func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Get())
}

// putConfig applies a partial roster update.
func (s *Server) putConfig(c *gin.Context) {
	var update RosterUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	roster, err := s.cfg.Set(update)
	if err != nil {
		if IsValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to update configuration: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, roster)
}

// reloadConfig re-reads configuration from its source.
func (s *Server) reloadConfig(c *gin.Context) {
	roster, err := s.cfg.Reload()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, roster)
}

// validateModels reports per-model servability against the live backend
// catalog. GET /api/config/validate?models=a,b,c
func (s *Server) validateModels(c *gin.Context) {
	raw := c.Query("models")
	ids := splitModelList(raw)
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "models query parameter is required, e.g. ?models=a,b,c",
		})
		return
	}

	adapter := s.engine.adapterFor(s.cfg.Get())
	results, err := s.cfg.Validate(c.Request.Context(), adapter, ids)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": fmt.Sprintf("Failed to fetch model catalog: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": results})
}

// listConversations lists persisted conversations, newest first.
// Query params: ?source=continue|openwebui, ?limit=N
func (s *Server) listConversations(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	conversations, err := s.store.List(c.Request.Context(), c.Query("source"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, conversations)
}

// getConversation returns a full conversation by fingerprint.
func (s *Server) getConversation(c *gin.Context) {
	conversation, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conversation)
}

// fetchURL extracts readable text content from a URL.
// POST /api/fetch-url - Body: {"url": "https://..."}
func (s *Server) fetchURL(c *gin.Context) {
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	content, err := FetchURLContent(c.Request.Context(), request.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": content})
}
