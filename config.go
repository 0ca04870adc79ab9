package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Environment surface. COUNCIL_CHAIRMAN and COUNCIL_MEMBERS define the
// roster; the rest configure backends and the server itself.
const (
	DefaultChairman       = "llama3.1"
	DefaultMembers        = "mistral"
	DefaultTimeoutSeconds = 120
	DefaultOllamaURL      = "http://localhost:11434"
	DefaultOpenRouterURL  = "https://openrouter.ai/api/v1"

	// MaxCouncilMembers bounds the roster at chairman + four members.
	MaxCouncilMembers = 4

	// CatalogCacheTTL is how long a fetched model catalog stays fresh.
	CatalogCacheTTL = 5 * time.Minute

	// MaxRequestBodySize is the maximum allowed request body size (1MB).
	MaxRequestBodySize int64 = 1 << 20
)

// ConfigStore owns the roster. Reads return a copy of the current
// snapshot; Set and Reload swap in a new snapshot so in-flight requests
// keep the roster they started with.
type ConfigStore struct {
	mu      sync.RWMutex
	roster  Roster
	catalog *CatalogCache
}

// LoadConfigStore loads .env files, builds the initial roster from the
// environment and validates it. An invalid startup roster is fatal.
func LoadConfigStore() (*ConfigStore, error) {
	loadDotEnv()
	roster := rosterFromEnv()
	if err := validateRoster(roster); err != nil {
		return nil, err
	}
	return &ConfigStore{
		roster:  roster,
		catalog: NewCatalogCache(CatalogCacheTTL),
	}, nil
}

// loadDotEnv loads the first .env file found, checking the working
// directory then its parent. Values already set in the environment win.
func loadDotEnv() {
	for _, envPath := range []string{".env", "../.env"} {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("Loaded .env from: %s", absPath)
				return
			}
		}
	}
}

func rosterFromEnv() Roster {
	return Roster{
		Chairman:       envStr("COUNCIL_CHAIRMAN", DefaultChairman),
		Members:        splitModelList(envStr("COUNCIL_MEMBERS", DefaultMembers)),
		BackendMode:    envStr("COUNCIL_BACKEND", BackendLocal),
		TimeoutSeconds: envInt("COUNCIL_TIMEOUT_SECONDS", DefaultTimeoutSeconds),
	}
}

// Get returns a copy of the current roster snapshot.
func (s *ConfigStore) Get() Roster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRoster(s.roster)
}

// Set applies a partial update and swaps in the resulting roster if it
// validates. On failure the previous roster is unchanged.
func (s *ConfigStore) Set(update RosterUpdate) (Roster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := copyRoster(s.roster)
	if update.Chairman != nil {
		candidate.Chairman = strings.TrimSpace(*update.Chairman)
	}
	if update.Members != nil {
		members := make([]string, 0, len(*update.Members))
		for _, m := range *update.Members {
			members = append(members, strings.TrimSpace(m))
		}
		candidate.Members = members
	}
	if update.TimeoutSeconds != nil {
		candidate.TimeoutSeconds = *update.TimeoutSeconds
	}

	if err := validateRoster(candidate); err != nil {
		return Roster{}, err
	}

	s.roster = candidate
	return copyRoster(candidate), nil
}

// Reload re-reads configuration from .env and the environment and swaps
// in a fresh snapshot. In-flight requests are not disrupted. If the
// re-read roster is invalid the previous snapshot stays in place.
func (s *ConfigStore) Reload() (Roster, error) {
	for _, envPath := range []string{".env", "../.env"} {
		if _, err := os.Stat(envPath); err == nil {
			// Overload so edited .env values replace stale process env.
			_ = godotenv.Overload(envPath)
			break
		}
	}

	candidate := rosterFromEnv()
	if err := validateRoster(candidate); err != nil {
		return Roster{}, err
	}

	s.mu.Lock()
	s.roster = candidate
	s.mu.Unlock()
	return copyRoster(candidate), nil
}

// Validate reports, per candidate id, whether the backend can serve it.
// The installed-model catalog is fetched through the adapter and cached.
// The roster itself is never auto-corrected.
func (s *ConfigStore) Validate(ctx context.Context, adapter ModelAdapter, ids []string) (map[string]bool, error) {
	installed, ok := s.catalog.Get()
	if !ok {
		fetched, err := adapter.ListModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch model catalog: %w", err)
		}
		s.catalog.Set(fetched)
		installed = fetched
	}

	available := make(map[string]struct{}, len(installed))
	for _, name := range installed {
		available[name] = struct{}{}
	}

	results := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, results[id] = available[id]
	}
	return results, nil
}

// InvalidateCatalog drops the cached model catalog so the next Validate
// refetches it.
func (s *ConfigStore) InvalidateCatalog() {
	s.catalog.Clear()
}

func validateRoster(r Roster) error {
	if strings.TrimSpace(r.Chairman) == "" {
		return &ValidationError{Reason: "chairman must not be empty"}
	}
	if len(r.Members) > MaxCouncilMembers {
		return &ValidationError{Reason: fmt.Sprintf("at most %d members allowed, got %d", MaxCouncilMembers, len(r.Members))}
	}
	if r.BackendMode != BackendLocal && r.BackendMode != BackendRemote {
		return &ValidationError{Reason: fmt.Sprintf("backend_mode must be %q or %q", BackendLocal, BackendRemote)}
	}
	if r.TimeoutSeconds <= 0 {
		return &ValidationError{Reason: "timeout_seconds must be positive"}
	}

	seen := make(map[string]struct{})
	for _, id := range r.Participants() {
		if strings.TrimSpace(id) == "" {
			return &ValidationError{Reason: "model ids must not be empty"}
		}
		if _, dup := seen[id]; dup {
			return &ValidationError{Reason: fmt.Sprintf("duplicate model id %q", id)}
		}
		seen[id] = struct{}{}
	}
	if len(seen) < 2 {
		return &ValidationError{Reason: "council needs at least 2 unique models (chairman + members)"}
	}
	return nil
}

func copyRoster(r Roster) Roster {
	out := r
	out.Members = make([]string, len(r.Members))
	copy(out.Members, r.Members)
	return out
}

func splitModelList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// corsOriginsFromEnv returns the configured CORS origins, empty in
// development where any localhost origin is allowed.
func corsOriginsFromEnv() []string {
	raw := os.Getenv("CORS_ALLOWED_ORIGINS")
	if raw == "" {
		return nil
	}
	return splitModelList(raw)
}
