package pricing

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ModelCost mirrors a single model's published per-token rates from
// models.dev, in whatever unit that feed reports (USD per token).
type ModelCost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	Reasoning  float64 `json:"reasoning,omitempty"`
	CacheRead  float64 `json:"cache_read,omitempty"`
	CacheWrite float64 `json:"cache_write,omitempty"`
}

type modelInfo struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Cost ModelCost `json:"cost"`
}

type provider struct {
	ID     string               `json:"id"`
	Name   string               `json:"name"`
	API    string               `json:"api,omitempty"`
	Models map[string]modelInfo `json:"models"`
}

// ModelsDevSource is a supplementary, best-effort price source consulted
// only when the in-memory pricing Table has no per-model entry for a model
// (never overriding one). It fetches the public models.dev
// catalog once in the background; failures are silent because cost
// calculation from this source is optional.
type ModelsDevSource struct {
	mu           sync.RWMutex
	providers    map[string]provider
	globalModels map[string]ModelCost
	loaded       bool
}

const modelsDevURL = "https://models.dev/api.json"

// NewModelsDevSource returns an empty source; call Load to populate it.
func NewModelsDevSource() *ModelsDevSource {
	return &ModelsDevSource{
		providers:    make(map[string]provider),
		globalModels: make(map[string]ModelCost),
	}
}

// Load fetches the catalog in a background goroutine. It never blocks the
// caller and never returns an error; a failed fetch just leaves Lookup
// reporting no data.
func (s *ModelsDevSource) Load() {
	go func() {
		_ = s.fetch()
	}()
}

func (s *ModelsDevSource) fetch() error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(modelsDevURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var providers map[string]provider
	if err := json.Unmarshal(body, &providers); err != nil {
		return err
	}

	globalModels := make(map[string]ModelCost)
	for _, p := range providers {
		for slug, model := range p.Models {
			if existing, ok := globalModels[slug]; !ok || (existing.Input == 0 && model.Cost.Input > 0) {
				globalModels[slug] = model.Cost
			}
		}
	}

	s.mu.Lock()
	s.providers = providers
	s.globalModels = globalModels
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Loaded reports whether the background fetch has completed successfully.
func (s *ModelsDevSource) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// FindProviderID matches a routed upstream base URL against a provider's
// published API prefix, falling back to hostname-pattern matching.
func (s *ModelsDevSource) FindProviderID(routedURL string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return ""
	}

	routedURL = strings.TrimSuffix(routedURL, "/")
	for id, p := range s.providers {
		if p.API == "" {
			continue
		}
		if strings.HasPrefix(routedURL, strings.TrimSuffix(p.API, "/")) {
			return id
		}
	}

	lower := strings.ToLower(routedURL)
	patterns := map[string][]string{
		"openai":     {"api.openai.com"},
		"anthropic":  {"api.anthropic.com"},
		"google":     {"generativelanguage.googleapis.com"},
		"openrouter": {"openrouter.ai"},
		"groq":       {"api.groq.com"},
		"together":   {"api.together.xyz", "together.ai"},
		"fireworks":  {"fireworks.ai"},
		"mistral":    {"api.mistral.ai"},
		"cohere":     {"api.cohere.ai", "cohere.ai"},
		"deepseek":   {"api.deepseek.com"},
		"xai":        {"api.x.ai"},
	}
	for id, pats := range patterns {
		for _, pat := range pats {
			if strings.Contains(lower, pat) {
				if _, ok := s.providers[id]; ok {
					return id
				}
			}
		}
	}
	return ""
}

// Lookup returns the published cost for modelSlug, preferring providerID's
// own catalog and falling back to a global slug search with common
// separator/case variations and suffix matching in both directions.
func (s *ModelsDevSource) Lookup(providerID, modelSlug string) (ModelCost, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return ModelCost{}, false
	}

	if providerID != "" {
		if p, ok := s.providers[providerID]; ok {
			if m, ok := p.Models[modelSlug]; ok {
				return m.Cost, true
			}
			if idx := strings.Index(modelSlug, "/"); idx != -1 {
				if m, ok := p.Models[modelSlug[idx+1:]]; ok {
					return m.Cost, true
				}
			}
			for _, variant := range variations(modelSlug) {
				if m, ok := p.Models[variant]; ok {
					return m.Cost, true
				}
			}
		}
	}

	if cost, ok := s.globalModels[modelSlug]; ok {
		return cost, true
	}
	if idx := strings.Index(modelSlug, "/"); idx != -1 {
		if cost, ok := s.globalModels[modelSlug[idx+1:]]; ok {
			return cost, true
		}
	}
	for _, variant := range variations(modelSlug) {
		if cost, ok := s.globalModels[variant]; ok {
			return cost, true
		}
	}

	suffix := "." + modelSlug
	for dbSlug, cost := range s.globalModels {
		if strings.HasSuffix(dbSlug, suffix) || strings.HasSuffix(modelSlug, "."+dbSlug) {
			return cost, true
		}
	}
	return ModelCost{}, false
}

func variations(slug string) []string {
	return []string{
		strings.ReplaceAll(slug, ".", "-"),
		strings.ReplaceAll(slug, "-", "."),
		strings.ToLower(slug),
	}
}
