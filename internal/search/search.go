// Package search retrieves context items by meaning when embeddings are
// available and by keyword overlap when they are not.
package search

import (
	"context"
	"sort"
	"strings"

	"github.com/savecontext/savecontext/internal/debug"
	"github.com/savecontext/savecontext/internal/embedding"
	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

// DefaultLimit caps result counts when the caller does not set one.
const DefaultLimit = 10

// keywordTip nudges users toward semantic search when keyword mode fires.
const keywordTip = "semantic search is unavailable; run a local Ollama with an embedding model for better results"

// Request describes one search. SessionID scopes the search; AllSessions
// widens semantic mode across every session (keyword mode still requires
// a session). Threshold overrides the engine's similarity cutoff when
// set; zero is a real value (cosine similarity runs from -1 to 1), so
// only a nil Threshold means "use the default".
type Request struct {
	Query       string
	SessionID   string
	AllSessions bool
	Category    types.Category
	Priority    types.Priority
	Channel     string
	Limit       int
	Threshold   *float64
}

// Result is one matched item with its score. Score is cosine similarity
// in semantic mode and a keyword hit count otherwise.
type Result struct {
	Item  *types.ContextItem `json:"item"`
	Score float64            `json:"score"`
}

// Response carries the matches plus which mode produced them.
type Response struct {
	Results []Result `json:"results"`
	Mode    string   `json:"mode"` // "semantic" or "keyword"
	Tip     string   `json:"tip,omitempty"`
}

// Engine runs searches against the store. The pipeline may be nil when no
// embedding provider is configured; every search then uses keyword mode.
type Engine struct {
	store     storage.Storage
	pipeline  *embedding.Pipeline
	threshold float64
}

// NewEngine builds a search engine with the configured default similarity
// threshold.
func NewEngine(store storage.Storage, pipeline *embedding.Pipeline, threshold float64) *Engine {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	return &Engine{store: store, pipeline: pipeline, threshold: threshold}
}

// Search tries semantic mode first and falls back to keyword mode when no
// provider is reachable or semantic mode matched nothing.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if req.Query == "" {
		return nil, storage.Validationf("search query is required")
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}

	if e.pipeline != nil && e.pipeline.Provider().Available(ctx) {
		results, err := e.semantic(ctx, req)
		if err != nil {
			debug.Logf("semantic search failed, falling back to keyword: %v", err)
		} else if len(results) > 0 {
			return &Response{Results: results, Mode: "semantic"}, nil
		}
	}

	if req.SessionID == "" {
		return nil, storage.Validationf("keyword search requires a session")
	}
	results, err := e.keyword(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Response{Results: results, Mode: "keyword", Tip: keywordTip}, nil
}

// semantic embeds the query and ranks items by their best chunk score.
func (e *Engine) semantic(ctx context.Context, req Request) ([]Result, error) {
	vec, err := e.pipeline.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if req.AllSessions {
		sessionID = ""
	}
	// Over-fetch chunks so per-item grouping still fills the limit.
	matches, err := e.store.SearchChunks(ctx, vec, sessionID, req.Limit*8)
	if err != nil {
		return nil, err
	}

	threshold := e.threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
		if threshold < -1 {
			threshold = -1
		}
		if threshold > 1 {
			threshold = 1
		}
	}

	best := make(map[string]float64)
	for _, m := range matches {
		if m.Score < threshold {
			continue
		}
		if m.Score > best[m.ItemID] {
			best[m.ItemID] = m.Score
		}
	}

	var results []Result
	for itemID, score := range best {
		item, err := e.store.GetContextItemByID(ctx, itemID)
		if err != nil {
			continue
		}
		if !e.matchesFilters(item, req) {
			continue
		}
		results = append(results, Result{Item: item, Score: score})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// keyword scores items by token overlap: value hits count double.
func (e *Engine) keyword(ctx context.Context, req Request) ([]Result, error) {
	tokens := Tokenize(req.Query)
	if len(tokens) == 0 {
		return nil, nil
	}

	items, err := e.store.ListContextItems(ctx, storage.ContextFilter{
		SessionID: req.SessionID,
		Category:  req.Category,
		Priority:  req.Priority,
		Channel:   req.Channel,
	})
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, item := range items {
		score := keywordScore(item, tokens)
		if score > 0 {
			results = append(results, Result{Item: item, Score: float64(score)})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Item.UpdatedAt > results[j].Item.UpdatedAt
	})
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

func (e *Engine) matchesFilters(item *types.ContextItem, req Request) bool {
	if req.Category != "" && item.Category != req.Category {
		return false
	}
	if req.Priority != "" && item.Priority != req.Priority {
		return false
	}
	if req.Channel != "" && item.Channel != req.Channel {
		return false
	}
	return true
}

// Tokenize lowercases the query and drops tokens of two characters or
// fewer.
func Tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var tokens []string
	for _, f := range fields {
		if len(f) > 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func keywordScore(item *types.ContextItem, tokens []string) int {
	key := strings.ToLower(item.Key)
	value := strings.ToLower(item.Value)
	score := 0
	for _, tok := range tokens {
		score += 2 * strings.Count(value, tok)
		score += strings.Count(key, tok)
	}
	return score
}
