package search

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/savecontext/savecontext/internal/embedding"
	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/storage/sqlite"
	"github.com/savecontext/savecontext/internal/types"
)

// wordProvider gives related texts similar vectors: each vector is a bag
// of hashed word buckets, so shared words raise cosine similarity.
type wordProvider struct {
	down bool
}

func (w *wordProvider) Name() string                       { return "word" }
func (w *wordProvider) Model() string                      { return "word-hash" }
func (w *wordProvider) Dimensions() int                    { return 32 }
func (w *wordProvider) MaxChars() int                      { return 2000 }
func (w *wordProvider) Available(ctx context.Context) bool { return !w.down }

func (w *wordProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if w.down {
		return nil, fmt.Errorf("provider down")
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 32)
		for _, tok := range Tokenize(text) {
			h := 0
			for _, r := range tok {
				h = h*31 + int(r)
			}
			vec[((h%32)+32)%32]++
		}
		vectors[i] = vec
	}
	return vectors, nil
}

type searchEnv struct {
	store  *sqlite.Store
	engine *Engine
	pipe   *embedding.Pipeline
	sess   *types.Session
	ctx    context.Context
}

func newSearchEnv(t *testing.T, provider embedding.Provider) *searchEnv {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sess := &types.Session{Name: "search test", ProjectPath: "/tmp/search"}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	var pipe *embedding.Pipeline
	if provider != nil {
		pipe = embedding.NewPipeline(store, provider, 1)
	}
	return &searchEnv{
		store:  store,
		engine: NewEngine(store, pipe, 0.2),
		pipe:   pipe,
		sess:   sess,
		ctx:    ctx,
	}
}

// save stores an item and, when a pipeline exists, embeds it inline so
// tests stay deterministic.
func (e *searchEnv) save(t *testing.T, key, value string) *types.ContextItem {
	t.Helper()
	item := &types.ContextItem{SessionID: e.sess.ID, Key: key, Value: value}
	if _, err := e.store.SaveContextItem(e.ctx, item); err != nil {
		t.Fatalf("SaveContextItem(%q) failed: %v", key, err)
	}
	if e.pipe != nil {
		vectors, err := e.pipe.Provider().Embed(e.ctx, []string{key + "\n" + value})
		if err != nil {
			return item
		}
		chunks := []storage.Chunk{{Index: 0, Vector: vectors[0]}}
		if err := e.store.UpsertChunks(e.ctx, item.ID, chunks, "word", "word-hash"); err != nil {
			t.Fatalf("UpsertChunks failed: %v", err)
		}
		if err := e.store.MarkEmbedded(e.ctx, item.ID, "word", "word-hash", 1); err != nil {
			t.Fatalf("MarkEmbedded failed: %v", err)
		}
	}
	return item
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Fix the JWT auth in DB")
	want := []string{"fix", "the", "jwt", "auth"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
	if got := Tokenize("a of in"); got != nil {
		t.Errorf("short tokens should all drop, got %v", got)
	}
}

func TestSemanticSearchRanksByMeaning(t *testing.T) {
	env := newSearchEnv(t, &wordProvider{})
	if _, err := env.pipe.EnsureSpace(env.ctx, nil); err != nil {
		t.Fatalf("EnsureSpace failed: %v", err)
	}

	auth := env.save(t, "auth-decision", "use jwt tokens for authentication and refresh tokens")
	env.save(t, "build-note", "the webpack build caches modules aggressively")

	resp, err := env.engine.Search(env.ctx, Request{
		Query:     "jwt authentication tokens",
		SessionID: env.sess.ID,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Mode != "semantic" {
		t.Fatalf("mode = %q, want semantic", resp.Mode)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected at least one result")
	}
	if resp.Results[0].Item.ID != auth.ID {
		t.Errorf("top result = %q, want %q", resp.Results[0].Item.Key, auth.Key)
	}
	if resp.Tip != "" {
		t.Errorf("semantic mode should carry no tip, got %q", resp.Tip)
	}
}

func TestKeywordFallbackWhenProviderDown(t *testing.T) {
	env := newSearchEnv(t, &wordProvider{down: true})
	env.save(t, "auth-decision", "use jwt tokens for authentication")
	env.save(t, "db-note", "postgres connection pool sized at ten")

	resp, err := env.engine.Search(env.ctx, Request{
		Query:     "jwt authentication",
		SessionID: env.sess.ID,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Mode != "keyword" {
		t.Fatalf("mode = %q, want keyword", resp.Mode)
	}
	if resp.Tip == "" {
		t.Error("keyword mode should surface a tip")
	}
	if len(resp.Results) != 1 || resp.Results[0].Item.Key != "auth-decision" {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
}

func TestKeywordScoringWeighsValueDouble(t *testing.T) {
	env := newSearchEnv(t, nil)
	env.save(t, "redis", "notes about something else entirely")
	env.save(t, "other-key", "redis caching layer with redis sentinel")

	resp, err := env.engine.Search(env.ctx, Request{Query: "redis", SessionID: env.sess.ID})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	// Two value hits (score 4) beat one key hit (score 1).
	if resp.Results[0].Item.Key != "other-key" {
		t.Errorf("top result = %q, want other-key", resp.Results[0].Item.Key)
	}
	if resp.Results[0].Score != 4 {
		t.Errorf("top score = %v, want 4", resp.Results[0].Score)
	}
}

func TestKeywordSearchRequiresSession(t *testing.T) {
	env := newSearchEnv(t, nil)
	_, err := env.engine.Search(env.ctx, Request{Query: "anything", AllSessions: true})
	if err == nil {
		t.Fatal("expected validation error without a session")
	}
}

// fixedProvider pins each text to a known vector so similarity scores in
// threshold tests are exact.
type fixedProvider struct{}

func (fixedProvider) Name() string                       { return "fixed" }
func (fixedProvider) Model() string                      { return "fixed" }
func (fixedProvider) Dimensions() int                    { return 2 }
func (fixedProvider) MaxChars() int                      { return 2000 }
func (fixedProvider) Available(ctx context.Context) bool { return true }

func (fixedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		switch {
		case strings.Contains(text, "anchor"):
			vectors[i] = []float32{1, 0}
		case strings.Contains(text, "faint"):
			vectors[i] = []float32{0.1, 0.995}
		case strings.Contains(text, "opposite"):
			vectors[i] = []float32{-1, 0}
		default:
			vectors[i] = []float32{0, 1}
		}
	}
	return vectors, nil
}

func TestSearchExplicitZeroThreshold(t *testing.T) {
	env := newSearchEnv(t, fixedProvider{})
	if _, err := env.pipe.EnsureSpace(env.ctx, nil); err != nil {
		t.Fatalf("EnsureSpace failed: %v", err)
	}

	env.save(t, "anchor-note", "the anchor decision")
	env.save(t, "faint-note", "a faint echo of it")
	env.save(t, "opposite-note", "points the other way")

	// The engine's default cutoff drops the faint match (similarity 0.1).
	resp, err := env.engine.Search(env.ctx, Request{Query: "anchor", SessionID: env.sess.ID})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Item.Key != "anchor-note" {
		t.Fatalf("default threshold: unexpected results %+v", resp.Results)
	}

	// An explicit zero is a real cutoff, not a request for the default:
	// the faint positive match comes back while the negative one stays out.
	zero := 0.0
	resp, err = env.engine.Search(env.ctx, Request{Query: "anchor", SessionID: env.sess.ID, Threshold: &zero})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("zero threshold: expected 2 results, got %d: %+v", len(resp.Results), resp.Results)
	}
	if resp.Results[0].Item.Key != "anchor-note" || resp.Results[1].Item.Key != "faint-note" {
		t.Errorf("zero threshold: unexpected ranking %+v", resp.Results)
	}
}

func TestSearchFiltersByCategory(t *testing.T) {
	env := newSearchEnv(t, nil)
	item := &types.ContextItem{
		SessionID: env.sess.ID, Key: "auth-choice", Value: "implement jwt auth",
		Category: types.CategoryDecision,
	}
	if _, err := env.store.SaveContextItem(env.ctx, item); err != nil {
		t.Fatalf("SaveContextItem failed: %v", err)
	}
	env.save(t, "auth-note", "jwt auth background reading")

	resp, err := env.engine.Search(env.ctx, Request{
		Query:     "jwt auth",
		SessionID: env.sess.ID,
		Category:  types.CategoryDecision,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Item.Key != "auth-choice" {
		t.Errorf("category filter leaked: %+v", resp.Results)
	}
}
