package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/savecontext/savecontext/internal/debug"
	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

// itemBudget bounds one item's embedding work so a slow provider cannot
// wedge a worker.
const itemBudget = 15 * time.Second

// backfillBatchSize is how many stale items one backfill pass picks up.
const backfillBatchSize = 50

// Pipeline embeds context items in the background: saves enqueue items for
// immediate embedding, and a startup backfill sweeps everything still
// pending or errored.
type Pipeline struct {
	store    storage.Storage
	provider Provider
	workers  int

	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// NewPipeline builds a pipeline with the given worker count (minimum 1).
func NewPipeline(store storage.Storage, provider Provider, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		store:    store,
		provider: provider,
		workers:  workers,
		queue:    make(chan string, 256),
	}
}

// Provider returns the active backend.
func (p *Pipeline) Provider() Provider {
	return p.provider
}

// EnsureSpace reconciles the store's vector space with the provider's
// dimension, probing with a throwaway embed when the provider does not
// know its width yet. When the dimension changes, backup runs before
// anything is dropped; existing embeddings then reset to none and the
// backfill re-embeds them.
func (p *Pipeline) EnsureSpace(ctx context.Context, backup func() error) (recreated bool, err error) {
	dim := p.provider.Dimensions()
	if dim == 0 {
		vectors, err := p.provider.Embed(ctx, []string{"dimension probe"})
		if err != nil {
			return false, fmt.Errorf("failed to probe embedding dimension: %w", err)
		}
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			return false, fmt.Errorf("provider returned an empty probe vector")
		}
		dim = len(vectors[0])
	}

	meta, err := p.store.GetVectorMeta(ctx)
	if err == nil && meta.Dimension != dim && backup != nil {
		if err := backup(); err != nil {
			return false, fmt.Errorf("failed to back up before vector recreation: %w", err)
		}
	}
	return p.store.EnsureVectorDim(ctx, dim, p.provider.Name(), p.provider.Model())
}

// Start launches the workers and one backfill sweep. Idempotent.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Add(1)
	go p.backfill(ctx)
}

// Stop cancels the workers and waits for in-flight items.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}

// Enqueue schedules an item for embedding. Never blocks; a full queue
// leaves the item pending for the next backfill sweep.
func (p *Pipeline) Enqueue(itemID string) {
	select {
	case p.queue <- itemID:
	default:
		debug.Logf("embedding queue full, leaving %s for backfill", itemID)
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case itemID := <-p.queue:
			p.embedItem(ctx, itemID)
		}
	}
}

// backfill sweeps unembedded and errored items in batches until none
// remain.
func (p *Pipeline) backfill(ctx context.Context) {
	defer p.wg.Done()
	for {
		if !p.provider.Available(ctx) {
			debug.Logf("backfill: provider down, leaving items for the next sweep")
			return
		}
		items, err := p.store.ListEmbeddable(ctx,
			[]types.EmbeddingStatus{types.EmbeddingNone, types.EmbeddingPending, types.EmbeddingError},
			backfillBatchSize)
		if err != nil {
			debug.Logf("backfill list failed: %v", err)
			return
		}
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.embedItem(ctx, item.ID)
		}
		if len(items) < backfillBatchSize {
			return
		}
	}
}

// embedItem chunks, embeds, and stores one item's vectors. Failures mark
// the item errored; they never propagate to the caller's save path.
func (p *Pipeline) embedItem(ctx context.Context, itemID string) {
	ctx, cancel := context.WithTimeout(ctx, itemBudget)
	defer cancel()

	item, err := p.store.GetContextItemByID(ctx, itemID)
	if err != nil {
		debug.Logf("embed: item %s vanished: %v", itemID, err)
		return
	}

	// An unreachable provider is not an error; the item waits as none
	// until a backfill finds the provider up again.
	if !p.provider.Available(ctx) {
		_ = p.store.SetEmbeddingStatus(ctx, itemID, types.EmbeddingNone)
		return
	}

	// Key and value embed together so searches on key terms hit too.
	texts := Chunk(item.Key+"\n"+item.Value, p.provider.MaxChars())
	if len(texts) == 0 {
		_ = p.store.MarkEmbedded(ctx, itemID, p.provider.Name(), p.provider.Model(), 0)
		return
	}

	vectors, err := p.provider.Embed(ctx, texts)
	if err != nil {
		debug.Logf("embed: provider failed for %s: %v", itemID, err)
		_ = p.store.SetEmbeddingStatus(ctx, itemID, types.EmbeddingError)
		return
	}

	chunks := make([]storage.Chunk, len(vectors))
	for i, vec := range vectors {
		chunks[i] = storage.Chunk{Index: i, Vector: vec}
	}
	if err := p.store.UpsertChunks(ctx, itemID, chunks, p.provider.Name(), p.provider.Model()); err != nil {
		debug.Logf("embed: upsert failed for %s: %v", itemID, err)
		_ = p.store.SetEmbeddingStatus(ctx, itemID, types.EmbeddingError)
		return
	}
	if err := p.store.MarkEmbedded(ctx, itemID, p.provider.Name(), p.provider.Model(), len(chunks)); err != nil {
		debug.Logf("embed: mark failed for %s: %v", itemID, err)
	}
}

// EmbedQuery embeds a single search query.
func (p *Pipeline) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := p.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("provider returned %d vectors for one query", len(vectors))
	}
	return vectors[0], nil
}
