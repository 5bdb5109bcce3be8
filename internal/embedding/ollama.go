package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ollama/ollama/api"
)

// ollamaMaxChars keeps chunks well inside local embedding models' context
// windows.
const ollamaMaxChars = 2000

// OllamaProvider embeds through a local Ollama instance.
type OllamaProvider struct {
	client *api.Client
	model  string
	dim    atomic.Int32
}

// NewOllamaProvider connects to the Ollama server at baseURL (the default
// http://localhost:11434 when empty).
func NewOllamaProvider(baseURL, model string) (*OllamaProvider, error) {
	if model == "" {
		model = "nomic-embed-text"
	}
	if baseURL == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return &OllamaProvider{client: client, model: model}, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}
	return &OllamaProvider{client: api.NewClient(u, http.DefaultClient), model: model}, nil
}

func (o *OllamaProvider) Name() string  { return "ollama" }
func (o *OllamaProvider) Model() string { return o.model }

// Dimensions is 0 until the first embed reveals the model's vector width.
func (o *OllamaProvider) Dimensions() int { return int(o.dim.Load()) }

func (o *OllamaProvider) MaxChars() int { return ollamaMaxChars }

// Available probes the server with a short deadline so a stopped Ollama
// does not stall save operations.
func (o *OllamaProvider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := o.client.List(ctx)
	return err == nil
}

// Embed returns one vector per input text.
func (o *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.Embed(ctx, &api.EmbedRequest{
		Model: o.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	if len(resp.Embeddings) > 0 {
		o.dim.Store(int32(len(resp.Embeddings[0])))
	}
	return resp.Embeddings, nil
}
