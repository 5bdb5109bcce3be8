package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// remoteMaxChars is generous; hosted embedding models take thousands of
// tokens per input.
const remoteMaxChars = 8000

// RemoteProvider embeds through any OpenAI-compatible /v1/embeddings
// endpoint.
type RemoteProvider struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
	dim     atomic.Int32
}

// NewRemoteProvider targets an OpenAI-compatible API. The key may be empty
// for endpoints that do not authenticate.
func NewRemoteProvider(baseURL, model, apiKey string) (*RemoteProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote embedding url is required")
	}
	if model == "" {
		return nil, fmt.Errorf("remote embedding model is required")
	}
	return &RemoteProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (r *RemoteProvider) Name() string  { return "remote" }
func (r *RemoteProvider) Model() string { return r.model }

// Dimensions is 0 until the first embed reveals the model's vector width.
func (r *RemoteProvider) Dimensions() int { return int(r.dim.Load()) }

func (r *RemoteProvider) MaxChars() int { return remoteMaxChars }

// Available probes the endpoint with a one-item request and a short
// deadline.
func (r *RemoteProvider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.Embed(ctx, []string{"ping"})
	return err == nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed returns one vector per input text, in input order.
func (r *RemoteProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Model: r.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("embedding endpoint error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("endpoint returned %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("endpoint returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	if len(vectors) > 0 && len(vectors[0]) > 0 {
		r.dim.Store(int32(len(vectors[0])))
	}
	return vectors, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
