// Package embedding turns context items into chunk vectors. Providers are
// interchangeable backends; the pipeline drives chunking, worker scheduling,
// and the item embedding lifecycle (pending -> ok or error).
package embedding

import "context"

// Provider generates embedding vectors for batches of text.
type Provider interface {
	// Name identifies the backend ("ollama", "remote").
	Name() string
	// Model returns the model identifier in use.
	Model() string
	// Dimensions returns the vector width, or 0 while it is still
	// unknown (backends that only learn it from the first embed).
	Dimensions() int
	// MaxChars bounds how much text a single embedded chunk may carry.
	MaxChars() int
	// Available probes whether the backend is reachable right now.
	Available(ctx context.Context) bool
	// Embed returns one vector per input text, all of the same dimension.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
