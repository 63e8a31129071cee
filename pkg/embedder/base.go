// Package embedder defines the embedding provider contract and its shared
// helpers. Concrete providers live in the subpackages; the router composes
// them with per-sector routing, request collapsing and a small cache.
package embedder

import (
	"context"
	"math"
)

// Health describes a provider's current availability.
type Health struct {
	Available    bool     `json:"available"`
	Version      string   `json:"version,omitempty"`
	ModelsLoaded []string `json:"models_loaded,omitempty"`
}

// Provider produces dense embeddings. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name identifies the provider ("synthetic", "ollama", "openai").
	Name() string

	// Embed returns one embedding for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed output width.
	Dimensions() int

	// Health reports current availability without blocking on the
	// upstream service.
	Health(ctx context.Context) Health

	Close() error
}

// Normalize scales v to unit length in place and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Cosine returns the cosine similarity of two equal-length vectors, zero
// when either has no magnitude or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// BatchFallback implements EmbedBatch through repeated Embed calls for
// providers without a native batch endpoint.
func BatchFallback(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
