// Package synthetic provides a deterministic offline embedder. The same
// text always produces the same unit vector, so retrieval stays exact-match
// stable without any model daemon. It is the default provider and the
// fallback when a real provider times out.
package synthetic

import (
	"context"
	"hash/fnv"
	"math/rand"

	"github.com/openmemory/openmemory-go/pkg/embedder"
)

// DefaultDimensions matches the common small embedding width.
const DefaultDimensions = 384

// Provider is the deterministic embedder.
type Provider struct {
	dim int
}

// New returns a provider emitting dim-wide vectors; dim <= 0 selects
// DefaultDimensions.
func New(dim int) *Provider {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return &Provider{dim: dim}
}

// Name implements embedder.Provider.
func (p *Provider) Name() string { return "synthetic" }

// Dimensions implements embedder.Provider.
func (p *Provider) Dimensions() int { return p.dim }

// Embed derives the vector from a seeded generator so output depends only
// on the text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	v := make([]float32, p.dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return embedder.Normalize(v), nil
}

// EmbedBatch implements embedder.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedder.BatchFallback(ctx, p, texts)
}

// Health implements embedder.Provider. The synthetic provider is always
// available.
func (p *Provider) Health(context.Context) embedder.Health {
	return embedder.Health{Available: true, Version: "builtin"}
}

// Close implements embedder.Provider.
func (p *Provider) Close() error { return nil }
