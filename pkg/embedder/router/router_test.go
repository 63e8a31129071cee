package router_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/embedder"
	"github.com/openmemory/openmemory-go/pkg/embedder/router"
	"github.com/openmemory/openmemory-go/pkg/embedder/synthetic"
)

// countingProvider wraps the deterministic provider and counts calls.
type countingProvider struct {
	inner *synthetic.Provider
	calls atomic.Int64
	fail  atomic.Bool
}

func (p *countingProvider) Name() string    { return "counting" }
func (p *countingProvider) Dimensions() int { return p.inner.Dimensions() }
func (p *countingProvider) Close() error    { return nil }

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	if p.fail.Load() {
		return nil, errors.New("provider down")
	}
	return p.inner.Embed(ctx, text)
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedder.BatchFallback(ctx, p, texts)
}

func (p *countingProvider) Health(context.Context) embedder.Health {
	return embedder.Health{Available: !p.fail.Load()}
}

func TestEmbedSector_CacheHit(t *testing.T) {
	primary := &countingProvider{inner: synthetic.New(32)}
	r := router.New(primary, synthetic.New(32))
	ctx := context.Background()

	a, err := r.EmbedSector(ctx, "semantic", "cache me")
	require.NoError(t, err)
	b, err := r.EmbedSector(ctx, "semantic", "cache me")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, int64(1), primary.calls.Load())
}

func TestEmbedSector_SectorKeysAreDistinct(t *testing.T) {
	primary := &countingProvider{inner: synthetic.New(32)}
	r := router.New(primary, synthetic.New(32))
	ctx := context.Background()

	_, err := r.EmbedSector(ctx, "semantic", "same text")
	require.NoError(t, err)
	_, err = r.EmbedSector(ctx, "episodic", "same text")
	require.NoError(t, err)

	// Different sectors never share cache entries.
	assert.Equal(t, int64(2), primary.calls.Load())
}

func TestEmbedSector_FallbackOnFailure(t *testing.T) {
	primary := &countingProvider{inner: synthetic.New(32)}
	primary.fail.Store(true)
	fallback := synthetic.New(32)
	r := router.New(primary, fallback)

	vec, err := r.EmbedSector(context.Background(), "semantic", "please")
	require.NoError(t, err)

	want, err := fallback.Embed(context.Background(), "please")
	require.NoError(t, err)
	assert.Equal(t, want, vec)
}

func TestEmbedSector_RouteOverride(t *testing.T) {
	primary := &countingProvider{inner: synthetic.New(32)}
	routed := &countingProvider{inner: synthetic.New(32)}
	r := router.New(primary, synthetic.New(32),
		router.WithRoute("procedural", routed))
	ctx := context.Background()

	_, err := r.EmbedSector(ctx, "procedural", "routed text")
	require.NoError(t, err)
	assert.Equal(t, int64(0), primary.calls.Load())
	assert.Equal(t, int64(1), routed.calls.Load())

	_, err = r.EmbedSector(ctx, "semantic", "primary text")
	require.NoError(t, err)
	assert.Equal(t, int64(1), primary.calls.Load())
}
