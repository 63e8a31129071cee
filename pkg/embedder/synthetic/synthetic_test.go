package synthetic_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/embedder"
	"github.com/openmemory/openmemory-go/pkg/embedder/synthetic"
)

func TestEmbed_Deterministic(t *testing.T) {
	p := synthetic.New(64)
	ctx := context.Background()

	a, err := p.Embed(ctx, "the capital of France is Paris")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "the capital of France is Paris")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := p.Embed(ctx, "a different sentence entirely")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEmbed_UnitNorm(t *testing.T) {
	p := synthetic.New(synthetic.DefaultDimensions)
	vec, err := p.Embed(context.Background(), "normalize me")
	require.NoError(t, err)
	require.Len(t, vec, synthetic.DefaultDimensions)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestEmbed_SelfSimilarity(t *testing.T) {
	p := synthetic.New(128)
	vec, err := p.Embed(context.Background(), "self similar")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, embedder.Cosine(vec, vec), 1e-6)
}

func TestEmbedBatch(t *testing.T) {
	p := synthetic.New(32)
	vecs, err := p.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	single, err := p.Embed(context.Background(), "two")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[1])
}

func TestHealth_AlwaysAvailable(t *testing.T) {
	p := synthetic.New(8)
	assert.True(t, p.Health(context.Background()).Available)
}
