// Package openai embeds through the OpenAI embeddings API with bounded
// retries on transient upstream failures.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/openmemory/openmemory-go/pkg/embedder"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = string(goopenai.SmallEmbedding3)

	maxRetries = 3
	retryBase  = 500 * time.Millisecond
)

// Provider embeds through the OpenAI API.
type Provider struct {
	client *goopenai.Client
	model  goopenai.EmbeddingModel
	dim    int
}

// New builds a provider; model "" selects DefaultModel.
func New(apiKey, model string, dim int) *Provider {
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		client: goopenai.NewClient(apiKey),
		model:  goopenai.EmbeddingModel(model),
		dim:    dim,
	}
}

// Name implements embedder.Provider.
func (p *Provider) Name() string { return "openai" }

// Dimensions implements embedder.Provider.
func (p *Provider) Dimensions() int { return p.dim }

// Embed implements embedder.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch sends one request for all texts, retrying rate limits and
// server errors with exponential backoff.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	req := goopenai.EmbeddingRequest{
		Input:      texts,
		Model:      p.model,
		Dimensions: p.dim,
	}
	var resp goopenai.EmbeddingResponse
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = p.client.CreateEmbeddings(ctx, req)
		if err == nil || attempt >= maxRetries || !retryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBase << attempt):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("EmbedBatch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("EmbedBatch: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		out[d.Index] = embedder.Normalize(d.Embedding)
	}
	return out, nil
}

func retryable(err error) bool {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Transport-level failures are worth one more try.
	return true
}

// Health implements embedder.Provider. There is no cheap probe endpoint,
// so a configured client is reported available.
func (p *Provider) Health(context.Context) embedder.Health {
	return embedder.Health{Available: true, Version: string(p.model)}
}

// Close implements embedder.Provider.
func (p *Provider) Close() error { return nil }
