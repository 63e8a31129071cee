// Package ollama talks to a local Ollama daemon over HTTP. Availability is
// probed in the background so request paths never block on a dead daemon.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/openmemory/openmemory-go/pkg/embedder"
)

const (
	// DefaultURL is the daemon's standard listen address.
	DefaultURL = "http://localhost:11434"

	probeInterval = 30 * time.Second
)

// Provider embeds through a running Ollama daemon.
type Provider struct {
	url    string
	model  string
	dim    int
	client *http.Client

	available atomic.Bool
	version   atomic.Value // string
	models    atomic.Value // []string

	stop     chan struct{}
	stopOnce sync.Once
}

// New starts a background probe immediately; use Health to observe it.
func New(url, model string, dim int) *Provider {
	if url == "" {
		url = DefaultURL
	}
	p := &Provider{
		url:    url,
		model:  model,
		dim:    dim,
		client: &http.Client{Timeout: 30 * time.Second},
		stop:   make(chan struct{}),
	}
	p.version.Store("")
	p.models.Store([]string(nil))
	go p.probeLoop()
	return p
}

// Name implements embedder.Provider.
func (p *Provider) Name() string { return "ollama" }

// Dimensions implements embedder.Provider.
func (p *Provider) Dimensions() int { return p.dim }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed calls the daemon's embeddings endpoint.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("Embed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Embed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.available.Store(false)
		return nil, fmt.Errorf("Embed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Embed: daemon returned status %d", resp.StatusCode)
	}
	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("Embed: decode: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("Embed: empty embedding from model %q", p.model)
	}
	return embedder.Normalize(out.Embedding), nil
}

// EmbedBatch implements embedder.Provider; the daemon has no batch
// endpoint.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedder.BatchFallback(ctx, p, texts)
}

// Health reports the last probe result without touching the daemon.
func (p *Provider) Health(context.Context) embedder.Health {
	models, _ := p.models.Load().([]string)
	version, _ := p.version.Load().(string)
	return embedder.Health{
		Available:    p.available.Load(),
		Version:      version,
		ModelsLoaded: models,
	}
}

// Close stops the probe loop.
func (p *Provider) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}

func (p *Provider) probeLoop() {
	p.probe()
	t := time.NewTicker(probeInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.probe()
		}
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type versionResponse struct {
	Version string `json:"version"`
}

func (p *Provider) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"/api/tags", nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			_ = resp.Body.Close()
		}
		if p.available.Swap(false) {
			log.Warn("ollama daemon unreachable", "url", p.url)
		}
		return
	}
	var tags tagsResponse
	err = json.NewDecoder(resp.Body).Decode(&tags)
	_ = resp.Body.Close()
	if err != nil {
		p.available.Store(false)
		return
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	p.models.Store(names)
	if !p.available.Swap(true) {
		log.Info("ollama daemon available", "url", p.url, "models", len(names))
	}

	if vreq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"/api/version", nil); err == nil {
		if vresp, err := p.client.Do(vreq); err == nil {
			var v versionResponse
			if json.NewDecoder(vresp.Body).Decode(&v) == nil {
				p.version.Store(v.Version)
			}
			_ = vresp.Body.Close()
		}
	}
}
