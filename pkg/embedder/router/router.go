// Package router composes embedding providers. It routes by sector,
// collapses concurrent identical requests, serves a small recency cache,
// and falls back to the deterministic provider when the primary fails or
// exceeds its deadline.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/openmemory/openmemory-go/pkg/embedder"
)

const (
	// cacheCap bounds the micro-cache. Eviction removes the entry with
	// the lowest retention score.
	cacheCap = 32

	// cacheThreshold is the minimum retention score an entry needs to be
	// served.
	cacheThreshold = 0.85

	// Retention score mixes the stored score with recency.
	scoreLambda = 0.7
	scoreTau    = time.Hour
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openmemory_embed_cache_hits_total",
		Help: "Embedding micro-cache hits.",
	})
	fallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openmemory_embed_fallbacks_total",
		Help: "Embeddings served by the deterministic fallback after a primary failure.",
	})
)

type cacheEntry struct {
	vec      []float32
	score    float64
	storedAt time.Time
}

// retention is the entry's current worth; it decays as the entry ages.
func (e *cacheEntry) retention(now time.Time) float64 {
	age := now.Sub(e.storedAt)
	decay := 1.0
	if age > 0 {
		decay = math.Exp(-float64(age) / float64(scoreTau))
	}
	return scoreLambda*e.score + (1-scoreLambda)*decay
}

// Router implements embedder.Provider over a primary and a fallback.
type Router struct {
	primary  embedder.Provider
	fallback embedder.Provider

	// routes maps sector names to dedicated providers; unrouted sectors
	// use the primary.
	routes map[string]embedder.Provider

	timeout time.Duration

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// Option configures a Router.
type Option func(*Router)

// WithTimeout bounds each primary call; on expiry the fallback answers.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithRoute pins one sector to a dedicated provider.
func WithRoute(sector string, p embedder.Provider) Option {
	return func(r *Router) { r.routes[sector] = p }
}

// New builds a router. fallback must never fail; in practice it is the
// deterministic provider.
func New(primary, fallback embedder.Provider, opts ...Option) *Router {
	r := &Router{
		primary:  primary,
		fallback: fallback,
		routes:   map[string]embedder.Provider{},
		timeout:  2 * time.Second,
		cache:    map[string]*cacheEntry{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Name implements embedder.Provider.
func (r *Router) Name() string { return r.primary.Name() }

// Dimensions implements embedder.Provider.
func (r *Router) Dimensions() int { return r.primary.Dimensions() }

// EmbedSector embeds text with the provider routed for sector. Identical
// concurrent requests collapse into one upstream call.
func (r *Router) EmbedSector(ctx context.Context, sector, text string) ([]float32, error) {
	key := digest(sector, text)

	if vec := r.cacheGet(key); vec != nil {
		cacheHits.Inc()
		return vec, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		vec, err := r.embedOnce(ctx, sector, text)
		if err != nil {
			return nil, err
		}
		r.cachePut(key, vec, 1.0)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Embed implements embedder.Provider with no sector routing.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	return r.EmbedSector(ctx, "", text)
}

// EmbedBatch implements embedder.Provider.
func (r *Router) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedder.BatchFallback(ctx, r, texts)
}

func (r *Router) embedOnce(ctx context.Context, sector, text string) ([]float32, error) {
	p := r.primary
	if routed, ok := r.routes[sector]; ok {
		p = routed
	}
	if p == r.fallback {
		return p.Embed(ctx, text)
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	vec, err := p.Embed(cctx, text)
	if err == nil {
		return vec, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log.Warn("embedding provider failed, using fallback", "provider", p.Name(), "err", err)
	fallbacks.Inc()
	return r.fallback.Embed(ctx, text)
}

// Health reports the primary's health.
func (r *Router) Health(ctx context.Context) embedder.Health {
	return r.primary.Health(ctx)
}

// Close closes every distinct provider once.
func (r *Router) Close() error {
	seen := map[embedder.Provider]bool{r.primary: true, r.fallback: true}
	for _, p := range r.routes {
		seen[p] = true
	}
	var first error
	for p := range seen {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Router) cacheGet(key string) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok {
		return nil
	}
	if e.retention(time.Now()) < cacheThreshold {
		delete(r.cache, key)
		return nil
	}
	return e.vec
}

func (r *Router) cachePut(key string, vec []float32, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= cacheCap {
		now := time.Now()
		var worst string
		worstScore := 2.0
		for k, e := range r.cache {
			if s := e.retention(now); s < worstScore {
				worstScore = s
				worst = k
			}
		}
		delete(r.cache, worst)
	}
	r.cache[key] = &cacheEntry{vec: vec, score: score, storedAt: time.Now()}
}

func digest(sector, text string) string {
	h := sha256.Sum256([]byte(sector + "\x00" + text))
	return hex.EncodeToString(h[:])
}
