package core

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/openmemory/openmemory-go/pkg/config"
	"github.com/openmemory/openmemory-go/pkg/embedder"
	"github.com/openmemory/openmemory-go/pkg/intelligence"
	"github.com/openmemory/openmemory-go/pkg/storage"
)

const (
	// queryScanPage bounds each candidate page during the vector scan.
	queryScanPage = 256

	// waypointBonus scales the additive boost for the top hit's strong
	// neighbors, one hop only.
	waypointBonus = 0.05

	// waypointBonusMinWeight gates which neighbors receive the bonus.
	waypointBonusMinWeight = 0.6
)

type candidate struct {
	memoryID string
	cosine   float64
}

// candidateHeap is a min-heap by cosine so the weakest candidate is
// evicted first.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].cosine < h[j].cosine }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *candidateHeap) offer(c candidate, capacity int) {
	if h.Len() < capacity {
		heap.Push(h, c)
		return
	}
	if c.cosine > (*h)[0].cosine {
		(*h)[0] = c
		heap.Fix(h, 0)
	}
}

// Query runs hybrid retrieval: dense similarity over the user's vectors,
// a keyword lexical boost, and a recency term, fused into one score.
// An empty query or k=0 returns empty matches, not an error.
func (e *Engine) Query(ctx context.Context, req *QueryRequest) ([]QueryResult, error) {
	if req.UserID == "" {
		return nil, EK("Query", KindValidation, errors.New("user_id is required"))
	}
	if strings.TrimSpace(req.Query) == "" || req.K <= 0 {
		return []QueryResult{}, nil
	}
	cfg := e.holder.Get()

	queryVec, _, err := e.embedWithTimeout(ctx, "", req.Query)
	if err != nil {
		return nil, err
	}

	cands, err := e.gatherCandidates(ctx, req, cfg, queryVec)
	if err != nil {
		return nil, err
	}

	results, err := e.rank(ctx, req, cfg, cands)
	if err != nil {
		return nil, err
	}
	if len(results) > req.K {
		results = results[:req.K]
	}

	now := time.Now().UTC()
	for _, r := range results {
		if err := e.store.TouchMemory(ctx, r.ID, req.UserID, now); err != nil {
			return nil, mapStorageErr("Query", err)
		}
	}
	return results, nil
}

// gatherCandidates fills an oversampled min-heap with the best dense
// matches across the requested sectors.
func (e *Engine) gatherCandidates(ctx context.Context, req *QueryRequest, cfg *config.Config, queryVec []float32) (candidateHeap, error) {
	sectors := req.Sectors
	if len(sectors) == 0 {
		for _, s := range intelligence.AllSectors {
			sectors = append(sectors, string(s))
		}
	}

	heapCap := req.K * cfg.OversampleFactor
	if heapCap < req.K {
		heapCap = req.K
	}
	cands := &candidateHeap{}
	heap.Init(cands)

	knn, hasKNN := e.store.(storage.KNNSearcher)
	for _, sector := range sectors {
		if cfg.RemoteKNN && hasKNN {
			hits, err := knn.SearchKNN(ctx, sector, req.UserID, queryVec, heapCap)
			if err == nil {
				for _, h := range hits {
					cands.offer(candidate{memoryID: h.MemoryID, cosine: 1 - h.Distance}, heapCap)
				}
				continue
			}
			// Pushdown failure falls through to the scan path.
		}
		if err := e.scanSector(ctx, sector, req.UserID, queryVec, cands, heapCap); err != nil {
			return nil, err
		}
	}
	return *cands, nil
}

func (e *Engine) scanSector(ctx context.Context, sector, userID string, queryVec []float32, cands *candidateHeap, heapCap int) error {
	after := ""
	for {
		page, err := e.store.ScanVectorsBySector(ctx, sector, userID, after, queryScanPage)
		if err != nil {
			return mapStorageErr("Query", err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, v := range page {
			cands.offer(candidate{
				memoryID: v.MemoryID,
				cosine:   embedder.Cosine(queryVec, v.Payload),
			}, heapCap)
		}
		after = page[len(page)-1].MemoryID
		if len(page) < queryScanPage {
			return nil
		}
	}
}

// rank loads candidate rows, fuses the score components, applies the
// one-hop waypoint bonus to the top hit's strong neighbors and sorts
// descending.
func (e *Engine) rank(ctx context.Context, req *QueryRequest, cfg *config.Config, cands candidateHeap) ([]QueryResult, error) {
	keywords := queryKeywords(req.Query, cfg.KeywordMinLength)
	now := time.Now().UTC()
	halfLife := time.Duration(cfg.RecencyHalfLifeDays * 24 * float64(time.Hour))

	results := make([]QueryResult, 0, len(cands))
	seen := map[string]bool{}
	for _, c := range cands {
		if seen[c.memoryID] {
			continue
		}
		seen[c.memoryID] = true

		row, err := e.store.GetMemory(ctx, c.memoryID, req.UserID)
		if err != nil {
			return nil, mapStorageErr("Query", err)
		}
		if row == nil || row.Archived {
			continue
		}
		if req.TimeWindow != nil {
			if !req.TimeWindow.From.IsZero() && row.CreatedAt.Before(req.TimeWindow.From) {
				continue
			}
			if !req.TimeWindow.To.IsZero() && row.CreatedAt.After(req.TimeWindow.To) {
				continue
			}
		}

		plaintext, err := e.keyring.Decrypt(row.Content, row.KeyVersion)
		if err != nil {
			return nil, E("Query", err)
		}
		content := string(plaintext)

		score := c.cosine
		if cfg.HybridFusion {
			lexical := lexicalScore(content, keywords)
			recency := intelligence.RecencyScore(now.Sub(row.CreatedAt), halfLife)
			score = cfg.WVec*c.cosine + cfg.WKw*lexical*cfg.KeywordBoost + cfg.WTime*recency
		}

		results = append(results, QueryResult{
			ID:            row.ID,
			Content:       content,
			Score:         score,
			PrimarySector: row.PrimarySector,
			Tags:          row.Tags,
			CreatedAt:     row.CreatedAt,
			Metadata:      row.Metadata,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if len(results) > 1 {
		if err := e.applyWaypointBonus(ctx, req.UserID, results); err != nil {
			return nil, err
		}
		sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	}
	return results, nil
}

// applyWaypointBonus spreads a small additive bonus from the top hit to
// its high-weight neighbors already present in the result set.
func (e *Engine) applyWaypointBonus(ctx context.Context, userID string, results []QueryResult) error {
	neighbors, err := e.store.NeighborsOf(ctx, results[0].ID, userID, waypointTopK)
	if err != nil {
		return mapStorageErr("Query", err)
	}
	if len(neighbors) == 0 {
		return nil
	}
	byID := map[string]int{}
	for i := range results {
		byID[results[i].ID] = i
	}
	for _, wp := range neighbors {
		if wp.Weight < waypointBonusMinWeight {
			continue
		}
		if i, ok := byID[wp.DstID]; ok && i != 0 {
			results[i].Score += waypointBonus * wp.Weight
		}
	}
	return nil
}

// queryKeywords tokenizes the query into lowercased, deduplicated tokens
// of at least minLen runes.
func queryKeywords(query string, minLen int) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if len(f) < minLen || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// lexicalScore counts keyword hits in content, normalized by content
// length so long memories do not dominate.
func lexicalScore(content string, keywords []string) float64 {
	if len(keywords) == 0 || content == "" {
		return 0
	}
	lower := strings.ToLower(content)
	words := float64(len(strings.Fields(lower)))
	if words == 0 {
		return 0
	}
	hits := 0.0
	for _, kw := range keywords {
		hits += float64(strings.Count(lower, kw))
	}
	score := hits / words
	if score > 1 {
		return 1
	}
	return score
}
