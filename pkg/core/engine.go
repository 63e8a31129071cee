// Package core implements the memory engine: CRUD over encrypted memory
// items, embedding orchestration, sector classification, waypoint linking
// and hybrid retrieval.
package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/openmemory/openmemory-go/pkg/config"
	"github.com/openmemory/openmemory-go/pkg/crypto"
	"github.com/openmemory/openmemory-go/pkg/embedder"
	"github.com/openmemory/openmemory-go/pkg/intelligence"
	"github.com/openmemory/openmemory-go/pkg/storage"
)

const (
	// waypointScanPage bounds each vector page while linking a new memory.
	waypointScanPage = 256

	// waypointScanBudget caps how many existing vectors are considered.
	waypointScanBudget = 2048

	// waypointMinSimilarity gates new links.
	waypointMinSimilarity = 0.5

	// waypointTopK is how many neighbors a new memory links to.
	waypointTopK = 3

	// maxReinforceBoost bounds a single direct reinforcement.
	maxReinforceBoost = 0.5
)

// Embedder is the slice of the provider surface the engine needs.
type Embedder interface {
	EmbedSector(ctx context.Context, sector, text string) ([]float32, error)
	Dimensions() int
}

// Engine orchestrates the write and read paths over one storage backend.
type Engine struct {
	store      storage.Store
	embed      Embedder
	fallback   embedder.Provider
	keyring    *crypto.Keyring
	classifier *intelligence.Classifier
	holder     *config.Holder
	node       *snowflake.Node
	extractors []Extractor
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeyring enables at-rest encryption.
func WithKeyring(k *crypto.Keyring) Option {
	return func(e *Engine) { e.keyring = k }
}

// WithFallback sets the provider used when embedding exceeds its deadline.
func WithFallback(p embedder.Provider) Option {
	return func(e *Engine) { e.fallback = p }
}

// WithExtractors replaces the default document extractors.
func WithExtractors(xs ...Extractor) Option {
	return func(e *Engine) { e.extractors = xs }
}

// New builds an engine. nodeID distinguishes id generators across
// processes sharing a remote backend.
func New(store storage.Store, embed Embedder, holder *config.Holder, nodeID int64, opts ...Option) (*Engine, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	e := &Engine{
		store:      store,
		embed:      embed,
		classifier: intelligence.NewClassifier(),
		holder:     holder,
		node:       node,
		extractors: defaultExtractors(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Store exposes the backend for components that share it (scheduler,
// auth, backup inventory).
func (e *Engine) Store() storage.Store { return e.store }

// Keyring exposes the keyring for the rotation job.
func (e *Engine) Keyring() *crypto.Keyring { return e.keyring }

func (e *Engine) newID() string { return e.node.Generate().String() }

// normalize trims and collapses inner whitespace so hashing is stable
// across formatting noise.
func normalize(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// mapStorageErr converts backend sentinels into the service taxonomy.
func mapStorageErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrConflict):
		return EK(op, KindConflict, err)
	case errors.Is(err, storage.ErrTenantScope):
		return EK(op, KindTenantScope, err)
	case errors.Is(err, storage.ErrNotFound):
		return EK(op, KindNotFound, err)
	case errors.Is(err, storage.ErrBusy):
		return EK(op, KindTimeout, err)
	default:
		return E(op, err)
	}
}

// embedWithTimeout embeds under the configured deadline, falling back to
// the deterministic provider on failure. The second return is true when
// the fallback answered.
func (e *Engine) embedWithTimeout(ctx context.Context, sector, text string) ([]float32, bool, error) {
	cfg := e.holder.Get()
	cctx, cancel := context.WithTimeout(ctx, cfg.EmbedTimeout)
	vec, err := e.embed.EmbedSector(cctx, sector, text)
	cancel()
	if err == nil {
		return vec, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, E("embed", ctx.Err())
	}
	if e.fallback == nil {
		return nil, false, EK("embed", KindDependencyUnavailable, err)
	}
	log.Warn("embedding timed out, using deterministic fallback", "err", err)
	vec, ferr := e.fallback.Embed(ctx, text)
	if ferr != nil {
		return nil, false, EK("embed", KindDependencyUnavailable, ferr)
	}
	return vec, true, nil
}

func (e *Engine) audit(ctx context.Context, ops storage.Ops, userID, action, resourceType, resourceID string, md map[string]interface{}) {
	row := &storage.AuditRow{
		ID:           uuid.NewString(),
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     md,
		Timestamp:    time.Now().UTC(),
	}
	if err := ops.InsertAudit(ctx, row); err != nil {
		log.Error("audit insert failed", "action", action, "err", err)
	}
}

// Add creates a memory. Identical (user, content) pairs return the
// existing id; the duplicate call only refreshes last access.
func (e *Engine) Add(ctx context.Context, req *AddRequest) (*AddResult, error) {
	content := normalize(req.Content)
	if content == "" {
		return nil, EK("Add", KindValidation, errors.New("content is empty"))
	}
	if req.UserID == "" {
		return nil, EK("Add", KindValidation, errors.New("user_id is required"))
	}
	hash := hashContent(content)

	existing, err := e.store.FindMemoryByHash(ctx, req.UserID, hash)
	if err != nil {
		return nil, mapStorageErr("Add", err)
	}
	if existing != nil {
		if err := e.store.TouchMemory(ctx, existing.ID, req.UserID, time.Now().UTC()); err != nil {
			return nil, mapStorageErr("Add", err)
		}
		return &AddResult{ID: existing.ID, PrimarySector: existing.PrimarySector, Deduplicated: true}, nil
	}

	sectors := e.classifier.Sectors(content, req.SectorHint)
	primary := sectors[0]

	vectors := make(map[intelligence.Sector][]float32, len(sectors))
	fellBack := false
	for _, sector := range sectors {
		vec, fb, err := e.embedWithTimeout(ctx, string(sector), content)
		if err != nil {
			return nil, err
		}
		vectors[sector] = vec
		fellBack = fellBack || fb
	}

	metadata := req.Metadata
	if fellBack {
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["embedding_fallback"] = true
	}

	ciphertext, keyVersion, err := e.keyring.Encrypt([]byte(content))
	if err != nil {
		return nil, E("Add", err)
	}

	now := time.Now().UTC()
	row := &storage.MemoryRow{
		ID:            e.newID(),
		UserID:        req.UserID,
		Content:       ciphertext,
		ContentHash:   hash,
		PrimarySector: string(primary),
		Tags:          req.Tags,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
		Salience:      1.0,
		DecayRate:     intelligence.DefaultDecayRate,
		Version:       1,
		KeyVersion:    keyVersion,
	}

	if err := e.store.UpsertUser(ctx, req.UserID); err != nil {
		return nil, mapStorageErr("Add", err)
	}

	neighbors, err := e.nearestForSector(ctx, req.UserID, string(primary), vectors[primary])
	if err != nil {
		return nil, err
	}

	err = e.store.WithTransaction(ctx, func(ops storage.Ops) error {
		if err := ops.InsertMemory(ctx, row); err != nil {
			return err
		}
		for sector, vec := range vectors {
			vrow := &storage.VectorRow{
				MemoryID: row.ID,
				Sector:   string(sector),
				UserID:   req.UserID,
				Payload:  vec,
				Dim:      len(vec),
			}
			if err := ops.InsertVector(ctx, vrow); err != nil {
				return err
			}
		}
		for _, n := range neighbors {
			wp := &storage.WaypointRow{
				SrcID:     row.ID,
				DstID:     n.memoryID,
				UserID:    req.UserID,
				Weight:    n.similarity,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := ops.UpsertWaypoint(ctx, wp); err != nil {
				return err
			}
		}
		e.audit(ctx, ops, req.UserID, "memory.add", "memory", row.ID, map[string]interface{}{
			"sector": string(primary),
		})
		return nil
	})
	if err != nil {
		return nil, mapStorageErr("Add", err)
	}
	return &AddResult{ID: row.ID, PrimarySector: string(primary)}, nil
}

type neighbor struct {
	memoryID   string
	similarity float64
}

// nearestForSector scans the user's vectors in one sector and returns the
// closest few above the link threshold.
func (e *Engine) nearestForSector(ctx context.Context, userID, sector string, query []float32) ([]neighbor, error) {
	var best []neighbor
	after := ""
	scanned := 0
	for scanned < waypointScanBudget {
		page, err := e.store.ScanVectorsBySector(ctx, sector, userID, after, waypointScanPage)
		if err != nil {
			return nil, mapStorageErr("nearestForSector", err)
		}
		if len(page) == 0 {
			break
		}
		for _, v := range page {
			sim := embedder.Cosine(query, v.Payload)
			if sim >= waypointMinSimilarity {
				best = append(best, neighbor{memoryID: v.MemoryID, similarity: sim})
			}
		}
		after = page[len(page)-1].MemoryID
		scanned += len(page)
		if len(page) < waypointScanPage {
			break
		}
	}
	sort.Slice(best, func(i, j int) bool { return best[i].similarity > best[j].similarity })
	if len(best) > waypointTopK {
		best = best[:waypointTopK]
	}
	return best, nil
}

// Get returns one memory.
func (e *Engine) Get(ctx context.Context, id, userID string) (*Memory, error) {
	row, err := e.store.GetMemory(ctx, id, userID)
	if err != nil {
		return nil, mapStorageErr("Get", err)
	}
	if row == nil {
		return nil, EK("Get", KindNotFound, fmt.Errorf("memory %s", id))
	}
	return e.toMemory(row)
}

// List pages a user's memories.
func (e *Engine) List(ctx context.Context, opts storage.ListOptions) ([]*Memory, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	rows, err := e.store.ListMemoriesByUser(ctx, opts)
	if err != nil {
		return nil, mapStorageErr("List", err)
	}
	out := make([]*Memory, 0, len(rows))
	for _, row := range rows {
		m, err := e.toMemory(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Update rewrites a memory. A content change recomputes the hash,
// re-embeds and replaces the vectors; tag or metadata changes do not.
func (e *Engine) Update(ctx context.Context, req *UpdateRequest) (*Memory, error) {
	row, err := e.store.GetMemory(ctx, req.ID, req.UserID)
	if err != nil {
		return nil, mapStorageErr("Update", err)
	}
	if row == nil {
		return nil, EK("Update", KindNotFound, fmt.Errorf("memory %s", req.ID))
	}

	reembed := false
	var vectors map[intelligence.Sector][]float32
	if req.Content != nil {
		content := normalize(*req.Content)
		if content == "" {
			return nil, EK("Update", KindValidation, errors.New("content is empty"))
		}
		newHash := hashContent(content)
		if newHash != row.ContentHash {
			reembed = true
			sectors := e.classifier.Sectors(content, "")
			row.PrimarySector = string(sectors[0])
			vectors = make(map[intelligence.Sector][]float32, len(sectors))
			for _, sector := range sectors {
				vec, _, err := e.embedWithTimeout(ctx, string(sector), content)
				if err != nil {
					return nil, err
				}
				vectors[sector] = vec
			}
			ciphertext, keyVersion, err := e.keyring.Encrypt([]byte(content))
			if err != nil {
				return nil, E("Update", err)
			}
			row.Content = ciphertext
			row.ContentHash = newHash
			row.KeyVersion = keyVersion
		}
	}
	if req.Tags != nil {
		row.Tags = req.Tags
	}
	if req.Metadata != nil {
		row.Metadata = req.Metadata
	}
	row.UpdatedAt = time.Now().UTC()

	err = e.store.WithTransaction(ctx, func(ops storage.Ops) error {
		if err := ops.UpdateMemory(ctx, row); err != nil {
			return err
		}
		if reembed {
			if err := ops.DeleteVectorsFor(ctx, row.ID, req.UserID); err != nil {
				return err
			}
			for sector, vec := range vectors {
				vrow := &storage.VectorRow{
					MemoryID: row.ID,
					Sector:   string(sector),
					UserID:   req.UserID,
					Payload:  vec,
					Dim:      len(vec),
				}
				if err := ops.InsertVector(ctx, vrow); err != nil {
					return err
				}
			}
		}
		e.audit(ctx, ops, req.UserID, "memory.update", "memory", row.ID, map[string]interface{}{
			"reembedded": reembed,
		})
		return nil
	})
	if err != nil {
		return nil, mapStorageErr("Update", err)
	}
	return e.Get(ctx, req.ID, req.UserID)
}

// Delete removes a memory, its vectors and waypoints. Facts whose object
// matches the content go too when CascadeFacts is set.
func (e *Engine) Delete(ctx context.Context, req *DeleteRequest) error {
	row, err := e.store.GetMemory(ctx, req.ID, req.UserID)
	if err != nil {
		return mapStorageErr("Delete", err)
	}
	if row == nil {
		return EK("Delete", KindNotFound, fmt.Errorf("memory %s", req.ID))
	}
	var plaintext []byte
	if req.CascadeFacts {
		plaintext, err = e.keyring.Decrypt(row.Content, row.KeyVersion)
		if err != nil {
			return E("Delete", err)
		}
	}

	err = e.store.WithTransaction(ctx, func(ops storage.Ops) error {
		if err := ops.DeleteVectorsFor(ctx, req.ID, req.UserID); err != nil {
			return err
		}
		if err := ops.DeleteWaypointsFor(ctx, req.ID, req.UserID); err != nil {
			return err
		}
		if req.CascadeFacts {
			if _, err := ops.DeleteFactsByObject(ctx, req.UserID, string(plaintext)); err != nil {
				return err
			}
		}
		if err := ops.DeleteMemory(ctx, req.ID, req.UserID); err != nil {
			return err
		}
		e.audit(ctx, ops, req.UserID, "memory.delete", "memory", req.ID, nil)
		return nil
	})
	return mapStorageErr("Delete", err)
}

// DeleteAllForUser removes every memory a user owns along with the
// derived rows.
func (e *Engine) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, EK("DeleteAllForUser", KindValidation, errors.New("user_id is required"))
	}
	var deleted int64
	err := e.store.WithTransaction(ctx, func(ops storage.Ops) error {
		if err := ops.DeleteVectorsByUser(ctx, userID); err != nil {
			return err
		}
		if err := ops.DeleteWaypointsByUser(ctx, userID); err != nil {
			return err
		}
		n, err := ops.DeleteMemoriesByUser(ctx, userID)
		if err != nil {
			return err
		}
		deleted = n
		e.audit(ctx, ops, userID, "memory.delete_all", "user", userID, map[string]interface{}{
			"deleted": n,
		})
		return nil
	})
	if err != nil {
		return 0, mapStorageErr("DeleteAllForUser", err)
	}
	return deleted, nil
}

// Reinforce boosts a memory's salience and propagates half the boost to
// its direct waypoint neighbors.
func (e *Engine) Reinforce(ctx context.Context, req *ReinforceRequest) (*Memory, error) {
	boost := req.Boost
	if boost <= 0 {
		boost = intelligence.ReinforceBoost
	}
	if boost > maxReinforceBoost {
		boost = maxReinforceBoost
	}

	row, err := e.store.GetMemory(ctx, req.ID, req.User)
	if err != nil {
		return nil, mapStorageErr("Reinforce", err)
	}
	if row == nil {
		return nil, EK("Reinforce", KindNotFound, fmt.Errorf("memory %s", req.ID))
	}

	err = e.store.WithTransaction(ctx, func(ops storage.Ops) error {
		now := time.Now().UTC()
		next := intelligence.Reinforce(row.Salience, boost)
		if err := ops.UpdateSalience(ctx, row.ID, req.User, next, false); err != nil {
			return err
		}
		if err := ops.TouchMemory(ctx, row.ID, req.User, now); err != nil {
			return err
		}

		neighbors, err := ops.NeighborsOf(ctx, row.ID, req.User, waypointTopK)
		if err != nil {
			return err
		}
		for _, wp := range neighbors {
			nrow, err := ops.GetMemory(ctx, wp.DstID, req.User)
			if err != nil {
				return err
			}
			if nrow == nil {
				continue
			}
			spread := intelligence.Reinforce(nrow.Salience, boost*intelligence.PropagationFactor*wp.Weight)
			if err := ops.UpdateSalience(ctx, nrow.ID, req.User, spread, nrow.Archived); err != nil {
				return err
			}
		}
		e.audit(ctx, ops, req.User, "memory.reinforce", "memory", row.ID, map[string]interface{}{
			"boost": boost,
		})
		return nil
	})
	if err != nil {
		return nil, mapStorageErr("Reinforce", err)
	}
	return e.Get(ctx, req.ID, req.User)
}
