package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/openmemory/openmemory-go/pkg/config"
	"github.com/openmemory/openmemory-go/pkg/core"
	"github.com/openmemory/openmemory-go/pkg/crypto"
	"github.com/openmemory/openmemory-go/pkg/intelligence"
	"github.com/openmemory/openmemory-go/pkg/llm"
	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/webhook"
)

const (
	maintenanceBatch = 256
	rotationBatch    = 128

	// rotationProgressKey tracks per-batch key rotation progress in the
	// meta table.
	rotationProgressKey = "key_rotation_progress"

	waypointDecayFactor = 0.98
	waypointDecayFloor  = 0.01

	compactionInterval = 6 * time.Hour
	webhookInterval    = 30 * time.Second
	rotationInterval   = time.Hour
)

// Deps carries everything the standard jobs need.
type Deps struct {
	Store      storage.Store
	Holder     *config.Holder
	Engine     *core.Engine
	Keyring    *crypto.Keyring
	Summarizer llm.Summarizer
	Dispatcher *webhook.Dispatcher
}

// RegisterStandard wires the standard maintenance jobs into s.
func RegisterStandard(s *Scheduler, d Deps) {
	cfg := d.Holder.Get()

	s.Register("decay", cfg.DecayInterval, func(ctx context.Context) error {
		return runDecay(ctx, d)
	})
	s.Register("reinforce-sweep", cfg.DecayInterval, func(ctx context.Context) error {
		return runReinforceSweep(ctx, d)
	})
	if cfg.AutoReflect {
		s.Register("reflection", cfg.DecayInterval, func(ctx context.Context) error {
			return runReflection(ctx, d)
		})
	}
	s.Register("compaction", compactionInterval, func(ctx context.Context) error {
		return runCompaction(ctx, d)
	})
	if d.Keyring != nil {
		s.Register("key-rotation", rotationInterval, func(ctx context.Context) error {
			return runKeyRotation(ctx, d)
		})
	}
	if d.Dispatcher != nil {
		s.Register("webhook-retry", webhookInterval, func(ctx context.Context) error {
			return d.Dispatcher.DeliverPending(ctx)
		})
	}
}

// runDecay walks every memory and applies linear salience decay since the
// last access; items that cross the archival floor are flagged, never
// deleted. Waypoint weights decay alongside.
func runDecay(ctx context.Context, d Deps) error {
	cfg := d.Holder.Get()
	now := time.Now().UTC()
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := d.Store.ListMemoriesForMaintenance(ctx, after, maintenanceBatch)
		if err != nil {
			return fmt.Errorf("decay: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			ref := row.UpdatedAt
			if row.LastAccessed != nil {
				ref = *row.LastAccessed
			}
			rate := row.DecayRate * cfg.DecayRatio
			next := intelligence.Decay(row.Salience, rate, now.Sub(ref))
			if next == row.Salience {
				continue
			}
			archived := row.Archived || intelligence.ShouldArchive(next)
			if err := d.Store.UpdateSalience(ctx, row.ID, row.UserID, next, archived); err != nil {
				return fmt.Errorf("decay: %w", err)
			}
		}
		after = rows[len(rows)-1].ID
		if len(rows) < maintenanceBatch {
			break
		}
	}
	if _, err := d.Store.DecayWaypoints(ctx, waypointDecayFactor, waypointDecayFloor); err != nil {
		return fmt.Errorf("decay: %w", err)
	}
	return nil
}

// runReinforceSweep folds accumulated access counters into salience with
// diminishing returns, then zeroes the counters.
func runReinforceSweep(ctx context.Context, d Deps) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := d.Store.ListMemoriesForMaintenance(ctx, after, maintenanceBatch)
		if err != nil {
			return fmt.Errorf("reinforce sweep: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if row.AccessCount == 0 {
				continue
			}
			boost := intelligence.AccessBoost(row.AccessCount)
			next := intelligence.Reinforce(row.Salience, boost)
			if err := d.Store.UpdateSalience(ctx, row.ID, row.UserID, next, row.Archived); err != nil {
				return fmt.Errorf("reinforce sweep: %w", err)
			}
			if err := d.Store.ResetAccessCount(ctx, row.ID, row.UserID); err != nil {
				return fmt.Errorf("reinforce sweep: %w", err)
			}
		}
		after = rows[len(rows)-1].ID
		if len(rows) < maintenanceBatch {
			return nil
		}
	}
}

// runReflection summarizes the recent memories of every active user into
// one reflective memory once their recent count crosses the threshold.
func runReflection(ctx context.Context, d Deps) error {
	cfg := d.Holder.Get()
	since := time.Now().UTC().Add(-cfg.DecayInterval)
	activity, err := d.Store.ListUserActivity(ctx, since)
	if err != nil {
		return fmt.Errorf("reflection: %w", err)
	}
	for _, ua := range activity {
		if ua.Count < cfg.ReflectMin {
			continue
		}
		if err := reflectUser(ctx, d, ua.UserID); err != nil {
			// One user's failure should not starve the rest.
			log.Error("reflection failed", "user", ua.UserID, "err", err)
		}
	}
	return nil
}

func reflectUser(ctx context.Context, d Deps, userID string) error {
	cfg := d.Holder.Get()
	memories, err := d.Engine.List(ctx, storage.ListOptions{UserID: userID, Limit: cfg.ReflectMin})
	if err != nil {
		return err
	}
	texts := make([]string, 0, len(memories))
	for _, m := range memories {
		if m.PrimarySector == string(intelligence.SectorReflective) {
			continue
		}
		texts = append(texts, m.Content)
	}
	if len(texts) == 0 {
		return nil
	}
	summary, err := d.Summarizer.Summarize(ctx, texts)
	if err != nil {
		return err
	}
	if summary == "" {
		return nil
	}
	if _, err := d.Engine.Add(ctx, &core.AddRequest{
		UserID:     userID,
		Content:    summary,
		SectorHint: string(intelligence.SectorReflective),
		Metadata:   map[string]interface{}{"source": "reflection"},
	}); err != nil {
		return err
	}
	if err := d.Store.SetUserSummary(ctx, userID, summary); err != nil {
		return err
	}
	return d.Store.IncrementReflectionCount(ctx, userID)
}

// runCompaction removes waypoints with missing endpoints and merges
// overlapping duplicate facts.
func runCompaction(ctx context.Context, d Deps) error {
	pruned, err := d.Store.PruneDanglingWaypoints(ctx)
	if err != nil {
		return fmt.Errorf("compaction: %w", err)
	}
	merged, err := d.Store.MergeOverlappingFacts(ctx)
	if err != nil {
		return fmt.Errorf("compaction: %w", err)
	}
	if pruned > 0 || merged > 0 {
		log.Info("compaction finished", "waypoints_pruned", pruned, "facts_merged", merged)
	}
	return nil
}

// runKeyRotation rewrites ciphertext stored under stale key versions in
// batches, recording progress after each batch.
func runKeyRotation(ctx context.Context, d Deps) error {
	target := d.Keyring.PrimaryVersion()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := d.Store.ListMemoriesBelowKeyVersion(ctx, target, rotationBatch)
		if err != nil {
			return fmt.Errorf("key rotation: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		err = d.Store.WithTransaction(ctx, func(ops storage.Ops) error {
			for _, row := range rows {
				sealed, version, err := d.Keyring.Reseal(row.Content, row.KeyVersion)
				if err != nil {
					return err
				}
				if err := ops.UpdateMemoryCiphertext(ctx, row.ID, row.UserID, sealed, version); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("key rotation: %w", err)
		}
		total += len(rows)
		progress := fmt.Sprintf("version=%d rewritten=%d at=%s", target, total, time.Now().UTC().Format(time.RFC3339))
		if err := d.Store.SetMeta(ctx, rotationProgressKey, progress); err != nil {
			return fmt.Errorf("key rotation: %w", err)
		}
	}
	if total > 0 {
		log.Info("key rotation finished", "target_version", target, "rewritten", total)
	}
	return nil
}
