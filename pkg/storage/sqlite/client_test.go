package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/storage"
	sqliteStore "github.com/openmemory/openmemory-go/pkg/storage/sqlite"
)

func setupClient(t *testing.T, strict bool) *sqliteStore.Client {
	t.Helper()
	client, err := sqliteStore.NewClient(&sqliteStore.Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Strict: strict,
	})
	require.NoError(t, err)
	require.NoError(t, client.Migrate(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func memoryRow(id, userID, content string) *storage.MemoryRow {
	now := time.Now().UTC()
	return &storage.MemoryRow{
		ID:            id,
		UserID:        userID,
		Content:       []byte(content),
		ContentHash:   "hash-" + id,
		PrimarySector: "semantic",
		Tags:          []string{"test"},
		CreatedAt:     now,
		UpdatedAt:     now,
		Salience:      1.0,
		DecayRate:     0.02,
		Version:       1,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	client := setupClient(t, false)
	require.NoError(t, client.Migrate(context.Background()))
	require.NoError(t, client.Migrate(context.Background()))
}

func TestMemory_RoundtripAndVersion(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	row := memoryRow("m1", "user-a", "the capital of France is Paris")
	require.NoError(t, client.InsertMemory(ctx, row))

	got, err := client.GetMemory(ctx, "m1", "user-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "the capital of France is Paris", string(got.Content))
	assert.Equal(t, []string{"test"}, got.Tags)
	assert.Equal(t, int64(1), got.Version)

	got.Content = []byte("updated content")
	got.Version++
	require.NoError(t, client.UpdateMemory(ctx, got))

	again, err := client.GetMemory(ctx, "m1", "user-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)
	assert.Equal(t, "updated content", string(again.Content))
}

func TestMemory_TenantIsolation(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	require.NoError(t, client.InsertMemory(ctx, memoryRow("m1", "user-a", "a's memory")))
	require.NoError(t, client.InsertMemory(ctx, memoryRow("m2", "user-b", "b's memory")))

	// Cross-tenant reads come back empty, not with another user's row.
	got, err := client.GetMemory(ctx, "m1", "user-b")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := client.DeleteMemoriesByUser(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := client.ListMemoriesByUser(ctx, storage.ListOptions{UserID: "user-b", Limit: 10})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "m2", remaining[0].ID)

	gone, err := client.ListMemoriesByUser(ctx, storage.ListOptions{UserID: "user-a", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestMemory_DuplicateIDConflict(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	require.NoError(t, client.InsertMemory(ctx, memoryRow("m1", "user-a", "first")))
	err := client.InsertMemory(ctx, memoryRow("m1", "user-a", "second"))
	assert.True(t, errors.Is(err, storage.ErrConflict))
}

func TestFindMemoryByHash(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	require.NoError(t, client.InsertMemory(ctx, memoryRow("m1", "user-a", "content")))

	got, err := client.FindMemoryByHash(ctx, "user-a", "hash-m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m1", got.ID)

	// The hash is scoped per user.
	none, err := client.FindMemoryByHash(ctx, "user-b", "hash-m1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStrictTenant_RejectsUnscopedOps(t *testing.T) {
	client := setupClient(t, true)
	ctx := context.Background()

	err := client.InsertMemory(ctx, memoryRow("m1", "", "no tenant"))
	assert.True(t, errors.Is(err, storage.ErrTenantScope))

	_, err = client.GetMemory(ctx, "m1", "")
	assert.True(t, errors.Is(err, storage.ErrTenantScope))
}

func TestVectors_RoundtripAndScan(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	require.NoError(t, client.InsertMemory(ctx, memoryRow("m1", "user-a", "x")))
	vec := &storage.VectorRow{
		MemoryID: "m1",
		Sector:   "semantic",
		UserID:   "user-a",
		Payload:  []float32{0.25, -0.5, 0.125},
		Dim:      3,
	}
	require.NoError(t, client.InsertVector(ctx, vec))

	got, err := client.GetVector(ctx, "m1", "semantic", "user-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []float32{0.25, -0.5, 0.125}, got.Payload)
	assert.Equal(t, 3, got.Dim)

	page, err := client.ScanVectorsBySector(ctx, "semantic", "user-a", "", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m1", page[0].MemoryID)

	// Pagination continues strictly after the cursor.
	empty, err := client.ScanVectorsBySector(ctx, "semantic", "user-a", "m1", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestWaypoints_UpsertAndNeighbors(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	require.NoError(t, client.InsertMemory(ctx, memoryRow("m1", "user-a", "one")))
	require.NoError(t, client.InsertMemory(ctx, memoryRow("m2", "user-a", "two")))

	now := time.Now().UTC()
	wp := &storage.WaypointRow{SrcID: "m1", DstID: "m2", UserID: "user-a", Weight: 0.8, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, client.UpsertWaypoint(ctx, wp))

	// Upsert replaces the weight instead of conflicting.
	wp.Weight = 0.9
	require.NoError(t, client.UpsertWaypoint(ctx, wp))

	neighbors, err := client.NeighborsOf(ctx, "m1", "user-a", 10)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.InDelta(t, 0.9, neighbors[0].Weight, 1e-9)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := client.WithTransaction(ctx, func(ops storage.Ops) error {
		if err := ops.InsertMemory(ctx, memoryRow("m1", "user-a", "inside tx")); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got, err := client.GetMemory(ctx, "m1", "user-a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWithTransaction_CommitsAtomically(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	err := client.WithTransaction(ctx, func(ops storage.Ops) error {
		if err := ops.InsertMemory(ctx, memoryRow("m1", "user-a", "first")); err != nil {
			return err
		}
		return ops.InsertMemory(ctx, memoryRow("m2", "user-a", "second"))
	})
	require.NoError(t, err)

	rows, err := client.ListMemoriesByUser(ctx, storage.ListOptions{UserID: "user-a", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestFacts_IntervalClosure(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, client.InsertFact(ctx, &storage.FactRow{
		ID: "f1", UserID: "user-a",
		Subject: "alice", Predicate: "works_at", Object: "Acme",
		ValidFrom: t0, Confidence: 0.9, LastUpdated: t0,
	}))
	n, err := client.CloseFactInterval(ctx, "user-a", "alice", "works_at", t1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, client.InsertFact(ctx, &storage.FactRow{
		ID: "f2", UserID: "user-a",
		Subject: "alice", Predicate: "works_at", Object: "Globex",
		ValidFrom: t1, Confidence: 0.9, LastUpdated: t1,
	}))

	// As of mid-2024 the open fact is Acme.
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	facts, err := client.QueryFacts(ctx, storage.FactQuery{UserID: "user-a", Subject: "alice", AsOf: &asOf})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Acme", facts[0].Object)

	// As of now it is Globex.
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	facts, err = client.QueryFacts(ctx, storage.FactQuery{UserID: "user-a", Subject: "alice", AsOf: &now})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Globex", facts[0].Object)
}

func TestRateLimitBump(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	window := time.Now().UTC().Truncate(time.Minute)
	for want := 1; want <= 3; want++ {
		count, err := client.RateLimitBump(ctx, "key-1", window)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	// A new window starts a fresh count.
	count, err := client.RateLimitBump(ctx, "key-1", window.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMeta_GetSet(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	_, ok, err := client.GetMeta(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.SetMeta(ctx, "k", "v1"))
	require.NoError(t, client.SetMeta(ctx, "k", "v2"))
	v, ok, err := client.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestStats(t *testing.T) {
	client := setupClient(t, false)
	ctx := context.Background()

	require.NoError(t, client.InsertMemory(ctx, memoryRow("m1", "user-a", "x")))
	require.NoError(t, client.UpsertUser(ctx, "user-a"))

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Memories)
	assert.Equal(t, int64(1), stats.Users)
	assert.Equal(t, int64(1), stats.BySector["semantic"])
}
