package core_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/config"
	"github.com/openmemory/openmemory-go/pkg/core"
	"github.com/openmemory/openmemory-go/pkg/crypto"
	"github.com/openmemory/openmemory-go/pkg/embedder/router"
	"github.com/openmemory/openmemory-go/pkg/embedder/synthetic"
	"github.com/openmemory/openmemory-go/pkg/storage"
	sqliteStore "github.com/openmemory/openmemory-go/pkg/storage/sqlite"
)

func setupEngine(t *testing.T, opts ...core.Option) (*core.Engine, storage.Store) {
	t.Helper()
	client, err := sqliteStore.NewClient(&sqliteStore.Config{
		Path: filepath.Join(t.TempDir(), "engine_test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, client.Migrate(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	cfg, err := config.Load()
	require.NoError(t, err)
	holder := config.NewHolder(cfg)

	det := synthetic.New(cfg.VecDim)
	embed := router.New(det, det)

	engine, err := core.New(client, embed, holder, 1, opts...)
	require.NoError(t, err)
	return engine, client
}

func TestAdd_AndGet(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	res, err := engine.Add(ctx, &core.AddRequest{
		UserID:  "user-a",
		Content: "The capital of France is Paris",
		Tags:    []string{"geo"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "semantic", res.PrimarySector)
	assert.False(t, res.Deduplicated)

	m, err := engine.Get(ctx, res.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, "The capital of France is Paris", m.Content)
	assert.Equal(t, []string{"geo"}, m.Tags)
	assert.Equal(t, 1.0, m.Salience)
	assert.Equal(t, int64(1), m.Version)
}

func TestAdd_Validation(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	_, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "   "})
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = engine.Add(ctx, &core.AddRequest{Content: "no user"})
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestAdd_DedupByNormalizedContent(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	first, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "hello world"})
	require.NoError(t, err)

	// Same content modulo whitespace is the same memory.
	second, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "  hello \t world\n"})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.ID, second.ID)

	// Another tenant gets its own row.
	other, err := engine.Add(ctx, &core.AddRequest{UserID: "user-b", Content: "hello world"})
	require.NoError(t, err)
	assert.False(t, other.Deduplicated)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestQuery_HybridRanking(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	paris, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "The capital of France is Paris"})
	require.NoError(t, err)
	_, err = engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "I bought new hiking boots for the mountains"})
	require.NoError(t, err)

	results, err := engine.Query(ctx, &core.QueryRequest{
		UserID: "user-a",
		Query:  "capital of France",
		K:      5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, paris.ID, results[0].ID)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestQuery_EmptyInputs(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	results, err := engine.Query(ctx, &core.QueryRequest{UserID: "user-a", Query: "   ", K: 5})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = engine.Query(ctx, &core.QueryRequest{UserID: "user-a", Query: "something", K: 0})
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = engine.Query(ctx, &core.QueryRequest{Query: "something", K: 5})
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestQuery_TenantIsolation(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	_, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "The capital of France is Paris"})
	require.NoError(t, err)

	results, err := engine.Query(ctx, &core.QueryRequest{UserID: "user-b", Query: "capital of France", K: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQuery_TouchesAccessCount(t *testing.T) {
	engine, store := setupEngine(t)
	ctx := context.Background()

	res, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "The capital of France is Paris"})
	require.NoError(t, err)

	_, err = engine.Query(ctx, &core.QueryRequest{UserID: "user-a", Query: "capital of France", K: 1})
	require.NoError(t, err)

	row, err := store.GetMemory(ctx, res.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.AccessCount)
	assert.NotNil(t, row.LastAccessed)
}

func TestUpdate_ContentReembedsAndBumpsVersion(t *testing.T) {
	engine, store := setupEngine(t)
	ctx := context.Background()

	res, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "original content here"})
	require.NoError(t, err)

	newContent := "completely different content now"
	m, err := engine.Update(ctx, &core.UpdateRequest{
		ID:      res.ID,
		UserID:  "user-a",
		Content: &newContent,
	})
	require.NoError(t, err)
	assert.Equal(t, newContent, m.Content)
	assert.Equal(t, int64(2), m.Version)

	// Dedup now matches the new content, not the old.
	dup, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: newContent})
	require.NoError(t, err)
	assert.True(t, dup.Deduplicated)

	row, err := store.GetMemory(ctx, res.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Version)
}

func TestUpdate_TagsOnlyKeepsVectors(t *testing.T) {
	engine, store := setupEngine(t)
	ctx := context.Background()

	res, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "stable content"})
	require.NoError(t, err)
	before, err := store.GetVector(ctx, res.ID, res.PrimarySector, "user-a")
	require.NoError(t, err)
	require.NotNil(t, before)

	_, err = engine.Update(ctx, &core.UpdateRequest{
		ID:     res.ID,
		UserID: "user-a",
		Tags:   []string{"retagged"},
	})
	require.NoError(t, err)

	after, err := store.GetVector(ctx, res.ID, res.PrimarySector, "user-a")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.Payload, after.Payload)
}

func TestDelete_RemovesMemoryAndVectors(t *testing.T) {
	engine, store := setupEngine(t)
	ctx := context.Background()

	res, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "to be deleted"})
	require.NoError(t, err)

	require.NoError(t, engine.Delete(ctx, &core.DeleteRequest{ID: res.ID, UserID: "user-a"}))

	_, err = engine.Get(ctx, res.ID, "user-a")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	vec, err := store.GetVector(ctx, res.ID, res.PrimarySector, "user-a")
	require.NoError(t, err)
	assert.Nil(t, vec)
}

func TestDelete_NotFound(t *testing.T) {
	engine, _ := setupEngine(t)
	err := engine.Delete(context.Background(), &core.DeleteRequest{ID: "nope", UserID: "user-a"})
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestReinforce_BoostsSalience(t *testing.T) {
	engine, store := setupEngine(t)
	ctx := context.Background()

	res, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "reinforce me"})
	require.NoError(t, err)

	// Knock salience down first so the boost is observable.
	require.NoError(t, store.UpdateSalience(ctx, res.ID, "user-a", 0.5, false))

	m, err := engine.Reinforce(ctx, &core.ReinforceRequest{ID: res.ID, User: "user-a", Boost: 0.2})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, m.Salience, 1e-9)
}

func TestEncryptionAtRest(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ring, err := crypto.ParseKeyring(key)
	require.NoError(t, err)

	engine, store := setupEngine(t, core.WithKeyring(ring))
	ctx := context.Background()

	res, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: "secret content"})
	require.NoError(t, err)

	// The stored row carries ciphertext under the primary key version.
	row, err := store.GetMemory(ctx, res.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 1, row.KeyVersion)
	assert.NotEqual(t, []byte("secret content"), row.Content)

	// Reads decrypt transparently.
	m, err := engine.Get(ctx, res.ID, "user-a")
	require.NoError(t, err)
	assert.Equal(t, "secret content", m.Content)
}

func TestDeleteAllForUser(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		_, err := engine.Add(ctx, &core.AddRequest{UserID: "user-a", Content: content})
		require.NoError(t, err)
	}
	_, err := engine.Add(ctx, &core.AddRequest{UserID: "user-b", Content: "keep me"})
	require.NoError(t, err)

	n, err := engine.DeleteAllForUser(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mine, err := engine.List(ctx, storage.ListOptions{UserID: "user-a"})
	require.NoError(t, err)
	assert.Empty(t, mine)

	theirs, err := engine.List(ctx, storage.ListOptions{UserID: "user-b"})
	require.NoError(t, err)
	assert.Len(t, theirs, 1)
}
