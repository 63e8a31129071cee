package backup_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/backup"
	sqliteStore "github.com/openmemory/openmemory-go/pkg/storage/sqlite"
)

func setupLiveDB(t *testing.T) (*sqliteStore.Client, *backup.Manager, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "live.db")
	client, err := sqliteStore.NewClient(&sqliteStore.Config{Path: dbPath})
	require.NoError(t, err)
	require.NoError(t, client.Migrate(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	dir := t.TempDir()
	return client, backup.NewManager(dir, client), dir
}

func TestCreate_ProducesVerifiedSnapshot(t *testing.T) {
	_, mgr, dir := setupLiveDB(t)

	info, err := mgr.Create(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.Name, "openmemory-"))
	assert.True(t, strings.HasSuffix(info.Name, ".db"))
	assert.Greater(t, info.Size, int64(0))
	assert.Equal(t, filepath.Join(dir, info.Name), info.Path)

	infos, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, info.Name, infos[0].Name)
}

func TestRestore_RoundTrip(t *testing.T) {
	client, mgr, _ := setupLiveDB(t)
	ctx := context.Background()

	require.NoError(t, client.SetMeta(ctx, "marker", "before"))
	info, err := mgr.Create(ctx)
	require.NoError(t, err)

	// Mutate after the snapshot, then roll back to it.
	require.NoError(t, client.SetMeta(ctx, "marker", "after"))
	livePath := client.Path()
	require.NoError(t, client.Close())

	require.NoError(t, mgr.Restore(ctx, info.Name))

	reopened, err := sqliteStore.NewClient(&sqliteStore.Config{Path: livePath})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	v, ok, err := reopened.GetMeta(ctx, "marker")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "before", v)
}

func TestRestore_RejectsPathEscape(t *testing.T) {
	_, mgr, _ := setupLiveDB(t)
	err := mgr.Restore(context.Background(), "../outside.db")
	assert.Error(t, err)
}

func TestRestore_RejectsCorruptSnapshot(t *testing.T) {
	_, mgr, dir := setupLiveDB(t)
	name := "openmemory-20260101T000000.db"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("not a database"), 0o644))
	err := mgr.Restore(context.Background(), name)
	assert.Error(t, err)
}

func TestPrune_KeepsNewest(t *testing.T) {
	_, mgr, dir := setupLiveDB(t)
	ctx := context.Background()

	info, err := mgr.Create(ctx)
	require.NoError(t, err)
	snapshot, err := os.ReadFile(info.Path)
	require.NoError(t, err)

	// Older siblings with valid content, named behind the real one.
	for _, name := range []string{
		"openmemory-20250101T000000.db",
		"openmemory-20250201T000000.db",
		"openmemory-20250301T000000.db",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), snapshot, 0o644))
	}

	mgr.SetKeep(2)
	require.NoError(t, mgr.Prune())

	infos, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, info.Name, infos[0].Name)
	assert.Equal(t, "openmemory-20250301T000000.db", infos[1].Name)
}

func TestList_MissingDirIsEmpty(t *testing.T) {
	mgr := backup.NewManager(filepath.Join(t.TempDir(), "nope"), nil)
	infos, err := mgr.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}
