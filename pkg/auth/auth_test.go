package auth_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/auth"
	"github.com/openmemory/openmemory-go/pkg/core"
	"github.com/openmemory/openmemory-go/pkg/storage"
	sqliteStore "github.com/openmemory/openmemory-go/pkg/storage/sqlite"
)

func setupStore(t *testing.T) storage.Store {
	t.Helper()
	client, err := sqliteStore.NewClient(&sqliteStore.Config{
		Path: filepath.Join(t.TempDir(), "auth_test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, client.Migrate(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHashSecret_VerifyRoundtrip(t *testing.T) {
	hash, err := auth.HashSecret("s3cret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
	assert.True(t, auth.VerifySecret(hash, "s3cret"))
	assert.False(t, auth.VerifySecret(hash, "wrong"))
}

func TestVerifySecret_MalformedHash(t *testing.T) {
	assert.False(t, auth.VerifySecret("garbage", "secret"))
	assert.False(t, auth.VerifySecret("$md5$whatever$x$y$z", "secret"))
}

func TestHasScope(t *testing.T) {
	id := &auth.Identity{Scopes: []string{auth.ScopeMemoryRead}}
	assert.True(t, id.HasScope(auth.ScopeMemoryRead))
	assert.False(t, id.HasScope(auth.ScopeMemoryWrite))

	admin := &auth.Identity{Scopes: []string{auth.ScopeAdminAll}}
	assert.True(t, admin.HasScope(auth.ScopeMemoryWrite))
	assert.True(t, admin.HasScope("anything:at-all"))

	family := &auth.Identity{Scopes: []string{"memory:*"}}
	assert.True(t, family.HasScope(auth.ScopeMemoryRead))
	assert.True(t, family.HasScope(auth.ScopeMemoryWrite))
	assert.False(t, family.HasScope("admin:users"))
}

func TestIssueKey_AndAuthenticate(t *testing.T) {
	store := setupStore(t)
	svc := auth.New(store, "")
	ctx := context.Background()

	issued, err := svc.IssueKey(ctx, "user-a", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.Plaintext, "om."))
	assert.Equal(t, 3, len(strings.Split(issued.Plaintext, ".")))

	id, err := svc.Authenticate(ctx, issued.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, "user-a", id.UserID)
	assert.Equal(t, issued.ID, id.KeyID)
	// Default scopes are read and write, not admin.
	assert.True(t, id.HasScope(auth.ScopeMemoryRead))
	assert.True(t, id.HasScope(auth.ScopeMemoryWrite))
	assert.False(t, id.HasScope(auth.ScopeAdminAll))
}

func TestAuthenticate_Rejections(t *testing.T) {
	store := setupStore(t)
	svc := auth.New(store, "")
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "not-a-key")
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))

	_, err = svc.Authenticate(ctx, "om.unknown.secret")
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))

	issued, err := svc.IssueKey(ctx, "user-a", nil)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, issued.Plaintext+"x")
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))
}

func TestDisableKey(t *testing.T) {
	store := setupStore(t)
	svc := auth.New(store, "")
	ctx := context.Background()

	issued, err := svc.IssueKey(ctx, "user-a", []string{auth.ScopeMemoryRead})
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, issued.Plaintext)
	require.NoError(t, err)

	require.NoError(t, svc.DisableKey(ctx, issued.ID))
	_, err = svc.Authenticate(ctx, issued.Plaintext)
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err))
}

func TestListKeys_BlanksHashes(t *testing.T) {
	store := setupStore(t)
	svc := auth.New(store, "")
	ctx := context.Background()

	_, err := svc.IssueKey(ctx, "user-a", nil)
	require.NoError(t, err)
	keys, err := svc.ListKeys(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Empty(t, keys[0].Hash)
}

func TestVerifyAdmin(t *testing.T) {
	store := setupStore(t)

	plain := auth.New(store, "dev-admin")
	assert.True(t, plain.VerifyAdmin("dev-admin"))
	assert.False(t, plain.VerifyAdmin("nope"))
	assert.False(t, plain.VerifyAdmin(""))

	hash, err := auth.HashSecret("prod-admin")
	require.NoError(t, err)
	hashed := auth.New(store, hash)
	assert.True(t, hashed.VerifyAdmin("prod-admin"))
	assert.False(t, hashed.VerifyAdmin("guess"))

	open := auth.New(store, "")
	assert.False(t, open.VerifyAdmin("anything"))
}

func TestLimiter_WindowBoundary(t *testing.T) {
	store := setupStore(t)
	limiter := auth.NewLimiter(store, time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, "key-1")
		require.NoError(t, err)
	}
	retryAfter, err := limiter.Allow(ctx, "key-1")
	require.Error(t, err)
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))
	assert.Greater(t, retryAfter, time.Duration(0))

	// A different key has its own budget.
	_, err = limiter.Allow(ctx, "key-2")
	assert.NoError(t, err)
}
