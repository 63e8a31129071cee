package temporal_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/core"
	sqliteStore "github.com/openmemory/openmemory-go/pkg/storage/sqlite"
	"github.com/openmemory/openmemory-go/pkg/temporal"
)

func setupService(t *testing.T) *temporal.Service {
	t.Helper()
	client, err := sqliteStore.NewClient(&sqliteStore.Config{
		Path: filepath.Join(t.TempDir(), "temporal_test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, client.Migrate(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	svc, err := temporal.New(client, 1)
	require.NoError(t, err)
	return svc
}

func TestInsertFact_Validation(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	_, err := svc.InsertFact(ctx, &temporal.FactRequest{
		Subject: "alice", Predicate: "works_at", Object: "acme",
	})
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = svc.InsertFact(ctx, &temporal.FactRequest{
		UserID: "user-a", Subject: "alice", Predicate: "works_at",
	})
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	_, err = svc.InsertFact(ctx, &temporal.FactRequest{
		UserID: "user-a", Subject: "alice", Predicate: "works_at", Object: "acme",
		ValidFrom: from, ValidTo: &to,
	})
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestInsertFact_ClosesPriorInterval(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	acme, err := svc.InsertFact(ctx, &temporal.FactRequest{
		UserID: "user-a", Subject: "alice", Predicate: "works_at", Object: "Acme",
		ValidFrom: jan,
	})
	require.NoError(t, err)
	require.Nil(t, acme.ValidTo)
	assert.Equal(t, 1.0, acme.Confidence)

	_, err = svc.InsertFact(ctx, &temporal.FactRequest{
		UserID: "user-a", Subject: "alice", Predicate: "works_at", Object: "Globex",
		ValidFrom: jun,
	})
	require.NoError(t, err)

	// The Acme interval is now closed at Globex's valid_from; only the
	// Globex interval stays open.
	facts, err := svc.QueryFacts(ctx, &temporal.Query{
		UserID: "user-a", Subject: "alice", Predicate: "works_at",
	})
	require.NoError(t, err)

	byObject := map[string]*temporal.Fact{}
	for _, f := range facts {
		byObject[f.Object] = f
	}
	require.Contains(t, byObject, "Acme")
	require.Contains(t, byObject, "Globex")
	require.NotNil(t, byObject["Acme"].ValidTo)
	assert.True(t, byObject["Acme"].ValidTo.Equal(jun))
	assert.Nil(t, byObject["Globex"].ValidTo)
}

func TestQueryFacts_AsOf(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	_, err := svc.InsertFact(ctx, &temporal.FactRequest{
		UserID: "user-a", Subject: "alice", Predicate: "works_at", Object: "Acme",
		ValidFrom: jan,
	})
	require.NoError(t, err)
	_, err = svc.InsertFact(ctx, &temporal.FactRequest{
		UserID: "user-a", Subject: "alice", Predicate: "works_at", Object: "Globex",
		ValidFrom: jun,
	})
	require.NoError(t, err)

	march := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	facts, err := svc.QueryFacts(ctx, &temporal.Query{
		UserID: "user-a", Subject: "alice", Predicate: "works_at", AsOf: &march,
	})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Acme", facts[0].Object)

	july := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	facts, err = svc.QueryFacts(ctx, &temporal.Query{
		UserID: "user-a", Subject: "alice", Predicate: "works_at", AsOf: &july,
	})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Globex", facts[0].Object)

	// Before the first interval began nothing matches.
	before := jan.Add(-time.Hour)
	facts, err = svc.QueryFacts(ctx, &temporal.Query{
		UserID: "user-a", Subject: "alice", Predicate: "works_at", AsOf: &before,
	})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestQueryFacts_TenantIsolation(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	_, err := svc.InsertFact(ctx, &temporal.FactRequest{
		UserID: "user-a", Subject: "alice", Predicate: "likes", Object: "coffee",
	})
	require.NoError(t, err)

	facts, err := svc.QueryFacts(ctx, &temporal.Query{UserID: "user-b", Subject: "alice"})
	require.NoError(t, err)
	assert.Empty(t, facts)

	_, err = svc.QueryFacts(ctx, &temporal.Query{Subject: "alice"})
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestInsertEdge(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	src, err := svc.InsertFact(ctx, &temporal.FactRequest{
		UserID: "user-a", Subject: "alice", Predicate: "works_at", Object: "Acme",
	})
	require.NoError(t, err)
	dst, err := svc.InsertFact(ctx, &temporal.FactRequest{
		UserID: "user-a", Subject: "acme", Predicate: "located_in", Object: "Berlin",
	})
	require.NoError(t, err)

	id, err := svc.InsertEdge(ctx, &temporal.EdgeRequest{
		UserID:       "user-a",
		SourceFact:   src.ID,
		TargetFact:   dst.ID,
		RelationType: "implies",
		Weight:       0.8,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestInsertEdge_Validation(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	fact, err := svc.InsertFact(ctx, &temporal.FactRequest{
		UserID: "user-a", Subject: "alice", Predicate: "likes", Object: "coffee",
	})
	require.NoError(t, err)

	_, err = svc.InsertEdge(ctx, &temporal.EdgeRequest{
		UserID: "user-a", SourceFact: fact.ID, TargetFact: fact.ID, Weight: 0,
	})
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = svc.InsertEdge(ctx, &temporal.EdgeRequest{
		UserID: "user-a", SourceFact: fact.ID, TargetFact: "missing", Weight: 0.5,
	})
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	// Edges cannot reach across tenants.
	_, err = svc.InsertEdge(ctx, &temporal.EdgeRequest{
		UserID: "user-b", SourceFact: fact.ID, TargetFact: fact.ID, Weight: 0.5,
	})
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}
