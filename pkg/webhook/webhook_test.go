package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/storage"
	sqliteStore "github.com/openmemory/openmemory-go/pkg/storage/sqlite"
	"github.com/openmemory/openmemory-go/pkg/webhook"
)

func setupDispatcher(t *testing.T) (*webhook.Dispatcher, storage.Store) {
	t.Helper()
	client, err := sqliteStore.NewClient(&sqliteStore.Config{
		Path: filepath.Join(t.TempDir(), "webhook_test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, client.Migrate(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return webhook.New(client), client
}

func pendingLogs(t *testing.T, store storage.Store) []*storage.WebhookLogRow {
	t.Helper()
	logs, err := store.ListPendingWebhookLogs(context.Background(), time.Now().UTC().Add(time.Hour), 100)
	require.NoError(t, err)
	return logs
}

func TestSubscribe_RequiresURL(t *testing.T) {
	d, _ := setupDispatcher(t)
	_, err := d.Subscribe(context.Background(), "user-a", "", nil)
	assert.Error(t, err)
}

func TestEmit_QueuesPerMatchingSubscription(t *testing.T) {
	d, store := setupDispatcher(t)
	ctx := context.Background()

	_, err := d.Subscribe(ctx, "user-a", "https://a.example/hook", nil)
	require.NoError(t, err)
	_, err = d.Subscribe(ctx, "user-a", "https://b.example/hook", []string{webhook.EventMemoryAdded})
	require.NoError(t, err)
	_, err = d.Subscribe(ctx, "user-a", "https://c.example/hook", []string{webhook.EventMemoryDeleted})
	require.NoError(t, err)
	_, err = d.Subscribe(ctx, "user-b", "https://other.example/hook", nil)
	require.NoError(t, err)

	require.NoError(t, d.Emit(ctx, "user-a", webhook.EventMemoryAdded, map[string]string{"id": "m1"}))

	// The catch-all and the memory.added subscription match; the
	// memory.deleted one and the other tenant's do not.
	logs := pendingLogs(t, store)
	require.Len(t, logs, 2)
	for _, entry := range logs {
		assert.Equal(t, "pending", entry.Status)
		assert.Equal(t, webhook.EventMemoryAdded, entry.Event)

		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(entry.Payload), &payload))
		assert.Equal(t, webhook.EventMemoryAdded, payload["event"])
		assert.Equal(t, "user-a", payload["user_id"])
	}
}

func TestEmit_NoSubscribersIsQuiet(t *testing.T) {
	d, store := setupDispatcher(t)
	require.NoError(t, d.Emit(context.Background(), "user-a", webhook.EventMemoryAdded, nil))
	assert.Empty(t, pendingLogs(t, store))
}

func TestDeliverPending_Success(t *testing.T) {
	d, store := setupDispatcher(t)
	ctx := context.Background()

	var got atomic.Int64
	var lastEvent atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
		lastEvent.Store(r.Header.Get("X-OpenMemory-Event"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-OpenMemory-Delivery"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	_, err := d.Subscribe(ctx, "user-a", ts.URL, nil)
	require.NoError(t, err)
	require.NoError(t, d.Emit(ctx, "user-a", webhook.EventMemoryAdded, map[string]string{"id": "m1"}))
	require.NoError(t, d.DeliverPending(ctx))

	assert.Equal(t, int64(1), got.Load())
	assert.Equal(t, webhook.EventMemoryAdded, lastEvent.Load())
	assert.Empty(t, pendingLogs(t, store), "delivered rows leave the queue")

	// A second sweep finds nothing to send.
	require.NoError(t, d.DeliverPending(ctx))
	assert.Equal(t, int64(1), got.Load())
}

func TestDeliverPending_BacksOffOnFailure(t *testing.T) {
	d, store := setupDispatcher(t)
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := d.Subscribe(ctx, "user-a", ts.URL, nil)
	require.NoError(t, err)
	require.NoError(t, d.Emit(ctx, "user-a", webhook.EventMemoryAdded, nil))

	before := time.Now().UTC()
	require.NoError(t, d.DeliverPending(ctx))

	logs := pendingLogs(t, store)
	require.Len(t, logs, 1)
	entry := logs[0]
	assert.Equal(t, "pending", entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Contains(t, entry.LastError, "status 500")
	require.NotNil(t, entry.NextRetryAt)
	assert.True(t, entry.NextRetryAt.After(before.Add(50*time.Second)),
		"first retry is roughly a minute out, got %s", entry.NextRetryAt)
}

func TestDeliverPending_GivesUpAfterMaxAttempts(t *testing.T) {
	d, store := setupDispatcher(t)
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	sub, err := d.Subscribe(ctx, "user-a", ts.URL, nil)
	require.NoError(t, err)
	require.NoError(t, d.Emit(ctx, "user-a", webhook.EventMemoryAdded, nil))

	// Force the row due again after each failing sweep.
	for i := 0; i < 5; i++ {
		require.NoError(t, d.DeliverPending(ctx))
		if logs := pendingLogs(t, store); len(logs) == 1 {
			now := time.Now().UTC()
			logs[0].NextRetryAt = &now
			require.NoError(t, store.UpdateWebhookLog(ctx, logs[0]))
		}
	}

	assert.Empty(t, pendingLogs(t, store), "failed rows leave the queue")

	// The subscription itself survives delivery failure.
	hook, err := store.GetWebhook(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, hook)
	assert.False(t, hook.Disabled)
}

func TestDeliverPending_MissingSubscriptionFails(t *testing.T) {
	d, store := setupDispatcher(t)
	ctx := context.Background()

	sub, err := d.Subscribe(ctx, "user-a", "https://gone.example/hook", nil)
	require.NoError(t, err)
	require.NoError(t, d.Emit(ctx, "user-a", webhook.EventMemoryAdded, nil))
	require.NoError(t, store.DeleteWebhook(ctx, sub.ID, "user-a"))

	require.NoError(t, d.DeliverPending(ctx))
	assert.Empty(t, pendingLogs(t, store))
}
