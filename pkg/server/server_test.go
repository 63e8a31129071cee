package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/auth"
	"github.com/openmemory/openmemory-go/pkg/config"
	"github.com/openmemory/openmemory-go/pkg/core"
	"github.com/openmemory/openmemory-go/pkg/embedder/router"
	"github.com/openmemory/openmemory-go/pkg/embedder/synthetic"
	"github.com/openmemory/openmemory-go/pkg/server"
	sqliteStore "github.com/openmemory/openmemory-go/pkg/storage/sqlite"
	"github.com/openmemory/openmemory-go/pkg/temporal"
	"github.com/openmemory/openmemory-go/pkg/webhook"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func setupHandler(t *testing.T, env map[string]string) http.Handler {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}

	client, err := sqliteStore.NewClient(&sqliteStore.Config{
		Path: filepath.Join(t.TempDir(), "server_test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, client.Migrate(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	cfg, err := config.Load()
	require.NoError(t, err)
	holder := config.NewHolder(cfg)

	det := synthetic.New(cfg.VecDim)
	embed := router.New(det, det)
	engine, err := core.New(client, embed, holder, 1)
	require.NoError(t, err)
	tsvc, err := temporal.New(client, 1)
	require.NoError(t, err)

	srv := server.New(server.Deps{
		Holder:     holder,
		Store:      client,
		Engine:     engine,
		Temporal:   tsvc,
		Auth:       auth.New(client, cfg.AdminKey),
		Limiter:    auth.NewLimiter(client, cfg.RateLimitWindow, cfg.RateLimitMaxRequests),
		Provider:   embed,
		Dispatcher: webhook.New(client),
	})
	return srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	h := setupHandler(t, nil)
	w := doJSON(t, h, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "sqlite", body["backend"])
	assert.NotEmpty(t, body["version"])
}

func TestMemory_AddGetDelete(t *testing.T) {
	h := setupHandler(t, nil)

	w := doJSON(t, h, http.MethodPost, "/memory/add", map[string]interface{}{
		"user_id": "user-a",
		"content": "Paris is the capital of France",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id, _ := decode(t, w)["id"].(string)
	require.NotEmpty(t, id)

	w = doJSON(t, h, http.MethodGet, "/memory/"+id+"?user_id=user-a", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Paris is the capital of France", decode(t, w)["content"])

	w = doJSON(t, h, http.MethodDelete, "/memory/"+id+"?user_id=user-a", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/memory/"+id+"?user_id=user-a", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["err"])
}

func TestMemory_ValidationEnvelope(t *testing.T) {
	h := setupHandler(t, nil)

	w := doJSON(t, h, http.MethodPost, "/memory/add", map[string]interface{}{
		"user_id": "user-a",
		"content": "   ",
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "validation_error", body["err"])
	assert.NotEmpty(t, body["message"])
}

func TestIngest_UnsupportedMediaType(t *testing.T) {
	h := setupHandler(t, nil)

	w := doJSON(t, h, http.MethodPost, "/memory/ingest", map[string]interface{}{
		"user_id":      "user-a",
		"content_type": "application/pdf",
		"data":         []byte("not really a pdf"),
	}, nil)
	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Equal(t, "unsupported_media_type", decode(t, w)["err"])
}

func TestIngest_FileTooLarge(t *testing.T) {
	h := setupHandler(t, map[string]string{"MAX_PAYLOAD_SIZE": "200"})

	w := doJSON(t, h, http.MethodPost, "/memory/ingest", map[string]interface{}{
		"user_id":      "user-a",
		"content_type": "text/plain",
		"data":         []byte(strings.Repeat("x", 400)),
	}, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "file_too_large", decode(t, w)["err"])
}

func TestIngest_ChunksDocument(t *testing.T) {
	h := setupHandler(t, map[string]string{"CHUNK_SIZE": "40", "CHUNK_OVERLAP": "5"})

	text := "The quick brown fox jumps over the lazy dog. " +
		"Pack my box with five dozen liquor jugs. " +
		"How vexingly quick daft zebras jump."
	w := doJSON(t, h, http.MethodPost, "/memory/ingest", map[string]interface{}{
		"user_id":      "user-a",
		"content_type": "text/plain",
		"data":         []byte(text),
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	chunks, _ := body["chunks"].(float64)
	assert.Greater(t, chunks, 1.0)
	ids, _ := body["ids"].([]interface{})
	assert.Len(t, ids, int(chunks))
}

func TestQuery_JSONAndSSE(t *testing.T) {
	h := setupHandler(t, nil)

	w := doJSON(t, h, http.MethodPost, "/memory/add", map[string]interface{}{
		"user_id": "user-a",
		"content": "Paris is the capital of France",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodPost, "/memory/query", map[string]interface{}{
		"user_id": "user-a",
		"query":   "capital of France",
		"k":       5,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])

	w = doJSON(t, h, http.MethodPost, "/memory/query", map[string]interface{}{
		"user_id": "user-a",
		"query":   "capital of France",
		"k":       5,
	}, map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	stream := w.Body.String()
	assert.Contains(t, stream, "event:memories")
	assert.Contains(t, stream, "event:done")
	assert.Contains(t, stream, "Paris is the capital of France")
}

func TestAuth_SharedKey(t *testing.T) {
	h := setupHandler(t, map[string]string{"API_KEY": "shared-secret"})

	w := doJSON(t, h, http.MethodGet, "/memory/all", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode(t, w)["err"])

	w = doJSON(t, h, http.MethodGet, "/memory/all", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, http.MethodGet, "/memory/all", nil,
		map[string]string{"X-API-Key": "shared-secret"})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_AdminSurface(t *testing.T) {
	h := setupHandler(t, map[string]string{
		"API_KEY":   "shared-secret",
		"ADMIN_KEY": "root-secret",
	})

	// The shared key does not reach admin routes.
	w := doJSON(t, h, http.MethodGet, "/dashboard/stats", nil,
		map[string]string{"X-API-Key": "shared-secret"})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode(t, w)["err"])

	w = doJSON(t, h, http.MethodGet, "/dashboard/stats", nil,
		map[string]string{"Authorization": "Bearer root-secret"})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	h := setupHandler(t, map[string]string{
		"RATE_LIMIT_ENABLED":      "true",
		"RATE_LIMIT_MAX_REQUESTS": "3",
	})

	for i := 0; i < 3; i++ {
		w := doJSON(t, h, http.MethodGet, "/sectors", nil, nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	w := doJSON(t, h, http.MethodGet, "/sectors", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode(t, w)["err"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestUserMemories_TenantScoped(t *testing.T) {
	h := setupHandler(t, nil)

	for _, content := range []string{"first note", "second note"} {
		w := doJSON(t, h, http.MethodPost, "/memory/add", map[string]interface{}{
			"user_id": "user-a",
			"content": content,
		}, nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, h, http.MethodGet, "/users/user-a/memories", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = doJSON(t, h, http.MethodGet, "/users/user-b/memories", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	w = doJSON(t, h, http.MethodDelete, "/users/user-a/memories", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["deleted"])
}

func TestSectors(t *testing.T) {
	h := setupHandler(t, nil)
	w := doJSON(t, h, http.MethodGet, "/sectors", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "episodic")
	assert.Contains(t, w.Body.String(), "procedural")
}

func TestTemporal_FactLifecycle(t *testing.T) {
	h := setupHandler(t, nil)

	w := doJSON(t, h, http.MethodPost, "/temporal/fact", map[string]interface{}{
		"user_id":    "user-a",
		"subject":    "alice",
		"predicate":  "works_at",
		"object":     "Acme",
		"valid_from": "2026-01-01T00:00:00Z",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodPost, "/temporal/fact", map[string]interface{}{
		"user_id":    "user-a",
		"subject":    "alice",
		"predicate":  "works_at",
		"object":     "Globex",
		"valid_from": "2026-06-01T00:00:00Z",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodGet,
		"/temporal/facts?user_id=user-a&subject=alice&as_of=2026-03-15T00:00:00Z", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Acme")
	assert.NotContains(t, w.Body.String(), "Globex")
}

func TestBackupStatus_Unsupported(t *testing.T) {
	h := setupHandler(t, nil)
	w := doJSON(t, h, http.MethodGet, "/admin/backup/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["supported"])
}

func TestWebhookSubscribe(t *testing.T) {
	h := setupHandler(t, nil)
	w := doJSON(t, h, http.MethodPost, "/webhooks", map[string]interface{}{
		"user_id": "user-a",
		"url":     "https://example.com/hook",
		"events":  []string{webhook.EventMemoryAdded},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "https://example.com/hook", body["url"])

	w = doJSON(t, h, http.MethodPost, "/webhooks", map[string]interface{}{"user_id": "user-a"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	id, _ := body["id"].(string)
	w = doJSON(t, h, http.MethodGet, "/webhooks?user_id=user-a", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(t, h, http.MethodDelete, "/webhooks/"+id+"?user_id=user-a", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/webhooks/"+id+"?user_id=user-a", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["err"])
}

func TestDashboardStats(t *testing.T) {
	h := setupHandler(t, nil)

	w := doJSON(t, h, http.MethodPost, "/memory/add", map[string]interface{}{
		"user_id": "user-a",
		"content": "a memory for the stats page",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodGet, "/dashboard/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Body.String())
}

func TestQuery_CrossTenantRequestIsScoped(t *testing.T) {
	h := setupHandler(t, map[string]string{"API_KEY": "shared-secret"})
	hdr := map[string]string{"X-API-Key": "shared-secret"}

	w := doJSON(t, h, http.MethodPost, "/memory/add", map[string]interface{}{
		"user_id": "user-a",
		"content": "Paris is the capital of France",
	}, hdr)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodPost, "/memory/query", map[string]interface{}{
		"user_id": "user-b",
		"query":   "capital of France",
		"k":       5,
	}, hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])
}

func TestAdminUsers_IssueKeyRoundtrip(t *testing.T) {
	h := setupHandler(t, nil)

	w := doJSON(t, h, http.MethodPost, "/admin/users", map[string]interface{}{
		"id": "user-a",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodPost, "/admin/users/user-a/keys", map[string]interface{}{
		"scopes": []string{"memory:read"},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	key, _ := decode(t, w)["key"].(string)
	require.True(t, strings.HasPrefix(key, "om."), "key %q", key)

	w = doJSON(t, h, http.MethodGet, "/admin/users/user-a/keys", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), key[strings.LastIndex(key, ".")+1:],
		"secret must not be listed")
}
