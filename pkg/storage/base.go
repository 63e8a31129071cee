// Package storage defines the operation surface shared by the embedded
// (SQLite) and remote (PostgreSQL) metadata backends.
//
// Both backends expose the same named set of prepared operations plus
// transactions; callers never inspect which backend they hold. Missing rows
// come back as nil results, constraint violations as ErrConflict, and
// strict-tenancy violations as ErrTenantScope.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by both backends. The memory engine translates
// these into the service error taxonomy without leaking the backend identity.
var (
	// ErrConflict is returned on uniqueness or constraint violations.
	ErrConflict = errors.New("storage: constraint violation")

	// ErrTenantScope is returned when strict tenancy is enabled and a
	// user-scoped statement carries no user_id.
	ErrTenantScope = errors.New("storage: user_id required in strict tenant mode")

	// ErrBusy is returned when the embedded backend stayed locked past the
	// bounded retry budget.
	ErrBusy = errors.New("storage: database busy")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: store is closed")

	// ErrNotFound is returned by write operations that matched no row.
	// Read operations report an absent row as a nil result instead.
	ErrNotFound = errors.New("storage: row not found")
)

// MemoryRow is the persisted form of a memory item. Content is ciphertext;
// the engine owns encryption and hashing.
type MemoryRow struct {
	ID            string
	UserID        string
	Content       []byte
	ContentHash   string
	PrimarySector string
	Tags          []string
	Metadata      map[string]interface{}
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastAccessed  *time.Time
	Salience      float64
	DecayRate     float64
	Version       int64
	KeyVersion    int
	AccessCount   int64
	Archived      bool
}

// VectorRow is one embedding for a (memory, sector, user) triple.
type VectorRow struct {
	MemoryID string
	Sector   string
	UserID   string
	Payload  []float32
	Dim      int
}

// WaypointRow is a directed weighted edge between two memory items.
type WaypointRow struct {
	SrcID     string
	DstID     string
	UserID    string
	Weight    float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FactRow is an append-only temporal fact with a validity interval.
// ValidTo nil means the interval is still open.
type FactRow struct {
	ID          string
	UserID      string
	Subject     string
	Predicate   string
	Object      string
	ValidFrom   time.Time
	ValidTo     *time.Time
	Confidence  float64
	LastUpdated time.Time
	Metadata    map[string]interface{}
}

// EdgeRow is a weighted relation between two facts with its own validity
// window.
type EdgeRow struct {
	ID           string
	UserID       string
	SourceFact   string
	TargetFact   string
	RelationType string
	ValidFrom    time.Time
	ValidTo      *time.Time
	Weight       float64
	Metadata     map[string]interface{}
}

// APIKeyRow stores the CPU-hard hash of a key, never the plaintext.
type APIKeyRow struct {
	ID         string
	UserID     string
	Hash       string
	Scopes     []string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	Disabled   bool
}

// AuditRow is an append-only audit record; immutable after insert.
type AuditRow struct {
	ID           string
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	IP           string
	UserAgent    string
	Metadata     map[string]interface{}
	Timestamp    time.Time
}

// UserRow carries the soft summary and reflection counter maintained by the
// maintenance jobs.
type UserRow struct {
	ID              string
	Summary         string
	ReflectionCount int64
	CreatedAt       time.Time
}

// WebhookRow is a delivery subscription.
type WebhookRow struct {
	ID        string
	UserID    string
	URL       string
	Events    []string
	CreatedAt time.Time
	Disabled  bool
}

// WebhookLogRow records one delivery and its retry schedule.
type WebhookLogRow struct {
	ID          string
	WebhookID   string
	Event       string
	Payload     string
	Status      string // pending, delivered, failed
	Attempts    int
	LastError   string
	NextRetryAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// KNNResult is one nearest-neighbor hit from a pushed-down vector search.
type KNNResult struct {
	MemoryID string
	Distance float64
}

// KNNSearcher is implemented by backends that can push nearest-neighbor
// search into the database. Callers type-assert and fall back to scanning
// vectors when the store does not implement it.
type KNNSearcher interface {
	SearchKNN(ctx context.Context, sector, userID string, query []float32, k int) ([]KNNResult, error)
}

// ListOptions pages a per-user memory listing.
type ListOptions struct {
	UserID string
	Sector string
	Limit  int
	Offset int
}

// FactQuery selects facts. AsOf nil returns the latest open intervals.
type FactQuery struct {
	UserID    string
	Subject   string
	Predicate string
	AsOf      *time.Time
	Limit     int
}

// UserActivity counts one user's memories created since a cutoff.
type UserActivity struct {
	UserID string
	Count  int
}

// Stats aggregates the dashboard numbers.
type Stats struct {
	Memories  int64
	Vectors   int64
	Waypoints int64
	Facts     int64
	Edges     int64
	Users     int64
	BySector  map[string]int64
}

// Ops is the named operation surface. Every method is safe for concurrent
// use on a Store; inside WithTransaction all statements share one
// connection and one transaction.
type Ops interface {
	// Memories.
	InsertMemory(ctx context.Context, row *MemoryRow) error
	GetMemory(ctx context.Context, id, userID string) (*MemoryRow, error)
	FindMemoryByHash(ctx context.Context, userID, contentHash string) (*MemoryRow, error)
	ListMemoriesByUser(ctx context.Context, opts ListOptions) ([]*MemoryRow, error)
	UpdateMemory(ctx context.Context, row *MemoryRow) error
	TouchMemory(ctx context.Context, id, userID string, at time.Time) error
	ResetAccessCount(ctx context.Context, id, userID string) error
	UpdateSalience(ctx context.Context, id, userID string, salience float64, archived bool) error
	UpdateMemoryCiphertext(ctx context.Context, id, userID string, content []byte, keyVersion int) error
	DeleteMemory(ctx context.Context, id, userID string) error
	DeleteMemoriesByUser(ctx context.Context, userID string) (int64, error)
	CountMemoriesSince(ctx context.Context, userID string, since time.Time) (int, error)
	ListUserActivity(ctx context.Context, since time.Time) ([]UserActivity, error)
	ListMemoriesForMaintenance(ctx context.Context, afterID string, limit int) ([]*MemoryRow, error)
	ListMemoriesBelowKeyVersion(ctx context.Context, keyVersion, limit int) ([]*MemoryRow, error)

	// Vectors.
	InsertVector(ctx context.Context, row *VectorRow) error
	GetVector(ctx context.Context, memoryID, sector, userID string) (*VectorRow, error)
	BatchGetVectors(ctx context.Context, memoryIDs []string, userID string) ([]*VectorRow, error)
	ScanVectorsBySector(ctx context.Context, sector, userID, afterID string, limit int) ([]*VectorRow, error)
	DeleteVectorsFor(ctx context.Context, memoryID, userID string) error
	DeleteVectorsByUser(ctx context.Context, userID string) error

	// Waypoints.
	UpsertWaypoint(ctx context.Context, row *WaypointRow) error
	NeighborsOf(ctx context.Context, id, userID string, limit int) ([]*WaypointRow, error)
	DeleteWaypointsFor(ctx context.Context, id, userID string) error
	DeleteWaypointsByUser(ctx context.Context, userID string) error
	PruneDanglingWaypoints(ctx context.Context) (int64, error)
	DecayWaypoints(ctx context.Context, factor, floor float64) (int64, error)

	// Temporal graph.
	InsertFact(ctx context.Context, row *FactRow) error
	CloseFactInterval(ctx context.Context, userID, subject, predicate string, at time.Time) (int64, error)
	QueryFacts(ctx context.Context, q FactQuery) ([]*FactRow, error)
	GetFact(ctx context.Context, id, userID string) (*FactRow, error)
	DeleteFactsByObject(ctx context.Context, userID, object string) (int64, error)
	MergeOverlappingFacts(ctx context.Context) (int64, error)
	InsertEdge(ctx context.Context, row *EdgeRow) error

	// Users.
	UpsertUser(ctx context.Context, id string) error
	GetUser(ctx context.Context, id string) (*UserRow, error)
	ListUsers(ctx context.Context, limit, offset int) ([]*UserRow, error)
	DeleteUser(ctx context.Context, id string) error
	SetUserSummary(ctx context.Context, id, summary string) error
	IncrementReflectionCount(ctx context.Context, id string) error

	// API keys.
	InsertAPIKey(ctx context.Context, row *APIKeyRow) error
	GetAPIKey(ctx context.Context, id string) (*APIKeyRow, error)
	ListAPIKeys(ctx context.Context, userID string) ([]*APIKeyRow, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	DisableAPIKey(ctx context.Context, id string) error

	// Audit.
	InsertAudit(ctx context.Context, row *AuditRow) error
	ListAudit(ctx context.Context, userID string, limit, offset int) ([]*AuditRow, error)

	// Rate limiting. Returns the count after the bump for the window that
	// begins at windowStart.
	RateLimitBump(ctx context.Context, key string, windowStart time.Time) (int, error)

	// Webhooks.
	InsertWebhook(ctx context.Context, row *WebhookRow) error
	GetWebhook(ctx context.Context, id string) (*WebhookRow, error)
	ListWebhooks(ctx context.Context, userID, event string) ([]*WebhookRow, error)
	DeleteWebhook(ctx context.Context, id, userID string) error
	InsertWebhookLog(ctx context.Context, row *WebhookLogRow) error
	UpdateWebhookLog(ctx context.Context, row *WebhookLogRow) error
	ListPendingWebhookLogs(ctx context.Context, before time.Time, limit int) ([]*WebhookLogRow, error)

	// Meta key/value (schema metadata, rotation progress).
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error

	// Stats for the dashboard.
	Stats(ctx context.Context) (*Stats, error)
}

// Store is a backend: the operation surface plus transactions and lifecycle.
type Store interface {
	Ops

	// WithTransaction runs fn inside a transaction: commit on nil return,
	// rollback otherwise. Nested calls are flattened into the outer
	// transaction on both backends.
	WithTransaction(ctx context.Context, fn func(Ops) error) error

	// Migrate applies pending schema migrations under an advisory lock.
	// Re-running is idempotent.
	Migrate(ctx context.Context) error

	// Dialect reports "sqlite" or "postgres".
	Dialect() string

	// Close releases the underlying pool or file handle.
	Close() error
}
