// Package postgres implements the remote storage backend for shared
// multi-instance deployments.
//
// SQL is written in the "?" style shared with the embedded backend and
// rebound to "$n" at prepare time. Table names carry a configurable prefix
// so several services can share one database. Migrations run under an
// advisory lock so concurrent instances do not race the schema.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/storage/migrate"
	"github.com/openmemory/openmemory-go/pkg/storage/sqltoken"
)

const (
	readRetries   = 3
	retryBase     = 50 * time.Millisecond
	defaultPrefix = "openmemory_"
)

// Config contains configuration for the remote backend.
type Config struct {
	// DSN is the lib/pq connection string.
	DSN string

	// Prefix is prepended to every table name. Defaults to "openmemory_".
	Prefix string

	// Strict enables strict tenant mode.
	Strict bool

	// Vector enables the pgvector column written alongside the byte
	// payload.
	Vector bool

	// MaxOpenConns caps the pool; zero keeps the driver default.
	MaxOpenConns int
}

// Client implements storage.Store on PostgreSQL.
type Client struct {
	session

	db      *sql.DB
	guard   storage.Guard
	prefix  string
	markers map[string]string
	vector  bool

	stmts   map[string]*sql.Stmt
	stmtsMu sync.RWMutex

	closed bool
	mu     sync.Mutex
}

type session struct {
	c  *Client
	tx *sql.Tx
}

// NewClient connects and pings the remote database.
func NewClient(cfg *Config) (*Client, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewClient: %w", err)
	}

	markers := make(map[string]string, len(migrate.Markers))
	for k, v := range migrate.Markers {
		markers[k] = prefix + v
	}
	c := &Client{
		db:      db,
		guard:   storage.Guard{Strict: cfg.Strict},
		prefix:  prefix,
		markers: markers,
		vector:  cfg.Vector,
		stmts:   map[string]*sql.Stmt{},
	}
	c.session = session{c: c}
	return c, nil
}

// Dialect reports the backend dialect.
func (c *Client) Dialect() string { return "postgres" }

// Migrate applies pending migrations under an advisory lock keyed on the
// table prefix, then rebuilds the statement cache.
func (c *Client) Migrate(ctx context.Context) error {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	defer func() { _ = conn.Close() }()

	h := fnv.New64a()
	_, _ = h.Write([]byte("openmemory:" + c.prefix))
	lockKey := int64(h.Sum64())

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("Migrate: acquire lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockKey)
	}()

	if err := migrate.Apply(ctx, c.db, "postgres", c.expand); err != nil {
		return err
	}
	c.stmtsMu.Lock()
	for _, s := range c.stmts {
		_ = s.Close()
	}
	c.stmts = map[string]*sql.Stmt{}
	c.stmtsMu.Unlock()
	return nil
}

// Close closes the pool.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return storage.ErrClosed
	}
	c.closed = true
	c.stmtsMu.Lock()
	for _, s := range c.stmts {
		_ = s.Close()
	}
	c.stmtsMu.Unlock()
	return c.db.Close()
}

// WithTransaction runs fn in one transaction, committing on nil return.
func (c *Client) WithTransaction(ctx context.Context, fn func(storage.Ops) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("WithTransaction: %w", err)
	}
	s := &session{c: c, tx: tx}
	if err := fn(s); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("WithTransaction: commit: %w", err)
	}
	return nil
}

// WithTransaction on a transactional session is flattened into the
// enclosing transaction.
func (s *session) WithTransaction(ctx context.Context, fn func(storage.Ops) error) error {
	return fn(s)
}

// expand prefixes {marker} tokens with the configured table prefix.
func (c *Client) expand(q string) string {
	return sqltoken.ExpandTables(q, c.markers)
}

// bind turns shared "?" SQL into the prefixed "$n" form.
func (c *Client) bind(q string) string {
	return sqltoken.Rebind(c.expand(q))
}

func (c *Client) stmt(ctx context.Context, q string) (*sql.Stmt, error) {
	c.stmtsMu.RLock()
	st, ok := c.stmts[q]
	c.stmtsMu.RUnlock()
	if ok {
		return st, nil
	}
	st, err := c.db.PrepareContext(ctx, q)
	if err != nil {
		return nil, err
	}
	c.stmtsMu.Lock()
	if prev, ok := c.stmts[q]; ok {
		_ = st.Close()
		st = prev
	} else {
		c.stmts[q] = st
	}
	c.stmtsMu.Unlock()
	return st, nil
}

func (s *session) exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	q = s.c.bind(q)
	st, err := s.c.stmt(ctx, q)
	if err != nil {
		return nil, mapErr(err)
	}
	if s.tx != nil {
		res, err := s.tx.StmtContext(ctx, st).ExecContext(ctx, args...)
		return res, mapErr(err)
	}
	res, err := st.ExecContext(ctx, args...)
	return res, mapErr(err)
}

// query retries transient connection and serialization failures with
// exponential backoff. Retries are skipped inside a transaction, where the
// whole transaction must be redone by the caller.
func (s *session) query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	q = s.c.bind(q)
	st, err := s.c.stmt(ctx, q)
	if err != nil {
		return nil, mapErr(err)
	}
	if s.tx != nil {
		rows, err := s.tx.StmtContext(ctx, st).QueryContext(ctx, args...)
		return rows, mapErr(err)
	}
	var rows *sql.Rows
	for attempt := 0; ; attempt++ {
		rows, err = st.QueryContext(ctx, args...)
		if err == nil || !isTransient(err) || attempt >= readRetries {
			return rows, mapErr(err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBase << attempt):
		}
	}
}

func (s *session) queryRow(ctx context.Context, q string, args ...interface{}) *sql.Row {
	q = s.c.bind(q)
	st, err := s.c.stmt(ctx, q)
	if err != nil {
		return s.c.db.QueryRowContext(ctx, q, args...)
	}
	if s.tx != nil {
		return s.tx.StmtContext(ctx, st).QueryRowContext(ctx, args...)
	}
	return st.QueryRowContext(ctx, args...)
}

// isTransient reports connection drops and serialization conflicts worth
// a retry.
func isTransient(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) {
		class := pe.Code.Class()
		return class == "08" || pe.Code == "40001" || pe.Code == "40P01"
	}
	return false
}

// mapErr translates driver errors into the shared sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code.Class() == "23" {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const memoryCols = `id, user_id, content, content_hash, primary_sector, tags, metadata,
	created_at, updated_at, last_accessed_at, salience, decay_rate, version,
	key_version, access_count, archived`

func scanMemory(r rowScanner) (*storage.MemoryRow, error) {
	var m storage.MemoryRow
	var tags, metadata string
	var last sql.NullTime
	err := r.Scan(&m.ID, &m.UserID, &m.Content, &m.ContentHash, &m.PrimarySector,
		&tags, &metadata, &m.CreatedAt, &m.UpdatedAt, &last, &m.Salience,
		&m.DecayRate, &m.Version, &m.KeyVersion, &m.AccessCount, &m.Archived)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		m.LastAccessed = &t
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &m, nil
}

func encodeJSON(v interface{}) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func encodeTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func (s *session) InsertMemory(ctx context.Context, row *storage.MemoryRow) error {
	if err := s.c.guard.Check("InsertMemory", row.UserID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO {m}
		(id, user_id, content, content_hash, primary_sector, tags, metadata,
		 created_at, updated_at, last_accessed_at, salience, decay_rate,
		 version, key_version, access_count, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.Content, row.ContentHash, row.PrimarySector,
		encodeTags(row.Tags), encodeJSON(row.Metadata), row.CreatedAt,
		row.UpdatedAt, row.LastAccessed, row.Salience, row.DecayRate,
		row.Version, row.KeyVersion, row.AccessCount, row.Archived)
	if err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}
	return nil
}

func (s *session) GetMemory(ctx context.Context, id, userID string) (*storage.MemoryRow, error) {
	if err := s.c.guard.Check("GetMemory", userID); err != nil {
		return nil, err
	}
	q := `SELECT ` + memoryCols + ` FROM {m} where id=?`
	args := []interface{}{id}
	if userID != "" {
		q = sqltoken.AppendCondition(q, "user_id=?")
		args = append(args, userID)
	}
	m, err := scanMemory(s.queryRow(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetMemory: %w", err)
	}
	return m, nil
}

func (s *session) FindMemoryByHash(ctx context.Context, userID, contentHash string) (*storage.MemoryRow, error) {
	if err := s.c.guard.Check("FindMemoryByHash", userID); err != nil {
		return nil, err
	}
	m, err := scanMemory(s.queryRow(ctx,
		`SELECT `+memoryCols+` FROM {m} where user_id=? and content_hash=?`,
		userID, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindMemoryByHash: %w", err)
	}
	return m, nil
}

func (s *session) ListMemoriesByUser(ctx context.Context, opts storage.ListOptions) ([]*storage.MemoryRow, error) {
	if err := s.c.guard.Check("ListMemoriesByUser", opts.UserID); err != nil {
		return nil, err
	}
	q := `SELECT ` + memoryCols + ` FROM {m} where user_id=? ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args := []interface{}{opts.UserID, opts.Limit, opts.Offset}
	if opts.Sector != "" {
		q = sqltoken.AppendCondition(q, "primary_sector=?")
		args = []interface{}{opts.UserID, opts.Sector, opts.Limit, opts.Offset}
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListMemoriesByUser: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.MemoryRow
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("ListMemoriesByUser: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *session) UpdateMemory(ctx context.Context, row *storage.MemoryRow) error {
	if err := s.c.guard.Check("UpdateMemory", row.UserID); err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE {m} SET
		content=?, content_hash=?, primary_sector=?, tags=?, metadata=?,
		updated_at=?, salience=?, decay_rate=?, key_version=?, archived=?,
		version=version+1
		WHERE id=? and user_id=?`,
		row.Content, row.ContentHash, row.PrimarySector, encodeTags(row.Tags),
		encodeJSON(row.Metadata), row.UpdatedAt, row.Salience, row.DecayRate,
		row.KeyVersion, row.Archived, row.ID, row.UserID)
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}
	return requireRows(res, "UpdateMemory")
}

func (s *session) TouchMemory(ctx context.Context, id, userID string, at time.Time) error {
	if err := s.c.guard.Check("TouchMemory", userID); err != nil {
		return err
	}
	_, err := s.exec(ctx,
		`UPDATE {m} SET last_accessed_at=?, access_count=access_count+1 WHERE id=? and user_id=?`,
		at, id, userID)
	if err != nil {
		return fmt.Errorf("TouchMemory: %w", err)
	}
	return nil
}

func (s *session) ResetAccessCount(ctx context.Context, id, userID string) error {
	if err := s.c.guard.Check("ResetAccessCount", userID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `UPDATE {m} SET access_count=0 WHERE id=? and user_id=?`, id, userID)
	if err != nil {
		return fmt.Errorf("ResetAccessCount: %w", err)
	}
	return nil
}

func (s *session) UpdateSalience(ctx context.Context, id, userID string, salience float64, archived bool) error {
	if err := s.c.guard.Check("UpdateSalience", userID); err != nil {
		return err
	}
	_, err := s.exec(ctx,
		`UPDATE {m} SET salience=?, archived=?, version=version+1 WHERE id=? and user_id=?`,
		salience, archived, id, userID)
	if err != nil {
		return fmt.Errorf("UpdateSalience: %w", err)
	}
	return nil
}

func (s *session) UpdateMemoryCiphertext(ctx context.Context, id, userID string, content []byte, keyVersion int) error {
	if err := s.c.guard.Check("UpdateMemoryCiphertext", userID); err != nil {
		return err
	}
	_, err := s.exec(ctx,
		`UPDATE {m} SET content=?, key_version=?, version=version+1 WHERE id=? and user_id=?`,
		content, keyVersion, id, userID)
	if err != nil {
		return fmt.Errorf("UpdateMemoryCiphertext: %w", err)
	}
	return nil
}

func (s *session) DeleteMemory(ctx context.Context, id, userID string) error {
	if err := s.c.guard.Check("DeleteMemory", userID); err != nil {
		return err
	}
	res, err := s.exec(ctx, `DELETE FROM {m} WHERE id=? and user_id=?`, id, userID)
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}
	return requireRows(res, "DeleteMemory")
}

func (s *session) DeleteMemoriesByUser(ctx context.Context, userID string) (int64, error) {
	if err := s.c.guard.Check("DeleteMemoriesByUser", userID); err != nil {
		return 0, err
	}
	res, err := s.exec(ctx, `DELETE FROM {m} WHERE user_id=?`, userID)
	if err != nil {
		return 0, fmt.Errorf("DeleteMemoriesByUser: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *session) CountMemoriesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if err := s.c.guard.Check("CountMemoriesSince", userID); err != nil {
		return 0, err
	}
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM {m} WHERE user_id=? AND created_at >= ?`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountMemoriesSince: %w", err)
	}
	return n, nil
}

func (s *session) ListUserActivity(ctx context.Context, since time.Time) ([]storage.UserActivity, error) {
	rows, err := s.query(ctx,
		`SELECT user_id, COUNT(*) FROM {m} WHERE created_at >= ? GROUP BY user_id`, since)
	if err != nil {
		return nil, fmt.Errorf("ListUserActivity: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []storage.UserActivity
	for rows.Next() {
		var ua storage.UserActivity
		if err := rows.Scan(&ua.UserID, &ua.Count); err != nil {
			return nil, fmt.Errorf("ListUserActivity: %w", err)
		}
		out = append(out, ua)
	}
	return out, rows.Err()
}

func (s *session) ListMemoriesForMaintenance(ctx context.Context, afterID string, limit int) ([]*storage.MemoryRow, error) {
	rows, err := s.query(ctx,
		`SELECT `+memoryCols+` FROM {m} WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ListMemoriesForMaintenance: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.MemoryRow
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("ListMemoriesForMaintenance: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *session) ListMemoriesBelowKeyVersion(ctx context.Context, keyVersion, limit int) ([]*storage.MemoryRow, error) {
	rows, err := s.query(ctx,
		`SELECT `+memoryCols+` FROM {m} WHERE key_version < ? ORDER BY id LIMIT ?`, keyVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("ListMemoriesBelowKeyVersion: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.MemoryRow
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("ListMemoriesBelowKeyVersion: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertVector stores payload bytes, and when the pgvector column is
// enabled the dense form alongside for in-database search.
func (s *session) InsertVector(ctx context.Context, row *storage.VectorRow) error {
	if err := s.c.guard.Check("InsertVector", row.UserID); err != nil {
		return err
	}
	var err error
	if s.c.vector {
		_, err = s.exec(ctx,
			`INSERT INTO {v} (memory_id, sector, user_id, payload, dim, payload_vec)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			row.MemoryID, row.Sector, row.UserID, storage.EncodeVector(row.Payload),
			row.Dim, pgvector.NewVector(row.Payload))
	} else {
		_, err = s.exec(ctx,
			`INSERT INTO {v} (memory_id, sector, user_id, payload, dim) VALUES (?, ?, ?, ?, ?)`,
			row.MemoryID, row.Sector, row.UserID, storage.EncodeVector(row.Payload), row.Dim)
	}
	if err != nil {
		return fmt.Errorf("InsertVector: %w", err)
	}
	return nil
}

func scanVector(r rowScanner) (*storage.VectorRow, error) {
	var v storage.VectorRow
	var payload []byte
	if err := r.Scan(&v.MemoryID, &v.Sector, &v.UserID, &payload, &v.Dim); err != nil {
		return nil, err
	}
	v.Payload = storage.DecodeVector(payload)
	return &v, nil
}

func (s *session) GetVector(ctx context.Context, memoryID, sector, userID string) (*storage.VectorRow, error) {
	if err := s.c.guard.Check("GetVector", userID); err != nil {
		return nil, err
	}
	v, err := scanVector(s.queryRow(ctx,
		`SELECT memory_id, sector, user_id, payload, dim FROM {v}
		 WHERE memory_id=? and sector=? and user_id=?`,
		memoryID, sector, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetVector: %w", err)
	}
	return v, nil
}

func (s *session) BatchGetVectors(ctx context.Context, memoryIDs []string, userID string) ([]*storage.VectorRow, error) {
	if err := s.c.guard.Check("BatchGetVectors", userID); err != nil {
		return nil, err
	}
	if len(memoryIDs) == 0 {
		return nil, nil
	}
	rows, err := s.query(ctx,
		`SELECT memory_id, sector, user_id, payload, dim FROM {v}
		 WHERE memory_id = ANY(?) and user_id=?`,
		pq.Array(memoryIDs), userID)
	if err != nil {
		return nil, fmt.Errorf("BatchGetVectors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.VectorRow
	for rows.Next() {
		v, err := scanVector(rows)
		if err != nil {
			return nil, fmt.Errorf("BatchGetVectors: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *session) ScanVectorsBySector(ctx context.Context, sector, userID, afterID string, limit int) ([]*storage.VectorRow, error) {
	if err := s.c.guard.Check("ScanVectorsBySector", userID); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx,
		`SELECT memory_id, sector, user_id, payload, dim FROM {v}
		 WHERE sector=? and user_id=? and memory_id > ?
		 ORDER BY memory_id LIMIT ?`,
		sector, userID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ScanVectorsBySector: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.VectorRow
	for rows.Next() {
		v, err := scanVector(rows)
		if err != nil {
			return nil, fmt.Errorf("ScanVectorsBySector: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *session) DeleteVectorsFor(ctx context.Context, memoryID, userID string) error {
	if err := s.c.guard.Check("DeleteVectorsFor", userID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `DELETE FROM {v} WHERE memory_id=? and user_id=?`, memoryID, userID)
	if err != nil {
		return fmt.Errorf("DeleteVectorsFor: %w", err)
	}
	return nil
}

func (s *session) DeleteVectorsByUser(ctx context.Context, userID string) error {
	if err := s.c.guard.Check("DeleteVectorsByUser", userID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `DELETE FROM {v} WHERE user_id=?`, userID)
	if err != nil {
		return fmt.Errorf("DeleteVectorsByUser: %w", err)
	}
	return nil
}

// SearchKNN pushes cosine nearest-neighbor search into the database using
// the pgvector distance operator. Requires the vector column.
func (s *session) SearchKNN(ctx context.Context, sector, userID string, query []float32, k int) ([]storage.KNNResult, error) {
	if !s.c.vector {
		return nil, fmt.Errorf("SearchKNN: pgvector column not enabled")
	}
	if err := s.c.guard.Check("SearchKNN", userID); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx,
		`SELECT memory_id, payload_vec <=> ? AS distance FROM {v}
		 WHERE sector=? and user_id=? and payload_vec IS NOT NULL
		 ORDER BY distance LIMIT ?`,
		pgvector.NewVector(query), sector, userID, k)
	if err != nil {
		return nil, fmt.Errorf("SearchKNN: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []storage.KNNResult
	for rows.Next() {
		var r storage.KNNResult
		if err := rows.Scan(&r.MemoryID, &r.Distance); err != nil {
			return nil, fmt.Errorf("SearchKNN: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *session) UpsertWaypoint(ctx context.Context, row *storage.WaypointRow) error {
	if err := s.c.guard.Check("UpsertWaypoint", row.UserID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO {w} (src_id, dst_id, user_id, weight, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (src_id, dst_id, user_id)
		DO UPDATE SET weight=excluded.weight, updated_at=excluded.updated_at`,
		row.SrcID, row.DstID, row.UserID, row.Weight, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("UpsertWaypoint: %w", err)
	}
	return nil
}

func (s *session) NeighborsOf(ctx context.Context, id, userID string, limit int) ([]*storage.WaypointRow, error) {
	if err := s.c.guard.Check("NeighborsOf", userID); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx,
		`SELECT src_id, dst_id, user_id, weight, created_at, updated_at FROM {w}
		 WHERE src_id=? and user_id=? ORDER BY weight DESC LIMIT ?`,
		id, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("NeighborsOf: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.WaypointRow
	for rows.Next() {
		var w storage.WaypointRow
		if err := rows.Scan(&w.SrcID, &w.DstID, &w.UserID, &w.Weight, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("NeighborsOf: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *session) DeleteWaypointsFor(ctx context.Context, id, userID string) error {
	if err := s.c.guard.Check("DeleteWaypointsFor", userID); err != nil {
		return err
	}
	_, err := s.exec(ctx,
		`DELETE FROM {w} WHERE user_id=? AND (src_id=? OR dst_id=?)`, userID, id, id)
	if err != nil {
		return fmt.Errorf("DeleteWaypointsFor: %w", err)
	}
	return nil
}

func (s *session) DeleteWaypointsByUser(ctx context.Context, userID string) error {
	if err := s.c.guard.Check("DeleteWaypointsByUser", userID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `DELETE FROM {w} WHERE user_id=?`, userID)
	if err != nil {
		return fmt.Errorf("DeleteWaypointsByUser: %w", err)
	}
	return nil
}

func (s *session) PruneDanglingWaypoints(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx,
		`DELETE FROM {w} WHERE src_id NOT IN (SELECT id FROM {m}) OR dst_id NOT IN (SELECT id FROM {m})`)
	if err != nil {
		return 0, fmt.Errorf("PruneDanglingWaypoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *session) DecayWaypoints(ctx context.Context, factor, floor float64) (int64, error) {
	if _, err := s.exec(ctx, `UPDATE {w} SET weight = weight * ?`, factor); err != nil {
		return 0, fmt.Errorf("DecayWaypoints: %w", err)
	}
	res, err := s.exec(ctx, `DELETE FROM {w} WHERE weight < ?`, floor)
	if err != nil {
		return 0, fmt.Errorf("DecayWaypoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const factCols = `id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata`

func scanFact(r rowScanner) (*storage.FactRow, error) {
	var f storage.FactRow
	var validTo sql.NullTime
	var metadata string
	err := r.Scan(&f.ID, &f.UserID, &f.Subject, &f.Predicate, &f.Object,
		&f.ValidFrom, &validTo, &f.Confidence, &f.LastUpdated, &metadata)
	if err != nil {
		return nil, err
	}
	if validTo.Valid {
		t := validTo.Time
		f.ValidTo = &t
	}
	if err := json.Unmarshal([]byte(metadata), &f.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &f, nil
}

func (s *session) InsertFact(ctx context.Context, row *storage.FactRow) error {
	if err := s.c.guard.Check("InsertFact", row.UserID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO {tf}
		(id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.Subject, row.Predicate, row.Object,
		row.ValidFrom, row.ValidTo, row.Confidence, row.LastUpdated, encodeJSON(row.Metadata))
	if err != nil {
		return fmt.Errorf("InsertFact: %w", err)
	}
	return nil
}

func (s *session) CloseFactInterval(ctx context.Context, userID, subject, predicate string, at time.Time) (int64, error) {
	if err := s.c.guard.Check("CloseFactInterval", userID); err != nil {
		return 0, err
	}
	res, err := s.exec(ctx,
		`UPDATE {tf} SET valid_to=?, last_updated=?
		 WHERE user_id=? and subject=? and predicate=? and valid_to IS NULL and valid_from < ?`,
		at, time.Now().UTC(), userID, subject, predicate, at)
	if err != nil {
		return 0, fmt.Errorf("CloseFactInterval: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *session) QueryFacts(ctx context.Context, q storage.FactQuery) ([]*storage.FactRow, error) {
	if err := s.c.guard.Check("QueryFacts", q.UserID); err != nil {
		return nil, err
	}
	sqlq := `SELECT ` + factCols + ` FROM {tf} where user_id=? ORDER BY valid_from DESC LIMIT ?`
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args := []interface{}{q.UserID}
	if q.Subject != "" {
		sqlq = sqltoken.AppendCondition(sqlq, "subject=?")
		args = append(args, q.Subject)
	}
	if q.Predicate != "" {
		sqlq = sqltoken.AppendCondition(sqlq, "predicate=?")
		args = append(args, q.Predicate)
	}
	if q.AsOf != nil {
		sqlq = sqltoken.AppendCondition(sqlq, "valid_from<=?")
		sqlq = sqltoken.AppendCondition(sqlq, "(valid_to IS NULL OR valid_to>?)")
		args = append(args, *q.AsOf, *q.AsOf)
	} else {
		sqlq = sqltoken.AppendCondition(sqlq, "valid_to IS NULL")
	}
	args = append(args, limit)
	rows, err := s.query(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("QueryFacts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.FactRow
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("QueryFacts: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *session) GetFact(ctx context.Context, id, userID string) (*storage.FactRow, error) {
	if err := s.c.guard.Check("GetFact", userID); err != nil {
		return nil, err
	}
	f, err := scanFact(s.queryRow(ctx,
		`SELECT `+factCols+` FROM {tf} WHERE id=? and user_id=?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetFact: %w", err)
	}
	return f, nil
}

func (s *session) DeleteFactsByObject(ctx context.Context, userID, object string) (int64, error) {
	if err := s.c.guard.Check("DeleteFactsByObject", userID); err != nil {
		return 0, err
	}
	res, err := s.exec(ctx, `DELETE FROM {tf} WHERE user_id=? and object=?`, userID, object)
	if err != nil {
		return 0, fmt.Errorf("DeleteFactsByObject: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *session) MergeOverlappingFacts(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM {tf} WHERE id IN (
		SELECT a.id FROM {tf} a JOIN {tf} b
		  ON a.user_id=b.user_id AND a.subject=b.subject
		 AND a.predicate=b.predicate AND a.object=b.object
		 AND a.id <> b.id
		 AND a.valid_from > b.valid_from
		 AND (b.valid_to IS NULL OR a.valid_from < b.valid_to))`)
	if err != nil {
		return 0, fmt.Errorf("MergeOverlappingFacts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *session) InsertEdge(ctx context.Context, row *storage.EdgeRow) error {
	if err := s.c.guard.Check("InsertEdge", row.UserID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO {te}
		(id, user_id, source_fact, target_fact, relation_type, valid_from, valid_to, weight, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.SourceFact, row.TargetFact, row.RelationType,
		row.ValidFrom, row.ValidTo, row.Weight, encodeJSON(row.Metadata))
	if err != nil {
		return fmt.Errorf("InsertEdge: %w", err)
	}
	return nil
}

func (s *session) UpsertUser(ctx context.Context, id string) error {
	if err := s.c.guard.Check("UpsertUser", id); err != nil {
		return err
	}
	_, err := s.exec(ctx,
		`INSERT INTO {u} (id, summary, reflection_count, created_at) VALUES (?, '', 0, ?)
		 ON CONFLICT (id) DO NOTHING`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("UpsertUser: %w", err)
	}
	return nil
}

func (s *session) GetUser(ctx context.Context, id string) (*storage.UserRow, error) {
	var u storage.UserRow
	err := s.queryRow(ctx,
		`SELECT id, summary, reflection_count, created_at FROM {u} WHERE id=?`, id).
		Scan(&u.ID, &u.Summary, &u.ReflectionCount, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetUser: %w", err)
	}
	return &u, nil
}

func (s *session) ListUsers(ctx context.Context, limit, offset int) ([]*storage.UserRow, error) {
	rows, err := s.query(ctx,
		`SELECT id, summary, reflection_count, created_at FROM {u} ORDER BY created_at LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ListUsers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.UserRow
	for rows.Next() {
		var u storage.UserRow
		if err := rows.Scan(&u.ID, &u.Summary, &u.ReflectionCount, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListUsers: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *session) DeleteUser(ctx context.Context, id string) error {
	if err := s.c.guard.Check("DeleteUser", id); err != nil {
		return err
	}
	_, err := s.exec(ctx, `DELETE FROM {u} WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("DeleteUser: %w", err)
	}
	return nil
}

func (s *session) SetUserSummary(ctx context.Context, id, summary string) error {
	if err := s.c.guard.Check("SetUserSummary", id); err != nil {
		return err
	}
	_, err := s.exec(ctx, `UPDATE {u} SET summary=? WHERE id=?`, summary, id)
	if err != nil {
		return fmt.Errorf("SetUserSummary: %w", err)
	}
	return nil
}

func (s *session) IncrementReflectionCount(ctx context.Context, id string) error {
	if err := s.c.guard.Check("IncrementReflectionCount", id); err != nil {
		return err
	}
	_, err := s.exec(ctx, `UPDATE {u} SET reflection_count=reflection_count+1 WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("IncrementReflectionCount: %w", err)
	}
	return nil
}

func (s *session) InsertAPIKey(ctx context.Context, row *storage.APIKeyRow) error {
	_, err := s.exec(ctx, `INSERT INTO {ak}
		(id, user_id, hash, scopes, created_at, last_used_at, disabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.Hash, strings.Join(row.Scopes, ","),
		row.CreatedAt, row.LastUsedAt, row.Disabled)
	if err != nil {
		return fmt.Errorf("InsertAPIKey: %w", err)
	}
	return nil
}

func scanAPIKey(r rowScanner) (*storage.APIKeyRow, error) {
	var k storage.APIKeyRow
	var scopes string
	var last sql.NullTime
	if err := r.Scan(&k.ID, &k.UserID, &k.Hash, &scopes, &k.CreatedAt, &last, &k.Disabled); err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		k.LastUsedAt = &t
	}
	if scopes != "" {
		k.Scopes = strings.Split(scopes, ",")
	}
	return &k, nil
}

func (s *session) GetAPIKey(ctx context.Context, id string) (*storage.APIKeyRow, error) {
	k, err := scanAPIKey(s.queryRow(ctx,
		`SELECT id, user_id, hash, scopes, created_at, last_used_at, disabled FROM {ak} WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetAPIKey: %w", err)
	}
	return k, nil
}

func (s *session) ListAPIKeys(ctx context.Context, userID string) ([]*storage.APIKeyRow, error) {
	if err := s.c.guard.Check("ListAPIKeys", userID); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx,
		`SELECT id, user_id, hash, scopes, created_at, last_used_at, disabled FROM {ak} WHERE user_id=?`, userID)
	if err != nil {
		return nil, fmt.Errorf("ListAPIKeys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.APIKeyRow
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("ListAPIKeys: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *session) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE {ak} SET last_used_at=? WHERE id=?`, at, id)
	if err != nil {
		return fmt.Errorf("TouchAPIKey: %w", err)
	}
	return nil
}

func (s *session) DisableAPIKey(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE {ak} SET disabled=TRUE WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("DisableAPIKey: %w", err)
	}
	return nil
}

func (s *session) InsertAudit(ctx context.Context, row *storage.AuditRow) error {
	_, err := s.exec(ctx, `INSERT INTO {al}
		(id, user_id, action, resource_type, resource_id, ip, ua, metadata, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.Action, row.ResourceType, row.ResourceID,
		row.IP, row.UserAgent, encodeJSON(row.Metadata), row.Timestamp)
	if err != nil {
		return fmt.Errorf("InsertAudit: %w", err)
	}
	return nil
}

func (s *session) ListAudit(ctx context.Context, userID string, limit, offset int) ([]*storage.AuditRow, error) {
	rows, err := s.query(ctx,
		`SELECT id, user_id, action, resource_type, resource_id, ip, ua, metadata, ts
		 FROM {al} WHERE user_id=? ORDER BY ts DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ListAudit: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.AuditRow
	for rows.Next() {
		var a storage.AuditRow
		var metadata string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Action, &a.ResourceType,
			&a.ResourceID, &a.IP, &a.UserAgent, &metadata, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("ListAudit: %w", err)
		}
		_ = json.Unmarshal([]byte(metadata), &a.Metadata)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *session) RateLimitBump(ctx context.Context, key string, windowStart time.Time) (int, error) {
	var n int
	err := s.queryRow(ctx,
		`INSERT INTO {rl} (bucket, window_start, count) VALUES (?, ?, 1)
		 ON CONFLICT (bucket, window_start) DO UPDATE SET count = {rl}.count + 1
		 RETURNING count`,
		key, windowStart).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("RateLimitBump: %w", err)
	}
	return n, nil
}

func (s *session) InsertWebhook(ctx context.Context, row *storage.WebhookRow) error {
	if err := s.c.guard.Check("InsertWebhook", row.UserID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO {wh} (id, user_id, url, events, created_at, disabled)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.URL, strings.Join(row.Events, ","), row.CreatedAt, row.Disabled)
	if err != nil {
		return fmt.Errorf("InsertWebhook: %w", err)
	}
	return nil
}

func (s *session) GetWebhook(ctx context.Context, id string) (*storage.WebhookRow, error) {
	row := s.queryRow(ctx,
		`SELECT id, user_id, url, events, created_at, disabled FROM {wh} WHERE id=?`, id)
	var w storage.WebhookRow
	var events string
	if err := row.Scan(&w.ID, &w.UserID, &w.URL, &events, &w.CreatedAt, &w.Disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("GetWebhook: %w", err)
	}
	if events != "" {
		w.Events = strings.Split(events, ",")
	}
	return &w, nil
}

func (s *session) DeleteWebhook(ctx context.Context, id, userID string) error {
	if err := s.c.guard.Check("DeleteWebhook", userID); err != nil {
		return err
	}
	res, err := s.exec(ctx, `DELETE FROM {wh} WHERE id=? and user_id=?`, id, userID)
	if err != nil {
		return fmt.Errorf("DeleteWebhook: %w", err)
	}
	return requireRows(res, "DeleteWebhook")
}

func (s *session) ListWebhooks(ctx context.Context, userID, event string) ([]*storage.WebhookRow, error) {
	if err := s.c.guard.Check("ListWebhooks", userID); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx,
		`SELECT id, user_id, url, events, created_at, disabled FROM {wh}
		 WHERE user_id=? AND disabled=FALSE`, userID)
	if err != nil {
		return nil, fmt.Errorf("ListWebhooks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.WebhookRow
	for rows.Next() {
		var w storage.WebhookRow
		var events string
		if err := rows.Scan(&w.ID, &w.UserID, &w.URL, &events, &w.CreatedAt, &w.Disabled); err != nil {
			return nil, fmt.Errorf("ListWebhooks: %w", err)
		}
		if events != "" {
			w.Events = strings.Split(events, ",")
		}
		if event == "" || len(w.Events) == 0 || contains(w.Events, event) {
			out = append(out, &w)
		}
	}
	return out, rows.Err()
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func (s *session) InsertWebhookLog(ctx context.Context, row *storage.WebhookLogRow) error {
	_, err := s.exec(ctx, `INSERT INTO {whl}
		(id, webhook_id, event, payload, status, attempts, last_error, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.WebhookID, row.Event, row.Payload, row.Status, row.Attempts,
		row.LastError, row.NextRetryAt, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("InsertWebhookLog: %w", err)
	}
	return nil
}

func (s *session) UpdateWebhookLog(ctx context.Context, row *storage.WebhookLogRow) error {
	_, err := s.exec(ctx, `UPDATE {whl}
		SET status=?, attempts=?, last_error=?, next_retry_at=?, updated_at=?
		WHERE id=?`,
		row.Status, row.Attempts, row.LastError, row.NextRetryAt, row.UpdatedAt, row.ID)
	if err != nil {
		return fmt.Errorf("UpdateWebhookLog: %w", err)
	}
	return nil
}

func (s *session) ListPendingWebhookLogs(ctx context.Context, before time.Time, limit int) ([]*storage.WebhookLogRow, error) {
	rows, err := s.query(ctx,
		`SELECT id, webhook_id, event, payload, status, attempts, last_error, next_retry_at, created_at, updated_at
		 FROM {whl} WHERE status='pending' AND next_retry_at <= ? ORDER BY next_retry_at LIMIT ?`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("ListPendingWebhookLogs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.WebhookLogRow
	for rows.Next() {
		var w storage.WebhookLogRow
		var next sql.NullTime
		if err := rows.Scan(&w.ID, &w.WebhookID, &w.Event, &w.Payload, &w.Status,
			&w.Attempts, &w.LastError, &next, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListPendingWebhookLogs: %w", err)
		}
		if next.Valid {
			t := next.Time
			w.NextRetryAt = &t
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *session) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.queryRow(ctx, `SELECT value FROM {cfg} WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("GetMeta: %w", err)
	}
	return v, true, nil
}

func (s *session) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx,
		`INSERT INTO {cfg} (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("SetMeta: %w", err)
	}
	return nil
}

func (s *session) Stats(ctx context.Context) (*storage.Stats, error) {
	st := &storage.Stats{BySector: map[string]int64{}}
	counts := []struct {
		q    string
		dest *int64
	}{
		{`SELECT COUNT(*) FROM {m}`, &st.Memories},
		{`SELECT COUNT(*) FROM {v}`, &st.Vectors},
		{`SELECT COUNT(*) FROM {w}`, &st.Waypoints},
		{`SELECT COUNT(*) FROM {tf}`, &st.Facts},
		{`SELECT COUNT(*) FROM {te}`, &st.Edges},
		{`SELECT COUNT(*) FROM {u}`, &st.Users},
	}
	for _, c := range counts {
		if err := s.queryRow(ctx, c.q).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("Stats: %w", err)
		}
	}
	rows, err := s.query(ctx, `SELECT primary_sector, COUNT(*) FROM {m} GROUP BY primary_sector`)
	if err != nil {
		return nil, fmt.Errorf("Stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var sector string
		var n int64
		if err := rows.Scan(&sector, &n); err != nil {
			return nil, fmt.Errorf("Stats: %w", err)
		}
		st.BySector[sector] = n
	}
	return st, rows.Err()
}

func requireRows(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}
