// Package migrate holds the ordered schema migrations for both backends and
// the runner that applies them.
//
// Every migration carries two dialect-specific statement sequences. Table
// names are written as {marker} tokens ({m}, {v}, {w}, {tf}, {te}, {u},
// {ak}, {al}, {rl}, {wh}, {whl}, {cfg}) and expanded by the backend, which
// lets the remote backend prefix tables for shared deployments.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/openmemory/openmemory-go/pkg/storage/sqltoken"
)

// Migration is one schema version with its per-dialect statement sequences.
type Migration struct {
	// Version is the monotonically increasing schema version.
	Version int

	// Name describes the migration in the log.
	Name string

	// SQLite and Postgres are the statement sequences per dialect.
	SQLite   []string
	Postgres []string

	// Optional migrations record their version even when statements fail;
	// used for extensions that may be absent on a given install.
	Optional bool
}

// Markers maps marker tokens to logical table names. Backends prepend their
// prefix before expansion.
var Markers = map[string]string{
	"m":   "memories",
	"v":   "vectors",
	"w":   "waypoints",
	"tf":  "temporal_facts",
	"te":  "temporal_edges",
	"u":   "users",
	"ak":  "api_keys",
	"al":  "audit_log",
	"rl":  "rate_limits",
	"wh":  "webhooks",
	"whl": "webhook_logs",
	"cfg": "meta",
	"sm":  "schema_migrations",
}

// All is the ordered migration list. Append only; never edit a shipped
// version.
var All = []Migration{
	{
		Version: 1,
		Name:    "base schema",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS {m} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				content BLOB NOT NULL,
				content_hash TEXT NOT NULL,
				primary_sector TEXT NOT NULL,
				tags TEXT NOT NULL DEFAULT '[]',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				last_accessed_at DATETIME,
				salience REAL NOT NULL DEFAULT 1.0,
				decay_rate REAL NOT NULL DEFAULT 0.02,
				version INTEGER NOT NULL DEFAULT 1,
				key_version INTEGER NOT NULL DEFAULT 0,
				archived INTEGER NOT NULL DEFAULT 0,
				UNIQUE (user_id, content_hash)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_{m}_user ON {m}(user_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_{m}_sector ON {m}(user_id, primary_sector)`,
			`CREATE TABLE IF NOT EXISTS {v} (
				memory_id TEXT NOT NULL,
				sector TEXT NOT NULL,
				user_id TEXT NOT NULL,
				payload BLOB NOT NULL,
				dim INTEGER NOT NULL,
				PRIMARY KEY (memory_id, sector, user_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_{v}_scan ON {v}(user_id, sector, memory_id)`,
			`CREATE TABLE IF NOT EXISTS {w} (
				src_id TEXT NOT NULL,
				dst_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				weight REAL NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (src_id, dst_id)
			)`,
			`CREATE TABLE IF NOT EXISTS {tf} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				subject TEXT NOT NULL,
				predicate TEXT NOT NULL,
				object TEXT NOT NULL,
				valid_from DATETIME NOT NULL,
				valid_to DATETIME,
				confidence REAL NOT NULL DEFAULT 1.0,
				last_updated DATETIME NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				UNIQUE (user_id, subject, predicate, object, valid_from)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_{tf}_open ON {tf}(user_id, subject, predicate) WHERE valid_to IS NULL`,
			`CREATE TABLE IF NOT EXISTS {te} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				source_fact TEXT NOT NULL,
				target_fact TEXT NOT NULL,
				relation_type TEXT NOT NULL,
				valid_from DATETIME NOT NULL,
				valid_to DATETIME,
				weight REAL NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE TABLE IF NOT EXISTS {u} (
				id TEXT PRIMARY KEY,
				summary TEXT NOT NULL DEFAULT '',
				reflection_count INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS {ak} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				hash TEXT NOT NULL,
				scopes TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				last_used_at DATETIME,
				disabled INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS {al} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				resource_type TEXT NOT NULL,
				resource_id TEXT NOT NULL DEFAULT '',
				ip TEXT NOT NULL DEFAULT '',
				ua TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				ts DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS {rl} (
				bucket TEXT NOT NULL,
				window_start DATETIME NOT NULL,
				count INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (bucket, window_start)
			)`,
			`CREATE TABLE IF NOT EXISTS {wh} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				url TEXT NOT NULL,
				events TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				disabled INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS {whl} (
				id TEXT PRIMARY KEY,
				webhook_id TEXT NOT NULL,
				event TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				next_retry_at DATETIME,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS {cfg} (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		},
		Postgres: []string{
			`CREATE TABLE IF NOT EXISTS {m} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				content BYTEA NOT NULL,
				content_hash TEXT NOT NULL,
				primary_sector TEXT NOT NULL,
				tags TEXT NOT NULL DEFAULT '[]',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				last_accessed_at TIMESTAMPTZ,
				salience DOUBLE PRECISION NOT NULL DEFAULT 1.0,
				decay_rate DOUBLE PRECISION NOT NULL DEFAULT 0.02,
				version BIGINT NOT NULL DEFAULT 1,
				key_version INTEGER NOT NULL DEFAULT 0,
				archived BOOLEAN NOT NULL DEFAULT FALSE,
				UNIQUE (user_id, content_hash)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_{m}_user ON {m}(user_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_{m}_sector ON {m}(user_id, primary_sector)`,
			`CREATE TABLE IF NOT EXISTS {v} (
				memory_id TEXT NOT NULL,
				sector TEXT NOT NULL,
				user_id TEXT NOT NULL,
				payload BYTEA NOT NULL,
				dim INTEGER NOT NULL,
				PRIMARY KEY (memory_id, sector, user_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_{v}_scan ON {v}(user_id, sector, memory_id)`,
			`CREATE TABLE IF NOT EXISTS {w} (
				src_id TEXT NOT NULL,
				dst_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				weight DOUBLE PRECISION NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (src_id, dst_id)
			)`,
			`CREATE TABLE IF NOT EXISTS {tf} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				subject TEXT NOT NULL,
				predicate TEXT NOT NULL,
				object TEXT NOT NULL,
				valid_from TIMESTAMPTZ NOT NULL,
				valid_to TIMESTAMPTZ,
				confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
				last_updated TIMESTAMPTZ NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				UNIQUE (user_id, subject, predicate, object, valid_from)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_{tf}_open ON {tf}(user_id, subject, predicate) WHERE valid_to IS NULL`,
			`CREATE TABLE IF NOT EXISTS {te} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				source_fact TEXT NOT NULL,
				target_fact TEXT NOT NULL,
				relation_type TEXT NOT NULL,
				valid_from TIMESTAMPTZ NOT NULL,
				valid_to TIMESTAMPTZ,
				weight DOUBLE PRECISION NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE TABLE IF NOT EXISTS {u} (
				id TEXT PRIMARY KEY,
				summary TEXT NOT NULL DEFAULT '',
				reflection_count BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS {ak} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				hash TEXT NOT NULL,
				scopes TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				last_used_at TIMESTAMPTZ,
				disabled BOOLEAN NOT NULL DEFAULT FALSE
			)`,
			`CREATE TABLE IF NOT EXISTS {al} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				resource_type TEXT NOT NULL,
				resource_id TEXT NOT NULL DEFAULT '',
				ip TEXT NOT NULL DEFAULT '',
				ua TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				ts TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS {rl} (
				bucket TEXT NOT NULL,
				window_start TIMESTAMPTZ NOT NULL,
				count INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (bucket, window_start)
			)`,
			`CREATE TABLE IF NOT EXISTS {wh} (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				url TEXT NOT NULL,
				events TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				disabled BOOLEAN NOT NULL DEFAULT FALSE
			)`,
			`CREATE TABLE IF NOT EXISTS {whl} (
				id TEXT PRIMARY KEY,
				webhook_id TEXT NOT NULL,
				event TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				next_retry_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS {cfg} (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		},
	},
	{
		Version: 2,
		Name:    "memory access counters",
		SQLite: []string{
			`ALTER TABLE {m} ADD COLUMN access_count INTEGER NOT NULL DEFAULT 0`,
		},
		Postgres: []string{
			`ALTER TABLE {m} ADD COLUMN IF NOT EXISTS access_count BIGINT NOT NULL DEFAULT 0`,
		},
	},
	{
		// Waypoints were keyed on (src, dst) before tenancy hardening; the
		// key must include user_id so two tenants can hold the same pair.
		// SQLite cannot alter a primary key, so the table is rebuilt with
		// the copy-new/swap pattern.
		Version: 3,
		Name:    "waypoint primary key includes user_id",
		SQLite: []string{
			`CREATE TABLE {w}_new (
				src_id TEXT NOT NULL,
				dst_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				weight REAL NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (src_id, dst_id, user_id)
			)`,
			`INSERT OR IGNORE INTO {w}_new SELECT src_id, dst_id, user_id, weight, created_at, updated_at FROM {w}`,
			`DROP TABLE {w}`,
			`ALTER TABLE {w}_new RENAME TO {w}`,
			`CREATE INDEX IF NOT EXISTS idx_{w}_src ON {w}(user_id, src_id)`,
		},
		Postgres: []string{
			`ALTER TABLE {w} DROP CONSTRAINT IF EXISTS {w}_pkey`,
			`DELETE FROM {w} a USING {w} b
				WHERE a.ctid < b.ctid
				  AND a.src_id = b.src_id AND a.dst_id = b.dst_id AND a.user_id = b.user_id`,
			`ALTER TABLE {w} ADD PRIMARY KEY (src_id, dst_id, user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_{w}_src ON {w}(user_id, src_id)`,
		},
	},
	{
		Version:  4,
		Name:     "optional vector similarity extension",
		Optional: true,
		SQLite: []string{
			// Probes for the sqlite-vec extension; harmless when absent.
			`SELECT vec_version()`,
		},
		Postgres: []string{
			`CREATE EXTENSION IF NOT EXISTS vector`,
			`ALTER TABLE {v} ADD COLUMN IF NOT EXISTS payload_vec vector`,
		},
	},
	{
		Version: 5,
		Name:    "maintenance indexes",
		SQLite: []string{
			`CREATE INDEX IF NOT EXISTS idx_{m}_archived ON {m}(user_id) WHERE archived = 1`,
			`CREATE INDEX IF NOT EXISTS idx_{al}_ts ON {al}(user_id, ts DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_{whl}_pending ON {whl}(next_retry_at) WHERE status = 'pending'`,
		},
		Postgres: []string{
			`CREATE INDEX IF NOT EXISTS idx_{m}_archived ON {m}(user_id) WHERE archived`,
			`CREATE INDEX IF NOT EXISTS idx_{al}_ts ON {al}(user_id, ts DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_{whl}_pending ON {whl}(next_retry_at) WHERE status = 'pending'`,
		},
	},
}

// Apply runs every pending migration against db. The caller holds the
// advisory lock; expand maps {marker} tokens to concrete table names.
// Re-running after success is a no-op.
func Apply(ctx context.Context, db *sql.DB, dialect string, expand func(string) string) error {
	// Statements are written in the embedded dialect; the remote backend
	// needs {marker} expansion plus ? -> $n rebinding.
	bind := func(s string) string {
		s = expand(s)
		if dialect == "postgres" {
			s = sqltoken.Rebind(s)
		}
		return s
	}
	if _, err := db.ExecContext(ctx, bind(
		`CREATE TABLE IF NOT EXISTS {sm} (version INTEGER PRIMARY KEY, applied_at TIMESTAMP NOT NULL)`)); err != nil {
		return fmt.Errorf("Apply: create version table: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.QueryContext(ctx, bind(`SELECT version FROM {sm}`))
	if err != nil {
		return fmt.Errorf("Apply: read versions: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("Apply: scan version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("Apply: %w", err)
	}
	_ = rows.Close()

	for _, m := range All {
		if applied[m.Version] {
			continue
		}
		stmts := m.SQLite
		if dialect == "postgres" {
			stmts = m.Postgres
		}
		if err := applyOne(ctx, db, m, stmts, bind); err != nil {
			return err
		}
		log.Info("schema migration applied", "version", m.Version, "name", m.Name)
	}
	return nil
}

func applyOne(ctx context.Context, db *sql.DB, m Migration, stmts []string, bind func(string) string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Apply: begin v%d: %w", m.Version, err)
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, bind(s)); err != nil {
			if m.Optional {
				// Extensions may be missing; record the version anyway so
				// startup stays idempotent.
				log.Warn("optional migration statement skipped", "version", m.Version, "err", err)
				_ = tx.Rollback()
				return recordVersion(ctx, db, m.Version, bind)
			}
			_ = tx.Rollback()
			return fmt.Errorf("Apply: v%d %q: %w", m.Version, m.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, bind(`INSERT INTO {sm} (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`), m.Version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("Apply: record v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Apply: commit v%d: %w", m.Version, err)
	}
	return nil
}

func recordVersion(ctx context.Context, db *sql.DB, version int, bind func(string) string) error {
	_, err := db.ExecContext(ctx, bind(`INSERT INTO {sm} (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`), version)
	if err != nil {
		return fmt.Errorf("Apply: record v%d: %w", version, err)
	}
	return nil
}
