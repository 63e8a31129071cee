package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

// backupPagesPerStep is how many pages are copied per step. Small enough
// that writers are not starved on a live database.
const backupPagesPerStep = 256

// BackupProgress reports page-copy progress. Remaining reaches zero when
// the snapshot is complete.
type BackupProgress func(totalPages, remaining int)

// BackupTo snapshots the live database into path using the online backup
// API, so writers keep going while pages are copied. The destination file
// is created fresh; a partial file is removed on failure.
func (c *Client) BackupTo(ctx context.Context, path string, progress BackupProgress) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("BackupTo: %w", err)
	}

	dst, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("BackupTo: open destination: %w", err)
	}
	defer func() { _ = dst.Close() }()

	srcConn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("BackupTo: %w", err)
	}
	defer func() { _ = srcConn.Close() }()
	dstConn, err := dst.Conn(ctx)
	if err != nil {
		return fmt.Errorf("BackupTo: %w", err)
	}
	defer func() { _ = dstConn.Close() }()

	err = srcConn.Raw(func(src interface{}) error {
		return dstConn.Raw(func(dest interface{}) error {
			return copyPages(ctx, src.(*sqlite3.SQLiteConn), dest.(*sqlite3.SQLiteConn), progress)
		})
	})
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("BackupTo: %w", err)
	}
	return nil
}

func copyPages(ctx context.Context, src, dst *sqlite3.SQLiteConn, progress BackupProgress) error {
	bk, err := dst.Backup("main", src, "main")
	if err != nil {
		return err
	}
	defer func() { _ = bk.Finish() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		done, err := bk.Step(backupPagesPerStep)
		if progress != nil {
			progress(bk.PageCount(), bk.Remaining())
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// VerifyFile runs an integrity check over a snapshot file.
func VerifyFile(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("VerifyFile: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("VerifyFile: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("VerifyFile: integrity check failed: %s", result)
	}
	return nil
}
