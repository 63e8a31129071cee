// Package backup snapshots the embedded database into timestamped files
// and restores from them.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/openmemory/openmemory-go/pkg/storage/sqlite"
)

const (
	filePrefix = "openmemory-"
	fileSuffix = ".db"

	// DefaultKeep bounds how many snapshots List-time pruning retains.
	DefaultKeep = 10
)

// Snapshotter is the live database side of a backup. The embedded
// backend implements it; the remote backend relies on server-native
// tooling such as pg_dump and has no snapshotter.
type Snapshotter interface {
	BackupTo(ctx context.Context, path string, progress sqlite.BackupProgress) error
	Path() string
}

// Info describes one snapshot on disk.
type Info struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager creates, lists, restores and prunes snapshots under one
// directory.
type Manager struct {
	dir  string
	src  Snapshotter
	keep int
}

func NewManager(dir string, src Snapshotter) *Manager {
	return &Manager{dir: dir, src: src, keep: DefaultKeep}
}

// SetKeep overrides how many snapshots Prune retains. Zero or negative
// disables pruning.
func (m *Manager) SetKeep(n int) { m.keep = n }

// Create writes a new snapshot and prunes old ones. The snapshot is
// verified before it is reported as created.
func (m *Manager) Create(ctx context.Context) (*Info, error) {
	if m.src == nil {
		return nil, fmt.Errorf("Create: backups require the embedded backend")
	}
	name := filePrefix + time.Now().UTC().Format("20060102T150405") + fileSuffix
	path := filepath.Join(m.dir, name)

	start := time.Now()
	err := m.src.BackupTo(ctx, path, func(total, remaining int) {
		if total > 0 && remaining == 0 {
			log.Debug("backup pages copied", "pages", total)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	if err := sqlite.VerifyFile(ctx, path); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("Create: verify: %w", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	log.Info("backup created", "file", name, "bytes", fi.Size(), "took", time.Since(start))

	if err := m.Prune(); err != nil {
		log.Warn("backup prune failed", "err", err)
	}
	return &Info{Name: name, Path: path, Size: fi.Size(), CreatedAt: fi.ModTime().UTC()}, nil
}

// List returns available snapshots, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("List: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:      e.Name(),
			Path:      filepath.Join(m.dir, e.Name()),
			Size:      fi.Size(),
			CreatedAt: fi.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// Restore verifies a snapshot and copies it over the live database file.
// The database must not be open while restoring; the restore command
// runs before the server starts.
func (m *Manager) Restore(ctx context.Context, name string) error {
	if m.src == nil {
		return fmt.Errorf("Restore: backups require the embedded backend")
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("Restore: invalid snapshot name %q", name)
	}
	src := filepath.Join(m.dir, name)
	if err := sqlite.VerifyFile(ctx, src); err != nil {
		return fmt.Errorf("Restore: verify: %w", err)
	}

	live := m.src.Path()
	// WAL and SHM sidecars of the old database would shadow the
	// restored file.
	for _, sidecar := range []string{live + "-wal", live + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("Restore: %w", err)
		}
	}
	if err := copyFile(src, live); err != nil {
		return fmt.Errorf("Restore: %w", err)
	}
	log.Info("backup restored", "file", name, "into", live)
	return nil
}

// Prune removes the oldest snapshots beyond the retention count.
func (m *Manager) Prune() error {
	if m.keep <= 0 {
		return nil
	}
	infos, err := m.List()
	if err != nil {
		return err
	}
	for _, old := range infos[min(m.keep, len(infos)):] {
		if err := os.Remove(old.Path); err != nil {
			return fmt.Errorf("Prune: %w", err)
		}
		log.Debug("backup pruned", "file", old.Name)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".restore"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
