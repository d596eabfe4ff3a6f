package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DefaultGuardTTL is how long a restart marker suppresses further restarts.
const DefaultGuardTTL = 5 * time.Minute

// RestartGuard records the last automatic restart in a marker file. While
// the marker is younger than TTL, further automatic restarts are skipped.
type RestartGuard struct {
	Path string
	TTL  time.Duration

	now func() time.Time
}

// NewRestartGuard creates a guard for the marker at path.
func NewRestartGuard(path string, ttl time.Duration) *RestartGuard {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &RestartGuard{Path: path, TTL: ttl, now: time.Now}
}

// Recent reports whether the marker exists and is younger than TTL.
func (g *RestartGuard) Recent() (bool, error) {
	info, err := os.Stat(g.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat restart marker: %w", err)
	}
	return g.now().Sub(info.ModTime()) < g.TTL, nil
}

// Mark writes a fresh marker atomically.
func (g *RestartGuard) Mark() error {
	now := g.now()
	data := []byte(now.UTC().Format(time.RFC3339) + "\n")
	if err := writeFileAtomic(g.Path, data, 0o644); err != nil {
		return err
	}
	return os.Chtimes(g.Path, now, now)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
