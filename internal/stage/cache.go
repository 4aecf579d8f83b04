package stage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Cache is content-addressed storage for verified artifact downloads, keyed
// by SHA-256 and sharded by the first two hex characters. Entries are
// re-verified on retrieval; a corrupt entry removes itself.
type Cache struct {
	dir string
}

// NewCache creates a Cache over an existing directory.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) entryPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(c.dir, hash)
	}
	return filepath.Join(c.dir, hash[:2], hash)
}

// Get returns the path of a cached artifact whose content still matches its
// hash. Returns false on a miss.
func (c *Cache) Get(hash string) (string, bool, error) {
	path := c.entryPath(hash)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("reading cache entry %s: %w", hash, err)
	}

	actual, err := hashFile(path)
	if err != nil {
		return "", false, fmt.Errorf("verifying cache entry %s: %w", hash, err)
	}
	if actual != hash {
		// Self-healing: drop the corrupt entry.
		_ = os.Remove(path)
		return "", false, nil
	}

	return path, true, nil
}

// Put stores an already-verified file under its hash. No-op if cached:
// entries are immutable.
func (c *Cache) Put(hash, src string) error {
	dest := c.entryPath(hash)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating cache subdirectory: %w", err)
	}
	return atomicCopy(src, dest)
}

// Prune removes every cached download and returns how many entries went.
func (c *Cache) Prune() (int, error) {
	removed := 0
	err := filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}
