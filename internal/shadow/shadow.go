// Package shadow maintains a content-addressed cache of the hosted tool's
// dependency files so the server never holds locks on the originals.
package shadow

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/PavelBrokhman/paradox/internal/track"
)

// CacheDirName is the fixed subdirectory created alongside the hosted tool.
const CacheDirName = ".paradox-cache"

var ErrNotRegular = errors.New("shadow: source is not a regular file")

// Cache shadow-copies dependency files into <root>/native/<hash>/<name>,
// where hash covers the source path and last-write time. The tree is shared
// across contexts; concurrent first-time population is resolved by atomic
// directory rename, last writer on directory presence wins.
type Cache struct {
	root    string
	tracker *track.Tracker

	mu          sync.Mutex
	searchPaths []string
	resolved    map[string]string // file name -> shadow path
}

// NewCache returns a cache rooted next to toolPath. Files registered with the
// cache are also recorded in tracker under their original paths, so changes
// to the sources mark the owning context stale even though it reads copies.
func NewCache(toolPath string, tracker *track.Tracker) *Cache {
	return &Cache{
		root:     filepath.Join(filepath.Dir(toolPath), CacheDirName, "native"),
		tracker:  tracker,
		resolved: make(map[string]string),
	}
}

func (c *Cache) Root() string {
	return c.root
}

// Add shadow-copies a single file and returns the copy's path. On a genuine
// I/O failure the original path is returned so dependency resolution can fall
// back to the unlocked source.
func (c *Cache) Add(source string) (string, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return source, fmt.Errorf("shadow: resolve %s: %w", source, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return source, fmt.Errorf("shadow: stat %s: %w", abs, err)
	}
	if !info.Mode().IsRegular() {
		return source, fmt.Errorf("%w: %s", ErrNotRegular, abs)
	}

	bucket := bucketFor(abs, info.ModTime().UTC().UnixNano())
	target := filepath.Join(c.root, bucket, filepath.Base(abs))

	if _, err := os.Stat(target); err != nil {
		if err := c.populate(abs, bucket, filepath.Base(abs)); err != nil {
			log.Error().Str("source", abs).Err(err).Msg("shadow: copy failed, falling back to original")
			c.register(abs, info, abs)
			return abs, err
		}
	}

	c.register(abs, info, target)
	return target, nil
}

// AddDir enumerates dir non-recursively and shadow-copies every regular file,
// registering the copies' directories as loader search paths.
func (c *Cache) AddDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("shadow: enumerate %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, err := c.Add(filepath.Join(dir, entry.Name())); err != nil {
			// Fall back per file; the failure was already logged.
			continue
		}
	}
	return nil
}

// Resolve returns the shadow path registered for a dependency file name.
func (c *Cache) Resolve(fileName string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	path, ok := c.resolved[fileName]
	return path, ok
}

// SearchPaths lists every shadow directory registered so far, in registration
// order, for loaders that probe by directory rather than by file name.
func (c *Cache) SearchPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.searchPaths))
	copy(out, c.searchPaths)
	return out
}

func (c *Cache) register(source string, info os.FileInfo, shadowPath string) {
	if c.tracker != nil {
		c.tracker.RecordAt(source, info.ModTime())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved[filepath.Base(source)] = shadowPath
	dir := filepath.Dir(shadowPath)
	for _, existing := range c.searchPaths {
		if existing == dir {
			return
		}
	}
	c.searchPaths = append(c.searchPaths, dir)
}

// populate copies source into a fresh uniquely-named temp directory under the
// cache root, then renames the directory into its bucket. A rename that loses
// the race against another context is discarded: the winner's copy is
// complete by construction, and a partially-written file is never visible
// under the bucket path.
func (c *Cache) populate(source, bucket, name string) error {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(c.root, bucket+".tmp-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := copyFile(source, filepath.Join(tmp, name)); err != nil {
		return err
	}

	final := filepath.Join(c.root, bucket)
	if err := os.Rename(tmp, final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			log.Debug().Str("bucket", bucket).Msg("shadow: lost population race, discarding copy")
			return nil
		}
		return err
	}
	return nil
}

func bucketFor(absPath string, mtimeUnixNano int64) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(absPath))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(strconv.FormatInt(mtimeUnixNano, 10)))
	return fmt.Sprintf("%016x", h.Sum64())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
