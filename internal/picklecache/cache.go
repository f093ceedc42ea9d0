// Package picklecache maintains the content-addressed store of exported
// symbol summaries. Keys are classpath entries or project output
// directories; values are summary-only artifacts laid out either as
// directory trees or as archives. Artifact modification times mirror their
// source so staleness is a presence-plus-mtime check.
package picklecache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Cache maps source paths to their summary artifacts under a root
// directory. A Cache created without a configured root is ephemeral and
// removes its root on Close.
type Cache struct {
	root      string
	useJar    bool
	ephemeral bool

	mu      sync.Mutex
	entries map[string]string
}

// New creates a cache rooted at root, or at a freshly allocated temporary
// directory when root is empty.
func New(root string, useJar bool) (*Cache, error) {
	ephemeral := false
	if root == "" {
		tmp, err := os.MkdirTemp("", "buildpipe-pickles-*")
		if err != nil {
			return nil, fmt.Errorf("allocating pickle cache: %w", err)
		}
		root = tmp
		ephemeral = true
	} else if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating pickle cache root %s: %w", root, err)
	}
	return &Cache{
		root:      root,
		useJar:    useJar,
		ephemeral: ephemeral,
		entries:   make(map[string]string),
	}, nil
}

// Root returns the cache's root directory.
func (c *Cache) Root() string { return c.root }

// UseJar reports whether artifacts are packaged as archives rather than
// directory trees.
func (c *Cache) UseJar() bool { return c.useJar }

// CachePathFor deterministically maps a source path to its artifact
// location: the source path is mirrored under the cache root, with an
// archive suffix when the jar layout is selected.
func (c *Cache) CachePathFor(source string) string {
	normalized := filepath.ToSlash(source)
	normalized = strings.TrimPrefix(normalized, "/")
	if vol := filepath.VolumeName(source); vol != "" {
		normalized = strings.TrimPrefix(normalized, filepath.ToSlash(vol)+"/")
		normalized = strings.ReplaceAll(vol, ":", "") + "/" + normalized
	}
	mirrored := filepath.Join(c.root, filepath.FromSlash(normalized))
	if c.useJar {
		mirrored += ".jar"
	}
	return mirrored
}

// Publish records the source → artifact mapping and stamps the artifact's
// modification time with the source's, enabling the staleness check.
func (c *Cache) Publish(source, artifact string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat of published source %s: %w", source, err)
	}
	if err := os.Chtimes(artifact, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("stamping artifact %s: %w", artifact, err)
	}

	c.mu.Lock()
	c.entries[source] = artifact
	c.mu.Unlock()
	return nil
}

// Substitute returns the cached artifact for a classpath entry when one has
// been published, and the entry itself otherwise.
func (c *Cache) Substitute(entry string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.entries[entry]; ok {
		return cached
	}
	return entry
}

// Fresh reports whether a previously written artifact for source exists and
// carries the source's modification time. A fresh artifact is authoritative
// and is republished without being rebuilt.
func (c *Cache) Fresh(source string) bool {
	artifact := c.CachePathFor(source)
	srcInfo, err := os.Stat(source)
	if err != nil {
		return false
	}
	artInfo, err := os.Stat(artifact)
	if err != nil {
		return false
	}
	return artInfo.ModTime().Equal(srcInfo.ModTime())
}

// Close releases the cache, removing the root directory when it was
// ephemeral.
func (c *Cache) Close() error {
	if !c.ephemeral {
		return nil
	}
	return os.RemoveAll(c.root)
}
