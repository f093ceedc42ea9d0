// Package fsutil holds the path helpers the driver needs: discovery of
// argument files, canonicalization, and classpath wildcard expansion.
package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindFiles walks root and collects every non-directory entry whose base
// name the keep predicate accepts. The result is sorted so discovery order never
// depends on the walk.
func FindFiles(root string, keep func(name string) bool) ([]string, error) {
	var files []string
	walk := func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir():
			return nil
		case keep(d.Name()):
			files = append(files, path)
		}
		return nil
	}
	if err := filepath.WalkDir(root, walk); err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// Canonicalize converts a path to its absolute, symlink-resolved form. Paths
// that do not exist are still made absolute and cleaned so that equality
// comparisons between produced and consumed paths remain stable.
func Canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return filepath.Clean(abs)
}

// ExpandWildcard expands a classpath entry with a trailing wildcard
// ("dir/*") into the sorted list of archives in that directory. Entries
// without a trailing wildcard are returned unchanged as a single element.
func ExpandWildcard(entry string) []string {
	if filepath.Base(entry) != "*" {
		return []string{entry}
	}

	dir := filepath.Dir(entry)
	listing, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var archives []string
	for _, d := range listing {
		if d.IsDir() {
			continue
		}
		name := d.Name()
		if strings.HasSuffix(name, ".jar") || strings.HasSuffix(name, ".zip") {
			archives = append(archives, filepath.Join(dir, name))
		}
	}
	sort.Strings(archives)
	return archives
}
