// Package export publishes symbol summaries into the pickle cache: it
// pre-extracts summaries from external classpath archives and writes the
// per-symbol signature files an upstream front end materializes at the
// pickler boundary.
package export

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/buildpipe/internal/compiler"
	"github.com/vk/buildpipe/internal/ctxlog"
	"github.com/vk/buildpipe/internal/picklecache"
	"github.com/vk/buildpipe/internal/timing"
)

// Exporter writes summary artifacts into a pickle cache.
type Exporter struct {
	cache     *picklecache.Cache
	extractor compiler.PickleExtractor
}

// New returns an Exporter over the given cache and extractor.
func New(cache *picklecache.Cache, extractor compiler.PickleExtractor) *Exporter {
	return &Exporter{cache: cache, extractor: extractor}
}

// PreScanExternal extracts summary artifacts for every external classpath
// entry that is not already fresh in the cache, then publishes each entry.
// It runs single-threaded before any project starts; a failure here fails
// the whole run. The scan is timed and logged only when extraction work was
// actually performed.
func (e *Exporter) PreScanExternal(ctx context.Context, entries []string) error {
	logger := ctxlog.FromContext(ctx)

	timer := timing.NewTimer()
	if err := timer.Start(); err != nil {
		return err
	}

	extracted := 0
	for _, entry := range entries {
		artifact := e.cache.CachePathFor(entry)
		if !e.cache.Fresh(entry) {
			if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
				return fmt.Errorf("preparing cache dir for %s: %w", entry, err)
			}
			if err := e.extractor.Process(ctx, entry, artifact); err != nil {
				return err
			}
			extracted++
		}
		if err := e.cache.Publish(entry, artifact); err != nil {
			return err
		}
	}

	if err := timer.Stop(); err != nil {
		return err
	}
	if extracted > 0 {
		logger.Info("Exported pickles from external classpath.",
			"entries", extracted,
			"ms", timer.DurationMillis())
	}
	return nil
}

// ExportSummaries writes one .sig file per symbol summary under the cache
// location for the task's output directory, mirroring each symbol's
// ownership chain, then publishes the artifact. Summaries sharing a buffer
// are written once; ordering is deterministic on a given input.
func (e *Exporter) ExportSummaries(ctx context.Context, outputDir string, summaries []compiler.SymbolSummary) error {
	logger := ctxlog.FromContext(ctx)

	ordered := append([]compiler.SymbolSummary{}, summaries...)
	sort.Slice(ordered, func(i, j int) bool {
		return summaryPath(ordered[i]) < summaryPath(ordered[j])
	})

	artifact := e.cache.CachePathFor(outputDir)
	var err error
	if e.cache.UseJar() {
		err = writeArchive(artifact, ordered)
	} else {
		err = writeTree(artifact, ordered)
	}
	if err != nil {
		return fmt.Errorf("exporting summaries for %s: %w", outputDir, err)
	}

	if err := e.cache.Publish(outputDir, artifact); err != nil {
		return err
	}
	logger.Debug("Summaries exported.", "outputDir", outputDir, "symbols", len(ordered))
	return nil
}

// summaryPath is the artifact-relative path of one summary file.
func summaryPath(s compiler.SymbolSummary) string {
	parts := append(append([]string{}, s.Owners...), s.Name+".sig")
	return strings.Join(parts, "/")
}

func writeTree(root string, summaries []compiler.SymbolSummary) error {
	seen := make(map[int]bool, len(summaries))
	for _, s := range summaries {
		if seen[s.BufferID] {
			continue
		}
		seen[s.BufferID] = true

		path := filepath.Join(root, filepath.FromSlash(summaryPath(s)))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, s.Data, 0o644); err != nil {
			return err
		}
	}
	// An export with no symbols still materializes the artifact root so the
	// publish step has something to stamp.
	if len(summaries) == 0 {
		return os.MkdirAll(root, 0o755)
	}
	return nil
}

func writeArchive(path string, summaries []compiler.SymbolSummary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(f)
	seen := make(map[int]bool, len(summaries))
	for _, s := range summaries {
		if seen[s.BufferID] {
			continue
		}
		seen[s.BufferID] = true

		w, err := zw.Create(summaryPath(s))
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(s.Data); err != nil {
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
