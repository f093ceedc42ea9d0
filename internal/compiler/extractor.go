package compiler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// PickleExtractor reads a classpath archive and writes a summary-only
// artifact containing just the signature data.
type PickleExtractor interface {
	Process(ctx context.Context, inputArchive, outputArchive string) error
}

// NewPickleExtractor returns the default exec-based extractor. The binary
// defaults to pickle-extractor and may be overridden with
// BUILDPIPE_PICKLE_EXTRACTOR.
func NewPickleExtractor() PickleExtractor {
	bin := os.Getenv("BUILDPIPE_PICKLE_EXTRACTOR")
	if bin == "" {
		bin = "pickle-extractor"
	}
	return &execExtractor{bin: bin}
}

type execExtractor struct {
	bin string
}

func (e *execExtractor) Process(ctx context.Context, inputArchive, outputArchive string) error {
	cmd := exec.CommandContext(ctx, e.bin, inputArchive, outputArchive)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("extracting pickles from %s: %w", inputArchive, err)
	}
	return nil
}
