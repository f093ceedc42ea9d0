package compiler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vk/buildpipe/internal/ctxlog"
)

// JavaCompiler compiles secondary-language sources into an output
// directory against a classpath, reporting success as a boolean.
type JavaCompiler interface {
	Compile(ctx context.Context, outputDir string, classpath []string, sources []string) bool
}

// NewJavaCompiler returns the default exec-based secondary compiler. The
// binary defaults to javac and may be overridden with BUILDPIPE_JAVAC.
func NewJavaCompiler() JavaCompiler {
	bin := os.Getenv("BUILDPIPE_JAVAC")
	if bin == "" {
		bin = "javac"
	}
	return &execJavaCompiler{bin: bin}
}

type execJavaCompiler struct {
	bin string
}

func (j *execJavaCompiler) Compile(ctx context.Context, outputDir string, classpath []string, sources []string) bool {
	logger := ctxlog.FromContext(ctx)

	args := []string{"-d", outputDir}
	if len(classpath) > 0 {
		args = append(args, "-cp", strings.Join(classpath, string(filepath.ListSeparator)))
	}
	args = append(args, sources...)

	cmd := exec.CommandContext(ctx, j.bin, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		logger.Error("Secondary compiler failed.", "bin", j.bin, "error", err)
		return false
	}
	return true
}
