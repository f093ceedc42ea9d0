package compiler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// execFrontEnd adapts an external two-phase compiler binary to the FrontEnd
// contract. The outline pass stops after the pickler phase and dumps
// signature files into a scratch directory; the boundary hook fires between
// the two passes, and Summaries serves the dumped signatures.
type execFrontEnd struct {
	settings *Settings
	bin      string
	sigDir   string
	reporter *execReporter
	hook     func(phase string)

	mu        sync.Mutex
	summaries []SymbolSummary
	closed    bool
}

func newExecFrontEnd(ctx context.Context, settings *Settings) (FrontEnd, error) {
	bin := os.Getenv("BUILDPIPE_COMPILER")
	if bin == "" {
		bin = "scalac"
	}
	sigDir, err := os.MkdirTemp("", "buildpipe-sig-*")
	if err != nil {
		return nil, fmt.Errorf("allocating signature scratch dir: %w", err)
	}
	return &execFrontEnd{
		settings: settings,
		bin:      bin,
		sigDir:   sigDir,
		reporter: &execReporter{},
	}, nil
}

func (f *execFrontEnd) Reporter() Reporter { return f.reporter }

func (f *execFrontEnd) SetPhaseHook(hook func(phase string)) { f.hook = hook }

func (f *execFrontEnd) NewRun() Run { return &execRun{fe: f} }

func (f *execFrontEnd) Summaries() []SymbolSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries
}

func (f *execFrontEnd) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("front end for %s closed twice", f.settings.ArgsFile)
	}
	f.closed = true
	return os.RemoveAll(f.sigDir)
}

type execRun struct {
	fe *execFrontEnd
}

// Compile runs the outline pass, fires the boundary hook, then runs the
// back-end pass. Diagnostics surface through the reporter; an error return
// is reserved for failures of the wrapper itself.
func (r *execRun) Compile(files []string) error {
	f := r.fe

	outlineArgs := f.baseArgs()
	outlineArgs = append(outlineArgs,
		"-Ystop-after:"+PhasePickler,
		"-Ypickle-write", f.sigDir,
	)
	outlineArgs = append(outlineArgs, files...)
	if err := f.invoke(outlineArgs); err != nil {
		return err
	}
	if f.reporter.HasErrors() {
		return nil
	}

	summaries, err := loadSummaries(f.sigDir)
	if err != nil {
		return fmt.Errorf("loading dumped signatures: %w", err)
	}
	f.mu.Lock()
	f.summaries = summaries
	f.mu.Unlock()

	if f.hook != nil {
		f.hook(PhasePickler)
	}

	backendArgs := append(f.baseArgs(), files...)
	return f.invoke(backendArgs)
}

func (f *execFrontEnd) baseArgs() []string {
	args := append([]string{}, f.settings.Rest...)
	args = append(args, "-d", f.settings.OutputDir)
	if len(f.settings.Classpath) > 0 {
		args = append(args, "-classpath", strings.Join(f.settings.Classpath, string(filepath.ListSeparator)))
	}
	if len(f.settings.MacroClasspath) > 0 {
		args = append(args, "-Ymacro-classpath", strings.Join(f.settings.MacroClasspath, string(filepath.ListSeparator)))
	}
	for _, plugin := range f.settings.PluginClasspath {
		args = append(args, "-Xplugin", plugin)
	}
	if f.settings.CacheMacroClassloader {
		args = append(args, "-Ycache-macro-class-loader:last-modified")
	}
	if f.settings.CachePluginClassloader {
		args = append(args, "-Ycache-plugin-class-loader:last-modified")
	}
	return args
}

func (f *execFrontEnd) invoke(args []string) error {
	cmd := exec.Command(f.bin, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		f.reporter.markErrors()
		return nil
	}
	return fmt.Errorf("invoking %s: %w", f.bin, err)
}

// loadSummaries reads the dumped signature files into memory. Files are
// visited in sorted path order so the resulting table is deterministic.
func loadSummaries(sigDir string) ([]SymbolSummary, error) {
	var paths []string
	err := filepath.WalkDir(sigDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".sig") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	summaries := make([]SymbolSummary, 0, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(sigDir, path)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		name := strings.TrimSuffix(parts[len(parts)-1], ".sig")
		summaries = append(summaries, SymbolSummary{
			Name:     name,
			Owners:   parts[:len(parts)-1],
			BufferID: i,
			Data:     data,
		})
	}
	return summaries, nil
}

// execReporter collects diagnostics of the external process. The process
// writes its own messages to stderr; the reporter only tracks whether any
// pass failed.
type execReporter struct {
	mu     sync.Mutex
	errors bool
}

func (r *execReporter) HasErrors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors
}

func (r *execReporter) markErrors() {
	r.mu.Lock()
	r.errors = true
	r.mu.Unlock()
}

func (r *execReporter) Echo(msg string) { fmt.Fprintln(os.Stderr, msg) }

func (r *execReporter) Flush() {}

func (r *execReporter) Finish() {}
