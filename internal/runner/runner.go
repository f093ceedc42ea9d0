// Package runner drives one project through its sub-stages: outline with
// summary export, group compiles, and the secondary-language compile. Each
// sub-stage completes the project's signals exactly once along every path,
// including panics.
package runner

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/vk/buildpipe/internal/compiler"
	"github.com/vk/buildpipe/internal/ctxlog"
	"github.com/vk/buildpipe/internal/export"
	"github.com/vk/buildpipe/internal/picklecache"
	"github.com/vk/buildpipe/internal/project"
)

// Runner orchestrates one project's compilation stages.
type Runner struct {
	task     *project.Task
	cache    *picklecache.Cache
	exporter *export.Exporter
	javac    compiler.JavaCompiler

	// rewriteClasspath substitutes summary artifacts for produced output
	// directories on the front end's search path (pipeline strategy only).
	rewriteClasspath bool
	producedByOther  func(entry string) bool

	mu       sync.Mutex
	fe       compiler.FrontEnd
	feBuilt  bool
	feClosed bool
}

// New constructs a Runner. producedByOther reports whether a classpath
// entry is the output directory of another project in this build.
func New(task *project.Task, cache *picklecache.Cache, exporter *export.Exporter, javac compiler.JavaCompiler, rewriteClasspath bool, producedByOther func(string) bool) *Runner {
	return &Runner{
		task:             task,
		cache:            cache,
		exporter:         exporter,
		javac:            javac,
		rewriteClasspath: rewriteClasspath,
		producedByOther:  producedByOther,
	}
}

// Task returns the project this runner drives.
func (r *Runner) Task() *project.Task { return r.task }

// effectiveSettings returns the settings the front end is constructed
// from. Under the pipeline strategy every classpath entry pointing at a
// produced output directory is replaced with its summary artifact, so
// downstream front ends read pickles rather than classfiles.
func (r *Runner) effectiveSettings() *compiler.Settings {
	if !r.rewriteClasspath {
		return r.task.Settings
	}
	s := *r.task.Settings
	s.Classpath = make([]string, len(r.task.Classpath))
	for i, entry := range r.task.Classpath {
		if r.producedByOther(entry) {
			s.Classpath[i] = r.cache.CachePathFor(entry)
		} else {
			s.Classpath[i] = r.cache.Substitute(entry)
		}
	}
	return &s
}

// frontEnd lazily constructs the project's front-end instance.
func (r *Runner) frontEnd(ctx context.Context) (compiler.FrontEnd, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.feBuilt {
		fe, err := compiler.NewFrontEnd(ctx, r.effectiveSettings())
		if err != nil {
			return nil, fmt.Errorf("constructing front end for %s: %w", r.task.Label, err)
		}
		r.fe = fe
		r.feBuilt = true
	}
	return r.fe, nil
}

// FullCompileExportPickles compiles the project's single group, exporting
// symbol summaries and resolving outline_done when the front end crosses
// the pickler boundary.
func (r *Runner) FullCompileExportPickles(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	t := r.task
	group := t.Groups[0]
	defer r.recoverStage(ctx)

	if err := t.OutlineTimer.Start(); err != nil {
		r.failRemaining(err)
		return
	}

	fe, err := r.frontEnd(ctx)
	if err != nil {
		r.failRemaining(err)
		return
	}

	var hookErr error
	hookFired := false
	fe.SetPhaseHook(func(phase string) {
		if phase != compiler.PhasePickler || hookFired {
			return
		}
		hookFired = true

		if err := t.OutlineTimer.Stop(); err != nil {
			hookErr = err
			return
		}
		if err := t.PickleExportTimer.Start(); err != nil {
			hookErr = err
			return
		}
		if err := r.exporter.ExportSummaries(ctx, t.OutputDir, fe.Summaries()); err != nil {
			hookErr = err
			t.OutlineDone.TryComplete(fmt.Errorf("exporting summaries of %s: %w", t.Label, err))
			return
		}
		if err := t.PickleExportTimer.Stop(); err != nil {
			hookErr = err
			return
		}
		if err := group.Timer.Start(); err != nil {
			hookErr = err
			return
		}
		t.OutlineDone.Complete(nil)
		logger.Debug("Outline complete, summaries published.", "project", t.Label)
	})

	compileErr := fe.NewRun().Compile(group.Files)
	switch {
	case compileErr != nil:
		r.failRemaining(compileErr)
	case hookErr != nil:
		r.failRemaining(hookErr)
	case fe.Reporter().HasErrors():
		r.failRemaining(fmt.Errorf("compilation of %s reported errors", t.Label))
	case !hookFired:
		r.failRemaining(fmt.Errorf("front end of %s never crossed the pickler boundary", t.Label))
	default:
		if err := group.Timer.Stop(); err != nil {
			r.failRemaining(err)
			return
		}
		group.Done.Complete(nil)
	}
}

// CompileGroup compiles one group in a freshly constructed front-end
// instance. Used when the project feeds no downstream project, and under
// the traditional strategy. Group zero still times the front half of the
// run up to the pickler boundary so the trace keeps its parser-to-pickler
// lane; no summaries are exported on this path.
func (r *Runner) CompileGroup(ctx context.Context, i int) {
	t := r.task
	group := t.Groups[i]
	defer r.recoverStage(ctx)

	if err := group.Timer.Start(); err != nil {
		group.Done.TryComplete(err)
		return
	}

	fe, err := compiler.NewFrontEnd(ctx, r.effectiveSettings())
	if err != nil {
		group.Done.TryComplete(fmt.Errorf("constructing front end for %s: %w", t.Label, err))
		return
	}
	defer fe.Close()

	if i == 0 {
		if err := t.OutlineTimer.Start(); err == nil {
			fe.SetPhaseHook(func(phase string) {
				if phase == compiler.PhasePickler && !t.OutlineTimer.Stopped() {
					t.OutlineTimer.Stop()
				}
			})
		}
	}

	if err := fe.NewRun().Compile(group.Files); err != nil {
		group.Done.TryComplete(err)
		return
	}
	if err := group.Timer.Stop(); err != nil {
		group.Done.TryComplete(err)
		return
	}
	if fe.Reporter().HasErrors() {
		group.Done.Complete(fmt.Errorf("compilation of %s reported errors", t.Label))
		return
	}
	group.Done.Complete(nil)
}

// JavaCompile invokes the secondary compiler when the project has
// secondary-language sources, with the project's output directory
// prepended to its original classpath. Without such sources java_done
// resolves immediately.
func (r *Runner) JavaCompile(ctx context.Context) {
	t := r.task
	defer r.recoverStage(ctx)

	sources := t.JavaSources()
	if len(sources) == 0 {
		t.JavaDone.TryComplete(nil)
		return
	}

	if err := t.JavaTimer.Start(); err != nil {
		t.JavaDone.TryComplete(err)
		return
	}
	classpath := append([]string{t.OutputDir}, t.Classpath...)
	ok := r.javac.Compile(ctx, t.OutputDir, classpath, sources)
	if err := t.JavaTimer.Stop(); err != nil {
		t.JavaDone.TryComplete(err)
		return
	}
	if !ok {
		t.JavaDone.Complete(fmt.Errorf("secondary compilation of %s failed", t.Label))
		return
	}
	t.JavaDone.Complete(nil)
}

// Close closes the lazily constructed compiler instance exactly once. It
// is called after the project's entire pipeline has completed, success or
// failure.
func (r *Runner) Close(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.feBuilt || r.feClosed {
		r.feClosed = true
		return
	}
	r.feClosed = true
	if err := r.fe.Close(); err != nil {
		logger.Warn("Closing front end failed.", "project", r.task.Label, "error", err)
	}
}

// FailRemaining marks every not-yet-completed signal of the project as
// failed. Completion is checked first; signals that already resolved are
// left untouched.
func (r *Runner) FailRemaining(err error) {
	r.failRemaining(err)
}

func (r *Runner) failRemaining(err error) {
	wrapped := fmt.Errorf("%s: %w", r.task.Label, err)
	r.task.OutlineDone.TryComplete(wrapped)
	for _, g := range r.task.Groups {
		g.Done.TryComplete(wrapped)
	}
	r.task.JavaDone.TryComplete(wrapped)
}

// recoverStage converts a panic inside a stage into a recorded project
// failure so signals still resolve and the compiler still closes.
func (r *Runner) recoverStage(ctx context.Context) {
	if rec := recover(); rec != nil {
		logger := ctxlog.FromContext(ctx)
		logger.Error("Stage panicked.", "project", r.task.Label, "panic", rec)
		fmt.Fprintf(os.Stderr, "%s\n", debug.Stack())
		r.failRemaining(fmt.Errorf("internal error: %v", rec))
	}
}
