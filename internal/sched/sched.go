// Package sched is the top-level build engine: it prepares a runner per
// project, wires the per-edge wait conditions of the selected strategy,
// bounds compile parallelism with a fixed-size worker pool, monitors
// progress, and emits critical-path figures and a Chrome trace after the
// run joins.
package sched

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/vk/buildpipe/internal/compiler"
	"github.com/vk/buildpipe/internal/ctxlog"
	"github.com/vk/buildpipe/internal/export"
	"github.com/vk/buildpipe/internal/graph"
	"github.com/vk/buildpipe/internal/picklecache"
	"github.com/vk/buildpipe/internal/project"
	"github.com/vk/buildpipe/internal/runner"
	"github.com/vk/buildpipe/internal/signal"
	"github.com/vk/buildpipe/internal/timing"
	"github.com/vk/buildpipe/internal/trace"
)

// Strategy selects the wait policy between dependent projects.
type Strategy int

const (
	// Pipeline overlaps downstream front-end work with upstream back-end
	// work: outline-classed edges wait only for the upstream's summaries.
	Pipeline Strategy = iota
	// Traditional waits for full upstream completion on every edge.
	Traditional
)

// ParseStrategy converts the option string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "pipeline":
		return Pipeline, nil
	case "traditional":
		return Traditional, nil
	default:
		return Pipeline, fmt.Errorf("unknown strategy %q: must be 'pipeline' or 'traditional'", s)
	}
}

// String implements fmt.Stringer.
func (s Strategy) String() string {
	if s == Traditional {
		return "traditional"
	}
	return "pipeline"
}

// Options configures one scheduler run.
type Options struct {
	Strategy    Strategy
	Parallelism int
	Label       string
	TraceDir    string

	// StallProbe is the interval of the progress/stall monitor. Tests
	// shorten it; zero selects the 60 second default.
	StallProbe time.Duration
}

// Scheduler executes one build.
type Scheduler struct {
	graph    *graph.Graph
	cache    *picklecache.Cache
	exporter *export.Exporter
	javac    compiler.JavaCompiler
	opts     Options

	runners map[*project.Task]*runner.Runner
	pool    *pool.Pool

	wallTimer *timing.Timer
}

// New constructs a Scheduler over a built graph.
func New(g *graph.Graph, cache *picklecache.Cache, exporter *export.Exporter, javac compiler.JavaCompiler, opts Options) *Scheduler {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	if opts.StallProbe <= 0 {
		opts.StallProbe = 60 * time.Second
	}
	return &Scheduler{
		graph:     g,
		cache:     cache,
		exporter:  exporter,
		javac:     javac,
		opts:      opts,
		runners:   make(map[*project.Task]*runner.Runner, len(g.Tasks)),
		wallTimer: timing.NewTimer(),
	}
}

// Run executes every project and returns the first failure, if any. All
// per-project chains drain to completion before Run returns so every
// compiler instance is closed.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	if err := s.wallTimer.Start(); err != nil {
		return err
	}

	pipelined := s.opts.Strategy == Pipeline
	for _, t := range s.graph.Tasks {
		t.PartitionGroups(pipelined)
		t := t
		s.runners[t] = runner.New(t, s.cache, s.exporter, s.javac, pipelined, func(entry string) bool {
			q, ok := s.graph.Produces(entry)
			return ok && q != t
		})
	}

	if err := s.exporter.PreScanExternal(ctx, s.graph.ExternalClasspath); err != nil {
		return fmt.Errorf("pre-scanning external classpath: %w", err)
	}

	s.pool = pool.New().WithMaxGoroutines(s.opts.Parallelism)

	var chains conc.WaitGroup
	for _, t := range s.graph.Tasks {
		t := t
		chains.Go(func() { s.chain(ctx, t) })
	}

	runErr := s.awaitAll(ctx)
	chains.Wait()
	s.pool.Wait()

	if err := s.wallTimer.Stop(); err != nil {
		return err
	}

	s.computeCriticalPaths()
	if s.opts.Parallelism == 1 {
		maxCP := 0.0
		for _, t := range s.graph.Tasks {
			if t.FullCriticalPathMillis > maxCP {
				maxCP = t.FullCriticalPathMillis
			}
		}
		logger.Info("Serial critical path.",
			"criticalPathMs", maxCP,
			"wallClockMs", s.wallTimer.DurationMillis())
	}

	if err := s.writeTrace(ctx); err != nil {
		logger.Warn("Writing trace failed.", "error", err)
	}

	return runErr
}

// chain runs one project's stage sequence: class-specific dependency
// waits, outline/groups, secondary compile, compiler close.
func (s *Scheduler) chain(ctx context.Context, t *project.Task) {
	r := s.runners[t]
	defer r.Close(ctx)

	for _, dep := range s.graph.Dependencies[t] {
		wait := s.waitSignal(dep)
		if err := wait.Wait(ctx); err != nil {
			r.FailRemaining(fmt.Errorf("upstream %s failed: %w", dep.Target.Label, err))
			return
		}
	}

	if s.opts.Strategy == Pipeline && s.graph.DependedOn[t] {
		s.pool.Go(func() { r.FullCompileExportPickles(ctx) })
	} else {
		t.OutlineDone.TryComplete(nil)
		for i := range t.Groups {
			i := i
			s.pool.Go(func() { r.CompileGroup(ctx, i) })
		}
	}

	var groupErr error
	for _, g := range t.Groups {
		if err := g.Done.Wait(ctx); err != nil && groupErr == nil {
			groupErr = err
		}
	}
	if groupErr != nil {
		r.FailRemaining(groupErr)
		return
	}

	s.pool.Go(func() { r.JavaCompile(ctx) })
	t.JavaDone.Wait(ctx)
}

// waitSignal selects the upstream signal a dependency edge blocks on.
// Outline edges need only summaries; macro and plugin edges load upstream
// bytecode during compilation and wait for full materialization. The
// traditional strategy waits for full completion on every edge.
func (s *Scheduler) waitSignal(dep graph.Dependency) *signal.Done {
	if s.opts.Strategy == Traditional {
		return dep.Target.JavaDone
	}
	if dep.Class == graph.Outline {
		return dep.Target.OutlineDone
	}
	return dep.Target.JavaDone
}

// awaitAll waits for every per-project signal, printing a progress line
// when the completed count advanced across a probe interval and a stall
// report when it did not. The first failure becomes the run's result; the
// wait still drains fully.
func (s *Scheduler) awaitAll(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	var sigs []*signal.Done
	for _, t := range s.graph.Tasks {
		sigs = append(sigs, t.Signals()...)
	}
	total := len(sigs)

	errs := make(chan error, total)
	for _, sig := range sigs {
		sig := sig
		go func() { errs <- sig.Wait(ctx) }()
	}

	probe := time.NewTicker(s.opts.StallProbe)
	defer probe.Stop()

	completed := 0
	lastCompleted := 0
	var firstErr error
	for completed < total {
		select {
		case err := <-errs:
			completed++
			if err != nil && firstErr == nil {
				firstErr = err
				logger.Error("Project stage failed.", "error", err)
			}
		case <-probe.C:
			if completed > lastCompleted {
				logger.Info("Build progressing.", "completed", completed, "total", total)
			} else {
				logger.Warn("Build stalled.", "completed", completed, "total", total)
				for _, t := range s.graph.Tasks {
					logger.Warn(fmt.Sprintf("  [%s] %s", t.StatusRow(), t.Label))
				}
			}
			lastCompleted = completed
		}
	}

	logger.Info("All project stages completed.", "completed", completed, "total", total)
	return firstErr
}

// computeCriticalPaths fills the per-project critical-path accumulators
// after the run joins. The pipeline strategy yields three figures per
// project; traditional only the full path.
func (s *Scheduler) computeCriticalPaths() {
	outlineMemo := make(map[*project.Task]float64, len(s.graph.Tasks))
	fullMemo := make(map[*project.Task]float64, len(s.graph.Tasks))

	var outlineCP func(t *project.Task) float64
	outlineCP = func(t *project.Task) float64 {
		if v, ok := outlineMemo[t]; ok {
			return v
		}
		depMax := 0.0
		for _, dep := range s.graph.Dependencies[t] {
			if v := outlineCP(dep.Target); v > depMax {
				depMax = v
			}
		}
		v := depMax + t.OutlineTimer.DurationMillis()
		outlineMemo[t] = v
		return v
	}

	var fullCP func(t *project.Task) float64
	fullCP = func(t *project.Task) float64 {
		if v, ok := fullMemo[t]; ok {
			return v
		}
		depMax := 0.0
		for _, dep := range s.graph.Dependencies[t] {
			if v := fullCP(dep.Target); v > depMax {
				depMax = v
			}
		}
		sum := 0.0
		for _, g := range t.Groups {
			sum += g.Timer.DurationMillis()
		}
		v := depMax + sum
		fullMemo[t] = v
		return v
	}

	for _, t := range s.graph.Tasks {
		t.FullCriticalPathMillis = fullCP(t)
		if s.opts.Strategy != Pipeline {
			continue
		}
		t.OutlineCriticalPathMillis = outlineCP(t)
		depMax := 0.0
		for _, dep := range s.graph.Dependencies[t] {
			if v := outlineCP(dep.Target); v > depMax {
				depMax = v
			}
		}
		groupMax := 0.0
		for _, g := range t.Groups {
			if d := g.Timer.DurationMillis(); d > groupMax {
				groupMax = d
			}
		}
		t.RegularCriticalPathMillis = depMax + groupMax
	}
}

// writeTrace drains every timer into a Chrome trace file named after the
// run label.
func (s *Scheduler) writeTrace(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	var events []trace.Event
	for _, t := range s.graph.Tasks {
		events = append(events, trace.Interval(
			"parser-to-pickler", t.Label,
			t.OutlineTimer.StartMicros(), t.OutlineTimer.DurationMicros(), t.OutlineTimer.StopperID()))
		events = append(events, trace.Interval(
			"pickle-export", t.Label,
			t.PickleExportTimer.StartMicros(), t.PickleExportTimer.DurationMicros(), t.PickleExportTimer.StopperID()))
		for i, g := range t.Groups {
			events = append(events, trace.Interval(
				fmt.Sprintf("compile-%d", i), t.Label,
				g.Timer.StartMicros(), g.Timer.DurationMicros(), g.Timer.StopperID()))
		}
		if len(t.JavaSources()) > 0 {
			events = append(events, trace.Interval(
				"javac", t.Label,
				t.JavaTimer.StartMicros(), t.JavaTimer.DurationMicros(), t.JavaTimer.StopperID()))
		}
	}

	path := filepath.Join(s.opts.TraceDir, TraceFileName(s.opts.Label))
	if err := trace.Write(path, events); err != nil {
		return err
	}
	logger.Info("Trace written.", "path", path)
	return nil
}

// TraceFileName returns the trace file name for a run label.
func TraceFileName(label string) string {
	sanitized := strings.ReplaceAll(label, string(filepath.Separator), "-")
	return "build-" + sanitized + ".trace"
}
