package sched

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/buildpipe/internal/ctxlog"
	"github.com/vk/buildpipe/internal/export"
	"github.com/vk/buildpipe/internal/graph"
	"github.com/vk/buildpipe/internal/picklecache"
	"github.com/vk/buildpipe/internal/project"
	"github.com/vk/buildpipe/internal/testutil"
)

type schedHarness struct {
	graph    *graph.Graph
	cache    *picklecache.Cache
	sched    *Scheduler
	toolbox  *testutil.Toolchain
	javac    *testutil.FakeJavac
	traceDir string
	logs     *testutil.SafeBuffer
	ctx      context.Context
}

func newSchedHarness(t *testing.T, tc *testutil.Toolchain, tasks []*project.Task, opts Options) *schedHarness {
	t.Helper()

	ctx := context.Background()
	logs := &testutil.SafeBuffer{}
	ctx = ctxlog.WithLogger(ctx, slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})))

	g, err := graph.Build(ctx, tasks)
	require.NoError(t, err)

	cache, err := picklecache.New(filepath.Join(t.TempDir(), "cache"), false)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	if opts.TraceDir == "" {
		opts.TraceDir = t.TempDir()
	}
	if opts.Label == "" {
		opts.Label = "test"
	}

	javac := testutil.NewFakeJavac()
	return &schedHarness{
		graph:    g,
		cache:    cache,
		sched:    New(g, cache, export.New(cache, &testutil.FakeExtractor{}), javac, opts),
		toolbox:  tc,
		javac:    javac,
		traceDir: opts.TraceDir,
		logs:     logs,
		ctx:      ctx,
	}
}

func loadTask(t *testing.T, fx testutil.ProjectFixture) *project.Task {
	t.Helper()
	task, err := project.Load(context.Background(), fx.ArgsFile)
	require.NoError(t, err)
	return task
}

func readTrace(t *testing.T, dir, label string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, TraceFileName(label)))
	require.NoError(t, err)

	var decoded struct {
		TraceEvents []map[string]any `json:"traceEvents"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return decoded.TraceEvents
}

func countEvents(events []map[string]any, name string) int {
	n := 0
	for _, e := range events {
		if e["name"] == name {
			n++
		}
	}
	return n
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, Pipeline, s)

	s, err = ParseStrategy("Traditional")
	require.NoError(t, err)
	assert.Equal(t, Traditional, s)

	_, err = ParseStrategy("bogus")
	assert.Error(t, err)
}

func TestTwoIndependentProjects(t *testing.T) {
	tc := testutil.InstallToolchain(t, nil)
	root := t.TempDir()
	a := loadTask(t, testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "a", Sources: map[string]string{"A.scala": ""}}))
	b := loadTask(t, testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "b", Sources: map[string]string{"B.scala": ""}}))

	h := newSchedHarness(t, tc, []*project.Task{a, b}, Options{Strategy: Pipeline, Parallelism: 2})
	require.NoError(t, h.sched.Run(h.ctx))

	// No dependency relation, so neither project exports summaries.
	events := readTrace(t, h.traceDir, "test")
	assert.Equal(t, 2, countEvents(events, "parser-to-pickler"))
	assert.Equal(t, 2, countEvents(events, "compile-0"))
	assert.Equal(t, 0, countEvents(events, "pickle-export"))
	assert.Equal(t, 0, countEvents(events, "javac"))

	for _, e := range events {
		assert.GreaterOrEqual(t, e["dur"].(float64), 0.0)
	}

	// Every compiler instance is closed exactly once.
	for _, fe := range h.toolbox.Created() {
		assert.Equal(t, 1, fe.Closes())
	}
}

func TestLinearOutlineChain(t *testing.T) {
	tc := testutil.InstallToolchain(t, func(fe *testutil.FakeFrontEnd) {
		fe.OutlineDelay = 5 * time.Millisecond
		fe.BackendDelay = 20 * time.Millisecond
	})
	root := t.TempDir()

	fxA := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "a", Sources: map[string]string{"A.scala": ""}})
	fxB := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "b", Sources: map[string]string{"B.scala": ""}, Classpath: []string{fxA.OutputDir}})
	fxC := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "c", Sources: map[string]string{"C.scala": ""}, Classpath: []string{fxB.OutputDir}})

	a, b, c := loadTask(t, fxA), loadTask(t, fxB), loadTask(t, fxC)
	h := newSchedHarness(t, tc, []*project.Task{a, b, c}, Options{Strategy: Pipeline, Parallelism: 3})
	require.NoError(t, h.sched.Run(h.ctx))

	rec := tc.Recorder
	// Downstream outlines start after the upstream's pickler boundary but
	// do not wait for the upstream back end.
	assert.Less(t, rec.Index("pickler:a"), rec.Index("start:b"))
	assert.Less(t, rec.Index("pickler:b"), rec.Index("start:c"))
	assert.Less(t, rec.Index("start:c"), rec.Index("backend:a"),
		"c's front end overlaps a's back end under the pipeline strategy")

	// a and b are depended on, so they exported summaries; c did not.
	events := readTrace(t, h.traceDir, "test")
	assert.Equal(t, 2, countEvents(events, "pickle-export"))

	// Critical paths accumulate along the chain.
	assert.Greater(t, c.OutlineCriticalPathMillis, b.OutlineCriticalPathMillis)
	assert.Greater(t, b.OutlineCriticalPathMillis, a.OutlineCriticalPathMillis)
	assert.Greater(t, c.FullCriticalPathMillis, b.FullCriticalPathMillis)
}

func TestMacroEdgeWaitsForFullUpstream(t *testing.T) {
	tc := testutil.InstallToolchain(t, func(fe *testutil.FakeFrontEnd) {
		fe.BackendDelay = 15 * time.Millisecond
	})
	root := t.TempDir()

	fxA := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "a", Sources: map[string]string{"A.scala": ""}})
	fxB := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "b", Sources: map[string]string{"B.scala": ""}, MacroClasspath: []string{fxA.OutputDir}})

	a, b := loadTask(t, fxA), loadTask(t, fxB)
	h := newSchedHarness(t, tc, []*project.Task{a, b}, Options{Strategy: Pipeline, Parallelism: 2})

	require.Len(t, h.graph.Dependencies[b], 1)
	require.Equal(t, graph.Macro, h.graph.Dependencies[b][0].Class)

	require.NoError(t, h.sched.Run(h.ctx))

	rec := tc.Recorder
	assert.Less(t, rec.Index("backend:a"), rec.Index("start:b"),
		"macro downstream starts no earlier than full upstream completion")
}

func TestMixedMacroAndClasspathYieldsSingleMacroEdge(t *testing.T) {
	tc := testutil.InstallToolchain(t, nil)
	root := t.TempDir()

	fxA := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "a", Sources: map[string]string{"A.scala": ""}})
	fxB := testutil.WriteProject(t, root, testutil.ProjectSpec{
		Name:           "b",
		Sources:        map[string]string{"B.scala": ""},
		Classpath:      []string{fxA.OutputDir},
		MacroClasspath: []string{fxA.OutputDir},
	})

	a, b := loadTask(t, fxA), loadTask(t, fxB)
	h := newSchedHarness(t, tc, []*project.Task{a, b}, Options{Strategy: Pipeline, Parallelism: 2})

	require.Len(t, h.graph.Dependencies[b], 1)
	assert.Equal(t, graph.Macro, h.graph.Dependencies[b][0].Class)

	dotPath := filepath.Join(t.TempDir(), "projects.dot")
	require.NoError(t, h.graph.WriteDot(dotPath))
	raw, err := os.ReadFile(dotPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "[label=M]")

	require.NoError(t, h.sched.Run(h.ctx))
}

func TestFailurePropagation(t *testing.T) {
	tc := testutil.InstallToolchain(t, func(fe *testutil.FakeFrontEnd) {
		if strings.Contains(fe.Settings.ArgsFile, "a.args") {
			fe.FailCompile = true
		}
	})
	root := t.TempDir()

	fxA := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "a", Sources: map[string]string{"A.scala": ""}})
	fxB := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "b", Sources: map[string]string{"B.scala": ""}, Classpath: []string{fxA.OutputDir}})

	a, b := loadTask(t, fxA), loadTask(t, fxB)
	h := newSchedHarness(t, tc, []*project.Task{a, b}, Options{Strategy: Pipeline, Parallelism: 2})

	err := h.sched.Run(h.ctx)
	require.Error(t, err)

	// a's signals resolved with failure; b never compiled but its signals
	// still resolved so the run drains.
	assert.Error(t, a.OutlineDone.Err())
	assert.Error(t, b.OutlineDone.Err())
	assert.Error(t, b.JavaDone.Err())
	assert.Equal(t, -1, tc.Recorder.Index("start:b"))

	// Every constructed compiler closed exactly once; b never constructed
	// one.
	created := h.toolbox.Created()
	require.Len(t, created, 1)
	assert.Equal(t, 1, created[0].Closes())
}

func TestTraditionalStrategyWaitsForFullUpstream(t *testing.T) {
	tc := testutil.InstallToolchain(t, func(fe *testutil.FakeFrontEnd) {
		fe.BackendDelay = 10 * time.Millisecond
	})
	root := t.TempDir()

	fxA := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "a", Sources: map[string]string{"A.scala": ""}})
	fxB := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "b", Sources: map[string]string{"B.scala": ""}, Classpath: []string{fxA.OutputDir}})

	a, b := loadTask(t, fxA), loadTask(t, fxB)
	h := newSchedHarness(t, tc, []*project.Task{a, b}, Options{Strategy: Traditional, Parallelism: 2})
	require.NoError(t, h.sched.Run(h.ctx))

	rec := tc.Recorder
	assert.Less(t, rec.Index("backend:a"), rec.Index("start:b"))

	// No summaries are exported under the traditional strategy.
	events := readTrace(t, h.traceDir, "test")
	assert.Equal(t, 0, countEvents(events, "pickle-export"))

	// Only the full critical path is computed.
	assert.Zero(t, b.OutlineCriticalPathMillis)
	assert.NotZero(t, b.FullCriticalPathMillis)
}

func TestStallDetection(t *testing.T) {
	block := make(chan struct{})
	tc := testutil.InstallToolchain(t, func(fe *testutil.FakeFrontEnd) {
		fe.Block = block
	})
	root := t.TempDir()
	a := loadTask(t, testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "a", Sources: map[string]string{"A.scala": ""}}))

	h := newSchedHarness(t, tc, []*project.Task{a}, Options{
		Strategy:    Pipeline,
		Parallelism: 1,
		StallProbe:  50 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- h.sched.Run(h.ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "Build stalled.")
	}, 2*time.Second, 10*time.Millisecond, "stall line printed after the probe interval")
	assert.Contains(t, h.logs.String(), "[x--]", "status row shows outline done, group and java pending")

	close(block)
	require.NoError(t, <-done)
	assert.Contains(t, h.logs.String(), "All project stages completed.")
}

func TestEmptyProjectList(t *testing.T) {
	tc := testutil.InstallToolchain(t, nil)
	h := newSchedHarness(t, tc, nil, Options{Strategy: Pipeline, Parallelism: 2})

	require.NoError(t, h.sched.Run(h.ctx))

	events := readTrace(t, h.traceDir, "test")
	assert.Empty(t, events)
}

func TestSingleProjectSerialCriticalPath(t *testing.T) {
	tc := testutil.InstallToolchain(t, func(fe *testutil.FakeFrontEnd) {
		fe.OutlineDelay = 5 * time.Millisecond
		fe.BackendDelay = 5 * time.Millisecond
	})
	root := t.TempDir()
	a := loadTask(t, testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "a", Sources: map[string]string{"A.scala": ""}}))

	h := newSchedHarness(t, tc, []*project.Task{a}, Options{Strategy: Pipeline, Parallelism: 1})
	require.NoError(t, h.sched.Run(h.ctx))

	assert.Contains(t, h.logs.String(), "Serial critical path.")
	assert.Greater(t, a.FullCriticalPathMillis, 0.0)
}

func TestJavaCompileRunsAfterGroups(t *testing.T) {
	tc := testutil.InstallToolchain(t, nil)
	root := t.TempDir()
	a := loadTask(t, testutil.WriteProject(t, root, testutil.ProjectSpec{
		Name:    "mixed",
		Sources: map[string]string{"A.scala": "", "B.java": ""},
	}))

	h := newSchedHarness(t, tc, []*project.Task{a}, Options{Strategy: Pipeline, Parallelism: 2})
	require.NoError(t, h.sched.Run(h.ctx))

	require.Len(t, h.javac.Calls(), 1)
	group := a.Groups[0].Timer
	assert.GreaterOrEqual(t, a.JavaTimer.StartMicros(), group.StartMicros()+group.DurationMicros(),
		"javac starts only after the group compile finished")
	events := readTrace(t, h.traceDir, "test")
	assert.Equal(t, 1, countEvents(events, "javac"))
}
