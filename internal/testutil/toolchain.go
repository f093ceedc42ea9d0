// Package testutil provides the fake toolchain and project fixtures used
// by the driver's tests.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vk/buildpipe/internal/compiler"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Recorder collects ordered event strings from concurrently running fakes
// so tests can assert cross-project ordering.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

// Record appends one event.
func (r *Recorder) Record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

// Index returns the position of the first recorded event equal to s, or -1.
func (r *Recorder) Index(s string) int {
	for i, e := range r.Events() {
		if e == s {
			return i
		}
	}
	return -1
}

// FakeFrontEnd is a synthetic front end. Compile sleeps through a
// configurable outline and backend stage, firing the pickler hook between
// them, and reports errors when FailCompile is set.
type FakeFrontEnd struct {
	Settings *compiler.Settings

	OutlineDelay time.Duration
	BackendDelay time.Duration
	FailCompile  bool

	// Block, when non-nil, blocks the backend stage until the channel is
	// closed. Used by stall tests.
	Block chan struct{}

	recorder *Recorder
	label    string
	reporter *FakeReporter

	mu        sync.Mutex
	hook      func(phase string)
	summaries []compiler.SymbolSummary
	closes    int
}

// FakeReporter implements compiler.Reporter over a simple flag.
type FakeReporter struct {
	mu     sync.Mutex
	errors bool
}

func (r *FakeReporter) HasErrors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors
}

func (r *FakeReporter) SetErrors() {
	r.mu.Lock()
	r.errors = true
	r.mu.Unlock()
}

func (r *FakeReporter) Echo(msg string) {}
func (r *FakeReporter) Flush()          {}
func (r *FakeReporter) Finish()         {}

func (f *FakeFrontEnd) Reporter() compiler.Reporter { return f.reporter }

func (f *FakeFrontEnd) SetPhaseHook(hook func(phase string)) {
	f.mu.Lock()
	f.hook = hook
	f.mu.Unlock()
}

func (f *FakeFrontEnd) Summaries() []compiler.SymbolSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries
}

// Close implements compiler.FrontEnd. Closing twice is recorded and fails
// the close-once tests.
func (f *FakeFrontEnd) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closes > 1 {
		return fmt.Errorf("front end for %s closed %d times", f.label, f.closes)
	}
	return nil
}

// Closes returns how many times Close was called.
func (f *FakeFrontEnd) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *FakeFrontEnd) NewRun() compiler.Run { return &fakeRun{fe: f} }

type fakeRun struct {
	fe *FakeFrontEnd
}

func (r *fakeRun) Compile(files []string) error {
	f := r.fe
	f.recorder.Record("start:%s", f.label)
	time.Sleep(f.OutlineDelay)

	if f.FailCompile {
		f.reporter.SetErrors()
		f.recorder.Record("fail:%s", f.label)
		return nil
	}

	f.mu.Lock()
	f.summaries = summariesFor(files)
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		f.recorder.Record("pickler:%s", f.label)
		hook(compiler.PhasePickler)
	}

	time.Sleep(f.BackendDelay)
	if f.Block != nil {
		<-f.Block
	}
	f.recorder.Record("backend:%s", f.label)
	return nil
}

// summariesFor synthesizes one summary per source file, owned by a fixed
// package chain.
func summariesFor(files []string) []compiler.SymbolSummary {
	out := make([]compiler.SymbolSummary, 0, len(files))
	for i, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		out = append(out, compiler.SymbolSummary{
			Name:     name,
			Owners:   []string{"example", "pkg"},
			BufferID: i,
			Data:     []byte("sig:" + name),
		})
	}
	return out
}

// Toolchain is a fake front-end factory. Every constructed instance is
// retained for inspection; Configure customizes instances as they are
// created, keyed by the settings they were built from.
type Toolchain struct {
	Recorder  *Recorder
	Configure func(fe *FakeFrontEnd)

	mu      sync.Mutex
	created []*FakeFrontEnd
}

// InstallToolchain swaps the front-end factory for a fake one and restores
// it when the test finishes.
func InstallToolchain(t *testing.T, configure func(fe *FakeFrontEnd)) *Toolchain {
	t.Helper()
	tc := &Toolchain{Recorder: &Recorder{}, Configure: configure}

	prev := compiler.NewFrontEnd
	compiler.NewFrontEnd = tc.factory
	t.Cleanup(func() { compiler.NewFrontEnd = prev })
	return tc
}

func (tc *Toolchain) factory(ctx context.Context, settings *compiler.Settings) (compiler.FrontEnd, error) {
	fe := &FakeFrontEnd{
		Settings: settings,
		recorder: tc.Recorder,
		label:    strings.TrimSuffix(filepath.Base(settings.ArgsFile), compiler.ArgsFileExt),
		reporter: &FakeReporter{},
	}
	if tc.Configure != nil {
		tc.Configure(fe)
	}

	tc.mu.Lock()
	tc.created = append(tc.created, fe)
	tc.mu.Unlock()
	return fe, nil
}

// Created returns every front end constructed so far.
func (tc *Toolchain) Created() []*FakeFrontEnd {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]*FakeFrontEnd{}, tc.created...)
}

// CreatedFor returns the front ends constructed for the given label.
func (tc *Toolchain) CreatedFor(label string) []*FakeFrontEnd {
	var out []*FakeFrontEnd
	for _, fe := range tc.Created() {
		if fe.label == label {
			out = append(out, fe)
		}
	}
	return out
}

// FakeJavac implements compiler.JavaCompiler and records its invocations.
type FakeJavac struct {
	Result bool

	mu    sync.Mutex
	calls []JavacCall
}

// JavacCall captures one secondary-compiler invocation.
type JavacCall struct {
	OutputDir string
	Classpath []string
	Sources   []string
}

// NewFakeJavac returns a FakeJavac that succeeds.
func NewFakeJavac() *FakeJavac { return &FakeJavac{Result: true} }

func (j *FakeJavac) Compile(ctx context.Context, outputDir string, classpath []string, sources []string) bool {
	j.mu.Lock()
	j.calls = append(j.calls, JavacCall{OutputDir: outputDir, Classpath: classpath, Sources: sources})
	j.mu.Unlock()
	return j.Result
}

// Calls returns the recorded invocations.
func (j *FakeJavac) Calls() []JavacCall {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JavacCall{}, j.calls...)
}

// FakeExtractor implements compiler.PickleExtractor by writing a stub
// artifact and recording the extraction.
type FakeExtractor struct {
	mu    sync.Mutex
	calls [][2]string
}

func (e *FakeExtractor) Process(ctx context.Context, inputArchive, outputArchive string) error {
	e.mu.Lock()
	e.calls = append(e.calls, [2]string{inputArchive, outputArchive})
	e.mu.Unlock()
	return writeStubArtifact(outputArchive)
}

// Calls returns the recorded (input, output) pairs.
func (e *FakeExtractor) Calls() [][2]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][2]string{}, e.calls...)
}
