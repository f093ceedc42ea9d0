// Package project models one compilation unit: the parsed argument file,
// its classpaths, its source groups and the completion signals the
// scheduler coordinates on.
package project

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/buildpipe/internal/compiler"
	"github.com/vk/buildpipe/internal/ctxlog"
	"github.com/vk/buildpipe/internal/fsutil"
	"github.com/vk/buildpipe/internal/signal"
	"github.com/vk/buildpipe/internal/timing"
)

// groupSize is the target number of source files per compile group.
const groupSize = 128

// Group is a batch of source files compiled together in one front-end run.
type Group struct {
	Files []string
	Timer *timing.Timer
	Done  *signal.Done
}

// Task is one unit of work: a single front-end compilation (possibly in
// several groups) plus an optional secondary-language compilation.
type Task struct {
	Label     string
	ArgsFile  string
	OutputDir string

	SourceFiles     []string
	Classpath       []string
	MacroClasspath  []string
	PluginClasspath []string

	Settings *compiler.Settings
	Groups   []*Group

	OutlineDone *signal.Done
	JavaDone    *signal.Done

	OutlineTimer      *timing.Timer
	PickleExportTimer *timing.Timer
	JavaTimer         *timing.Timer

	// Critical-path accumulators, filled after the run joins.
	OutlineCriticalPathMillis float64
	RegularCriticalPathMillis float64
	FullCriticalPathMillis    float64
}

// Load parses an argument file into a Task. Option parsing is delegated to
// the front-end settings parser; the task's paths arrive canonicalized.
func Load(ctx context.Context, argsFile string) (*Task, error) {
	logger := ctxlog.FromContext(ctx)

	settings, err := compiler.ParseArgsFile(argsFile)
	if err != nil {
		return nil, err
	}

	t := &Task{
		Label:             Label(argsFile),
		ArgsFile:          fsutil.Canonicalize(argsFile),
		OutputDir:         settings.OutputDir,
		SourceFiles:       settings.SourceFiles,
		Classpath:         settings.Classpath,
		MacroClasspath:    settings.MacroClasspath,
		PluginClasspath:   settings.PluginClasspath,
		Settings:          settings,
		OutlineDone:       signal.New(),
		JavaDone:          signal.New(),
		OutlineTimer:      timing.NewTimer(),
		PickleExportTimer: timing.NewTimer(),
		JavaTimer:         timing.NewTimer(),
	}
	logger.Debug("Parsed project.",
		"label", t.Label,
		"sources", len(t.SourceFiles),
		"classpath", len(t.Classpath),
		"outputDir", t.OutputDir)
	return t, nil
}

// Label derives a stable human-readable identifier from an argument file
// path: the base name without extension, qualified by the parent directory.
func Label(argsFile string) string {
	base := strings.TrimSuffix(filepath.Base(argsFile), compiler.ArgsFileExt)
	parent := filepath.Base(filepath.Dir(argsFile))
	if parent == "." || parent == string(filepath.Separator) || parent == "" {
		return base
	}
	return parent + "/" + base
}

// PartitionGroups splits the task's sources into compile groups. The
// standard library always compiles as one group, as does every task under
// the pipeline strategy; otherwise the sorted source list is split into
// ⌈n/groupSize⌉ evenly sized groups.
func (t *Task) PartitionGroups(singleGroup bool) {
	files := append([]string{}, t.SourceFiles...)
	sort.Strings(files)

	if !singleGroup && !t.IsStdlib() && len(files) > groupSize {
		groupCount := (len(files) + groupSize - 1) / groupSize
		t.Groups = make([]*Group, 0, groupCount)
		for i := 0; i < groupCount; i++ {
			lo := i * len(files) / groupCount
			hi := (i + 1) * len(files) / groupCount
			t.Groups = append(t.Groups, newGroup(files[lo:hi]))
		}
		return
	}
	t.Groups = []*Group{newGroup(files)}
}

func newGroup(files []string) *Group {
	return &Group{
		Files: files,
		Timer: timing.NewTimer(),
		Done:  signal.New(),
	}
}

// IsStdlib reports whether the task's sources include the canonical
// standard-library root marker.
func (t *Task) IsStdlib() bool {
	marker := filepath.FromSlash(compiler.StdlibMarker)
	for _, f := range t.SourceFiles {
		if strings.HasSuffix(f, marker) {
			return true
		}
	}
	return false
}

// JavaSources returns the task's secondary-language source files.
func (t *Task) JavaSources() []string {
	var out []string
	for _, f := range t.SourceFiles {
		if strings.HasSuffix(f, compiler.JavaExt) {
			out = append(out, f)
		}
	}
	return out
}

// Signals returns every completion signal the task owns, in the order
// outline, groups, java. The scheduler's progress monitor iterates these.
func (t *Task) Signals() []*signal.Done {
	out := []*signal.Done{t.OutlineDone}
	for _, g := range t.Groups {
		out = append(out, g.Done)
	}
	out = append(out, t.JavaDone)
	return out
}

// StatusRow renders the three-character pending/success/failure status used
// by the stall monitor: outline, groups, java.
func (t *Task) StatusRow() string {
	var sb strings.Builder
	sb.WriteByte(statusChar(t.OutlineDone))
	groups := byte('-')
	allDone := len(t.Groups) > 0
	for _, g := range t.Groups {
		switch {
		case !g.Done.Completed():
			allDone = false
		case g.Done.Err() != nil:
			groups = '!'
		}
	}
	if allDone && groups != '!' {
		groups = 'x'
	}
	sb.WriteByte(groups)
	sb.WriteByte(statusChar(t.JavaDone))
	return sb.String()
}

func statusChar(d *signal.Done) byte {
	switch {
	case !d.Completed():
		return '-'
	case d.Err() != nil:
		return '!'
	default:
		return 'x'
	}
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("project(%s)", t.Label)
}
