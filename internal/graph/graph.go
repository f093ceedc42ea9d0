// Package graph builds the three-colored dependency graph over the parsed
// projects and derives the external classpath set.
package graph

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/vk/buildpipe/internal/ctxlog"
	"github.com/vk/buildpipe/internal/project"
)

// EdgeClass classifies a dependency edge by the wait condition it imposes
// on the downstream project.
type EdgeClass int

const (
	// Outline edges only need the upstream's symbol summaries.
	Outline EdgeClass = iota
	// Macro edges execute upstream code during downstream compilation and
	// need full classfiles.
	Macro
	// Plugin edges load upstream bytecode into the downstream front end and
	// need full classfiles.
	Plugin
)

// String implements fmt.Stringer.
func (c EdgeClass) String() string {
	switch c {
	case Outline:
		return "outline"
	case Macro:
		return "macro"
	case Plugin:
		return "plugin"
	default:
		return fmt.Sprintf("EdgeClass(%d)", int(c))
	}
}

// Dependency is one edge from a downstream project to the upstream Target
// it consumes.
type Dependency struct {
	Target *project.Task
	Class  EdgeClass
}

// Graph is the complete dependency structure of one build.
type Graph struct {
	Tasks        []*project.Task
	Dependencies map[*project.Task][]Dependency

	// DependedOn holds every task some other task consumes. Tasks outside
	// this set skip summary export entirely.
	DependedOn map[*project.Task]bool

	// ExternalClasspath holds classpath entries produced by no project and
	// present on disk, sorted.
	ExternalClasspath []string

	produces map[string]*project.Task
}

// Build computes the dependency graph. Two projects may not share an output
// directory, and the resulting graph must be acyclic; both violations fail
// construction with a descriptive error.
func Build(ctx context.Context, tasks []*project.Task) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)

	g := &Graph{
		Tasks:        tasks,
		Dependencies: make(map[*project.Task][]Dependency, len(tasks)),
		DependedOn:   make(map[*project.Task]bool),
		produces:     make(map[string]*project.Task, len(tasks)),
	}

	for _, t := range tasks {
		if prev, ok := g.produces[t.OutputDir]; ok {
			return nil, fmt.Errorf("projects %s and %s share output directory %s", prev.Label, t.Label, t.OutputDir)
		}
		g.produces[t.OutputDir] = t
	}

	external := make(map[string]bool)
	for _, t := range tasks {
		deps := g.classify(t, external)
		g.Dependencies[t] = deps
		for _, d := range deps {
			g.DependedOn[d.Target] = true
		}
	}

	for entry := range external {
		g.ExternalClasspath = append(g.ExternalClasspath, entry)
	}
	sort.Strings(g.ExternalClasspath)

	if err := g.detectCycles(); err != nil {
		return nil, fmt.Errorf("validating dependency graph: %w", err)
	}

	logger.Debug("Dependency graph built.",
		"projects", len(tasks),
		"dependedOn", len(g.DependedOn),
		"external", len(g.ExternalClasspath))
	return g, nil
}

// classify computes one project's edge list in the order classpath edges,
// macro edges, plugin edges. A target already required as a macro is not
// additionally required as an outline; plugin duplication is deliberately
// not suppressed the same way, so a target on both the plugin path and the
// classpath yields two edges.
func (g *Graph) classify(t *project.Task, external map[string]bool) []Dependency {
	var macroDeps []Dependency
	macroTargets := make(map[*project.Task]bool)
	for _, entry := range t.MacroClasspath {
		if q, ok := g.produces[entry]; ok && q != t {
			if !macroTargets[q] {
				macroTargets[q] = true
				macroDeps = append(macroDeps, Dependency{Target: q, Class: Macro})
			}
		} else {
			markExternal(external, entry)
		}
	}

	var pluginDeps []Dependency
	pluginTargets := make(map[*project.Task]bool)
	for _, entry := range t.PluginClasspath {
		if q, ok := g.produces[entry]; ok && q != t {
			if !pluginTargets[q] {
				pluginTargets[q] = true
				pluginDeps = append(pluginDeps, Dependency{Target: q, Class: Plugin})
			}
		} else {
			markExternal(external, entry)
		}
	}

	var classpathDeps []Dependency
	outlineTargets := make(map[*project.Task]bool)
	for _, entry := range t.Classpath {
		if q, ok := g.produces[entry]; ok && q != t {
			if !macroTargets[q] && !outlineTargets[q] {
				outlineTargets[q] = true
				classpathDeps = append(classpathDeps, Dependency{Target: q, Class: Outline})
			}
		} else {
			markExternal(external, entry)
		}
	}

	return append(append(classpathDeps, macroDeps...), pluginDeps...)
}

func markExternal(external map[string]bool, entry string) {
	if _, err := os.Stat(entry); err == nil {
		external[entry] = true
	}
}

// Produces returns the task that owns the given output directory, if any.
func (g *Graph) Produces(outputDir string) (*project.Task, bool) {
	t, ok := g.produces[outputDir]
	return t, ok
}

// detectCycles runs a depth-first three-color traversal over the dependency
// edges and reports the first cycle found.
func (g *Graph) detectCycles() error {
	permanent := make(map[*project.Task]bool)
	temporary := make(map[*project.Task]bool)

	var visit func(t *project.Task) error
	visit = func(t *project.Task) error {
		if permanent[t] {
			return nil
		}
		if temporary[t] {
			return fmt.Errorf("dependency cycle involving project '%s'", t.Label)
		}

		temporary[t] = true
		for _, dep := range g.Dependencies[t] {
			if err := visit(dep.Target); err != nil {
				return err
			}
		}
		delete(temporary, t)
		permanent[t] = true
		return nil
	}

	// Iterate in task order so the reported cycle is deterministic.
	for _, t := range g.Tasks {
		if !permanent[t] {
			if err := visit(t); err != nil {
				return err
			}
		}
	}
	return nil
}
