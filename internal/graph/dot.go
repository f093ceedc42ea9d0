package graph

import (
	"fmt"
	"os"
	"strings"
)

// WriteDot writes the dependency graph in Graphviz digraph form. Macro
// edges are labeled M, plugin edges P, outline edges carry no label.
func (g *Graph) WriteDot(path string) error {
	var sb strings.Builder
	sb.WriteString("digraph projects {\n")
	for _, t := range g.Tasks {
		fmt.Fprintf(&sb, "  %q;\n", t.Label)
	}
	for _, t := range g.Tasks {
		for _, dep := range g.Dependencies[t] {
			switch dep.Class {
			case Macro:
				fmt.Fprintf(&sb, "  %q -> %q [label=M];\n", t.Label, dep.Target.Label)
			case Plugin:
				fmt.Fprintf(&sb, "  %q -> %q [label=P];\n", t.Label, dep.Target.Label)
			default:
				fmt.Fprintf(&sb, "  %q -> %q;\n", t.Label, dep.Target.Label)
			}
		}
	}
	sb.WriteString("}\n")

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("writing dependency graph: %w", err)
	}
	return nil
}
