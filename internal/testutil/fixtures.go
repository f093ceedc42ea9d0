package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/buildpipe/internal/fsutil"
)

// ProjectSpec describes one on-disk project fixture.
type ProjectSpec struct {
	Name string

	// Sources maps file names to contents. Names keep their extension so
	// fixtures can mix primary and secondary sources.
	Sources map[string]string

	Classpath       []string
	MacroClasspath  []string
	PluginClasspath []string
}

// ProjectFixture is the result of writing a ProjectSpec to disk.
type ProjectFixture struct {
	ArgsFile  string
	OutputDir string
	SourceDir string
}

// writeStubArtifact creates a placeholder artifact file, making any
// missing parents.
func writeStubArtifact(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("stub"), 0o644)
}

// WriteProject materializes a project fixture under root: sources, an
// output directory, and an argument file referencing both.
func WriteProject(t *testing.T, root string, spec ProjectSpec) ProjectFixture {
	t.Helper()

	srcDir := filepath.Join(root, spec.Name, "src")
	outDir := filepath.Join(root, spec.Name, "out")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.MkdirAll(outDir, 0o755))

	var lines []string
	lines = append(lines, "-d "+outDir)
	if len(spec.Classpath) > 0 {
		lines = append(lines, "-classpath "+strings.Join(spec.Classpath, string(filepath.ListSeparator)))
	}
	if len(spec.MacroClasspath) > 0 {
		lines = append(lines, "-Ymacro-classpath "+strings.Join(spec.MacroClasspath, string(filepath.ListSeparator)))
	}
	for _, p := range spec.PluginClasspath {
		lines = append(lines, "-Xplugin "+p)
	}
	for name, content := range spec.Sources {
		path := filepath.Join(srcDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		lines = append(lines, path)
	}

	argsFile := filepath.Join(root, spec.Name+".args")
	require.NoError(t, os.WriteFile(argsFile, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	return ProjectFixture{
		ArgsFile:  argsFile,
		OutputDir: fsutil.Canonicalize(outDir),
		SourceDir: srcDir,
	}
}
