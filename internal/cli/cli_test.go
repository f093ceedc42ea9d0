package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/buildpipe/internal/testutil"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := NewRootCommand(io.Discard)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func TestBuildFromDirectory(t *testing.T) {
	testutil.InstallToolchain(t, nil)
	root := t.TempDir()
	projects := filepath.Join(root, "workspace")
	require.NoError(t, os.MkdirAll(projects, 0o755))

	fxA := testutil.WriteProject(t, projects, testutil.ProjectSpec{Name: "a", Sources: map[string]string{"A.scala": ""}})
	testutil.WriteProject(t, projects, testutil.ProjectSpec{Name: "b", Sources: map[string]string{"B.scala": ""}, Classpath: []string{fxA.OutputDir}})

	traceDir := t.TempDir()
	require.NoError(t, execute(t, projects, "--trace-dir", traceDir, "--parallelism", "2"))

	assert.FileExists(t, filepath.Join(traceDir, "build-workspace.trace"))
	assert.FileExists(t, filepath.Join(traceDir, "projects.dot"))
}

func TestBuildFromExplicitArgsFiles(t *testing.T) {
	testutil.InstallToolchain(t, nil)
	root := t.TempDir()
	fx := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "solo", Sources: map[string]string{"A.scala": ""}})

	traceDir := t.TempDir()
	require.NoError(t, execute(t, fx.ArgsFile, "--trace-dir", traceDir))
	assert.FileExists(t, filepath.Join(traceDir, "build-solo.trace"))
}

func TestRejectsNonArgsArgument(t *testing.T) {
	err := execute(t, filepath.Join(t.TempDir(), "whatever.txt"))
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}

func TestWorkspaceConfigIsApplied(t *testing.T) {
	testutil.InstallToolchain(t, nil)
	root := t.TempDir()
	fx := testutil.WriteProject(t, root, testutil.ProjectSpec{Name: "solo", Sources: map[string]string{"A.scala": ""}})

	config := filepath.Join(root, "ws.hcl")
	require.NoError(t, os.WriteFile(config, []byte(`strategy = "bogus"`), 0o644))

	// The workspace value reaches strategy selection...
	err := execute(t, fx.ArgsFile, "--config", config, "--trace-dir", t.TempDir())
	assert.ErrorContains(t, err, "unknown strategy")

	// ...and an explicit flag still wins over it.
	require.NoError(t, execute(t, fx.ArgsFile, "--config", config, "--strategy", "pipeline", "--trace-dir", t.TempDir()))
}

func TestExpandArgs(t *testing.T) {
	t.Run("directory expands recursively", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "b.args"), nil, 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.args"), nil, 0o644))

		files, label, err := expandArgs([]string{root})
		require.NoError(t, err)
		assert.Len(t, files, 2)
		assert.Equal(t, filepath.Base(root), label)
	})

	t.Run("explicit files are literal", func(t *testing.T) {
		files, label, err := expandArgs([]string{"x/core.args", "y/util.args"})
		require.NoError(t, err)
		assert.Equal(t, []string{"x/core.args", "y/util.args"}, files)
		assert.Equal(t, "core", label)
	})

	t.Run("non-args file is rejected", func(t *testing.T) {
		_, _, err := expandArgs([]string{"core.txt"})
		assert.Error(t, err)
	})
}
