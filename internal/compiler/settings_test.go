package compiler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArgsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proj.args")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseArgsFile(t *testing.T) {
	dir := t.TempDir()
	cp := strings.Join([]string{filepath.Join(dir, "a"), filepath.Join(dir, "b")}, string(filepath.ListSeparator))
	content := strings.Join([]string{
		"-d", filepath.Join(dir, "out"),
		"-classpath", cp,
		"-Ymacro-classpath", filepath.Join(dir, "macros"),
		"-Xplugin", filepath.Join(dir, "plugin.jar"),
		"-deprecation",
		filepath.Join(dir, "A.scala"),
		filepath.Join(dir, "B.java"),
	}, "\n")

	s, err := ParseArgsFile(writeArgsFile(t, content))
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(s.OutputDir))
	require.Len(t, s.Classpath, 2)
	assert.True(t, strings.HasSuffix(s.Classpath[0], "a"))
	require.Len(t, s.MacroClasspath, 1)
	require.Len(t, s.PluginClasspath, 1)
	require.Len(t, s.SourceFiles, 2)
	assert.Equal(t, []string{"-deprecation"}, s.Rest)
}

func TestParseArgsFileRequiresOutputDir(t *testing.T) {
	_, err := ParseArgsFile(writeArgsFile(t, "A.scala"))
	assert.ErrorContains(t, err, "missing -d")
}

func TestParseArgsFileMissingOptionValue(t *testing.T) {
	_, err := ParseArgsFile(writeArgsFile(t, "-d out -classpath"))
	assert.ErrorContains(t, err, "missing its value")
}

func TestParseArgsFileMissingFile(t *testing.T) {
	_, err := ParseArgsFile(filepath.Join(t.TempDir(), "nope.args"))
	assert.Error(t, err)
}

func TestParseArgsFileExpandsWildcards(t *testing.T) {
	dir := t.TempDir()
	libDir := filepath.Join(dir, "lib")
	require.NoError(t, os.MkdirAll(libDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(libDir, "one.jar"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(libDir, "two.jar"), nil, 0o644))

	content := "-d " + filepath.Join(dir, "out") + "\n-classpath " + filepath.Join(libDir, "*") + "\n"
	s, err := ParseArgsFile(writeArgsFile(t, content))
	require.NoError(t, err)
	require.Len(t, s.Classpath, 2)
	assert.True(t, strings.HasSuffix(s.Classpath[0], "one.jar"))
	assert.True(t, strings.HasSuffix(s.Classpath[1], "two.jar"))
}
