// Package compiler defines the narrow contracts the driver holds with the
// wrapped toolchain: the front-end compiler, the secondary-language
// compiler, and the pickle extractor. The driver never looks inside these;
// it only observes reporters, phase boundaries, and symbol summaries.
package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/buildpipe/internal/fsutil"
)

const (
	// ArgsFileExt is the conventional extension of project argument files.
	ArgsFileExt = ".args"

	// SourceExt is the primary-language source extension.
	SourceExt = ".scala"

	// JavaExt is the secondary-language source extension.
	JavaExt = ".java"

	// StdlibMarker identifies the standard-library project by one of its
	// canonical source files. The stdlib compiles as a single group.
	StdlibMarker = "scala/Predef.scala"
)

// Settings is the parsed form of one argument file. Tokens the driver does
// not recognize are preserved in Rest and forwarded to the front end
// untouched.
type Settings struct {
	ArgsFile        string
	OutputDir       string
	Classpath       []string
	MacroClasspath  []string
	PluginClasspath []string
	SourceFiles     []string
	Rest            []string

	CacheMacroClassloader  bool
	CachePluginClassloader bool
}

// ParseArgsFile tokenizes an argument file and recognizes the options the
// driver needs for dependency analysis: -classpath/-cp, -Ymacro-classpath,
// -Xplugin and -d. Classpath-valued options accept the platform list
// separator; wildcard entries are expanded; every path is canonicalized.
func ParseArgsFile(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading argument file %s: %w", path, err)
	}

	s := &Settings{ArgsFile: path}
	tokens := strings.Fields(string(raw))
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok {
		case "-classpath", "-cp", "--classpath":
			v, err := optionValue(path, tokens, &i)
			if err != nil {
				return nil, err
			}
			s.Classpath = append(s.Classpath, splitClasspath(v)...)
		case "-Ymacro-classpath":
			v, err := optionValue(path, tokens, &i)
			if err != nil {
				return nil, err
			}
			s.MacroClasspath = append(s.MacroClasspath, splitClasspath(v)...)
		case "-Xplugin":
			v, err := optionValue(path, tokens, &i)
			if err != nil {
				return nil, err
			}
			s.PluginClasspath = append(s.PluginClasspath, splitClasspath(v)...)
		case "-d":
			v, err := optionValue(path, tokens, &i)
			if err != nil {
				return nil, err
			}
			s.OutputDir = fsutil.Canonicalize(v)
		default:
			if strings.HasSuffix(tok, SourceExt) || strings.HasSuffix(tok, JavaExt) {
				s.SourceFiles = append(s.SourceFiles, fsutil.Canonicalize(tok))
			} else {
				s.Rest = append(s.Rest, tok)
			}
		}
	}

	if s.OutputDir == "" {
		return nil, fmt.Errorf("argument file %s: missing -d output directory", path)
	}
	return s, nil
}

func optionValue(argsFile string, tokens []string, i *int) (string, error) {
	if *i+1 >= len(tokens) {
		return "", fmt.Errorf("argument file %s: option %s is missing its value", argsFile, tokens[*i])
	}
	*i++
	return tokens[*i], nil
}

// splitClasspath splits a classpath option value, expands wildcard entries
// and canonicalizes the result.
func splitClasspath(value string) []string {
	var out []string
	for _, entry := range filepath.SplitList(value) {
		if entry == "" {
			continue
		}
		for _, expanded := range fsutil.ExpandWildcard(entry) {
			out = append(out, fsutil.Canonicalize(expanded))
		}
	}
	return out
}
