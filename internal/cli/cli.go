// Package cli defines the buildpipe command: flag and environment wiring,
// argument-file discovery and exit-code mapping.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vk/buildpipe/internal/app"
	"github.com/vk/buildpipe/internal/compiler"
	"github.com/vk/buildpipe/internal/fsutil"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// defaultWorkspaceFile is picked up from the working directory when no
// --config flag is given.
const defaultWorkspaceFile = "buildpipe.hcl"

// NewRootCommand builds the buildpipe root command.
func NewRootCommand(outW io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buildpipe [flags] <dir | args-file...>",
		Short: "Pipelined parallel build driver",
		Long: `buildpipe compiles a set of projects described by argument files,
overlapping downstream front-end work with upstream back-end work wherever
symbol summaries suffice.

A single directory argument is scanned recursively for ` + compiler.ArgsFileExt + ` files;
any other argument list is taken literally.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, outW, args)
		},
	}

	flags := cmd.Flags()
	flags.String("strategy", "pipeline", "Build strategy: 'pipeline' or 'traditional'.")
	flags.Int("parallelism", 0, "Worker pool size. 0 selects the number of available processors.")
	flags.String("pickle-cache", "", "Persistent pickle cache directory. Empty allocates a temporary cache removed on exit.")
	flags.Bool("use-jar", false, "Package summary artifacts as archives instead of directory trees.")
	flags.Bool("cache-macro-classloader", false, "Forward macro classloader caching to the front end.")
	flags.Bool("cache-plugin-classloader", false, "Forward plugin classloader caching to the front end.")
	flags.String("log-level", "info", "Logging level: 'debug', 'info', 'warn', or 'error'.")
	flags.String("log-format", "text", "Log output format: 'text' or 'json'.")
	flags.String("trace-dir", ".", "Directory for the trace and dependency graph files.")
	flags.String("config", "", "HCL workspace config file. Defaults to "+defaultWorkspaceFile+" when present.")

	return cmd
}

func run(cmd *cobra.Command, outW io.Writer, args []string) error {
	// A .env file supplies BUILDPIPE_* variables; absence is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BUILDPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := applyWorkspaceDefaults(cmd, v); err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	argsFiles, label, err := expandArgs(args)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	config, err := app.NewConfig(app.Config{
		ArgsFiles:              argsFiles,
		Label:                  label,
		Strategy:               v.GetString("strategy"),
		Parallelism:            v.GetInt("parallelism"),
		PickleCache:            v.GetString("pickle-cache"),
		UseJar:                 v.GetBool("use-jar"),
		CacheMacroClassloader:  v.GetBool("cache-macro-classloader"),
		CachePluginClassloader: v.GetBool("cache-plugin-classloader"),
		LogLevel:               v.GetString("log-level"),
		LogFormat:              v.GetString("log-format"),
		TraceDir:               v.GetString("trace-dir"),
	})
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	return app.New(outW, config).Run(cmd.Context())
}

// applyWorkspaceDefaults loads the HCL workspace config, if any, and
// registers its values as viper defaults so flags and environment still
// win.
func applyWorkspaceDefaults(cmd *cobra.Command, v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		if _, err := os.Stat(defaultWorkspaceFile); err != nil {
			return nil
		}
		path = defaultWorkspaceFile
	}

	ws, err := app.LoadWorkspace(path)
	if err != nil {
		return err
	}
	if ws.Strategy != "" {
		v.SetDefault("strategy", ws.Strategy)
	}
	if ws.Parallelism != 0 {
		v.SetDefault("parallelism", ws.Parallelism)
	}
	if ws.PickleCache != "" {
		v.SetDefault("pickle-cache", ws.PickleCache)
	}
	if ws.UseJar {
		v.SetDefault("use-jar", true)
	}
	if ws.CacheMacroClassloader {
		v.SetDefault("cache-macro-classloader", true)
	}
	if ws.CachePluginClassloader {
		v.SetDefault("cache-plugin-classloader", true)
	}
	return nil
}

// expandArgs resolves the positional arguments to the set of argument
// files and derives the run label. A single directory expands to its
// recursive .args listing; everything else is literal.
func expandArgs(args []string) ([]string, string, error) {
	if len(args) == 1 {
		info, err := os.Stat(args[0])
		if err == nil && info.IsDir() {
			files, err := fsutil.FindFiles(args[0], func(name string) bool {
				return strings.HasSuffix(name, compiler.ArgsFileExt)
			})
			if err != nil {
				return nil, "", fmt.Errorf("scanning %s: %w", args[0], err)
			}
			return files, filepath.Base(fsutil.Canonicalize(args[0])), nil
		}
	}

	for _, a := range args {
		if !strings.HasSuffix(a, compiler.ArgsFileExt) {
			return nil, "", fmt.Errorf("argument %s is neither a directory nor a %s file", a, compiler.ArgsFileExt)
		}
	}
	label := strings.TrimSuffix(filepath.Base(args[0]), compiler.ArgsFileExt)
	return args, label, nil
}
