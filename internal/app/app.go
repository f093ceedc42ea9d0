// Package app wires the driver's components together: it parses the
// project set, builds the dependency graph, allocates the pickle cache and
// runs the scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/vk/buildpipe/internal/compiler"
	"github.com/vk/buildpipe/internal/ctxlog"
	"github.com/vk/buildpipe/internal/export"
	"github.com/vk/buildpipe/internal/graph"
	"github.com/vk/buildpipe/internal/picklecache"
	"github.com/vk/buildpipe/internal/project"
	"github.com/vk/buildpipe/internal/sched"
)

// ErrBuildFailed is returned when any project failed to compile.
var ErrBuildFailed = errors.New("build failed")

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// newLogger builds the app's isolated logger from the validated log-level
// and log-format options. Unknown values were rejected by NewConfig, so
// the zero lookups here only cover the empty defaults.
func newLogger(config *Config, outW io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevels[config.LogLevel]}
	if config.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}

// App encapsulates the driver's dependencies, configuration and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
}

// New is the constructor for the application. It returns a fully
// initialized App with its own isolated logger.
func New(outW io.Writer, config *Config) *App {
	return &App{
		outW:   outW,
		logger: newLogger(config, outW),
		config: config,
	}
}

// Run executes one build. It returns ErrBuildFailed (possibly wrapped)
// when compilation failed, and other errors for setup problems.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	cfg := a.config

	strategy, err := sched.ParseStrategy(cfg.Strategy)
	if err != nil {
		return err
	}
	a.logger.Info("Starting build.",
		"label", cfg.Label,
		"strategy", strategy.String(),
		"projects", len(cfg.ArgsFiles))

	tasks, err := a.loadProjects(ctx)
	if err != nil {
		return err
	}

	g, err := graph.Build(ctx, tasks)
	if err != nil {
		return err
	}
	if err := g.WriteDot(filepath.Join(cfg.TraceDir, "projects.dot")); err != nil {
		return err
	}

	cache, err := picklecache.New(cfg.PickleCache, cfg.UseJar)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			a.logger.Warn("Releasing pickle cache failed.", "error", err)
		}
	}()

	exporter := export.New(cache, compiler.NewPickleExtractor())
	scheduler := sched.New(g, cache, exporter, compiler.NewJavaCompiler(), sched.Options{
		Strategy:    strategy,
		Parallelism: cfg.Parallelism,
		Label:       cfg.Label,
		TraceDir:    cfg.TraceDir,
		StallProbe:  cfg.StallProbe,
	})

	if err := scheduler.Run(ctx); err != nil {
		a.logger.Error("Build failed.", "error", err)
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	a.logger.Info("Build succeeded.", "projects", len(tasks))
	return nil
}

// loadProjects parses every argument file. Option errors are all reported
// before the run aborts; the build continues only if none were flagged.
func (a *App) loadProjects(ctx context.Context) ([]*project.Task, error) {
	var tasks []*project.Task
	invalid := 0
	for _, argsFile := range a.config.ArgsFiles {
		t, err := project.Load(ctx, argsFile)
		if err != nil {
			a.logger.Error("Invalid argument file.", "file", argsFile, "error", err)
			invalid++
			continue
		}
		t.Settings.CacheMacroClassloader = a.config.CacheMacroClassloader
		t.Settings.CachePluginClassloader = a.config.CachePluginClassloader
		tasks = append(tasks, t)
	}
	if invalid > 0 {
		return nil, fmt.Errorf("%d invalid argument file(s)", invalid)
	}
	return tasks, nil
}
