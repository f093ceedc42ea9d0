package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/vk/buildpipe/internal/app"
	"github.com/vk/buildpipe/internal/cli"
)

// main is the entrypoint for the buildpipe driver. Exit codes: 0 on
// success, 1 on build failure, 2 on invalid command-line arguments or
// options, -1 on an uncaught worker panic.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "uncaught worker error: %v\n%s", r, debug.Stack())
			os.Exit(-1)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		if !errors.Is(err, app.ErrBuildFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and error
// handling.
func run(args []string) error {
	cmd := cli.NewRootCommand(os.Stdout)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}
