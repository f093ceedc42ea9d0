package app

import (
	"errors"
	"time"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// ArgsFiles are the project argument files, after directory expansion.
	ArgsFiles []string

	// Label names the run; it is embedded in the trace file name.
	Label string

	Strategy    string
	Parallelism int

	PickleCache            string
	UseJar                 bool
	CacheMacroClassloader  bool
	CachePluginClassloader bool

	LogFormat string
	LogLevel  string
	TraceDir  string

	// StallProbe overrides the progress monitor interval. Zero selects the
	// 60 second default; tests shorten it.
	StallProbe time.Duration
}

// NewConfig validates a Config.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.Label == "" {
		return nil, errors.New("Label is a required configuration field and cannot be empty")
	}

	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		return nil, errors.New("invalid log-format: must be 'text' or 'json'")
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return nil, errors.New("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}

	return &cfg, nil
}
