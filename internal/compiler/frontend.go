package compiler

import (
	"context"
)

// PhasePickler is the phase whose completion marks the
// summary-materialization boundary: after it, every exported symbol's
// signature is available from Summaries.
const PhasePickler = "pickler"

// Reporter is the front end's diagnostic sink.
type Reporter interface {
	HasErrors() bool
	Echo(msg string)
	Flush()
	Finish()
}

// Run is one front-end compilation pass over a set of files.
type Run interface {
	Compile(files []string) error
}

// SymbolSummary is one exported symbol's serialized signature. Owners is
// the symbol's ownership chain, outermost first; BufferID identifies the
// backing buffer so that shared buffers are written only once.
type SymbolSummary struct {
	Name     string
	Owners   []string
	BufferID int
	Data     []byte
}

// FrontEnd is the driver's view of one front-end compiler instance.
// SetPhaseHook must be called before NewRun; the hook receives the name of
// each phase as it completes. Summaries is valid once the hook has observed
// PhasePickler. Close must be called exactly once.
type FrontEnd interface {
	Reporter() Reporter
	SetPhaseHook(hook func(phase string))
	NewRun() Run
	Summaries() []SymbolSummary
	Close() error
}

// Factory constructs a front end from parsed settings. Tests substitute
// this to inject synthetic compilers.
type Factory func(ctx context.Context, settings *Settings) (FrontEnd, error)

// NewFrontEnd is the active front-end factory. The default shells out to
// the external compiler named by the BUILDPIPE_COMPILER environment
// variable.
var NewFrontEnd Factory = newExecFrontEnd
