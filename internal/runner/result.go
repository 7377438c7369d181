package runner

import "time"

// Request is an assembled execution request. It is not modified by the runner.
type Request struct {
	Script  string            // text written to the shell's stdin
	Cwd     string            // working directory; empty inherits the runner's
	Env     map[string]string // overrides on top of the process environment
	Timeout time.Duration     // zero falls back to the runner's default
}

// Result holds the outcome of a shell that ran to completion.
// A nonzero ExitCode is still a Result, not a Failure.
type Result struct {
	ExecutionID string        // unique identifier for this execution
	ExitCode    int           // process exit code; 1 when killed by a signal
	Stdout      string        // accumulated stdout (may be truncated)
	Stderr      string        // accumulated stderr (may be truncated)
	Truncated   bool          // true if either stream exceeded the size cap
	TimedOut    bool          // only set when timeouts fold into results
	Signal      string        // signal that terminated the shell, if any
	Duration    time.Duration // wall clock from spawn to exit
}
