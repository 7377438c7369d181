package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies why an execution produced no Result.
type FailureKind string

const (
	// KindSpawn means the shell never started.
	KindSpawn FailureKind = "spawn"
	// KindTimeout means the shell exceeded its time budget and was killed.
	KindTimeout FailureKind = "timeout"
	// KindRuntime means the OS or the caller ended the execution after spawn.
	KindRuntime FailureKind = "runtime"
)

// Sentinels matched by Failure.Is.
var (
	ErrSpawn   = errors.New("spawn failure")
	ErrTimeout = errors.New("timeout")
	ErrRuntime = errors.New("runtime process error")
)

// Failure is the terminal outcome of an execution that did not run to
// completion. It is distinct from a Result with a nonzero exit code.
type Failure struct {
	Kind  FailureKind
	Cause error
	After time.Duration // time budget that expired; KindTimeout only
}

func (f *Failure) Error() string {
	switch f.Kind {
	case KindTimeout:
		return fmt.Sprintf("command timed out after %dms", f.After.Milliseconds())
	case KindSpawn:
		return fmt.Sprintf("starting shell: %v", f.Cause)
	default:
		return fmt.Sprintf("shell process: %v", f.Cause)
	}
}

func (f *Failure) Unwrap() error { return f.Cause }

// Is reports whether target is the sentinel for f's kind.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrSpawn:
		return f.Kind == KindSpawn
	case ErrTimeout:
		return f.Kind == KindTimeout
	case ErrRuntime:
		return f.Kind == KindRuntime
	}
	return false
}

func spawnFailure(err error) *Failure {
	return &Failure{Kind: KindSpawn, Cause: err}
}

func runtimeFailure(err error) *Failure {
	return &Failure{Kind: KindRuntime, Cause: err}
}

func timeoutFailure(after time.Duration) *Failure {
	return &Failure{Kind: KindTimeout, Cause: context.DeadlineExceeded, After: after}
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
