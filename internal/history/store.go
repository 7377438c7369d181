// Package history keeps records of shell executions so results can be
// fetched after the originating tool call has returned.
package history

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Load when no record exists for an ID.
var ErrNotFound = errors.New("execution not found")

// Status is the lifecycle state of an execution.
type Status string

const (
	// Running means the shell has started and not yet terminated.
	Running Status = "running"
	// Succeeded means the shell exited, with any exit code.
	Succeeded Status = "succeeded"
	// Failed means the shell could not start, timed out, or broke down.
	Failed Status = "failed"
)

// Store persists and retrieves execution records.
type Store interface {
	Save(rec *Record) error
	Load(id string) (*Record, error)
}

// Record is the stored view of one execution.
type Record struct {
	ID            string    `json:"id"`
	Command       string    `json:"command"`
	Digest        string    `json:"digest"`
	Mode          string    `json:"mode"`
	Cwd           string    `json:"cwd,omitempty"`
	Status        Status    `json:"status"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	Truncated     bool      `json:"truncated,omitempty"`
	TimedOut      bool      `json:"timed_out,omitempty"`
	Signal        string    `json:"signal,omitempty"`
	Error         string    `json:"error,omitempty"`
	FailureKind   string    `json:"failure_kind,omitempty"`
	ProgressToken string    `json:"progress_token,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitzero"`
}

// Done reports whether the record has reached a terminal status.
func (r *Record) Done() bool {
	return r.Status == Succeeded || r.Status == Failed
}

// Duration returns the wall time of a finished execution, or the time
// elapsed so far for a running one.
func (r *Record) Duration(now time.Time) time.Duration {
	if r.EndedAt.IsZero() {
		return now.Sub(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Summary is a one-line description of the record for logs.
func (r *Record) Summary() string {
	cmd := r.Command
	if i := strings.IndexByte(cmd, '\n'); i >= 0 {
		cmd = cmd[:i] + " ..."
	}
	if len(cmd) > 60 {
		cmd = cmd[:57] + "..."
	}
	return string(r.Status) + " " + cmd
}

// clone returns a copy callers may mutate without affecting cached state.
func (r *Record) clone() *Record {
	c := *r
	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}
	return &c
}
