package mcp

import (
	"time"

	"github.com/deixis/shellcommand/internal/history"
	"github.com/deixis/shellcommand/internal/runner"
)

// newRecord describes an execution that has just been started.
func newRecord(exec *runner.Execution, req runner.Request, token string) *history.Record {
	started := exec.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	return &history.Record{
		ID:            exec.ID,
		Command:       req.Script,
		Digest:        exec.Digest,
		Mode:          exec.Mode.String(),
		Cwd:           req.Cwd,
		Status:        history.Running,
		ProgressToken: token,
		StartedAt:     started,
	}
}

// finishRecord returns a copy of rec describing the resolved execution.
// Failures keep whatever output was captured before termination.
func finishRecord(rec *history.Record, exec *runner.Execution, res *runner.Result, err error) *history.Record {
	done := *rec
	done.EndedAt = time.Now()
	if err != nil {
		done.Status = history.Failed
		done.Error = err.Error()
		if f, ok := runner.AsFailure(err); ok {
			done.FailureKind = string(f.Kind)
			done.TimedOut = f.Kind == runner.KindTimeout
		}
		done.Stdout, done.Stderr = exec.Snapshot()
		return &done
	}
	code := res.ExitCode
	done.Status = history.Succeeded
	done.ExitCode = &code
	done.Stdout = res.Stdout
	done.Stderr = res.Stderr
	done.Truncated = res.Truncated
	done.TimedOut = res.TimedOut
	done.Signal = res.Signal
	return &done
}

// save stores rec, logging rather than failing the tool call on error.
func (h *handler) save(rec *history.Record) {
	if err := h.store.Save(rec); err != nil {
		h.log.Warn().Err(err).Str("execution_id", rec.ID).Str("status", string(rec.Status)).Msg("saving execution record")
		return
	}
	h.log.Debug().
		Str("execution_id", rec.ID).
		Str("summary", rec.Summary()).
		Dur("elapsed", rec.Duration(time.Now())).
		Msg("execution recorded")
}
