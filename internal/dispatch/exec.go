package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// execute runs proto to completion. It never fails: every outcome is folded
// into the Result.
func (d *Dispatcher) execute(id JobID, proto Command) Result {
	ctx := d.ctx
	result := Result{Command: proto}

	if proto.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.WaitDelay = d.waitDelay

	// os/exec copies both pipes in its own goroutines
	var stdout bytes.Buffer
	stderr := &lineWriter{}
	if d.stderrFunc != nil {
		stderr.fn = func(line string) {
			d.stderrFunc(ctx, id, line)
		}
	}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		result.Stopped = time.Now().UTC()
		result.Err = err
		result.ExitCode = ExitLaunchFailed
		if d.ctx.Err() != nil {
			result.ExitCode = ExitCanceled
		}
		result.Stderr = []string{fmt.Sprintf("failed to launch %s: %v", proto.Path, err)}
		slog.DebugContext(ctx, "job launch failed", "job_id", id.String(), "path", proto.Path, "error", err)
		return result
	}

	err := cmd.Wait()
	result.Stopped = time.Now().UTC()
	result.Err = err
	result.ExitCode = cmd.ProcessState.ExitCode()
	result.Stdout = splitLines(stdout.Bytes())
	result.Stderr = stderr.Lines()

	if result.ExitCode == 0 || ctx.Err() == nil {
		return result
	}
	// the process was killed through ctx
	switch {
	case d.ctx.Err() != nil:
		result.ExitCode = ExitCanceled
		result.Stderr = append(result.Stderr, "job canceled: "+d.ctx.Err().Error())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = ExitTimedOut
		result.Stderr = append(result.Stderr, "job killed after timeout "+proto.Timeout.String())
	}
	return result
}
