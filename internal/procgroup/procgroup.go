// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package procgroup starts child processes as process-group leaders and tears
// down the whole group, so helpers spawned by the fetch tool (ffmpeg) die with it.
package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/vidgate/internal/log"
	"github.com/ManuGH/vidgate/internal/metrics"
)

// Terminate stops a process group: SIGTERM, wait up to grace for waitCh, then SIGKILL.
// It consumes waitCh and returns the process's Wait error.
// It is safe to call on nil commands (returns nil).
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	logger := log.WithComponent("procgroup")

	logger.Debug().Int(log.FieldPID, cmd.Process.Pid).Msg("sending SIGTERM to process group")
	metrics.IncProcTerminate("SIGTERM", signalResult(Kill(cmd, syscall.SIGTERM)))

	select {
	case err := <-waitCh:
		if err == nil {
			metrics.IncProcWait("exit0")
		} else {
			metrics.IncProcWait("exit_nonzero")
		}
		return err
	case <-time.After(grace):
	}

	logger.Warn().Int(log.FieldPID, cmd.Process.Pid).Dur("grace", grace).
		Msg("SIGTERM grace period exceeded, sending SIGKILL to process group")
	metrics.IncProcTerminate("SIGKILL", signalResult(Kill(cmd, syscall.SIGKILL)))

	// SIGKILL cannot be ignored; always drain waitCh so the child is reaped.
	err := <-waitCh
	if err == nil {
		metrics.IncProcWait("forced_exit0")
	} else {
		metrics.IncProcWait("forced_error")
	}
	return err
}

func signalResult(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return "esrch"
	default:
		return "error"
	}
}
