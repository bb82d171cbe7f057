// SPDX-License-Identifier: MIT

// Package procgroup spawns subprocesses in their own process group and
// terminates the whole group, so that children of a capture or remux tool
// never outlive the daemon.
package procgroup

import (
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/otaku840726/streamlink-webrecorder/internal/metrics"
)

// ErrKillFailed is returned when a process group survives SIGKILL past the timeout.
var ErrKillFailed = errors.New("kill operation failed")

// Set configures the command to start in a new process group.
// Mandatory for KillGroup and Terminate to act as group reapers.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates an entire process group tree: SIGTERM, grace, SIGKILL.
// The process must have been spawned with Set.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}

// Terminate gracefully stops a process group. It sends SIGTERM, waits for the
// process to exit via waitCh, and escalates to SIGKILL after grace. The error
// from waitCh is consumed and returned. Safe to call on nil commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := Kill(cmd, syscall.SIGTERM); err == nil {
		metrics.IncProcTerminate("SIGTERM", "sent")
	} else if alreadyGone(err) {
		metrics.IncProcTerminate("SIGTERM", "esrch")
	} else {
		metrics.IncProcTerminate("SIGTERM", "error")
	}

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

	if err := Kill(cmd, syscall.SIGKILL); err == nil {
		metrics.IncProcTerminate("SIGKILL", "sent")
	} else if alreadyGone(err) {
		metrics.IncProcTerminate("SIGKILL", "esrch")
	} else {
		metrics.IncProcTerminate("SIGKILL", "error")
	}

	// Always drain waitCh; SIGKILL frees a blocked Wait.
	err := <-waitCh
	if err == nil {
		metrics.IncProcWait("forced_exit0")
	} else {
		metrics.IncProcWait("forced_error")
	}
	return err
}

func alreadyGone(err error) bool {
	return err != nil &&
		(strings.Contains(err.Error(), "process already finished") ||
			strings.Contains(err.Error(), "no such process"))
}
