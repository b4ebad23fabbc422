package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTimeout applies when a caller's ExecRequest.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// killGrace is the window between SIGTERM and SIGKILL escalation.
const killGrace = 500 * time.Millisecond

// timedOutExitCode is returned in place of a real exit status when a
// command is killed for running past its timeout; it is not a real
// process exit code, only a sentinel the caller can recognize alongside
// the TimedOut flag.
const timedOutExitCode = -1

// runningCmd is a command started by startCommand, with its stdout and
// stderr pipes. startCommand puts the shell in a fresh process group so
// that a timeout kills the whole tree, not just the shell; it returns as
// soon as the process has started.
type runningCmd struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func startCommand(command, workdir string) (*runningCmd, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	if workdir != "" {
		cmd.Dir = workdir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return &runningCmd{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// killGroup escalates from SIGTERM to SIGKILL against the whole process
// group. It races the grace window against done (which receives Wait's
// result) so a process that exits promptly after SIGTERM is never held
// up for the full grace window.
func killGroup(pid int, done <-chan error) {
	pgid := -pid
	unix.Kill(pgid, unix.SIGTERM)
	timer := time.NewTimer(killGrace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}
	unix.Kill(pgid, unix.SIGKILL)
	<-done
}

// execBuffered runs command to completion or until timeout, buffering
// stdout and stderr independently and returning a complete ExecResponse.
func execBuffered(ctx context.Context, command, workdir string, timeout time.Duration) (ExecResponse, error) {
	rc, err := startCommand(command, workdir)
	if err != nil {
		return ExecResponse{}, err
	}

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(&outBuf, rc.stdout) }()
	go func() { defer wg.Done(); io.Copy(&errBuf, rc.stderr) }()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- rc.cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return ExecResponse{
			ExitCode: exitCode(err),
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			TimedOut: false,
		}, nil
	case <-timer.C:
		killGroup(rc.cmd.Process.Pid, done)
		return ExecResponse{
			ExitCode: timedOutExitCode,
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			TimedOut: true,
		}, nil
	case <-ctx.Done():
		killGroup(rc.cmd.Process.Pid, done)
		return ExecResponse{
			ExitCode: timedOutExitCode,
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			TimedOut: true,
		}, nil
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
