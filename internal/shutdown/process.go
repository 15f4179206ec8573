package shutdown

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// killGrace caps the part of the Terminate timeout spent waiting for a
// process to be reaped after SIGKILL.
const killGrace = 2 * time.Second

// Process is an external process the coordinator can stop.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Terminate sends SIGTERM, waits, then sends SIGKILL. The whole sequence,
// including the reap after SIGKILL, takes at most timeout. It reports whether
// the kill was needed.
func Terminate(p Process, timeout time.Duration) (killed bool, err error) {
	grace := min(killGrace, timeout/4)
	select {
	case <-p.Done():
		return false, nil
	default:
	}

	if err := p.Signal(unix.SIGTERM); err != nil {
		select {
		case <-p.Done():
			return false, nil
		default:
		}
	}

	timer := time.NewTimer(timeout - grace)
	defer timer.Stop()
	select {
	case <-p.Done():
		return false, nil
	case <-timer.C:
	}

	if err := p.Kill(); err != nil {
		select {
		case <-p.Done():
			return true, nil
		default:
			return true, fmt.Errorf("kill pid %d: %w", p.Pid(), err)
		}
	}
	select {
	case <-p.Done():
		return true, nil
	case <-time.After(grace):
		return true, fmt.Errorf("pid %d not reaped %s after SIGKILL", p.Pid(), grace)
	}
}

// Subprocess wraps a started exec.Cmd in its own process group so signals
// reach any children it spawns. It owns cmd.Wait.
type Subprocess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// StartSubprocess starts cmd in a new process group.
func StartSubprocess(cmd *exec.Cmd) (*Subprocess, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	sp := &Subprocess{cmd: cmd, done: make(chan struct{})}
	go func() {
		sp.err = cmd.Wait()
		close(sp.done)
	}()
	return sp, nil
}

func (s *Subprocess) Pid() int {
	return s.cmd.Process.Pid
}

// Signal delivers sig to the whole process group.
func (s *Subprocess) Signal(sig os.Signal) error {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return s.cmd.Process.Signal(sig)
	}
	if err := unix.Kill(-s.Pid(), sysSig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

func (s *Subprocess) Kill() error {
	return s.Signal(unix.SIGKILL)
}

func (s *Subprocess) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the process exits and returns its exit error.
func (s *Subprocess) Wait() error {
	<-s.done
	return s.err
}
