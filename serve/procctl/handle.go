package procctl

import (
	"context"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
)

// GoroutineProcess runs the worker body on a goroutine inside the
// controller's own process. Used by single-binary deployments and tests;
// the Process contract is identical to the OS-process handle.
type GoroutineProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	alive  atomic.Bool
}

// StartGoroutine launches fn and returns its handle. The handle reports
// dead as soon as fn returns, however it returns.
func StartGoroutine(fn func(ctx context.Context)) *GoroutineProcess {
	ctx, cancel := context.WithCancel(context.Background())
	p := &GoroutineProcess{cancel: cancel, done: make(chan struct{})}
	p.alive.Store(true)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.Errorf("in-process worker panicked: %v", r)
			}
			p.alive.Store(false)
			close(p.done)
		}()
		fn(ctx)
	}()
	return p
}

func (p *GoroutineProcess) IsAlive() bool { return p.alive.Load() }

// Kill cancels the worker's context. Cooperative only: the goroutine is
// not preempted, it exits at its next cancellation check.
func (p *GoroutineProcess) Kill() error {
	p.once.Do(p.cancel)
	return nil
}

// Stop is the same cancellation; goroutines have no harder signal.
func (p *GoroutineProcess) Stop() error { return p.Kill() }

// Done exposes the exit channel for tests.
func (p *GoroutineProcess) Done() <-chan struct{} { return p.done }

// ExecProcess wraps an exec.Cmd running the worker subcommand in its own
// OS process.
type ExecProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
}

// StartExec starts cmd and begins reaping it in the background.
func StartExec(cmd *exec.Cmd) (*ExecProcess, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &ExecProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *ExecProcess) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop sends SIGTERM so the worker can exit through its own shutdown path.
func (p *ExecProcess) Stop() error {
	if !p.IsAlive() {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *ExecProcess) Kill() error {
	var err error
	p.once.Do(func() {
		if p.IsAlive() {
			err = p.cmd.Process.Kill()
		}
	})
	return err
}

// ExitError returns the wait result once the process has exited.
func (p *ExecProcess) ExitError() error {
	<-p.done
	return p.err
}
