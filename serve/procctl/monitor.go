package procctl

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Process is the handle the monitor uses to observe and stop the worker.
// Backed by an OS process in production and by a goroutine in in-process
// deployments and tests.
type Process interface {
	IsAlive() bool
	// Kill forcibly terminates the worker. Idempotent.
	Kill() error
}

// Stopper is implemented by handles that support a cooperative stop ahead
// of Kill (SIGTERM for OS processes, context cancel for goroutines).
type Stopper interface {
	Stop() error
}

// ProcessMonitor polls a worker's liveness and health.
type ProcessMonitor struct {
	pc   *ProcessControl
	proc Process

	// Poll is the healthy-path polling interval.
	Poll time.Duration
	// UnhealthyPoll is the interval for the post-startup supervisor loop.
	UnhealthyPoll time.Duration
	// MaxTime bounds the worker's total lifetime; zero means unbounded.
	MaxTime time.Duration
}

// NewMonitor builds a monitor with the default polling cadence.
func NewMonitor(pc *ProcessControl, proc Process, maxTime time.Duration) *ProcessMonitor {
	return &ProcessMonitor{
		pc:            pc,
		proc:          proc,
		Poll:          10 * time.Millisecond,
		UnhealthyPoll: 200 * time.Millisecond,
		MaxTime:       maxTime,
	}
}

func (m *ProcessMonitor) Control() *ProcessControl { return m.pc }
func (m *ProcessMonitor) Process() Process         { return m.proc }

// UntilHealthy blocks until the health record reports healthy.
func (m *ProcessMonitor) UntilHealthy(ctx context.Context) error {
	return m.pollUntil(ctx, m.Poll, func() bool { return m.pc.IsHealthy() })
}

// UntilDead blocks until the worker process is no longer alive.
func (m *ProcessMonitor) UntilDead(ctx context.Context) error {
	return m.pollUntil(ctx, m.Poll, func() bool { return !m.proc.IsAlive() })
}

func (m *ProcessMonitor) pollUntil(ctx context.Context, interval time.Duration, cond func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops the worker: request cooperative cancellation, wait briefly
// for a clean exit, then kill whatever is left. Idempotent.
func (m *ProcessMonitor) Shutdown(ctx context.Context) error {
	m.pc.SetCanceled()
	if s, ok := m.proc.(Stopper); ok {
		if err := s.Stop(); err != nil {
			logrus.Debugf("%s: cooperative stop: %v", m.pc.Name(), err)
		}
	}

	grace, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.UntilDead(grace); err == nil {
		logrus.Debugf("%s: worker exited cleanly", m.pc.Name())
		return nil
	}
	logrus.Warnf("%s: worker did not exit on cancel, killing", m.pc.Name())
	return m.proc.Kill()
}

// ShutdownIfUnhealthy supervises a started worker: it polls liveness and
// health and proactively shuts the worker down when it is found unhealthy,
// dead, completed, or past its maximum lifetime. Runs until ctx is done or
// a shutdown is triggered.
func (m *ProcessMonitor) ShutdownIfUnhealthy(ctx context.Context) error {
	deadline := time.Time{}
	if m.MaxTime > 0 {
		deadline = time.Now().Add(m.MaxTime)
	}
	ticker := time.NewTicker(m.UnhealthyPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !m.proc.IsAlive() {
			logrus.Errorf("%s: worker process died", m.pc.Name())
			return fmt.Errorf("worker %s died", m.pc.Name())
		}
		if m.pc.IsCompleted() {
			logrus.Infof("%s: worker completed, shutting down", m.pc.Name())
			return m.Shutdown(ctx)
		}
		if !m.pc.IsHealthy() {
			logrus.Errorf("%s: worker unhealthy (state=%s, last heartbeat %v ago), shutting down",
				m.pc.Name(), m.pc.StateNow(), time.Since(m.pc.LastHeartbeat()))
			if err := m.Shutdown(ctx); err != nil {
				return err
			}
			return fmt.Errorf("worker %s unhealthy", m.pc.Name())
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			logrus.Errorf("%s: worker exceeded max lifetime %v, shutting down", m.pc.Name(), m.MaxTime)
			if err := m.Shutdown(ctx); err != nil {
				return err
			}
			return fmt.Errorf("worker %s exceeded max lifetime", m.pc.Name())
		}
	}
}
