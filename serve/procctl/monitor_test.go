package procctl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc is a hand-driven process handle.
type fakeProc struct {
	mu    sync.Mutex
	alive bool
	kills int
	stops int
}

func newFakeProc() *fakeProc { return &fakeProc{alive: true} }

func (p *fakeProc) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
	p.kills++
	return nil
}

func (p *fakeProc) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakeProc) die() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
}

func (p *fakeProc) counts() (stops, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops, p.kills
}

func fastMonitor(pc *ProcessControl, proc Process) *ProcessMonitor {
	m := NewMonitor(pc, proc, 0)
	m.Poll = time.Millisecond
	m.UnhealthyPoll = 5 * time.Millisecond
	return m
}

func TestUntilHealthy_ResolvesWhenStarted(t *testing.T) {
	pc := New("w", time.Second)
	m := fastMonitor(pc, newFakeProc())

	go func() {
		time.Sleep(10 * time.Millisecond)
		pc.SetStarted()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.UntilHealthy(ctx))
}

func TestUntilHealthy_ContextBoundsTheWait(t *testing.T) {
	pc := New("w", time.Second)
	m := fastMonitor(pc, newFakeProc())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.UntilHealthy(ctx), context.DeadlineExceeded)
}

func TestUntilDead_ResolvesWhenProcessExits(t *testing.T) {
	pc := New("w", time.Second)
	proc := newFakeProc()
	m := fastMonitor(pc, proc)

	go func() {
		time.Sleep(10 * time.Millisecond)
		proc.die()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.UntilDead(ctx))
}

func TestShutdown_CooperativeExitAvoidsKill(t *testing.T) {
	// GIVEN a worker that exits promptly when asked to stop.
	pc := New("w", time.Second)
	proc := StartGoroutine(func(ctx context.Context) { <-ctx.Done() })
	m := fastMonitor(pc, proc)

	require.NoError(t, m.Shutdown(context.Background()))

	assert.True(t, pc.CancelRequested())
	assert.False(t, proc.IsAlive())
}

func TestShutdown_KillsAfterGraceExpires(t *testing.T) {
	// GIVEN a worker that ignores the cooperative stop.
	pc := New("w", time.Second)
	proc := newFakeProc()
	m := fastMonitor(pc, proc)

	require.NoError(t, m.Shutdown(context.Background()))

	stops, kills := proc.counts()
	assert.Equal(t, 1, stops, "cooperative stop must be attempted first")
	assert.Equal(t, 1, kills)
	assert.True(t, pc.CancelRequested())
}

func TestShutdownIfUnhealthy_TriggersOnDeath(t *testing.T) {
	pc := New("w", time.Second)
	pc.SetStarted()
	proc := newFakeProc()
	m := fastMonitor(pc, proc)

	errCh := make(chan error, 1)
	go func() { errCh <- m.ShutdownIfUnhealthy(context.Background()) }()

	proc.die()
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "died")
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not notice the dead process")
	}
}

func TestShutdownIfUnhealthy_TriggersOnStaleHeartbeat(t *testing.T) {
	// GIVEN a started worker whose heartbeat then stops.
	pc := New("w", 20*time.Millisecond)
	pc.SetStarted()
	proc := newFakeProc()
	m := fastMonitor(pc, proc)

	errCh := make(chan error, 1)
	go func() { errCh <- m.ShutdownIfUnhealthy(context.Background()) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unhealthy")
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not notice the stale heartbeat")
	}
	_, kills := proc.counts()
	assert.Equal(t, 1, kills)
}

func TestShutdownIfUnhealthy_TriggersOnMaxLifetime(t *testing.T) {
	pc := New("w", time.Hour)
	pc.SetStarted()
	proc := newFakeProc()
	m := fastMonitor(pc, proc)
	m.MaxTime = 15 * time.Millisecond

	// Keep the heartbeat fresh so only the lifetime bound can fire.
	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go func() {
		for hbCtx.Err() == nil {
			pc.Heartbeat()
			time.Sleep(time.Millisecond)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- m.ShutdownIfUnhealthy(context.Background()) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lifetime")
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not enforce the lifetime bound")
	}
}

func TestShutdownIfUnhealthy_StopsOnContext(t *testing.T) {
	pc := New("w", time.Second)
	pc.SetStarted()
	m := fastMonitor(pc, newFakeProc())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.ShutdownIfUnhealthy(ctx) }()

	// Heartbeats keep flowing, so nothing trips; only the context ends it.
	pc.Heartbeat()
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor ignored context cancellation")
	}
}

func TestGoroutineProcess_LifecycleAndIdempotentKill(t *testing.T) {
	started := make(chan struct{})
	proc := StartGoroutine(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started
	assert.True(t, proc.IsAlive())

	require.NoError(t, proc.Kill())
	require.NoError(t, proc.Kill())
	<-proc.Done()
	assert.False(t, proc.IsAlive())
}

func TestGoroutineProcess_PanicIsContained(t *testing.T) {
	proc := StartGoroutine(func(ctx context.Context) { panic("worker blew up") })
	<-proc.Done()
	assert.False(t, proc.IsAlive())
}
