package serve

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-serve/inference-serve/serve/procctl"
)

func generatorFactory(gen TokenGenerator) PipelineFactory {
	return func(_ context.Context) (Pipeline, error) { return gen, nil }
}

// startHealthyWorker launches an in-process worker around gen and tears it
// down with the test.
func startHealthyWorker(t *testing.T, gen TokenGenerator, cfg PipelineConfig) *Worker {
	t.Helper()
	w, err := StartWorker(context.Background(), InProcessLauncher(generatorFactory(gen), cfg), WorkerConfig{
		Name:       "test-worker",
		HealthFail: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Shutdown(context.Background()) })
	return w
}

func TestStartWorker_InProcessBecomesHealthy(t *testing.T) {
	// GIVEN an in-process worker over a working pipeline.
	gen := &fakeGenerator{}
	w := startHealthyWorker(t, gen, dynamicConfig(1, 0))

	// THEN it is alive and accepting submissions, end to end.
	require.True(t, w.Queue.IsWorkerAlive())

	fanCtx, fanCancel := context.WithCancel(context.Background())
	defer fanCancel()
	go func() { _ = w.Queue.ResponseWorker(fanCtx) }()

	req := testRequest(0, 2, 3)
	stream, err := w.Queue.Submit(req)
	require.NoError(t, err)
	ctx := recvCtx(t)
	for want := 1; want <= 3; want++ {
		msg, err := stream.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, msg.NextToken)
	}
	_, err = stream.Recv(ctx)
	assert.Equal(t, io.EOF, err)

	// WHEN shut down, the worker exits cleanly.
	require.NoError(t, w.Shutdown(context.Background()))
	assert.Eventually(t, func() bool { return !w.Queue.IsWorkerAlive() },
		2*time.Second, 10*time.Millisecond)
}

func TestStartWorker_DeadBeforeHealthyIsStartupFailure(t *testing.T) {
	// GIVEN a worker body that exits without ever reporting started.
	launch := func(pc *procctl.ProcessControl, channels *Channels) (procctl.Process, error) {
		return procctl.StartGoroutine(func(ctx context.Context) {}), nil
	}

	_, err := StartWorker(context.Background(), launch, WorkerConfig{Name: "stillborn", HealthFail: time.Second})
	assert.ErrorIs(t, err, ErrStartupFailure)
	assert.Contains(t, err.Error(), "died")
}

func TestStartWorker_NeverHealthyIsStartupTimeout(t *testing.T) {
	// GIVEN a worker that stays alive but never reports started.
	launch := func(pc *procctl.ProcessControl, channels *Channels) (procctl.Process, error) {
		return procctl.StartGoroutine(func(ctx context.Context) { <-ctx.Done() }), nil
	}

	_, err := StartWorker(context.Background(), launch, WorkerConfig{
		Name:       "silent",
		Timeout:    50 * time.Millisecond,
		HealthFail: time.Second,
	})
	assert.ErrorIs(t, err, ErrStartupTimeout)
}

func TestStartWorker_LaunchErrorPropagates(t *testing.T) {
	boom := errors.New("no GPU")
	launch := func(pc *procctl.ProcessControl, channels *Channels) (procctl.Process, error) {
		return nil, boom
	}

	_, err := StartWorker(context.Background(), launch, WorkerConfig{Name: "broken"})
	assert.ErrorIs(t, err, boom)
}

func TestRunWorker_FactoryErrorSurfaces(t *testing.T) {
	pc := procctl.New("test-worker", time.Second)
	factory := func(_ context.Context) (Pipeline, error) { return nil, errors.New("weights missing") }

	err := RunWorker(context.Background(), pc, factory, dynamicConfig(1, 0), NewChannels())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model factory")
	assert.False(t, pc.IsStarted())
}

func TestRunWorker_UnknownPipelineKindRejected(t *testing.T) {
	pc := procctl.New("test-worker", time.Second)
	factory := func(_ context.Context) (Pipeline, error) { return struct{}{}, nil }

	err := RunWorker(context.Background(), pc, factory, dynamicConfig(1, 0), NewChannels())
	assert.Error(t, err)
}

func TestWorker_SupervisorResolvesWhenProcessDies(t *testing.T) {
	gen := &fakeGenerator{}
	w := startHealthyWorker(t, gen, dynamicConfig(1, 0))

	// WHEN the process is killed out from under the supervisor.
	require.NoError(t, w.Monitor.Process().Kill())

	// THEN supervision notices and resolves.
	select {
	case <-w.SupervisorDone():
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not resolve after worker death")
	}
	assert.False(t, w.Queue.IsWorkerAlive())
}

func TestWorkerConfig_Defaults(t *testing.T) {
	cfg := DefaultWorkerConfig()
	assert.Contains(t, cfg.Name, "MODEL_")
	assert.Equal(t, 20*time.Minute, cfg.Timeout)
	assert.Equal(t, 5*time.Second, cfg.HealthFail)

	// Explicit values survive.
	custom := WorkerConfig{Name: "m", Timeout: time.Minute, HealthFail: time.Second}.withDefaults()
	assert.Equal(t, WorkerConfig{Name: "m", Timeout: time.Minute, HealthFail: time.Second}, custom)
}
