package serve

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startPipeline builds a healthy in-process worker and a started streaming
// pipeline over it, with the self-termination hook replaced by a counter.
func startPipeline(t *testing.T, gen TokenGenerator) (*TokenGeneratorPipeline, *atomic.Int32) {
	t.Helper()
	w := startHealthyWorker(t, gen, dynamicConfig(1, 0))
	p := NewTokenGeneratorPipeline("test-model", &fakeTokenizer{}, w)
	var terminations atomic.Int32
	p.Terminate = func() { terminations.Add(1) }
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p, &terminations
}

func TestPipeline_AllTokensDecodesFullStream(t *testing.T) {
	p, _ := startPipeline(t, &fakeGenerator{})

	out, err := p.AllTokens(context.Background(), testRequest(0, 2, 3))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "t1 ", out[0].DecodedToken)
	assert.Equal(t, "t2 ", out[1].DecodedToken)
	assert.Equal(t, "t3 ", out[2].DecodedToken)
}

func TestPipeline_StartFailsWhenWorkerDead(t *testing.T) {
	gen := &fakeGenerator{}
	w := startHealthyWorker(t, gen, dynamicConfig(1, 0))
	require.NoError(t, w.Shutdown(context.Background()))
	require.Eventually(t, func() bool { return !w.Queue.IsWorkerAlive() },
		2*time.Second, 10*time.Millisecond)

	p := NewTokenGeneratorPipeline("test-model", &fakeTokenizer{}, w)
	assert.ErrorIs(t, p.Start(), ErrWorkerUnavailable)
}

func TestPipeline_CloseBeforeEOFCancelsOnWorker(t *testing.T) {
	// GIVEN a long-running stream.
	gen := &fakeGenerator{stepDelay: func() { time.Sleep(time.Millisecond) }}
	p, _ := startPipeline(t, gen)

	req := testRequest(0, 2, 500)
	stream, err := p.NextToken(context.Background(), req)
	require.NoError(t, err)
	_, err = stream.Recv(recvCtx(t))
	require.NoError(t, err)

	// WHEN the caller abandons it.
	stream.Close()

	// THEN the worker releases the request's executor state.
	require.Eventually(t, func() bool {
		return containsID(gen.releasedIDs(), req.ID)
	}, 5*time.Second, time.Millisecond)

	// AND the pipeline keeps serving subsequent requests.
	out, err := p.AllTokens(context.Background(), testRequest(1, 2, 2))
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestPipeline_StopEndsTasksWithoutTermination(t *testing.T) {
	p, terminations := startPipeline(t, &fakeGenerator{})

	p.Stop()

	assert.Eventually(t, func() bool { return p.taskCount() == 0 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), terminations.Load())
}

func TestPipeline_FatalFanOutFailureTerminatesProcess(t *testing.T) {
	// GIVEN a started pipeline whose response channel dies underneath the
	// fan-out task.
	gen := &fakeGenerator{}
	w := startHealthyWorker(t, gen, dynamicConfig(1, 0))
	p := NewTokenGeneratorPipeline("test-model", &fakeTokenizer{}, w)
	var terminations atomic.Int32
	p.Terminate = func() { terminations.Add(1) }
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)

	w.Queue.channels.Response.Close()

	// THEN fail-fast supervision escalates to process termination.
	assert.Eventually(t, func() bool { return terminations.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Zero(t, p.taskCount())
}

func TestTokenStream_DecodesLogProbCandidates(t *testing.T) {
	// Drive the stream directly over a stub queue so the log-prob payload
	// is exactly controlled.
	channels := NewChannels()
	eq := NewEngineQueue(channels, newStubProc())
	startFanOut(t, eq)

	req := testRequest(0, 2, 1)
	rs, err := eq.Submit(req)
	require.NoError(t, err)
	stream := &TokenStream{req: req, tokenizer: &fakeTokenizer{}, tc: req.ID, rs: rs}

	require.NoError(t, channels.Response.Send(ResponseMessage{
		ID:        req.ID,
		NextToken: 3,
		LogProbs: &LogProbabilities{
			TokenLogProbability: -0.25,
			TopLogProbabilities: map[int]float64{3: -0.25, 7: -1.5},
		},
		Final: true,
	}))

	out, err := stream.Recv(recvCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "t3 ", out.DecodedToken)
	assert.Equal(t, []float64{-0.25}, out.TokenLogProbabilities)
	require.Len(t, out.TopLogProbabilities, 1)
	assert.Equal(t, map[string]float64{"t3 ": -0.25, "t7 ": -1.5}, out.TopLogProbabilities[0])
}
