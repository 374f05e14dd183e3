// Controller-side streaming pipeline: wraps tokenizer decode around engine
// queue responses and owns the background fan-out task under fail-fast
// supervision.

package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// TokenGeneratorOutput is one decoded output event.
type TokenGeneratorOutput struct {
	DecodedToken          string
	TokenLogProbabilities []float64
	// TopLogProbabilities maps decoded candidate text -> log-probability,
	// one map per output token that carried a payload.
	TopLogProbabilities []map[string]float64
}

// TokenGeneratorPipeline is the per-model streaming surface. It owns a set
// of background tasks, minimally the engine queue fan-out. Supervision is
// fail-fast: if any background task exits with an unhandled error, the
// sibling tasks are cancelled and the whole process is asked to terminate.
// Partial operation with a dead fan-out path would mean silent message
// loss, which is worse than a hard stop.
type TokenGeneratorPipeline struct {
	modelName string
	tokenizer Tokenizer
	worker    *Worker

	// Terminate is invoked on fatal background-task failure. Defaults to
	// SIGTERM against our own process; tests inject a recorder.
	Terminate func()

	mu     sync.Mutex
	cancel context.CancelFunc
	tasks  map[string]struct{}
}

// NewTokenGeneratorPipeline builds the pipeline for a started worker.
func NewTokenGeneratorPipeline(modelName string, tokenizer Tokenizer, worker *Worker) *TokenGeneratorPipeline {
	return &TokenGeneratorPipeline{
		modelName: modelName,
		tokenizer: tokenizer,
		worker:    worker,
		Terminate: func() {
			if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
				logrus.Errorf("failed to signal own termination: %v", err)
			}
		},
		tasks: make(map[string]struct{}),
	}
}

// Start verifies worker liveness and launches the background tasks.
func (p *TokenGeneratorPipeline) Start() error {
	if !p.worker.Queue.IsWorkerAlive() {
		return fmt.Errorf("%s: %w", p.modelName, ErrWorkerUnavailable)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.addTask(ctx, "response-fan-out", p.worker.Queue.ResponseWorker)
	logrus.Infof("%s: started workers: %d tasks", p.modelName, p.taskCount())
	return nil
}

// Stop cancels the background tasks. The worker process itself is stopped
// through Worker.Shutdown, not here.
func (p *TokenGeneratorPipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	logrus.Infof("%s: stopping workers", p.modelName)
}

func (p *TokenGeneratorPipeline) addTask(ctx context.Context, name string, fn func(context.Context) error) {
	p.mu.Lock()
	p.tasks[name] = struct{}{}
	p.mu.Unlock()
	logrus.Infof("%s: task added: %s", p.modelName, name)

	go func() {
		err := fn(ctx)
		p.taskDone(name, err)
	}()
}

// taskDone is the fail-fast sibling policy: any task exit cancels the
// group; an exit that was not a plain cancellation escalates to process
// termination.
func (p *TokenGeneratorPipeline) taskDone(name string, err error) {
	p.mu.Lock()
	delete(p.tasks, name)
	remaining := len(p.tasks)
	cancel := p.cancel
	p.mu.Unlock()

	logrus.Infof("%s: task completed: %s, %d remaining", p.modelName, name, remaining)
	if cancel != nil {
		cancel()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logrus.Errorf("%s: task %s failed, stopping server: %v", p.modelName, name, err)
		p.Terminate()
	}
}

func (p *TokenGeneratorPipeline) taskCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// NextToken submits the request and returns its decoded token stream.
func (p *TokenGeneratorPipeline) NextToken(ctx context.Context, req *Request) (*TokenStream, error) {
	tc, err := p.tokenizer.NewContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tokenizer context for %s: %w", req.ID, err)
	}
	rs, err := p.worker.Queue.Submit(req)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("%s [%d]: started", req.ID, req.Index)
	return &TokenStream{
		req:       req,
		tokenizer: p.tokenizer,
		tc:        tc,
		rs:        rs,
		// Tool use requires clean text for the tool parser.
		skipSpecialTokens: len(req.Tools) > 0,
	}, nil
}

// AllTokens collects the full stream for a request.
func (p *TokenGeneratorPipeline) AllTokens(ctx context.Context, req *Request) ([]TokenGeneratorOutput, error) {
	stream, err := p.NextToken(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	var out []TokenGeneratorOutput
	for {
		tok, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, tok)
	}
}

// TokenStream is one request's ordered, cancellable sequence of decoded
// output events. Abandoning the stream (Close before EOF) cancels the
// request on the worker before the sink registration is released.
type TokenStream struct {
	req               *Request
	tokenizer         Tokenizer
	tc                TokenizerContext
	rs                *ResponseStream
	skipSpecialTokens bool
}

// Recv decodes and returns the next output event. io.EOF ends the stream.
func (s *TokenStream) Recv(ctx context.Context) (TokenGeneratorOutput, error) {
	msg, err := s.rs.Recv(ctx)
	if err != nil {
		return TokenGeneratorOutput{}, err
	}

	var tokenLogProbs []float64
	var topLogProbs []map[string]float64
	if lp := msg.LogProbs; lp != nil {
		tokenLogProbs = []float64{lp.TokenLogProbability}
		decoded := make(map[string]float64, len(lp.TopLogProbabilities))
		for tokenID, value := range lp.TopLogProbabilities {
			text, err := s.tokenizer.Decode(ctx, s.tc, tokenID, s.skipSpecialTokens)
			if err != nil {
				return TokenGeneratorOutput{}, fmt.Errorf("decode logprob candidate for %s: %w", s.req.ID, err)
			}
			decoded[text] = value
		}
		topLogProbs = append(topLogProbs, decoded)
	}

	text, err := s.tokenizer.Decode(ctx, s.tc, msg.NextToken, s.skipSpecialTokens)
	if err != nil {
		return TokenGeneratorOutput{}, fmt.Errorf("decode token for %s: %w", s.req.ID, err)
	}
	return TokenGeneratorOutput{
		DecodedToken:          text,
		TokenLogProbabilities: tokenLogProbs,
		TopLogProbabilities:   topLogProbs,
	}, nil
}

// Close abandons the stream; safe after EOF.
func (s *TokenStream) Close() {
	s.rs.Close()
}
