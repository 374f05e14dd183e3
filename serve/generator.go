// External collaborator contracts: the model executor and the tokenizer.
// Everything behind these interfaces (graph compilation, kernels, vocab) is
// opaque to the scheduler core.

package serve

import "context"

// StepResult is the per-request outcome of one forward step.
type StepResult struct {
	NextToken int
	LogProbs  *LogProbabilities
}

// TokenGenerator executes forward steps for a batch of generation contexts.
// NextToken runs up to numSteps steps and returns one map per executed step,
// keyed by request id. Implementations may execute fewer steps (e.g. when
// every member finishes early) but must return at least one element for a
// non-empty batch. An error fails the whole batch.
type TokenGenerator interface {
	NextToken(ctx context.Context, batch map[string]*GenerationContext, numSteps int) ([]map[string]StepResult, error)
	// Release frees any executor-private state held for a request, such as
	// a KV cache handle. Called once per context on teardown.
	Release(ctx context.Context, id string) error
	// EOSToken is the end-of-sequence token id used for termination checks.
	EOSToken() int
}

// EmbeddingsGenerator executes a batch of embeddings requests. Each request
// yields exactly one result.
type EmbeddingsGenerator interface {
	Encode(ctx context.Context, batch map[string]*GenerationContext) (map[string][]float32, error)
}

// Pipeline is the closed set of model pipelines a worker can host: a
// TokenGenerator or an EmbeddingsGenerator. The scheduler kind is selected
// once at worker construction, not re-checked per request.
type Pipeline any

// PipelineFactory loads the model inside the worker process and returns
// its pipeline. Loading is expected to dominate worker startup time.
type PipelineFactory func(ctx context.Context) (Pipeline, error)

// Tokenizer is the decode-side collaborator used by the streaming pipeline.
type Tokenizer interface {
	// NewContext prepares per-request decode state.
	NewContext(ctx context.Context, req *Request) (TokenizerContext, error)
	// Decode renders one token id as text. skipSpecialTokens is set when
	// the request carries tool schemas.
	Decode(ctx context.Context, tc TokenizerContext, tokenID int, skipSpecialTokens bool) (string, error)
}

// TokenizerContext is the tokenizer's per-request decode state, opaque to
// this core.
type TokenizerContext any
