// Scheduler construction: the worker hosts exactly one scheduler, picked
// by pipeline kind at construction time and never re-checked per request.

package serve

import (
	"context"
	"fmt"

	"github.com/inference-serve/inference-serve/serve/procctl"
)

// Scheduler is the worker-side loop that consumes the request channel,
// forms batches, and emits responses. Run returns when the process control
// requests cancellation or an unrecoverable transport failure occurs.
type Scheduler interface {
	Run(ctx context.Context) error
}

// NewScheduler selects the scheduler for the loaded pipeline: token
// generation or embeddings. Any other pipeline kind is a construction
// error.
func NewScheduler(pc *procctl.ProcessControl, pipeline Pipeline, cfg PipelineConfig, channels *Channels) (Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch p := pipeline.(type) {
	case TokenGenerator:
		return NewTokenGenerationScheduler(pc, p, cfg, channels), nil
	case EmbeddingsGenerator:
		return NewEmbeddingsScheduler(pc, p, cfg.TokenGeneration, channels), nil
	default:
		return nil, fmt.Errorf("invalid pipeline type: %T", pipeline)
	}
}
