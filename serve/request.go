// Defines the Request struct that models an individual inference request
// submitted to the serving scheduler, plus its sampling parameters.

package serve

import (
	"fmt"

	"github.com/google/uuid"
)

// SamplingParams carries the per-request generation knobs. The scheduler
// core never interprets these beyond MaxNewTokens; they ride along to the
// model executor.
type SamplingParams struct {
	Temperature  float64 `yaml:"temperature"`
	TopK         int     `yaml:"top_k"`
	TopP         float64 `yaml:"top_p"`
	MaxNewTokens int     `yaml:"max_new_tokens"`
	IgnoreEOS    bool    `yaml:"ignore_eos"`
	LogProbs     int     `yaml:"log_probs"` // number of top candidates to report, 0 = disabled
}

// ToolSchema describes a tool/function the model may call. Its presence on
// a request makes the pipeline decode with special tokens skipped.
type ToolSchema struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Parameters  string `yaml:"parameters"` // JSON schema, opaque to this core
}

// Request is a single generation request. Immutable once submitted:
// the engine queue owns it from Submit until the terminal response or
// cancellation, and the worker only ever sees a copy carried over the
// request channel.
type Request struct {
	ID    string // unique identifier, assigned at construction
	Index int    // position within the client-side submission stream

	InputTokens []int // prompt token ids
	Sampling    SamplingParams
	Tools       []ToolSchema // optional; nil when tool use is disabled

	// Embeddings marks the request for the embeddings scheduler instead of
	// token generation. Set once at construction, matching the pipeline
	// kind chosen at worker start.
	Embeddings bool
}

// NewRequest builds a request with a fresh uuid identifier.
func NewRequest(index int, inputTokens []int, sampling SamplingParams) *Request {
	return &Request{
		ID:          uuid.NewString(),
		Index:       index,
		InputTokens: inputTokens,
		Sampling:    sampling,
	}
}

func (req *Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, Index: %d, InputTokens: %d)", req.ID, req.Index, len(req.InputTokens))
}
