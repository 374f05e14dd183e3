// Worker-owned mutable state for an in-flight request. A GenerationContext
// is created when the request is admitted into a batch, advanced once per
// forward step, and destroyed when the request completes, errors, or is
// cancelled. It never crosses the process boundary.

package serve

// GenerationContext tracks the per-request execution state on the worker.
type GenerationContext struct {
	Request *Request

	Generated []int // output token ids accumulated so far
	// BlockTable holds the KV block ids allocated to this context under the
	// paged strategy. Empty for the other strategies.
	BlockTable []int

	done bool
}

// NewGenerationContext wraps a freshly admitted request.
func NewGenerationContext(req *Request) *GenerationContext {
	return &GenerationContext{Request: req}
}

// SeqLen is the current total sequence length (prompt + generated).
func (gc *GenerationContext) SeqLen() int {
	return len(gc.Request.InputTokens) + len(gc.Generated)
}

// Append records one generated token and returns whether the context has
// reached a terminal state (EOS hit or MaxNewTokens exhausted).
func (gc *GenerationContext) Append(tokenID int, eosTokenID int) bool {
	gc.Generated = append(gc.Generated, tokenID)
	max := gc.Request.Sampling.MaxNewTokens
	if max > 0 && len(gc.Generated) >= max {
		gc.done = true
	}
	if tokenID == eosTokenID && !gc.Request.Sampling.IgnoreEOS {
		gc.done = true
	}
	return gc.done
}

// Done reports whether the context reached a terminal state.
func (gc *GenerationContext) Done() bool {
	return gc.done
}
