// Channel message shapes for the controller <-> worker protocol.
//
// Three unidirectional channels connect the controller to exactly one
// worker: request (controller->worker), response (worker->controller),
// cancel (controller->worker). Messages on a single channel arrive in send
// order; nothing is guaranteed across channels. In particular a cancel may
// race a terminal response -- whichever side observes one first treats it
// as authoritative and discards the other.

package serve

// RequestMessage carries one request onto the worker. The msgpack tags
// matter only for the cross-process transport; the in-memory channels move
// the struct as-is.
type RequestMessage struct {
	ID      string   `msgpack:"id"`
	Request *Request `msgpack:"request"`
}

// LogProbabilities is the optional per-token log-probability payload.
type LogProbabilities struct {
	// TokenLogProbability is the log-probability of the chosen token.
	TokenLogProbability float64 `msgpack:"token_log_probability"`
	// TopLogProbabilities maps candidate token id -> log-probability for
	// the top-k candidates of this step.
	TopLogProbabilities map[int]float64 `msgpack:"top_log_probabilities"`
}

// ResponseMessage is emitted by the worker, exactly one per active request
// per forward step. A request that completed, errored, or was cancelled
// emits no further messages.
type ResponseMessage struct {
	ID        string            `msgpack:"id"`
	NextToken int               `msgpack:"next_token"`
	LogProbs  *LogProbabilities `msgpack:"log_probs,omitempty"`
	// Final marks the terminal message for this request.
	Final bool `msgpack:"final"`
	// Error carries a terminal error description; implies Final.
	Error string `msgpack:"error,omitempty"`
	// Embedding carries the result vector for embeddings requests, on
	// their single (terminal) response.
	Embedding []float32 `msgpack:"embedding,omitempty"`
}

// CancelMessage asks the worker to tear down one request. Idempotent:
// sending it more than once, or after completion, is a no-op.
type CancelMessage struct {
	ID string `msgpack:"id"`
}
