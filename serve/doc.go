// Package serve implements the serving-side scheduler core: it turns a
// pool of incoming generation requests into batched forward-pass
// executions run by an isolated model worker, and streams per-token
// results back to callers.
//
// # Reading Guide
//
// Start with these three files to understand the core:
//   - request.go / context.go: Request (immutable, controller-owned) and
//     GenerationContext (mutable, worker-owned) lifecycles
//   - engine_queue.go: submission, cancellation, and the response fan-out
//     that routes multiplexed messages back to per-request sinks
//   - scheduler_tokengen.go: the worker loop and the batching strategies
//
// # Architecture
//
// A controller process owns the EngineQueue and the streaming pipeline;
// exactly one worker process executes the model. They communicate only
// through three unbounded ordered channels (request, response, cancel)
// plus a shared health record:
//   - channel.go: the in-memory channel; serve/ipc carries the same
//     protocol across the process boundary over ZMQ with msgpack frames
//   - serve/procctl: health record, process handles, and the monitor that
//     classifies the worker as starting/healthy/unhealthy/dead
//   - worker.go: the startup race (healthy vs dead under a bounded
//     timeout) and the worker body
//   - pipeline.go: decode streaming and fail-fast background-task
//     supervision; a dead fan-out path stops the whole server
//   - serve/kv: block allocator gating admission under the paged strategy
//
// # Key Interfaces
//
//   - TokenGenerator / EmbeddingsGenerator: the model executor contract
//   - Tokenizer: decode-side collaborator for the streaming pipeline
//   - Scheduler: worker-side loop, selected once by pipeline kind
//   - procctl.Process: liveness handle (goroutine- or OS-process-backed)
package serve
