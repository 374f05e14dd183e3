// Worker-side batch scheduler for token generation. Consumes the request
// channel, applies the configured batching policy, executes forward steps,
// and emits one response per active request per step.

package serve

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-serve/inference-serve/serve/kv"
	"github.com/inference-serve/inference-serve/serve/procctl"
)

// idlePoll bounds how long the scheduler blocks waiting for work so the
// heartbeat keeps flowing while idle. Must be well under health_fail_s.
const idlePoll = 50 * time.Millisecond

// defaultMaxNewTokens is the worst-case generation length assumed for paged
// block allocation when a request does not cap MaxNewTokens.
const defaultMaxNewTokens = 512

// cancelTombstoneTTL bounds how long a cancel naming a not-yet-seen id is
// remembered. The request and cancel channels carry no ordering relative to
// each other, so a cancel can arrive before its request; the tombstone makes
// the request drop at admission instead of executing. Entries are cleared
// when the request shows up, or expire after the TTL for cancels that raced
// a completion and will never match anything.
const cancelTombstoneTTL = time.Minute

// TokenGenerationScheduler implements the dynamic-immutable, continuous,
// and paged batching strategies over a TokenGenerator pipeline.
type TokenGenerationScheduler struct {
	pc       *procctl.ProcessControl
	pipeline TokenGenerator
	tg       BatchQueueConfig
	ce       *BatchQueueConfig
	channels *Channels

	waitQ     *WaitQueue
	batch     *Batch
	allocator *kv.BlockAllocator
	cancelled map[string]time.Time
}

// NewTokenGenerationScheduler builds the scheduler. Under the paged
// strategy the KV allocator is created from the config geometry.
func NewTokenGenerationScheduler(pc *procctl.ProcessControl, pipeline TokenGenerator, cfg PipelineConfig, channels *Channels) *TokenGenerationScheduler {
	s := &TokenGenerationScheduler{
		pc:        pc,
		pipeline:  pipeline,
		tg:        cfg.TokenGeneration,
		ce:        cfg.ContextEncoding,
		channels:  channels,
		waitQ:     &WaitQueue{},
		batch:     &Batch{},
		cancelled: map[string]time.Time{},
	}
	if s.tg.Strategy == StrategyPaged {
		s.allocator = kv.NewBlockAllocator(s.tg.kvBlocks(), s.tg.kvBlockSize())
	}
	return s
}

// Run is the scheduling loop. It exits cleanly when cancellation is
// requested through the process control, and with an error when the
// context dies or the transport fails.
func (s *TokenGenerationScheduler) Run(ctx context.Context) error {
	logrus.Infof("token generation scheduler: running (strategy=%s, size=%d, steps=%d)",
		s.tg.Strategy, s.tg.Size, s.tg.forwardSteps())
	for !s.pc.CancelRequested() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.pc.Heartbeat()
		// Requests before cancels: a cancel buffered alongside its own
		// request must find that request on the wait queue, not miss it.
		s.drainRequests()
		s.drainCancels()

		if s.batch.Len() == 0 && s.waitQ.Len() == 0 {
			s.awaitWork(ctx)
			continue
		}

		var err error
		if s.tg.Strategy == StrategyDynamic {
			err = s.runDynamicBatch(ctx)
		} else {
			err = s.runContinuousCycle(ctx)
		}
		if err != nil {
			return err
		}
	}
	logrus.Infof("token generation scheduler: cancel requested, stopping")
	s.teardownAll("worker shutting down")
	return nil
}

// awaitWork blocks for the next request, bounded by idlePoll so the outer
// loop keeps heartbeating.
func (s *TokenGenerationScheduler) awaitWork(ctx context.Context) {
	wctx, cancel := context.WithTimeout(ctx, idlePoll)
	defer cancel()
	msg, err := s.channels.Request.Recv(wctx)
	if err != nil {
		return
	}
	s.waitQ.Enqueue(msg.Request)
}

// drainRequests moves every request already sitting on the request channel
// into the wait queue, preserving channel order.
func (s *TokenGenerationScheduler) drainRequests() {
	for {
		msg, ok := s.channels.Request.TryRecv()
		if !ok {
			return
		}
		s.waitQ.Enqueue(msg.Request)
	}
}

// drainCancels applies every pending cancel. A cancelled member emits no
// further responses. A cancel naming an id that is neither pending nor in
// the batch is tombstoned in case its request is still in flight.
func (s *TokenGenerationScheduler) drainCancels() {
	for {
		msg, ok := s.channels.Cancel.TryRecv()
		if !ok {
			break
		}
		if s.waitQ.Remove(msg.ID) {
			logrus.Debugf("scheduler: cancelled %s while pending", msg.ID)
			continue
		}
		if gc := s.batch.Remove(msg.ID); gc != nil {
			s.release(gc)
			logrus.Debugf("scheduler: cancelled %s mid-batch", msg.ID)
			continue
		}
		s.cancelled[msg.ID] = time.Now()
	}
	for id, seen := range s.cancelled {
		if time.Since(seen) > cancelTombstoneTTL {
			delete(s.cancelled, id)
		}
	}
}

// runDynamicBatch forms one immutable batch and executes it until every
// member completes. No member is added mid-flight.
func (s *TokenGenerationScheduler) runDynamicBatch(ctx context.Context) error {
	s.fillWindow(ctx, s.tg)
	s.admit(s.tg)
	for s.batch.Len() > 0 && !s.pc.CancelRequested() {
		s.pc.Heartbeat()
		s.drainCancels()
		if s.batch.Len() == 0 {
			break
		}
		if err := s.step(ctx, s.tg.forwardSteps()); err != nil {
			return err
		}
	}
	return nil
}

// runContinuousCycle performs one continuous-batching cycle: evict, admit,
// run exactly one forward step.
func (s *TokenGenerationScheduler) runContinuousCycle(ctx context.Context) error {
	if s.ce != nil {
		if err := s.runContextEncoding(ctx); err != nil {
			return err
		}
	} else {
		s.admit(s.tg)
	}
	if s.batch.Len() == 0 {
		return nil
	}
	return s.step(ctx, 1)
}

// runContextEncoding forms a dynamic prefill batch per the context-encoding
// config, executes its single prefill step, and folds the survivors into
// the open token-generation batch.
func (s *TokenGenerationScheduler) runContextEncoding(ctx context.Context) error {
	room := s.tg.Size - s.batch.Len()
	if room <= 0 || s.waitQ.Len() == 0 {
		return nil
	}
	ceCfg := *s.ce
	if ceCfg.Size > room {
		ceCfg.Size = room
	}
	if s.waitQ.Len() < ceCfg.Size {
		s.fillWindow(ctx, ceCfg)
	}

	decode := s.batch
	s.batch = &Batch{}
	s.admit(ceCfg)
	prefill := s.batch
	s.batch = decode
	if prefill.Len() == 0 {
		return nil
	}

	byID := prefill.ByID()
	results, err := s.pipeline.NextToken(ctx, byID, 1)
	if execErr := s.checkResults(byID, results, err); execErr != nil {
		s.failMembers(prefill, execErr)
		return nil
	}
	s.applyStep(prefill, results[0])
	for _, gc := range prefill.EvictDone() {
		s.release(gc)
	}
	for _, gc := range prefill.Contexts {
		s.batch.Add(gc)
	}
	return nil
}

// fillWindow waits for Size pending requests or one Timeout expiry,
// whichever comes first. A zero timeout drains whatever is already on the
// channel and returns without polling. Waiting is chopped into idlePoll
// slices so the heartbeat keeps flowing through a long window.
func (s *TokenGenerationScheduler) fillWindow(ctx context.Context, cfg BatchQueueConfig) {
	deadline := time.Now().Add(cfg.Timeout)
	for s.waitQ.Len() < cfg.Size {
		if msg, ok := s.channels.Request.TryRecv(); ok {
			s.waitQ.Enqueue(msg.Request)
			continue
		}
		wait := time.Until(deadline)
		if wait <= 0 || ctx.Err() != nil || s.pc.CancelRequested() {
			return
		}
		s.pc.Heartbeat()
		if wait > idlePoll {
			wait = idlePoll
		}
		wctx, cancel := context.WithTimeout(ctx, wait)
		msg, err := s.channels.Request.Recv(wctx)
		cancel()
		if err != nil {
			continue
		}
		s.waitQ.Enqueue(msg.Request)
	}
}

// admit moves pending requests into the batch in strict submission order,
// up to cfg.Size members and, when the token budget is set, while the sum
// of active sequence lengths stays within it. Admission stops at the first
// request that would exceed the budget; it never skips ahead to a smaller
// request that would fit.
func (s *TokenGenerationScheduler) admit(cfg BatchQueueConfig) {
	for s.batch.Len() < cfg.Size {
		req := s.waitQ.Peek()
		if req == nil {
			return
		}
		if _, ok := s.cancelled[req.ID]; ok {
			delete(s.cancelled, req.ID)
			s.waitQ.Dequeue()
			logrus.Debugf("scheduler: dropped %s, cancelled before its request arrived", req.ID)
			continue
		}
		if cfg.TargetSumSeqLen > 0 && s.batch.SumSeqLen()+len(req.InputTokens) > cfg.TargetSumSeqLen {
			if s.batch.Len() == 0 {
				// would never fit even alone; fail it rather than starve
				// the queue behind it
				s.waitQ.Dequeue()
				s.emit(ResponseMessage{ID: req.ID, Error: fmt.Sprintf("request length %d exceeds token budget %d", len(req.InputTokens), cfg.TargetSumSeqLen), Final: true})
				continue
			}
			return
		}
		gc := NewGenerationContext(req)
		if s.allocator != nil && !s.allocate(gc) {
			return
		}
		s.waitQ.Dequeue()
		s.batch.Add(gc)
	}
}

// allocate reserves worst-case KV blocks for a context under the paged
// strategy. A request that cannot fit even an empty pool is failed
// outright; otherwise admission defers until blocks free up.
func (s *TokenGenerationScheduler) allocate(gc *GenerationContext) bool {
	maxNew := gc.Request.Sampling.MaxNewTokens
	if maxNew <= 0 {
		maxNew = defaultMaxNewTokens
	}
	need := s.allocator.BlocksForTokens(len(gc.Request.InputTokens) + maxNew)
	blocks, ok := s.allocator.Allocate(need)
	if !ok {
		if need > s.allocator.TotalBlocks() {
			// can never fit; fail instead of stalling the queue forever
			s.waitQ.Dequeue()
			s.emit(ResponseMessage{ID: gc.Request.ID, Error: fmt.Sprintf("request needs %d KV blocks, pool holds fewer", need), Final: true})
			return false
		}
		logrus.Debugf("scheduler: deferring %s, %d KV blocks needed, %d free",
			gc.Request.ID, need, s.allocator.FreeBlocks())
		return false
	}
	gc.BlockTable = blocks
	return true
}

// step executes up to numSteps forward steps for the current batch and
// emits a response per active member per executed step. A failed step is
// one fate for the whole batch.
func (s *TokenGenerationScheduler) step(ctx context.Context, numSteps int) error {
	byID := s.batch.ByID()
	results, err := s.pipeline.NextToken(ctx, byID, numSteps)
	if execErr := s.checkResults(byID, results, err); execErr != nil {
		s.failMembers(s.batch, execErr)
		return nil
	}
	for _, stepResults := range results {
		s.applyStep(s.batch, stepResults)
	}
	for _, gc := range s.batch.EvictDone() {
		s.release(gc)
	}
	return nil
}

// checkResults validates an executor return against the batch that was
// submitted. A result map naming an id outside the batch is treated as a
// whole-batch failure, never silently dropped or partially applied.
func (s *TokenGenerationScheduler) checkResults(byID map[string]*GenerationContext, results []map[string]StepResult, err error) *BatchExecutionError {
	if err != nil {
		return &BatchExecutionError{Err: err}
	}
	if len(results) == 0 && len(byID) > 0 {
		return &BatchExecutionError{Err: fmt.Errorf("executor returned no steps for a batch of %d", len(byID))}
	}
	for i, stepResults := range results {
		for id := range stepResults {
			if _, ok := byID[id]; !ok {
				return &BatchExecutionError{Step: i, Err: fmt.Errorf("executor returned result for unknown request %s", id)}
			}
		}
	}
	return nil
}

// applyStep folds one step's results into the batch members, in admission
// order, emitting one response per member that received a token. Members
// that finished on an earlier step of the same call receive nothing.
func (s *TokenGenerationScheduler) applyStep(batch *Batch, stepResults map[string]StepResult) {
	eos := s.pipeline.EOSToken()
	for _, gc := range batch.Contexts {
		if gc.Done() {
			continue
		}
		res, ok := stepResults[gc.Request.ID]
		if !ok {
			continue
		}
		done := gc.Append(res.NextToken, eos)
		s.emit(ResponseMessage{
			ID:        gc.Request.ID,
			NextToken: res.NextToken,
			LogProbs:  res.LogProbs,
			Final:     done,
		})
	}
}

// failMembers tears down every active member of batch and emits one
// terminal error response per affected identifier.
func (s *TokenGenerationScheduler) failMembers(batch *Batch, execErr *BatchExecutionError) {
	logrus.Errorf("scheduler: %v; failing %d requests", execErr, batch.Len())
	for _, gc := range batch.Contexts {
		s.emit(ResponseMessage{ID: gc.Request.ID, Error: execErr.Error(), Final: true})
		s.release(gc)
	}
	batch.Contexts = nil
}

// teardownAll fails everything still in flight or pending at shutdown.
func (s *TokenGenerationScheduler) teardownAll(reason string) {
	for _, gc := range s.batch.Contexts {
		s.emit(ResponseMessage{ID: gc.Request.ID, Error: reason, Final: true})
		s.release(gc)
	}
	s.batch.Contexts = nil
	for req := s.waitQ.Dequeue(); req != nil; req = s.waitQ.Dequeue() {
		if _, ok := s.cancelled[req.ID]; ok {
			delete(s.cancelled, req.ID)
			continue
		}
		s.emit(ResponseMessage{ID: req.ID, Error: reason, Final: true})
	}
}

// release frees executor-private and KV state for a context.
func (s *TokenGenerationScheduler) release(gc *GenerationContext) {
	if err := s.pipeline.Release(context.Background(), gc.Request.ID); err != nil {
		logrus.Warnf("scheduler: release %s: %v", gc.Request.ID, err)
	}
	if s.allocator != nil && len(gc.BlockTable) > 0 {
		s.allocator.Free(gc.BlockTable)
		gc.BlockTable = nil
	}
}

func (s *TokenGenerationScheduler) emit(msg ResponseMessage) {
	if err := s.channels.Response.Send(msg); err != nil {
		logrus.Warnf("scheduler: response channel closed, dropping message for %s", msg.ID)
	}
}
