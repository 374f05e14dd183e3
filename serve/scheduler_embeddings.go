// Worker-side scheduler for embeddings pipelines. Each request yields
// exactly one response, so batching reduces to dynamic formation with a
// single execution per batch.

package serve

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-serve/inference-serve/serve/procctl"
)

// EmbeddingsScheduler batches embeddings requests up to the configured
// size and emits one terminal response per member.
type EmbeddingsScheduler struct {
	pc       *procctl.ProcessControl
	pipeline EmbeddingsGenerator
	cfg      BatchQueueConfig
	channels *Channels

	waitQ     *WaitQueue
	cancelled map[string]time.Time
}

func NewEmbeddingsScheduler(pc *procctl.ProcessControl, pipeline EmbeddingsGenerator, cfg BatchQueueConfig, channels *Channels) *EmbeddingsScheduler {
	return &EmbeddingsScheduler{
		pc:        pc,
		pipeline:  pipeline,
		cfg:       cfg,
		channels:  channels,
		waitQ:     &WaitQueue{},
		cancelled: map[string]time.Time{},
	}
}

func (s *EmbeddingsScheduler) Run(ctx context.Context) error {
	logrus.Infof("embeddings scheduler: running (size=%d)", s.cfg.Size)
	for !s.pc.CancelRequested() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.pc.Heartbeat()
		s.drainCancels()

		if s.waitQ.Len() == 0 {
			wctx, cancel := context.WithTimeout(ctx, idlePoll)
			msg, err := s.channels.Request.Recv(wctx)
			cancel()
			if err != nil {
				continue
			}
			s.waitQ.Enqueue(msg.Request)
		}
		s.fill(ctx)
		s.drainCancels()
		s.encodeBatch(ctx)
	}
	logrus.Infof("embeddings scheduler: cancel requested, stopping")
	return nil
}

// fill waits for a full batch or one timeout expiry, like the dynamic
// token-generation window. Waiting is chopped into idlePoll slices so the
// heartbeat keeps flowing through a long window.
func (s *EmbeddingsScheduler) fill(ctx context.Context) {
	deadline := time.Now().Add(s.cfg.Timeout)
	for s.waitQ.Len() < s.cfg.Size {
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

func (s *EmbeddingsScheduler) encodeBatch(ctx context.Context) {
	batch := make(map[string]*GenerationContext)
	order := make([]string, 0, s.cfg.Size)
	for len(batch) < s.cfg.Size {
		req := s.waitQ.Dequeue()
		if req == nil {
			break
		}
		if _, ok := s.cancelled[req.ID]; ok {
			delete(s.cancelled, req.ID)
			logrus.Debugf("embeddings scheduler: dropped %s, cancelled before its request arrived", req.ID)
			continue
		}
		batch[req.ID] = NewGenerationContext(req)
		order = append(order, req.ID)
	}
	if len(batch) == 0 {
		return
	}
	results, err := s.pipeline.Encode(ctx, batch)
	if err != nil {
		execErr := &BatchExecutionError{Err: err}
		logrus.Errorf("embeddings scheduler: %v; failing %d requests", execErr, len(batch))
		for _, id := range order {
			s.emit(ResponseMessage{ID: id, Error: execErr.Error(), Final: true})
		}
		return
	}
	for _, id := range order {
		vec, ok := results[id]
		if !ok {
			s.emit(ResponseMessage{ID: id, Error: "executor returned no embedding", Final: true})
			continue
		}
		s.emit(ResponseMessage{ID: id, Embedding: vec, Final: true})
	}
}

func (s *EmbeddingsScheduler) drainCancels() {
	for {
		msg, ok := s.channels.Cancel.TryRecv()
		if !ok {
			break
		}
		if s.waitQ.Remove(msg.ID) {
			logrus.Debugf("embeddings scheduler: cancelled %s while pending", msg.ID)
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

func (s *EmbeddingsScheduler) emit(msg ResponseMessage) {
	if err := s.channels.Response.Send(msg); err != nil {
		logrus.Warnf("embeddings scheduler: response channel closed, dropping message for %s", msg.ID)
	}
}
