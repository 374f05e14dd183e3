// Controller-side facade over the three protocol channels. Accepts
// concurrent logical requests, writes them onto the request channel, and
// fans responses back to the correct caller by request identity.

package serve

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/inference-serve/inference-serve/serve/internal/util"
	"github.com/inference-serve/inference-serve/serve/procctl"
)

// Channels bundles the three protocol channels for one controller/worker
// pair: request and cancel flow controller->worker, response flows back.
type Channels struct {
	Request  *Channel[RequestMessage]
	Response *Channel[ResponseMessage]
	Cancel   *Channel[CancelMessage]
}

// NewChannels builds an in-memory channel set.
func NewChannels() *Channels {
	return &Channels{
		Request:  NewChannel[RequestMessage](),
		Response: NewChannel[ResponseMessage](),
		Cancel:   NewChannel[CancelMessage](),
	}
}

// EngineQueue multiplexes many logical request streams over the single
// channel pair. The routing table is the only concurrently mutated
// controller-side structure: the submission path inserts, the fan-out task
// and Cancel remove.
type EngineQueue struct {
	channels *Channels
	proc     procctl.Process

	sinks util.SyncMap[string, *Channel[ResponseMessage]]
}

// NewEngineQueue wires a queue to its channels and the worker handle used
// for liveness checks at submission time.
func NewEngineQueue(channels *Channels, proc procctl.Process) *EngineQueue {
	return &EngineQueue{channels: channels, proc: proc}
}

// IsWorkerAlive reports whether the backing worker process is alive.
func (eq *EngineQueue) IsWorkerAlive() bool {
	return eq.proc.IsAlive()
}

// PendingSinks returns the number of registered response sinks.
func (eq *EngineQueue) PendingSinks() int {
	return eq.sinks.Len()
}

// Submit registers the request and writes it to the request channel. The
// returned stream is lazy, finite, and non-restartable. Fails with
// ErrWorkerUnavailable when the worker is not alive at submission time.
func (eq *EngineQueue) Submit(req *Request) (*ResponseStream, error) {
	if !eq.proc.IsAlive() {
		return nil, fmt.Errorf("submit %s: %w", req.ID, ErrWorkerUnavailable)
	}
	sink := NewChannel[ResponseMessage]()
	if _, loaded := eq.sinks.LoadOrStore(req.ID, sink); loaded {
		return nil, fmt.Errorf("submit %s: request id already registered", req.ID)
	}
	if err := eq.channels.Request.Send(RequestMessage{ID: req.ID, Request: req}); err != nil {
		eq.sinks.Delete(req.ID)
		return nil, fmt.Errorf("submit %s: %w", req.ID, ErrWorkerUnavailable)
	}
	logrus.Debugf("engine queue: submitted %s [%d]", req.ID, req.Index)
	return &ResponseStream{id: req.ID, eq: eq, sink: sink}, nil
}

// Cancel writes a cancel message for id and releases its sink. Idempotent:
// calling it again, or after completion, is a no-op. The cancel message is
// sent before the sink registration is released so the worker tears the
// request down even if a response is already in flight.
func (eq *EngineQueue) Cancel(id string) {
	if err := eq.channels.Cancel.Send(CancelMessage{ID: id}); err != nil {
		logrus.Debugf("engine queue: cancel %s: cancel channel closed", id)
	}
	if sink, loaded := eq.sinks.LoadAndDelete(id); loaded {
		sink.Close()
		logrus.Debugf("engine queue: cancelled %s", id)
	}
}

// ResponseWorker is the background fan-out task. It continuously reads the
// response channel and routes each message to its registered sink. A
// message for an unregistered identifier is the expected outcome of a
// cancel/terminal-response race: it is dropped and logged, never fatal.
// Any other exit is fatal to the server; the caller supervises.
func (eq *EngineQueue) ResponseWorker(ctx context.Context) error {
	for {
		msg, err := eq.channels.Response.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("response fan-out: %w", err)
		}
		sink, ok := eq.sinks.Load(msg.ID)
		if !ok {
			logrus.Debugf("engine queue: routing miss for %s, dropped", msg.ID)
			continue
		}
		if err := sink.Send(msg); err != nil {
			// Sink closed by a concurrent Cancel; same race, same outcome.
			logrus.Debugf("engine queue: sink for %s closed, dropped", msg.ID)
			continue
		}
		if msg.Final || msg.Error != "" {
			if s, loaded := eq.sinks.LoadAndDelete(msg.ID); loaded {
				s.Close()
			}
		}
	}
}

// ResponseStream is one request's view of the response channel: the
// messages the fan-out routed to its sink, in worker emission order.
type ResponseStream struct {
	id       string
	eq       *EngineQueue
	sink     *Channel[ResponseMessage]
	terminal bool
}

// ID returns the request identifier this stream belongs to.
func (s *ResponseStream) ID() string { return s.id }

// Recv returns the next response. io.EOF marks a finished stream, whether
// by terminal response or cancellation. A terminal error response is
// surfaced as an error wrapping BatchExecutionError-style text from the
// worker.
func (s *ResponseStream) Recv(ctx context.Context) (ResponseMessage, error) {
	if s.terminal {
		return ResponseMessage{}, io.EOF
	}
	msg, err := s.sink.Recv(ctx)
	if errors.Is(err, ErrChannelClosed) {
		s.terminal = true
		return ResponseMessage{}, io.EOF
	}
	if err != nil {
		return ResponseMessage{}, err
	}
	if msg.Error != "" {
		s.terminal = true
		return ResponseMessage{}, fmt.Errorf("request %s: %s", s.id, msg.Error)
	}
	if msg.Final {
		s.terminal = true
	}
	return msg, nil
}

// Close abandons the stream. If the stream has not reached its terminal
// message, a cancel is sent for the request before the sink registration
// is released. Safe to call after EOF.
func (s *ResponseStream) Close() {
	if s.terminal {
		return
	}
	s.terminal = true
	s.eq.Cancel(s.id)
}
