// Package procctl implements the shared health record and the monitoring
// loop that supervises the model worker process.
//
// The health record follows single-writer-per-field discipline: the worker
// writes (heartbeat, started, completed), the controller's monitor only
// reads. The controller owns exactly one write, the cancel flag, which the
// worker's scheduler polls to exit cleanly. In cross-process deployments
// each side holds its own ProcessControl and the worker's writes are
// replicated to the controller over the heartbeat bridge; the discipline is
// unchanged.
package procctl

import (
	"sync/atomic"
	"time"
)

// State classifies the worker as seen by the monitor.
type State string

const (
	StateStarting  State = "starting"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateCompleted State = "completed"
)

// ProcessControl is the shared, mutable health record.
type ProcessControl struct {
	name       string
	healthFail time.Duration

	started   atomic.Bool
	completed atomic.Bool
	canceled  atomic.Bool
	lastBeat  atomic.Int64 // unix nanoseconds of the last heartbeat
}

// New creates a health record. healthFail is the heartbeat staleness
// threshold beyond which a started worker is judged unhealthy; it should be
// longer than the expected inter-token latency.
func New(name string, healthFail time.Duration) *ProcessControl {
	pc := &ProcessControl{name: name, healthFail: healthFail}
	pc.lastBeat.Store(time.Now().UnixNano())
	return pc
}

func (pc *ProcessControl) Name() string { return pc.name }

// Heartbeat records worker liveness. No further heartbeats are recorded
// once the record is completed.
func (pc *ProcessControl) Heartbeat() {
	if pc.completed.Load() {
		return
	}
	pc.lastBeat.Store(time.Now().UnixNano())
}

// SetStarted marks a successful model load. Written by the worker once.
func (pc *ProcessControl) SetStarted() {
	pc.Heartbeat()
	pc.started.Store(true)
}

// SetCompleted marks a clean worker shutdown, terminal from any state.
func (pc *ProcessControl) SetCompleted() {
	pc.completed.Store(true)
}

// SetCanceled asks the worker to stop. The scheduler loop polls
// CancelRequested between cycles.
func (pc *ProcessControl) SetCanceled() {
	pc.canceled.Store(true)
}

func (pc *ProcessControl) IsStarted() bool      { return pc.started.Load() }
func (pc *ProcessControl) IsCompleted() bool    { return pc.completed.Load() }
func (pc *ProcessControl) CancelRequested() bool { return pc.canceled.Load() }

// LastHeartbeat returns the time of the most recent heartbeat.
func (pc *ProcessControl) LastHeartbeat() time.Time {
	return time.Unix(0, pc.lastBeat.Load())
}

// IsHealthy reports whether the worker has started and its heartbeat is
// fresh. A completed worker is no longer healthy.
func (pc *ProcessControl) IsHealthy() bool {
	if !pc.started.Load() || pc.completed.Load() {
		return false
	}
	return time.Since(pc.LastHeartbeat()) <= pc.healthFail
}

// StateNow classifies the record for logging.
func (pc *ProcessControl) StateNow() State {
	switch {
	case pc.completed.Load():
		return StateCompleted
	case !pc.started.Load():
		return StateStarting
	case pc.IsHealthy():
		return StateHealthy
	default:
		return StateUnhealthy
	}
}

// ApplyStarted, ApplyHeartbeat, and ApplyCompleted replay worker-side
// writes onto a controller-side replica. Used only by the heartbeat bridge.
func (pc *ProcessControl) ApplyStarted()   { pc.SetStarted() }
func (pc *ProcessControl) ApplyHeartbeat() { pc.Heartbeat() }
func (pc *ProcessControl) ApplyCompleted() { pc.SetCompleted() }
