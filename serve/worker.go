// Worker-process lifecycle: the worker body (RunWorker) and the controller
// side that launches it and synchronizes on startup (StartWorker).

package serve

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inference-serve/inference-serve/serve/procctl"
)

// WorkerConfig is the worker-process surface exposed to deployers.
type WorkerConfig struct {
	// Name identifies the worker in logs and health records.
	Name string `yaml:"name"`
	// Timeout is the maximum process lifetime before forced failure.
	Timeout time.Duration `yaml:"timeout_secs"`
	// HealthFail is the heartbeat staleness threshold. It should be longer
	// than the expected inter-token latency.
	HealthFail time.Duration `yaml:"health_fail_s"`
}

// DefaultWorkerConfig mirrors production defaults: a 20 minute lifetime
// bound and a 5 second heartbeat threshold.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{}.withDefaults()
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Name == "" {
		c.Name = "MODEL_" + uuid.NewString()
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Minute
	}
	if c.HealthFail <= 0 {
		c.HealthFail = 5 * time.Second
	}
	return c
}

// WorkerLauncher starts the worker given its health record and channel set,
// returning the process handle the monitor observes. Implementations are
// the in-process goroutine launcher below and the subprocess launcher in
// cmd/.
type WorkerLauncher func(pc *procctl.ProcessControl, channels *Channels) (procctl.Process, error)

// InProcessLauncher runs the worker body on a goroutine in the controller
// process. The channel set and health record are shared directly.
func InProcessLauncher(factory PipelineFactory, cfg PipelineConfig) WorkerLauncher {
	return func(pc *procctl.ProcessControl, channels *Channels) (procctl.Process, error) {
		proc := procctl.StartGoroutine(func(ctx context.Context) {
			if err := RunWorker(ctx, pc, factory, cfg, channels); err != nil {
				logrus.Errorf("%s: worker exited with error: %v", pc.Name(), err)
			}
		})
		return proc, nil
	}
}

// RunWorker is the worker-process body: load the model, select the
// scheduler for the pipeline kind, report started, run, report completed.
func RunWorker(ctx context.Context, pc *procctl.ProcessControl, factory PipelineFactory, cfg PipelineConfig, channels *Channels) error {
	logrus.Infof("%s: starting model worker", pc.Name())

	loadStart := time.Now()
	pipeline, err := factory(ctx)
	if err != nil {
		return fmt.Errorf("model factory: %w", err)
	}
	logrus.Infof("%s: model loaded in %v", pc.Name(), time.Since(loadStart))

	scheduler, err := NewScheduler(pc, pipeline, cfg, channels)
	if err != nil {
		return err
	}
	logrus.Infof("%s: scheduler created for pipeline type %T", pc.Name(), pipeline)

	pc.SetStarted()
	logrus.Infof("%s: started model worker", pc.Name())

	err = scheduler.Run(ctx)

	pc.SetCompleted()
	logrus.Infof("%s: stopped model worker", pc.Name())
	return err
}

// Worker is a started, healthy worker: its engine queue plus the handles
// needed to supervise and stop it.
type Worker struct {
	Queue   *EngineQueue
	Monitor *procctl.ProcessMonitor

	supervise context.CancelFunc
	done      chan error
}

// SupervisorDone resolves when the background unhealthy-shutdown supervisor
// exits, carrying its reason.
func (w *Worker) SupervisorDone() <-chan error { return w.done }

// Shutdown stops supervision and the worker process. Idempotent.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.supervise()
	return w.Monitor.Shutdown(ctx)
}

// StartWorker launches the worker and synchronizes on startup: it races
// "became healthy" against "became dead" under a bound of twice the
// configured lifetime. Only alive+healthy is success; the failure modes
// are distinguished per the error taxonomy. On success a background
// supervisor proactively shuts the worker down if it turns unhealthy.
func StartWorker(ctx context.Context, launch WorkerLauncher, wcfg WorkerConfig) (*Worker, error) {
	wcfg = wcfg.withDefaults()
	pc := procctl.New(wcfg.Name, wcfg.HealthFail)
	channels := NewChannels()

	logrus.Infof("starting worker: %s", wcfg.Name)
	proc, err := launch(pc, channels)
	if err != nil {
		return nil, fmt.Errorf("launch worker %s: %w", wcfg.Name, err)
	}
	monitor := procctl.NewMonitor(pc, proc, wcfg.Timeout)

	// Race the two waits. The outer bound should never be the one that
	// fires, hence the 2x margin.
	raceCtx, cancelRace := context.WithTimeout(ctx, 2*wcfg.Timeout)
	defer cancelRace()
	healthyCh := make(chan error, 1)
	deadCh := make(chan error, 1)
	go func() { healthyCh <- monitor.UntilHealthy(raceCtx) }()
	go func() { deadCh <- monitor.UntilDead(raceCtx) }()

	var raceErr error
	select {
	case raceErr = <-healthyCh:
	case raceErr = <-deadCh:
	}
	cancelRace()
	if raceErr != nil {
		// Neither wait resolved before the bound.
		_ = monitor.Shutdown(context.Background())
		return nil, fmt.Errorf("%w after %v", ErrStartupTimeout, 2*wcfg.Timeout)
	}

	if !proc.IsAlive() {
		_ = monitor.Shutdown(context.Background())
		if pc.IsHealthy() {
			return nil, fmt.Errorf("%w: worker became healthy and died", ErrStartupFailure)
		}
		return nil, fmt.Errorf("%w: worker died", ErrStartupFailure)
	}
	if !pc.IsHealthy() {
		_ = monitor.Shutdown(context.Background())
		return nil, ErrHealthTimeout
	}

	// Alive and healthy.
	logrus.Infof("worker %s healthy", wcfg.Name)
	supCtx, cancelSup := context.WithCancel(context.Background())
	w := &Worker{
		Queue:     NewEngineQueue(channels, proc),
		Monitor:   monitor,
		supervise: cancelSup,
		done:      make(chan error, 1),
	}
	go func() { w.done <- monitor.ShutdownIfUnhealthy(supCtx) }()
	return w, nil
}
