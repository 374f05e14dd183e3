package cmd

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-serve/inference-serve/serve"
	"github.com/inference-serve/inference-serve/serve/ipc"
	"github.com/inference-serve/inference-serve/serve/procctl"
)

var (
	// CLI flags for the controller
	configPath      string        // Pipeline config YAML path
	workerName      string        // Worker name override
	workerTimeout   time.Duration // Max worker lifetime
	healthFail      time.Duration // Heartbeat staleness threshold
	inProcess       bool          // Run the worker on a goroutine instead of a subprocess
	ipcDir          string        // Directory for the ipc:// socket files
	demoPrompts     int           // Demo requests submitted after startup
	demoPromptLen   int           // Tokens per demo prompt
	batchSize       int           // Batch size when no config file is given
	batchTimeout    time.Duration // Batch formation timeout when no config file is given
	strategyName    string        // Batching strategy when no config file is given
	maxForwardSteps int           // Forward steps per cycle when no config file is given
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the controller and its model worker",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := resolvePipelineConfig()
		if err != nil {
			logrus.Fatalf("Failed to load pipeline config: %v", err)
		}

		wcfg := serve.DefaultWorkerConfig()
		if workerName != "" {
			wcfg.Name = workerName
		}
		wcfg.Timeout = workerTimeout
		wcfg.HealthFail = healthFail

		launch, cleanup := buildLauncher(cfg, wcfg)
		defer cleanup()

		worker, err := serve.StartWorker(context.Background(), launch, wcfg)
		if err != nil {
			logrus.Fatalf("Worker startup failed: %v", err)
		}
		defer worker.Shutdown(context.Background())

		pipeline := serve.NewTokenGeneratorPipeline("demo", &demoTokenizer{}, worker)
		if err := pipeline.Start(); err != nil {
			logrus.Fatalf("Pipeline startup failed: %v", err)
		}
		defer pipeline.Stop()

		runDemo(pipeline)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			logrus.Infof("Received %v, shutting down", s)
		case err := <-worker.SupervisorDone():
			logrus.Errorf("Worker supervisor exited: %v", err)
		}
	},
}

func resolvePipelineConfig() (serve.PipelineConfig, error) {
	if configPath != "" {
		return serve.LoadPipelineConfig(configPath)
	}
	cfg := serve.PipelineConfig{
		TokenGeneration: serve.BatchQueueConfig{
			Strategy:        serve.BatchingStrategy(strategyName),
			Size:            batchSize,
			Timeout:         batchTimeout,
			MaxForwardSteps: maxForwardSteps,
		},
	}
	return cfg, cfg.Validate()
}

// buildLauncher returns the worker launcher plus a cleanup for whatever
// transport it opened.
func buildLauncher(cfg serve.PipelineConfig, wcfg serve.WorkerConfig) (serve.WorkerLauncher, func()) {
	if inProcess {
		return serve.InProcessLauncher(demoFactory, cfg), func() {}
	}

	eps := ipc.DefaultEndpoints(ipcDir, wcfg.Name)
	var bridge *ipc.ControllerBridge
	launch := func(pc *procctl.ProcessControl, channels *serve.Channels) (procctl.Process, error) {
		bridge = ipc.NewControllerBridge(eps, channels, pc)
		if err := bridge.Start(); err != nil {
			return nil, err
		}
		args := []string{
			"worker",
			"--log-level", logLevel,
			"--name", wcfg.Name,
			"--health-fail", healthFail.String(),
			"--request", eps.Request,
			"--response", eps.Response,
			"--cancel", eps.Cancel,
			"--health", eps.Health,
		}
		if configPath != "" {
			args = append(args, "--config", configPath)
		} else {
			args = append(args,
				"--strategy", strategyName,
				"--size", strconv.Itoa(batchSize),
				"--batch-timeout", batchTimeout.String(),
				"--max-forward-steps", strconv.Itoa(maxForwardSteps),
			)
		}
		sub := exec.Command(os.Args[0], args...)
		sub.Stdout = os.Stdout
		sub.Stderr = os.Stderr
		return procctl.StartExec(sub)
	}
	cleanup := func() {
		if bridge != nil {
			bridge.Stop()
		}
	}
	return launch, cleanup
}

// runDemo exercises the full path with a few synthetic prompts.
func runDemo(pipeline *serve.TokenGeneratorPipeline) {
	for i := 0; i < demoPrompts; i++ {
		tokens := make([]int, demoPromptLen)
		for j := range tokens {
			tokens[j] = i*demoPromptLen + j + 1
		}
		req := serve.NewRequest(i, tokens, serve.SamplingParams{MaxNewTokens: demoPromptLen + 1})
		outs, err := pipeline.AllTokens(context.Background(), req)
		if err != nil {
			logrus.Errorf("Demo request %d failed: %v", i, err)
			continue
		}
		logrus.Infof("Demo request %d: %q", i, joinOutputs(outs))
	}
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Pipeline config YAML path")
	serveCmd.Flags().StringVar(&workerName, "worker-name", "", "Worker name (default MODEL_<uuid>)")
	serveCmd.Flags().DurationVar(&workerTimeout, "worker-timeout", 20*time.Minute, "Max worker lifetime before forced failure")
	serveCmd.Flags().DurationVar(&healthFail, "health-fail", 5*time.Second, "Heartbeat staleness threshold")
	serveCmd.Flags().BoolVar(&inProcess, "in-process", false, "Run the worker on a goroutine instead of a subprocess")
	serveCmd.Flags().StringVar(&ipcDir, "ipc-dir", os.TempDir(), "Directory for the ipc:// socket files")
	serveCmd.Flags().IntVar(&demoPrompts, "demo-prompts", 3, "Demo requests submitted after startup")
	serveCmd.Flags().IntVar(&demoPromptLen, "demo-prompt-len", 8, "Tokens per demo prompt")
	serveCmd.Flags().IntVar(&batchSize, "size", 8, "Max batch size when --config is not given")
	serveCmd.Flags().DurationVar(&batchTimeout, "batch-timeout", 100*time.Millisecond, "Batch formation timeout when --config is not given")
	serveCmd.Flags().StringVar(&strategyName, "strategy", string(serve.StrategyContinuous), "Batching strategy when --config is not given")
	serveCmd.Flags().IntVar(&maxForwardSteps, "max-forward-steps", 1, "Forward steps per scheduling cycle when --config is not given")
	rootCmd.AddCommand(serveCmd)
}
