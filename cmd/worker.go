package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-serve/inference-serve/serve"
	"github.com/inference-serve/inference-serve/serve/ipc"
	"github.com/inference-serve/inference-serve/serve/procctl"
)

var (
	// CLI flags for the worker subprocess
	wkName            string
	wkConfigPath      string
	wkHealthFail      time.Duration
	wkRequestAddr     string
	wkResponseAddr    string
	wkCancelAddr      string
	wkHealthAddr      string
	wkStrategy        string
	wkSize            int
	wkBatchTimeout    time.Duration
	wkMaxForwardSteps int
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Model worker subprocess entry point",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := resolveWorkerPipelineConfig()
		if err != nil {
			logrus.Fatalf("Worker config: %v", err)
		}

		pc := procctl.New(wkName, wkHealthFail)
		channels := serve.NewChannels()

		eps := ipc.Endpoints{
			Request:  wkRequestAddr,
			Response: wkResponseAddr,
			Cancel:   wkCancelAddr,
			Health:   wkHealthAddr,
		}
		if err := eps.Validate(); err != nil {
			logrus.Fatalf("Worker endpoints: %v", err)
		}
		bridge := ipc.NewWorkerBridge(eps, channels, pc)
		if err := bridge.Start(); err != nil {
			logrus.Fatalf("Worker bridge: %v", err)
		}
		defer bridge.Stop()

		// Cooperative cancellation from the controller arrives as SIGTERM.
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			s := <-sig
			logrus.Infof("Worker received %v, cancelling", s)
			pc.SetCanceled()
		}()

		if err := serve.RunWorker(ctx, pc, demoFactory, cfg, channels); err != nil {
			logrus.Errorf("Worker exited with error: %v", err)
			os.Exit(1)
		}
	},
}

func resolveWorkerPipelineConfig() (serve.PipelineConfig, error) {
	if wkConfigPath != "" {
		return serve.LoadPipelineConfig(wkConfigPath)
	}
	cfg := serve.PipelineConfig{
		TokenGeneration: serve.BatchQueueConfig{
			Strategy:        serve.BatchingStrategy(wkStrategy),
			Size:            wkSize,
			Timeout:         wkBatchTimeout,
			MaxForwardSteps: wkMaxForwardSteps,
		},
	}
	return cfg, cfg.Validate()
}

func init() {
	workerCmd.Flags().StringVar(&wkName, "name", "MODEL", "Worker name")
	workerCmd.Flags().StringVar(&wkConfigPath, "config", "", "Pipeline config YAML path")
	workerCmd.Flags().DurationVar(&wkHealthFail, "health-fail", 5*time.Second, "Heartbeat staleness threshold")
	workerCmd.Flags().StringVar(&wkRequestAddr, "request", "", "Request channel endpoint")
	workerCmd.Flags().StringVar(&wkResponseAddr, "response", "", "Response channel endpoint")
	workerCmd.Flags().StringVar(&wkCancelAddr, "cancel", "", "Cancel channel endpoint")
	workerCmd.Flags().StringVar(&wkHealthAddr, "health", "", "Health channel endpoint")
	workerCmd.Flags().StringVar(&wkStrategy, "strategy", string(serve.StrategyContinuous), "Batching strategy when --config is not given")
	workerCmd.Flags().IntVar(&wkSize, "size", 8, "Max batch size when --config is not given")
	workerCmd.Flags().DurationVar(&wkBatchTimeout, "batch-timeout", 100*time.Millisecond, "Batch formation timeout when --config is not given")
	workerCmd.Flags().IntVar(&wkMaxForwardSteps, "max-forward-steps", 1, "Forward steps per scheduling cycle when --config is not given")
	rootCmd.AddCommand(workerCmd)
}
