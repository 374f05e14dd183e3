// Batch queue configuration: strategy selection, sizing, timeout, and the
// optional token budget that caps admission by aggregate sequence length.

package serve

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BatchingStrategy selects how the worker-side scheduler forms batches.
type BatchingStrategy string

const (
	// StrategyDynamic closes each batch at formation and runs it to
	// completion before accepting new members.
	StrategyDynamic BatchingStrategy = "dynamic"
	// StrategyContinuous lets new requests join an in-flight batch between
	// forward steps.
	StrategyContinuous BatchingStrategy = "continuous"
	// StrategyPaged is continuous batching with paged KV block allocation
	// gating admission.
	StrategyPaged BatchingStrategy = "paged"
)

// BatchQueueConfig parameterizes one batch queue.
type BatchQueueConfig struct {
	Strategy BatchingStrategy `yaml:"strategy"`
	// Size is the maximum number of requests per batch. Must be >= 1.
	Size int `yaml:"size"`
	// Timeout is how long to wait before forming a partial batch. A zero
	// timeout under the dynamic strategy still waits exactly one expiry
	// when fewer than Size requests are pending.
	Timeout time.Duration `yaml:"timeout"`
	// MaxForwardSteps bounds the forward steps executed per scheduling
	// cycle. Defaults to 1 when zero.
	MaxForwardSteps int `yaml:"max_forward_steps"`
	// TargetSumSeqLen, when > 0, caps admission by the sum of active
	// sequence lengths rather than request count alone. Must be >= Size
	// when set, otherwise no request class could ever be admitted.
	TargetSumSeqLen int `yaml:"target_sum_seq_len"`
	// KVBlocks and KVBlockSize set the paged allocator geometry. Used only
	// by StrategyPaged; zero values take the defaults below.
	KVBlocks    int `yaml:"kv_blocks"`
	KVBlockSize int `yaml:"kv_block_size"`
}

const (
	defaultKVBlocks    = 2048
	defaultKVBlockSize = 16
)

// UnmarshalYAML accepts the timeout as float seconds (e.g. 0.1), the
// convention batch configs use everywhere else in this system.
func (c *BatchQueueConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig struct {
		Strategy        BatchingStrategy `yaml:"strategy"`
		Size            int              `yaml:"size"`
		Timeout         float64          `yaml:"timeout"`
		MaxForwardSteps int              `yaml:"max_forward_steps"`
		TargetSumSeqLen int              `yaml:"target_sum_seq_len"`
		KVBlocks        int              `yaml:"kv_blocks"`
		KVBlockSize     int              `yaml:"kv_block_size"`
	}
	var r rawConfig
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = BatchQueueConfig{
		Strategy:        r.Strategy,
		Size:            r.Size,
		Timeout:         time.Duration(r.Timeout * float64(time.Second)),
		MaxForwardSteps: r.MaxForwardSteps,
		TargetSumSeqLen: r.TargetSumSeqLen,
		KVBlocks:        r.KVBlocks,
		KVBlockSize:     r.KVBlockSize,
	}
	return nil
}

func (c BatchQueueConfig) kvBlocks() int {
	if c.KVBlocks <= 0 {
		return defaultKVBlocks
	}
	return c.KVBlocks
}

func (c BatchQueueConfig) kvBlockSize() int {
	if c.KVBlockSize <= 0 {
		return defaultKVBlockSize
	}
	return c.KVBlockSize
}

// Validate checks the config invariants.
func (c BatchQueueConfig) Validate() error {
	switch c.Strategy {
	case StrategyDynamic, StrategyContinuous, StrategyPaged:
	default:
		return fmt.Errorf("unknown batching strategy %q", c.Strategy)
	}
	if c.Size < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", c.Size)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("batch timeout must be >= 0, got %v", c.Timeout)
	}
	if c.MaxForwardSteps < 0 {
		return fmt.Errorf("max forward steps must be >= 0, got %d", c.MaxForwardSteps)
	}
	if c.TargetSumSeqLen != 0 && c.TargetSumSeqLen < c.Size {
		return fmt.Errorf("target sum seq len %d must be >= batch size %d", c.TargetSumSeqLen, c.Size)
	}
	if c.KVBlocks < 0 || c.KVBlockSize < 0 {
		return fmt.Errorf("kv geometry must be >= 0, got %d blocks x %d tokens", c.KVBlocks, c.KVBlockSize)
	}
	return nil
}

// forwardSteps returns the effective per-cycle step bound.
func (c BatchQueueConfig) forwardSteps() int {
	if c.MaxForwardSteps <= 0 {
		return 1
	}
	return c.MaxForwardSteps
}

// PipelineConfig pairs the token-generation batch queue with an optional
// context-encoding queue placed in front of it. When ContextEncoding is
// nil, prefill and decode share the single token-generation queue.
type PipelineConfig struct {
	TokenGeneration BatchQueueConfig  `yaml:"token_generation"`
	ContextEncoding *BatchQueueConfig `yaml:"context_encoding"`
}

// Validate checks both queues.
func (c PipelineConfig) Validate() error {
	if err := c.TokenGeneration.Validate(); err != nil {
		return fmt.Errorf("token_generation: %w", err)
	}
	if c.ContextEncoding != nil {
		if err := c.ContextEncoding.Validate(); err != nil {
			return fmt.Errorf("context_encoding: %w", err)
		}
	}
	return nil
}

// DynamicHomogeneous builds a single-queue config: requests are dequeued
// into a batch and the whole batch executes until every member completes.
func DynamicHomogeneous(batchSize int, batchTimeout time.Duration, maxForwardSteps int) PipelineConfig {
	return PipelineConfig{
		TokenGeneration: BatchQueueConfig{
			Strategy:        StrategyDynamic,
			Size:            batchSize,
			Timeout:         batchTimeout,
			MaxForwardSteps: maxForwardSteps,
		},
	}
}

// ContinuousHeterogeneous builds a two-queue config: context encoding via
// dynamic batching with a token budget, token generation via continuous
// batching.
func ContinuousHeterogeneous(tgBatchSize, ceBatchSize int, ceBatchTimeout time.Duration, maxForwardSteps, targetCEBatchTokens int) PipelineConfig {
	return PipelineConfig{
		TokenGeneration: BatchQueueConfig{
			Strategy:        StrategyContinuous,
			Size:            tgBatchSize,
			Timeout:         0,
			MaxForwardSteps: maxForwardSteps,
		},
		ContextEncoding: &BatchQueueConfig{
			Strategy:        StrategyDynamic,
			Size:            ceBatchSize,
			Timeout:         ceBatchTimeout,
			TargetSumSeqLen: targetCEBatchTokens,
		},
	}
}

// Paged builds the paged-cache config. Identical shape to
// ContinuousHeterogeneous except token generation admits through the block
// allocator.
func Paged(tgBatchSize, ceBatchSize int, ceBatchTimeout time.Duration, maxForwardSteps, targetCEBatchTokens int) PipelineConfig {
	cfg := ContinuousHeterogeneous(tgBatchSize, ceBatchSize, ceBatchTimeout, maxForwardSteps, targetCEBatchTokens)
	cfg.TokenGeneration.Strategy = StrategyPaged
	return cfg
}

// LoadPipelineConfig reads and validates a PipelineConfig from a YAML file.
func LoadPipelineConfig(path string) (PipelineConfig, error) {
	var cfg PipelineConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read pipeline config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse pipeline config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
