package corpusbuilder

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/collector/component"
	"go.uber.org/multierr"

	"github.com/deepaksharma/trace-policy-prover/internal/reservoir"
)

// Config defines configuration for the corpus builder processor.
type Config struct {
	// Reservoir controls how completed traces are sampled into the corpus.
	Reservoir reservoir.Config `mapstructure:"reservoir"`

	// TraceBufferMaxSize is the maximum number of incomplete traces held in memory
	TraceBufferMaxSize int `mapstructure:"trace_buffer_max_size"`

	// TraceBufferTimeout is how long a trace may go without new spans before
	// it is considered complete
	TraceBufferTimeout time.Duration `mapstructure:"trace_buffer_timeout"`

	// CheckpointPath is the bolt file snapshots are written to. Empty
	// disables checkpointing.
	CheckpointPath string `mapstructure:"checkpoint_path"`

	// CheckpointInterval is how often the corpus is snapshotted
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`

	// CheckpointRetention is how many snapshots survive a prune
	CheckpointRetention int `mapstructure:"checkpoint_retention"`

	// PruneSchedule is a standard cron expression for pruning old snapshots.
	// Empty disables pruning.
	PruneSchedule string `mapstructure:"prune_schedule"`
}

var _ component.Config = (*Config)(nil)

// Validate checks if the processor configuration is valid
func (cfg *Config) Validate() error {
	var errs error
	if err := cfg.Reservoir.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("reservoir: %w", err))
	}
	if cfg.TraceBufferMaxSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("trace_buffer_max_size must be greater than 0, got %d", cfg.TraceBufferMaxSize))
	}
	if cfg.TraceBufferTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("trace_buffer_timeout must be positive, got %s", cfg.TraceBufferTimeout))
	}

	if cfg.CheckpointPath == "" {
		if cfg.PruneSchedule != "" {
			errs = multierr.Append(errs, fmt.Errorf("prune_schedule requires checkpoint_path"))
		}
		return errs
	}
	if cfg.CheckpointInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("checkpoint_interval must be positive, got %s", cfg.CheckpointInterval))
	}
	if cfg.CheckpointRetention <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("checkpoint_retention must be greater than 0, got %d", cfg.CheckpointRetention))
	}
	if cfg.PruneSchedule != "" {
		if _, err := cron.ParseStandard(cfg.PruneSchedule); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid prune_schedule: %w", err))
		}
	}
	return errs
}

func createDefaultConfig() component.Config {
	return &Config{
		Reservoir: reservoir.Config{
			MaxSize:        5000,
			Strategy:       reservoir.StrategyStratified,
			PreserveErrors: true,
			SlowThreshold:  time.Second,
		},
		TraceBufferMaxSize:  100000,
		TraceBufferTimeout:  10 * time.Second,
		CheckpointInterval:  time.Minute,
		CheckpointRetention: 10,
		PruneSchedule:       "",
	}
}
