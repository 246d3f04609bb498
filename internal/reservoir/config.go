package reservoir

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Strategy selects how a full reservoir decides what to evict.
type Strategy string

const (
	// StrategyUniform is Algorithm R over every trace seen.
	StrategyUniform Strategy = "uniform"
	// StrategyStratified keeps separate error, slow and normal strata.
	StrategyStratified Strategy = "stratified"
	// StrategyTimeDecay favours recent traces.
	StrategyTimeDecay Strategy = "time_decay"
)

// DefaultDecayHalfLife is used by StrategyTimeDecay when no half-life is set.
const DefaultDecayHalfLife = 24 * time.Hour

// Config holds reservoir construction options.
type Config struct {
	// MaxSize is the maximum number of traces retained.
	MaxSize int `mapstructure:"max_size" yaml:"max_size"`

	// Strategy defaults to uniform when empty.
	Strategy Strategy `mapstructure:"strategy" yaml:"strategy"`

	// PreserveErrors routes error traces to their own stratum.
	PreserveErrors bool `mapstructure:"preserve_errors" yaml:"preserve_errors"`

	// SlowThreshold marks traces at least this long as slow. Zero disables
	// slow classification.
	SlowThreshold time.Duration `mapstructure:"slow_threshold" yaml:"slow_threshold"`

	// DecayHalfLife is only used by the time_decay strategy.
	DecayHalfLife time.Duration `mapstructure:"decay_half_life" yaml:"decay_half_life"`

	// Seed makes sampling reproducible.
	Seed int64 `mapstructure:"seed" yaml:"seed"`
}

// DefaultConfig returns a uniform reservoir of 1000 traces.
func DefaultConfig() Config {
	return Config{
		MaxSize:  1000,
		Strategy: StrategyUniform,
	}
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.MaxSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_size must be greater than 0, got %d", cfg.MaxSize))
	}
	switch cfg.Strategy {
	case "", StrategyUniform, StrategyStratified, StrategyTimeDecay:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown strategy %q", cfg.Strategy))
	}
	if cfg.SlowThreshold < 0 {
		errs = multierr.Append(errs, fmt.Errorf("slow_threshold must not be negative, got %s", cfg.SlowThreshold))
	}
	if cfg.DecayHalfLife < 0 {
		errs = multierr.Append(errs, fmt.Errorf("decay_half_life must not be negative, got %s", cfg.DecayHalfLife))
	}
	if cfg.DecayHalfLife > 0 && cfg.Strategy != StrategyTimeDecay {
		errs = multierr.Append(errs, errors.New("decay_half_life is only valid with the time_decay strategy"))
	}
	return errs
}

func (cfg *Config) strategy() Strategy {
	if cfg.Strategy == "" {
		return StrategyUniform
	}
	return cfg.Strategy
}

func (cfg *Config) halfLife() time.Duration {
	if cfg.DecayHalfLife > 0 {
		return cfg.DecayHalfLife
	}
	return DefaultDecayHalfLife
}
