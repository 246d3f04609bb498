package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/deepaksharma/trace-policy-prover/internal/prover"
	"github.com/deepaksharma/trace-policy-prover/internal/reservoir"
)

// fileConfig is the optional --config document. Flags given on the command
// line override it.
type fileConfig struct {
	Prover prover.Config       `yaml:"prover"`
	Replay prover.ReplayConfig `yaml:"replay"`
	// Sample, when max_size is set, reservoir-samples the corpus before it
	// is verified or replayed.
	Sample reservoir.Config `yaml:"sample"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Prover: prover.DefaultConfig(),
		Replay: prover.DefaultReplayConfig(),
	}
}

func (c *fileConfig) Validate() error {
	var errs error
	if err := c.Prover.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("prover: %w", err))
	}
	if err := c.Replay.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("replay: %w", err))
	}
	if c.Sample.MaxSize > 0 {
		if err := c.Sample.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sample: %w", err))
		}
	}
	return errs
}

func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}
