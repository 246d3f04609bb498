package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
	"github.com/deepaksharma/trace-policy-prover/internal/policy"
	"github.com/deepaksharma/trace-policy-prover/internal/processor/corpusbuilder"
	"github.com/deepaksharma/trace-policy-prover/internal/prover"
	"github.com/deepaksharma/trace-policy-prover/internal/reservoir"
)

// errNotApproved is returned after the result has been written when the
// policy failed, so main can exit 1 without printing anything else.
var errNotApproved = errors.New("policy not approved")

type options struct {
	configPath     string
	policyPath     string
	corpusPath     string
	corpusFormat   string
	checkpointPath string
	trafficPath    string
	verbose        bool

	// Overrides for the config file.
	maxBudget uint64
	mode      string
	strict    bool
	requireEH bool

	cfg    fileConfig
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:           "prover",
		Short:         "Verify trace sampling policies before deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if o.logger != nil {
				_ = o.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "YAML file with prover, replay and sample sections")
	pf.StringVarP(&o.policyPath, "policy", "p", "", "YAML policy file (required)")
	pf.StringVar(&o.corpusPath, "corpus", "", "Trace corpus file")
	pf.StringVar(&o.corpusFormat, "corpus-format", "", "Corpus format: otlp-proto, otlp-json, json or ndjson (default: detect)")
	pf.StringVar(&o.checkpointPath, "checkpoint", "", "Corpus builder checkpoint file to read the corpus from")
	pf.StringVarP(&o.trafficPath, "traffic", "t", "", "Traffic pattern CSV")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "Enable development logging")
	pf.Uint64Var(&o.maxBudget, "max-budget", 0, "Maximum events/second budget a policy may declare")
	pf.StringVar(&o.mode, "mode", "", "Analysis mode: static, dynamic or auto")
	pf.BoolVar(&o.strict, "strict", false, "Reject policies that have warnings")
	pf.BoolVar(&o.requireEH, "require-error-handling", false, "Require an explicit rule that keeps errors")
	_ = root.MarkPersistentFlagRequired("policy")

	root.AddCommand(
		newProveCmd(o),
		newAnalyzeCmd(o),
		newSimulateCmd(o),
		newReplayCmd(o),
	)
	return root
}

func (o *options) setup(cmd *cobra.Command) error {
	var err error
	if o.verbose {
		o.logger, err = zap.NewDevelopment()
	} else {
		o.logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	if o.cfg, err = loadFileConfig(o.configPath); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("max-budget") {
		o.cfg.Prover.MaxBudget = o.maxBudget
	}
	if flags.Changed("mode") {
		o.cfg.Prover.AnalysisMode = prover.AnalysisMode(o.mode)
	}
	if flags.Changed("strict") {
		o.cfg.Prover.Strict = o.strict
	}
	if flags.Changed("require-error-handling") {
		o.cfg.Prover.RequireErrorHandling = o.requireEH
	}
	return o.cfg.Validate()
}

func newProveCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "prove",
		Short: "Run the checks, static analysis and simulation selected by the mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pol, err := o.loadPolicy()
			if err != nil {
				return err
			}
			c, err := o.loadCorpus(false)
			if err != nil {
				return err
			}
			traffic, err := o.loadTraffic(false)
			if err != nil {
				return err
			}
			p, err := prover.New(o.cfg.Prover, o.logger)
			if err != nil {
				return err
			}

			res, err := p.Analyze(pol, c, traffic)
			if err != nil {
				return err
			}
			return finish(cmd.OutOrStdout(), res, res.IsApproved())
		},
	}
}

func newAnalyzeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Run rule-level static analysis only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pol, err := o.loadPolicy()
			if err != nil {
				return err
			}
			p, err := prover.New(o.cfg.Prover, o.logger)
			if err != nil {
				return err
			}
			res := p.AnalyzeStatic(pol)
			return finish(cmd.OutOrStdout(), res, res.Passed)
		},
	}
}

func newSimulateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Simulate the policy against a traffic pattern",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pol, err := o.loadPolicy()
			if err != nil {
				return err
			}
			traffic, err := o.loadTraffic(true)
			if err != nil {
				return err
			}
			p, err := prover.New(o.cfg.Prover, o.logger)
			if err != nil {
				return err
			}

			res, err := p.SimulateTraffic(pol, traffic)
			if err != nil {
				return err
			}
			return finish(cmd.OutOrStdout(), res, res.BudgetCompliant)
		},
	}
}

func newReplayCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay a trace corpus through the policy in time windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pol, err := o.loadPolicy()
			if err != nil {
				return err
			}
			c, err := o.loadCorpus(true)
			if err != nil {
				return err
			}
			p, err := prover.New(o.cfg.Prover, o.logger)
			if err != nil {
				return err
			}

			res, err := p.ReplayCorpus(pol, c, o.cfg.Replay)
			if err != nil {
				return err
			}
			return finish(cmd.OutOrStdout(), res, res.IsCompliant())
		},
	}
}

func (o *options) loadPolicy() (*policy.Policy, error) {
	return policy.LoadFile(o.policyPath)
}

// loadCorpus reads --corpus or --checkpoint and, when the config has a
// sample section, reservoir-samples the result.
func (o *options) loadCorpus(required bool) (*corpus.Corpus, error) {
	var (
		c   *corpus.Corpus
		err error
	)
	switch {
	case o.corpusPath != "" && o.checkpointPath != "":
		return nil, errors.New("--corpus and --checkpoint are mutually exclusive")
	case o.corpusPath != "":
		c, err = corpus.LoadFile(o.corpusPath, corpus.Format(o.corpusFormat))
	case o.checkpointPath != "":
		c, err = corpusbuilder.LoadCorpus(o.checkpointPath)
	case required:
		return nil, errors.New("a corpus is required: use --corpus or --checkpoint")
	default:
		return corpus.New(), nil
	}
	if err != nil {
		return nil, err
	}

	if o.cfg.Sample.MaxSize == 0 || c.Len() <= o.cfg.Sample.MaxSize {
		return c, nil
	}
	r, err := reservoir.New(o.cfg.Sample, o.logger)
	if err != nil {
		return nil, err
	}
	for _, t := range c.Traces() {
		r.Add(t)
	}
	st := r.Stats()
	o.logger.Info("Corpus sampled",
		zap.Uint64("seen", st.TotalSeen),
		zap.Int("kept", st.CurrentSize),
		zap.Int("errors", st.ErrorCount),
		zap.Uint64("evictions", st.EvictionCount))
	return r.IntoCorpus(), nil
}

func (o *options) loadTraffic(required bool) (*prover.TrafficPattern, error) {
	if o.trafficPath == "" {
		if required {
			return nil, errors.New("a traffic pattern is required: use --traffic")
		}
		return nil, nil
	}
	return prover.LoadTrafficCSV(o.trafficPath)
}

func finish(w io.Writer, v any, ok bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if !ok {
		return errNotApproved
	}
	return nil
}
