// Package corpusbuilder provides a traces processor that samples the spans
// flowing through a collector pipeline into a bounded exemplar corpus.
// The corpus is checkpointed to a bolt file that the prover CLI can replay
// policies against.
package corpusbuilder

import (
	"context"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/processor"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
)

const typeStr = "corpus_builder"

// NewFactory returns a new factory for the corpus builder processor.
func NewFactory() processor.Factory {
	return processor.NewFactory(
		component.MustNewType(typeStr),
		createDefaultConfig,
		processor.WithTraces(createTracesProcessor, component.StabilityLevelBeta),
	)
}

func createTracesProcessor(
	ctx context.Context,
	params processor.Settings,
	cfg component.Config,
	nextConsumer consumer.Traces,
) (processor.Traces, error) {
	p, err := newCorpusBuilderProcessor(ctx, params.TelemetrySettings, cfg.(*Config), nextConsumer)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CurrentCorpus returns the exemplars a corpus builder processor holds.
// The second result is false when p was not created by this factory.
func CurrentCorpus(p processor.Traces) (*corpus.Corpus, bool) {
	if cp, ok := p.(*corpusBuilderProcessor); ok {
		return cp.Snapshot(), true
	}
	return nil, false
}
