package corpusbuilder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/processor"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
	"github.com/deepaksharma/trace-policy-prover/internal/reservoir"
)

// corpusBuilderProcessor passes traces through unchanged while sampling
// completed traces into a reservoir.
type corpusBuilderProcessor struct {
	ctx       context.Context
	ctxCancel context.CancelFunc
	logger    *zap.Logger
	config    *Config

	nextConsumer consumer.Traces

	metrics     *MetricsManager
	traceBuffer *TraceBuffer
	checkpoints *CheckpointStore

	// mu guards reservoir, which is single-writer.
	mu        sync.Mutex
	reservoir *reservoir.Reservoir

	checkpointTicker *time.Ticker
	pruneCron        *cron.Cron
	stopChan         chan struct{}
	wg               sync.WaitGroup
	shutdownOnce     sync.Once
}

var _ processor.Traces = (*corpusBuilderProcessor)(nil)

func newCorpusBuilderProcessor(
	ctx context.Context,
	set component.TelemetrySettings,
	cfg *Config,
	nextConsumer consumer.Traces,
) (*corpusBuilderProcessor, error) {
	logger := set.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	res, err := reservoir.New(cfg.Reservoir, logger)
	if err != nil {
		return nil, err
	}

	metrics := NewMetricsManager(set.MeterProvider.Meter("corpusbuilder"))
	processorCtx, processorCancel := context.WithCancel(ctx)

	p := &corpusBuilderProcessor{
		ctx:          processorCtx,
		ctxCancel:    processorCancel,
		logger:       logger,
		config:       cfg,
		nextConsumer: nextConsumer,
		metrics:      metrics,
		reservoir:    res,
		stopChan:     make(chan struct{}),
	}

	res.OnEviction(func(ev reservoir.EvictionEvent) {
		metrics.reservoirEvictions.Inc()
		logger.Debug("Trace evicted from corpus",
			zap.String("evicted", ev.EvictedID),
			zap.String("replacement", ev.ReplacementID),
			zap.String("reason", string(ev.Reason)))
	})

	p.traceBuffer = NewTraceBuffer(cfg.TraceBufferMaxSize, cfg.TraceBufferTimeout, logger)
	p.traceBuffer.SetEvictionCounter(metrics.GetBufferEvictionsCounter())

	if cfg.CheckpointPath != "" {
		p.checkpoints, err = OpenCheckpointStore(cfg.CheckpointPath, logger)
		if err != nil {
			processorCancel()
			return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		p.checkpoints.SetWriteCounter(metrics.GetCheckpointsWrittenCounter())
		logger.Info("Checkpoint storage initialized",
			zap.String("path", cfg.CheckpointPath),
			zap.Duration("interval", cfg.CheckpointInterval))

		if cfg.PruneSchedule != "" {
			p.pruneCron = cron.New()
			if _, err := p.pruneCron.AddFunc(cfg.PruneSchedule, p.prune); err != nil {
				logger.Error("Failed to schedule checkpoint pruning", zap.Error(err))
				p.pruneCron = nil
			}
		}
	}

	logger.Info("Corpus builder processor created",
		zap.Int("max_size", cfg.Reservoir.MaxSize),
		zap.String("strategy", string(res.Config().Strategy)),
		zap.Duration("trace_timeout", cfg.TraceBufferTimeout))
	return p, nil
}

// Start registers metrics, restores the last snapshot and starts the
// background loops.
func (p *corpusBuilderProcessor) Start(_ context.Context, _ component.Host) error {
	if err := p.metrics.RegisterMetrics(); err != nil {
		p.logger.Error("Failed to register metrics", zap.Error(err))
	}

	if p.checkpoints != nil {
		p.restore()
		p.checkpointTicker = time.NewTicker(p.config.CheckpointInterval)
		p.wg.Add(1)
		go p.checkpointLoop()
	}
	if p.pruneCron != nil {
		p.pruneCron.Start()
	}

	p.wg.Add(1)
	go p.processTraceBuffer()
	return nil
}

// Shutdown stops the loops, folds every buffered trace into the corpus and
// writes a final snapshot. Calls after the first are no-ops.
func (p *corpusBuilderProcessor) Shutdown(_ context.Context) error {
	var err error
	p.shutdownOnce.Do(func() { err = p.shutdown() })
	return err
}

func (p *corpusBuilderProcessor) shutdown() error {
	p.ctxCancel()
	close(p.stopChan)
	p.wg.Wait()

	if p.checkpointTicker != nil {
		p.checkpointTicker.Stop()
	}
	if p.pruneCron != nil {
		<-p.pruneCron.Stop().Done()
	}

	p.addTraces(p.traceBuffer.Drain())

	if p.checkpoints == nil {
		return nil
	}
	var errs error
	if err := p.writeCheckpoint(time.Now()); err != nil {
		errs = fmt.Errorf("final checkpoint: %w", err)
	}
	if err := p.checkpoints.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close checkpoint store: %w", err))
	}
	return errs
}

// ConsumeTraces buffers every span and forwards the batch unchanged.
func (p *corpusBuilderProcessor) ConsumeTraces(ctx context.Context, td ptrace.Traces) error {
	now := time.Now()
	rss := td.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		rs := rss.At(i)
		service := ""
		if v, ok := rs.Resource().Attributes().Get(corpus.AttrServiceName); ok && v.Type() == pcommon.ValueTypeStr {
			service = v.Str()
		}

		ilss := rs.ScopeSpans()
		for j := 0; j < ilss.Len(); j++ {
			spans := ilss.At(j).Spans()
			for k := 0; k < spans.Len(); k++ {
				p.traceBuffer.AddSpan(spans.At(k), service, now)
			}
		}
	}
	p.metrics.traceBufferSize.Store(int64(p.traceBuffer.Size()))

	return p.nextConsumer.ConsumeTraces(ctx, td)
}

func (p *corpusBuilderProcessor) Capabilities() consumer.Capabilities {
	return consumer.Capabilities{MutatesData: false}
}

// Snapshot returns the current exemplars as a corpus.
func (p *corpusBuilderProcessor) Snapshot() *corpus.Corpus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservoir.IntoCorpus()
}

// Stats returns the reservoir counters.
func (p *corpusBuilderProcessor) Stats() reservoir.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservoir.Stats()
}

// flushCompleted moves traces that have been quiet for the buffer timeout
// into the reservoir and returns how many were moved.
func (p *corpusBuilderProcessor) flushCompleted(now time.Time) int {
	completed := p.traceBuffer.Completed(now)
	p.addTraces(completed)
	return len(completed)
}

func (p *corpusBuilderProcessor) addTraces(traces []corpus.Trace) {
	p.mu.Lock()
	for _, t := range traces {
		p.reservoir.Add(t)
	}
	stats := p.reservoir.Stats()
	p.mu.Unlock()

	p.metrics.reservoirSize.Store(int64(stats.CurrentSize))
	p.metrics.tracesSeen.Store(int64(stats.TotalSeen))
	p.metrics.traceBufferSize.Store(int64(p.traceBuffer.Size()))
}

func (p *corpusBuilderProcessor) writeCheckpoint(now time.Time) error {
	p.mu.Lock()
	snap := Snapshot{
		TakenAt:   now,
		TotalSeen: p.reservoir.Stats().TotalSeen,
		Traces:    p.reservoir.Traces(),
	}
	if seen, ok := p.reservoir.StratumSeen(); ok {
		snap.StratumSeen = &seen
	}
	p.mu.Unlock()
	return p.checkpoints.Save(snap)
}

func (p *corpusBuilderProcessor) restore() {
	snap, err := p.checkpoints.Latest()
	if errors.Is(err, ErrNoSnapshot) {
		return
	}
	if err != nil {
		p.logger.Error("Failed to load checkpoint, starting with empty corpus", zap.Error(err))
		return
	}

	p.mu.Lock()
	p.reservoir.Restore(snap.Traces, snap.TotalSeen, snap.StratumSeen)
	stats := p.reservoir.Stats()
	p.mu.Unlock()

	p.metrics.reservoirSize.Store(int64(stats.CurrentSize))
	p.metrics.tracesSeen.Store(int64(stats.TotalSeen))
	p.logger.Info("Loaded previous corpus from checkpoint",
		zap.Time("taken_at", snap.TakenAt),
		zap.Int("traces", len(snap.Traces)),
		zap.Uint64("total_seen", snap.TotalSeen))
}

func (p *corpusBuilderProcessor) prune() {
	removed, err := p.checkpoints.Prune(p.config.CheckpointRetention)
	if err != nil {
		p.logger.Error("Checkpoint pruning failed", zap.Error(err))
		return
	}
	if removed > 0 {
		p.logger.Info("Pruned old snapshots", zap.Int("removed", removed))
	}
}

// processTraceBuffer periodically moves completed traces into the reservoir
func (p *corpusBuilderProcessor) processTraceBuffer() {
	defer p.wg.Done()

	checkInterval := p.config.TraceBufferTimeout / 10
	if checkInterval < time.Second {
		checkInterval = time.Second
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := p.flushCompleted(now); n > 0 {
				p.logger.Debug("Processed completed traces", zap.Int("count", n))
			}
		case <-p.ctx.Done():
			return
		case <-p.stopChan:
			return
		}
	}
}

func (p *corpusBuilderProcessor) checkpointLoop() {
	defer p.wg.Done()
	for {
		select {
		case now := <-p.checkpointTicker.C:
			if err := p.writeCheckpoint(now); err != nil {
				p.logger.Error("Failed to checkpoint", zap.Error(err))
			}
		case <-p.stopChan:
			return
		}
	}
}
