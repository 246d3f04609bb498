package corpusbuilder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/component/componenttest"
	"go.opentelemetry.io/collector/consumer/consumertest"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/processor"
	"go.opentelemetry.io/collector/processor/processortest"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
	"github.com/deepaksharma/trace-policy-prover/internal/reservoir"
)

var base = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

func traceID(n byte) pcommon.TraceID {
	return pcommon.TraceID([16]byte{15: n})
}

func spanID(n byte) pcommon.SpanID {
	return pcommon.SpanID([8]byte{7: n})
}

// testTraces builds one resource with a two-span OK trace (1) and a
// single-span error trace (2).
func testTraces() ptrace.Traces {
	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr("service.name", "checkout")
	spans := rs.ScopeSpans().AppendEmpty().Spans()

	root := spans.AppendEmpty()
	root.SetTraceID(traceID(1))
	root.SetSpanID(spanID(1))
	root.SetName("GET /cart")
	root.SetStartTimestamp(pcommon.NewTimestampFromTime(base))
	root.SetEndTimestamp(pcommon.NewTimestampFromTime(base.Add(120 * time.Millisecond)))
	root.Attributes().PutInt("http.status_code", 200)

	child := spans.AppendEmpty()
	child.SetTraceID(traceID(1))
	child.SetSpanID(spanID(2))
	child.SetParentSpanID(spanID(1))
	child.SetName("SELECT cart")
	child.SetStartTimestamp(pcommon.NewTimestampFromTime(base.Add(10 * time.Millisecond)))
	child.SetEndTimestamp(pcommon.NewTimestampFromTime(base.Add(50 * time.Millisecond)))

	failed := spans.AppendEmpty()
	failed.SetTraceID(traceID(2))
	failed.SetSpanID(spanID(3))
	failed.SetName("POST /pay")
	failed.SetStartTimestamp(pcommon.NewTimestampFromTime(base.Add(time.Second)))
	failed.SetEndTimestamp(pcommon.NewTimestampFromTime(base.Add(1300 * time.Millisecond)))
	failed.Attributes().PutInt("http.status_code", 503)
	failed.Status().SetCode(ptrace.StatusCodeError)
	return td
}

func testConfig(t *testing.T, checkpoint bool) *Config {
	t.Helper()
	cfg := NewFactory().CreateDefaultConfig().(*Config)
	cfg.Reservoir = reservoir.Config{MaxSize: 10, Seed: 7}
	cfg.TraceBufferTimeout = time.Second
	if checkpoint {
		cfg.CheckpointPath = filepath.Join(t.TempDir(), "corpus.db")
		cfg.CheckpointInterval = time.Hour
	}
	return cfg
}

func createProcessor(t *testing.T, cfg *Config, next *consumertest.TracesSink) processor.Traces {
	t.Helper()
	proc, err := NewFactory().CreateTraces(
		context.Background(),
		processortest.NewNopSettings(component.MustNewType(typeStr)),
		cfg,
		next,
	)
	require.NoError(t, err)
	require.NotNil(t, proc)
	return proc
}

func TestCreateDefaultConfig(t *testing.T) {
	cfg := NewFactory().CreateDefaultConfig()
	require.NotNil(t, cfg)
	assert.NoError(t, cfg.(*Config).Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"reservoir size": {
			mutate: func(c *Config) { c.Reservoir.MaxSize = 0 },
			want:   "reservoir: max_size",
		},
		"buffer size": {
			mutate: func(c *Config) { c.TraceBufferMaxSize = 0 },
			want:   "trace_buffer_max_size",
		},
		"buffer timeout": {
			mutate: func(c *Config) { c.TraceBufferTimeout = 0 },
			want:   "trace_buffer_timeout",
		},
		"prune without checkpoint": {
			mutate: func(c *Config) { c.PruneSchedule = "@hourly" },
			want:   "prune_schedule requires checkpoint_path",
		},
		"checkpoint interval": {
			mutate: func(c *Config) { c.CheckpointPath = "/tmp/corpus.db"; c.CheckpointInterval = 0 },
			want:   "checkpoint_interval",
		},
		"retention": {
			mutate: func(c *Config) { c.CheckpointPath = "/tmp/corpus.db"; c.CheckpointRetention = 0 },
			want:   "checkpoint_retention",
		},
		"bad cron": {
			mutate: func(c *Config) { c.CheckpointPath = "/tmp/corpus.db"; c.PruneSchedule = "every tuesday" },
			want:   "invalid prune_schedule",
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := createDefaultConfig().(*Config)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := createDefaultConfig().(*Config)
	cfg.CheckpointPath = "/tmp/corpus.db"
	cfg.PruneSchedule = "0 * * * *"
	assert.NoError(t, cfg.Validate())
}

func TestProcessorPassesThroughAndBuildsCorpus(t *testing.T) {
	sink := new(consumertest.TracesSink)
	proc := createProcessor(t, testConfig(t, false), sink)
	cp := proc.(*corpusBuilderProcessor)

	require.NoError(t, proc.Start(context.Background(), componenttest.NewNopHost()))
	assert.False(t, proc.Capabilities().MutatesData)

	require.NoError(t, proc.ConsumeTraces(context.Background(), testTraces()))
	require.Len(t, sink.AllTraces(), 1)
	assert.Equal(t, 3, sink.SpanCount())
	assert.Equal(t, 2, cp.traceBuffer.Size())

	// Nothing is complete until the buffer timeout has elapsed.
	assert.Zero(t, cp.flushCompleted(time.Now()))
	assert.Equal(t, 2, cp.flushCompleted(time.Now().Add(2*time.Second)))
	assert.Zero(t, cp.traceBuffer.Size())

	c, ok := CurrentCorpus(proc)
	require.True(t, ok)
	require.Equal(t, 2, c.Len())

	byID := map[string]corpus.Trace{}
	for _, tr := range c.Traces() {
		byID[tr.ID] = tr
	}
	ok1 := byID[traceID(1).String()]
	assert.Equal(t, "checkout", ok1.Service)
	assert.Equal(t, "GET /cart", ok1.Endpoint)
	assert.Equal(t, 200, ok1.Status)
	assert.Equal(t, 120*time.Millisecond, ok1.Duration)
	assert.Len(t, ok1.Spans, 2)
	assert.False(t, ok1.Errored())

	failed := byID[traceID(2).String()]
	assert.Equal(t, 503, failed.Status)
	assert.True(t, failed.IsError)

	assert.Equal(t, uint64(2), cp.Stats().TotalSeen)
	assert.Equal(t, int64(2), cp.metrics.tracesSeen.Load())
	assert.Equal(t, int64(2), cp.metrics.reservoirSize.Load())

	require.NoError(t, proc.Shutdown(context.Background()))
}

func TestShutdownDrainsBuffer(t *testing.T) {
	sink := new(consumertest.TracesSink)
	proc := createProcessor(t, testConfig(t, false), sink)
	require.NoError(t, proc.Start(context.Background(), componenttest.NewNopHost()))
	require.NoError(t, proc.ConsumeTraces(context.Background(), testTraces()))
	require.NoError(t, proc.Shutdown(context.Background()))

	c, ok := CurrentCorpus(proc)
	require.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestShutdownTwice(t *testing.T) {
	cfg := testConfig(t, true)
	proc := createProcessor(t, cfg, new(consumertest.TracesSink))
	require.NoError(t, proc.Start(context.Background(), componenttest.NewNopHost()))
	require.NoError(t, proc.ConsumeTraces(context.Background(), testTraces()))

	require.NoError(t, proc.Shutdown(context.Background()))
	assert.NotPanics(t, func() {
		assert.NoError(t, proc.Shutdown(context.Background()))
	})
	assert.Equal(t, int64(1), proc.(*corpusBuilderProcessor).metrics.checkpointsWritten.Load())
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := testConfig(t, true)

	proc := createProcessor(t, cfg, new(consumertest.TracesSink))
	require.NoError(t, proc.Start(context.Background(), componenttest.NewNopHost()))
	require.NoError(t, proc.ConsumeTraces(context.Background(), testTraces()))
	require.NoError(t, proc.Shutdown(context.Background()))
	assert.Equal(t, int64(1), proc.(*corpusBuilderProcessor).metrics.checkpointsWritten.Load())

	// The CLI reads the same file.
	loaded, err := LoadCorpus(cfg.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	assert.Equal(t, 1, loaded.Errors().Len())

	// A restarted processor resumes from the snapshot.
	restarted := createProcessor(t, cfg, new(consumertest.TracesSink))
	require.NoError(t, restarted.Start(context.Background(), componenttest.NewNopHost()))
	cp := restarted.(*corpusBuilderProcessor)
	assert.Equal(t, 2, cp.Snapshot().Len())
	assert.Equal(t, uint64(2), cp.Stats().TotalSeen)
	require.NoError(t, restarted.Shutdown(context.Background()))
}

func TestCheckpointKeepsStratumCounts(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Reservoir.Strategy = reservoir.StrategyStratified
	cfg.Reservoir.PreserveErrors = true

	proc := createProcessor(t, cfg, new(consumertest.TracesSink))
	require.NoError(t, proc.Start(context.Background(), componenttest.NewNopHost()))
	require.NoError(t, proc.ConsumeTraces(context.Background(), testTraces()))
	require.NoError(t, proc.Shutdown(context.Background()))

	store, err := OpenCheckpointStore(cfg.CheckpointPath, zap.NewNop())
	require.NoError(t, err)
	snap, err := store.Latest()
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NotNil(t, snap.StratumSeen)
	want := reservoir.StratumSeen{Normal: 1, Errors: 1}
	assert.Equal(t, want, *snap.StratumSeen)

	restarted := createProcessor(t, cfg, new(consumertest.TracesSink))
	require.NoError(t, restarted.Start(context.Background(), componenttest.NewNopHost()))
	cp := restarted.(*corpusBuilderProcessor)
	cp.mu.Lock()
	seen, ok := cp.reservoir.StratumSeen()
	cp.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, want, seen)
	require.NoError(t, restarted.Shutdown(context.Background()))
}

func TestCurrentCorpusForeignProcessor(t *testing.T) {
	f := processortest.NewNopFactory()
	nop, err := f.CreateTraces(context.Background(), processortest.NewNopSettings(f.Type()), f.CreateDefaultConfig(), consumertest.NewNop())
	require.NoError(t, err)

	_, ok := CurrentCorpus(nop)
	assert.False(t, ok)
}

func TestRegisterMetrics(t *testing.T) {
	m := NewMetricsManager(noop.NewMeterProvider().Meter("test"))
	assert.NoError(t, m.RegisterMetrics())
	m.GetBufferEvictionsCounter().Inc()
	assert.Equal(t, int64(1), m.bufferEvictions.Load())
}
