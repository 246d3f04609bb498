package corpusbuilder

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
)

// MetricsManager owns the values behind the processor's observable
// instruments.
type MetricsManager struct {
	reservoirSize      *atomic.Int64
	tracesSeen         *atomic.Int64
	reservoirEvictions *atomic.Int64
	traceBufferSize    *atomic.Int64
	bufferEvictions    *atomic.Int64
	checkpointsWritten *atomic.Int64

	meter metric.Meter
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(meter metric.Meter) *MetricsManager {
	return &MetricsManager{
		reservoirSize:      atomic.NewInt64(0),
		tracesSeen:         atomic.NewInt64(0),
		reservoirEvictions: atomic.NewInt64(0),
		traceBufferSize:    atomic.NewInt64(0),
		bufferEvictions:    atomic.NewInt64(0),
		checkpointsWritten: atomic.NewInt64(0),
		meter:              meter,
	}
}

type instrument struct {
	name        string
	description string
	unit        string
	value       *atomic.Int64
	counter     bool
}

// RegisterMetrics registers all metrics with the meter
func (m *MetricsManager) RegisterMetrics() error {
	instruments := []instrument{
		{"reservoir_size", "Number of traces currently in the corpus reservoir", "{traces}", m.reservoirSize, false},
		{"trace_buffer_size", "Number of incomplete traces waiting in the trace buffer", "{traces}", m.traceBufferSize, false},
		{"traces_seen", "Number of completed traces offered to the reservoir", "{traces}", m.tracesSeen, true},
		{"reservoir_evictions", "Number of traces replaced in the reservoir", "{evictions}", m.reservoirEvictions, true},
		{"buffer_evictions", "Number of traces evicted from the trace buffer at capacity", "{evictions}", m.bufferEvictions, true},
		{"checkpoints_written", "Number of corpus snapshots written", "{checkpoints}", m.checkpointsWritten, true},
	}

	for _, in := range instruments {
		value := in.value
		callback := metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(value.Load())
			return nil
		})
		name := typeStr + "." + in.name

		var err error
		if in.counter {
			_, err = m.meter.Int64ObservableCounter(name,
				metric.WithDescription(in.description), metric.WithUnit(in.unit), callback)
		} else {
			_, err = m.meter.Int64ObservableGauge(name,
				metric.WithDescription(in.description), metric.WithUnit(in.unit), callback)
		}
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}

// GetBufferEvictionsCounter returns the trace buffer eviction counter
func (m *MetricsManager) GetBufferEvictionsCounter() *atomic.Int64 {
	return m.bufferEvictions
}

// GetCheckpointsWrittenCounter returns the checkpoint write counter
func (m *MetricsManager) GetCheckpointsWrittenCounter() *atomic.Int64 {
	return m.checkpointsWritten
}
