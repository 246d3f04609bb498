package prover

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TrafficPoint is the observed event rate at one instant.
type TrafficPoint struct {
	Timestamp       time.Time `json:"timestamp"`
	EventsPerSecond float64   `json:"events_per_second"`
	ErrorRate       float64   `json:"error_rate"`
	P99Latency      float64   `json:"p99_latency"`
}

func (p TrafficPoint) validate() error {
	switch {
	case math.IsNaN(p.EventsPerSecond) || math.IsInf(p.EventsPerSecond, 0) || p.EventsPerSecond < 0:
		return fmt.Errorf("events_per_second must be a non-negative number, got %v", p.EventsPerSecond)
	case math.IsNaN(p.ErrorRate) || p.ErrorRate < 0 || p.ErrorRate > 1:
		return fmt.Errorf("error_rate must be within [0, 1], got %v", p.ErrorRate)
	}
	return nil
}

// TrafficPattern is a chronologically sorted series of traffic points.
// It is not modified after construction.
type TrafficPattern struct {
	Name   string
	points []TrafficPoint
}

// NewTrafficPattern sorts and validates the points.
func NewTrafficPattern(points []TrafficPoint) (*TrafficPattern, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: traffic pattern is empty", ErrInvalidTraffic)
	}
	sorted := make([]TrafficPoint, len(points))
	copy(sorted, points)
	for i, p := range sorted {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("%w: point %d: %w", ErrInvalidTraffic, i, err)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return &TrafficPattern{points: sorted}, nil
}

// LoadTrafficCSV reads a pattern from a CSV file.
func LoadTrafficCSV(path string) (*TrafficPattern, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open file: %w", ErrInvalidTraffic, err)
	}
	defer f.Close()

	return ReadTrafficCSV(f)
}

// ReadTrafficCSV reads rows with a header naming the columns timestamp,
// events_per_second and, optionally, error_rate and p99_latency. Timestamps
// are RFC 3339.
func ReadTrafficCSV(r io.Reader) (*TrafficPattern, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: traffic pattern is empty", ErrInvalidTraffic)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: CSV parse error: %w", ErrInvalidTraffic, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"timestamp", "events_per_second"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrInvalidTraffic, required)
		}
	}

	var points []TrafficPoint
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: CSV parse error: %w", ErrInvalidTraffic, err)
		}
		p, err := parseTrafficRecord(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrInvalidTraffic, line, err)
		}
		points = append(points, p)
	}
	return NewTrafficPattern(points)
}

func parseTrafficRecord(rec []string, cols map[string]int) (TrafficPoint, error) {
	field := func(name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		v := strings.TrimSpace(rec[i])
		return v, v != ""
	}
	number := func(name string) (float64, error) {
		v, ok := field(name)
		if !ok {
			return 0, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", name, v)
		}
		return f, nil
	}

	var p TrafficPoint
	ts, ok := field("timestamp")
	if !ok {
		return p, errors.New("missing timestamp")
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return p, fmt.Errorf("invalid timestamp '%s': %w", ts, err)
	}
	p.Timestamp = t.UTC()
	if _, ok := field("events_per_second"); !ok {
		return p, errors.New("missing events_per_second")
	}
	if p.EventsPerSecond, err = number("events_per_second"); err != nil {
		return p, err
	}
	if p.ErrorRate, err = number("error_rate"); err != nil {
		return p, err
	}
	if p.P99Latency, err = number("p99_latency"); err != nil {
		return p, err
	}
	return p, nil
}

// Points returns a copy of the points in chronological order.
func (tp *TrafficPattern) Points() []TrafficPoint {
	out := make([]TrafficPoint, len(tp.points))
	copy(out, tp.points)
	return out
}

func (tp *TrafficPattern) Len() int {
	if tp == nil {
		return 0
	}
	return len(tp.points)
}

func (tp *TrafficPattern) IsEmpty() bool { return tp.Len() == 0 }

// TimeRange returns the first and last timestamps.
func (tp *TrafficPattern) TimeRange() (start, end time.Time, ok bool) {
	if tp.IsEmpty() {
		return time.Time{}, time.Time{}, false
	}
	return tp.points[0].Timestamp, tp.points[len(tp.points)-1].Timestamp, true
}

// PeakIndex returns the index of the busiest point, or -1 when empty.
func (tp *TrafficPattern) PeakIndex() int {
	peak := -1
	for i, p := range tp.points {
		if peak < 0 || p.EventsPerSecond > tp.points[peak].EventsPerSecond {
			peak = i
		}
	}
	return peak
}

// TotalEvents sums events_per_second over all points.
func (tp *TrafficPattern) TotalEvents() float64 {
	total := 0.0
	for _, p := range tp.points {
		total += p.EventsPerSecond
	}
	return total
}

// TrafficStats summarizes a pattern.
type TrafficStats struct {
	PointCount   int     `json:"point_count"`
	PeakEPS      float64 `json:"peak_eps"`
	MinEPS       float64 `json:"min_eps"`
	AvgEPS       float64 `json:"avg_eps"`
	StdDevEPS    float64 `json:"std_dev_eps"`
	AvgErrorRate float64 `json:"avg_error_rate"`
	MaxErrorRate float64 `json:"max_error_rate"`
	TotalEvents  float64 `json:"total_events"`
}

// Stats computes summary statistics. The standard deviation is the
// population one.
func (tp *TrafficPattern) Stats() TrafficStats {
	if tp.IsEmpty() {
		return TrafficStats{}
	}
	n := float64(len(tp.points))
	s := TrafficStats{
		PointCount:  len(tp.points),
		MinEPS:      math.Inf(1),
		TotalEvents: tp.TotalEvents(),
	}
	errSum := 0.0
	for _, p := range tp.points {
		s.PeakEPS = math.Max(s.PeakEPS, p.EventsPerSecond)
		s.MinEPS = math.Min(s.MinEPS, p.EventsPerSecond)
		s.MaxErrorRate = math.Max(s.MaxErrorRate, p.ErrorRate)
		errSum += p.ErrorRate
	}
	s.AvgEPS = s.TotalEvents / n
	s.AvgErrorRate = errSum / n

	variance := 0.0
	for _, p := range tp.points {
		d := p.EventsPerSecond - s.AvgEPS
		variance += d * d
	}
	s.StdDevEPS = math.Sqrt(variance / n)
	return s
}
