package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
	"github.com/deepaksharma/trace-policy-prover/internal/processor/corpusbuilder"
)

const goodPolicy = `name: checkout
budget_per_second: 1000
rules:
  - name: keep-errors
    match: status >= 500
    action: keep
    priority: 100
  - name: fallback
    match: "true"
    action: sample
    rate: 0.01
`

const noFallbackPolicy = `name: partial
rules:
  - name: keep-errors
    match: status >= 500
    action: keep
`

const corpusJSON = `[
  {"trace_id": "a1", "status": 200, "duration_ms": 40, "start_time_unix_nano": 1700000000000000000},
  {"trace_id": "a2", "status": 503, "duration_ms": 900, "start_time_unix_nano": 1700000000500000000},
  {"trace_id": "a3", "status": 200, "duration_ms": 35, "start_time_unix_nano": 1700000001000000000}
]`

const trafficCSV = `timestamp,events_per_second,error_rate
2024-03-01T14:00:00Z,1000,0.01
2024-03-01T15:00:00Z,80000,0.02
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()

	var decoded map[string]any
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded), out.String())
	}
	return decoded, err
}

func TestProveApproved(t *testing.T) {
	pol := writeFile(t, "policy.yaml", goodPolicy)
	c := writeFile(t, "corpus.json", corpusJSON)

	out, err := run(t, "prove", "--policy", pol, "--corpus", c, "--max-budget", "2000")
	require.NoError(t, err)
	result := out["result"].(map[string]any)
	assert.Equal(t, "APPROVED", result["status"])
	assert.Equal(t, float64(4), result["checks_passed"])
	assert.Equal(t, "medium", out["confidence"])
}

func TestProveRejected(t *testing.T) {
	pol := writeFile(t, "policy.yaml", noFallbackPolicy)

	out, err := run(t, "prove", "--policy", pol)
	assert.ErrorIs(t, err, errNotApproved)
	result := out["result"].(map[string]any)
	assert.Equal(t, "REJECTED", result["status"])
}

func TestProveStrictWithTraffic(t *testing.T) {
	pol := writeFile(t, "policy.yaml", goodPolicy)
	traffic := writeFile(t, "traffic.csv", trafficCSV)

	out, err := run(t, "prove", "-p", pol, "-t", traffic)
	require.NoError(t, err)
	assert.Equal(t, "APPROVED_WITH_WARNINGS", out["result"].(map[string]any)["status"])
	require.NotNil(t, out["simulation"])

	_, err = run(t, "prove", "-p", pol, "-t", traffic, "--strict")
	assert.ErrorIs(t, err, errNotApproved)
}

func TestAnalyze(t *testing.T) {
	out, err := run(t, "analyze", "--policy", writeFile(t, "policy.yaml", goodPolicy))
	require.NoError(t, err)
	assert.Equal(t, true, out["passed"])

	out, err = run(t, "analyze", "--policy", writeFile(t, "policy.yaml", noFallbackPolicy))
	assert.ErrorIs(t, err, errNotApproved)
	assert.Equal(t, false, out["passed"])
}

func TestSimulate(t *testing.T) {
	pol := writeFile(t, "policy.yaml", goodPolicy)

	_, err := run(t, "simulate", "--policy", pol)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--traffic")

	out, err := run(t, "simulate", "--policy", pol, "--traffic", writeFile(t, "traffic.csv", trafficCSV))
	assert.ErrorIs(t, err, errNotApproved)
	assert.Equal(t, false, out["budget_compliant"])
	assert.NotEmpty(t, out["recommendations"])
}

func TestReplayFromCorpusAndCheckpoint(t *testing.T) {
	pol := writeFile(t, "policy.yaml", goodPolicy)

	_, err := run(t, "replay", "--policy", pol)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corpus is required")

	out, err := run(t, "replay", "--policy", pol, "--corpus", writeFile(t, "corpus.json", corpusJSON))
	require.NoError(t, err)
	assert.Equal(t, float64(3), out["total_traces"])
	assert.Equal(t, float64(1), out["total_errors"])

	path := filepath.Join(t.TempDir(), "corpus.db")
	store, err := corpusbuilder.OpenCheckpointStore(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Save(corpusbuilder.Snapshot{
		TakenAt: time.Now(),
		Traces: []corpus.Trace{
			{ID: "c1", Status: 200, StartTimeUnixNano: 1_700_000_000_000_000_000},
			{ID: "c2", Status: 500, StartTimeUnixNano: 1_700_000_000_200_000_000},
		},
	}))
	require.NoError(t, store.Close())

	out, err = run(t, "replay", "--policy", pol, "--checkpoint", path)
	require.NoError(t, err)
	assert.Equal(t, float64(2), out["total_traces"])
}

func TestConfigFile(t *testing.T) {
	pol := writeFile(t, "policy.yaml", goodPolicy)
	c := writeFile(t, "corpus.json", corpusJSON)

	cfg := writeFile(t, "prover.yaml", `prover:
  max_budget: 500
replay:
  window: 2s
sample:
  max_size: 2
  strategy: stratified
  seed: 1
`)
	// The policy declares 1000/s, over the configured ceiling of 500.
	out, err := run(t, "prove", "-c", cfg, "-p", pol, "--corpus", c)
	assert.ErrorIs(t, err, errNotApproved)
	assert.Equal(t, "REJECTED", out["result"].(map[string]any)["status"])

	// The flag overrides the file.
	_, err = run(t, "prove", "-c", cfg, "-p", pol, "--corpus", c, "--max-budget", "5000")
	require.NoError(t, err)

	// The corpus is sampled down to two traces.
	out, err = run(t, "replay", "-c", cfg, "-p", pol, "--corpus", c)
	require.NoError(t, err)
	assert.Equal(t, float64(2), out["total_traces"])

	bad := writeFile(t, "bad.yaml", "prover:\n  analysis_mode: psychic\n")
	_, err = run(t, "prove", "-c", bad, "-p", pol)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis_mode")
}

func TestMutuallyExclusiveCorpusFlags(t *testing.T) {
	_, err := run(t, "replay", "-p", writeFile(t, "policy.yaml", goodPolicy), "--corpus", "a.json", "--checkpoint", "b.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}
