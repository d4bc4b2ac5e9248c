package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/lodterrain/internal/driver"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "terrain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestPolicyResolvesAllocation(t *testing.T) {
	t.Setenv("LODTERRAIN_NUM_LOADING_THREADS", "")
	path := writeConfig(t, `
loading_policy:
  mode: preemptive
  loading_threads_per_core: 2
  compile_threads: 3
elevation_layers:
  - {id: 100, name: dem}
image_layers:
  - {id: 1, name: base, loading_weight: 2}
  - {id: 2, name: roads}
`)
	out := execute(t, "policy", "-c", path, "--cpus", "4", "--json")

	var rep PolicyReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "preemptive", rep.Mode)
	assert.Equal(t, 8, rep.LoadingThreads)
	assert.Equal(t, 3, rep.CompileThreads)
	// Weights 1:2:1 over 8 threads.
	assert.Equal(t, 2, rep.Elevation)
	assert.Equal(t, map[string]int{"base": 4, "roads": 2}, rep.Imagery)
}

func TestPolicyEnvOverride(t *testing.T) {
	t.Setenv("LODTERRAIN_NUM_LOADING_THREADS", "3")
	out := execute(t, "policy", "--cpus", "16", "--json")

	var rep PolicyReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "sequential", rep.Mode)
	assert.Equal(t, 3, rep.LoadingThreads)
}

func TestPolicyStandardModeHasNoLoadingThreads(t *testing.T) {
	path := writeConfig(t, "loading_policy: {mode: standard}\nimage_layers: [{id: 1, name: base}]\n")
	out := execute(t, "policy", "-c", path, "--cpus", "4", "--json")

	var rep PolicyReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "standard", rep.Mode)
	assert.Zero(t, rep.LoadingThreads)
	assert.Equal(t, 2, rep.CompileThreads)
}

func TestSeedThenRunFromDirectory(t *testing.T) {
	t.Setenv("LODTERRAIN_NUM_LOADING_THREADS", "")
	dir := t.TempDir()
	out := execute(t, "seed", "-o", dir, "--max-level", "1")
	// Geodetic: 2 + 8 tiles, three demo layers each.
	assert.Contains(t, out, "wrote 30 tiles")

	out = execute(t, "run",
		"--data", dir,
		"--addr", "",
		"--fps", "0",
		"--frames", "20",
		"--radius", "60",
		"--speed", "5",
	)
	var res struct {
		Summary driver.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, int64(20), res.Summary.Frames)
	assert.Positive(t, res.Summary.PeakSelected)
}

func TestSeedRequiresOut(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"seed"})
	assert.Error(t, cmd.Execute())
}
