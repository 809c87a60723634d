package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenarioDefaults(t *testing.T) {
	path := writeScenario(t, `
[heap]
budget_mib = 128

[workload]
mutators = 2
ref_slots = 1
`)

	cfg, err := loadScenario(path)
	require.NoError(t, err)
	require.Equal(t, 128, cfg.Heap.BudgetMiB)
	require.Equal(t, 16, cfg.Heap.AllocCapacityMiB)
	require.Equal(t, 0x40000000, cfg.Heap.Base)
	require.Equal(t, 2, cfg.Workload.Mutators)
	require.Equal(t, 1000, cfg.Workload.Allocations)
	require.Equal(t, 16, cfg.Image.Objects)
}

func TestLoadScenarioMissingSections(t *testing.T) {
	path := writeScenario(t, `
[heap]
budget_mib = 64
`)

	_, err := loadScenario(path)
	require.ErrorContains(t, err, "missing [workload]")
}

func TestLoadScenarioUnknownKeys(t *testing.T) {
	path := writeScenario(t, `
[heap]
budget_mib = 64

[workload]
mutators = 2
threads = 9
`)

	_, err := loadScenario(path)
	require.ErrorContains(t, err, "unknown keys")
}

func TestLoadScenarioRejectsNegativeCounts(t *testing.T) {
	path := writeScenario(t, `
[heap]
budget_mib = 64

[workload]
allocations = -5
`)

	_, err := loadScenario(path)
	require.ErrorContains(t, err, "workload.allocations")
}

func TestLoadScenarioAllocMustFitBudget(t *testing.T) {
	path := writeScenario(t, `
[heap]
budget_mib = 16
alloc_capacity_mib = 16

[workload]
mutators = 1
`)

	_, err := loadScenario(path)
	require.ErrorContains(t, err, "must leave room")
}

func TestBuildSimulation(t *testing.T) {
	cfg := scenarioConfig{}
	cfg.applyDefaults()

	sim, err := buildSimulation(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, sim.heap)
	require.Equal(t, "boot image", sim.image.Name())
	require.Equal(t, "main alloc", sim.alloc.Name())
	require.NotZero(t, sim.image.LiveBitmap())
}
