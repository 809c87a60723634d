package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunHonorsCycleFloor(t *testing.T) {
	cfg := scenarioConfig{}
	cfg.applyDefaults()
	cfg.Workload = workloadConfig{Mutators: 2, Allocations: 50, RefSlots: 1, DataBytes: 16, Cycles: 6}

	sim, err := buildSimulation(cfg, nil)
	require.NoError(t, err)

	cycles, err := sim.run(context.Background(), cfg.Workload, true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, cycles, cfg.Workload.Cycles)

	// The drain cycles left the tables settled and the counters flushed
	require.Equal(t, 100, sim.alloc.ObjectsAllocated())
}
