package main

import (
	"fmt"
	"strings"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"
)

// scenarioConfig is the TOML description of one simulation run: the heap layout to build and
// the mutator workload to throw at it.
type scenarioConfig struct {
	Heap     heapConfig     `toml:"heap"`
	Image    imageConfig    `toml:"image"`
	Workload workloadConfig `toml:"workload"`
}

type heapConfig struct {
	Base             int `toml:"base"`
	BudgetMiB        int `toml:"budget_mib"`
	AllocCapacityMiB int `toml:"alloc_capacity_mib"`
	InitialFootKiB   int `toml:"initial_footprint_kib"`
}

type imageConfig struct {
	Objects  int `toml:"objects"`
	RefSlots int `toml:"ref_slots"`
}

type workloadConfig struct {
	Mutators    int `toml:"mutators"`
	Allocations int `toml:"allocations"`
	RefSlots    int `toml:"ref_slots"`
	DataBytes   int `toml:"data_bytes"`
	Cycles      int `toml:"cycles"`
}

func loadScenario(path string) (scenarioConfig, error) {
	var cfg scenarioConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return scenarioConfig{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if !meta.IsDefined("heap") {
		return scenarioConfig{}, fmt.Errorf("%s: missing [heap]", path)
	}
	if !meta.IsDefined("workload") {
		return scenarioConfig{}, fmt.Errorf("%s: missing [workload]", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return scenarioConfig{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.validate(path); err != nil {
		return scenarioConfig{}, err
	}
	return cfg, nil
}

func (c *scenarioConfig) applyDefaults() {
	if c.Heap.Base == 0 {
		c.Heap.Base = 0x40000000
	}
	if c.Heap.BudgetMiB == 0 {
		c.Heap.BudgetMiB = 64
	}
	if c.Heap.AllocCapacityMiB == 0 {
		c.Heap.AllocCapacityMiB = 16
	}
	if c.Heap.InitialFootKiB == 0 {
		c.Heap.InitialFootKiB = 1024
	}
	if c.Image.Objects == 0 {
		c.Image.Objects = 16
	}
	if c.Workload.Mutators == 0 {
		c.Workload.Mutators = 4
	}
	if c.Workload.Allocations == 0 {
		c.Workload.Allocations = 1000
	}
	if c.Workload.Cycles == 0 {
		c.Workload.Cycles = 8
	}
}

func (c *scenarioConfig) validate(path string) error {
	// Counts feed slice sizes and uint32 object headers, so reject anything that cannot
	// narrow cleanly instead of silently truncating.
	for _, field := range []struct {
		name  string
		value int
	}{
		{"image.objects", c.Image.Objects},
		{"image.ref_slots", c.Image.RefSlots},
		{"workload.mutators", c.Workload.Mutators},
		{"workload.allocations", c.Workload.Allocations},
		{"workload.ref_slots", c.Workload.RefSlots},
		{"workload.data_bytes", c.Workload.DataBytes},
		{"workload.cycles", c.Workload.Cycles},
	} {
		if _, err := safecast.Conv[uint32](field.value); err != nil {
			return fmt.Errorf("%s: %s: %w", path, field.name, err)
		}
	}

	if c.Heap.AllocCapacityMiB >= c.Heap.BudgetMiB {
		return fmt.Errorf("%s: alloc_capacity_mib %d must leave room inside budget_mib %d",
			path, c.Heap.AllocCapacityMiB, c.Heap.BudgetMiB)
	}
	return nil
}
