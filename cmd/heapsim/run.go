package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hearthgc/hearth"
	"github.com/hearthgc/hearth/accounting"
	"github.com/hearthgc/hearth/heap"
	"github.com/hearthgc/hearth/mapping"
	"github.com/hearthgc/hearth/segfit"
	"github.com/hearthgc/hearth/space"
)

const mib = 1 << 20

var runCmd = &cobra.Command{
	Use:   "run [flags] <scenario.toml>",
	Short: "Run a mutator workload against a simulated heap",
	Long:  `Build the heap layout a scenario file describes, drive it with concurrent mutators, and interleave collection cycles that process the mod-union tables`,
	Args:  cobra.ExactArgs(1),
	RunE:  runScenario,
}

func init() {
	runCmd.Flags().String("snapshot", "", "write a msgpack heap snapshot to this path when the run ends")
	runCmd.Flags().Bool("verify", false, "run mod-union verification after every collection cycle")
	runCmd.Flags().Bool("debug", false, "enable debug logging")
}

func runScenario(cmd *cobra.Command, args []string) error {
	cfg, err := loadScenario(args[0])
	if err != nil {
		return err
	}

	snapshotPath, err := cmd.Flags().GetString("snapshot")
	if err != nil {
		return fmt.Errorf("failed to get snapshot flag: %w", err)
	}
	verify, err := cmd.Flags().GetBool("verify")
	if err != nil {
		return fmt.Errorf("failed to get verify flag: %w", err)
	}
	debug, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return fmt.Errorf("failed to get debug flag: %w", err)
	}
	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return fmt.Errorf("failed to get quiet flag: %w", err)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sim, err := buildSimulation(cfg, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	cycles, err := sim.run(cmd.Context(), cfg.Workload, verify)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if !quiet {
		printSummary(cmd, sim.heap, cycles, elapsed)
	}

	if snapshotPath != "" {
		sim.heap.Suspender().SuspendAll()
		snap := sim.heap.Snapshot()
		sim.heap.Suspender().ResumeAll()

		data, err := snap.Marshal()
		if err != nil {
			return err
		}
		if err := os.WriteFile(snapshotPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot written to %s (%d bytes)\n", snapshotPath, len(data))
		}
	}
	return nil
}

// simulation bundles the built heap layout for one scenario run.
type simulation struct {
	heap  *heap.Heap
	image *space.ImageSpace
	alloc *space.SegFitsSpace
	los   *space.LargeObjectSpace
}

func buildSimulation(cfg scenarioConfig, logger *slog.Logger) (*simulation, error) {
	h, err := heap.NewHeap(cfg.Heap.Base, cfg.Heap.BudgetMiB*mib, logger)
	if err != nil {
		return nil, err
	}

	stride := hearth.AlignUp(heap.ObjectSize(cfg.Image.RefSlots, 0), accounting.ObjectAlignment)
	imageData := make([]byte, hearth.AlignUp(cfg.Image.Objects*stride, mapping.PageSize))
	offsets := make([]int, cfg.Image.Objects)
	refs := make([]int, cfg.Image.RefSlots)
	for i := range offsets {
		offsets[i] = i * stride
		heap.WriteImageObject(imageData, offsets[i], refs)
	}
	img, err := space.NewImageSpace(h.AddressSpace(), "boot image", imageData, offsets, logger)
	if err != nil {
		return nil, err
	}
	h.AddContinuousSpace(img)
	h.AddCardCacheTable(img)

	alloc, err := space.NewSegFitsSpace(h.AddressSpace(), "main alloc",
		cfg.Heap.AllocCapacityMiB*mib, cfg.Heap.InitialFootKiB*1024,
		segfit.PageReleaseModeSizeAndEnd, h.Suspender(), logger)
	if err != nil {
		return nil, err
	}
	h.AddContinuousSpace(alloc)
	h.AddReferenceCacheTable(alloc, nil)

	los := space.NewLargeObjectSpace(h.AddressSpace(), "large objects", logger)
	h.SetLargeObjectSpace(los)

	return &simulation{heap: h, image: img, alloc: alloc, los: los}, nil
}

// run drives the mutator goroutines and the collector loop until both finish. The workload's
// cycle count is a floor: cycles tick periodically while the mutators run, and any shortfall
// is made up back to back once they drain. Returns the number of cycles that ran.
func (sim *simulation) run(ctx context.Context, workload workloadConfig, verify bool) (int, error) {
	g, gctx := errgroup.WithContext(ctx)

	workDone := make(chan struct{})
	var mutators errgroup.Group
	mutators.SetLimit(workload.Mutators)
	for i := 0; i < workload.Mutators; i++ {
		mutators.Go(func(id int) func() error {
			return func() error {
				mut := sim.heap.AttachMutator(fmt.Sprintf("mutator-%d", id))
				defer sim.heap.DetachMutator(mut)

				lock := sim.heap.Suspender().MutatorLock()
				var prev int
				for j := 0; j < workload.Allocations; j++ {
					select {
					case <-gctx.Done():
						return gctx.Err()
					default:
					}

					lock.Lock()
					obj := sim.heap.AllocObject(sim.alloc, mut, workload.RefSlots, workload.DataBytes)
					if obj == 0 {
						lock.Unlock()
						return fmt.Errorf("mutator %d: allocation region exhausted after %d objects", id, j)
					}
					if workload.RefSlots > 0 {
						// Link each object to its predecessor and every so often to an
						// image object, giving the mod-union tables work to track
						if prev != 0 {
							sim.heap.SetReference(obj, 0, prev)
						}
						if j%64 == 0 {
							sim.heap.SetReference(obj, workload.RefSlots-1, sim.image.Begin())
						}
					}
					prev = obj
					lock.Unlock()
				}
				return nil
			}
		}(i))
	}

	g.Go(func() error {
		defer close(workDone)
		return mutators.Wait()
	})

	cycles := 0
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-workDone:
				return nil
			case <-ticker.C:
				sim.collect(verify)
				cycles++
			}
		}
	})

	if err := g.Wait(); err != nil {
		return cycles, err
	}

	// One cycle with the workload drained so the snapshot sees settled tables, then make up
	// any shortfall against the configured cycle count
	sim.collect(verify)
	cycles++
	for cycles < workload.Cycles {
		sim.collect(verify)
		cycles++
	}
	return cycles, nil
}

func (sim *simulation) collect(verify bool) {
	sim.heap.Suspender().SuspendAll()
	defer sim.heap.Suspender().ResumeAll()

	sim.heap.ProcessModUnionTables(func(obj int) int { return obj })
	if verify {
		sim.heap.VerifyModUnionTables()
	}
}

var (
	summaryLabelColor = color.New(color.FgCyan, color.Bold)
	summaryValueColor = color.New(color.FgWhite)
)

func printSummary(cmd *cobra.Command, h *heap.Heap, cycles int, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	stats := h.Statistics()

	summaryLabelColor.Fprintln(out, "heap run complete")
	fmt.Fprintf(out, "  %s %s\n", summaryLabelColor.Sprint("elapsed:"), summaryValueColor.Sprint(elapsed.Round(time.Millisecond)))
	fmt.Fprintf(out, "  %s %s\n", summaryLabelColor.Sprint("cycles:"), summaryValueColor.Sprint(cycles))
	fmt.Fprintf(out, "  %s %s\n", summaryLabelColor.Sprint("allocations:"), summaryValueColor.Sprint(stats.AllocationCount))
	fmt.Fprintf(out, "  %s %s\n", summaryLabelColor.Sprint("allocated bytes:"), summaryValueColor.Sprint(stats.AllocationBytes))
	fmt.Fprintf(out, "  %s %s\n", summaryLabelColor.Sprint("regions:"), summaryValueColor.Sprint(stats.RegionCount))
}
