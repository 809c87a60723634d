package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"

	"github.com/hearthgc/hearth/heap"
)

var inspectFormat string

var inspectCmd = &cobra.Command{
	Use:   "inspect [flags] <snapshot.bin>",
	Short: "Inspect a heap snapshot written by a previous run",
	Args:  cobra.ExactArgs(1),
	RunE:  inspectSnapshot,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "pretty", "output format (pretty|json)")
}

func inspectSnapshot(cmd *cobra.Command, args []string) error {
	switch strings.ToLower(inspectFormat) {
	case "pretty", "json":
		// supported
	default:
		return fmt.Errorf("unsupported format %q (must be pretty or json)", inspectFormat)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	snap, err := heap.LoadSnapshot(data)
	if err != nil {
		return err
	}

	if strings.ToLower(inspectFormat) == "json" {
		return renderSnapshotJSON(cmd.OutOrStdout(), snap)
	}
	renderSnapshotPretty(cmd.OutOrStdout(), snap)
	return nil
}

func renderSnapshotJSON(out io.Writer, snap *heap.Snapshot) error {
	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("takenAt").String(snap.TakenAt.Format(time.RFC3339Nano))

	spacesArr := obj.Name("spaces").Array()
	for _, s := range snap.Spaces {
		spaceObj := spacesArr.Object()
		spaceObj.Name("name").String(s.Name)
		spaceObj.Name("type").String(s.Type)
		spaceObj.Name("policy").String(s.Policy)
		spaceObj.Name("begin").Int(s.Begin)
		spaceObj.Name("end").Int(s.End)
		spaceObj.Name("capacity").Int(s.Capacity)
		spaceObj.Name("objects").Int(s.Objects)
		spaceObj.Name("bytes").Int(s.Bytes)
		spaceObj.End()
	}
	spacesArr.End()

	statsObj := obj.Name("stats").Object()
	statsObj.Name("regions").Int(snap.Stats.Regions)
	statsObj.Name("allocations").Int(snap.Stats.Allocations)
	statsObj.Name("regionBytes").Int(snap.Stats.RegionBytes)
	statsObj.Name("allocationBytes").Int(snap.Stats.AllocationBytes)
	statsObj.End()

	obj.End()
	if err := w.Error(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%s\n", w.Bytes())
	return err
}

var (
	spaceNameColor = color.New(color.FgYellow, color.Bold)
	spaceTypeColor = color.New(color.FgGreen)
)

func renderSnapshotPretty(out io.Writer, snap *heap.Snapshot) {
	fmt.Fprintf(out, "snapshot taken %s\n", snap.TakenAt.Format(time.RFC3339))
	for _, s := range snap.Spaces {
		fmt.Fprintf(out, "  %s %s policy=%s", spaceNameColor.Sprint(s.Name), spaceTypeColor.Sprint(s.Type), s.Policy)
		if s.Capacity > 0 {
			fmt.Fprintf(out, " range=[%#x-%#x) capacity=%d", s.Begin, s.End, s.Capacity)
		}
		fmt.Fprintf(out, " objects=%d bytes=%d\n", s.Objects, s.Bytes)
	}
	fmt.Fprintf(out, "  regions=%d allocations=%d regionBytes=%d allocationBytes=%d\n",
		snap.Stats.Regions, snap.Stats.Allocations, snap.Stats.RegionBytes, snap.Stats.AllocationBytes)
}
