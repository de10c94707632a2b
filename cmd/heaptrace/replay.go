package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap"
	"github.com/vkngwrapper/rheap/device/hostmem"
	"golang.org/x/exp/slog"
)

var (
	replayStats    bool
	replayDetailed bool
)

func init() {
	cmd := newReplayCmd()
	cmd.Flags().BoolVar(&replayStats, "stats", false, "Print the heap manager statistics document after the trace")
	cmd.Flags().BoolVar(&replayDetailed, "detailed", false, "Include every page and shared buffer in the statistics document")
	rootCmd.AddCommand(cmd)
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <trace.json>",
		Short: "Replay an allocation trace",
		Long: `The replay command runs every event of a trace against a fresh heap manager
and reports the resulting page usage.

Example:
  heaptrace replay frame.json
  heaptrace replay frame.json --stats --detailed
  heaptrace replay frame.json --config options.json --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0])
		},
	}
	return cmd
}

// ReplayFailure is an allocation event that the heap manager refused
type ReplayFailure struct {
	Event int    `json:"event"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

type HeapSummary struct {
	MemoryTypeIndex int `json:"memoryTypeIndex"`
	PageSize        int `json:"pageSize"`
	ActivePages     int `json:"activePages"`
	DedicatedPages  int `json:"dedicatedPages"`
	PendingPages    int `json:"pendingPages"`
}

// ReplaySummary describes the state of the heap manager once every event has run
type ReplaySummary struct {
	Events                int             `json:"events"`
	Allocations           int             `json:"allocations"`
	Failures              []ReplayFailure `json:"failures,omitempty"`
	PagesFreed            int             `json:"pagesFreed"`
	SubBuffersTrimmed     int             `json:"subBuffersTrimmed"`
	LiveAllocations       int             `json:"liveAllocations"`
	NativeAllocations     int             `json:"nativeAllocations"`
	PeakNativeAllocations int             `json:"peakNativeAllocations"`
	SubBuffers            int             `json:"subBuffers"`
	Heaps                 []HeapSummary   `json:"heaps"`
}

type replayer struct {
	logger  *slog.Logger
	manager *rheap.HeapManager
	live    map[string]*rheap.Allocation
	frame   int
	summary ReplaySummary
}

func newReplayer(logger *slog.Logger, manager *rheap.HeapManager) *replayer {
	return &replayer{
		logger:  logger,
		manager: manager,
		live:    make(map[string]*rheap.Allocation),
	}
}

func (r *replayer) run(events []Event) (ReplaySummary, error) {
	for index, event := range events {
		err := r.apply(index, event)
		if err != nil {
			return r.summary, errors.Wrapf(err, "event %d (%s)", index, event.Op)
		}

		r.summary.Events++
		if native := r.manager.NativeAllocationCount(); native > r.summary.PeakNativeAllocations {
			r.summary.PeakNativeAllocations = native
		}
	}

	r.summary.LiveAllocations = len(r.live)
	r.summary.NativeAllocations = r.manager.NativeAllocationCount()
	r.summary.SubBuffers = r.manager.SubBufferCount()
	for typeIndex := 0; typeIndex < r.manager.MemoryTypeCount(); typeIndex++ {
		heap := r.manager.Heap(typeIndex)
		if heap == nil {
			continue
		}

		r.summary.Heaps = append(r.summary.Heaps, HeapSummary{
			MemoryTypeIndex: typeIndex,
			PageSize:        heap.PageSize(),
			ActivePages:     heap.ActivePageCount(),
			DedicatedPages:  heap.DedicatedPageCount(),
			PendingPages:    heap.PendingPageCount(),
		})
	}

	return r.summary, nil
}

func (r *replayer) apply(index int, event Event) error {
	switch event.Op {
	case OpBuffer, OpImage, OpMemory:
		return r.allocate(index, event)
	case OpAcquire:
		alloc, ok := r.live[event.ID]
		if !ok {
			return errors.Newf("acquire of unknown allocation %q", event.ID)
		}
		alloc.Acquire()
	case OpRelease:
		alloc, ok := r.live[event.ID]
		if !ok {
			return errors.Newf("release of unknown allocation %q", event.ID)
		}
		alloc.Release()
		if alloc.IsReleased() {
			delete(r.live, event.ID)
		}
	case OpFrame, OpFlush:
		if event.Frame < r.frame {
			return errors.Newf("frame went backwards from %d to %d", r.frame, event.Frame)
		}
		r.frame = event.Frame
		r.summary.PagesFreed += r.manager.ReleaseFreedPages(event.Frame, event.Op == OpFlush)
	case OpTrim:
		r.summary.SubBuffersTrimmed += r.manager.Trim()
	}

	return nil
}

func (r *replayer) allocate(index int, event Event) error {
	if _, exists := r.live[event.ID]; exists {
		return errors.Newf("allocation %q is already live", event.ID)
	}

	properties, err := parseProperties(event.Properties)
	if err != nil {
		return err
	}
	flags, err := parseAllocationFlags(event.Flags)
	if err != nil {
		return err
	}

	var alloc *rheap.Allocation
	switch event.Op {
	case OpBuffer:
		var usage core1_0.BufferUsageFlags
		usage, err = parseUsage(event.Usage)
		if err != nil {
			return err
		}
		alloc, _, err = r.manager.AllocateBuffer(event.Size, usage, properties, flags)
	case OpImage:
		alloc, _, err = r.manager.AllocateImageMemory(event.Size, uint(event.Alignment), properties, flags)
	case OpMemory:
		typeBits := event.MemoryTypeBits
		if typeBits == 0 {
			typeBits = ^uint32(0)
		}
		alloc, _, err = r.manager.AllocateMemory(core1_0.MemoryRequirements{
			Size:           event.Size,
			Alignment:      event.Alignment,
			MemoryTypeBits: typeBits,
		}, properties, flags)
	}

	if err != nil {
		r.logger.Warn("allocation failed", slog.Int("Event", index), slog.String("ID", event.ID), slog.Any("Error", err))
		r.summary.Failures = append(r.summary.Failures, ReplayFailure{
			Event: index,
			ID:    event.ID,
			Error: err.Error(),
		})
		return nil
	}

	alloc.SetName(event.ID)
	r.live[event.ID] = alloc
	r.summary.Allocations++
	return nil
}

// releaseAll drops every reference the trace left outstanding
func (r *replayer) releaseAll() {
	for id, alloc := range r.live {
		for !alloc.IsReleased() {
			alloc.Release()
		}
		delete(r.live, id)
	}
}

func runReplay(out io.Writer, errOut io.Writer, tracePath string) error {
	data, err := os.ReadFile(tracePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read trace %s", tracePath)
	}

	trace, err := parseTrace(data)
	if err != nil {
		return err
	}

	options, fromConfig, err := loadConfig()
	if err != nil {
		return err
	}
	if !fromConfig {
		options, err = trace.createOptions()
		if err != nil {
			return err
		}
	}

	properties, err := trace.Device.properties()
	if err != nil {
		return errors.Wrap(err, "invalid trace device")
	}

	dev, err := hostmem.New(hostmem.Options{
		Properties:      properties,
		BufferAlignment: trace.Device.BufferAlignment,
	})
	if err != nil {
		return err
	}

	logger := newLogger(errOut)
	manager, err := rheap.New(logger, dev, options)
	if err != nil {
		return err
	}

	r := newReplayer(logger, manager)
	summary, err := r.run(trace.Events)
	if err != nil {
		r.releaseAll()
		return errors.CombineErrors(err, manager.Destroy())
	}

	if replayStats {
		fmt.Fprintln(out, manager.BuildStatsString(replayDetailed))
	}

	r.releaseAll()
	err = manager.Destroy()
	if err != nil {
		return err
	}

	return printSummary(out, summary)
}

func printSummary(out io.Writer, summary ReplaySummary) error {
	if jsonOut {
		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	fmt.Fprintf(out, "Events:                  %d\n", summary.Events)
	fmt.Fprintf(out, "Allocations:             %d\n", summary.Allocations)
	fmt.Fprintf(out, "Failed allocations:      %d\n", len(summary.Failures))
	fmt.Fprintf(out, "Live at end of trace:    %d\n", summary.LiveAllocations)
	fmt.Fprintf(out, "Native allocations:      %d (peak %d)\n", summary.NativeAllocations, summary.PeakNativeAllocations)
	fmt.Fprintf(out, "Shared buffers:          %d\n", summary.SubBuffers)
	fmt.Fprintf(out, "Pages freed:             %d\n", summary.PagesFreed)
	fmt.Fprintf(out, "Shared buffers trimmed:  %d\n", summary.SubBuffersTrimmed)

	for _, heap := range summary.Heaps {
		fmt.Fprintf(out, "Memory type %d: page size %d, %d active, %d dedicated, %d pending\n",
			heap.MemoryTypeIndex, heap.PageSize, heap.ActivePages, heap.DedicatedPages, heap.PendingPages)
	}

	for _, failure := range summary.Failures {
		fmt.Fprintf(out, "  event %d (%s): %s\n", failure.Event, failure.ID, failure.Error)
	}

	return nil
}
