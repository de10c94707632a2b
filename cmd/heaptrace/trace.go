package main

import (
	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap"
	"github.com/vkngwrapper/rheap/device"
)

// Trace is a recorded sequence of heap manager operations along with the device they ran on
type Trace struct {
	Device  *TraceDevice        `json:"device"`
	Options jsoniter.RawMessage `json:"options"`
	Events  []Event             `json:"events"`
}

type TraceDevice struct {
	MemoryTypes              []TraceMemoryType `json:"memoryTypes"`
	MemoryHeaps              []TraceMemoryHeap `json:"memoryHeaps"`
	NonCoherentAtomSize      int               `json:"nonCoherentAtomSize"`
	MinBufferOffsetAlignment int               `json:"minBufferOffsetAlignment"`
	MaxMemoryAllocationCount int               `json:"maxMemoryAllocationCount"`
	BufferAlignment          int               `json:"bufferAlignment"`
}

type TraceMemoryType struct {
	Properties []string `json:"properties"`
	Heap       int      `json:"heap"`
}

type TraceMemoryHeap struct {
	Size        int  `json:"size"`
	DeviceLocal bool `json:"deviceLocal"`
}

const (
	OpBuffer  = "buffer"
	OpImage   = "image"
	OpMemory  = "memory"
	OpAcquire = "acquire"
	OpRelease = "release"
	OpFrame   = "frame"
	OpFlush   = "flush"
	OpTrim    = "trim"
)

// Event is one step of a trace. Which fields are meaningful depends on Op.
type Event struct {
	Op string `json:"op"`
	// ID names the allocation an event creates, acquires, or releases
	ID string `json:"id"`

	Size           int      `json:"size"`
	Alignment      int      `json:"alignment"`
	MemoryTypeBits uint32   `json:"memoryTypeBits"`
	Usage          []string `json:"usage"`
	Properties     []string `json:"properties"`
	Flags          []string `json:"flags"`

	// Frame is the frame counter passed to ReleaseFreedPages by frame and flush events
	Frame int `json:"frame"`
}

var memoryPropertyNames = map[string]core1_0.MemoryPropertyFlags{
	"DeviceLocal":     core1_0.MemoryPropertyDeviceLocal,
	"HostVisible":     core1_0.MemoryPropertyHostVisible,
	"HostCoherent":    core1_0.MemoryPropertyHostCoherent,
	"HostCached":      core1_0.MemoryPropertyHostCached,
	"LazilyAllocated": core1_0.MemoryPropertyLazilyAllocated,
}

var bufferUsageNames = map[string]core1_0.BufferUsageFlags{
	"TransferSrc":  core1_0.BufferUsageTransferSrc,
	"TransferDst":  core1_0.BufferUsageTransferDst,
	"UniformTexel": core1_0.BufferUsageUniformTexelBuffer,
	"StorageTexel": core1_0.BufferUsageStorageTexelBuffer,
	"Uniform":      core1_0.BufferUsageUniformBuffer,
	"Storage":      core1_0.BufferUsageStorageBuffer,
	"Index":        core1_0.BufferUsageIndexBuffer,
	"Vertex":       core1_0.BufferUsageVertexBuffer,
	"Indirect":     core1_0.BufferUsageIndirectBuffer,
}

var allocationFlagNames = map[string]rheap.AllocationCreateFlags{
	"Dedicated": rheap.AllocationCreateDedicatedMemory,
	"Critical":  rheap.AllocationCreateCritical,
	"Mapped":    rheap.AllocationCreateMapped,
}

func parseFlags[T ~int32 | ~uint32](names []string, table map[string]T, kind string) (T, error) {
	var flags T
	for _, name := range names {
		flag, ok := table[name]
		if !ok {
			return 0, errors.Newf("unknown %s %q", kind, name)
		}
		flags |= flag
	}
	return flags, nil
}

func parseProperties(names []string) (core1_0.MemoryPropertyFlags, error) {
	return parseFlags(names, memoryPropertyNames, "memory property")
}

func parseUsage(names []string) (core1_0.BufferUsageFlags, error) {
	return parseFlags(names, bufferUsageNames, "buffer usage")
}

func parseAllocationFlags(names []string) (rheap.AllocationCreateFlags, error) {
	return parseFlags(names, allocationFlagNames, "allocation flag")
}

// defaultTraceDevice is a discrete GPU with a 256MiB device local heap and a 256MiB host heap
func defaultTraceDevice() *TraceDevice {
	return &TraceDevice{
		MemoryTypes: []TraceMemoryType{
			{Properties: []string{"DeviceLocal"}, Heap: 0},
			{Properties: []string{"HostVisible", "HostCoherent"}, Heap: 1},
			{Properties: []string{"HostVisible", "HostCached"}, Heap: 1},
		},
		MemoryHeaps: []TraceMemoryHeap{
			{Size: 256 * 1024 * 1024, DeviceLocal: true},
			{Size: 256 * 1024 * 1024},
		},
		NonCoherentAtomSize:      64,
		MinBufferOffsetAlignment: 256,
	}
}

func (d *TraceDevice) properties() (device.MemoryProperties, error) {
	properties := device.MemoryProperties{
		NonCoherentAtomSize:      d.NonCoherentAtomSize,
		MinBufferOffsetAlignment: d.MinBufferOffsetAlignment,
		MaxMemoryAllocationCount: d.MaxMemoryAllocationCount,
	}

	for typeIndex, memoryType := range d.MemoryTypes {
		flags, err := parseProperties(memoryType.Properties)
		if err != nil {
			return device.MemoryProperties{}, errors.Wrapf(err, "memory type %d", typeIndex)
		}
		properties.MemoryTypes = append(properties.MemoryTypes, core1_0.MemoryType{
			PropertyFlags: flags,
			HeapIndex:     memoryType.Heap,
		})
	}

	for _, heap := range d.MemoryHeaps {
		var flags core1_0.MemoryHeapFlags
		if heap.DeviceLocal {
			flags = core1_0.MemoryHeapDeviceLocal
		}
		properties.MemoryHeaps = append(properties.MemoryHeaps, core1_0.MemoryHeap{
			Size:  heap.Size,
			Flags: flags,
		})
	}

	return properties, properties.Validate()
}

// parseTrace decodes a trace document and checks every event before anything is replayed
func parseTrace(data []byte) (*Trace, error) {
	var trace Trace
	err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &trace)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse trace")
	}

	if trace.Device == nil {
		trace.Device = defaultTraceDevice()
	}

	for index, event := range trace.Events {
		err = event.check()
		if err != nil {
			return nil, errors.Wrapf(err, "event %d", index)
		}
	}

	return &trace, nil
}

func (e Event) check() error {
	switch e.Op {
	case OpBuffer, OpImage, OpMemory:
		if e.ID == "" {
			return errors.Newf("%s event has no id", e.Op)
		}
		if e.Size <= 0 {
			return errors.Newf("%s event %q has size %d", e.Op, e.ID, e.Size)
		}
	case OpAcquire, OpRelease:
		if e.ID == "" {
			return errors.Newf("%s event has no id", e.Op)
		}
	case OpFrame, OpFlush:
		if e.Frame < 0 {
			return errors.Newf("%s event has negative frame %d", e.Op, e.Frame)
		}
	case OpTrim:
	default:
		return errors.Newf("unknown op %q", e.Op)
	}

	_, err := parseProperties(e.Properties)
	if err != nil {
		return err
	}
	_, err = parseUsage(e.Usage)
	if err != nil {
		return err
	}
	_, err = parseAllocationFlags(e.Flags)
	return err
}

// createOptions returns the trace's embedded options, or the zero options if it has none
func (t *Trace) createOptions() (rheap.CreateOptions, error) {
	if len(t.Options) == 0 {
		return rheap.CreateOptions{}, nil
	}

	return rheap.ParseOptions(t.Options)
}
