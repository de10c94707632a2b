package device

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap/memutils"
	"golang.org/x/exp/slices"
)

// MemoryProperties is the immutable memory configuration of a device
type MemoryProperties struct {
	MemoryTypes []core1_0.MemoryType
	MemoryHeaps []core1_0.MemoryHeap

	// NonCoherentAtomSize is the granularity that ranges of host-visible, non-coherent memory
	// must be aligned to. Zero is treated as 1.
	NonCoherentAtomSize int
	// MinBufferOffsetAlignment is the smallest alignment any suballocated buffer range will be
	// given. Zero is treated as 1.
	MinBufferOffsetAlignment int
	// MaxMemoryAllocationCount is the number of native allocations the device permits to be
	// live at once. Zero means no limit.
	MaxMemoryAllocationCount int
}

// Validate checks that the memory properties are internally consistent
func (p MemoryProperties) Validate() error {
	if len(p.MemoryTypes) == 0 {
		return errors.New("device exposes no memory types")
	}
	if len(p.MemoryTypes) > common.MaxMemoryTypes {
		return errors.Newf("device exposes %d memory types, but at most %d are supported", len(p.MemoryTypes), common.MaxMemoryTypes)
	}
	if len(p.MemoryHeaps) == 0 {
		return errors.New("device exposes no memory heaps")
	}
	if len(p.MemoryHeaps) > common.MaxMemoryHeaps {
		return errors.Newf("device exposes %d memory heaps, but at most %d are supported", len(p.MemoryHeaps), common.MaxMemoryHeaps)
	}

	for typeIndex, memoryType := range p.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(p.MemoryHeaps) {
			return errors.Newf("memory type %d refers to heap %d, but the device only has %d heaps", typeIndex, memoryType.HeapIndex, len(p.MemoryHeaps))
		}
	}

	for heapIndex, heap := range p.MemoryHeaps {
		if heap.Size <= 0 {
			return errors.Newf("memory heap %d has invalid size %d", heapIndex, heap.Size)
		}
	}

	if p.NonCoherentAtomSize != 0 {
		err := memutils.CheckPow2(p.NonCoherentAtomSize, "device nonCoherentAtomSize")
		if err != nil {
			return err
		}
	}

	if p.MinBufferOffsetAlignment != 0 {
		err := memutils.CheckPow2(p.MinBufferOffsetAlignment, "device minimum buffer offset alignment")
		if err != nil {
			return err
		}
	}

	if p.MaxMemoryAllocationCount < 0 {
		return errors.Newf("device maxMemoryAllocationCount is %d", p.MaxMemoryAllocationCount)
	}

	return nil
}

// Clone returns a copy that shares no slices with p
func (p MemoryProperties) Clone() MemoryProperties {
	clone := p
	clone.MemoryTypes = slices.Clone(p.MemoryTypes)
	clone.MemoryHeaps = slices.Clone(p.MemoryHeaps)
	return clone
}

func (p MemoryProperties) MemoryTypeCount() int {
	return len(p.MemoryTypes)
}

func (p MemoryProperties) MemoryHeapCount() int {
	return len(p.MemoryHeaps)
}

func (p MemoryProperties) MemoryTypeIndexToHeapIndex(memoryTypeIndex int) int {
	return p.MemoryTypes[memoryTypeIndex].HeapIndex
}

func (p MemoryProperties) HeapSize(heapIndex int) int {
	return p.MemoryHeaps[heapIndex].Size
}

// IsMemoryTypeHostVisible reports whether allocations of the memory type can be mapped
func (p MemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return p.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

// IsMemoryTypeHostNonCoherent reports whether the memory type is host visible but not host coherent
func (p MemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := p.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// MemoryTypeMinimumAlignment is the alignment every suballocation from the memory type must
// honor, regardless of what the caller requests.
func (p MemoryProperties) MemoryTypeMinimumAlignment(memoryTypeIndex int) uint {
	if p.IsMemoryTypeHostNonCoherent(memoryTypeIndex) && p.NonCoherentAtomSize > 1 {
		return uint(p.NonCoherentAtomSize)
	}

	return 1
}

// BufferOffsetAlignment is the alignment used for ranges suballocated out of a buffer backed by
// the memory type.
func (p MemoryProperties) BufferOffsetAlignment(memoryTypeIndex int) uint {
	alignment := p.MemoryTypeMinimumAlignment(memoryTypeIndex)
	if p.MinBufferOffsetAlignment > 1 {
		alignment = memutils.MaxAlignment(alignment, uint(p.MinBufferOffsetAlignment))
	}
	return alignment
}

// GlobalMemoryTypeBits has one bit set for each memory type the device exposes
func (p MemoryProperties) GlobalMemoryTypeBits() uint32 {
	var typeBits uint32

	for memoryTypeIndex := range p.MemoryTypes {
		typeBits |= 1 << memoryTypeIndex
	}

	return typeBits
}
