package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap/device"
	"github.com/vkngwrapper/rheap/internal/utils"
)

// NativeMemory is a single live native device-memory allocation. It is owned by the
// DeviceMemoryManager that created it and referenced by exactly one page or sub-buffer.
type NativeMemory struct {
	device          device.Device
	handle          device.MemoryHandle
	size            int
	memoryTypeIndex int
	heapIndex       int
	coherent        bool
	hostVisible     bool

	mapMutex      utils.OptionalMutex
	mapReferences int
	mapData       unsafe.Pointer

	freed bool
}

func (m *NativeMemory) Handle() device.MemoryHandle { return m.handle }
func (m *NativeMemory) Size() int                   { return m.size }
func (m *NativeMemory) MemoryTypeIndex() int        { return m.memoryTypeIndex }
func (m *NativeMemory) HeapIndex() int              { return m.heapIndex }

// IsCoherent reports whether host writes to this memory are visible to the device without an
// explicit flush
func (m *NativeMemory) IsCoherent() bool    { return m.coherent }
func (m *NativeMemory) IsHostVisible() bool { return m.hostVisible }

func (m *NativeMemory) MapReferences() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapReferences
}

func (m *NativeMemory) IsMapped() bool {
	return m.MapReferences() > 0
}

// MappedData returns the host pointer to the start of the memory, or nil if it is not mapped
func (m *NativeMemory) MappedData() unsafe.Pointer {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapData
}

// Map adds references to the memory's mapping, mapping the whole allocation on the first
// reference, and returns the host pointer to the start of the memory.
func (m *NativeMemory) Map(references int) (unsafe.Pointer, common.VkResult, error) {
	if references == 0 {
		return nil, core1_0.VKSuccess, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if !m.hostVisible {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("memory type %d is not host visible and cannot be mapped", m.memoryTypeIndex)
	}

	if m.mapReferences > 0 {
		if m.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the native memory is showing existing mapping references, but no mapped memory")
		}

		m.mapReferences += references
		return m.mapData, core1_0.VKSuccess, nil
	}

	mappedData, res, err := m.device.MapMemory(m.handle, 0, m.size)
	if err != nil {
		return nil, res, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, res, nil
}

// Unmap removes references from the memory's mapping. The native memory is unmapped when the
// last reference is removed.
func (m *NativeMemory) Unmap(references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences < references {
		return errors.Newf("attempted to remove %d mapping references from native memory that only has %d", references, m.mapReferences)
	}

	m.mapReferences -= references
	if m.mapReferences == 0 && m.mapData != nil {
		m.device.UnmapMemory(m.handle)
		m.mapData = nil
	}

	return nil
}
