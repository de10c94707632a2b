package vulkan

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap/device"
	"github.com/vkngwrapper/rheap/internal/utils"
	"github.com/vkngwrapper/rheap/memutils"
)

type MemoryCallbacks interface {
	Allocate(memoryType int, memory device.MemoryHandle, size int)
	Free(memoryType int, memory device.MemoryHandle, size int)
}

// DeviceMemoryManager issues and releases NativeMemory objects and keeps running per-heap
// counters for diagnostics.
type DeviceMemoryManager struct {
	// Number of native allocations that are live in each heap
	blockCount [common.MaxMemoryHeaps]int32
	// Number of allocations handed to callers from each heap, whether dedicated or suballocated
	allocationCount [common.MaxMemoryHeaps]int32
	// Size of native allocations that are live in each heap
	blockBytes [common.MaxMemoryHeaps]int64
	// Largest value blockBytes has held for each heap
	peakBlockBytes [common.MaxMemoryHeaps]int64
	// Size of allocations handed to callers from each heap
	allocationBytes [common.MaxMemoryHeaps]int64

	// Whether the NativeMemory objects created by this manager should use a mutex to control mapping
	useMutex        bool
	memoryCallbacks MemoryCallbacks
	memoryCount     uint32
	heapLimits      []int

	device         device.Device
	properties     device.MemoryProperties
	globalTypeBits uint32
}

func NewDeviceMemoryManager(
	useMutex bool,
	memoryCallbacks MemoryCallbacks,
	dev device.Device,
	heapSizeLimits []int,
) (*DeviceMemoryManager, error) {
	properties := dev.MemoryProperties().Clone()
	err := properties.Validate()
	if err != nil {
		return nil, err
	}

	heapCount := properties.MemoryHeapCount()
	heapLimitCount := len(heapSizeLimits)

	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.Newf("CreateOptions.HeapSizeLimits has %d entries, but the device has %d memory heaps", heapLimitCount, heapCount)
	}

	heapLimits := make([]int, heapCount)
	for heapIndex := range heapLimits {
		heapLimits[heapIndex] = properties.HeapSize(heapIndex)

		if heapLimitCount == 0 {
			continue
		}

		limit := heapSizeLimits[heapIndex]
		if limit < 0 {
			return nil, errors.Newf("CreateOptions.HeapSizeLimits[%d] is negative", heapIndex)
		}
		if limit > 0 && limit < heapLimits[heapIndex] {
			heapLimits[heapIndex] = limit
		}
	}

	return &DeviceMemoryManager{
		useMutex:        useMutex,
		memoryCallbacks: memoryCallbacks,
		heapLimits:      heapLimits,

		device:         dev,
		properties:     properties,
		globalTypeBits: properties.GlobalMemoryTypeBits(),
	}, nil
}

func (m *DeviceMemoryManager) Device() device.Device {
	return m.device
}

// Properties returns the device's memory configuration, as it was when the manager was created
func (m *DeviceMemoryManager) Properties() device.MemoryProperties {
	return m.properties
}

func (m *DeviceMemoryManager) MemoryTypeCount() int {
	return m.properties.MemoryTypeCount()
}

func (m *DeviceMemoryManager) MemoryHeapCount() int {
	return m.properties.MemoryHeapCount()
}

func (m *DeviceMemoryManager) MemoryTypeIndexToHeapIndex(memoryTypeIndex int) int {
	return m.properties.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
}

func (m *DeviceMemoryManager) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.properties.MemoryTypes[memoryTypeIndex]
}

// HeapLimit is the number of bytes that may be allocated from a heap: its size, or the
// configured heap size limit if that is smaller
func (m *DeviceMemoryManager) HeapLimit(heapIndex int) int {
	return m.heapLimits[heapIndex]
}

func (m *DeviceMemoryManager) GlobalMemoryTypeBits() uint32 {
	return m.globalTypeBits
}

// SelectMemoryType returns the lowest memory type index present in candidateTypeBits whose
// property flags include all of requiredFlags
func (m *DeviceMemoryManager) SelectMemoryType(candidateTypeBits uint32, requiredFlags core1_0.MemoryPropertyFlags) (int, common.VkResult, error) {
	typeBits := candidateTypeBits & m.globalTypeBits

	for memoryTypeIndex := 0; memoryTypeIndex < m.MemoryTypeCount(); memoryTypeIndex++ {
		if typeBits&(1<<memoryTypeIndex) == 0 {
			continue
		}

		flags := m.properties.MemoryTypes[memoryTypeIndex].PropertyFlags
		if flags&requiredFlags == requiredFlags {
			return memoryTypeIndex, core1_0.VKSuccess, nil
		}
	}

	return -1, core1_0.VKErrorFeatureNotPresent, errors.Wrapf(ErrNoMatchingMemoryType,
		"candidate memory types %#b, required flags %s", candidateTypeBits, requiredFlags)
}

func (m *DeviceMemoryManager) addBlockAllocationWithBudget(heapIndex, allocationSize int) (common.VkResult, error) {
	maxAllocatable := int64(m.heapLimits[heapIndex])

	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > maxAllocatable {
			return core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(ErrOutOfDeviceMemory,
				"allocating %d bytes would exceed the %d byte limit of heap %d", allocationSize, maxAllocatable, heapIndex)
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			m.raisePeak(heapIndex, targetVal)
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return core1_0.VKSuccess, nil
}

func (m *DeviceMemoryManager) raisePeak(heapIndex int, value int64) {
	for {
		peak := atomic.LoadInt64(&m.peakBlockBytes[heapIndex])
		if value <= peak || atomic.CompareAndSwapInt64(&m.peakBlockBytes[heapIndex], peak, value) {
			return
		}
	}
}

func (m *DeviceMemoryManager) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// Allocate issues one native allocation of size bytes from the memory type. If the allocation
// fails and allowFailure is false, Allocate panics: the caller has no way to proceed without
// the memory.
func (m *DeviceMemoryManager) Allocate(size int, memoryTypeIndex int, allowFailure bool) (mem *NativeMemory, res common.VkResult, err error) {
	err = memutils.CheckPositive(size, "native allocation size")
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= m.MemoryTypeCount() {
		return nil, core1_0.VKErrorUnknown, errors.Newf("memory type index %d does not exist", memoryTypeIndex)
	}

	defer func() {
		if err != nil && !allowFailure {
			panic(fmt.Sprintf("failed to allocate %d bytes of critical native memory from memory type %d: %+v", size, memoryTypeIndex, err))
		}
	}()

	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	maxCount := m.properties.MaxMemoryAllocationCount
	if maxCount > 0 && int(newDeviceCount) > maxCount {
		return nil, core1_0.VKErrorTooManyObjects, errors.Wrapf(ErrOutOfDeviceMemory,
			"the device permits at most %d live native allocations", maxCount)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	res, err = m.addBlockAllocationWithBudget(heapIndex, size)
	if err != nil {
		return nil, res, err
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	handle, res, err := m.device.AllocateMemory(size, memoryTypeIndex)
	if err != nil {
		if res == core1_0.VKErrorOutOfDeviceMemory || res == core1_0.VKErrorOutOfHostMemory {
			oomErr := errors.Wrapf(ErrOutOfDeviceMemory, "native allocation of %d bytes from memory type %d failed", size, memoryTypeIndex)
			return nil, res, errors.WithSecondaryError(oomErr, err)
		}
		return nil, res, errors.Wrapf(err, "native allocation of %d bytes from memory type %d failed", size, memoryTypeIndex)
	}

	flags := m.properties.MemoryTypes[memoryTypeIndex].PropertyFlags
	mem = &NativeMemory{
		device:          m.device,
		handle:          handle,
		size:            size,
		memoryTypeIndex: memoryTypeIndex,
		heapIndex:       heapIndex,
		hostVisible:     flags&core1_0.MemoryPropertyHostVisible != 0,
		coherent:        flags&core1_0.MemoryPropertyHostCoherent != 0,
		mapMutex: utils.OptionalMutex{
			Enabled: m.useMutex,
		},
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, handle, size)
	}

	return mem, res, nil
}

// Free releases a native allocation. Freeing nil is a no-op; freeing memory that is still
// mapped or has already been freed panics.
func (m *DeviceMemoryManager) Free(memory *NativeMemory) {
	if memory == nil {
		return
	}

	if memory.freed {
		panic(fmt.Sprintf("attempted to free native memory handle %d twice", memory.handle))
	}
	if memory.IsMapped() {
		panic(fmt.Sprintf("attempted to free native memory handle %d while it is still mapped", memory.handle))
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memory.memoryTypeIndex, memory.handle, memory.size)
	}

	m.device.FreeMemory(memory.handle)
	memory.freed = true

	m.removeBlockAllocation(memory.heapIndex, memory.size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

func (m *DeviceMemoryManager) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryManager) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

// HeapBudgets fills budgets with the counters of len(budgets) heaps, starting at firstHeap
func (m *DeviceMemoryManager) HeapBudgets(firstHeap int, budgets []memutils.Budget) {
	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i

		budgets[i].Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		budgets[i].Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
		budgets[i].Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
		budgets[i].Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

		budgets[i].Usage = budgets[i].Statistics.BlockBytes
		budgets[i].PeakUsage = int(atomic.LoadInt64(&m.peakBlockBytes[heapIndex]))
		budgets[i].Budget = m.heapLimits[heapIndex]
	}
}

// AllocationCount is the number of live native allocations
func (m *DeviceMemoryManager) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}
