package rheap

import (
	"bytes"
	"io"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap/device"
	"github.com/vkngwrapper/rheap/device/hostmem"
	"golang.org/x/exp/slog"
)

const testPageSize = 1024 * 1024

func testProperties() device.MemoryProperties {
	return device.MemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  64 * 1024 * 1024,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
			{
				Size:  64 * 1024 * 1024,
				Flags: 0,
			},
		},
		NonCoherentAtomSize:      64,
		MinBufferOffsetAlignment: 16,
	}
}

func readyManager(t *testing.T, options CreateOptions) (*HeapManager, *hostmem.Device) {
	return readyManagerWithLogger(t, slog.New(slog.NewTextHandler(io.Discard)), options)
}

func readyManagerWithLogger(t *testing.T, logger *slog.Logger, options CreateOptions) (*HeapManager, *hostmem.Device) {
	dev, err := hostmem.New(hostmem.Options{
		Properties: testProperties(),
	})
	require.NoError(t, err)

	if options.PageSize == 0 {
		options.PageSize = testPageSize
	}

	manager, err := New(logger, dev, options)
	require.NoError(t, err)

	return manager, dev
}

func TestHeapPageGrowthIsDeterministic(t *testing.T) {
	manager, dev := readyManager(t, CreateOptions{})
	heap := manager.Heap(0)
	require.NotNil(t, heap)
	require.Equal(t, testPageSize, heap.PageSize())

	first, _, err := manager.AllocateImageMemory(400*1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	second, _, err := manager.AllocateImageMemory(400*1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)

	require.Equal(t, 0, first.Offset())
	require.Equal(t, 400*1024, second.Offset())
	require.Equal(t, first.Memory(), second.Memory())
	require.Equal(t, 1, heap.ActivePageCount())

	// The first page only has 224KiB left
	third, _, err := manager.AllocateImageMemory(400*1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	require.NotEqual(t, first.Memory(), third.Memory())
	require.Equal(t, 0, third.Offset())
	require.Equal(t, 2, heap.ActivePageCount())
	require.Equal(t, 2, dev.LiveMemoryCount())

	// A hole in the oldest page is preferred over free space in the newer one
	first.Release()
	fourth, _, err := manager.AllocateImageMemory(300*1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, second.Memory(), fourth.Memory())
	require.Equal(t, 0, fourth.Offset())

	// Fits in the tail of the first page
	fifth, _, err := manager.AllocateImageMemory(200*1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, second.Memory(), fifth.Memory())
	require.Equal(t, 800*1024, fifth.Offset())

	require.Equal(t, 2, heap.ActivePageCount())
	require.NoError(t, manager.Validate())

	second.Release()
	third.Release()
	fourth.Release()
	fifth.Release()
	require.NoError(t, manager.Destroy())
	require.Equal(t, 0, dev.LiveMemoryCount())
}

func TestImageMemoryAlignment(t *testing.T) {
	testCases := map[string]struct {
		Alignment uint
	}{
		"One":         {Alignment: 1},
		"Sixteen":     {Alignment: 16},
		"TwoFiftySix": {Alignment: 256},
		"FourKiB":     {Alignment: 4096},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			manager, _ := readyManager(t, CreateOptions{})

			odd, _, err := manager.AllocateImageMemory(77, 1, core1_0.MemoryPropertyDeviceLocal, 0)
			require.NoError(t, err)

			aligned, _, err := manager.AllocateImageMemory(1000, testCase.Alignment, core1_0.MemoryPropertyDeviceLocal, 0)
			require.NoError(t, err)
			require.Zero(t, aligned.Offset()%int(testCase.Alignment))
			require.GreaterOrEqual(t, aligned.Offset(), 77)
			require.NoError(t, manager.Validate())

			odd.Release()
			aligned.Release()
			require.NoError(t, manager.Destroy())
		})
	}
}

func TestImageMemoryInvalidAlignment(t *testing.T) {
	manager, _ := readyManager(t, CreateOptions{})

	_, res, err := manager.AllocateImageMemory(64, 3, core1_0.MemoryPropertyDeviceLocal, 0)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)

	_, _, err = manager.AllocateImageMemory(0, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.Error(t, err)
}

func TestNonCoherentMinimumAlignment(t *testing.T) {
	properties := testProperties()
	properties.MemoryTypes[1].PropertyFlags = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached

	dev, err := hostmem.New(hostmem.Options{Properties: properties})
	require.NoError(t, err)
	manager, err := New(slog.New(slog.NewTextHandler(io.Discard)), dev, CreateOptions{PageSize: testPageSize})
	require.NoError(t, err)

	first, _, err := manager.AllocateImageMemory(10, 1, core1_0.MemoryPropertyHostVisible, 0)
	require.NoError(t, err)
	second, _, err := manager.AllocateImageMemory(10, 1, core1_0.MemoryPropertyHostVisible, 0)
	require.NoError(t, err)

	require.Equal(t, 0, first.Offset())
	require.Equal(t, 64, second.Offset())
	require.Equal(t, uint(64), second.Alignment())

	first.Release()
	second.Release()
	require.NoError(t, manager.Destroy())
}

func TestDeferredReclamation(t *testing.T) {
	manager, dev := readyManager(t, CreateOptions{FrameDelay: 2})
	heap := manager.Heap(0)
	require.Equal(t, 2, heap.FrameDelay())

	alloc, _, err := manager.AllocateImageMemory(1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	firstMemory := alloc.Memory()
	alloc.Release()

	// Still in the active list until the next pass, so it can be reused
	reused, _, err := manager.AllocateImageMemory(1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, firstMemory, reused.Memory())
	reused.Release()

	require.Equal(t, 0, manager.ReleaseFreedPages(10, false))
	require.Equal(t, 0, heap.ActivePageCount())
	require.Equal(t, 1, heap.PendingPageCount())
	require.Equal(t, 1, dev.LiveMemoryCount())

	// Pending pages are never handed out again
	fresh, _, err := manager.AllocateImageMemory(1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	require.NotEqual(t, firstMemory, fresh.Memory())
	require.Equal(t, 2, dev.LiveMemoryCount())

	require.Equal(t, 0, manager.ReleaseFreedPages(11, false))
	require.Equal(t, 2, dev.LiveMemoryCount())

	require.Equal(t, 1, manager.ReleaseFreedPages(12, false))
	require.Equal(t, 0, heap.PendingPageCount())
	require.Equal(t, 1, dev.LiveMemoryCount())
	require.NoError(t, manager.Validate())

	fresh.Release()
	require.Equal(t, 0, manager.ReleaseFreedPages(12, false))
	require.Equal(t, 1, heap.PendingPageCount())
	require.Equal(t, 1, manager.ReleaseFreedPages(12, true))
	require.Equal(t, 0, dev.LiveMemoryCount())
	require.True(t, heap.IsEmpty())
}

func TestReleaseFreedPagesKeepsQueueOrder(t *testing.T) {
	manager, dev := readyManager(t, CreateOptions{FrameDelay: 1})

	first, _, err := manager.AllocateImageMemory(testPageSize, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	second, _, err := manager.AllocateImageMemory(testPageSize, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, 2, dev.LiveMemoryCount())

	first.Release()
	require.Equal(t, 0, manager.ReleaseFreedPages(1, false))
	second.Release()
	require.Equal(t, 0, manager.ReleaseFreedPages(1, false))
	require.Equal(t, 2, manager.Heap(0).PendingPageCount())

	require.Equal(t, 2, manager.ReleaseFreedPages(2, false))
	require.Equal(t, 0, dev.LiveMemoryCount())
}

func TestReleaseFreedPagesFrameMustNotDecrease(t *testing.T) {
	manager, _ := readyManager(t, CreateOptions{})

	manager.ReleaseFreedPages(5, false)
	require.Panics(t, func() {
		manager.ReleaseFreedPages(4, false)
	})
}

func TestDedicatedAllocation(t *testing.T) {
	testCases := map[string]struct {
		Size  int
		Flags AllocationCreateFlags
	}{
		"LargerThanPage": {Size: testPageSize + 1},
		"Forced":         {Size: 4096, Flags: AllocationCreateDedicatedMemory},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			manager, dev := readyManager(t, CreateOptions{})
			heap := manager.Heap(0)

			alloc, _, err := manager.AllocateImageMemory(testCase.Size, 256, core1_0.MemoryPropertyDeviceLocal, testCase.Flags)
			require.NoError(t, err)
			require.True(t, alloc.IsDedicated())
			require.Equal(t, 0, alloc.Offset())
			require.Equal(t, testCase.Size, dev.MemorySize(alloc.Memory()))
			require.Equal(t, 1, heap.DedicatedPageCount())
			require.Equal(t, 0, heap.ActivePageCount())
			require.NoError(t, manager.Validate())

			alloc.Release()
			require.Equal(t, 1, dev.LiveMemoryCount())

			require.Equal(t, 1, manager.ReleaseFreedPages(0, true))
			require.Equal(t, 0, heap.DedicatedPageCount())
			require.Equal(t, 0, dev.LiveMemoryCount())
		})
	}
}

func TestDedicatedThreshold(t *testing.T) {
	manager, _ := readyManager(t, CreateOptions{DedicatedThreshold: 4096})

	small, _, err := manager.AllocateImageMemory(4096, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	require.False(t, small.IsDedicated())

	large, _, err := manager.AllocateImageMemory(4097, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	require.True(t, large.IsDedicated())

	small.Release()
	large.Release()
	require.NoError(t, manager.Destroy())
}

func TestOutOfDeviceMemory(t *testing.T) {
	manager, dev := readyManager(t, CreateOptions{})

	dev.FailNextAllocations(1)
	alloc, res, err := manager.AllocateImageMemory(1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.ErrorIs(t, err, ErrOutOfDeviceMemory)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Nil(t, alloc)
	require.Equal(t, 0, manager.Heap(0).ActivePageCount())

	budgets := manager.HeapBudgets()
	require.Equal(t, 0, budgets[0].Usage)
	require.Equal(t, 0, budgets[0].Statistics.BlockCount)

	// The failure does not stick
	alloc, _, err = manager.AllocateImageMemory(1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	alloc.Release()
}

func TestCriticalAllocationFailurePanics(t *testing.T) {
	manager, dev := readyManager(t, CreateOptions{})

	dev.FailNextAllocations(1)
	require.Panics(t, func() {
		_, _, _ = manager.AllocateImageMemory(1024, 1, core1_0.MemoryPropertyDeviceLocal, AllocationCreateCritical)
	})
}

func TestNoMatchingMemoryType(t *testing.T) {
	manager, _ := readyManager(t, CreateOptions{})

	_, res, err := manager.AllocateImageMemory(1024, 1, core1_0.MemoryPropertyLazilyAllocated, 0)
	require.ErrorIs(t, err, ErrNoMatchingMemoryType)
	require.Equal(t, core1_0.VKErrorFeatureNotPresent, res)

	_, res, err = manager.AllocateBuffer(64, core1_0.BufferUsageUniformBuffer, core1_0.MemoryPropertyDeviceLocal|core1_0.MemoryPropertyHostVisible, 0)
	require.ErrorIs(t, err, ErrNoMatchingMemoryType)
	require.Equal(t, core1_0.VKErrorFeatureNotPresent, res)
	require.Equal(t, 0, manager.SubBufferCount())
}

func TestAllocationLargerThanHeap(t *testing.T) {
	manager, dev := readyManager(t, CreateOptions{})

	_, res, err := manager.AllocateImageMemory(65*1024*1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.ErrorIs(t, err, ErrAllocationTooLarge)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, 0, dev.AllocateCount())
}

func TestHeapSizeLimit(t *testing.T) {
	manager, dev := readyManager(t, CreateOptions{
		HeapSizeLimits: []int{2 * testPageSize, 0},
	})

	first, _, err := manager.AllocateImageMemory(testPageSize, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	second, _, err := manager.AllocateImageMemory(testPageSize, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)

	_, res, err := manager.AllocateImageMemory(testPageSize, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.ErrorIs(t, err, ErrOutOfDeviceMemory)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, 2, dev.AllocateCount())

	_, _, err = manager.AllocateImageMemory(3*testPageSize, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.ErrorIs(t, err, ErrAllocationTooLarge)

	budgets := manager.HeapBudgets()
	require.Equal(t, 2*testPageSize, budgets[0].Budget)
	require.Equal(t, 2*testPageSize, budgets[0].Usage)
	require.Equal(t, 2*testPageSize, budgets[0].PeakUsage)
	require.Equal(t, 64*1024*1024, budgets[1].Budget)

	first.Release()
	second.Release()
	require.NoError(t, manager.Destroy())
}

func TestNegativeOptions(t *testing.T) {
	dev, err := hostmem.New(hostmem.Options{Properties: testProperties()})
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard))

	testCases := map[string]CreateOptions{
		"PageSize":           {PageSize: -1},
		"DedicatedThreshold": {DedicatedThreshold: -1},
		"FrameDelay":         {FrameDelay: -1},
		"HeapSizeLimitCount": {HeapSizeLimits: []int{1}},
		"HeapSizeLimit":      {HeapSizeLimits: []int{-1, 0}},
		"PoolClasses":        {PoolClasses: []PoolClass{{Ceiling: 64, Capacity: 32}}},
	}

	for testName, options := range testCases {
		t.Run(testName, func(t *testing.T) {
			_, err := New(logger, dev, options)
			require.Error(t, err)
		})
	}
}

func TestDefaultPageSize(t *testing.T) {
	properties := testProperties()
	properties.MemoryHeaps[1].Size = 4 * 1024 * 1024 * 1024

	dev, err := hostmem.New(hostmem.Options{Properties: properties})
	require.NoError(t, err)

	manager, err := New(slog.New(slog.NewTextHandler(io.Discard)), dev, CreateOptions{})
	require.NoError(t, err)

	require.Equal(t, 8*1024*1024, manager.Heap(0).PageSize())
	require.Equal(t, 64*1024*1024, manager.Heap(1).PageSize())
	require.Equal(t, DefaultFrameDelay, manager.Heap(0).FrameDelay())
}

func TestAllocationReferenceCounting(t *testing.T) {
	manager, _ := readyManager(t, CreateOptions{})

	alloc, _, err := manager.AllocateImageMemory(1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	require.Equal(t, 1, alloc.RefCount())

	alloc.Acquire()
	require.Equal(t, 2, alloc.RefCount())

	alloc.Release()
	require.False(t, alloc.IsReleased())
	require.Equal(t, 1024, manager.CalculateStatistics().Total.AllocationBytes)

	manager.Free(alloc)
	require.True(t, alloc.IsReleased())
	require.Equal(t, 0, manager.CalculateStatistics().Total.AllocationBytes)

	require.Panics(t, func() {
		alloc.Release()
	})
	require.Panics(t, func() {
		alloc.Acquire()
	})
	require.Panics(t, func() {
		_ = alloc.Offset()
	})
	require.Panics(t, func() {
		_ = alloc.Memory()
	})
}

func TestMapAndUnmap(t *testing.T) {
	manager, dev := readyManager(t, CreateOptions{})

	alloc, _, err := manager.AllocateImageMemory(256, 16, core1_0.MemoryPropertyHostVisible, 0)
	require.NoError(t, err)
	other, _, err := manager.AllocateImageMemory(256, 16, core1_0.MemoryPropertyHostVisible, 0)
	require.NoError(t, err)
	require.Nil(t, other.MappedData())

	ptr, res, err := manager.Map(other)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.True(t, dev.IsMapped(other.Memory()))
	require.Equal(t, ptr, other.MappedData())

	data := unsafe.Slice((*byte)(ptr), other.Size())
	data[0] = 0xAB
	data[255] = 0xCD
	contents := dev.Contents(other.Memory())
	require.Equal(t, byte(0xAB), contents[other.Offset()])
	require.Equal(t, byte(0xCD), contents[other.Offset()+255])

	// Releasing the last reference while mapped is a programmer error
	require.Panics(t, func() {
		other.Release()
	})
	require.False(t, other.IsReleased())

	require.NoError(t, manager.Unmap(other))
	require.False(t, dev.IsMapped(other.Memory()))
	require.Error(t, other.Unmap())

	other.Release()
	alloc.Release()
	require.NoError(t, manager.Destroy())
}

func TestMapDeviceLocalFails(t *testing.T) {
	manager, _ := readyManager(t, CreateOptions{})

	alloc, _, err := manager.AllocateImageMemory(256, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)

	_, res, err := alloc.Map()
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)

	alloc.Release()
}

func TestAllocationCreateMapped(t *testing.T) {
	manager, dev := readyManager(t, CreateOptions{})

	alloc, _, err := manager.AllocateImageMemory(256, 1, core1_0.MemoryPropertyHostVisible, AllocationCreateMapped)
	require.NoError(t, err)
	require.NotNil(t, alloc.MappedData())
	require.True(t, dev.IsMapped(alloc.Memory()))

	memory := alloc.Memory()
	alloc.Release()
	require.False(t, dev.IsMapped(memory))

	_, res, err := manager.AllocateImageMemory(256, 1, core1_0.MemoryPropertyDeviceLocal, AllocationCreateMapped)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)
}

func TestMemoryCallbacks(t *testing.T) {
	var allocated, freed []device.MemoryHandle
	var allocatedBytes int

	manager, _ := readyManager(t, CreateOptions{
		MemoryCallbackOptions: &MemoryCallbackOptions{
			Allocate: func(manager *HeapManager, memoryType int, memory device.MemoryHandle, size int, userData interface{}) {
				require.Equal(t, "callback data", userData)
				allocated = append(allocated, memory)
				allocatedBytes += size
			},
			Free: func(manager *HeapManager, memoryType int, memory device.MemoryHandle, size int, userData interface{}) {
				freed = append(freed, memory)
			},
			UserData: "callback data",
		},
	})

	alloc, _, err := manager.AllocateImageMemory(1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	buffer, _, err := manager.AllocateBuffer(64, core1_0.BufferUsageVertexBuffer, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)

	require.Len(t, allocated, 2)
	require.Equal(t, testPageSize+64*1024, allocatedBytes)
	require.Empty(t, freed)

	memory := alloc.Memory()
	alloc.Release()
	buffer.Release()
	require.NoError(t, manager.Destroy())

	require.Len(t, freed, 2)
	require.Contains(t, freed, memory)
}

func TestDestroyWithLiveAllocations(t *testing.T) {
	var logOutput bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logOutput))
	manager, dev := readyManagerWithLogger(t, logger, CreateOptions{})

	alloc, _, err := manager.AllocateImageMemory(1024, 1, core1_0.MemoryPropertyDeviceLocal, 0)
	require.NoError(t, err)
	alloc.SetName("leaky texture")

	buffer, _, err := manager.AllocateBuffer(64, core1_0.BufferUsageUniformBuffer, core1_0.MemoryPropertyHostVisible, 0)
	require.NoError(t, err)

	err = manager.Destroy()
	require.Error(t, err)
	require.Contains(t, logOutput.String(), "[UNRELEASED MEMORY]")
	require.Contains(t, logOutput.String(), "leaky texture")
	require.Equal(t, 2, dev.LiveMemoryCount())

	alloc.Release()
	buffer.Release()
	require.NoError(t, manager.Destroy())
	require.Equal(t, 0, dev.LiveMemoryCount())
	require.Equal(t, 0, dev.LiveBufferCount())
}

func TestExternallySynchronized(t *testing.T) {
	manager, _ := readyManager(t, CreateOptions{Flags: AllocatorCreateExternallySynchronized})
	require.Equal(t, AllocatorCreateExternallySynchronized, manager.CreateFlags())

	alloc, _, err := manager.AllocateBuffer(100, core1_0.BufferUsageUniformBuffer, core1_0.MemoryPropertyHostVisible, 0)
	require.NoError(t, err)
	alloc.Release()
	require.NoError(t, manager.Destroy())
}
