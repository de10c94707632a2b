package vulkan

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap/device"
	"github.com/vkngwrapper/rheap/device/mocks"
	"github.com/vkngwrapper/rheap/memutils"
	"go.uber.org/mock/gomock"
)

func mockProperties() device.MemoryProperties {
	return device.MemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 1000000},
		},
		NonCoherentAtomSize: 1,
	}
}

func readyManager(t *testing.T, ctrl *gomock.Controller, props device.MemoryProperties, heapLimits []int) (*mocks.MockDevice, *DeviceMemoryManager) {
	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().MemoryProperties().Return(props)

	manager, err := NewDeviceMemoryManager(true, nil, dev, heapLimits)
	require.NoError(t, err)

	return dev, manager
}

func TestSelectMemoryType(t *testing.T) {
	testCases := map[string]struct {
		CandidateBits uint32
		Required      core1_0.MemoryPropertyFlags
		Expected      int
		ExpectError   bool
	}{
		"CandidateMaskSkipsLowerType": {
			CandidateBits: 0b0110,
			Required:      core1_0.MemoryPropertyDeviceLocal,
			Expected:      2,
		},
		"LowestMatch": {
			CandidateBits: 0b1111,
			Required:      core1_0.MemoryPropertyDeviceLocal,
			Expected:      0,
		},
		"Superset": {
			CandidateBits: 0b1111,
			Required:      core1_0.MemoryPropertyHostCoherent,
			Expected:      3,
		},
		"NoFlags": {
			CandidateBits: 0b1000,
			Required:      0,
			Expected:      3,
		},
		"NoMatch": {
			CandidateBits: 0b0101,
			Required:      core1_0.MemoryPropertyHostVisible,
			ExpectError:   true,
		},
		"BitsOutsideDevice": {
			CandidateBits: 0b110000,
			Required:      0,
			ExpectError:   true,
		},
		"UnsupportedFlags": {
			CandidateBits: 0xffffffff,
			Required:      core1_0.MemoryPropertyLazilyAllocated,
			ExpectError:   true,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			_, manager := readyManager(t, ctrl, mockProperties(), nil)

			typeIndex, res, err := manager.SelectMemoryType(testCase.CandidateBits, testCase.Required)
			if testCase.ExpectError {
				require.ErrorIs(t, err, ErrNoMatchingMemoryType)
				require.Equal(t, core1_0.VKErrorFeatureNotPresent, res)
				require.Equal(t, -1, typeIndex)
				return
			}

			require.NoError(t, err)
			require.Equal(t, core1_0.VKSuccess, res)
			require.Equal(t, testCase.Expected, typeIndex)
		})
	}
}

func TestAllocateAndFreeTracksCounters(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, manager := readyManager(t, ctrl, mockProperties(), nil)

	dev.EXPECT().AllocateMemory(5000, 2).Return(device.MemoryHandle(7), core1_0.VKSuccess, nil)
	dev.EXPECT().AllocateMemory(3000, 0).Return(device.MemoryHandle(8), core1_0.VKSuccess, nil)

	first, _, err := manager.Allocate(5000, 2, true)
	require.NoError(t, err)
	require.Equal(t, device.MemoryHandle(7), first.Handle())
	require.Equal(t, 5000, first.Size())
	require.Equal(t, 2, first.MemoryTypeIndex())
	require.Equal(t, 0, first.HeapIndex())
	require.False(t, first.IsHostVisible())

	second, _, err := manager.Allocate(3000, 0, true)
	require.NoError(t, err)
	manager.AddAllocation(0, 1000)

	budgets := make([]memutils.Budget, 2)
	manager.HeapBudgets(0, budgets)
	require.Equal(t, memutils.Budget{
		Statistics: memutils.Statistics{
			BlockCount:      2,
			AllocationCount: 1,
			BlockBytes:      8000,
			AllocationBytes: 1000,
		},
		Usage:     8000,
		PeakUsage: 8000,
		Budget:    1000000,
	}, budgets[0])
	require.Equal(t, uint32(2), manager.AllocationCount())

	dev.EXPECT().FreeMemory(device.MemoryHandle(7))
	manager.Free(first)
	manager.RemoveAllocation(0, 1000)
	manager.Free(nil)

	manager.HeapBudgets(0, budgets)
	require.Equal(t, memutils.Budget{
		Statistics: memutils.Statistics{
			BlockCount: 1,
			BlockBytes: 3000,
		},
		Usage:     3000,
		PeakUsage: 8000,
		Budget:    1000000,
	}, budgets[0])

	require.Panics(t, func() { manager.Free(first) })

	dev.EXPECT().FreeMemory(device.MemoryHandle(8))
	manager.Free(second)
	require.Equal(t, uint32(0), manager.AllocationCount())
}

func TestAllocateNativeFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, manager := readyManager(t, ctrl, mockProperties(), nil)

	dev.EXPECT().AllocateMemory(5000, 1).Return(device.NullMemory, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()).Times(2)

	mem, res, err := manager.Allocate(5000, 1, true)
	require.Nil(t, mem)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.ErrorIs(t, err, ErrOutOfDeviceMemory)

	// Counters are rolled back
	budgets := make([]memutils.Budget, 2)
	manager.HeapBudgets(0, budgets)
	require.Zero(t, budgets[1].Usage)
	require.Zero(t, budgets[1].Statistics.BlockCount)
	require.Equal(t, uint32(0), manager.AllocationCount())

	require.Panics(t, func() {
		_, _, _ = manager.Allocate(5000, 1, false)
	})
}

func TestAllocateNativeErrorPassesThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, manager := readyManager(t, ctrl, mockProperties(), nil)

	dev.EXPECT().AllocateMemory(5000, 1).Return(device.NullMemory, core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError())

	mem, res, err := manager.Allocate(5000, 1, true)
	require.Nil(t, mem)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrOutOfDeviceMemory)
	require.Equal(t, uint32(0), manager.AllocationCount())
}

func TestAllocateRejectsEmptySize(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, manager := readyManager(t, ctrl, mockProperties(), nil)

	for _, size := range []int{0, -64} {
		mem, res, err := manager.Allocate(size, 1, false)
		require.Nil(t, mem)
		require.Equal(t, core1_0.VKErrorUnknown, res)
		require.ErrorIs(t, err, memutils.NonPositiveError)
	}
}

func TestAllocateHeapLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, manager := readyManager(t, ctrl, mockProperties(), []int{0, 4096})

	require.Equal(t, 1000000, manager.HeapLimit(0))
	require.Equal(t, 4096, manager.HeapLimit(1))

	dev.EXPECT().AllocateMemory(4000, 3).Return(device.MemoryHandle(1), core1_0.VKSuccess, nil)

	mem, _, err := manager.Allocate(4000, 3, true)
	require.NoError(t, err)

	_, res, err := manager.Allocate(100, 1, true)
	require.ErrorIs(t, err, ErrOutOfDeviceMemory)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	dev.EXPECT().FreeMemory(device.MemoryHandle(1))
	manager.Free(mem)
}

func TestAllocateCountLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	props := mockProperties()
	props.MaxMemoryAllocationCount = 1
	dev, manager := readyManager(t, ctrl, props, nil)

	dev.EXPECT().AllocateMemory(16, 0).Return(device.MemoryHandle(1), core1_0.VKSuccess, nil)

	mem, _, err := manager.Allocate(16, 0, true)
	require.NoError(t, err)

	_, res, err := manager.Allocate(16, 0, true)
	require.ErrorIs(t, err, ErrOutOfDeviceMemory)
	require.Equal(t, core1_0.VKErrorTooManyObjects, res)
	require.Equal(t, uint32(1), manager.AllocationCount())

	dev.EXPECT().FreeMemory(device.MemoryHandle(1))
	manager.Free(mem)
}

func TestBadHeapLimits(t *testing.T) {
	ctrl := gomock.NewController(t)

	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().MemoryProperties().Return(mockProperties()).Times(2)

	_, err := NewDeviceMemoryManager(false, nil, dev, []int{1})
	require.Error(t, err)

	_, err = NewDeviceMemoryManager(false, nil, dev, []int{1, -1})
	require.Error(t, err)
}

type recordingCallbacks struct {
	allocated []int
	freed     []int
}

func (c *recordingCallbacks) Allocate(memoryType int, memory device.MemoryHandle, size int) {
	c.allocated = append(c.allocated, size)
}

func (c *recordingCallbacks) Free(memoryType int, memory device.MemoryHandle, size int) {
	c.freed = append(c.freed, size)
}

func TestMapReferences(t *testing.T) {
	ctrl := gomock.NewController(t)

	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().MemoryProperties().Return(mockProperties())

	callbacks := &recordingCallbacks{}
	manager, err := NewDeviceMemoryManager(false, callbacks, dev, nil)
	require.NoError(t, err)

	dev.EXPECT().AllocateMemory(1024, 3).Return(device.MemoryHandle(3), core1_0.VKSuccess, nil)
	mem, _, err := manager.Allocate(1024, 3, false)
	require.NoError(t, err)
	require.True(t, mem.IsCoherent())
	require.Equal(t, []int{1024}, callbacks.allocated)

	data := make([]byte, 1024)
	dataPtr := unsafe.Pointer(&data[0])
	dev.EXPECT().MapMemory(device.MemoryHandle(3), 0, 1024).Return(dataPtr, core1_0.VKSuccess, nil)

	ptr, _, err := mem.Map(1)
	require.NoError(t, err)
	require.Equal(t, dataPtr, ptr)

	ptr, _, err = mem.Map(2)
	require.NoError(t, err)
	require.Equal(t, dataPtr, ptr)
	require.Equal(t, 3, mem.MapReferences())

	require.Panics(t, func() { manager.Free(mem) })

	require.NoError(t, mem.Unmap(2))
	require.Equal(t, dataPtr, mem.MappedData())

	dev.EXPECT().UnmapMemory(device.MemoryHandle(3))
	require.NoError(t, mem.Unmap(1))
	require.Nil(t, mem.MappedData())
	require.Error(t, mem.Unmap(1))

	dev.EXPECT().FreeMemory(device.MemoryHandle(3))
	manager.Free(mem)
	require.Equal(t, []int{1024}, callbacks.freed)
}

func TestMapDeviceLocalFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev, manager := readyManager(t, ctrl, mockProperties(), nil)

	dev.EXPECT().AllocateMemory(1024, 0).Return(device.MemoryHandle(3), core1_0.VKSuccess, nil)
	mem, _, err := manager.Allocate(1024, 0, true)
	require.NoError(t, err)

	_, res, err := mem.Map(1)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)

	dev.EXPECT().FreeMemory(device.MemoryHandle(3))
	manager.Free(mem)
}
