package rheap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap/device"
	"github.com/vkngwrapper/rheap/internal/utils"
	"github.com/vkngwrapper/rheap/internal/vulkan"
	"github.com/vkngwrapper/rheap/memutils"
	"golang.org/x/exp/slog"
)

// HeapManager is the entry point for allocating device memory. It routes each request to one
// of three paths:
//
//   - AllocateBuffer requests are served from shared buffers, grouped by pool class, buffer usage,
//     and memory properties
//   - AllocateMemory and AllocateImageMemory requests are served from the pages of the Heap for
//     the selected memory type
//   - requests larger than the dedicated threshold, or made with AllocationCreateDedicatedMemory,
//     get a native allocation of their own
type HeapManager struct {
	useMutex    bool
	logger      *slog.Logger
	device      device.Device
	createFlags CreateFlags

	deviceMemory *vulkan.DeviceMemoryManager
	poolClasses  *PoolClassTable
	heaps        [common.MaxMemoryTypes]*Heap

	poolsMutex utils.OptionalRWMutex
	pools      *swiss.Map[poolKey, *subBufferPool]
	// pools in creation order, so that walks over them are deterministic
	poolOrder []*subBufferPool
}

// New creates a new HeapManager
//
// logger - Receives debug output for every allocation and error output for leaked allocations
//
// dev - The device that memory will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, dev device.Device, options CreateOptions) (*HeapManager, error) {
	err := options.validate()
	if err != nil {
		return nil, err
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	manager := &HeapManager{
		useMutex:    useMutex,
		logger:      logger,
		device:      dev,
		createFlags: options.Flags,
		poolsMutex:  utils.OptionalRWMutex{Enabled: useMutex},
		pools:       swiss.NewMap[poolKey, *subBufferPool](42),
	}

	poolClasses := options.PoolClasses
	if len(poolClasses) == 0 {
		poolClasses = DefaultPoolClasses()
	}
	manager.poolClasses, err = NewPoolClassTable(poolClasses)
	if err != nil {
		return nil, err
	}

	manager.deviceMemory, err = vulkan.NewDeviceMemoryManager(
		useMutex,
		&memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Manager:   manager,
		},
		dev,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	frameDelay := options.FrameDelay
	if frameDelay == 0 {
		frameDelay = DefaultFrameDelay
	}

	globalTypeBits := manager.deviceMemory.GlobalMemoryTypeBits()
	for typeIndex := 0; typeIndex < manager.deviceMemory.MemoryTypeCount(); typeIndex++ {
		if globalTypeBits&(1<<typeIndex) == 0 {
			continue
		}

		pageSize := manager.calculatePageSize(typeIndex, options.PageSize)
		dedicatedThreshold := options.DedicatedThreshold
		if dedicatedThreshold == 0 {
			dedicatedThreshold = pageSize
		}

		manager.heaps[typeIndex] = newHeap(
			useMutex,
			logger,
			manager.deviceMemory,
			typeIndex,
			pageSize,
			dedicatedThreshold,
			frameDelay,
		)
	}

	return manager, nil
}

func (m *HeapManager) calculatePageSize(memTypeIndex int, configured int) int {
	if configured > 0 {
		return configured
	}

	heapIndex := m.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)
	heapSize := m.deviceMemory.Properties().HeapSize(heapIndex)

	rawSize := defaultLargeHeapPageSize
	if heapSize <= smallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(rawSize, 32)
}

func (m *HeapManager) Device() device.Device               { return m.device }
func (m *HeapManager) Properties() device.MemoryProperties { return m.deviceMemory.Properties() }
func (m *HeapManager) PoolClasses() *PoolClassTable        { return m.poolClasses }
func (m *HeapManager) CreateFlags() CreateFlags            { return m.createFlags }
func (m *HeapManager) MemoryTypeCount() int                { return m.deviceMemory.MemoryTypeCount() }
func (m *HeapManager) NativeAllocationCount() int          { return int(m.deviceMemory.AllocationCount()) }
func (m *HeapManager) MemoryTypeProperties(i int) core1_0.MemoryType {
	return m.deviceMemory.MemoryTypeProperties(i)
}

// Heap returns the heap for a memory type, or nil if the memory type cannot be allocated from
func (m *HeapManager) Heap(memoryTypeIndex int) *Heap {
	if memoryTypeIndex < 0 || memoryTypeIndex >= m.deviceMemory.MemoryTypeCount() {
		return nil
	}
	return m.heaps[memoryTypeIndex]
}

// FindMemoryTypeIndex returns the lowest memory type index present in memoryTypeBits whose
// property flags include all of requiredFlags
func (m *HeapManager) FindMemoryTypeIndex(memoryTypeBits uint32, requiredFlags core1_0.MemoryPropertyFlags) (int, common.VkResult, error) {
	return m.deviceMemory.SelectMemoryType(memoryTypeBits, requiredFlags)
}

// AllocateBuffer suballocates size bytes from a shared buffer created with usage, in memory
// with all of properties. The returned allocation's Buffer and Offset locate it. If the memory
// is host visible, the shared buffer is persistently mapped and MappedData points at the
// allocation.
//
// Requests larger than the largest pool class fail with ErrAllocationTooLarge: use
// AllocateMemory and bind a buffer of your own instead.
func (m *HeapManager) AllocateBuffer(size int, usage core1_0.BufferUsageFlags, properties core1_0.MemoryPropertyFlags, flags AllocationCreateFlags) (*Allocation, common.VkResult, error) {
	m.logger.Debug("HeapManager::AllocateBuffer",
		slog.Int("Size", size),
		slog.String("Usage", usage.String()),
		slog.String("Properties", properties.String()),
		slog.String("Flags", flags.String()),
	)

	err := memutils.CheckPositive(size, "buffer size")
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if flags&AllocationCreateDedicatedMemory != 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("AllocationCreateDedicatedMemory cannot be used with AllocateBuffer: use AllocateMemory instead")
	}

	classIndex, res, err := m.poolClasses.PickPoolClass(size)
	if err != nil {
		return nil, res, err
	}

	pool := m.subBufferPool(poolKey{
		classIndex: classIndex,
		usage:      usage,
		properties: properties,
	})

	alloc, res, err := pool.allocate(size, flags)
	if err != nil {
		return nil, res, err
	}

	if flags&AllocationCreateMapped != 0 && !alloc.owner.nativeMemory().IsHostVisible() {
		alloc.Release()
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("AllocationCreateMapped was specified, but memory type %d is not host visible", alloc.memoryTypeIndex)
	}

	return alloc, core1_0.VKSuccess, nil
}

func (m *HeapManager) subBufferPool(key poolKey) *subBufferPool {
	m.poolsMutex.RLock()
	pool, ok := m.pools.Get(key)
	m.poolsMutex.RUnlock()
	if ok {
		return pool
	}

	m.poolsMutex.Lock()
	defer m.poolsMutex.Unlock()

	pool, ok = m.pools.Get(key)
	if ok {
		return pool
	}

	pool = &subBufferPool{
		key:     key,
		class:   m.poolClasses.Class(key.classIndex),
		manager: m,
		mutex:   utils.OptionalRWMutex{Enabled: m.useMutex},
	}
	m.pools.Put(key, pool)
	m.poolOrder = append(m.poolOrder, pool)

	return pool
}

// AllocateImageMemory allocates size bytes, aligned to alignment, from the first memory type
// with all of properties
func (m *HeapManager) AllocateImageMemory(size int, alignment uint, properties core1_0.MemoryPropertyFlags, flags AllocationCreateFlags) (*Allocation, common.VkResult, error) {
	return m.AllocateMemory(core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      int(alignment),
		MemoryTypeBits: m.deviceMemory.GlobalMemoryTypeBits(),
	}, properties, flags)
}

// AllocateMemory allocates memory that satisfies requirements from the first memory type in
// requirements.MemoryTypeBits with all of properties. The returned allocation's Memory and
// Offset locate it.
func (m *HeapManager) AllocateMemory(requirements core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags, flags AllocationCreateFlags) (*Allocation, common.VkResult, error) {
	m.logger.Debug("HeapManager::AllocateMemory",
		slog.Int("Size", requirements.Size),
		slog.Int("Alignment", requirements.Alignment),
		slog.Int("MemoryTypeBits", int(requirements.MemoryTypeBits)),
		slog.String("Properties", properties.String()),
		slog.String("Flags", flags.String()),
	)

	err := memutils.CheckPositive(requirements.Size, "memory requirements size")
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if requirements.Alignment < 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid alignment %d", requirements.Alignment)
	}

	memoryTypeIndex, res, err := m.deviceMemory.SelectMemoryType(requirements.MemoryTypeBits, properties)
	if err != nil {
		return nil, res, err
	}

	heapIndex := m.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	heapLimit := m.deviceMemory.HeapLimit(heapIndex)
	if requirements.Size > heapLimit {
		return nil, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(ErrAllocationTooLarge,
			"%d bytes exceeds the %d byte limit of heap %d", requirements.Size, heapLimit, heapIndex)
	}

	return m.heaps[memoryTypeIndex].AllocateResource(requirements.Size, uint(requirements.Alignment), flags)
}

// Free releases a reference to an allocation. It is the same as alloc.Release().
func (m *HeapManager) Free(alloc *Allocation) {
	if alloc == nil {
		return
	}

	alloc.Release()
}

// Map is the same as alloc.Map()
func (m *HeapManager) Map(alloc *Allocation) (unsafe.Pointer, common.VkResult, error) {
	return alloc.Map()
}

// Unmap is the same as alloc.Unmap()
func (m *HeapManager) Unmap(alloc *Allocation) error {
	return alloc.Unmap()
}

// ReleaseFreedPages runs Heap.ReleaseFreedPages on every heap and returns the total number of
// pages whose memory was freed
func (m *HeapManager) ReleaseFreedPages(currentFrame int, immediate bool) int {
	m.logger.Debug("HeapManager::ReleaseFreedPages",
		slog.Int("CurrentFrame", currentFrame),
		slog.Bool("Immediate", immediate),
	)

	reclaimed := 0
	for _, heap := range m.heaps {
		if heap != nil {
			reclaimed += heap.ReleaseFreedPages(currentFrame, immediate)
		}
	}

	return reclaimed
}

// Trim destroys every shared buffer that has no live allocations and returns how many were
// destroyed. Empty shared buffers are otherwise kept for reuse.
func (m *HeapManager) Trim() int {
	m.logger.Debug("HeapManager::Trim")

	m.poolsMutex.RLock()
	defer m.poolsMutex.RUnlock()

	trimmed := 0
	for _, pool := range m.poolOrder {
		trimmed += pool.trim()
	}

	return trimmed
}

// SubBufferCount is the number of shared buffers currently alive, empty or not
func (m *HeapManager) SubBufferCount() int {
	m.poolsMutex.RLock()
	defer m.poolsMutex.RUnlock()

	count := 0
	for _, pool := range m.poolOrder {
		count += pool.allocatorCount()
	}

	return count
}

// Validate performs internal consistency checks on every heap and shared buffer. When the
// heap manager is functioning correctly, it should not be possible for this method to return
// an error.
func (m *HeapManager) Validate() error {
	for _, heap := range m.heaps {
		if heap == nil {
			continue
		}

		err := heap.Validate()
		if err != nil {
			return err
		}
	}

	m.poolsMutex.RLock()
	defer m.poolsMutex.RUnlock()

	for _, pool := range m.poolOrder {
		err := pool.validate()
		if err != nil {
			return err
		}
	}

	return nil
}

// HeapBudgets returns the current usage counters of every memory heap
func (m *HeapManager) HeapBudgets() []memutils.Budget {
	budgets := make([]memutils.Budget, m.deviceMemory.MemoryHeapCount())
	m.deviceMemory.HeapBudgets(0, budgets)
	return budgets
}

// Destroy frees all native memory and buffers owned by the heap manager. If any allocations are
// still live, each of them is logged at error level, the memory holding them is left in place,
// and an error is returned.
func (m *HeapManager) Destroy() error {
	m.logger.Debug("HeapManager::Destroy")

	var destroyErr error

	m.poolsMutex.Lock()
	for _, pool := range m.poolOrder {
		err := pool.destroy()
		if err != nil {
			destroyErr = errors.CombineErrors(destroyErr, err)
		}
	}
	m.poolsMutex.Unlock()

	for _, heap := range m.heaps {
		if heap == nil {
			continue
		}

		err := heap.Destroy()
		if err != nil {
			destroyErr = errors.CombineErrors(destroyErr, err)
		}
	}

	if destroyErr != nil {
		return errors.Wrap(destroyErr, "some allocations were not released before the heap manager was destroyed")
	}

	return nil
}
