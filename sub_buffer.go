package rheap

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap/device"
	"github.com/vkngwrapper/rheap/internal/utils"
	"github.com/vkngwrapper/rheap/internal/vulkan"
	"github.com/vkngwrapper/rheap/memutils"
	"github.com/vkngwrapper/rheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

type poolKey struct {
	classIndex int
	usage      core1_0.BufferUsageFlags
	properties core1_0.MemoryPropertyFlags
}

// subBufferAllocator wraps one buffer of a pool class's capacity and slices it with the same
// free list a page uses
type subBufferAllocator struct {
	id              int
	pool            *subBufferPool
	bufferHandle    device.BufferHandle
	memory          *vulkan.NativeMemory
	memoryTypeIndex int
	alignment       uint
	metadata        *metadata.FreeListBlockMetadata
	state           pageState
}

var _ allocationOwner = &subBufferAllocator{}

func (s *subBufferAllocator) nativeMemory() *vulkan.NativeMemory { return s.memory }
func (s *subBufferAllocator) buffer() device.BufferHandle        { return s.bufferHandle }

func (s *subBufferAllocator) releaseAllocation(alloc *Allocation) {
	s.pool.releaseAllocation(s, alloc)
}

func (s *subBufferAllocator) tryAllocate(size int) (*Allocation, error) {
	if s.state == pageStateReclaimed {
		panic(fmt.Sprintf("attempted to allocate from sub-buffer %d after it was destroyed", s.id))
	}

	alloc := &Allocation{}
	suballoc, ok, err := s.metadata.TryAllocate(size, s.alignment, alloc)
	if err != nil || !ok {
		return nil, err
	}

	alloc.init(s, allocationTypeSubBuffer, suballoc, s.alignment, s.memoryTypeIndex)
	s.state = pageStateActive
	return alloc, nil
}

func (s *subBufferAllocator) validate() error {
	if s.bufferHandle == device.NullBuffer || s.memory == nil {
		return errors.Newf("sub-buffer %d has no backing buffer or memory", s.id)
	}

	return validateOwnedRegions(s.metadata, s)
}

// destroy releases the sub-buffer's buffer and memory. It fails if any allocations are live.
func (s *subBufferAllocator) destroy(dev device.Device, deviceMemory *vulkan.DeviceMemoryManager, logger *slog.Logger) error {
	if !s.metadata.IsEmpty() {
		_ = s.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if !free {
				logUnreleasedMemory(logger, offset, size, userData)
			}
			return nil
		})

		return errors.Newf("sub-buffer %d still held %d allocations when it was destroyed", s.id, s.metadata.AllocationCount())
	}

	if s.memory.IsMapped() {
		err := s.memory.Unmap(1)
		if err != nil {
			return err
		}
	}

	dev.DestroyBuffer(s.bufferHandle)
	deviceMemory.Free(s.memory)

	s.bufferHandle = device.NullBuffer
	s.memory = nil
	s.state = pageStateReclaimed
	return nil
}

// subBufferPool holds every sub-buffer for one (pool class, usage, memory properties)
// combination
type subBufferPool struct {
	key     poolKey
	class   PoolClass
	manager *HeapManager

	mutex      utils.OptionalRWMutex
	allocators []*subBufferAllocator
	nextID     int
}

func (p *subBufferPool) allocate(size int, flags AllocationCreateFlags) (*Allocation, common.VkResult, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, allocator := range p.allocators {
		alloc, err := allocator.tryAllocate(size)
		if err != nil {
			return nil, core1_0.VKErrorUnknown, err
		}
		if alloc != nil {
			p.commitAllocation(allocator, size)
			return alloc, core1_0.VKSuccess, nil
		}
	}

	allocator, res, err := p.createAllocator(flags&AllocationCreateCritical == 0)
	if err != nil {
		return nil, res, err
	}
	p.allocators = append(p.allocators, allocator)

	alloc, err := allocator.tryAllocate(size)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if alloc == nil {
		panic(fmt.Sprintf("a new sub-buffer of %d bytes could not hold an allocation of %d bytes", p.class.Capacity, size))
	}

	p.commitAllocation(allocator, size)
	return alloc, core1_0.VKSuccess, nil
}

func (p *subBufferPool) commitAllocation(allocator *subBufferAllocator, size int) {
	heapIndex := p.manager.deviceMemory.MemoryTypeIndexToHeapIndex(allocator.memoryTypeIndex)
	p.manager.deviceMemory.AddAllocation(heapIndex, size)
}

func (p *subBufferPool) createAllocator(allowFailure bool) (allocator *subBufferAllocator, res common.VkResult, err error) {
	dev := p.manager.device
	deviceMemory := p.manager.deviceMemory

	buffer, requirements, res, err := dev.CreateBuffer(p.class.Capacity, p.key.usage)
	if err != nil {
		return nil, res, err
	}
	defer func() {
		if err != nil {
			dev.DestroyBuffer(buffer)
		}
	}()

	memoryTypeIndex, res, err := deviceMemory.SelectMemoryType(requirements.MemoryTypeBits, p.key.properties)
	if err != nil {
		return nil, res, err
	}

	memory, res, err := deviceMemory.Allocate(requirements.Size, memoryTypeIndex, allowFailure)
	if err != nil {
		return nil, res, err
	}
	defer func() {
		if err != nil {
			deviceMemory.Free(memory)
		}
	}()

	res, err = dev.BindBufferMemory(buffer, memory.Handle(), 0)
	if err != nil {
		return nil, res, err
	}

	if memory.IsHostVisible() {
		_, res, err = memory.Map(1)
		if err != nil {
			return nil, res, err
		}
	}

	allocator = &subBufferAllocator{
		id:              p.nextID,
		pool:            p,
		bufferHandle:    buffer,
		memory:          memory,
		memoryTypeIndex: memoryTypeIndex,
		alignment:       deviceMemory.Properties().BufferOffsetAlignment(memoryTypeIndex),
		metadata:        metadata.NewFreeListBlockMetadata(),
		state:           pageStateEmpty,
	}
	allocator.metadata.Init(p.class.Capacity)
	p.nextID++

	p.manager.logger.Debug("HeapManager::createSubBuffer",
		slog.Int("PoolClass", p.key.classIndex),
		slog.String("Usage", p.key.usage.String()),
		slog.String("Properties", p.key.properties.String()),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Capacity", p.class.Capacity),
		slog.Int("SubBufferID", allocator.id),
	)

	return allocator, core1_0.VKSuccess, nil
}

func (p *subBufferPool) releaseAllocation(allocator *subBufferAllocator, alloc *Allocation) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	err := allocator.metadata.Free(alloc.handle)
	if err != nil {
		panic(fmt.Sprintf("sub-buffer %d could not release an allocation at offset %d: %+v", allocator.id, alloc.offset, err))
	}

	heapIndex := p.manager.deviceMemory.MemoryTypeIndexToHeapIndex(allocator.memoryTypeIndex)
	p.manager.deviceMemory.RemoveAllocation(heapIndex, alloc.size)

	// Empty sub-buffers stay in the pool until the next Trim
	if allocator.metadata.JoinFreeBlocks() {
		allocator.state = pageStateEmpty
	}
}

// trim destroys every empty sub-buffer in the pool and returns how many were destroyed
func (p *subBufferPool) trim() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	trimmed := 0
	kept := p.allocators[:0]
	for _, allocator := range p.allocators {
		if !allocator.metadata.IsEmpty() {
			kept = append(kept, allocator)
			continue
		}

		err := allocator.destroy(p.manager.device, p.manager.deviceMemory, p.manager.logger)
		if err != nil {
			panic(fmt.Sprintf("failed to destroy empty sub-buffer %d: %+v", allocator.id, err))
		}
		trimmed++
	}
	for i := len(kept); i < len(p.allocators); i++ {
		p.allocators[i] = nil
	}
	p.allocators = kept

	return trimmed
}

func (p *subBufferPool) allocatorCount() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return len(p.allocators)
}

func (p *subBufferPool) validate() error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, allocator := range p.allocators {
		if allocator.metadata.Size() != p.class.Capacity {
			return errors.Newf("sub-buffer %d holds %d bytes, but its pool class capacity is %d", allocator.id, allocator.metadata.Size(), p.class.Capacity)
		}

		err := allocator.validate()
		if err != nil {
			return errors.Wrapf(err, "sub-buffer %d of pool class %d", allocator.id, p.key.classIndex)
		}
	}

	return nil
}

// addDetailedStatistics sums the pool's sub-buffers into stats, indexed by memory type
func (p *subBufferPool) addDetailedStatistics(stats []memutils.DetailedStatistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, allocator := range p.allocators {
		allocator.metadata.AddDetailedStatistics(&stats[allocator.memoryTypeIndex])
	}
}

func (p *subBufferPool) printDetailedMap(json *jwriter.ObjectState) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	json.Name("Ceiling").Int(p.class.Ceiling)
	json.Name("Capacity").Int(p.class.Capacity)
	json.Name("Usage").String(p.key.usage.String())
	json.Name("Properties").String(p.key.properties.String())

	subBuffers := json.Name("SubBuffers").Object()
	defer subBuffers.End()

	for _, allocator := range p.allocators {
		obj := subBuffers.Name(strconv.Itoa(allocator.id)).Object()
		obj.Name("State").String(allocator.state.String())
		obj.Name("MemoryTypeIndex").Int(allocator.memoryTypeIndex)
		allocator.metadata.BlockJsonData(&obj)
		printDetailedMapAllocations(allocator.metadata, &obj)
		obj.End()
	}
}

func (p *subBufferPool) destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var destroyErr error
	kept := p.allocators[:0]
	for _, allocator := range p.allocators {
		err := allocator.destroy(p.manager.device, p.manager.deviceMemory, p.manager.logger)
		if err != nil {
			destroyErr = errors.CombineErrors(destroyErr, err)
			kept = append(kept, allocator)
		}
	}
	p.allocators = kept

	return destroyErr
}
