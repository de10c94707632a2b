// Package hostmem provides a device.Device whose "device memory" is ordinary host memory. It
// enforces the same rules a real driver does (heap capacity, single mapping per memory object,
// bind alignment) and supports failure injection, which makes it useful for tests and for
// replaying allocation traces without a GPU.
package hostmem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap/device"
	"github.com/vkngwrapper/rheap/memutils"
)

// Options configures a host-backed device
type Options struct {
	Properties device.MemoryProperties

	// BufferAlignment is the alignment reported in the memory requirements of every buffer. Zero
	// is treated as 1.
	BufferAlignment int
	// BufferMemoryTypeBits limits the memory types buffers may be bound to. Zero means all types.
	BufferMemoryTypeBits uint32
	// AllocationLimit caps the total size of live native allocations. Zero means no cap beyond
	// the heap sizes.
	AllocationLimit int
}

const (
	DefaultDeviceLocalHeapSize = 256 * 1024 * 1024
	DefaultHostHeapSize        = 256 * 1024 * 1024
)

// DefaultMemoryProperties resembles a discrete GPU: a device-local heap with a small host-visible
// window, and a host heap offering coherent and cached-but-non-coherent types.
func DefaultMemoryProperties() device.MemoryProperties {
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
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached,
				HeapIndex:     1,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  DefaultDeviceLocalHeapSize,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
			{
				Size:  DefaultHostHeapSize,
				Flags: 0,
			},
		},
		NonCoherentAtomSize:      64,
		MinBufferOffsetAlignment: 16,
		MaxMemoryAllocationCount: 4096,
	}
}

type memoryObject struct {
	data            []byte
	memoryTypeIndex int
	mapped          bool
}

type bufferObject struct {
	size         int
	usage        core1_0.BufferUsageFlags
	requirements core1_0.MemoryRequirements
	memory       device.MemoryHandle
	offset       int
}

// Device is a host-backed device.Device. It is safe for concurrent use.
type Device struct {
	lock       sync.Mutex
	options    Options
	nextHandle uint64

	memory  *swiss.Map[device.MemoryHandle, *memoryObject]
	buffers *swiss.Map[device.BufferHandle, *bufferObject]

	heapUsage      []int
	liveBytes      int
	allocateCount  int
	failNextAllocs int
}

var _ device.Device = &Device{}

func New(options Options) (*Device, error) {
	if options.Properties.MemoryTypeCount() == 0 {
		options.Properties = DefaultMemoryProperties()
	}
	options.Properties = options.Properties.Clone()

	err := options.Properties.Validate()
	if err != nil {
		return nil, err
	}

	if options.BufferAlignment == 0 {
		options.BufferAlignment = 1
	}
	err = memutils.CheckPow2(options.BufferAlignment, "hostmem.Options.BufferAlignment")
	if err != nil {
		return nil, err
	}

	if options.BufferMemoryTypeBits == 0 {
		options.BufferMemoryTypeBits = options.Properties.GlobalMemoryTypeBits()
	}

	return &Device{
		options:   options,
		memory:    swiss.NewMap[device.MemoryHandle, *memoryObject](42),
		buffers:   swiss.NewMap[device.BufferHandle, *bufferObject](42),
		heapUsage: make([]int, options.Properties.MemoryHeapCount()),
	}, nil
}

func (d *Device) MemoryProperties() device.MemoryProperties {
	return d.options.Properties.Clone()
}

// FailNextAllocations causes the next count calls to AllocateMemory to fail with
// VKErrorOutOfDeviceMemory
func (d *Device) FailNextAllocations(count int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.failNextAllocs = count
}

func (d *Device) AllocateMemory(size int, memoryTypeIndex int) (device.MemoryHandle, common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if size <= 0 {
		return device.NullMemory, core1_0.VKErrorUnknown, errors.Newf("attempted to allocate %d bytes of device memory", size)
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= d.options.Properties.MemoryTypeCount() {
		return device.NullMemory, core1_0.VKErrorUnknown, errors.Newf("memory type index %d does not exist", memoryTypeIndex)
	}

	if d.failNextAllocs > 0 {
		d.failNextAllocs--
		return device.NullMemory, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	heapIndex := d.options.Properties.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	if d.heapUsage[heapIndex]+size > d.options.Properties.HeapSize(heapIndex) {
		return device.NullMemory, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}
	if d.options.AllocationLimit > 0 && d.liveBytes+size > d.options.AllocationLimit {
		return device.NullMemory, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	data, err := allocateBacking(size)
	if err != nil {
		return device.NullMemory, core1_0.VKErrorOutOfDeviceMemory, errors.WithSecondaryError(core1_0.VKErrorOutOfDeviceMemory.ToError(), err)
	}

	d.nextHandle++
	handle := device.MemoryHandle(d.nextHandle)
	d.memory.Put(handle, &memoryObject{
		data:            data,
		memoryTypeIndex: memoryTypeIndex,
	})

	d.heapUsage[heapIndex] += size
	d.liveBytes += size
	d.allocateCount++

	return handle, core1_0.VKSuccess, nil
}

func (d *Device) FreeMemory(memory device.MemoryHandle) {
	d.lock.Lock()
	defer d.lock.Unlock()

	obj, ok := d.memory.Get(memory)
	if !ok {
		panic(fmt.Sprintf("attempted to free memory handle %d, which is not live", memory))
	}

	d.memory.Delete(memory)

	size := len(obj.data)
	heapIndex := d.options.Properties.MemoryTypeIndexToHeapIndex(obj.memoryTypeIndex)
	d.heapUsage[heapIndex] -= size
	d.liveBytes -= size

	err := releaseBacking(obj.data)
	if err != nil {
		panic(fmt.Sprintf("failed to release backing for memory handle %d: %+v", memory, err))
	}
}

func (d *Device) MapMemory(memory device.MemoryHandle, offset int, size int) (unsafe.Pointer, common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	obj, ok := d.memory.Get(memory)
	if !ok {
		return nil, core1_0.VKErrorUnknown, errors.Newf("attempted to map memory handle %d, which is not live", memory)
	}

	if !d.options.Properties.IsMemoryTypeHostVisible(obj.memoryTypeIndex) {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Wrapf(core1_0.VKErrorMemoryMapFailed.ToError(), "memory type %d is not host visible", obj.memoryTypeIndex)
	}
	if obj.mapped {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Wrapf(core1_0.VKErrorMemoryMapFailed.ToError(), "memory handle %d is already mapped", memory)
	}
	if offset < 0 || size <= 0 || offset+size > len(obj.data) {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Wrapf(core1_0.VKErrorMemoryMapFailed.ToError(), "range {%d,%d} lies outside memory handle %d, which is %d bytes", offset, size, memory, len(obj.data))
	}

	obj.mapped = true
	return unsafe.Pointer(&obj.data[offset]), core1_0.VKSuccess, nil
}

func (d *Device) UnmapMemory(memory device.MemoryHandle) {
	d.lock.Lock()
	defer d.lock.Unlock()

	obj, ok := d.memory.Get(memory)
	if !ok || !obj.mapped {
		panic(fmt.Sprintf("attempted to unmap memory handle %d, which is not mapped", memory))
	}

	obj.mapped = false
}

func (d *Device) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (device.BufferHandle, core1_0.MemoryRequirements, common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if size <= 0 {
		return device.NullBuffer, core1_0.MemoryRequirements{}, core1_0.VKErrorUnknown, errors.Newf("attempted to create a buffer of %d bytes", size)
	}

	alignment := uint(d.options.BufferAlignment)
	requirements := core1_0.MemoryRequirements{
		Size:           memutils.AlignUp(size, alignment),
		Alignment:      d.options.BufferAlignment,
		MemoryTypeBits: d.options.BufferMemoryTypeBits,
	}

	d.nextHandle++
	handle := device.BufferHandle(d.nextHandle)
	d.buffers.Put(handle, &bufferObject{
		size:         size,
		usage:        usage,
		requirements: requirements,
	})

	return handle, requirements, core1_0.VKSuccess, nil
}

func (d *Device) DestroyBuffer(buffer device.BufferHandle) {
	d.lock.Lock()
	defer d.lock.Unlock()

	_, ok := d.buffers.Get(buffer)
	if !ok {
		panic(fmt.Sprintf("attempted to destroy buffer handle %d, which is not live", buffer))
	}

	d.buffers.Delete(buffer)
}

func (d *Device) BindBufferMemory(buffer device.BufferHandle, memory device.MemoryHandle, offset int) (common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	buf, ok := d.buffers.Get(buffer)
	if !ok {
		return core1_0.VKErrorUnknown, errors.Newf("attempted to bind buffer handle %d, which is not live", buffer)
	}
	obj, ok := d.memory.Get(memory)
	if !ok {
		return core1_0.VKErrorUnknown, errors.Newf("attempted to bind memory handle %d, which is not live", memory)
	}

	if buf.memory != device.NullMemory {
		return core1_0.VKErrorUnknown, errors.Newf("buffer handle %d is already bound to memory handle %d", buffer, buf.memory)
	}
	if d.options.BufferMemoryTypeBits&(1<<obj.memoryTypeIndex) == 0 {
		return core1_0.VKErrorUnknown, errors.Newf("buffer handle %d cannot be bound to memory type %d", buffer, obj.memoryTypeIndex)
	}
	if offset < 0 || offset%buf.requirements.Alignment != 0 {
		return core1_0.VKErrorUnknown, errors.Newf("offset %d does not satisfy buffer alignment %d", offset, buf.requirements.Alignment)
	}
	if offset+buf.requirements.Size > len(obj.data) {
		return core1_0.VKErrorUnknown, errors.Newf("buffer of %d bytes at offset %d does not fit in memory handle %d, which is %d bytes", buf.requirements.Size, offset, memory, len(obj.data))
	}

	buf.memory = memory
	buf.offset = offset
	return core1_0.VKSuccess, nil
}

// LiveMemoryCount is the number of native allocations that have not been freed
func (d *Device) LiveMemoryCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.memory.Count()
}

// LiveBufferCount is the number of buffers that have not been destroyed
func (d *Device) LiveBufferCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.buffers.Count()
}

// LiveBytes is the total size of the native allocations that have not been freed
func (d *Device) LiveBytes() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.liveBytes
}

// AllocateCount is the number of successful AllocateMemory calls over the device's lifetime
func (d *Device) AllocateCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.allocateCount
}

func (d *Device) IsMapped(memory device.MemoryHandle) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	obj, ok := d.memory.Get(memory)
	return ok && obj.mapped
}

// MemorySize returns the size of a live native allocation, or 0 if the handle is not live
func (d *Device) MemorySize(memory device.MemoryHandle) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	obj, ok := d.memory.Get(memory)
	if !ok {
		return 0
	}
	return len(obj.data)
}

// Contents exposes the bytes behind a live native allocation
func (d *Device) Contents(memory device.MemoryHandle) []byte {
	d.lock.Lock()
	defer d.lock.Unlock()

	obj, ok := d.memory.Get(memory)
	if !ok {
		return nil
	}
	return obj.data
}
