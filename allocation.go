package rheap

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap/device"
	"github.com/vkngwrapper/rheap/internal/vulkan"
	"github.com/vkngwrapper/rheap/memutils/metadata"
)

type allocationFlags uint32

const (
	allocationPersistentMap allocationFlags = 1 << iota
)

var allocationFlagsMapping = common.NewFlagStringMapping[allocationFlags]()

func init() {
	allocationFlagsMapping.Register(allocationPersistentMap, "allocationPersistentMap")
}

// allocationOwner is the page or sub-buffer an Allocation was carved from. The Allocation only
// points back at its owner; it never keeps the owner alive past reclamation.
type allocationOwner interface {
	nativeMemory() *vulkan.NativeMemory
	buffer() device.BufferHandle
	releaseAllocation(alloc *Allocation)
}

// Allocation is a reference-counted range of device memory handed out by a HeapManager. It
// is created with a reference count of one. When the count reaches zero, the range is returned
// to the page or sub-buffer it came from, and the Allocation may no longer be used.
type Allocation struct {
	refCount atomic.Int32

	alignment uint
	size      int
	offset    int
	handle    metadata.BlockAllocationHandle
	flags     allocationFlags
	userData  any
	name      string

	memoryTypeIndex int
	allocationType  allocationType
	mapCount        int

	owner allocationOwner
}

func (a *Allocation) init(
	owner allocationOwner,
	allocType allocationType,
	suballoc metadata.Suballocation,
	alignment uint,
	memoryTypeIndex int,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if owner == nil || owner.nativeMemory() == nil {
		panic("attempting to init an allocation without backing memory")
	}

	a.owner = owner
	a.allocationType = allocType
	a.handle = suballoc.Handle
	a.offset = suballoc.Offset
	a.size = suballoc.Size
	a.alignment = alignment
	a.memoryTypeIndex = memoryTypeIndex
	a.refCount.Store(1)
}

func (a *Allocation) checkLive(operation string) {
	if a.refCount.Load() <= 0 {
		panic(fmt.Sprintf("attempted to %s an allocation that has already been released", operation))
	}
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) Name() string {
	return a.name
}

// Size is the number of bytes requested for this allocation
func (a *Allocation) Size() int {
	a.checkLive("query the size of")
	return a.size
}

// Offset is the byte offset of this allocation within Memory(), or within Buffer() for
// allocations made through AllocateBuffer. It is always a multiple of the alignment the
// allocation was made with.
func (a *Allocation) Offset() int {
	a.checkLive("query the offset of")
	return a.offset
}

func (a *Allocation) Alignment() uint {
	a.checkLive("query the alignment of")
	return a.alignment
}

func (a *Allocation) MemoryTypeIndex() int {
	a.checkLive("query the memory type of")
	return a.memoryTypeIndex
}

// Memory is the native memory this allocation lives in
func (a *Allocation) Memory() device.MemoryHandle {
	a.checkLive("query the memory of")
	return a.owner.nativeMemory().Handle()
}

// Buffer is the shared buffer this allocation lives in, or device.NullBuffer if the allocation
// was not made through AllocateBuffer
func (a *Allocation) Buffer() device.BufferHandle {
	a.checkLive("query the buffer of")
	return a.owner.buffer()
}

// IsDedicated reports whether this allocation has a native allocation all to itself
func (a *Allocation) IsDedicated() bool {
	return a.allocationType == allocationTypeDedicated
}

func (a *Allocation) isPersistentMap() bool { return a.flags&allocationPersistentMap != 0 }

// MappedData returns a host pointer to the first byte of this allocation, or nil if the
// backing memory is not currently mapped.
func (a *Allocation) MappedData() unsafe.Pointer {
	a.checkLive("retrieve the mapped data of")

	base := a.owner.nativeMemory().MappedData()
	if base == nil {
		return nil
	}

	return unsafe.Add(base, a.offset)
}

// RefCount is the current number of references to this allocation
func (a *Allocation) RefCount() int {
	return int(a.refCount.Load())
}

// IsReleased reports whether the last reference to this allocation has been released
func (a *Allocation) IsReleased() bool {
	return a.refCount.Load() <= 0
}

// Acquire adds a reference to this allocation. Each call must be balanced by a call to Release.
func (a *Allocation) Acquire() {
	for {
		current := a.refCount.Load()
		if current <= 0 {
			panic("attempted to acquire an allocation that has already been released")
		}
		if a.refCount.CompareAndSwap(current, current+1) {
			return
		}
	}
}

// Release removes a reference from this allocation. When the last reference is removed, the
// allocation's range is returned to its page or sub-buffer. Releasing an allocation that has
// already been released panics, as does releasing the last reference while the allocation is
// still mapped by Map.
func (a *Allocation) Release() {
	for {
		current := a.refCount.Load()
		if current <= 0 {
			panic(fmt.Sprintf("attempted to release an allocation of %d bytes that has already been released", a.size))
		}
		if current == 1 && a.mapCount > 0 {
			panic(fmt.Sprintf("attempted to release the last reference to an allocation that is still mapped %d times", a.mapCount))
		}

		if a.refCount.CompareAndSwap(current, current-1) {
			if current == 1 {
				a.owner.releaseAllocation(a)
			}
			return
		}
	}
}

// Free is the same as Release
func (a *Allocation) Free() {
	a.Release()
}

// Map maps the memory backing this allocation into host address space, if it is not mapped
// already, and returns a pointer to the first byte of this allocation. Each call must be
// balanced by a call to Unmap before the last reference to the allocation is released.
func (a *Allocation) Map() (unsafe.Pointer, common.VkResult, error) {
	a.checkLive("map")

	base, res, err := a.owner.nativeMemory().Map(1)
	if err != nil {
		return nil, res, err
	}

	a.mapCount++
	return unsafe.Add(base, a.offset), res, nil
}

func (a *Allocation) Unmap() error {
	a.checkLive("unmap")

	if a.mapCount == 0 {
		return errors.New("attempted to unmap an allocation that is not mapped")
	}

	err := a.owner.nativeMemory().Unmap(1)
	if err != nil {
		return err
	}

	a.mapCount--
	return nil
}

// mapPersistently holds a mapping reference on behalf of the allocation until it is released
func (a *Allocation) mapPersistently() (common.VkResult, error) {
	_, res, err := a.owner.nativeMemory().Map(1)
	if err != nil {
		return res, err
	}

	a.flags |= allocationPersistentMap
	return core1_0.VKSuccess, nil
}

func (a *Allocation) unmapPersistent() {
	if !a.isPersistentMap() {
		return
	}

	err := a.owner.nativeMemory().Unmap(1)
	if err != nil {
		panic(fmt.Sprintf("failed to remove the persistent mapping of an allocation: %+v", err))
	}
	a.flags &^= allocationPersistentMap
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.allocationType.String())
	json.Name("Size").Int(a.size)
	json.Name("Alignment").Int(int(a.alignment))
	json.Name("RefCount").Int(a.RefCount())

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}
	if a.name != "" {
		json.Name("Name").String(a.name)
	}
	if a.flags != 0 {
		json.Name("Flags").String(allocationFlagsMapping.FlagsToString(a.flags))
	}
}
