package rheap

import "github.com/vkngwrapper/rheap/device"

type AllocateDeviceMemoryCallback func(
	manager *HeapManager,
	memoryType int,
	memory device.MemoryHandle,
	size int,
	userData interface{},
)

type FreeDeviceMemoryCallback func(
	manager *HeapManager,
	memoryType int,
	memory device.MemoryHandle,
	size int,
	userData interface{},
)

// MemoryCallbackOptions is a set of callbacks invoked whenever the heap manager allocates or
// frees native memory. Pages and sub-buffers are much larger than the allocations handed to
// callers, so these calls do not map 1:1 with AllocateBuffer and friends.
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Manager   *HeapManager
}

func (c *memoryCallbacks) Allocate(
	memoryType int,
	memory device.MemoryHandle,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Manager, memoryType, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	memoryType int,
	memory device.MemoryHandle,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Manager, memoryType, memory, size, c.Callbacks.UserData)
	}
}
