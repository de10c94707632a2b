package device

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryHandle identifies one native device-memory allocation. Zero is never a valid handle.
type MemoryHandle uint64

// BufferHandle identifies one native buffer object. Zero is never a valid handle.
type BufferHandle uint64

const (
	NullMemory MemoryHandle = 0
	NullBuffer BufferHandle = 0
)

// Device is the set of native operations the heap manager consumes. Every call is synchronous.
// Implementations report failures with both a common.VkResult and an error, in the same manner
// as vkngwrapper's core1_0.Device.
type Device interface {
	// MemoryProperties describes the memory types and heaps the device exposes. It is read
	// once, when a heap manager is created.
	MemoryProperties() MemoryProperties

	AllocateMemory(size int, memoryTypeIndex int) (MemoryHandle, common.VkResult, error)
	FreeMemory(memory MemoryHandle)
	// MapMemory maps [offset, offset+size) of a host-visible allocation and returns a pointer
	// to offset. A memory object may only be mapped once at a time.
	MapMemory(memory MemoryHandle, offset int, size int) (unsafe.Pointer, common.VkResult, error)
	UnmapMemory(memory MemoryHandle)

	// CreateBuffer creates a buffer object with no backing memory and returns the memory
	// requirements for binding it.
	CreateBuffer(size int, usage core1_0.BufferUsageFlags) (BufferHandle, core1_0.MemoryRequirements, common.VkResult, error)
	DestroyBuffer(buffer BufferHandle)
	BindBufferMemory(buffer BufferHandle, memory MemoryHandle, offset int) (common.VkResult, error)
}
