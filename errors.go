package rheap

import "github.com/vkngwrapper/rheap/internal/vulkan"

var (
	// ErrNoMatchingMemoryType is returned when the device exposes no memory type with all of the
	// requested property flags. It is accompanied by core1_0.VKErrorFeatureNotPresent, and
	// usually indicates a configuration error that retrying will not fix.
	ErrNoMatchingMemoryType = vulkan.ErrNoMatchingMemoryType
	// ErrOutOfDeviceMemory is returned when a native allocation fails, or would exceed a heap size
	// limit or the device's allocation count limit. It is accompanied by
	// core1_0.VKErrorOutOfDeviceMemory or core1_0.VKErrorTooManyObjects.
	ErrOutOfDeviceMemory = vulkan.ErrOutOfDeviceMemory
	// ErrAllocationTooLarge is returned when a buffer request exceeds the largest pool class, or
	// a memory request exceeds the size of its heap. It is accompanied by
	// core1_0.VKErrorOutOfDeviceMemory.
	ErrAllocationTooLarge = vulkan.ErrAllocationTooLarge
)
