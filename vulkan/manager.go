package vulkan

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap"
	"golang.org/x/exp/slog"
)

// New wraps a Vulkan device and creates a HeapManager over it. The returned Device can be used
// to recover the Vulkan objects behind the handles that allocations report.
func New(
	logger *slog.Logger,
	dev core1_0.Device,
	physicalDevice core1_0.PhysicalDevice,
	options rheap.CreateOptions,
	deviceOptions Options,
) (*rheap.HeapManager, *Device, error) {
	if options.Flags&rheap.AllocatorCreateExternallySynchronized != 0 {
		deviceOptions.ExternallySynchronized = true
	}

	wrapped, err := NewDevice(logger, dev, physicalDevice, deviceOptions)
	if err != nil {
		return nil, nil, err
	}

	manager, err := rheap.New(logger, wrapped, options)
	if err != nil {
		return nil, nil, err
	}

	return manager, wrapped, nil
}

// AllocateForImage allocates memory that satisfies the image's memory requirements and binds
// the image to it. On failure, nothing is left allocated.
func (d *Device) AllocateForImage(
	manager *rheap.HeapManager,
	image core1_0.Image,
	properties core1_0.MemoryPropertyFlags,
	flags rheap.AllocationCreateFlags,
) (*rheap.Allocation, common.VkResult, error) {
	requirements := image.MemoryRequirements()

	alloc, res, err := manager.AllocateMemory(*requirements, properties, flags)
	if err != nil {
		return nil, res, err
	}

	vkMemory := d.lookupMemory(alloc.Memory(), "bind", false)

	res, err = image.BindImageMemory(vkMemory, alloc.Offset())
	if err != nil {
		alloc.Release()
		return nil, res, err
	}

	return alloc, res, nil
}

// BufferRange returns the shared Vulkan buffer and the byte range within it that a buffer
// allocation occupies
func (d *Device) BufferRange(alloc *rheap.Allocation) (buffer core1_0.Buffer, offset int, size int) {
	return d.Buffer(alloc.Buffer()), alloc.Offset(), alloc.Size()
}
