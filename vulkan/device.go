package vulkan

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/rheap/device"
	"github.com/vkngwrapper/rheap/internal/utils"
	"golang.org/x/exp/slog"
)

// DefaultMemoryPriority is the priority given to native allocations when ext_memory_priority is
// active and Options.MemoryPriority is not provided
const DefaultMemoryPriority float32 = 0.5

// Options contains optional settings for a Device. It is valid to leave all the fields blank.
type Options struct {
	// AllocationCallbacks is passed to Vulkan for every memory and buffer object the device
	// creates or destroys
	AllocationCallbacks *driver.AllocationCallbacks

	// MemoryPriority is chained to every native allocation through ext_memory_priority, if the
	// extension is active on the device. It must be between 0 and 1. If it is zero,
	// DefaultMemoryPriority is used.
	MemoryPriority float32

	// ExternallySynchronized disables the mutex guarding the handle tables. Set it only when
	// the heap manager using this device was created with AllocatorCreateExternallySynchronized.
	ExternallySynchronized bool
}

// Device implements device.Device on top of a vkngwrapper core1_0.Device. Native objects are
// tracked in handle tables so that the heap manager only ever sees opaque handles, and callers
// can recover the Vulkan objects with Memory and Buffer.
type Device struct {
	logger    *slog.Logger
	device    core1_0.Device
	callbacks *driver.AllocationCallbacks

	properties        device.MemoryProperties
	useMemoryPriority bool
	memoryPriority    float32

	mutex        utils.OptionalMutex
	nextHandle   uint64
	memories     *swiss.Map[device.MemoryHandle, core1_0.DeviceMemory]
	buffers      *swiss.Map[device.BufferHandle, core1_0.Buffer]
	memoryHandle *swiss.Map[core1_0.DeviceMemory, device.MemoryHandle]
}

var _ device.Device = &Device{}

// NewDevice reads the memory configuration of physicalDevice and wraps dev
func NewDevice(logger *slog.Logger, dev core1_0.Device, physicalDevice core1_0.PhysicalDevice, options Options) (*Device, error) {
	if options.MemoryPriority < 0 || options.MemoryPriority > 1 {
		return nil, errors.Newf("memory priority must be between 0 and 1, but was %f", options.MemoryPriority)
	}

	priority := options.MemoryPriority
	if priority == 0 {
		priority = DefaultMemoryPriority
	}

	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "could not read physical device properties")
	}
	memoryProperties := physicalDevice.MemoryProperties()

	properties := device.MemoryProperties{
		MemoryTypes: memoryProperties.MemoryTypes,
		MemoryHeaps: memoryProperties.MemoryHeaps,
	}
	if deviceProperties.Limits != nil {
		limits := deviceProperties.Limits
		properties.NonCoherentAtomSize = limits.NonCoherentAtomSize
		properties.MaxMemoryAllocationCount = limits.MaxMemoryAllocationCount
		properties.MinBufferOffsetAlignment = maxInt(
			limits.MinUniformBufferOffsetAlignment,
			limits.MinStorageBufferOffsetAlignment,
			limits.MinTexelBufferOffsetAlignment,
		)
	}

	properties = properties.Clone()
	err = properties.Validate()
	if err != nil {
		return nil, err
	}

	useMemoryPriority := dev.IsDeviceExtensionActive(ext_memory_priority.ExtensionName)
	logger.Debug("Device::NewDevice",
		slog.Int("MemoryTypes", properties.MemoryTypeCount()),
		slog.Int("MemoryHeaps", properties.MemoryHeapCount()),
		slog.Bool("MemoryPriority", useMemoryPriority),
	)

	return &Device{
		logger:    logger,
		device:    dev,
		callbacks: options.AllocationCallbacks,

		properties:        properties,
		useMemoryPriority: useMemoryPriority,
		memoryPriority:    priority,

		mutex:        utils.OptionalMutex{Enabled: !options.ExternallySynchronized},
		memories:     swiss.NewMap[device.MemoryHandle, core1_0.DeviceMemory](64),
		buffers:      swiss.NewMap[device.BufferHandle, core1_0.Buffer](64),
		memoryHandle: swiss.NewMap[core1_0.DeviceMemory, device.MemoryHandle](64),
	}, nil
}

func maxInt(values ...int) int {
	result := 0
	for _, value := range values {
		if value > result {
			result = value
		}
	}
	return result
}

func (d *Device) VulkanDevice() core1_0.Device { return d.device }

func (d *Device) MemoryProperties() device.MemoryProperties {
	return d.properties.Clone()
}

// Memory returns the Vulkan memory object behind a handle, or nil if the handle is not live
func (d *Device) Memory(memory device.MemoryHandle) core1_0.DeviceMemory {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	vkMemory, _ := d.memories.Get(memory)
	return vkMemory
}

// Buffer returns the Vulkan buffer object behind a handle, or nil if the handle is not live
func (d *Device) Buffer(buffer device.BufferHandle) core1_0.Buffer {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	vkBuffer, _ := d.buffers.Get(buffer)
	return vkBuffer
}

// MemoryHandle finds the handle of a live Vulkan memory object allocated through this device
func (d *Device) MemoryHandle(memory core1_0.DeviceMemory) (device.MemoryHandle, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.memoryHandle.Get(memory)
}

func (d *Device) LiveMemoryCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.memories.Count()
}

func (d *Device) LiveBufferCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.buffers.Count()
}

func (d *Device) AllocateMemory(size int, memoryTypeIndex int) (device.MemoryHandle, common.VkResult, error) {
	allocateInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	}
	if d.useMemoryPriority {
		allocateInfo.NextOptions = common.NextOptions{
			Next: ext_memory_priority.MemoryPriorityAllocateInfo{
				Priority: d.memoryPriority,
			},
		}
	}

	vkMemory, res, err := d.device.AllocateMemory(d.callbacks, allocateInfo)
	if err != nil {
		return device.NullMemory, res, err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.nextHandle++
	handle := device.MemoryHandle(d.nextHandle)
	d.memories.Put(handle, vkMemory)
	d.memoryHandle.Put(vkMemory, handle)

	d.logger.Debug("Device::AllocateMemory", slog.Int("Size", size), slog.Int("MemoryTypeIndex", memoryTypeIndex))
	return handle, res, nil
}

// lookupMemory panics if the handle is not live. If remove is true, the handle is retired.
func (d *Device) lookupMemory(memory device.MemoryHandle, operation string, remove bool) core1_0.DeviceMemory {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	vkMemory, ok := d.memories.Get(memory)
	if !ok {
		panic(fmt.Sprintf("attempted to %s memory handle %d, which is not live", operation, memory))
	}

	if remove {
		d.memories.Delete(memory)
		d.memoryHandle.Delete(vkMemory)
	}
	return vkMemory
}

// lookupBuffer panics if the handle is not live. If remove is true, the handle is retired.
func (d *Device) lookupBuffer(buffer device.BufferHandle, operation string, remove bool) core1_0.Buffer {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	vkBuffer, ok := d.buffers.Get(buffer)
	if !ok {
		panic(fmt.Sprintf("attempted to %s buffer handle %d, which is not live", operation, buffer))
	}

	if remove {
		d.buffers.Delete(buffer)
	}
	return vkBuffer
}

func (d *Device) FreeMemory(memory device.MemoryHandle) {
	vkMemory := d.lookupMemory(memory, "free", true)
	vkMemory.Free(d.callbacks)
}

func (d *Device) MapMemory(memory device.MemoryHandle, offset int, size int) (unsafe.Pointer, common.VkResult, error) {
	return d.lookupMemory(memory, "map", false).Map(offset, size, 0)
}

func (d *Device) UnmapMemory(memory device.MemoryHandle) {
	d.lookupMemory(memory, "unmap", false).Unmap()
}

func (d *Device) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (device.BufferHandle, core1_0.MemoryRequirements, common.VkResult, error) {
	vkBuffer, res, err := d.device.CreateBuffer(d.callbacks, core1_0.BufferCreateInfo{
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return device.NullBuffer, core1_0.MemoryRequirements{}, res, err
	}

	requirements := vkBuffer.MemoryRequirements()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.nextHandle++
	handle := device.BufferHandle(d.nextHandle)
	d.buffers.Put(handle, vkBuffer)

	d.logger.Debug("Device::CreateBuffer", slog.Int("Size", size), slog.String("Usage", usage.String()))
	return handle, *requirements, res, nil
}

func (d *Device) DestroyBuffer(buffer device.BufferHandle) {
	vkBuffer := d.lookupBuffer(buffer, "destroy", true)
	vkBuffer.Destroy(d.callbacks)
}

func (d *Device) BindBufferMemory(buffer device.BufferHandle, memory device.MemoryHandle, offset int) (common.VkResult, error) {
	vkBuffer := d.lookupBuffer(buffer, "bind", false)
	vkMemory := d.lookupMemory(memory, "bind", false)

	return vkBuffer.BindBufferMemory(vkMemory, offset)
}
