package rheap

import (
	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific heap manager behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this heap manager and all objects created
	// from it will not be synchronized internally. The consumer must guarantee they are used from
	// only one goroutine at a time or are synchronized by some other mechanism.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const (
	// defaultLargeHeapPageSize is the page size used for heaps larger than smallHeapMaxSize when
	// CreateOptions.PageSize is not provided. It is equal to 64MiB.
	defaultLargeHeapPageSize int = 64 * 1024 * 1024
	smallHeapMaxSize         int = 1024 * 1024 * 1024 // 1 GiB

	// DefaultFrameDelay is the number of frames an empty page waits before its memory is freed,
	// when CreateOptions.FrameDelay is not provided
	DefaultFrameDelay int = 3
)

// CreateOptions contains optional settings when creating a heap manager. It is valid to leave
// all the fields blank.
type CreateOptions struct {
	// Flags indicates specific heap manager behaviors to activate or deactivate
	Flags CreateFlags `json:"-"`

	// PageSize is the size of the native allocations that shared pages are carved from. If it
	// is zero, heaps of up to 1GiB use an eighth of the heap size and larger heaps use 64MiB.
	PageSize int `json:"pageSize"`
	// DedicatedThreshold is the largest request that will be suballocated from a shared page.
	// Larger requests get a native allocation of their own. If it is zero, each heap uses its
	// page size.
	DedicatedThreshold int `json:"dedicatedThreshold"`
	// FrameDelay is the number of frames an empty page waits in the pending queue before
	// ReleaseFreedPages frees it. If it is zero, DefaultFrameDelay is used. Pass immediate to
	// ReleaseFreedPages to free pending pages without waiting.
	FrameDelay int `json:"frameDelay"`

	// PoolClasses is the size class table for AllocateBuffer. If it is empty,
	// DefaultPoolClasses is used.
	PoolClasses []PoolClass `json:"poolClasses"`

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps in the device. Each entry
	// must be either the maximum number of bytes that should be allocated from the corresponding
	// heap, or 0 indicating no limit.
	//
	// Heap memory limits are enforced at runtime: the heap manager will return
	// ErrOutOfDeviceMemory rather than allocate beyond the limit.
	HeapSizeLimits []int `json:"heapSizeLimits"`

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when native
	// memory is allocated or freed by this heap manager
	MemoryCallbackOptions *MemoryCallbackOptions `json:"-"`
}

type optionsDocument struct {
	CreateOptions
	ExternallySynchronized bool `json:"externallySynchronized"`
}

// ParseOptions decodes a JSON options document, such as
//
//	{"pageSize": 1048576, "frameDelay": 2, "poolClasses": [{"ceiling": 256, "capacity": 65536}]}
//
// Setting "externallySynchronized" to true sets AllocatorCreateExternallySynchronized.
func ParseOptions(data []byte) (CreateOptions, error) {
	var document optionsDocument
	err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &document)
	if err != nil {
		return CreateOptions{}, errors.Wrap(err, "could not parse heap manager options")
	}

	options := document.CreateOptions
	if document.ExternallySynchronized {
		options.Flags |= AllocatorCreateExternallySynchronized
	}

	return options, options.validate()
}

func (o CreateOptions) validate() error {
	if o.PageSize < 0 {
		return errors.Newf("CreateOptions.PageSize is negative: %d", o.PageSize)
	}
	if o.DedicatedThreshold < 0 {
		return errors.Newf("CreateOptions.DedicatedThreshold is negative: %d", o.DedicatedThreshold)
	}
	if o.FrameDelay < 0 {
		return errors.Newf("CreateOptions.FrameDelay is negative: %d", o.FrameDelay)
	}

	return nil
}
