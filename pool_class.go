package rheap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slices"
)

// PoolClass is one buffer size class. Requests of up to Ceiling bytes are served from shared
// buffers of Capacity bytes.
type PoolClass struct {
	Ceiling  int `json:"ceiling"`
	Capacity int `json:"capacity"`
}

const (
	kibibyte = 1024
	mebibyte = 1024 * kibibyte
)

// DefaultPoolClasses returns the pool classes used when CreateOptions.PoolClasses is empty:
// ceilings from 32 bytes to 16 KiB, backed by buffers from 64 KiB to 2 MiB
func DefaultPoolClasses() []PoolClass {
	return []PoolClass{
		{Ceiling: 32, Capacity: 64 * kibibyte},
		{Ceiling: 64, Capacity: 64 * kibibyte},
		{Ceiling: 128, Capacity: 64 * kibibyte},
		{Ceiling: 256, Capacity: 128 * kibibyte},
		{Ceiling: 512, Capacity: 256 * kibibyte},
		{Ceiling: 1 * kibibyte, Capacity: 512 * kibibyte},
		{Ceiling: 2 * kibibyte, Capacity: 1 * mebibyte},
		{Ceiling: 4 * kibibyte, Capacity: 2 * mebibyte},
		{Ceiling: 8 * kibibyte, Capacity: 2 * mebibyte},
		{Ceiling: 16 * kibibyte, Capacity: 2 * mebibyte},
	}
}

// PoolClassTable is an immutable, ascending list of pool classes
type PoolClassTable struct {
	classes []PoolClass
}

// NewPoolClassTable validates classes and builds a table from a private copy of them. Ceilings
// must be positive and strictly ascending, and every class's capacity must be able to hold at
// least one request of its ceiling.
func NewPoolClassTable(classes []PoolClass) (*PoolClassTable, error) {
	if len(classes) == 0 {
		return nil, errors.New("a pool class table requires at least one class")
	}

	for classIndex, class := range classes {
		if class.Ceiling <= 0 {
			return nil, errors.Newf("pool class %d has invalid ceiling %d", classIndex, class.Ceiling)
		}
		if class.Capacity < class.Ceiling {
			return nil, errors.Newf("pool class %d has capacity %d, which cannot hold a request of its ceiling %d", classIndex, class.Capacity, class.Ceiling)
		}
		if classIndex > 0 && class.Ceiling <= classes[classIndex-1].Ceiling {
			return nil, errors.Newf("pool class ceilings must be strictly ascending, but class %d has ceiling %d after ceiling %d", classIndex, class.Ceiling, classes[classIndex-1].Ceiling)
		}
	}

	return &PoolClassTable{classes: slices.Clone(classes)}, nil
}

func (t *PoolClassTable) Len() int { return len(t.classes) }

func (t *PoolClassTable) Class(classIndex int) PoolClass { return t.classes[classIndex] }

func (t *PoolClassTable) Classes() []PoolClass { return slices.Clone(t.classes) }

// LargestCeiling is the largest request the table can route
func (t *PoolClassTable) LargestCeiling() int {
	return t.classes[len(t.classes)-1].Ceiling
}

// PickPoolClass returns the index of the first class whose ceiling is at least size
func (t *PoolClassTable) PickPoolClass(size int) (int, common.VkResult, error) {
	if size <= 0 {
		return -1, core1_0.VKErrorUnknown, errors.Newf("attempted to pick a pool class for %d bytes", size)
	}

	for classIndex, class := range t.classes {
		if class.Ceiling >= size {
			return classIndex, core1_0.VKSuccess, nil
		}
	}

	return -1, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(ErrAllocationTooLarge,
		"%d bytes exceeds the largest pool class ceiling of %d bytes", size, t.LargestCeiling())
}
