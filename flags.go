package rheap

import "github.com/vkngwrapper/core/v2/common"

// AllocationCreateFlags exposes several options for allocation behavior that can be applied.
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateDedicatedMemory instructs the heap manager to give this allocation its own
	// native memory allocation, rather than suballocating it from a shared page
	AllocationCreateDedicatedMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateCritical indicates that the caller cannot proceed without this allocation.
	// If the native allocation backing it fails, the heap manager panics instead of returning
	// ErrOutOfDeviceMemory.
	AllocationCreateCritical
	// AllocationCreateMapped instructs the heap manager to map the allocation as soon as it is
	// created and keep it mapped until it is released. The pointer is available from
	// Allocation.MappedData.
	//
	// Allocations from host-visible buffer pools are always mapped, with or without this flag.
	// It is an error to use this flag for memory that is not host visible.
	AllocationCreateMapped
)

func init() {
	AllocationCreateDedicatedMemory.Register("AllocationCreateDedicatedMemory")
	AllocationCreateCritical.Register("AllocationCreateCritical")
	AllocationCreateMapped.Register("AllocationCreateMapped")
}

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypePage
	allocationTypeDedicated
	allocationTypeSubBuffer
)

var allocationTypeMapping = make(map[allocationType]string)

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

func init() {
	allocationTypeMapping[allocationTypeNone] = "None"
	allocationTypeMapping[allocationTypePage] = "Page"
	allocationTypeMapping[allocationTypeDedicated] = "Dedicated"
	allocationTypeMapping[allocationTypeSubBuffer] = "SubBuffer"
}

type pageState byte

const (
	pageStateActive pageState = iota
	pageStateEmpty
	pageStatePending
	pageStateReclaimed
)

var pageStateMapping = make(map[pageState]string)

func (s pageState) String() string {
	return pageStateMapping[s]
}

func init() {
	pageStateMapping[pageStateActive] = "Active"
	pageStateMapping[pageStateEmpty] = "Empty"
	pageStateMapping[pageStatePending] = "Pending"
	pageStateMapping[pageStateReclaimed] = "Reclaimed"
}
