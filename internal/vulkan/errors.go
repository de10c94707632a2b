package vulkan

import "github.com/cockroachdb/errors"

var (
	ErrNoMatchingMemoryType = errors.New("no memory type supports the requested property flags")
	ErrOutOfDeviceMemory    = errors.New("out of device memory")
	ErrAllocationTooLarge   = errors.New("allocation is too large")
)
