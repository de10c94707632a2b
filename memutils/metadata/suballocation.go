package metadata

import "math"

type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation is a live range handed out by a BlockMetadata
type Suballocation struct {
	Handle BlockAllocationHandle
	// Offset is the first byte of the range occupied by the suballocation; it satisfies the
	// alignment the suballocation was requested with.
	Offset   int
	Size     int
	UserData any
}

// Range returns the span of the block occupied by this suballocation
func (s Suballocation) Range() Range {
	return Range{Offset: s.Offset, Size: s.Size}
}
