package metadata

import "fmt"

// Range is a contiguous span of a block, either free or allocated
type Range struct {
	Offset int
	Size   int
}

// End returns the first offset past the end of the range
func (r Range) End() int {
	return r.Offset + r.Size
}

// Mergeable reports whether next begins exactly where r ends
func (r Range) Mergeable(next Range) bool {
	return r.Offset+r.Size == next.Offset
}

// Overlaps reports whether the two ranges share at least one byte
func (r Range) Overlaps(other Range) bool {
	return r.Offset < other.End() && other.Offset < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("{%d,%d}", r.Offset, r.Size)
}

func compareRanges(left, right Range) bool {
	return left.Offset < right.Offset
}
