package metadata

import (
	"fmt"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/rheap/memutils"
	"golang.org/x/exp/slices"
)

// FreeListBlockMetadata is a BlockMetadata implementation that keeps free space as a list of
// ranges sorted by offset. Allocation is first-fit: the lowest-offset range that can hold the
// aligned request is split, and any slack before or after the request goes back to the free list.
// Freed ranges are coalesced with their neighbors immediately, so the free list never contains
// two adjacent ranges.
//
// First-fit is O(n) in the number of free ranges. The blocks this is used for hold a modest
// number of long-lived resources, so the search cost is not a concern.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	freeList  []Range
	freeSize  int
	liveBytes int

	nextAllocationHandle BlockAllocationHandle
	live                 *swiss.Map[BlockAllocationHandle, Suballocation]
}

var _ BlockMetadata = &FreeListBlockMetadata{}

func NewFreeListBlockMetadata() *FreeListBlockMetadata {
	return &FreeListBlockMetadata{}
}

func (m *FreeListBlockMetadata) Init(size int) {
	if size <= 0 {
		panic(fmt.Sprintf("attempted to initialize block metadata with invalid size %d", size))
	}

	m.BlockMetadataBase.Init(size)
	m.live = swiss.NewMap[BlockAllocationHandle, Suballocation](42)
	m.freeList = append(m.freeList[:0], Range{Offset: 0, Size: size})
	m.freeSize = size
	m.liveBytes = 0
	m.nextAllocationHandle = 0
}

func (m *FreeListBlockMetadata) AllocationCount() int  { return m.live.Count() }
func (m *FreeListBlockMetadata) FreeRegionsCount() int { return len(m.freeList) }
func (m *FreeListBlockMetadata) SumFreeSize() int      { return m.freeSize }
func (m *FreeListBlockMetadata) IsEmpty() bool         { return m.live.Count() == 0 }

func (m *FreeListBlockMetadata) FreeRanges() []Range {
	return slices.Clone(m.freeList)
}

func (m *FreeListBlockMetadata) Suballocation(allocHandle BlockAllocationHandle) (Suballocation, bool) {
	return m.live.Get(allocHandle)
}

func (m *FreeListBlockMetadata) TryAllocate(allocSize int, allocAlignment uint, userData any) (Suballocation, bool, error) {
	err := memutils.CheckPositive(allocSize, "allocation size")
	if err != nil {
		return Suballocation{}, false, err
	}
	err = memutils.CheckPow2(allocAlignment, "allocation alignment")
	if err != nil {
		return Suballocation{}, false, err
	}

	// Early reject: not enough free space even if it were all in one range
	if allocSize > m.freeSize {
		return Suballocation{}, false, nil
	}

	for rangeIndex, freeRange := range m.freeList {
		alignedOffset := memutils.AlignUp(freeRange.Offset, allocAlignment)
		if alignedOffset+allocSize > freeRange.End() {
			continue
		}

		m.splitFreeRange(rangeIndex, alignedOffset, allocSize)

		m.nextAllocationHandle++
		suballoc := Suballocation{
			Handle:   m.nextAllocationHandle,
			Offset:   alignedOffset,
			Size:     allocSize,
			UserData: userData,
		}
		m.live.Put(suballoc.Handle, suballoc)
		m.freeSize -= allocSize
		m.liveBytes += allocSize

		memutils.DebugValidate(m)
		return suballoc, true, nil
	}

	return Suballocation{}, false, nil
}

// splitFreeRange removes the free range at rangeIndex and puts back zero, one, or two ranges
// for the leading and trailing slack around [allocOffset, allocOffset+allocSize)
func (m *FreeListBlockMetadata) splitFreeRange(rangeIndex int, allocOffset, allocSize int) {
	original := m.freeList[rangeIndex]
	allocEnd := allocOffset + allocSize

	var slack [2]Range
	slackCount := 0

	if allocOffset > original.Offset {
		slack[slackCount] = Range{Offset: original.Offset, Size: allocOffset - original.Offset}
		slackCount++
	}

	if allocEnd < original.End() {
		slack[slackCount] = Range{Offset: allocEnd, Size: original.End() - allocEnd}
		slackCount++
	}

	m.freeList = slices.Delete(m.freeList, rangeIndex, rangeIndex+1)
	m.freeList = slices.Insert(m.freeList, rangeIndex, slack[:slackCount]...)
}

func (m *FreeListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	suballoc, ok := m.live.Get(allocHandle)
	if !ok {
		return errors.Errorf("attempted to free handle %d, which is not a live allocation in this block", allocHandle)
	}

	m.live.Delete(allocHandle)
	m.liveBytes -= suballoc.Size
	m.freeSize += suballoc.Size
	m.freeList = append(m.freeList, suballoc.Range())
	m.JoinFreeBlocks()

	memutils.DebugValidate(m)
	return nil
}

func (m *FreeListBlockMetadata) JoinFreeBlocks() bool {
	slices.SortFunc(m.freeList, compareRanges)

	if len(m.freeList) > 1 {
		write := 0
		for read := 1; read < len(m.freeList); read++ {
			current := m.freeList[read]
			last := &m.freeList[write]

			if last.End() > current.Offset {
				panic(fmt.Sprintf("free list is corrupt: free range %s overlaps free range %s", last.String(), current.String()))
			}

			if last.Mergeable(current) {
				last.Size += current.Size
				continue
			}

			write++
			m.freeList[write] = current
		}
		m.freeList = m.freeList[:write+1]
	}

	return len(m.freeList) == 1 && m.freeList[0].Offset == 0 && m.freeList[0].Size == m.Size()
}

func (m *FreeListBlockMetadata) sortedLive() []Suballocation {
	live := make([]Suballocation, 0, m.live.Count())
	m.live.Iter(func(handle BlockAllocationHandle, suballoc Suballocation) bool {
		live = append(live, suballoc)
		return false
	})

	slices.SortFunc(live, func(left, right Suballocation) bool {
		return left.Offset < right.Offset
	})
	return live
}

func (m *FreeListBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	live := m.sortedLive()
	freeIndex := 0
	liveIndex := 0

	for freeIndex < len(m.freeList) || liveIndex < len(live) {
		visitFree := liveIndex >= len(live) ||
			(freeIndex < len(m.freeList) && m.freeList[freeIndex].Offset < live[liveIndex].Offset)

		var err error
		if visitFree {
			freeRange := m.freeList[freeIndex]
			err = handleBlock(NoAllocation, freeRange.Offset, freeRange.Size, nil, true)
			freeIndex++
		} else {
			suballoc := live[liveIndex]
			err = handleBlock(suballoc.Handle, suballoc.Offset, suballoc.Size, suballoc.UserData, false)
			liveIndex++
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (m *FreeListBlockMetadata) Validate() error {
	if m.Size() <= 0 {
		return errors.Errorf("block metadata has invalid size %d", m.Size())
	}

	calculatedFreeSize := 0
	for rangeIndex, freeRange := range m.freeList {
		if freeRange.Size <= 0 {
			return errors.Errorf("free range at offset %d has invalid size %d", freeRange.Offset, freeRange.Size)
		}
		if freeRange.Offset < 0 || freeRange.End() > m.Size() {
			return errors.Errorf("free range %s lies outside the block, which is %d bytes", freeRange.String(), m.Size())
		}

		if rangeIndex > 0 {
			prev := m.freeList[rangeIndex-1]
			if prev.Offset >= freeRange.Offset {
				return errors.Errorf("free list is not sorted: range %s precedes range %s", prev.String(), freeRange.String())
			}
			if prev.Overlaps(freeRange) {
				return errors.Errorf("free range %s overlaps free range %s", prev.String(), freeRange.String())
			}
			if prev.Mergeable(freeRange) {
				return errors.Errorf("free ranges %s and %s are adjacent but were not coalesced", prev.String(), freeRange.String())
			}
		}

		calculatedFreeSize += freeRange.Size
	}

	if calculatedFreeSize != m.freeSize {
		return errors.Errorf("free list holds %d bytes but the block believes %d bytes are free", calculatedFreeSize, m.freeSize)
	}

	calculatedLiveSize := 0
	prevEnd := 0
	err := m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if offset < prevEnd {
			return errors.Errorf("region at offset %d overlaps the region ending at offset %d", offset, prevEnd)
		}
		if offset+size > m.Size() {
			return errors.Errorf("region at offset %d with size %d lies outside the block, which is %d bytes", offset, size, m.Size())
		}
		prevEnd = offset + size

		if !free {
			calculatedLiveSize += size
		}
		return nil
	})
	if err != nil {
		return err
	}

	if calculatedLiveSize != m.liveBytes {
		return errors.Errorf("live allocations hold %d bytes but the block believes %d bytes are allocated", calculatedLiveSize, m.liveBytes)
	}

	if calculatedFreeSize+calculatedLiveSize != m.Size() {
		return errors.Errorf("%d free bytes and %d allocated bytes do not add up to the block size of %d", calculatedFreeSize, calculatedLiveSize, m.Size())
	}

	return nil
}

func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.live.Count()
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.liveBytes
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	m.live.Iter(func(handle BlockAllocationHandle, suballoc Suballocation) bool {
		stats.AddAllocation(suballoc.Size)
		return false
	})

	for _, freeRange := range m.freeList {
		stats.AddUnusedRange(freeRange.Size)
	}
}

func (m *FreeListBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.freeSize, m.live.Count(), len(m.freeList))
}
