package rheap

import (
	"context"
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/rheap/device"
	"github.com/vkngwrapper/rheap/internal/vulkan"
	"github.com/vkngwrapper/rheap/memutils"
	"github.com/vkngwrapper/rheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// page is one native allocation sliced into suballocations by a free list. A dedicated page
// holds exactly one allocation that spans the whole page.
type page struct {
	id        int
	heap      *Heap
	memory    *vulkan.NativeMemory
	metadata  *metadata.FreeListBlockMetadata
	dedicated bool
	state     pageState
	// frame at which the page was queued for reclamation
	pendingFrame int

	prev *page
	next *page
}

var _ allocationOwner = &page{}

func newPage(heap *Heap, id int, memory *vulkan.NativeMemory, dedicated bool) *page {
	p := &page{
		id:        id,
		heap:      heap,
		memory:    memory,
		metadata:  metadata.NewFreeListBlockMetadata(),
		dedicated: dedicated,
		state:     pageStateEmpty,
	}
	p.metadata.Init(memory.Size())

	return p
}

func (p *page) nativeMemory() *vulkan.NativeMemory { return p.memory }
func (p *page) buffer() device.BufferHandle        { return device.NullBuffer }

func (p *page) releaseAllocation(alloc *Allocation) {
	p.heap.releaseAllocation(p, alloc)
}

func (p *page) size() int { return p.metadata.Size() }

func (p *page) allocationType() allocationType {
	if p.dedicated {
		return allocationTypeDedicated
	}
	return allocationTypePage
}

// tryAllocate carves an allocation out of the page. It returns nil, without modifying the
// page, if no free range can hold the request.
func (p *page) tryAllocate(size int, alignment uint) (*Allocation, error) {
	if p.state == pageStatePending || p.state == pageStateReclaimed {
		panic(fmt.Sprintf("attempted to allocate from page %d, which is %s", p.id, p.state))
	}

	alloc := &Allocation{}
	suballoc, ok, err := p.metadata.TryAllocate(size, alignment, alloc)
	if err != nil || !ok {
		return nil, err
	}

	alloc.init(p, p.allocationType(), suballoc, alignment, p.memory.MemoryTypeIndex())
	p.state = pageStateActive
	return alloc, nil
}

// free returns an allocation's range to the page and reports whether the page is now empty
func (p *page) free(alloc *Allocation) bool {
	err := p.metadata.Free(alloc.handle)
	if err != nil {
		panic(fmt.Sprintf("page %d could not release an allocation at offset %d: %+v", p.id, alloc.offset, err))
	}

	if p.metadata.IsEmpty() {
		p.state = pageStateEmpty
		return true
	}

	return false
}

func (p *page) destroy(deviceMemory *vulkan.DeviceMemoryManager, logger *slog.Logger) error {
	if !p.metadata.IsEmpty() {
		err := p.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			logUnreleasedMemory(logger, offset, size, userData)
			return nil
		})
		if err != nil {
			logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Errorf("page %d still held %d allocations when it was destroyed", p.id, p.metadata.AllocationCount())
	}

	if p.memory == nil {
		panic(fmt.Sprintf("attempted to destroy page %d, but it had no backing memory", p.id))
	}

	deviceMemory.Free(p.memory)
	p.memory = nil
	p.state = pageStateReclaimed
	return nil
}

func logUnreleasedMemory(logger *slog.Logger, offset, size int, userData any) {
	allocation := userData.(*Allocation)
	name := allocation.Name()
	if name == "" {
		name = "empty"
	}

	logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", allocation.UserData()),
		slog.String("name", name),
	)
}

func (p *page) validate() error {
	if p.memory == nil {
		return errors.Errorf("page %d has no backing memory", p.id)
	}
	if p.metadata.Size() != p.memory.Size() {
		return errors.Errorf("page %d tracks %d bytes, but its memory is %d bytes", p.id, p.metadata.Size(), p.memory.Size())
	}
	if p.dedicated && p.metadata.AllocationCount() > 1 {
		return errors.Errorf("dedicated page %d holds %d allocations", p.id, p.metadata.AllocationCount())
	}

	return validateOwnedRegions(p.metadata, p)
}

// validateOwnedRegions checks that every live region of md is an Allocation belonging to owner
func validateOwnedRegions(md metadata.BlockMetadata, owner allocationOwner) error {
	err := md.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		if free {
			return nil
		}

		allocation, isAllocation := userData.(*Allocation)
		if !isAllocation || allocation == nil {
			return errors.Errorf("region at offset %d is marked as allocated but has no allocation object", offset)
		}
		if allocation.owner != owner {
			return errors.Errorf("allocation at offset %d belongs to a different owner", offset)
		}
		if allocation.IsReleased() {
			return errors.Errorf("allocation at offset %d has been released but still occupies its range", offset)
		}
		if allocation.offset != offset || allocation.size != size {
			return errors.Errorf("allocation believes it is at offset %d with size %d, but occupies offset %d with size %d", allocation.offset, allocation.size, offset, size)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return md.Validate()
}

func printDetailedMapAllocations(md metadata.BlockMetadata, json *jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			if free {
				obj.Name("Type").String("Free")
				obj.Name("Size").Int(size)
				return nil
			}

			alloc, isAllocation := userData.(*Allocation)
			if isAllocation && alloc != nil {
				alloc.printParameters(&obj)
			} else if userData != nil {
				obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
			}

			return nil
		})
}

func (p *page) printDetailedMap(json *jwriter.ObjectState) {
	json.Name("State").String(p.state.String())
	json.Name("Dedicated").Bool(p.dedicated)
	json.Name("MapReferences").Int(p.memory.MapReferences())
	p.metadata.BlockJsonData(json)

	printDetailedMapAllocations(p.metadata, json)
}

func (p *page) addStatistics(stats *memutils.Statistics) {
	p.metadata.AddStatistics(stats)
}

func (p *page) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.metadata.AddDetailedStatistics(stats)
}
