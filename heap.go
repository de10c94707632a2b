package rheap

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/rheap/internal/utils"
	"github.com/vkngwrapper/rheap/internal/vulkan"
	"github.com/vkngwrapper/rheap/memutils"
	"golang.org/x/exp/slog"
)

// Heap owns every page of a single memory type. Allocations are served first-fit from the
// active pages, oldest first, and a new page is created only when none of them can hold a
// request. Requests larger than the dedicated threshold get a page of their own.
//
// Pages that become empty are not freed straight away. ReleaseFreedPages moves them to a
// pending queue tagged with the current frame, and frees them once they have been pending for
// FrameDelay frames.
type Heap struct {
	logger       *slog.Logger
	deviceMemory *vulkan.DeviceMemoryManager

	memoryTypeIndex    int
	heapIndex          int
	pageSize           int
	dedicatedThreshold int
	frameDelay         int
	minAlignment       uint
	hostVisible        bool

	mutex       utils.OptionalRWMutex
	activePages []*page
	dedicated   dedicatedPageList
	// FIFO of *page, in the order they were queued for reclamation
	pending    *queue.Queue
	lastFrame  int
	nextPageID int
}

func newHeap(
	useMutex bool,
	logger *slog.Logger,
	deviceMemory *vulkan.DeviceMemoryManager,
	memoryTypeIndex int,
	pageSize int,
	dedicatedThreshold int,
	frameDelay int,
) *Heap {
	properties := deviceMemory.Properties()

	return &Heap{
		logger:       logger,
		deviceMemory: deviceMemory,

		memoryTypeIndex:    memoryTypeIndex,
		heapIndex:          properties.MemoryTypeIndexToHeapIndex(memoryTypeIndex),
		pageSize:           pageSize,
		dedicatedThreshold: dedicatedThreshold,
		frameDelay:         frameDelay,
		minAlignment:       properties.MemoryTypeMinimumAlignment(memoryTypeIndex),
		hostVisible:        properties.IsMemoryTypeHostVisible(memoryTypeIndex),

		mutex:   utils.OptionalRWMutex{Enabled: useMutex},
		pending: queue.New(),
	}
}

func (h *Heap) MemoryTypeIndex() int { return h.memoryTypeIndex }
func (h *Heap) HeapIndex() int       { return h.heapIndex }
func (h *Heap) PageSize() int        { return h.pageSize }
func (h *Heap) FrameDelay() int      { return h.frameDelay }

// ActivePageCount is the number of shared pages that may still serve allocations
func (h *Heap) ActivePageCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.activePages)
}

// DedicatedPageCount is the number of live dedicated pages
func (h *Heap) DedicatedPageCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.dedicated.Len()
}

// PendingPageCount is the number of empty pages waiting to be reclaimed
func (h *Heap) PendingPageCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.pending.Length()
}

// AllocateResource carves size bytes, aligned to alignment, out of this heap's pages. The
// alignment is raised to the memory type's minimum alignment if it is lower.
func (h *Heap) AllocateResource(size int, alignment uint, flags AllocationCreateFlags) (*Allocation, common.VkResult, error) {
	h.logger.Debug("Heap::AllocateResource",
		slog.Int("MemoryTypeIndex", h.memoryTypeIndex),
		slog.Int("Size", size),
		slog.Int("Alignment", int(alignment)),
		slog.String("Flags", flags.String()),
	)

	err := memutils.CheckPositive(size, "allocation size")
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if alignment == 0 {
		alignment = 1
	}
	err = memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if flags&AllocationCreateMapped != 0 && !h.hostVisible {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("AllocationCreateMapped was specified, but memory type %d is not host visible", h.memoryTypeIndex)
	}

	alignment = memutils.MaxAlignment(alignment, h.minAlignment)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	var alloc *Allocation
	var res common.VkResult
	if flags&AllocationCreateDedicatedMemory != 0 || size > h.dedicatedThreshold {
		alloc, res, err = h.allocateDedicated(size, flags)
	} else {
		alloc, res, err = h.allocateFromPages(size, alignment, flags)
	}
	if err != nil {
		return nil, res, err
	}

	if flags&AllocationCreateMapped != 0 {
		res, err = alloc.mapPersistently()
		if err != nil {
			h.releaseWithLock(alloc.owner.(*page), alloc)
			return nil, res, err
		}
	}

	h.deviceMemory.AddAllocation(h.heapIndex, size)
	return alloc, core1_0.VKSuccess, nil
}

func (h *Heap) allocateFromPages(size int, alignment uint, flags AllocationCreateFlags) (*Allocation, common.VkResult, error) {
	for _, p := range h.activePages {
		alloc, err := p.tryAllocate(size, alignment)
		if err != nil {
			return nil, core1_0.VKErrorUnknown, err
		}
		if alloc != nil {
			return alloc, core1_0.VKSuccess, nil
		}
	}

	pageSize := h.pageSize
	if size > pageSize {
		pageSize = size
	}

	p, res, err := h.createPage(pageSize, false, flags)
	if err != nil {
		return nil, res, err
	}
	h.activePages = append(h.activePages, p)

	alloc, err := p.tryAllocate(size, alignment)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if alloc == nil {
		panic(fmt.Sprintf("a new page of %d bytes could not hold an allocation of %d bytes", pageSize, size))
	}

	return alloc, core1_0.VKSuccess, nil
}

func (h *Heap) allocateDedicated(size int, flags AllocationCreateFlags) (*Allocation, common.VkResult, error) {
	p, res, err := h.createPage(size, true, flags)
	if err != nil {
		return nil, res, err
	}
	h.dedicated.Push(p)

	alloc, err := p.tryAllocate(size, 1)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if alloc == nil {
		panic(fmt.Sprintf("a dedicated page of %d bytes could not hold its allocation", size))
	}

	return alloc, core1_0.VKSuccess, nil
}

func (h *Heap) createPage(size int, dedicated bool, flags AllocationCreateFlags) (*page, common.VkResult, error) {
	memory, res, err := h.deviceMemory.Allocate(size, h.memoryTypeIndex, flags&AllocationCreateCritical == 0)
	if err != nil {
		return nil, res, err
	}

	p := newPage(h, h.nextPageID, memory, dedicated)
	h.nextPageID++

	h.logger.Debug("Heap::createPage",
		slog.Int("MemoryTypeIndex", h.memoryTypeIndex),
		slog.Int("PageID", p.id),
		slog.Int("Size", size),
		slog.Bool("Dedicated", dedicated),
	)

	return p, core1_0.VKSuccess, nil
}

func (h *Heap) releaseAllocation(p *page, alloc *Allocation) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.releaseWithLock(p, alloc)
	h.deviceMemory.RemoveAllocation(h.heapIndex, alloc.size)
}

func (h *Heap) releaseWithLock(p *page, alloc *Allocation) {
	alloc.unmapPersistent()
	p.free(alloc)
}

// ReleaseFreedPages queues every empty page for reclamation, tagged with currentFrame, then
// frees the native memory of every queued page that has been pending for at least FrameDelay
// frames. If immediate is true, every queued page is freed regardless of its age. It returns
// the number of pages freed.
//
// currentFrame must never decrease from one call to the next.
func (h *Heap) ReleaseFreedPages(currentFrame int, immediate bool) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if currentFrame < h.lastFrame {
		panic(fmt.Sprintf("ReleaseFreedPages was called with frame %d after frame %d", currentFrame, h.lastFrame))
	}
	h.lastFrame = currentFrame

	kept := h.activePages[:0]
	for _, p := range h.activePages {
		if p.metadata.JoinFreeBlocks() {
			h.queuePage(p, currentFrame)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(h.activePages); i++ {
		h.activePages[i] = nil
	}
	h.activePages = kept

	for p := h.dedicated.head; p != nil; {
		next := p.next
		if p.metadata.JoinFreeBlocks() {
			h.dedicated.Remove(p)
			h.queuePage(p, currentFrame)
		}
		p = next
	}

	reclaimed := 0
	for h.pending.Length() > 0 {
		p := h.pending.Peek().(*page)
		if !immediate && currentFrame-p.pendingFrame < h.frameDelay {
			break
		}

		h.pending.Remove()
		err := p.destroy(h.deviceMemory, h.logger)
		if err != nil {
			panic(fmt.Sprintf("a pending page could not be reclaimed: %+v", err))
		}
		reclaimed++

		h.logger.Debug("Heap::ReleaseFreedPages reclaimed page",
			slog.Int("MemoryTypeIndex", h.memoryTypeIndex),
			slog.Int("PageID", p.id),
			slog.Int("QueuedFrame", p.pendingFrame),
			slog.Int("CurrentFrame", currentFrame),
		)
	}

	return reclaimed
}

func (h *Heap) queuePage(p *page, currentFrame int) {
	p.state = pageStatePending
	p.pendingFrame = currentFrame
	h.pending.Add(p)
}

// IsEmpty reports whether the heap holds no native memory at all
func (h *Heap) IsEmpty() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.activePages) == 0 && h.dedicated.IsEmpty() && h.pending.Length() == 0
}

func (h *Heap) Validate() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, p := range h.activePages {
		if p.dedicated {
			return errors.Newf("dedicated page %d is in the active page list", p.id)
		}
		if p.state != pageStateActive && p.state != pageStateEmpty {
			return errors.Newf("page %d is in the active page list, but is %s", p.id, p.state)
		}

		err := p.validate()
		if err != nil {
			return errors.Wrapf(err, "page %d of memory type %d", p.id, h.memoryTypeIndex)
		}
	}

	err := h.dedicated.Validate()
	if err != nil {
		return err
	}
	for p := h.dedicated.head; p != nil; p = p.next {
		err = p.validate()
		if err != nil {
			return errors.Wrapf(err, "dedicated page %d of memory type %d", p.id, h.memoryTypeIndex)
		}
	}

	for i := 0; i < h.pending.Length(); i++ {
		p := h.pending.Get(i).(*page)
		if p.state != pageStatePending || !p.metadata.IsEmpty() {
			return errors.Newf("page %d is queued for reclamation, but is %s with %d allocations", p.id, p.state, p.metadata.AllocationCount())
		}
	}

	return nil
}

func (h *Heap) forEachPage(fn func(p *page)) {
	for _, p := range h.activePages {
		fn(p)
	}
	for p := h.dedicated.head; p != nil; p = p.next {
		fn(p)
	}
	for i := 0; i < h.pending.Length(); i++ {
		fn(h.pending.Get(i).(*page))
	}
}

func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	h.forEachPage(func(p *page) {
		p.addStatistics(stats)
	})
}

func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	h.forEachPage(func(p *page) {
		p.addDetailedStatistics(stats)
	})
}

func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	h.forEachPage(func(p *page) {
		pageObj := objState.Name(strconv.Itoa(p.id)).Object()
		p.printDetailedMap(&pageObj)
		pageObj.End()
	})
}

// Destroy frees every page in the heap. If any allocations are still live, each one is logged,
// their pages are left in place, and an error is returned.
func (h *Heap) Destroy() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var destroyErr error

	kept := h.activePages[:0]
	for _, p := range h.activePages {
		err := p.destroy(h.deviceMemory, h.logger)
		if err != nil {
			destroyErr = errors.CombineErrors(destroyErr, err)
			kept = append(kept, p)
		}
	}
	h.activePages = kept

	for p := h.dedicated.head; p != nil; {
		next := p.next
		err := p.destroy(h.deviceMemory, h.logger)
		if err != nil {
			destroyErr = errors.CombineErrors(destroyErr, err)
		} else {
			h.dedicated.Remove(p)
		}
		p = next
	}

	for h.pending.Length() > 0 {
		p := h.pending.Remove().(*page)
		err := p.destroy(h.deviceMemory, h.logger)
		if err != nil {
			destroyErr = errors.CombineErrors(destroyErr, err)
		}
	}

	return destroyErr
}
