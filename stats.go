package rheap

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/rheap/memutils"
)

// Statistics is a snapshot of every page and shared buffer owned by a HeapManager, summed per
// memory type, per memory heap, and in total
type Statistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [common.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

func (s *Statistics) clear() {
	s.Total.Clear()
	for i := range s.MemoryTypes {
		s.MemoryTypes[i].Clear()
	}
	for i := range s.MemoryHeaps {
		s.MemoryHeaps[i].Clear()
	}
}

// CalculateStatistics walks every page and shared buffer. This can be slow and should generally
// be used for diagnostics only.
func (m *HeapManager) CalculateStatistics() *Statistics {
	stats := &Statistics{}
	stats.clear()

	typeCount := m.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		if m.heaps[typeIndex] != nil {
			m.heaps[typeIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		}
	}

	m.poolsMutex.RLock()
	for _, pool := range m.poolOrder {
		pool.addDetailedStatistics(stats.MemoryTypes[:typeCount])
	}
	m.poolsMutex.RUnlock()

	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		heapIndex := m.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	for heapIndex := 0; heapIndex < m.deviceMemory.MemoryHeapCount(); heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}

	return stats
}

// BuildStatsString returns a JSON document describing every heap, memory type, and pool class.
// If detailed is true, it also lists every page and shared buffer along with each of their
// suballocations and free ranges.
func (m *HeapManager) BuildStatsString(detailed bool) string {
	stats := m.CalculateStatistics()
	budgets := m.HeapBudgets()
	properties := m.deviceMemory.Properties()

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	generalObj := rootObj.Name("General").Object()
	generalObj.Name("MemoryHeapCount").Int(properties.MemoryHeapCount())
	generalObj.Name("MemoryTypeCount").Int(properties.MemoryTypeCount())
	generalObj.Name("NonCoherentAtomSize").Int(properties.NonCoherentAtomSize)
	generalObj.Name("MinBufferOffsetAlignment").Int(properties.MinBufferOffsetAlignment)
	generalObj.Name("NativeAllocationCount").Int(m.NativeAllocationCount())
	generalObj.End()

	totalObj := rootObj.Name("Total").Object()
	stats.Total.PrintJson(&totalObj)
	totalObj.End()

	memoryInfoObj := rootObj.Name("MemoryInfo").Object()
	for heapIndex := 0; heapIndex < properties.MemoryHeapCount(); heapIndex++ {
		heapObj := memoryInfoObj.Name("Heap " + strconv.Itoa(heapIndex)).Object()
		heapObj.Name("Flags").String(properties.MemoryHeaps[heapIndex].Flags.String())
		heapObj.Name("Size").Int(properties.HeapSize(heapIndex))

		budgetObj := heapObj.Name("Budget").Object()
		budgets[heapIndex].PrintJson(&budgetObj)
		budgetObj.End()

		heapStatsObj := heapObj.Name("Stats").Object()
		stats.MemoryHeaps[heapIndex].PrintJson(&heapStatsObj)
		heapStatsObj.End()

		typesObj := heapObj.Name("MemoryTypes").Object()
		for typeIndex := 0; typeIndex < properties.MemoryTypeCount(); typeIndex++ {
			if properties.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeObj := typesObj.Name("Type " + strconv.Itoa(typeIndex)).Object()
			typeObj.Name("Flags").String(properties.MemoryTypes[typeIndex].PropertyFlags.String())

			if heap := m.heaps[typeIndex]; heap != nil {
				typeObj.Name("PageSize").Int(heap.PageSize())
				typeObj.Name("ActivePages").Int(heap.ActivePageCount())
				typeObj.Name("DedicatedPages").Int(heap.DedicatedPageCount())
				typeObj.Name("PendingPages").Int(heap.PendingPageCount())
			}

			typeStatsObj := typeObj.Name("Stats").Object()
			stats.MemoryTypes[typeIndex].PrintJson(&typeStatsObj)
			typeStatsObj.End()

			typeObj.End()
		}
		typesObj.End()

		heapObj.End()
	}
	memoryInfoObj.End()

	if detailed {
		heapsObj := rootObj.Name("Heaps").Object()
		for typeIndex := 0; typeIndex < properties.MemoryTypeCount(); typeIndex++ {
			heap := m.heaps[typeIndex]
			if heap == nil || heap.IsEmpty() {
				continue
			}

			heapsObj.Name("Type " + strconv.Itoa(typeIndex))
			heap.PrintDetailedMap(&writer)
		}
		heapsObj.End()

		m.poolsMutex.RLock()
		poolsArr := rootObj.Name("SubBufferPools").Array()
		for _, pool := range m.poolOrder {
			poolObj := poolsArr.Object()
			pool.printDetailedMap(&poolObj)
			poolObj.End()
		}
		poolsArr.End()
		m.poolsMutex.RUnlock()
	}

	rootObj.End()
	return string(writer.Bytes())
}
