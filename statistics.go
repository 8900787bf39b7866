package blockfit

import "math"

// Statistics is a basic, cheap-to-gather summary of an allocator's state.
type Statistics struct {
	// BlockCount is the number of physical blocks in the pool, free and allocated
	BlockCount int
	// AllocationCount is the number of live allocations
	AllocationCount int
	// PoolBytes is the full capacity of the pool
	PoolBytes int
	// AllocationBytes is the number of bytes consumed by live allocations, bookkeeping included
	AllocationBytes int
	// RequestedBytes is the number of bytes callers actually asked for, which is smaller than
	// AllocationBytes by per-block bookkeeping and alignment padding
	RequestedBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.PoolBytes = 0
	s.AllocationBytes = 0
	s.RequestedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.PoolBytes += other.PoolBytes
	s.AllocationBytes += other.AllocationBytes
	s.RequestedBytes += other.RequestedBytes
}

// DetailedStatistics extends Statistics with free-range counts and size extremes. Gathering it
// requires a full walk of the pool's physical blocks.
type DetailedStatistics struct {
	Statistics
	FreeRangeCount    int
	AllocationSizeMin int
	AllocationSizeMax int
	FreeRangeSizeMin  int
	FreeRangeSizeMax  int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount

	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}

	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
