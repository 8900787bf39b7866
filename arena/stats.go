package arena

import (
	"github.com/blockfit/blockfit"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// AddStatistics sums this allocator's state into the provided statistics object.
func (a *Allocator) AddStatistics(stats *blockfit.Statistics) {
	stats.BlockCount += a.BlockCount()
	stats.AllocationCount += a.allocCount
	stats.PoolBytes += a.pool.Capacity()
	stats.AllocationBytes += a.pool.Capacity() - a.FreeBytes()
	stats.RequestedBytes += a.requestedBytes
}

// AddDetailedStatistics walks every physical block and sums this allocator's
// state, free-range extremes included, into the provided statistics object.
func (a *Allocator) AddDetailedStatistics(stats *blockfit.DetailedStatistics) {
	stats.PoolBytes += a.pool.Capacity()
	stats.RequestedBytes += a.requestedBytes

	_ = a.VisitAllBlocks(func(block Block) error {
		stats.BlockCount++
		if block.Free {
			stats.AddFreeRange(block.Size)
		} else {
			stats.AddAllocation(block.Size)
		}
		return nil
	})
}

// BuildStatsString renders the pool's full physical map as a JSON document, one
// entry per block. Walking every block makes this a diagnostic tool, not
// something for a hot path.
func (a *Allocator) BuildStatsString() string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("TotalBytes").Int(a.pool.Capacity())
	obj.Name("FreeBytes").Int(a.FreeBytes())
	obj.Name("LargestFreeRange").Int(a.LargestFreeBlock())
	obj.Name("Allocations").Int(a.allocCount)
	obj.Name("RequestedBytes").Int(a.requestedBytes)
	obj.Name("Strategy").String(a.strategy.String())

	blocks := obj.Name("Blocks").Array()
	_ = a.VisitAllBlocks(func(block Block) error {
		blockObj := blocks.Object()
		blockObj.Name("Offset").Int(block.Offset)
		blockObj.Name("Size").Int(block.Size)
		blockObj.Name("Free").Bool(block.Free)
		blockObj.End()
		return nil
	})
	blocks.End()

	obj.End()

	return string(writer.Bytes())
}
