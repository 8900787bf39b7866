package arena_test

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/blockfit/blockfit"
	"github.com/blockfit/blockfit/arena"
	"github.com/blockfit/blockfit/pool"
	"github.com/stretchr/testify/require"
)

const blockOverhead = pool.HeaderSize + pool.FooterSize

func newAllocator(t *testing.T, info arena.CreateInfo) *arena.Allocator {
	t.Helper()

	a, err := arena.New(info)
	require.NoError(t, err)
	return a
}

func requireConservation(t *testing.T, a *arena.Allocator) {
	t.Helper()

	total := 0
	require.NoError(t, a.VisitAllBlocks(func(block arena.Block) error {
		total += block.Size
		return nil
	}))
	require.Equal(t, a.Capacity(), total)
}

func TestAllocatorBasic(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1000})

	var stats blockfit.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	require.Equal(t, blockfit.DetailedStatistics{
		Statistics: blockfit.Statistics{
			BlockCount:      1,
			AllocationCount: 0,
			PoolBytes:       1000,
			AllocationBytes: 0,
			RequestedBytes:  0,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  1000,
		FreeRangeSizeMax:  1000,
	}, stats)

	handle, err := a.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, arena.Handle(pool.HeaderSize), handle)
	require.NoError(t, a.Validate())

	stats.Clear()
	a.AddDetailedStatistics(&stats)

	require.Equal(t, blockfit.DetailedStatistics{
		Statistics: blockfit.Statistics{
			BlockCount:      2,
			AllocationCount: 1,
			PoolBytes:       1000,
			AllocationBytes: 100 + blockOverhead,
			RequestedBytes:  100,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: 100 + blockOverhead,
		AllocationSizeMax: 100 + blockOverhead,
		FreeRangeSizeMin:  1000 - 100 - blockOverhead,
		FreeRangeSizeMax:  1000 - 100 - blockOverhead,
	}, stats)

	require.NoError(t, a.Free(handle))
	require.NoError(t, a.Validate())

	stats.Clear()
	a.AddDetailedStatistics(&stats)

	require.Equal(t, blockfit.DetailedStatistics{
		Statistics: blockfit.Statistics{
			BlockCount:      1,
			AllocationCount: 0,
			PoolBytes:       1000,
			AllocationBytes: 0,
			RequestedBytes:  0,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  1000,
		FreeRangeSizeMax:  1000,
	}, stats)
}

func TestAllocateRoundTrip(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1000})

	handle, err := a.Allocate(250)
	require.NoError(t, err)

	require.NoError(t, a.Free(handle))

	// A lone allocate/free must coalesce back to a single block spanning the pool.
	require.True(t, a.IsEmpty())
	require.Equal(t, 1, a.BlockCount())
	require.Equal(t, 1000, a.FreeBytes())
	require.Equal(t, 1000-blockOverhead, a.LargestFreeBlock())
	require.NoError(t, a.Validate())
	requireConservation(t, a)
}

func TestAllocateInvalidSize(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1000})

	_, err := a.Allocate(0)
	require.ErrorIs(t, err, blockfit.InvalidSizeError)

	_, err = a.Allocate(-10)
	require.ErrorIs(t, err, blockfit.InvalidSizeError)

	_, err = a.Allocate(1001)
	require.ErrorIs(t, err, blockfit.InvalidSizeError)

	// Failed requests must not disturb the pool.
	require.Equal(t, 1000, a.FreeBytes())
	require.NoError(t, a.Validate())
}

func TestAllocateExhaustion(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1000})

	_, err := a.Allocate(900)
	require.NoError(t, err)

	_, err = a.Allocate(900)
	require.ErrorIs(t, err, blockfit.OutOfMemoryError)

	// Fragmentation, not true exhaustion: free bytes remain, just not enough.
	require.Greater(t, a.FreeBytes(), 0)
	require.Less(t, a.FreeBytes(), 1000)
	require.NoError(t, a.Validate())
}

func TestDoubleFree(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1000})

	handle, err := a.Allocate(10)
	require.NoError(t, err)

	require.NoError(t, a.Free(handle))
	require.ErrorIs(t, a.Free(handle), blockfit.DoubleFreeError)

	// The second free must leave the pool untouched.
	require.Equal(t, 1, a.BlockCount())
	require.Equal(t, 1000, a.FreeBytes())
	require.NoError(t, a.Validate())
}

func TestInvalidHandle(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1000})

	require.ErrorIs(t, a.Free(arena.Handle(2000)), blockfit.InvalidHandleError)
	require.ErrorIs(t, a.Free(arena.Handle(3)), blockfit.InvalidHandleError)

	handle, err := a.Allocate(100)
	require.NoError(t, err)

	// One byte past a real handle does not start a block.
	require.ErrorIs(t, a.Free(handle+1), blockfit.InvalidHandleError)
	require.NoError(t, a.Validate())
}

func TestSplittingThreshold(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 200})

	handle, err := a.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, 2, a.BlockCount())
	require.NoError(t, a.Free(handle))
	require.Equal(t, 1, a.BlockCount())

	// A remainder below the block minimum is absorbed instead of split off.
	handle, err = a.Allocate(180)
	require.NoError(t, err)
	require.Equal(t, 1, a.BlockCount())
	require.Equal(t, 0, a.FreeBytes())
	require.Equal(t, 0, a.LargestFreeBlock())
	require.NoError(t, a.Validate())

	require.NoError(t, a.Free(handle))
	require.Equal(t, 1, a.BlockCount())
	require.Equal(t, 200, a.FreeBytes())
}

func TestCoalescingBothNeighbors(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1000})

	first, err := a.Allocate(100)
	require.NoError(t, err)
	middle, err := a.Allocate(100)
	require.NoError(t, err)
	last, err := a.Allocate(100)
	require.NoError(t, err)

	require.NoError(t, a.Free(first))
	require.NoError(t, a.Validate())
	require.NoError(t, a.Free(last))
	require.NoError(t, a.Validate())

	// Freeing the middle block must merge backward into first and forward
	// through last into the tail, leaving one block.
	require.NoError(t, a.Free(middle))
	require.Equal(t, 1, a.BlockCount())
	require.Equal(t, 1000, a.FreeBytes())
	require.NoError(t, a.Validate())
}

// buildFitScenario lays out free blocks with usable capacities 100, 500, and 300
// in that free-list order, separated by live allocations so nothing coalesces,
// and consumes the pool's tail exactly.
func buildFitScenario(t *testing.T, strategy arena.Strategy) *arena.Allocator {
	t.Helper()

	a := newAllocator(t, arena.CreateInfo{Capacity: 1152, Strategy: strategy})

	sized, err := a.Allocate(100)
	require.NoError(t, err)
	_, err = a.Allocate(50)
	require.NoError(t, err)
	sizedLarge, err := a.Allocate(500)
	require.NoError(t, err)
	_, err = a.Allocate(50)
	require.NoError(t, err)
	sizedMid, err := a.Allocate(300)
	require.NoError(t, err)
	_, err = a.Allocate(50)
	require.NoError(t, err)

	// The pool is now exactly full.
	require.Equal(t, 0, a.FreeBytes())

	require.NoError(t, a.Free(sizedMid))
	require.NoError(t, a.Free(sizedLarge))
	require.NoError(t, a.Free(sized))
	require.NoError(t, a.Validate())
	require.Equal(t, 3, a.FreeRegionsCount())

	return a
}

func TestStrategySelection(t *testing.T) {
	// Offsets of the 500- and 300-capacity blocks in the scenario layout.
	largeHandle := arena.Handle(184 + pool.HeaderSize)
	midHandle := arena.Handle(768 + pool.HeaderSize)

	tests := []struct {
		name     string
		strategy arena.Strategy
		expected arena.Handle
	}{
		// First block with capacity >= 200 in list order [100, 500, 300].
		{"FirstFit", arena.FirstFit, largeHandle},
		// Smallest block that still fits.
		{"BestFit", arena.BestFit, midHandle},
		// Largest block outright.
		{"WorstFit", arena.WorstFit, largeHandle},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			a := buildFitScenario(t, test.strategy)

			handle, err := a.Allocate(200)
			require.NoError(t, err)
			require.Equal(t, test.expected, handle)
			require.NoError(t, a.Validate())
		})
	}
}

func TestStrategyString(t *testing.T) {
	require.Equal(t, "FirstFit", arena.FirstFit.String())
	require.Equal(t, "BestFit", arena.BestFit.String())
	require.Equal(t, "WorstFit", arena.WorstFit.String())
}

func TestAlignment(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1024, Alignment: 8})

	for _, size := range []int{1, 13, 27, 100} {
		_, err := a.Allocate(size)
		require.NoError(t, err)
	}

	require.NoError(t, a.VisitAllBlocks(func(block arena.Block) error {
		require.Equal(t, 0, block.Offset%8)
		require.Equal(t, 0, block.Size%8)
		return nil
	}))
	require.NoError(t, a.Validate())
}

func TestCreateInfoValidation(t *testing.T) {
	_, err := arena.New(arena.CreateInfo{Capacity: 10})
	require.ErrorIs(t, err, blockfit.InvalidSizeError)

	_, err = arena.New(arena.CreateInfo{Capacity: 1000, Alignment: 6})
	require.ErrorIs(t, err, blockfit.PowerOfTwoError)

	_, err = arena.New(arena.CreateInfo{Capacity: 1000, Strategy: arena.Strategy(9)})
	require.Error(t, err)

	_, err = arena.New(arena.CreateInfo{Capacity: 1000, MinBlockSize: 10})
	require.Error(t, err)

	a, err := arena.New(arena.CreateInfo{Capacity: 1000, MinBlockSize: 64})
	require.NoError(t, err)

	_, err = a.Allocate(1)
	require.NoError(t, err)

	smallest := math.MaxInt
	require.NoError(t, a.VisitAllBlocks(func(block arena.Block) error {
		if block.Size < smallest {
			smallest = block.Size
		}
		return nil
	}))
	require.GreaterOrEqual(t, smallest, 64)
}

func TestClear(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1000})

	handle, err := a.Allocate(100)
	require.NoError(t, err)
	_, err = a.Allocate(200)
	require.NoError(t, err)

	a.Clear()

	require.True(t, a.IsEmpty())
	require.Equal(t, 1, a.BlockCount())
	require.Equal(t, 1000, a.FreeBytes())
	require.NoError(t, a.Validate())

	// Handles from before the clear are dead.
	require.Error(t, a.Free(handle))
}

func TestBytes(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1000})

	handle, err := a.Allocate(32)
	require.NoError(t, err)

	payload, err := a.Bytes(handle)
	require.NoError(t, err)
	require.Len(t, payload, 32)

	copy(payload, "some bytes worth keeping")

	again, err := a.Bytes(handle)
	require.NoError(t, err)
	require.Equal(t, payload, again)

	_, err = a.Bytes(arena.Handle(555))
	require.ErrorIs(t, err, blockfit.InvalidHandleError)
}

func TestBuildStatsString(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1000, Strategy: arena.BestFit})

	_, err := a.Allocate(100)
	require.NoError(t, err)

	var doc struct {
		TotalBytes int
		FreeBytes  int
		Strategy   string
		Blocks     []struct {
			Offset int
			Size   int
			Free   bool
		}
	}
	require.NoError(t, json.Unmarshal([]byte(a.BuildStatsString()), &doc))

	require.Equal(t, 1000, doc.TotalBytes)
	require.Equal(t, a.FreeBytes(), doc.FreeBytes)
	require.Equal(t, "BestFit", doc.Strategy)
	require.Len(t, doc.Blocks, a.BlockCount())
	require.Equal(t, 0, doc.Blocks[0].Offset)
}

func TestRandomizedChurn(t *testing.T) {
	a := newAllocator(t, arena.CreateInfo{Capacity: 1 << 16, Strategy: arena.BestFit})

	rng := rand.New(rand.NewSource(0x5eed))
	var handles []arena.Handle

	for i := 0; i < 2000; i++ {
		if len(handles) == 0 || rng.Intn(3) > 0 {
			handle, err := a.Allocate(1 + rng.Intn(512))
			if err != nil {
				require.ErrorIs(t, err, blockfit.OutOfMemoryError)
			} else {
				handles = append(handles, handle)
			}
		} else {
			pick := rng.Intn(len(handles))
			require.NoError(t, a.Free(handles[pick]))
			handles[pick] = handles[len(handles)-1]
			handles = handles[:len(handles)-1]
		}

		require.NoError(t, a.Validate())
	}

	for _, handle := range handles {
		require.NoError(t, a.Free(handle))
	}

	require.True(t, a.IsEmpty())
	require.Equal(t, 1, a.BlockCount())
	require.NoError(t, a.Validate())
	requireConservation(t, a)
}
