package arena

import "github.com/blockfit/blockfit/pool"

// Strategy selects which free block services an allocation. The set is closed:
// allocation policies are fixed at construction rather than plugged in through an
// interface, since there are exactly three and they share one scan shape.
type Strategy uint32

const (
	// FirstFit takes the first listed block large enough for the request. Cheapest
	// search, but repeatedly carves the head of the list and fragments it over time.
	FirstFit Strategy = iota
	// BestFit scans the whole list for the smallest block that still satisfies the
	// request, minimizing waste per allocation at the cost of near-exact-fit slivers
	// accumulating over time. Ties go to the earliest listed block.
	BestFit
	// WorstFit scans the whole list for the largest block, deliberately leaving big
	// remainders so that fewer unusably small fragments form. Ties go to the earliest
	// listed block.
	WorstFit
)

var strategyMapping = map[Strategy]string{
	FirstFit: "FirstFit",
	BestFit:  "BestFit",
	WorstFit: "WorstFit",
}

func (s Strategy) String() string {
	return strategyMapping[s]
}

// find scans the free list for a block of at least total bytes and returns its
// offset. A miss is not an error: it is the caller's out-of-memory trigger.
func (s Strategy) find(list *FreeList, dir *Directory, total int) (int, bool) {
	bestOffset := pool.NilOffset
	bestSize := 0

	for offset := list.Head(); offset != pool.NilOffset; offset = list.NextOf(offset) {
		block := dir.mustBlockAt(offset)
		if block.Size < total {
			continue
		}

		switch s {
		case FirstFit:
			return offset, true
		case BestFit:
			if bestOffset == pool.NilOffset || block.Size < bestSize {
				bestOffset = offset
				bestSize = block.Size
			}
		case WorstFit:
			if bestOffset == pool.NilOffset || block.Size > bestSize {
				bestOffset = offset
				bestSize = block.Size
			}
		}
	}

	return bestOffset, bestOffset != pool.NilOffset
}
