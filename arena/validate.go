package arena

import (
	"github.com/blockfit/blockfit/pool"
	"github.com/cockroachdb/errors"
)

// Validate performs a full consistency check of the pool's bookkeeping: block
// conservation, boundary-tag mirroring, coalescing, and the bijection between
// the free list and the free headers. It walks every block and every list entry,
// so it is for tests and diagnostics rather than hot paths. When the allocator
// is functioning correctly it cannot return an error.
func (a *Allocator) Validate() error {
	capacity := a.pool.Capacity()

	physicalFree := 0
	physicalAllocated := 0
	prevFree := false
	freeOffsets := make(map[int]bool)

	for offset := 0; offset < capacity; {
		size, free, err := a.pool.ReadHeader(offset)
		if err != nil {
			return errors.Wrapf(err, "unreadable header at offset %d", offset)
		}

		if size < a.dir.minBlockSize {
			return errors.Errorf("block at offset %d is %d bytes, below the %d-byte minimum", offset, size, a.dir.minBlockSize)
		}
		if offset+size > capacity {
			return errors.Errorf("block at offset %d with size %d overruns the %d-byte pool", offset, size, capacity)
		}

		footer, err := a.pool.ReadFooter(offset + size - pool.FooterSize)
		if err != nil {
			return errors.Wrapf(err, "unreadable footer for the block at offset %d", offset)
		}
		if footer != size {
			return errors.Errorf("block at offset %d says %d bytes but its footer says %d", offset, size, footer)
		}

		if free && prevFree {
			return errors.Errorf("blocks at offset %d and its predecessor are both free and were never coalesced", offset)
		}

		if free {
			physicalFree++
			freeOffsets[offset] = true
		} else {
			physicalAllocated++
		}

		prevFree = free
		offset += size
	}

	listCount := 0
	expectedPrev := pool.NilOffset

	for offset := a.freeList.Head(); offset != pool.NilOffset; {
		if listCount >= physicalFree {
			return errors.Errorf("free list visits more blocks than the pool has free blocks; it contains a cycle")
		}

		if !freeOffsets[offset] {
			return errors.Errorf("block at offset %d is in the free list but is not a free physical block", offset)
		}

		prev, next, err := a.pool.ReadFreeLinks(offset + pool.HeaderSize)
		if err != nil {
			return errors.Wrapf(err, "unreadable free links at block offset %d", offset)
		}
		if prev != expectedPrev {
			return errors.Errorf("block at offset %d points back to offset %d, expected %d", offset, prev, expectedPrev)
		}

		listCount++
		expectedPrev = offset
		offset = next
	}

	if listCount != physicalFree {
		return errors.Errorf("the pool has %d free blocks but the free list holds %d", physicalFree, listCount)
	}
	if a.freeList.Len() != physicalFree {
		return errors.Errorf("the free list's count is %d but it holds %d blocks", a.freeList.Len(), physicalFree)
	}

	if a.allocCount != physicalAllocated {
		return errors.Errorf("the allocation count is %d but the pool holds %d allocated blocks", a.allocCount, physicalAllocated)
	}
	if a.liveHandles.Count() != physicalAllocated {
		return errors.Errorf("the handle registry holds %d handles but the pool holds %d allocated blocks", a.liveHandles.Count(), physicalAllocated)
	}

	return nil
}
