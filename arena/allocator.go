package arena

import (
	"fmt"

	"github.com/blockfit/blockfit"
	"github.com/blockfit/blockfit/pool"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

// Handle identifies a live allocation. It is the pool offset of the allocation's
// first usable byte, one header past the block's own offset, and is the only
// identifier callers ever see.
type Handle int

// Allocator services allocate/free requests against one fixed pool. It owns the
// ordering between the free list and the block headers: blocks are unlinked
// before they are marked allocated and marked free before they are linked, so
// the list and the headers always agree between operations.
//
// The Allocator is single-owner and performs no locking; callers using it from
// multiple goroutines must serialize access themselves.
type Allocator struct {
	pool     *pool.Pool
	dir      *Directory
	freeList *FreeList
	strategy Strategy
	logger   *slog.Logger

	// liveHandles maps each outstanding handle to the payload size its caller
	// requested, which is smaller than the block by bookkeeping and padding.
	liveHandles *swiss.Map[Handle, int]

	allocCount     int
	requestedBytes int
}

var _ blockfit.Validatable = &Allocator{}

// Allocate reserves size usable bytes and returns the handle of the new
// allocation. It fails with blockfit.InvalidSizeError for sizes that could never
// be satisfied and blockfit.OutOfMemoryError when no current free block is large
// enough; neither failure mutates the pool.
func (a *Allocator) Allocate(size int) (Handle, error) {
	blockfit.DebugValidate(a)

	if size <= 0 || size > a.pool.Capacity() {
		return 0, errors.Wrapf(blockfit.InvalidSizeError, "requested %d bytes from a %d-byte pool", size, a.pool.Capacity())
	}

	total := a.dir.RequiredTotal(size)
	offset, ok := a.strategy.find(a.freeList, a.dir, total)
	if !ok {
		return 0, errors.Wrapf(blockfit.OutOfMemoryError, "requested %d bytes, largest free block holds %d", size, a.LargestFreeBlock())
	}

	// Unlink before the header flips to allocated.
	a.freeList.Remove(offset)

	block, remainder := a.dir.Split(a.dir.mustBlockAt(offset), total)
	if remainder != nil {
		a.freeList.Insert(remainder.Offset)
	}

	handle := Handle(block.PayloadOffset())
	a.liveHandles.Put(handle, size)
	a.allocCount++
	a.requestedBytes += size

	a.logger.Debug("Allocator::Allocate",
		slog.Int("Size", size),
		slog.Int("BlockSize", block.Size),
		slog.Int("Handle", int(handle)))

	return handle, nil
}

// Free releases the allocation identified by handle, coalescing it with free
// physical neighbors so that no two adjacent blocks are ever left free. It fails
// with blockfit.DoubleFreeError when the handle's block is already free and
// blockfit.InvalidHandleError when the handle never identified an allocation;
// neither failure mutates the pool.
func (a *Allocator) Free(handle Handle) error {
	blockfit.DebugValidate(a)

	requested, live := a.liveHandles.Get(handle)
	if !live {
		return a.classifyDeadHandle(handle)
	}

	offset := int(handle) - pool.HeaderSize
	block := a.dir.mustBlockAt(offset)
	if block.Free {
		panic(fmt.Sprintf("handle %d is live but its block at offset %d is marked free", handle, offset))
	}

	a.liveHandles.Delete(handle)
	a.allocCount--
	a.requestedBytes -= requested

	freedSize := block.Size
	block = a.dir.SetFree(offset, true)

	// Merge forward, then backward, unlinking each absorbed neighbor before its
	// header bytes are overwritten. The merged block is inserted exactly once.
	if next, ok := a.dir.NextPhysical(block); ok && next.Free {
		a.freeList.Remove(next.Offset)
		block = a.dir.Merge(block, next)
	}

	if prev, ok := a.dir.PrevPhysical(block.Offset); ok && prev.Free {
		a.freeList.Remove(prev.Offset)
		block = a.dir.Merge(prev, block)
	}

	a.freeList.Insert(block.Offset)

	a.logger.Debug("Allocator::Free",
		slog.Int("Handle", int(handle)),
		slog.Int("BlockSize", freedSize),
		slog.Int("CoalescedSize", block.Size))

	return nil
}

// classifyDeadHandle distinguishes a repeated free from a handle that never
// identified an allocation. A handle whose block header still reads as a
// plausible free block, footer and all, was freed before; anything else is
// invalid.
func (a *Allocator) classifyDeadHandle(handle Handle) error {
	offset := int(handle) - pool.HeaderSize
	if offset < 0 || offset >= a.pool.Capacity() {
		return errors.Wrapf(blockfit.InvalidHandleError, "handle %d is outside the pool", handle)
	}

	block, err := a.dir.BlockAt(offset)
	if err != nil || !block.Free {
		return errors.Wrapf(blockfit.InvalidHandleError, "handle %d does not start a block", handle)
	}

	footer, err := a.pool.ReadFooter(block.Offset + block.Size - pool.FooterSize)
	if err != nil || footer != block.Size {
		return errors.Wrapf(blockfit.InvalidHandleError, "handle %d does not start a block", handle)
	}

	return errors.Wrapf(blockfit.DoubleFreeError, "handle %d was already freed", handle)
}

// Capacity returns the fixed size of the pool in bytes.
func (a *Allocator) Capacity() int {
	return a.pool.Capacity()
}

// AllocationCount returns the number of live allocations.
func (a *Allocator) AllocationCount() int {
	return a.allocCount
}

// IsEmpty returns true when no allocations are live.
func (a *Allocator) IsEmpty() bool {
	return a.allocCount == 0
}

// FreeBytes returns the total size of all free blocks, their bookkeeping bytes
// included.
func (a *Allocator) FreeBytes() int {
	freeBytes := 0
	_ = a.freeList.VisitAll(func(offset int) error {
		freeBytes += a.dir.mustBlockAt(offset).Size
		return nil
	})
	return freeBytes
}

// LargestFreeBlock returns the usable payload capacity of the largest free
// block: the biggest single allocation the pool could currently satisfy.
func (a *Allocator) LargestFreeBlock() int {
	largest := 0
	_ = a.freeList.VisitAll(func(offset int) error {
		if capacity := a.dir.mustBlockAt(offset).PayloadCapacity(); capacity > largest {
			largest = capacity
		}
		return nil
	})
	return largest
}

// BlockCount returns the number of physical blocks in the pool, free and
// allocated, by walking the headers from offset 0.
func (a *Allocator) BlockCount() int {
	count := 0
	_ = a.VisitAllBlocks(func(Block) error {
		count++
		return nil
	})
	return count
}

// FreeRegionsCount returns the number of free blocks. Adjacent free blocks never
// survive a Free, so this is also the number of maximal free regions.
func (a *Allocator) FreeRegionsCount() int {
	return a.freeList.Len()
}

// Bytes returns a mutable view of a live allocation's payload, sized to what the
// caller originally requested.
func (a *Allocator) Bytes(handle Handle) ([]byte, error) {
	requested, live := a.liveHandles.Get(handle)
	if !live {
		return nil, errors.Wrapf(blockfit.InvalidHandleError, "handle %d is not a live allocation", handle)
	}

	return a.pool.Bytes(int(handle), requested)
}

// VisitAllBlocks calls fn once per physical block, in address order. fn must not
// allocate or free.
func (a *Allocator) VisitAllBlocks(fn func(block Block) error) error {
	block := a.dir.mustBlockAt(0)
	for {
		if err := fn(block); err != nil {
			return err
		}

		next, ok := a.dir.NextPhysical(block)
		if !ok {
			return nil
		}
		block = next
	}
}

// Clear instantly frees every allocation, restoring the pool to a single free
// block spanning the whole capacity.
func (a *Allocator) Clear() {
	a.reset()

	a.logger.Debug("Allocator::Clear", slog.Int("Capacity", a.pool.Capacity()))
}

func (a *Allocator) reset() {
	a.dir.writeBlock(0, a.pool.Capacity(), true)
	a.freeList.Clear()
	a.freeList.Insert(0)

	a.liveHandles = swiss.NewMap[Handle, int](42)
	a.allocCount = 0
	a.requestedBytes = 0
}

// LogAllocations writes one debug record per live allocation to the provided
// logger, walking the pool in address order.
func (a *Allocator) LogAllocations(logger *slog.Logger) {
	_ = a.VisitAllBlocks(func(block Block) error {
		if block.Free {
			return nil
		}

		requested, _ := a.liveHandles.Get(Handle(block.PayloadOffset()))
		logger.Debug("live allocation",
			slog.Int("Offset", block.Offset),
			slog.Int("BlockSize", block.Size),
			slog.Int("RequestedSize", requested))
		return nil
	})
}
