package arena

import (
	"fmt"

	"github.com/blockfit/blockfit"
	"github.com/blockfit/blockfit/pool"
	"github.com/cockroachdb/errors"
)

// Block is a view of a single physical block's header. It is a plain value read out
// of the pool, not a reference; mutating the pool invalidates it.
type Block struct {
	Offset int
	Size   int
	Free   bool
}

// PayloadOffset returns the offset of the block's first usable byte, which doubles
// as the block's handle while it is allocated.
func (b Block) PayloadOffset() int {
	return b.Offset + pool.HeaderSize
}

// PayloadCapacity returns the number of usable bytes between the block's header
// and footer.
func (b Block) PayloadCapacity() int {
	return b.Size - pool.HeaderSize - pool.FooterSize
}

// Directory interprets the pool as a sequence of physical blocks: it walks headers
// and boundary-tag footers, splits free blocks for allocation, and merges adjacent
// free blocks back together. It never touches the free list; ordering between list
// updates and block rewrites belongs to the Allocator.
//
// Directory methods panic when the pool's bookkeeping contradicts itself (offset
// arithmetic escaping the pool, a footer that does not mirror its header). Those
// are invariant violations, not bad input, and the pool cannot be trusted after
// one is observed.
type Directory struct {
	pool         *pool.Pool
	alignment    uint
	minBlockSize int
}

// NewDirectory creates a Directory over p. Blocks carved by Split are sized in
// multiples of alignment and never smaller than minBlockSize.
func NewDirectory(p *pool.Pool, alignment uint, minBlockSize int) *Directory {
	return &Directory{
		pool:         p,
		alignment:    alignment,
		minBlockSize: minBlockSize,
	}
}

// BlockAt reads the block header at offset. It returns an error rather than
// panicking because callers use it to vet offsets derived from caller-supplied
// handles.
func (d *Directory) BlockAt(offset int) (Block, error) {
	size, free, err := d.pool.ReadHeader(offset)
	if err != nil {
		return Block{}, err
	}

	if size < d.minBlockSize || offset+size > d.pool.Capacity() {
		return Block{}, errors.Errorf("header at offset %d declares an impossible size %d", offset, size)
	}

	return Block{Offset: offset, Size: size, Free: free}, nil
}

func (d *Directory) mustBlockAt(offset int) Block {
	block, err := d.BlockAt(offset)
	if err != nil {
		panic(fmt.Sprintf("block bookkeeping is corrupt: %+v", err))
	}
	return block
}

// NextPhysical returns the block immediately after b, or false if b is the last
// block in the pool.
func (d *Directory) NextPhysical(b Block) (Block, bool) {
	nextOffset := b.Offset + b.Size
	if nextOffset == d.pool.Capacity() {
		return Block{}, false
	}
	if nextOffset > d.pool.Capacity() {
		panic(fmt.Sprintf("block at offset %d with size %d extends past the end of the pool", b.Offset, b.Size))
	}

	return d.mustBlockAt(nextOffset), true
}

// PrevPhysical returns the block immediately before the block at offset, located
// through the previous block's boundary-tag footer, or false if offset is the
// start of the pool.
func (d *Directory) PrevPhysical(offset int) (Block, bool) {
	if offset == 0 {
		return Block{}, false
	}

	prevSize, err := d.pool.ReadFooter(offset - pool.FooterSize)
	if err != nil {
		panic(fmt.Sprintf("no footer below block offset %d: %+v", offset, err))
	}
	if prevSize < d.minBlockSize || prevSize > offset {
		panic(fmt.Sprintf("footer below block offset %d declares an impossible size %d", offset, prevSize))
	}

	prev := d.mustBlockAt(offset - prevSize)
	if prev.Size != prevSize {
		panic(fmt.Sprintf("footer below block offset %d says %d bytes but the header at offset %d says %d", offset, prevSize, prev.Offset, prev.Size))
	}

	return prev, true
}

// RequiredTotal returns the total block size needed to hold a payload of the
// requested size: header, footer, alignment rounding, and the block minimum.
func (d *Directory) RequiredTotal(payload int) int {
	total := blockfit.AlignUp(pool.HeaderSize+pool.FooterSize+payload, d.alignment)
	if total < d.minBlockSize {
		total = blockfit.AlignUp(d.minBlockSize, d.alignment)
	}
	return total
}

// Split carves an allocated block of total bytes out of the free block b. When the
// leftover would still be a representable block, it is written back as a free
// remainder and returned; otherwise the whole of b becomes the allocation and the
// remainder is nil. Both outcomes leave every header mirrored by its footer.
func (d *Directory) Split(b Block, total int) (Block, *Block) {
	if !b.Free {
		panic(fmt.Sprintf("block at offset %d is already taken", b.Offset))
	}
	if b.Size < total {
		panic(fmt.Sprintf("block at offset %d has %d bytes, cannot hold %d", b.Offset, b.Size, total))
	}

	if b.Size-total < d.minBlockSize {
		// Whole block becomes the allocation, internal fragmentation tolerated.
		d.writeBlock(b.Offset, b.Size, false)
		return Block{Offset: b.Offset, Size: b.Size}, nil
	}

	d.writeBlock(b.Offset, total, false)

	remainder := Block{Offset: b.Offset + total, Size: b.Size - total, Free: true}
	d.writeBlock(remainder.Offset, remainder.Size, true)

	return Block{Offset: b.Offset, Size: total}, &remainder
}

// Merge joins two physically adjacent free blocks and returns the combined block
// at the lower offset. The caller must already have unlinked both from the free
// list.
func (d *Directory) Merge(lower, upper Block) Block {
	if lower.Offset+lower.Size != upper.Offset {
		panic(fmt.Sprintf("cannot merge blocks at offsets %d and %d: not adjacent", lower.Offset, upper.Offset))
	}
	if !lower.Free || !upper.Free {
		panic(fmt.Sprintf("cannot merge blocks at offsets %d and %d: both must be free", lower.Offset, upper.Offset))
	}

	merged := Block{Offset: lower.Offset, Size: lower.Size + upper.Size, Free: true}
	d.writeBlock(merged.Offset, merged.Size, true)

	return merged
}

// SetFree rewrites the free flag of the block at offset, leaving its size intact.
func (d *Directory) SetFree(offset int, free bool) Block {
	b := d.mustBlockAt(offset)
	if err := d.pool.WriteHeader(offset, b.Size, free); err != nil {
		panic(fmt.Sprintf("block bookkeeping is corrupt: %+v", err))
	}

	b.Free = free
	return b
}

func (d *Directory) writeBlock(offset, size int, free bool) {
	if err := d.pool.WriteHeader(offset, size, free); err != nil {
		panic(fmt.Sprintf("block bookkeeping is corrupt: %+v", err))
	}
	if err := d.pool.WriteFooter(offset+size-pool.FooterSize, size); err != nil {
		panic(fmt.Sprintf("block bookkeeping is corrupt: %+v", err))
	}
}
