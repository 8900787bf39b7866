package pool

import (
	"encoding/binary"
	"math"

	"github.com/blockfit/blockfit"
	"github.com/cockroachdb/errors"
)

const (
	// HeaderSize is the width in bytes of a block header: an 8-byte little-endian
	// size followed by a 1-byte free flag.
	HeaderSize = 9
	// FooterSize is the width in bytes of a block footer, a boundary tag mirroring
	// the header's size at the block's final bytes.
	FooterSize = 8
	// FreeLinkSize is the width in bytes of the free-list links stored at the start
	// of a free block's payload: two 8-byte offsets, previous then next.
	FreeLinkSize = 16

	// MinBlockSize is the smallest block the layout can represent: a header, a
	// footer, and room for the free-list links a block needs once it is freed.
	MinBlockSize = HeaderSize + FooterSize + FreeLinkSize

	// NilOffset is the list-end sentinel for free-list links. It is encoded in the
	// pool as all-ones because 0 is a legal block offset.
	NilOffset = -1
)

const nilOffsetEncoded uint64 = math.MaxUint64

// Pool is a fixed-capacity byte buffer with typed accessors for the block headers,
// boundary-tag footers, and free-list links that the rest of the system threads
// through it. It has no allocation semantics of its own; every accessor is purely
// an offset-addressed read or write with bounds checks.
type Pool struct {
	memory []byte
}

// New creates a Pool of exactly capacity bytes. The capacity is immutable and must
// have room for at least one block.
func New(capacity int) (*Pool, error) {
	if capacity < MinBlockSize {
		return nil, errors.Wrapf(blockfit.InvalidSizeError, "pool capacity %d is below the %d-byte block minimum", capacity, MinBlockSize)
	}

	return &Pool{memory: make([]byte, capacity)}, nil
}

func (p *Pool) Capacity() int {
	return len(p.memory)
}

func (p *Pool) checkBounds(offset, width int) error {
	if offset < 0 || offset+width > len(p.memory) {
		return errors.Wrapf(blockfit.OutOfBoundsError, "%d bytes at offset %d exceed the pool's %d-byte capacity", width, offset, len(p.memory))
	}
	return nil
}

// Bytes returns a mutable view of length bytes at offset. Callers use it to touch
// allocated payloads without taking on offset arithmetic of their own.
func (p *Pool) Bytes(offset, length int) ([]byte, error) {
	if err := p.checkBounds(offset, length); err != nil {
		return nil, err
	}
	return p.memory[offset : offset+length], nil
}

// ReadHeader reads the block header at offset and returns the block's total size
// and free flag.
func (p *Pool) ReadHeader(offset int) (size int, free bool, err error) {
	if err := p.checkBounds(offset, HeaderSize); err != nil {
		return 0, false, err
	}

	size = int(binary.LittleEndian.Uint64(p.memory[offset:]))
	free = p.memory[offset+8] != 0
	return size, free, nil
}

// WriteHeader writes a block header at offset.
func (p *Pool) WriteHeader(offset, size int, free bool) error {
	if err := p.checkBounds(offset, HeaderSize); err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(p.memory[offset:], uint64(size))
	if free {
		p.memory[offset+8] = 1
	} else {
		p.memory[offset+8] = 0
	}
	return nil
}

// ReadFooter reads the boundary-tag size copy whose own offset is footerOffset.
// The footer of the block at offset b with size s lives at b+s-FooterSize.
func (p *Pool) ReadFooter(footerOffset int) (size int, err error) {
	if err := p.checkBounds(footerOffset, FooterSize); err != nil {
		return 0, err
	}

	return int(binary.LittleEndian.Uint64(p.memory[footerOffset:])), nil
}

// WriteFooter writes a boundary-tag size copy at footerOffset.
func (p *Pool) WriteFooter(footerOffset, size int) error {
	if err := p.checkBounds(footerOffset, FooterSize); err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(p.memory[footerOffset:], uint64(size))
	return nil
}

// ReadFreeLinks reads the free-list links stored at payloadOffset, the first byte
// past a free block's header. The links are only meaningful while the block's
// header says it is free.
func (p *Pool) ReadFreeLinks(payloadOffset int) (prev, next int, err error) {
	if err := p.checkBounds(payloadOffset, FreeLinkSize); err != nil {
		return 0, 0, err
	}

	prev = decodeLink(binary.LittleEndian.Uint64(p.memory[payloadOffset:]))
	next = decodeLink(binary.LittleEndian.Uint64(p.memory[payloadOffset+8:]))
	return prev, next, nil
}

// WriteFreeLinks writes the free-list links at payloadOffset.
func (p *Pool) WriteFreeLinks(payloadOffset, prev, next int) error {
	if err := p.checkBounds(payloadOffset, FreeLinkSize); err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(p.memory[payloadOffset:], encodeLink(prev))
	binary.LittleEndian.PutUint64(p.memory[payloadOffset+8:], encodeLink(next))
	return nil
}

func encodeLink(offset int) uint64 {
	if offset == NilOffset {
		return nilOffsetEncoded
	}
	return uint64(offset)
}

func decodeLink(encoded uint64) int {
	if encoded == nilOffsetEncoded {
		return NilOffset
	}
	return int(encoded)
}
