package arena

import (
	"fmt"

	"github.com/blockfit/blockfit/pool"
)

// FreeList is an intrusive doubly-linked list of free blocks. The links live in
// the pool itself, in the first FreeLinkSize bytes of each free block's payload,
// so the list costs no memory beyond its head. Insertion is at the head; order is
// insertion order, never address order.
//
// Every offset in the list must belong to a block whose header says it is free.
// The Allocator preserves that bijection by unlinking before a block is marked
// allocated and marking a block free before it is inserted. List methods panic on
// pool errors: a bad link means the bookkeeping is corrupt.
type FreeList struct {
	pool  *pool.Pool
	head  int
	count int
}

func NewFreeList(p *pool.Pool) *FreeList {
	return &FreeList{
		pool: p,
		head: pool.NilOffset,
	}
}

// Insert pushes the block at offset onto the head of the list.
func (l *FreeList) Insert(offset int) {
	l.writeLinks(offset, pool.NilOffset, l.head)

	if l.head != pool.NilOffset {
		_, oldNext := l.readLinks(l.head)
		l.writeLinks(l.head, offset, oldNext)
	}

	l.head = offset
	l.count++
}

// Remove unlinks the block at offset in O(1) using its own stored links.
func (l *FreeList) Remove(offset int) {
	prev, next := l.readLinks(offset)

	if prev != pool.NilOffset {
		prevPrev, prevNext := l.readLinks(prev)
		if prevNext != offset {
			panic(fmt.Sprintf("block at offset %d is linked from offset %d, but the reverse reference is broken", offset, prev))
		}
		l.writeLinks(prev, prevPrev, next)
	} else {
		if l.head != offset {
			panic(fmt.Sprintf("block at offset %d has no previous link but is not the list head", offset))
		}
		l.head = next
	}

	if next != pool.NilOffset {
		_, nextNext := l.readLinks(next)
		l.writeLinks(next, prev, nextNext)
	}

	l.count--
}

// Head returns the offset of the first free block, or pool.NilOffset when the
// list is empty.
func (l *FreeList) Head() int {
	return l.head
}

// NextOf returns the offset of the free block following the one at offset, or
// pool.NilOffset at the end of the list.
func (l *FreeList) NextOf(offset int) int {
	_, next := l.readLinks(offset)
	return next
}

func (l *FreeList) Len() int {
	return l.count
}

// Clear empties the list without touching link bytes; callers rewrite the pool
// themselves.
func (l *FreeList) Clear() {
	l.head = pool.NilOffset
	l.count = 0
}

// VisitAll calls fn once per listed offset, head to tail. fn must not mutate the
// list.
func (l *FreeList) VisitAll(fn func(offset int) error) error {
	for offset := l.head; offset != pool.NilOffset; offset = l.NextOf(offset) {
		if err := fn(offset); err != nil {
			return err
		}
	}
	return nil
}

func (l *FreeList) readLinks(offset int) (prev, next int) {
	prev, next, err := l.pool.ReadFreeLinks(offset + pool.HeaderSize)
	if err != nil {
		panic(fmt.Sprintf("free list links at block offset %d are unreadable: %+v", offset, err))
	}
	return prev, next
}

func (l *FreeList) writeLinks(offset, prev, next int) {
	if err := l.pool.WriteFreeLinks(offset+pool.HeaderSize, prev, next); err != nil {
		panic(fmt.Sprintf("free list links at block offset %d are unwritable: %+v", offset, err))
	}
}
