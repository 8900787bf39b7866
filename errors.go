package blockfit

import "github.com/pkg/errors"

// InvalidSizeError is the error returned from Allocator.Allocate when the requested size is zero,
// negative, or larger than the pool itself. The pool is not modified when this error is returned.
var InvalidSizeError error = errors.New("requested size cannot be allocated from this pool")

// OutOfMemoryError is the error returned from Allocator.Allocate when no free block is large enough
// for the request, whether from fragmentation or true exhaustion. The pool is not modified when
// this error is returned, and the caller may free memory and retry.
var OutOfMemoryError error = errors.New("no free block large enough for the requested size")

// DoubleFreeError is the error returned from Allocator.Free when the handle's block is already
// free. It is reported rather than ignored because it indicates a caller bug.
var DoubleFreeError error = errors.New("block has already been freed")

// InvalidHandleError is the error returned from Allocator.Free when the handle does not identify
// a live allocation in the pool.
var InvalidHandleError error = errors.New("handle does not identify a live allocation")

// OutOfBoundsError is the error returned from pool accessors when an offset and field width
// escape the pool's capacity.
var OutOfBoundsError error = errors.New("offset is outside the pool")

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being
// tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")
