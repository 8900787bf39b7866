package arena

import (
	"github.com/blockfit/blockfit"
	"github.com/blockfit/blockfit/pool"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

// CreateInfo carries the configuration for a new Allocator.
type CreateInfo struct {
	// Capacity is the fixed size in bytes of the pool the Allocator will manage.
	// It cannot change after construction.
	Capacity int
	// Strategy selects the free-block search policy. The zero value is FirstFit.
	Strategy Strategy
	// Alignment rounds every block's total size up to a multiple of this value.
	// It must be a power of two. 0 means no rounding.
	Alignment uint
	// MinBlockSize raises the smallest block the Allocator will carve above the
	// layout's own floor of pool.MinBlockSize. 0 means the floor.
	MinBlockSize int
	// Logger receives debug-level events for each operation. nil means
	// slog.Default().
	Logger *slog.Logger
}

// New constructs an Allocator and its pool, initialized as one free block
// spanning the whole capacity.
func New(info CreateInfo) (*Allocator, error) {
	alignment := info.Alignment
	if alignment == 0 {
		alignment = 1
	}
	if err := blockfit.CheckPow2(alignment, "CreateInfo.Alignment"); err != nil {
		return nil, err
	}

	if _, ok := strategyMapping[info.Strategy]; !ok {
		return nil, errors.Errorf("CreateInfo.Strategy has unknown value %d", info.Strategy)
	}

	minBlockSize := info.MinBlockSize
	if minBlockSize == 0 {
		minBlockSize = pool.MinBlockSize
	}
	if minBlockSize < pool.MinBlockSize {
		return nil, errors.Errorf("CreateInfo.MinBlockSize %d is below the layout minimum %d", minBlockSize, pool.MinBlockSize)
	}

	if info.Capacity < minBlockSize {
		return nil, errors.Wrapf(blockfit.InvalidSizeError, "CreateInfo.Capacity %d cannot hold a single %d-byte block", info.Capacity, minBlockSize)
	}

	p, err := pool.New(info.Capacity)
	if err != nil {
		return nil, err
	}

	logger := info.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Allocator{
		pool:        p,
		dir:         NewDirectory(p, alignment, minBlockSize),
		freeList:    NewFreeList(p),
		strategy:    info.Strategy,
		logger:      logger,
		liveHandles: swiss.NewMap[Handle, int](42),
	}
	a.reset()

	return a, nil
}
