// Package blockpool provides a fixed pool of equal-size byte blocks that can be
// claimed and released from real-time code without touching the Go allocator.
//
// All memory is allocated once by [New]. [Pool.TryAlloc] and [Pool.Free] use
// only atomic operations: they never block, never allocate and never make a
// system call. An exhausted pool is an ordinary outcome (TryAlloc returns nil)
// that every call site must handle.
//
// Two claim strategies are available and are observably equivalent:
//
//   - [StrategyScan] (default) walks the per-block flags and claims the first
//     free one with a compare-and-swap. Worst case O(blockCount) per call.
//   - [StrategyFreeList] keeps free block indices on a lock-free stack with an
//     ABA tag. Claim and release are O(1) in the uncontended case.
package blockpool

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/MrWong99/mixmind/pkg/rt/internal/rtassert"
)

// ErrSize is returned by [New] when blockSize or blockCount is not positive
// or too large.
var ErrSize = errors.New("blockpool: invalid block size or count")

// Strategy selects how free blocks are located.
type Strategy int

const (
	// StrategyScan claims the first free block found by a linear flag scan.
	StrategyScan Strategy = iota

	// StrategyFreeList pops free block indices from a lock-free stack.
	StrategyFreeList
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyScan:
		return "scan"
	case StrategyFreeList:
		return "freelist"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy maps a configuration name to a [Strategy]. The empty string
// selects [StrategyScan].
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "scan":
		return StrategyScan, nil
	case "freelist":
		return StrategyFreeList, nil
	}
	return 0, fmt.Errorf("blockpool: unknown strategy %q", name)
}

// Option configures a [Pool] during construction.
type Option func(*Pool)

// WithStrategy selects the claim strategy. The default is [StrategyScan].
func WithStrategy(s Strategy) Option {
	return func(p *Pool) {
		p.strategy = s
	}
}

// Pool is a fixed set of blockSize-byte blocks carved from one arena.
// TryAlloc and Free are safe to call from any number of goroutines.
type Pool struct {
	strategy  Strategy
	blockSize int
	arena     []byte
	base      uintptr

	taken []atomic.Uint32 // 1 while the block is handed out
	inUse atomic.Int64

	// Free-list state, used only by StrategyFreeList. head packs an ABA tag in
	// the upper 32 bits and (index+1) of the top free block in the lower 32;
	// next[i] holds (index+1) of the block below i, 0 at the bottom.
	head atomic.Uint64
	next []atomic.Uint32
}

// New allocates a pool of blockCount blocks, each blockSize bytes long.
func New(blockSize, blockCount int, opts ...Option) (*Pool, error) {
	if blockSize <= 0 || blockCount <= 0 || blockCount >= math.MaxUint32 {
		return nil, ErrSize
	}
	if blockSize > math.MaxInt/blockCount {
		return nil, ErrSize
	}
	p := &Pool{
		blockSize: blockSize,
		arena:     make([]byte, blockSize*blockCount),
		taken:     make([]atomic.Uint32, blockCount),
	}
	for _, o := range opts {
		o(p)
	}
	switch p.strategy {
	case StrategyScan:
	case StrategyFreeList:
		p.next = make([]atomic.Uint32, blockCount)
		for i := range blockCount - 1 {
			p.next[i].Store(uint32(i + 2))
		}
		p.head.Store(1)
	default:
		return nil, fmt.Errorf("blockpool: unknown strategy %d", int(p.strategy))
	}
	p.base = uintptr(unsafe.Pointer(unsafe.SliceData(p.arena)))
	return p, nil
}

// TryAlloc claims a free block and returns it as a slice of exactly
// BlockSize() bytes whose capacity is capped, so appends cannot spill into a
// neighbouring block. It returns nil when every block is taken. The contents
// of a freshly claimed block are whatever its previous holder left behind.
func (p *Pool) TryAlloc() []byte {
	var idx int
	switch p.strategy {
	case StrategyFreeList:
		idx = p.popFree()
	default:
		idx = p.scan()
	}
	if idx < 0 {
		return nil
	}
	p.inUse.Add(1)
	off := idx * p.blockSize
	return p.arena[off : off+p.blockSize : off+p.blockSize]
}

// Free returns block b, previously obtained from this pool's TryAlloc, to the
// pool. The owning slot is derived from b's address. Blocks that don't belong
// to the pool and blocks that are already free are ignored; built with the
// rtassert tag, both panic instead.
func (p *Pool) Free(b []byte) {
	idx, ok := p.indexOf(b)
	if !ok {
		if rtassert.Enabled {
			rtassert.Failf("blockpool: Free of foreign or misaligned block %p", unsafe.SliceData(b))
		}
		return
	}
	if p.taken[idx].Swap(0) == 0 {
		if rtassert.Enabled {
			rtassert.Failf("blockpool: double free of block %d", idx)
		}
		return
	}
	p.inUse.Add(-1)
	if p.strategy == StrategyFreeList {
		p.pushFree(idx)
	}
}

// BlockSize returns the size in bytes of every block.
func (p *Pool) BlockSize() int { return p.blockSize }

// Len returns the total number of blocks.
func (p *Pool) Len() int { return len(p.taken) }

// InUse returns the number of blocks currently handed out. Under concurrent
// use it is a snapshot for diagnostics only.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Strategy returns the claim strategy the pool was built with.
func (p *Pool) Strategy() Strategy { return p.strategy }

// Owns reports whether b is the start of a block in this pool.
func (p *Pool) Owns(b []byte) bool {
	_, ok := p.indexOf(b)
	return ok
}

func (p *Pool) indexOf(b []byte) (int, bool) {
	if len(b) == 0 && cap(b) == 0 {
		return 0, false
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if addr < p.base {
		return 0, false
	}
	off := addr - p.base
	if off >= uintptr(len(p.arena)) || off%uintptr(p.blockSize) != 0 {
		return 0, false
	}
	return int(off / uintptr(p.blockSize)), true
}

func (p *Pool) scan() int {
	for i := range p.taken {
		if p.taken[i].CompareAndSwap(0, 1) {
			return i
		}
	}
	return -1
}

func (p *Pool) popFree() int {
	for {
		old := p.head.Load()
		top := uint32(old)
		if top == 0 {
			return -1
		}
		below := p.next[top-1].Load()
		if p.head.CompareAndSwap(old, (old>>32+1)<<32|uint64(below)) {
			idx := int(top - 1)
			p.taken[idx].Store(1)
			return idx
		}
	}
}

func (p *Pool) pushFree(idx int) {
	for {
		old := p.head.Load()
		p.next[idx].Store(uint32(old))
		if p.head.CompareAndSwap(old, (old>>32+1)<<32|uint64(idx+1)) {
			return
		}
	}
}
