// Package privcmd manages the per-channel pool of privileged command buffers
// that the driver inserts around user work, such as syncpoint waits and
// increments.
package privcmd

import (
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/nvgpusim/gpfifo"
	"github.com/sarchlab/nvgpusim/gpuerr"
)

// Pool is a FIFO allocator of contiguous word blocks. Blocks are retired in
// allocation order, which matches job retirement order.
type Pool struct {
	sync.Mutex

	base  uint64
	words []uint32
	put   uint32
	get   uint32
	used  uint32
}

// NewPool creates a pool of size words mapped at the GPU virtual address
// base.
func NewPool(base uint64, size uint32) *Pool {
	return &Pool{
		base:  base,
		words: make([]uint32, size),
	}
}

// Base returns the GPU virtual address of the first word.
func (p *Pool) Base() uint64 {
	return p.base
}

// Size returns the capacity of the pool in words.
func (p *Pool) Size() uint32 {
	return uint32(len(p.words))
}

// Used returns the number of words held by live entries, including tails
// skipped to keep blocks contiguous.
func (p *Pool) Used() uint32 {
	p.Lock()
	defer p.Unlock()

	return p.used
}

// Alloc carves a block of n words. A block that would cross the end of the
// pool starts over at offset zero and the skipped tail is charged to it.
func (p *Pool) Alloc(n uint32) (*Entry, error) {
	p.Lock()
	defer p.Unlock()

	size := p.Size()
	if n == 0 || n > size {
		return nil, fmt.Errorf("priv cmd alloc of %d words: %w",
			n, gpuerr.ErrInvalidArgument)
	}

	if p.used == 0 {
		p.put = 0
		p.get = 0
	}

	off := p.put
	skip := uint32(0)
	if off+n > size {
		skip = size - off
		off = 0
	}

	if p.used+skip+n > size {
		return nil, fmt.Errorf("priv cmd pool has %d of %d words free: %w",
			size-p.used, skip+n, gpuerr.ErrOutOfMemory)
	}

	p.put = (off + n) % size
	p.used += skip + n

	return &Entry{
		pool:    p,
		Off:     off,
		Size:    n,
		alloced: skip + n,
	}, nil
}

// Free retires the oldest live block, which must be e.
func (p *Pool) Free(e *Entry) {
	p.Lock()
	defer p.Unlock()

	if e.alloced > p.used {
		log.Panicf("priv cmd free of %d words with %d in use",
			e.alloced, p.used)
	}

	p.get = (e.Off + e.Size) % p.Size()
	p.used -= e.alloced
}

// Rollback undoes the most recent allocation, which must be e.
func (p *Pool) Rollback(e *Entry) {
	p.Lock()
	defer p.Unlock()

	size := p.Size()
	if (e.Off+e.Size)%size != p.put {
		log.Panicf("priv cmd rollback of entry at %d that is not the latest",
			e.Off)
	}

	p.put = (e.Off + size - (e.alloced - e.Size)) % size
	p.used -= e.alloced
}

// Contains tells if a GPU virtual address falls into the pool.
func (p *Pool) Contains(va uint64) bool {
	return va >= p.base && va < p.base+uint64(len(p.words))*4
}

// Read copies n words starting at a GPU virtual address inside the pool.
func (p *Pool) Read(va uint64, n uint32) []uint32 {
	p.Lock()
	defer p.Unlock()

	off := (va - p.base) / 4
	out := make([]uint32, n)
	copy(out, p.words[off:off+uint64(n)])

	return out
}

func (p *Pool) write(off uint32, words []uint32) {
	p.Lock()
	defer p.Unlock()

	copy(p.words[off:], words)
}

// Entry is one block of privileged commands.
type Entry struct {
	pool *Pool

	// Valid tells if the entry must be appended to the ring. An elided
	// wait (already satisfied) stays invalid.
	Valid bool

	Off  uint32
	Size uint32

	fill    uint32
	alloced uint32
}

// Allocated tells if the entry owns pool space.
func (e *Entry) Allocated() bool {
	return e != nil && e.pool != nil
}

// GPUVA returns the address of the block.
func (e *Entry) GPUVA() uint64 {
	return e.pool.base + uint64(e.Off)*4
}

// Fill returns the number of words written so far.
func (e *Entry) Fill() uint32 {
	return e.fill
}

// Append writes words at the fill cursor.
func (e *Entry) Append(words ...uint32) {
	if e.fill+uint32(len(words)) > e.Size {
		log.Panicf("priv cmd entry overflow: %d+%d > %d",
			e.fill, len(words), e.Size)
	}

	e.pool.write(e.Off+e.fill, words)
	e.fill += uint32(len(words))
}

// GPFIFOEntry returns the ring entry that executes the filled part of the
// block.
func (e *Entry) GPFIFOEntry() gpfifo.Entry {
	return gpfifo.MakeEntry(e.GPUVA(), e.fill)
}

// Free releases the block back to the pool. Entries without pool space are
// ignored.
func (e *Entry) Free() {
	if !e.Allocated() {
		return
	}

	e.pool.Free(e)
	e.pool = nil
}

// Rollback returns the block as if it had never been allocated.
func (e *Entry) Rollback() {
	if !e.Allocated() {
		return
	}

	e.pool.Rollback(e)
	e.pool = nil
}
