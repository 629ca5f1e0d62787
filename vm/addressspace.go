// Package vm models the GPU address space a channel is bound to: its page
// table entries, TLB invalidation, and the buffers mapped into it.
package vm

import (
	"container/list"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/nvgpusim/gpuerr"
)

// PTE bits in word 0.
const (
	PTEValid    uint32 = 1 << 0
	PTEVolatile uint32 = 1 << 3
	PTEReadOnly uint32 = 1 << 6

	pteAddrShift = 8
	pageShift    = 12
)

// A PTE is a two-word page table entry.
type PTE [2]uint32

// MakePTE encodes a mapping of a physical page.
func MakePTE(pAddr uint64, valid, readOnly bool) PTE {
	pfn := pAddr >> pageShift

	var pte PTE
	pte[0] = uint32(pfn<<pteAddrShift) | PTEVolatile
	pte[1] = uint32(pfn >> (32 - pteAddrShift))

	if valid {
		pte[0] |= PTEValid
	}

	if readOnly {
		pte[0] |= PTEReadOnly
	}

	return pte
}

// Valid tells if the valid bit is set.
func (p PTE) Valid() bool {
	return p[0]&PTEValid != 0
}

// ReadOnly tells if the read-only bit is set.
func (p PTE) ReadOnly() bool {
	return p[0]&PTEReadOnly != 0
}

// IsZero tells if both words are zero.
func (p PTE) IsZero() bool {
	return p[0] == 0 && p[1] == 0
}

// PAddr returns the physical page address.
func (p PTE) PAddr() uint64 {
	pfn := uint64(p[0])>>pteAddrShift | uint64(p[1])<<(32-pteAddrShift)
	return pfn << pageShift
}

func (p PTE) String() string {
	return fmt.Sprintf("pte{0x%08x, 0x%08x}", p[0], p[1])
}

type mapping struct {
	vAddr uint64
	pte   PTE
}

// AddressSpace is a channel address space. Mappings are kept in insertion
// order for inspection and indexed by page-aligned virtual address.
type AddressSpace struct {
	sync.Mutex

	ID           uint32
	log2PageSize uint64

	entries      *list.List
	entriesTable map[uint64]*list.Element

	buffers map[uint64]*Buffer

	tlbInvalidates atomic.Uint64
	onInvalidate   []func(as *AddressSpace)
}

// NewAddressSpace creates an empty address space.
func NewAddressSpace(id uint32, log2PageSize uint64) *AddressSpace {
	return &AddressSpace{
		ID:           id,
		log2PageSize: log2PageSize,
		entries:      list.New(),
		entriesTable: make(map[uint64]*list.Element),
		buffers:      make(map[uint64]*Buffer),
	}
}

// PageSize returns the page size in bytes.
func (as *AddressSpace) PageSize() uint64 {
	return 1 << as.log2PageSize
}

func (as *AddressSpace) alignToPage(addr uint64) uint64 {
	return (addr >> as.log2PageSize) << as.log2PageSize
}

// Insert adds a PTE for the page containing vAddr.
func (as *AddressSpace) Insert(vAddr uint64, pte PTE) {
	as.Lock()
	defer as.Unlock()

	vAddr = as.alignToPage(vAddr)
	if _, found := as.entriesTable[vAddr]; found {
		log.Panicf("page 0x%x already mapped in address space %d",
			vAddr, as.ID)
	}

	elem := as.entries.PushBack(mapping{vAddr: vAddr, pte: pte})
	as.entriesTable[vAddr] = elem
}

// Remove drops the PTE of the page containing vAddr.
func (as *AddressSpace) Remove(vAddr uint64) {
	as.Lock()
	defer as.Unlock()

	vAddr = as.alignToPage(vAddr)
	elem, found := as.entriesTable[vAddr]
	if !found {
		log.Panicf("page 0x%x not mapped in address space %d", vAddr, as.ID)
	}

	as.entries.Remove(elem)
	delete(as.entriesTable, vAddr)
}

// GetPTE returns the PTE of the page containing addr.
func (as *AddressSpace) GetPTE(addr uint64) (PTE, error) {
	as.Lock()
	defer as.Unlock()

	elem, found := as.entriesTable[as.alignToPage(addr)]
	if !found {
		return PTE{}, fmt.Errorf("no pte for 0x%x in address space %d: %w",
			addr, as.ID, gpuerr.ErrInvalidArgument)
	}

	return elem.Value.(mapping).pte, nil
}

// SetPTE overwrites the PTE of a mapped page.
func (as *AddressSpace) SetPTE(addr uint64, pte PTE) error {
	as.Lock()
	defer as.Unlock()

	vAddr := as.alignToPage(addr)
	elem, found := as.entriesTable[vAddr]
	if !found {
		return fmt.Errorf("no pte for 0x%x in address space %d: %w",
			addr, as.ID, gpuerr.ErrInvalidArgument)
	}

	elem.Value = mapping{vAddr: vAddr, pte: pte}

	return nil
}

// NumPages returns the number of PTEs.
func (as *AddressSpace) NumPages() int {
	as.Lock()
	defer as.Unlock()

	return as.entries.Len()
}

// InvalidateTLB drops cached translations of the address space.
func (as *AddressSpace) InvalidateTLB() {
	as.tlbInvalidates.Add(1)

	as.Lock()
	hooks := as.onInvalidate
	as.Unlock()

	for _, f := range hooks {
		f(as)
	}
}

// TLBInvalidates returns how many times the TLB was invalidated.
func (as *AddressSpace) TLBInvalidates() uint64 {
	return as.tlbInvalidates.Load()
}

// OnInvalidate registers a function called after each TLB invalidation.
func (as *AddressSpace) OnInvalidate(f func(as *AddressSpace)) {
	as.Lock()
	defer as.Unlock()

	as.onInvalidate = append(as.onInvalidate, f)
}

// MapBuffer maps size bytes at vAddr to consecutive physical pages starting
// at pAddr and records the buffer.
func (as *AddressSpace) MapBuffer(
	vAddr, pAddr, size uint64,
	readOnly bool,
) *Buffer {
	pageSize := as.PageSize()
	for off := uint64(0); off < size; off += pageSize {
		as.Insert(vAddr+off, MakePTE(pAddr+off, true, readOnly))
	}

	b := &Buffer{VAddr: vAddr, Size: size}
	b.refs.Store(1)

	as.Lock()
	as.buffers[vAddr] = b
	as.Unlock()

	return b
}

// Buffers returns the buffers currently mapped.
func (as *AddressSpace) Buffers() []*Buffer {
	as.Lock()
	defer as.Unlock()

	out := make([]*Buffer, 0, len(as.buffers))
	for _, b := range as.buffers {
		out = append(out, b)
	}

	return out
}

// Buffer is a mapped buffer. In-flight jobs hold references on it so that it
// is not unmapped under the GPU.
type Buffer struct {
	VAddr uint64
	Size  uint64

	refs atomic.Int32
}

// Get takes a reference.
func (b *Buffer) Get() {
	b.refs.Add(1)
}

// Put drops a reference.
func (b *Buffer) Put() {
	if b.refs.Add(-1) < 0 {
		log.Panicf("buffer 0x%x released too many times", b.VAddr)
	}
}

// Refs returns the reference count.
func (b *Buffer) Refs() int32 {
	return b.refs.Load()
}
