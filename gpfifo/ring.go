package gpfifo

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/sarchlab/nvgpusim/gpuerr"
)

// Ring is the GPFIFO of one channel.
//
// put and the cached get are owned by the submitting thread, which must
// serialize itself (the channel submit lock). The published put and the
// hardware get model the USERD words shared with the GPU.
type Ring struct {
	entries []Entry
	mask    uint32

	put uint32
	get uint32

	hwPut atomic.Uint32
	hwGet atomic.Uint32
}

// NewRing allocates a ring of count entries. count must be a power of two.
func NewRing(count uint32) (*Ring, error) {
	if count < 2 || count&(count-1) != 0 {
		return nil, fmt.Errorf("gpfifo entry count %d is not a power of two: %w",
			count, gpuerr.ErrInvalidArgument)
	}

	return &Ring{
		entries: make([]Entry, count),
		mask:    count - 1,
	}, nil
}

// Count returns the number of entries of the ring.
func (r *Ring) Count() uint32 {
	return r.mask + 1
}

// Usable returns the number of entries that can be occupied at once. One
// slot stays empty so that put == get always means empty.
func (r *Ring) Usable() uint32 {
	return r.mask
}

// Put returns the software put cursor.
func (r *Ring) Put() uint32 {
	return r.put
}

// Get returns the last known get cursor.
func (r *Ring) Get() uint32 {
	return r.get
}

// FreeCount returns the number of free slots according to the cached get.
func (r *Ring) FreeCount() uint32 {
	inFlight := (r.put - r.get) & r.mask
	return r.mask - inFlight
}

// Occupied returns the number of entries appended and not yet consumed,
// published or not.
func (r *Ring) Occupied() uint32 {
	return (r.put - r.hwGet.Load()) & r.mask
}

// UpdateGet refreshes the cached get from the hardware and returns the new
// free count.
func (r *Ring) UpdateGet() uint32 {
	r.get = r.hwGet.Load()
	return r.FreeCount()
}

// Append copies entries starting at put, splitting the copy in two when the
// range wraps, and advances put. The caller must have reserved the space.
func (r *Ring) Append(src []Entry) {
	n := uint32(len(src))
	if n == 0 {
		return
	}

	if n > r.FreeCount() {
		log.Panicf("gpfifo append of %d entries with only %d free",
			n, r.FreeCount())
	}

	start := r.put
	firstLen := n
	if tail := r.Count() - start; firstLen > tail {
		firstLen = tail
	}

	copy(r.entries[start:start+firstLen], src[:firstLen])
	copy(r.entries[0:n-firstLen], src[firstLen:])

	r.put = (start + n) & r.mask
}

// Mark returns the current put so that a failed submission can rewind to it.
func (r *Ring) Mark() uint32 {
	return r.put
}

// Rewind restores put to a value returned by Mark. Only entries that were
// never published may be discarded.
func (r *Ring) Rewind(put uint32) {
	r.put = put & r.mask
}

// Publish makes every appended entry visible to the consumer. All entry
// writes happen before the store.
func (r *Ring) Publish() {
	r.hwPut.Store(r.put)
}

// HWPut returns the put value the consumer sees.
func (r *Ring) HWPut() uint32 {
	return r.hwPut.Load()
}

// HWGet returns the consumer's get cursor.
func (r *Ring) HWGet() uint32 {
	return r.hwGet.Load()
}

// Pending returns the number of published entries not yet consumed.
func (r *Ring) Pending() uint32 {
	return (r.hwPut.Load() - r.hwGet.Load()) & r.mask
}

// At returns the entry at a slot. It is used by the consumer.
func (r *Ring) At(slot uint32) Entry {
	return r.entries[slot&r.mask]
}

// Consume advances the hardware get by one entry.
func (r *Ring) Consume() {
	r.hwGet.Store((r.hwGet.Load() + 1) & r.mask)
}

// Snapshot returns a copy of the ring storage, for inspection.
func (r *Ring) Snapshot() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)

	return out
}
