// Package gpfifo implements the GPFIFO command ring of a channel.
//
// The ring holds fixed-size entries, each pointing at a block of GPU
// commands. The driver appends at put and publishes put to the hardware; the
// pushbuffer DMA unit consumes from get.
package gpfifo

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/nvgpusim/gpuerr"
)

const (
	entry1VAHiMask       = 0xff
	entry1LengthShift    = 10
	entry1LengthMask     = 0x1fffff
	entry0VALoMask       = ^uint32(0x3)
	hwEntrySizeBytes     = 8
	legacyEntrySizeBytes = 16
)

// Entry is a GPFIFO entry in hardware format.
type Entry struct {
	Entry0 uint32
	Entry1 uint32
}

// MakeEntry encodes a command block at a GPU virtual address.
func MakeEntry(gpuVA uint64, words uint32) Entry {
	return Entry{
		Entry0: uint32(gpuVA) & entry0VALoMask,
		Entry1: uint32(gpuVA>>32)&entry1VAHiMask |
			(words&entry1LengthMask)<<entry1LengthShift,
	}
}

// GPUVA returns the address of the command block.
func (e Entry) GPUVA() uint64 {
	return uint64(e.Entry1&entry1VAHiMask)<<32 | uint64(e.Entry0&entry0VALoMask)
}

// Words returns the length of the command block in 32-bit words.
func (e Entry) Words() uint32 {
	return (e.Entry1 >> entry1LengthShift) & entry1LengthMask
}

func (e Entry) String() string {
	return fmt.Sprintf("gpfifo{va=0x%x, words=%d}", e.GPUVA(), e.Words())
}

// LegacyEntry is the pre-hardware-format layout that user space may still
// submit when the HWFormat flag is not set.
type LegacyEntry struct {
	GPUVA uint64
	Words uint32
}

// ToHW converts the entry into hardware format.
func (l LegacyEntry) ToHW() Entry {
	return MakeEntry(l.GPUVA, l.Words)
}

// UserData is caller-owned memory holding GPFIFO entries.
type UserData interface {
	// ReadEntries copies count entries starting at entry index start.
	ReadEntries(start, count uint32, hwFormat bool) ([]Entry, error)
}

// UserBuffer is UserData backed by a little-endian byte slice, laid out the
// way the submit ioctl receives it.
type UserBuffer []byte

// ReadEntries decodes entries from the buffer. Reading past the end is an
// invalid argument, as a faulting copy from user memory would be.
func (b UserBuffer) ReadEntries(
	start, count uint32,
	hwFormat bool,
) ([]Entry, error) {
	size := uint64(legacyEntrySizeBytes)
	if hwFormat {
		size = hwEntrySizeBytes
	}

	end := (uint64(start) + uint64(count)) * size
	if end > uint64(len(b)) {
		return nil, fmt.Errorf("user gpfifo copy of %d entries at %d: %w",
			count, start, gpuerr.ErrInvalidArgument)
	}

	entries := make([]Entry, count)
	for i := uint32(0); i < count; i++ {
		off := (uint64(start) + uint64(i)) * size
		if hwFormat {
			entries[i] = Entry{
				Entry0: binary.LittleEndian.Uint32(b[off:]),
				Entry1: binary.LittleEndian.Uint32(b[off+4:]),
			}

			continue
		}

		entries[i] = LegacyEntry{
			GPUVA: binary.LittleEndian.Uint64(b[off:]),
			Words: binary.LittleEndian.Uint32(b[off+8:]),
		}.ToHW()
	}

	return entries, nil
}

// EncodeHW serializes entries in hardware format.
func EncodeHW(entries []Entry) UserBuffer {
	b := make([]byte, len(entries)*hwEntrySizeBytes)
	for i, e := range entries {
		binary.LittleEndian.PutUint32(b[i*hwEntrySizeBytes:], e.Entry0)
		binary.LittleEndian.PutUint32(b[i*hwEntrySizeBytes+4:], e.Entry1)
	}

	return b
}

// EncodeLegacy serializes entries in the legacy layout.
func EncodeLegacy(entries []LegacyEntry) UserBuffer {
	b := make([]byte, len(entries)*legacyEntrySizeBytes)
	for i, e := range entries {
		binary.LittleEndian.PutUint64(b[i*legacyEntrySizeBytes:], e.GPUVA)
		binary.LittleEndian.PutUint32(b[i*legacyEntrySizeBytes+8:], e.Words)
	}

	return b
}
