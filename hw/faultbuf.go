package hw

import (
	"fmt"
	"sync"
)

// FaultRecordWords is the size of one fault buffer record.
const FaultRecordWords = 8

// Fault buffer indices.
const (
	NonReplayFaultBuffer = 0
	ReplayFaultBuffer    = 1
	NumFaultBuffers      = 2
)

// Word 7 fields.
const (
	faultTypeMask       = 0x1f
	faultReplayableBit  = 1 << 7
	faultClientShift    = 8
	faultClientMask     = 0x7f
	faultAccessShift    = 16
	faultAccessMask     = 0xf
	faultClientTypeBit  = 1 << 20
	faultGPCShift       = 24
	faultGPCMask        = 0x1f
	faultProtectedBit   = 1 << 29
	faultValidBit       = 1 << 31
	faultApertureShift  = 8
	faultApertureMask   = 0x3
	faultAddrPageMask   = 0xfffff000
	faultEngineMask     = 0x1ff
	faultInstPageShift  = 12
	faultInstLoWordMask = 0xfffff000
)

// RawFault holds the fields of a fault buffer record.
type RawFault struct {
	InstPtr      uint64
	InstAperture uint32
	Addr         uint64
	AddrAperture uint32
	Timestamp    uint64
	EngineID     uint32
	FaultType    uint32
	Replayable   bool
	ClientID     uint32
	AccessType   uint32
	GPCClient    bool
	GPCID        uint32
	Protected    bool
	Valid        bool
}

// Encode packs the fields into a record.
func (f RawFault) Encode() [FaultRecordWords]uint32 {
	var w [FaultRecordWords]uint32

	w[0] = uint32(f.InstPtr)&faultInstLoWordMask |
		(f.InstAperture&faultApertureMask)<<faultApertureShift
	w[1] = uint32(f.InstPtr >> 32)
	w[2] = uint32(f.Addr)&faultAddrPageMask | f.AddrAperture&faultApertureMask
	w[3] = uint32(f.Addr >> 32)
	w[4] = uint32(f.Timestamp)
	w[5] = uint32(f.Timestamp >> 32)
	w[6] = f.EngineID & faultEngineMask
	w[7] = f.FaultType&faultTypeMask |
		(f.ClientID&faultClientMask)<<faultClientShift |
		(f.AccessType&faultAccessMask)<<faultAccessShift |
		(f.GPCID&faultGPCMask)<<faultGPCShift

	if f.Replayable {
		w[7] |= faultReplayableBit
	}

	if f.GPCClient {
		w[7] |= faultClientTypeBit
	}

	if f.Protected {
		w[7] |= faultProtectedBit
	}

	if f.Valid {
		w[7] |= faultValidBit
	}

	return w
}

// DecodeRawFault unpacks a record.
func DecodeRawFault(w [FaultRecordWords]uint32) RawFault {
	return RawFault{
		InstPtr:      uint64(w[1])<<32 | uint64(w[0]&faultInstLoWordMask),
		InstAperture: (w[0] >> faultApertureShift) & faultApertureMask,
		Addr:         uint64(w[3])<<32 | uint64(w[2]&faultAddrPageMask),
		AddrAperture: w[2] & faultApertureMask,
		Timestamp:    uint64(w[5])<<32 | uint64(w[4]),
		EngineID:     w[6] & faultEngineMask,
		FaultType:    w[7] & faultTypeMask,
		Replayable:   w[7]&faultReplayableBit != 0,
		ClientID:     (w[7] >> faultClientShift) & faultClientMask,
		AccessType:   (w[7] >> faultAccessShift) & faultAccessMask,
		GPCClient:    w[7]&faultClientTypeBit != 0,
		GPCID:        (w[7] >> faultGPCShift) & faultGPCMask,
		Protected:    w[7]&faultProtectedBit != 0,
		Valid:        w[7]&faultValidBit != 0,
	}
}

// A FaultBuffer is the ring the MMU writes fault records to. Hardware owns
// put, software owns get.
type FaultBuffer struct {
	sync.Mutex

	records  [][FaultRecordWords]uint32
	get, put uint32
	overflow bool
	enabled  bool
}

// NewFaultBuffer creates a buffer of n records.
func NewFaultBuffer(n int) *FaultBuffer {
	return &FaultBuffer{
		records: make([][FaultRecordWords]uint32, n),
		enabled: true,
	}
}

// Size returns the number of records.
func (b *FaultBuffer) Size() uint32 {
	return uint32(len(b.records))
}

// Push writes a record at put as the MMU would. A full buffer drops the
// record and latches the overflow flag.
func (b *FaultBuffer) Push(f RawFault) bool {
	b.Lock()
	defer b.Unlock()

	if !b.enabled {
		return false
	}

	next := (b.put + 1) % b.Size()
	if next == b.get {
		b.overflow = true
		return false
	}

	f.Valid = true
	b.records[b.put] = f.Encode()
	b.put = next

	return true
}

// Read returns the record at slot and clears its valid bit so that the
// hardware may reuse the slot.
func (b *FaultBuffer) Read(slot uint32) [FaultRecordWords]uint32 {
	b.Lock()
	defer b.Unlock()

	if slot >= b.Size() {
		panic(fmt.Sprintf("fault buffer slot %d out of %d", slot, b.Size()))
	}

	w := b.records[slot]
	b.records[slot][7] &^= faultValidBit

	return w
}

// Get returns the software get index.
func (b *FaultBuffer) Get() uint32 {
	b.Lock()
	defer b.Unlock()

	return b.get
}

// SetGet writes the software get index.
func (b *FaultBuffer) SetGet(get uint32) {
	b.Lock()
	defer b.Unlock()

	b.get = get % b.Size()
}

// Put returns the hardware put index.
func (b *FaultBuffer) Put() uint32 {
	b.Lock()
	defer b.Unlock()

	return b.put
}

// Empty tells if get caught up with put.
func (b *FaultBuffer) Empty() bool {
	b.Lock()
	defer b.Unlock()

	return b.get == b.put
}

// Overflow tells if records were dropped.
func (b *FaultBuffer) Overflow() bool {
	b.Lock()
	defer b.Unlock()

	return b.overflow
}

// ClearOverflow acknowledges the overflow flag.
func (b *FaultBuffer) ClearOverflow() {
	b.Lock()
	defer b.Unlock()

	b.overflow = false
}

// SetEnabled turns the buffer on or off.
func (b *FaultBuffer) SetEnabled(enabled bool) {
	b.Lock()
	defer b.Unlock()

	b.enabled = enabled
}
