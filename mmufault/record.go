// Package mmufault drains the MMU fault buffers and decides, for every
// fault, whether to repair the page table and replay or to recover.
package mmufault

import (
	"fmt"

	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/hw"
)

// FaultType is the reason the MMU faulted.
type FaultType uint32

// Fault types.
const (
	FaultTypePDE FaultType = iota
	FaultTypePDESize
	FaultTypePTE
	FaultTypeVALimitViolation
	FaultTypeUnboundInstBlock
	FaultTypePrivViolation
	FaultTypeROViolation
	FaultTypeWOViolation
	FaultTypePitchMaskViolation
	FaultTypeWorkCreation
	FaultTypeUnsupportedAperture
	FaultTypeCompressionFailure
	FaultTypeUnsupportedKind
	FaultTypeRegionViolation
	FaultTypePoisoned
	FaultTypeAtomicViolation
	FaultTypeUnknown
)

var faultTypeNames = [...]string{
	FaultTypePDE:                 "pde",
	FaultTypePDESize:             "pde_size",
	FaultTypePTE:                 "pte",
	FaultTypeVALimitViolation:    "va_limit_violation",
	FaultTypeUnboundInstBlock:    "unbound_inst_block",
	FaultTypePrivViolation:       "priv_violation",
	FaultTypeROViolation:         "ro_violation",
	FaultTypeWOViolation:         "wo_violation",
	FaultTypePitchMaskViolation:  "pitch_mask_violation",
	FaultTypeWorkCreation:        "work_creation",
	FaultTypeUnsupportedAperture: "unsupported_aperture",
	FaultTypeCompressionFailure:  "compression_failure",
	FaultTypeUnsupportedKind:     "unsupported_kind",
	FaultTypeRegionViolation:     "region_violation",
	FaultTypePoisoned:            "poisoned",
	FaultTypeAtomicViolation:     "atomic_violation",
	FaultTypeUnknown:             "unknown",
}

func decodeFaultType(v uint32) FaultType {
	if v >= uint32(FaultTypeUnknown) {
		return FaultTypeUnknown
	}

	return FaultType(v)
}

func (t FaultType) String() string {
	if int(t) < len(faultTypeNames) {
		return faultTypeNames[t]
	}

	return fmt.Sprintf("fault_type(%d)", uint32(t))
}

// ClientType tells which side of the chip issued the faulting access.
type ClientType int

// Client types.
const (
	ClientTypeHub ClientType = iota
	ClientTypeGPC
)

func (c ClientType) String() string {
	if c == ClientTypeGPC {
		return "gpc"
	}

	return "hub"
}

// AccessType is the kind of the faulting access.
type AccessType uint32

// Access types. Physical accesses have bit 3 set.
const (
	AccessTypeRead AccessType = iota
	AccessTypeWrite
	AccessTypeAtomic
	AccessTypePrefetch
	AccessTypeAtomicWeak
	AccessTypeUnknown

	accessPhysicalBit = 0x8
)

func decodeAccessType(v uint32) (AccessType, bool) {
	phys := v&accessPhysicalBit != 0
	v &^= accessPhysicalBit

	if v >= uint32(AccessTypeUnknown) {
		return AccessTypeUnknown, phys
	}

	return AccessType(v), phys
}

func (a AccessType) String() string {
	switch a {
	case AccessTypeRead:
		return "read"
	case AccessTypeWrite:
		return "write"
	case AccessTypeAtomic:
		return "atomic"
	case AccessTypePrefetch:
		return "prefetch"
	case AccessTypeAtomicWeak:
		return "atomic_weak"
	default:
		return "unknown"
	}
}

// Aperture is the memory an address points to.
type Aperture uint32

// Apertures.
const (
	ApertureVidmem Aperture = iota
	ApertureUnknown
	ApertureSysCoherent
	ApertureSysNonCoherent
)

func (a Aperture) String() string {
	switch a {
	case ApertureVidmem:
		return "vidmem"
	case ApertureSysCoherent:
		return "sys_coh"
	case ApertureSysNonCoherent:
		return "sys_ncoh"
	default:
		return "unknown"
	}
}

// Record is a decoded fault buffer entry.
type Record struct {
	InstPtr      uint64
	InstAperture Aperture
	Addr         uint64
	AddrAperture Aperture
	Timestamp    uint64

	MMUEngineID uint32
	Engine      gpu.EngineInfo

	Type       FaultType
	Replayable bool
	ClientID   uint32
	ClientType ClientType
	Access     AccessType
	Physical   bool
	GPCID      uint32
	Protected  bool
	Valid      bool

	// Ref holds the owning channel, if any. The handler releases it.
	Ref *channel.Ref
}

// Channel returns the channel that faulted, or nil.
func (r *Record) Channel() *channel.Channel {
	return r.Ref.Channel()
}

// ChID returns the id of the faulting channel, or gpu.InvalidID.
func (r *Record) ChID() uint32 {
	if ch := r.Channel(); ch != nil {
		return ch.ID
	}

	return gpu.InvalidID
}

// releaseChannel drops the channel reference. It is safe to call more than
// once.
func (r *Record) releaseChannel() {
	r.Ref.Release()
	r.Ref = nil
}

func (r Record) String() string {
	return fmt.Sprintf(
		"fault{addr=0x%x type=%s %s client=%s/%d gpc=%d mmu_eng=%d ch=%d}",
		r.Addr, r.Type, r.Access, r.ClientType, r.ClientID, r.GPCID,
		r.MMUEngineID, int64(int32(r.ChID())))
}

// Decode parses a raw fault buffer record. Channel and engine resolution
// are left to the handler.
func Decode(w [hw.FaultRecordWords]uint32) Record {
	raw := hw.DecodeRawFault(w)

	access, phys := decodeAccessType(raw.AccessType)

	clientType := ClientTypeHub
	if raw.GPCClient {
		clientType = ClientTypeGPC
	}

	return Record{
		InstPtr:      raw.InstPtr,
		InstAperture: Aperture(raw.InstAperture),
		Addr:         raw.Addr,
		AddrAperture: Aperture(raw.AddrAperture),
		Timestamp:    raw.Timestamp,
		MMUEngineID:  raw.EngineID,
		Type:         decodeFaultType(raw.FaultType),
		Replayable:   raw.Replayable,
		ClientID:     raw.ClientID,
		ClientType:   clientType,
		Access:       access,
		Physical:     phys,
		GPCID:        raw.GPCID,
		Protected:    raw.Protected,
		Valid:        raw.Valid,
	}
}
