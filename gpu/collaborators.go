package gpu

import (
	"fmt"

	"github.com/sarchlab/nvgpusim/channel"
)

// Power takes and drops references that keep the GPU powered.
type Power interface {
	Busy() error
	Idle()
}

// IDType tells what the id passed to a recovery refers to.
type IDType int

// Recovery id types.
const (
	IDTypeUnknown IDType = iota
	IDTypeChannel
	IDTypeTSG
)

func (t IDType) String() string {
	switch t {
	case IDTypeChannel:
		return "channel"
	case IDTypeTSG:
		return "tsg"
	default:
		return "unknown"
	}
}

// RCType is the reason of a recovery.
type RCType int

// Recovery reasons.
const (
	RCTypeGRFault RCType = iota
	RCTypeMMUFault
	RCTypeIdleTimeout
	RCTypePBDMAFault
	RCTypeForceReset
)

func (t RCType) String() string {
	switch t {
	case RCTypeGRFault:
		return "gr_fault"
	case RCTypeMMUFault:
		return "mmu_fault"
	case RCTypeIdleTimeout:
		return "idle_timeout"
	case RCTypePBDMAFault:
		return "pbdma_fault"
	case RCTypeForceReset:
		return "force_reset"
	default:
		return fmt.Sprintf("rc(%d)", int(t))
	}
}

// InvalidID marks an unknown channel or TSG in a recovery request.
const InvalidID = ^uint32(0)

// Recoverer resets engines and tears down the contexts that caused a
// failure.
type Recoverer interface {
	// Recover schedules a reset of the engines in engMask and of the
	// context id. An id of InvalidID with IDTypeUnknown recovers the
	// whole runlist.
	Recover(engMask uint32, id uint32, idType IDType, rcType RCType,
		fault any)

	// ClearFaulted lets the engine and PBDMA serving ch fetch again after
	// a copy engine fault.
	ClearFaulted(ch *channel.Channel, engine, pbdma uint32)
}

// InvalidEngine marks an MMU fault id that maps to no engine.
const InvalidEngine = ^uint32(0)

// EngineInfo is what an MMU fault id refers to.
type EngineInfo struct {
	Engine uint32
	SubID  uint32
	PBDMA  uint32
}

// Valid tells if the fault id mapped to an engine.
func (e EngineInfo) Valid() bool {
	return e.Engine != InvalidEngine
}

// EngineMapper translates MMU fault ids.
type EngineMapper interface {
	MMUFaultIDToEngine(id uint32) EngineInfo
	IsCE(id uint32) bool
}

// EventPoster delivers events to TSGs.
type EventPoster interface {
	PostEvent(tsg *channel.TSG, ev channel.EventID)
}

// ErrorNotifier reports errors to the owners of a channel.
type ErrorNotifier interface {
	SetErrorNotifier(ch *channel.Channel, code channel.NotifierCode)
}

// Doorbell tells the consumer that a channel published new work.
type Doorbell interface {
	Ring(ch *channel.Channel)
}

// CleanupScheduler retires jobs after the submission returns.
type CleanupScheduler interface {
	Schedule(ch *channel.Channel)
}

// StaticEngineMap maps MMU fault ids with fixed ranges: the graphics engine
// with one sub id per subcontext, followed by the copy engines.
type StaticEngineMap struct {
	GRBase    uint32
	NumVEID   uint32
	GREngine  uint32
	GRPBDMA   uint32
	CEBase    uint32
	NumCE     uint32
	CEEngine0 uint32
	CEPBDMA0  uint32
}

// DefaultEngineMap is the layout of a single-GR, three-CE GPU.
var DefaultEngineMap = StaticEngineMap{
	GRBase:    0x40,
	NumVEID:   64,
	GREngine:  0,
	GRPBDMA:   0,
	CEBase:    0x0f,
	NumCE:     3,
	CEEngine0: 1,
	CEPBDMA0:  1,
}

// MMUFaultIDToEngine maps a fault id.
func (m StaticEngineMap) MMUFaultIDToEngine(id uint32) EngineInfo {
	switch {
	case id >= m.GRBase && id < m.GRBase+m.NumVEID:
		return EngineInfo{Engine: m.GREngine, SubID: id - m.GRBase,
			PBDMA: m.GRPBDMA}
	case m.IsCE(id):
		n := id - m.CEBase
		return EngineInfo{Engine: m.CEEngine0 + n, PBDMA: m.CEPBDMA0 + n}
	default:
		return EngineInfo{Engine: InvalidEngine, SubID: InvalidEngine,
			PBDMA: InvalidEngine}
	}
}

// IsCE tells if the fault id belongs to a copy engine.
func (m StaticEngineMap) IsCE(id uint32) bool {
	return id >= m.CEBase && id < m.CEBase+m.NumCE
}

// TSGEventPoster posts events straight to the TSG.
type TSGEventPoster struct{}

// PostEvent posts ev on tsg.
func (TSGEventPoster) PostEvent(tsg *channel.TSG, ev channel.EventID) {
	tsg.PostEvent(ev)
}

// ChannelErrorNotifier writes codes to the channel notifier.
type ChannelErrorNotifier struct{}

// SetErrorNotifier records code on ch.
func (ChannelErrorNotifier) SetErrorNotifier(
	ch *channel.Channel,
	code channel.NotifierCode,
) {
	ch.SetErrorNotifier(code)
}

type nopPower struct{}

func (nopPower) Busy() error { return nil }
func (nopPower) Idle()       {}

type nopDoorbell struct{}

func (nopDoorbell) Ring(*channel.Channel) {}

// InlineCleanup retires jobs on the caller goroutine.
type InlineCleanup struct{}

// Schedule retires every completed job of ch.
func (InlineCleanup) Schedule(ch *channel.Channel) {
	ch.CleanUpJobs(true)
}
