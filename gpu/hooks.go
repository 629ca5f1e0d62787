package gpu

import "github.com/sarchlab/akita/v4/sim"

// Hook positions invoked on the GPU.
var (
	HookPosSubmit     = &sim.HookPos{Name: "Submit"}
	HookPosGRIntr     = &sim.HookPos{Name: "GRIntr"}
	HookPosMMUFault   = &sim.HookPos{Name: "MMUFault"}
	HookPosRecovery   = &sim.HookPos{Name: "Recovery"}
	HookPosTSGEvent   = &sim.HookPos{Name: "TSGEvent"}
	HookPosJobRetired = &sim.HookPos{Name: "JobRetired"}
)

// SubmitDetail is passed with HookPosSubmit.
type SubmitDetail struct {
	ChID    uint32
	Count   uint32
	Flags   uint32
	Tracked bool
	Put     uint32
	Err     error
}

// GRIntrDetail is passed with HookPosGRIntr.
type GRIntrDetail struct {
	Pending   uint32
	Ctx       uint32
	ChID      uint32
	TSGID     uint32
	NeedReset bool
	Residual  uint32
	BptEvents uint32
}

// FaultDetail is passed with HookPosMMUFault.
type FaultDetail struct {
	Buffer     int
	Addr       uint64
	FaultType  string
	Client     string
	Replayable bool
	MMUEngine  uint32
	ChID       uint32
	Action     string
}

// RecoveryDetail is passed with HookPosRecovery.
type RecoveryDetail struct {
	EngMask uint32
	ID      uint32
	IDType  IDType
	RCType  RCType
}

// EventDetail is passed with HookPosTSGEvent.
type EventDetail struct {
	TSGID uint32
	Event string
}
