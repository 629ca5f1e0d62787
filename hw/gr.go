// Package hw models the GPU register blocks the driver core talks to: the
// graphics engine interrupt tree, the MMU fault buffers and replay control,
// and the top-level interrupt controller.
package hw

import (
	"fmt"
	"sync"
)

// GR pending interrupt bits.
const (
	GRIntrNotify         uint32 = 0x1
	GRIntrSemaphore      uint32 = 0x2
	GRIntrIllegalMethod  uint32 = 0x10
	GRIntrIllegalClass   uint32 = 0x20
	GRIntrIllegalNotify  uint32 = 0x40
	GRIntrFirmwareMethod uint32 = 0x100
	GRIntrFECSError      uint32 = 0x80000
	GRIntrClassError     uint32 = 0x100000
	GRIntrException      uint32 = 0x200000
)

// GR exception units.
const (
	ExceptionFE     uint32 = 0x1
	ExceptionMEMFMT uint32 = 0x2
	ExceptionPD     uint32 = 0x4
	ExceptionSCC    uint32 = 0x8
	ExceptionDS     uint32 = 0x10
	ExceptionSSYNC  uint32 = 0x20
	ExceptionMME    uint32 = 0x80
	ExceptionSKED   uint32 = 0x100
	ExceptionGPC    uint32 = 0x1000000
)

// TPC exception bits.
const (
	TPCExceptionTEX uint32 = 0x1
	TPCExceptionSM  uint32 = 0x2
	TPCExceptionMPC uint32 = 0x10
)

// SM global error status bits.
const (
	SMGlobalESRMultipleWarpErrors uint32 = 0x4
	SMGlobalESRBptInt             uint32 = 0x10
	SMGlobalESRBptPause           uint32 = 0x20
	SMGlobalESRSingleStepComplete uint32 = 0x40
)

// SM warp error status fields.
const (
	SMWarpESRErrorMask    uint32 = 0xffff
	SMWarpESRErrorMMUNack uint32 = 0x20
)

// FECS host interrupt bits.
const (
	FECSCtxswFaultDuringCtxsw uint32 = 0x10000
	FECSUnimpFirmwareMethod   uint32 = 0x20000
	FECSUnimpIllegalMethod    uint32 = 0x40000
	FECSWatchdog              uint32 = 0x80000
	FECSECCCorrected          uint32 = 0x200000
	FECSECCUncorrected        uint32 = 0x400000
	FECSCtxswMailbox          uint32 = 0x8
	FECSCtxswIntrMask         uint32 = FECSCtxswFaultDuringCtxsw |
		FECSUnimpFirmwareMethod | FECSUnimpIllegalMethod | FECSWatchdog |
		FECSECCCorrected | FECSECCUncorrected | FECSCtxswMailbox
)

// GRConfig is the floorsweeping configuration of the GR unit.
type GRConfig struct {
	NumGPC    int
	TPCPerGPC int
	SMPerTPC  int
}

// TrappedMethod is the method the front end trapped on.
type TrappedMethod struct {
	Class  uint32
	Subch  uint32
	Offset uint32
	Data   uint32
	DataHi uint32
}

func (m TrappedMethod) String() string {
	return fmt.Sprintf("class 0x%04x subch %d offset 0x%04x data 0x%08x",
		m.Class, m.Subch, m.Offset, m.Data)
}

// SMID addresses one SM.
type SMID struct {
	GPC, TPC, SM int
}

type smState struct {
	globalESR uint32
	warpESR   uint32
}

type tpcState struct {
	exception uint32
	smMask    uint32
	sms       []smState
}

// GR is the graphics engine interrupt block.
type GR struct {
	sync.Mutex

	cfg GRConfig

	intr         uint32
	fifoAccess   bool
	currentCtx   uint32
	trapped      TrappedMethod
	classError   uint32
	fecsHostIntr uint32
	exception    uint32
	unitStatus   map[uint32]uint32
	tpcs         [][]tpcState
	clearedSMs   []SMID
	fifoDisables int
	intrClears   []uint32
}

// NewGR creates a GR block with the given floorsweeping.
func NewGR(cfg GRConfig) *GR {
	g := &GR{
		cfg:        cfg,
		fifoAccess: true,
		unitStatus: make(map[uint32]uint32),
	}

	g.tpcs = make([][]tpcState, cfg.NumGPC)
	for gpc := range g.tpcs {
		g.tpcs[gpc] = make([]tpcState, cfg.TPCPerGPC)
		for tpc := range g.tpcs[gpc] {
			g.tpcs[gpc][tpc].sms = make([]smState, cfg.SMPerTPC)
		}
	}

	return g
}

// Config returns the floorsweeping configuration.
func (g *GR) Config() GRConfig {
	return g.cfg
}

// PendingIntr returns the pending interrupt bits.
func (g *GR) PendingIntr() uint32 {
	g.Lock()
	defer g.Unlock()

	return g.intr
}

// ClearIntr acknowledges interrupt bits.
func (g *GR) ClearIntr(mask uint32) {
	g.Lock()
	defer g.Unlock()

	g.intr &^= mask
	g.intrClears = append(g.intrClears, mask)
}

// IntrClears returns the masks written to the clear register.
func (g *GR) IntrClears() []uint32 {
	g.Lock()
	defer g.Unlock()

	return append([]uint32(nil), g.intrClears...)
}

// SetFIFOAccess enables or disables front-end fetching.
func (g *GR) SetFIFOAccess(enable bool) {
	g.Lock()
	defer g.Unlock()

	if !enable {
		g.fifoDisables++
	}

	g.fifoAccess = enable
}

// FIFOAccess tells if the front end may fetch.
func (g *GR) FIFOAccess() bool {
	g.Lock()
	defer g.Unlock()

	return g.fifoAccess
}

// CurrentCtx returns the context register latched with the interrupt.
func (g *GR) CurrentCtx() uint32 {
	g.Lock()
	defer g.Unlock()

	return g.currentCtx
}

// TrappedMethod returns the method the front end trapped on.
func (g *GR) TrappedMethod() TrappedMethod {
	g.Lock()
	defer g.Unlock()

	return g.trapped
}

// ClassErrorCode returns the class error code.
func (g *GR) ClassErrorCode() uint32 {
	g.Lock()
	defer g.Unlock()

	return g.classError
}

// FECSHostIntr returns the pending FECS host interrupts.
func (g *GR) FECSHostIntr() uint32 {
	g.Lock()
	defer g.Unlock()

	return g.fecsHostIntr
}

// ClearFECSHostIntr acknowledges FECS host interrupts.
func (g *GR) ClearFECSHostIntr(mask uint32) {
	g.Lock()
	defer g.Unlock()

	g.fecsHostIntr &^= mask
}

// Exception returns the units with a pending exception.
func (g *GR) Exception() uint32 {
	g.Lock()
	defer g.Unlock()

	return g.exception
}

// UnitStatus returns the exception status of a non-GPC unit.
func (g *GR) UnitStatus(unit uint32) uint32 {
	g.Lock()
	defer g.Unlock()

	return g.unitStatus[unit]
}

// ClearUnitException acknowledges the exception of a non-GPC unit.
func (g *GR) ClearUnitException(unit uint32) {
	g.Lock()
	defer g.Unlock()

	delete(g.unitStatus, unit)
	g.exception &^= unit
}

// GPCExceptionMask returns the GPCs with a pending exception.
func (g *GR) GPCExceptionMask() uint32 {
	g.Lock()
	defer g.Unlock()

	mask := uint32(0)
	for gpc := range g.tpcs {
		if g.tpcMaskLocked(gpc) != 0 {
			mask |= 1 << gpc
		}
	}

	return mask
}

// TPCExceptionMask returns the TPCs of a GPC with a pending exception.
func (g *GR) TPCExceptionMask(gpc int) uint32 {
	g.Lock()
	defer g.Unlock()

	return g.tpcMaskLocked(gpc)
}

func (g *GR) tpcMaskLocked(gpc int) uint32 {
	mask := uint32(0)
	for tpc := range g.tpcs[gpc] {
		if g.tpcs[gpc][tpc].exception != 0 {
			mask |= 1 << tpc
		}
	}

	return mask
}

// TPCException returns the pending TEX, SM and MPC bits of a TPC.
func (g *GR) TPCException(gpc, tpc int) uint32 {
	g.Lock()
	defer g.Unlock()

	return g.tpcs[gpc][tpc].exception
}

// SMExceptionMask returns the SMs of a TPC with a pending exception.
func (g *GR) SMExceptionMask(gpc, tpc int) uint32 {
	g.Lock()
	defer g.Unlock()

	return g.tpcs[gpc][tpc].smMask
}

// SMGlobalESR returns the global error status of an SM.
func (g *GR) SMGlobalESR(id SMID) uint32 {
	g.Lock()
	defer g.Unlock()

	return g.tpcs[id.GPC][id.TPC].sms[id.SM].globalESR
}

// SMWarpESR returns the warp error status of an SM.
func (g *GR) SMWarpESR(id SMID) uint32 {
	g.Lock()
	defer g.Unlock()

	return g.tpcs[id.GPC][id.TPC].sms[id.SM].warpESR
}

// ClearSMException clears the exception state of exactly one SM.
func (g *GR) ClearSMException(id SMID, globalESR uint32) {
	g.Lock()
	defer g.Unlock()

	t := &g.tpcs[id.GPC][id.TPC]
	sm := &t.sms[id.SM]
	sm.globalESR &^= globalESR
	sm.warpESR = 0

	if sm.globalESR == 0 {
		t.smMask &^= 1 << id.SM
	}

	if t.smMask == 0 {
		t.exception &^= TPCExceptionSM
	}

	g.clearedSMs = append(g.clearedSMs, id)
	g.updateGPCExceptionLocked()
}

// ClearedSMs returns the SMs cleared so far, in order.
func (g *GR) ClearedSMs() []SMID {
	g.Lock()
	defer g.Unlock()

	return append([]SMID(nil), g.clearedSMs...)
}

// ClearTPCException clears TEX or MPC bits of a TPC.
func (g *GR) ClearTPCException(gpc, tpc int, bits uint32) {
	g.Lock()
	defer g.Unlock()

	g.tpcs[gpc][tpc].exception &^= bits
	g.updateGPCExceptionLocked()
}

func (g *GR) updateGPCExceptionLocked() {
	for gpc := range g.tpcs {
		if g.tpcMaskLocked(gpc) != 0 {
			return
		}
	}

	g.exception &^= ExceptionGPC
}

// Raise latches interrupt bits together with the current context.
func (g *GR) Raise(bits uint32, ctx uint32) {
	g.Lock()
	defer g.Unlock()

	g.intr |= bits
	g.currentCtx = ctx
}

// RaiseTrap latches a trapped method with the given interrupt bits.
func (g *GR) RaiseTrap(bits uint32, ctx uint32, m TrappedMethod) {
	g.Lock()
	g.trapped = m
	g.Unlock()

	g.Raise(bits, ctx)
}

// RaiseClassError latches a class error code.
func (g *GR) RaiseClassError(ctx uint32, code uint32, m TrappedMethod) {
	g.Lock()
	g.classError = code
	g.trapped = m
	g.Unlock()

	g.Raise(GRIntrClassError, ctx)
}

// RaiseFECS latches FECS host interrupt bits.
func (g *GR) RaiseFECS(ctx uint32, bits uint32) {
	g.Lock()
	g.fecsHostIntr |= bits
	g.Unlock()

	g.Raise(GRIntrFECSError, ctx)
}

// RaiseUnitException latches an exception of a non-GPC unit.
func (g *GR) RaiseUnitException(ctx uint32, unit uint32, status uint32) {
	g.Lock()
	g.exception |= unit
	g.unitStatus[unit] = status
	g.Unlock()

	g.Raise(GRIntrException, ctx)
}

// RaiseSMException latches an SM exception.
func (g *GR) RaiseSMException(ctx uint32, id SMID, globalESR, warpESR uint32) {
	g.Lock()
	t := &g.tpcs[id.GPC][id.TPC]
	t.exception |= TPCExceptionSM
	t.smMask |= 1 << id.SM
	t.sms[id.SM].globalESR |= globalESR
	t.sms[id.SM].warpESR = warpESR
	g.exception |= ExceptionGPC
	g.Unlock()

	g.Raise(GRIntrException, ctx)
}

// RaiseTPCException latches a TEX or MPC exception.
func (g *GR) RaiseTPCException(ctx uint32, gpc, tpc int, bits uint32) {
	g.Lock()
	g.tpcs[gpc][tpc].exception |= bits
	g.exception |= ExceptionGPC
	g.Unlock()

	g.Raise(GRIntrException, ctx)
}
