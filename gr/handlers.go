package gr

import (
	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/hw"
)

var nonGPCUnits = []uint32{
	hw.ExceptionFE,
	hw.ExceptionMEMFMT,
	hw.ExceptionPD,
	hw.ExceptionSCC,
	hw.ExceptionDS,
	hw.ExceptionSSYNC,
	hw.ExceptionMME,
	hw.ExceptionSKED,
}

const smBptBits = hw.SMGlobalESRBptInt | hw.SMGlobalESRBptPause

func (d *Dispatcher) handleNotify(isr *isrData) {
	d.logger(isr).Trace("gr notify")
}

func (d *Dispatcher) handleSemaphore(isr *isrData) {
	if isr.tsg == nil {
		return
	}

	d.gpu.PostEvent(isr.tsg, channel.EventGRSemaphoreWriteAwaken)
}

func (d *Dispatcher) handleIllegalNotify(isr *isrData) {
	d.logger(isr).Error("illegal notify pending")
	d.setErrorNotifier(isr, channel.NotifierGRIllegalNotify)
	isr.needReset = true
}

func (d *Dispatcher) handleIllegalMethod(isr *isrData) {
	if d.swMethods != nil && isr.ch != nil {
		err := d.swMethods.HandleSWMethod(isr.ch, isr.method)
		if err == nil {
			return
		}

		d.logger(isr).WithError(err).Debug("sw method failed")
	}

	d.logger(isr).
		WithField("class", isr.method.Class).
		WithField("offset", isr.method.Offset).
		Error("invalid method")
	d.setErrorNotifier(isr, channel.NotifierGRErrorSWMethod)
	isr.needReset = true
}

func (d *Dispatcher) handleIllegalClass(isr *isrData) {
	d.logger(isr).WithField("class", isr.method.Class).Error("invalid class")
	d.setErrorNotifier(isr, channel.NotifierGRErrorSWNotify)
	isr.needReset = true
}

func (d *Dispatcher) handleFECSError(isr *isrData) {
	status := d.hw.FECSHostIntr()
	l := d.logger(isr).WithField("fecs", status)

	if status&hw.FECSUnimpFirmwareMethod != 0 {
		l.Error("fecs firmware method not implemented")
		d.setErrorNotifier(isr, channel.NotifierFECSUnimpFirmwareMethod)
		isr.needReset = true
	}

	if status&(hw.FECSWatchdog|hw.FECSCtxswFaultDuringCtxsw|
		hw.FECSUnimpIllegalMethod|hw.FECSECCUncorrected) != 0 {
		l.Error("fecs ctxsw error")
		isr.needReset = true
	}

	if status&hw.FECSECCCorrected != 0 {
		l.Info("fecs corrected ecc error")
	}

	if status&hw.FECSCtxswMailbox != 0 {
		l.Debug("fecs mailbox")
	}

	d.hw.ClearFECSHostIntr(status & hw.FECSCtxswIntrMask)
}

func (d *Dispatcher) handleClassError(isr *isrData) {
	d.logger(isr).
		WithField("code", isr.classErr).
		WithField("class", isr.method.Class).
		Error("class error")
	d.setErrorNotifier(isr, channel.NotifierGRErrorSWNotify)
	isr.needReset = true
}

func (d *Dispatcher) handleFirmwareMethod(isr *isrData) {
	d.logger(isr).WithField("offset", isr.method.Offset).
		Error("firmware method trapped")
	d.setErrorNotifier(isr, channel.NotifierFECSUnimpFirmwareMethod)
	isr.needReset = true
}

func (d *Dispatcher) handleException(isr *isrData) {
	exception := d.hw.Exception()
	reset := false

	for _, unit := range nonGPCUnits {
		if exception&unit == 0 {
			continue
		}

		d.logger(isr).
			WithField("unit", unit).
			WithField("status", d.hw.UnitStatus(unit)).
			Error("gr unit exception")
		d.hw.ClearUnitException(unit)

		reset = true
	}

	if exception&hw.ExceptionGPC != 0 && d.handleGPCExceptions(isr) {
		reset = true
	}

	if reset {
		d.setErrorNotifier(isr, channel.NotifierGRException)
		isr.needReset = true
	}
}

// handleGPCExceptions walks the pending GPCs, TPCs and SMs. It reports if
// any of them needs an engine reset.
func (d *Dispatcher) handleGPCExceptions(isr *isrData) bool {
	cfg := d.hw.Config()
	gpcMask := d.hw.GPCExceptionMask()
	reset := false

	for gpc := 0; gpc < cfg.NumGPC; gpc++ {
		if gpcMask&(1<<gpc) == 0 {
			continue
		}

		tpcMask := d.hw.TPCExceptionMask(gpc)
		for tpc := 0; tpc < cfg.TPCPerGPC; tpc++ {
			if tpcMask&(1<<tpc) == 0 {
				continue
			}

			if d.handleTPCException(isr, gpc, tpc) {
				reset = true
			}
		}
	}

	return reset
}

func (d *Dispatcher) handleTPCException(isr *isrData, gpc, tpc int) bool {
	reset := false
	status := d.hw.TPCException(gpc, tpc)

	if status&hw.TPCExceptionSM != 0 {
		smMask := d.hw.SMExceptionMask(gpc, tpc)
		for sm := 0; sm < d.hw.Config().SMPerTPC; sm++ {
			if smMask&(1<<sm) == 0 {
				continue
			}

			if d.handleSMException(isr, hw.SMID{GPC: gpc, TPC: tpc, SM: sm}) {
				reset = true
			}
		}
	}

	if other := status & (hw.TPCExceptionTEX | hw.TPCExceptionMPC); other != 0 {
		d.logger(isr).
			WithField("gpc", gpc).
			WithField("tpc", tpc).
			WithField("status", other).
			Warn("tpc exception")
		d.hw.ClearTPCException(gpc, tpc, other)
	}

	return reset
}

// handleMMUNack pairs an SM MMU nack with the MMU fault that caused it.
// Whichever of the two is serviced first recovers the channel and sets the
// channel flag; the second one clears the flag and skips recovery.
func (d *Dispatcher) handleMMUNack(isr *isrData, id hw.SMID) bool {
	ch := isr.ch
	if ch == nil {
		return true
	}

	if ch.MMUNackHandled {
		ch.MMUNackHandled = false
		d.logger(isr).WithField("sm", id).
			Info("mmu nack after fault recovery")

		return false
	}

	ch.MMUNackHandled = true

	return true
}

func (d *Dispatcher) handleSMException(isr *isrData, id hw.SMID) bool {
	global := d.hw.SMGlobalESR(id)
	warp := d.hw.SMWarpESR(id)

	isr.bptEvents |= global & smBptBits

	errBits := global &^ (smBptBits | hw.SMGlobalESRSingleStepComplete)
	reset := errBits != 0 || warp != 0

	if warp&hw.SMWarpESRErrorMask == hw.SMWarpESRErrorMMUNack {
		reset = d.handleMMUNack(isr, id) || errBits != 0
	}

	if reset {
		d.logger(isr).
			WithField("sm", id).
			WithField("global_esr", global).
			WithField("warp_esr", warp).
			Error("sm exception")
	}

	d.hw.ClearSMException(id, global)

	return reset
}
