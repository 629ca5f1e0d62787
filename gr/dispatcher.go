// Package gr decodes and dispatches graphics engine stall interrupts.
package gr

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/ctxcache"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/hw"
)

// Hardware is the GR register block.
type Hardware interface {
	Config() hw.GRConfig

	PendingIntr() uint32
	ClearIntr(mask uint32)
	SetFIFOAccess(enable bool)
	CurrentCtx() uint32
	TrappedMethod() hw.TrappedMethod
	ClassErrorCode() uint32

	FECSHostIntr() uint32
	ClearFECSHostIntr(mask uint32)

	Exception() uint32
	UnitStatus(unit uint32) uint32
	ClearUnitException(unit uint32)

	GPCExceptionMask() uint32
	TPCExceptionMask(gpc int) uint32
	TPCException(gpc, tpc int) uint32
	ClearTPCException(gpc, tpc int, bits uint32)
	SMExceptionMask(gpc, tpc int) uint32
	SMGlobalESR(id hw.SMID) uint32
	SMWarpESR(id hw.SMID) uint32
	ClearSMException(id hw.SMID, globalESR uint32)
}

// SWMethodHandler emulates methods the hardware traps on.
type SWMethodHandler interface {
	HandleSWMethod(ch *channel.Channel, m hw.TrappedMethod) error
}

// isrData is what the dispatcher latched for one interrupt.
type isrData struct {
	pending  uint32
	ctx      uint32
	method   hw.TrappedMethod
	classErr uint32

	ref *channel.Ref
	ch  *channel.Channel
	tsg *channel.TSG

	needReset bool
	bptEvents uint32
}

// Dispatcher handles the GR stall interrupt.
type Dispatcher struct {
	gpu       *gpu.GPU
	hw        Hardware
	swMethods SWMethodHandler
	engMask   uint32
	log       *logrus.Entry

	countsLock sync.Mutex
	counts     [numCategories]uint64
}

// Handled returns how many times a category handler ran.
func (d *Dispatcher) Handled(c Category) uint64 {
	d.countsLock.Lock()
	defer d.countsLock.Unlock()

	return d.counts[c]
}

func (d *Dispatcher) count(c Category) {
	d.countsLock.Lock()
	d.counts[c]++
	d.countsLock.Unlock()
}

type handler func(d *Dispatcher, isr *isrData)

var handlers = [numCategories]handler{
	CategoryNotify:         (*Dispatcher).handleNotify,
	CategorySemaphore:      (*Dispatcher).handleSemaphore,
	CategoryIllegalNotify:  (*Dispatcher).handleIllegalNotify,
	CategoryIllegalMethod:  (*Dispatcher).handleIllegalMethod,
	CategoryIllegalClass:   (*Dispatcher).handleIllegalClass,
	CategoryFECSError:      (*Dispatcher).handleFECSError,
	CategoryClassError:     (*Dispatcher).handleClassError,
	CategoryFirmwareMethod: (*Dispatcher).handleFirmwareMethod,
	CategoryException:      (*Dispatcher).handleException,
}

// HandleStallInterrupt services every pending GR interrupt. Errors are
// handled in place by recovery, so it only fails if nothing can be done.
func (d *Dispatcher) HandleStallInterrupt() error {
	pending := d.hw.PendingIntr()
	if pending == 0 {
		return nil
	}

	d.hw.SetFIFOAccess(false)

	isr := &isrData{
		pending:  pending,
		ctx:      d.hw.CurrentCtx(),
		method:   d.hw.TrappedMethod(),
		classErr: d.hw.ClassErrorCode(),
	}

	isr.ref = d.resolveChannel(isr.ctx)
	defer isr.ref.Release()

	isr.ch = isr.ref.Channel()
	if isr.ch != nil {
		isr.tsg = isr.ch.TSG()
	}

	cats, residual := Categories(pending)
	for _, c := range cats {
		handlers[c](d, isr)
		d.count(c)
	}

	if isr.needReset {
		d.recover(isr)
	}

	if residual != 0 {
		d.logger(isr).WithField("residual", residual).
			Warn("unhandled gr interrupt bits")
	}

	d.hw.ClearIntr(pending)
	d.hw.SetFIFOAccess(true)

	d.report(isr, residual)

	if !isr.needReset && isr.bptEvents != 0 && isr.tsg != nil {
		d.postBptEvents(isr)
	}

	return nil
}

// resolveChannel finds the channel owning ctx through the lookup cache,
// scanning every channel on a miss.
func (d *Dispatcher) resolveChannel(ctx uint32) *channel.Ref {
	g := d.gpu

	e, ok := g.ChannelCache.LookupOrInsert(ctx,
		func(ctx uint32) (ctxcache.Entry, bool) {
			for _, ch := range g.Channels() {
				if gpu.CtxOf(ch) != ctx {
					continue
				}

				tsgID := gpu.InvalidID
				if tsg := ch.TSG(); tsg != nil {
					tsgID = tsg.ID
				}

				return ctxcache.Entry{ChID: ch.ID, TSGID: tsgID}, true
			}

			return ctxcache.Entry{}, false
		})
	if !ok {
		d.log.WithField("ctx", ctx).Debug("no channel owns gr context")
		return nil
	}

	ref := g.AcquireChannel(e.ChID)
	if ref == nil {
		g.ChannelCache.Flush()
		return nil
	}

	if gpu.CtxOf(ref.Channel()) != ctx {
		ref.Release()
		g.ChannelCache.Flush()

		return nil
	}

	return ref
}

func (d *Dispatcher) logger(isr *isrData) *logrus.Entry {
	l := d.log.WithField("ctx", isr.ctx)
	if isr.ch != nil {
		l = l.WithField("chid", isr.ch.ID)
	}

	return l
}

// setErrorNotifier reports code to the TSG of the interrupted channel.
func (d *Dispatcher) setErrorNotifier(
	isr *isrData,
	code channel.NotifierCode,
) {
	if isr.ch == nil {
		return
	}

	if isr.tsg == nil {
		d.logger(isr).WithField("code", code).
			Warn("gr error on channel not bound to a tsg")
		return
	}

	d.gpu.NotifyTSG(isr.tsg, code)
}

func (d *Dispatcher) recover(isr *isrData) {
	id, idType := gpu.InvalidID, gpu.IDTypeUnknown

	switch {
	case isr.tsg != nil:
		id, idType = isr.tsg.ID, gpu.IDTypeTSG
	case isr.ch != nil:
		id, idType = isr.ch.ID, gpu.IDTypeChannel
	default:
		d.logger(isr).Warn("gr reset requested by an unknown context")
	}

	d.gpu.Recovery.Recover(d.engMask, id, idType, gpu.RCTypeGRFault, nil)
}

func (d *Dispatcher) postBptEvents(isr *isrData) {
	if isr.bptEvents&hw.SMGlobalESRBptInt != 0 {
		d.gpu.PostEvent(isr.tsg, channel.EventBptInt)
	}

	if isr.bptEvents&hw.SMGlobalESRBptPause != 0 {
		d.gpu.PostEvent(isr.tsg, channel.EventBptPause)
	}
}

func (d *Dispatcher) report(isr *isrData, residual uint32) {
	detail := gpu.GRIntrDetail{
		Pending:   isr.pending,
		Ctx:       isr.ctx,
		ChID:      gpu.InvalidID,
		TSGID:     gpu.InvalidID,
		NeedReset: isr.needReset,
		Residual:  residual,
		BptEvents: isr.bptEvents,
	}

	if isr.ch != nil {
		detail.ChID = isr.ch.ID
	}

	if isr.tsg != nil {
		detail.TSGID = isr.tsg.ID
	}

	d.gpu.InvokeHook(sim.HookCtx{
		Domain: d.gpu,
		Pos:    gpu.HookPosGRIntr,
		Item:   isr.ch,
		Detail: detail,
	})
}
