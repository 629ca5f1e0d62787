package mmufault

import (
	"fmt"
	"log"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/gpuerr"
	"github.com/sarchlab/nvgpusim/hw"
	"github.com/sarchlab/nvgpusim/vm"
)

// Action is what the handler did with one fault.
type Action string

// Actions.
const (
	ActionSpurious    Action = "spurious"
	ActionDuplicate   Action = "duplicate"
	ActionCEFixed     Action = "ce_fixed"
	ActionRecover     Action = "recover"
	ActionNackSkipped Action = "nack_skipped"
	ActionIgnored     Action = "ignored"
	ActionReplay      Action = "replay"
	ActionCancel      Action = "cancel"
)

// directive accumulates the replay request of one drain pass.
type directive struct {
	replay bool
	cancel bool
}

func (d directive) value() uint32 {
	switch {
	case d.cancel:
		return hw.ReplayCancelGlobal
	case d.replay:
		return hw.ReplayStartAckAll
	default:
		return hw.ReplayNone
	}
}

// Handler drains fault buffers. Each buffer is drained by one caller at a
// time.
type Handler struct {
	gpu *gpu.GPU
	fb  *hw.FB
	log *logrus.Entry

	bufLocks [hw.NumFaultBuffers]sync.Mutex
}

// HandleBuffer consumes every record of a fault buffer. Draining the replay
// buffer then issues at most one replay directive.
func (h *Handler) HandleBuffer(index int) {
	if index < 0 || index >= hw.NumFaultBuffers {
		log.Panicf("fault buffer index %d out of range", index)
	}

	h.bufLocks[index].Lock()
	defer h.bufLocks[index].Unlock()

	buf := h.fb.Buffers[index]
	stats := &h.gpu.FaultStats[index]

	var (
		d                  directive
		prevAddr, nextAddr uint64
	)

	for !buf.Empty() {
		get := buf.Get()
		rec := h.readRecord(buf, get)
		buf.SetGet(get + 1)
		stats.Entries.Add(1)

		chID := rec.ChID()

		if index == hw.ReplayFaultBuffer && rec.Valid && rec.Addr != 0 {
			prevAddr, nextAddr = nextAddr, rec.Addr
			if prevAddr == nextAddr {
				rec.releaseChannel()
				stats.Duplicates.Add(1)
				h.report(index, &rec, ActionDuplicate, chID)

				continue
			}
		}

		action := h.handleFault(index, &rec, &d)
		rec.releaseChannel()
		h.report(index, &rec, action, chID)
	}

	if index != hw.ReplayFaultBuffer {
		return
	}

	if v := d.value(); v != hw.ReplayNone {
		h.fb.IssueReplay(v)

		if d.cancel {
			stats.Cancels.Add(1)
		} else {
			stats.Replays.Add(1)
		}
	}
}

// readRecord decodes a slot, resolving its channel and engine. Reading
// invalidates the slot in hardware.
func (h *Handler) readRecord(buf *hw.FaultBuffer, slot uint32) Record {
	rec := Decode(buf.Read(slot))
	if !rec.Valid {
		return rec
	}

	rec.Ref = h.gpu.ChannelFromInst(rec.InstPtr)
	rec.Engine = h.gpu.Engines.MMUFaultIDToEngine(rec.MMUEngineID)

	return rec
}

func (h *Handler) handleFault(index int, rec *Record, d *directive) Action {
	stats := &h.gpu.FaultStats[index]

	if !rec.Valid {
		stats.Spurious.Add(1)
		return ActionSpurious
	}

	h.logger(rec).Debug("mmu fault")

	if h.gpu.Engines.IsCE(rec.MMUEngineID) && h.handleCE(rec) {
		*d = directive{}
		stats.Fixed.Add(1)

		return ActionCEFixed
	}

	if !rec.Replayable {
		return h.handleNonReplayable(index, rec)
	}

	if rec.Type == FaultTypePTE {
		err := h.FixPageFault(rec)
		if err == nil {
			d.replay = true
			stats.Fixed.Add(1)

			return ActionReplay
		}

		h.logger(rec).WithError(err).Info("pte fix failed, cancelling")
	}

	d.cancel = true

	return ActionCancel
}

// handleCE repairs a copy engine fault. The engine is un-faulted whatever
// the outcome, and true is returned only if the repair succeeded.
func (h *Handler) handleCE(rec *Record) bool {
	err := h.FixPageFault(rec)

	if ch := rec.Channel(); ch != nil {
		h.gpu.Recovery.ClearFaulted(ch, rec.Engine.Engine, rec.Engine.PBDMA)
	}

	if err != nil {
		h.logger(rec).WithError(err).Debug("ce fault not repaired")
		return false
	}

	return true
}

func (h *Handler) handleNonReplayable(index int, rec *Record) Action {
	var (
		id      = gpu.InvalidID
		idType  = gpu.IDTypeUnknown
		engMask uint32
		scoped  bool
	)

	ch := rec.Channel()

	switch {
	case rec.Type == FaultTypeUnboundInstBlock:
		scoped = true
	case ch != nil:
		if ch.MMUNackHandled {
			ch.MMUNackHandled = false
			return ActionNackSkipped
		}

		ch.MMUNackHandled = true
		scoped = true

		if tsg := ch.TSG(); tsg != nil {
			id, idType = tsg.ID, gpu.IDTypeTSG
		} else {
			h.logger(rec).Warn("faulting channel is not bound to a tsg")
			id, idType = ch.ID, gpu.IDTypeChannel
		}
	}

	if rec.Engine.Valid() {
		engMask |= 1 << rec.Engine.Engine
		scoped = true
	}

	fault := *rec
	fault.Ref = nil
	rec.releaseChannel()

	if !scoped {
		return ActionIgnored
	}

	h.gpu.FaultStats[index].Recoveries.Add(1)
	h.gpu.Recovery.Recover(engMask, id, idType, gpu.RCTypeMMUFault, fault)

	return ActionRecover
}

// FixPageFault makes the PTE of the faulting address valid and writable,
// then invalidates the TLB and checks that the update stuck.
func (h *Handler) FixPageFault(rec *Record) error {
	ch := rec.Channel()
	if ch == nil {
		return fmt.Errorf("fault at 0x%x has no channel: %w",
			rec.Addr, gpuerr.ErrInvalidArgument)
	}

	as := ch.AddressSpace()
	if as == nil {
		return fmt.Errorf("%s has no address space: %w",
			ch, gpuerr.ErrInvalidArgument)
	}

	pte, err := as.GetPTE(rec.Addr)
	if err != nil {
		return err
	}

	if pte.IsZero() {
		return fmt.Errorf("pte of 0x%x is all zero: %w",
			rec.Addr, gpuerr.ErrInvalidArgument)
	}

	if pte.Valid() {
		return fmt.Errorf("pte of 0x%x is already valid: %w",
			rec.Addr, gpuerr.ErrInvalidArgument)
	}

	pte[0] |= vm.PTEValid
	pte[0] &^= vm.PTEReadOnly

	if err := as.SetPTE(rec.Addr, pte); err != nil {
		return err
	}

	as.InvalidateTLB()

	pte, err = as.GetPTE(rec.Addr)
	if err != nil {
		return err
	}

	if !pte.Valid() {
		return fmt.Errorf("pte of 0x%x did not update: %w",
			rec.Addr, gpuerr.ErrInvalidArgument)
	}

	return nil
}

// HandleFaultStatus services buffer overflows and the other fault
// notifications.
func (h *Handler) HandleFaultStatus() {
	status := h.fb.FaultStatus()
	if status == 0 {
		return
	}

	l := h.log.WithField("status", status)

	if status&hw.FaultStatusNonReplayOverflow != 0 {
		l.Warn("non-replayable fault buffer overflow")
	}

	if status&hw.FaultStatusReplayOverflow != 0 {
		l.Warn("replayable fault buffer overflow")
	}

	if status&hw.FaultStatusNonReplayError != 0 {
		l.Error("non-replayable fault buffer get pointer corrupted")
		h.resetGet(hw.NonReplayFaultBuffer)
	}

	if status&hw.FaultStatusReplayError != 0 {
		l.Error("replayable fault buffer get pointer corrupted")
		h.resetGet(hw.ReplayFaultBuffer)
	}

	if status&hw.FaultStatusOther != 0 {
		l.Warn("other mmu fault")
	}

	h.fb.ClearFaultStatus(status)
}

func (h *Handler) resetGet(index int) {
	h.bufLocks[index].Lock()
	defer h.bufLocks[index].Unlock()

	buf := h.fb.Buffers[index]
	buf.SetGet(buf.Put())
}

func (h *Handler) logger(rec *Record) *logrus.Entry {
	return h.log.WithFields(logrus.Fields{
		"addr":       rec.Addr,
		"type":       rec.Type.String(),
		"access":     rec.Access.String(),
		"replayable": rec.Replayable,
		"mmu_eng":    rec.MMUEngineID,
		"chid":       int64(int32(rec.ChID())),
	})
}

func (h *Handler) report(index int, rec *Record, action Action, chID uint32) {
	h.gpu.InvokeHook(sim.HookCtx{
		Domain: h.gpu,
		Pos:    gpu.HookPosMMUFault,
		Item:   rec,
		Detail: gpu.FaultDetail{
			Buffer:     index,
			Addr:       rec.Addr,
			FaultType:  rec.Type.String(),
			Client:     fmt.Sprintf("%s/%d", rec.ClientType, rec.ClientID),
			Replayable: rec.Replayable,
			MMUEngine:  rec.MMUEngineID,
			ChID:       chID,
			Action:     string(action),
		},
	})
}
