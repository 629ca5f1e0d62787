// Package mc is the top-level stall interrupt entry. It reads which units
// have an interrupt pending and routes each to its handler.
package mc

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/nvgpusim/hw"
)

// GRHandler services graphics engine interrupts.
type GRHandler interface {
	HandleStallInterrupt() error
}

// FaultHandler services the MMU fault buffers.
type FaultHandler interface {
	HandleBuffer(index int)
	HandleFaultStatus()
}

// PendingReader reports the pending unit mask.
type PendingReader interface {
	PendingStall() uint32
}

// ISR is the stall interrupt service routine.
type ISR struct {
	mc     PendingReader
	gr     GRHandler
	faults FaultHandler
	log    *logrus.Entry

	serviced uint64
}

// HandleStall services every unit that is pending when it is called. It
// returns the units it found pending.
func (isr *ISR) HandleStall() (uint32, error) {
	pending := isr.mc.PendingStall()
	if pending == 0 {
		return 0, nil
	}

	isr.serviced++
	isr.log.WithField("pending", fmt.Sprintf("0x%08x", pending)).
		Trace("stall interrupt")

	if pending&hw.MCUnitFBFaultStatus != 0 {
		isr.faults.HandleFaultStatus()
	}

	if pending&hw.MCUnitFBNonReplay != 0 {
		isr.faults.HandleBuffer(hw.NonReplayFaultBuffer)
	}

	if pending&hw.MCUnitFBReplay != 0 {
		isr.faults.HandleBuffer(hw.ReplayFaultBuffer)
	}

	if pending&hw.MCUnitGR != 0 {
		if err := isr.gr.HandleStallInterrupt(); err != nil {
			return pending, fmt.Errorf("gr stall interrupt: %w", err)
		}
	}

	if other := pending &^ (hw.MCUnitGR | hw.MCUnitFBNonReplay |
		hw.MCUnitFBReplay | hw.MCUnitFBFaultStatus); other != 0 {
		isr.log.WithField("units", other).Warn("unhandled stall units")
	}

	return pending, nil
}

// Serviced returns how many non-empty interrupts were handled.
func (isr *ISR) Serviced() uint64 {
	return isr.serviced
}
