package hw

// Top-level stall interrupt units.
const (
	MCUnitGR            uint32 = 1 << 12
	MCUnitFBNonReplay   uint32 = 1 << 26
	MCUnitFBReplay      uint32 = 1 << 27
	MCUnitFBFaultStatus uint32 = 1 << 28
)

// MC is the top-level interrupt controller. Its pending mask is derived
// from the state of the units.
type MC struct {
	GR *GR
	FB *FB
}

// PendingStall returns the units with a pending stall interrupt.
func (m *MC) PendingStall() uint32 {
	pending := uint32(0)

	if m.GR != nil && m.GR.PendingIntr() != 0 {
		pending |= MCUnitGR
	}

	if m.FB != nil {
		if !m.FB.Buffers[NonReplayFaultBuffer].Empty() {
			pending |= MCUnitFBNonReplay
		}

		if !m.FB.Buffers[ReplayFaultBuffer].Empty() {
			pending |= MCUnitFBReplay
		}

		if m.FB.FaultStatus() != 0 {
			pending |= MCUnitFBFaultStatus
		}
	}

	return pending
}
