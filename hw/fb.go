package hw

import "sync"

// Replay directives.
const (
	ReplayNone         uint32 = 0
	ReplayStartAckAll  uint32 = 1
	ReplayCancelGlobal uint32 = 2
)

// Fault status bits.
const (
	FaultStatusNonReplayOverflow uint32 = 1 << 0
	FaultStatusReplayOverflow    uint32 = 1 << 1
	FaultStatusNonReplayError    uint32 = 1 << 2
	FaultStatusReplayError       uint32 = 1 << 3
	FaultStatusOther             uint32 = 1 << 4
)

// FB is the frame buffer unit: the two fault buffers and the replay
// control register.
type FB struct {
	sync.Mutex

	Buffers [NumFaultBuffers]*FaultBuffer

	status         uint32
	replays        []uint32
	tlbInvalidates int
}

// NewFB creates an FB with two fault buffers of n records.
func NewFB(n int) *FB {
	return &FB{
		Buffers: [NumFaultBuffers]*FaultBuffer{
			NewFaultBuffer(n),
			NewFaultBuffer(n),
		},
	}
}

// IssueReplay writes the replay control register.
func (f *FB) IssueReplay(directive uint32) {
	f.Lock()
	defer f.Unlock()

	f.replays = append(f.replays, directive)
}

// Replays returns the directives written so far.
func (f *FB) Replays() []uint32 {
	f.Lock()
	defer f.Unlock()

	return append([]uint32(nil), f.replays...)
}

// InvalidateTLB flushes the MMU translation caches.
func (f *FB) InvalidateTLB() {
	f.Lock()
	defer f.Unlock()

	f.tlbInvalidates++
}

// TLBInvalidates returns how many times the TLB was flushed.
func (f *FB) TLBInvalidates() int {
	f.Lock()
	defer f.Unlock()

	return f.tlbInvalidates
}

// FaultStatus returns the fault status register, folding in buffer
// overflow flags.
func (f *FB) FaultStatus() uint32 {
	f.Lock()
	defer f.Unlock()

	s := f.status
	if f.Buffers[NonReplayFaultBuffer].Overflow() {
		s |= FaultStatusNonReplayOverflow
	}

	if f.Buffers[ReplayFaultBuffer].Overflow() {
		s |= FaultStatusReplayOverflow
	}

	return s
}

// RaiseFaultStatus latches fault status bits.
func (f *FB) RaiseFaultStatus(bits uint32) {
	f.Lock()
	defer f.Unlock()

	f.status |= bits
}

// ClearFaultStatus acknowledges fault status bits.
func (f *FB) ClearFaultStatus(bits uint32) {
	f.Lock()
	f.status &^= bits
	f.Unlock()

	if bits&FaultStatusNonReplayOverflow != 0 {
		f.Buffers[NonReplayFaultBuffer].ClearOverflow()
	}

	if bits&FaultStatusReplayOverflow != 0 {
		f.Buffers[ReplayFaultBuffer].ClearOverflow()
	}
}
