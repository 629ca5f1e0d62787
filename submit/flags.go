package submit

import (
	"strings"
	"time"
)

// Flags modify a submission.
type Flags uint32

// Submission flags.
const (
	// FlagFenceWait makes the GPU wait for the input fence first.
	FlagFenceWait Flags = 1 << iota
	// FlagFenceGet returns a fence that expires when the work is done.
	FlagFenceGet
	// FlagHWFormat says the user entries are in the hardware format.
	FlagHWFormat
	// FlagSyncFence says fences travel as sync file descriptors.
	FlagSyncFence
	// FlagSuppressWFI drops the wait-for-idle before the increment.
	FlagSuppressWFI
	// FlagSkipBufferRefcounting skips taking references on the mapped
	// buffers.
	FlagSkipBufferRefcounting
)

var flagNames = []string{
	"fence_wait",
	"fence_get",
	"hw_format",
	"sync_fence",
	"suppress_wfi",
	"skip_buffer_refcounting",
}

func (f Flags) String() string {
	var names []string
	for i, n := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, n)
		}
	}

	if len(names) == 0 {
		return "none"
	}

	return strings.Join(names, "|")
}

// Fence is the caller's fence argument. With FlagSyncFence the ID is a
// sync file descriptor and Value is ignored.
type Fence struct {
	ID    uint32
	Value uint32
}

// ProfileEvent indexes the timestamps of a Profile.
type ProfileEvent int

// Profiled points of a submission.
const (
	ProfileEntry ProfileEvent = iota
	ProfileJobTracking
	ProfileAppend
	ProfileEnd
	numProfileEvents
)

// Profile records when a submission went through its main steps.
type Profile struct {
	Timestamps [numProfileEvents]time.Time
}

func (p *Profile) record(ev ProfileEvent, now time.Time) {
	if p == nil {
		return
	}

	p.Timestamps[ev] = now
}

// Elapsed returns the time from entry to end.
func (p *Profile) Elapsed() time.Duration {
	return p.Timestamps[ProfileEnd].Sub(p.Timestamps[ProfileEntry])
}
