// Package syncpt provides syncpoint counters, the fences built on them, and
// the per-channel sync object that emits wait and increment commands.
package syncpt

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/nvgpusim/gpuerr"
)

// InvalidID marks the absence of a syncpoint.
const InvalidID = ^uint32(0)

// Syncpoints is the table of hardware syncpoint counters. The value is what
// the engine has reached; max is the last threshold handed out.
type Syncpoints struct {
	mu        sync.Mutex
	values    []atomic.Uint32
	max       []atomic.Uint32
	names     []string
	allocated []bool

	listenerMu sync.RWMutex
	listeners  []func(id uint32)
}

// NewSyncpoints creates n syncpoints. Syncpoint 0 is reserved.
func NewSyncpoints(n int) *Syncpoints {
	s := &Syncpoints{
		values:    make([]atomic.Uint32, n),
		max:       make([]atomic.Uint32, n),
		names:     make([]string, n),
		allocated: make([]bool, n),
	}

	if n > 0 {
		s.allocated[0] = true
		s.names[0] = "reserved"
	}

	return s
}

// Len returns the number of syncpoints.
func (s *Syncpoints) Len() int {
	return len(s.values)
}

// Alloc reserves a free syncpoint.
func (s *Syncpoints) Alloc(name string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.allocated {
		if !s.allocated[id] {
			s.allocated[id] = true
			s.names[id] = name

			return uint32(id), nil
		}
	}

	return InvalidID, fmt.Errorf("no free syncpoint for %s: %w",
		name, gpuerr.ErrOutOfMemory)
}

// Free releases a syncpoint. Its counter keeps its value so that fences on
// it stay expired.
func (s *Syncpoints) Free(id uint32) {
	s.mustBeValid(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.allocated[id] = false
	s.names[id] = ""
}

// Name returns the owner name of a syncpoint.
func (s *Syncpoints) Name(id uint32) string {
	s.mustBeValid(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.names[id]
}

// Valid tells if id names a syncpoint of the table.
func (s *Syncpoints) Valid(id uint32) bool {
	return int(id) < len(s.values)
}

func (s *Syncpoints) mustBeValid(id uint32) {
	if !s.Valid(id) {
		log.Panicf("syncpoint %d out of range", id)
	}
}

// Read returns the current value of a syncpoint.
func (s *Syncpoints) Read(id uint32) uint32 {
	s.mustBeValid(id)
	return s.values[id].Load()
}

// Max returns the last reserved threshold of a syncpoint.
func (s *Syncpoints) Max(id uint32) uint32 {
	s.mustBeValid(id)
	return s.max[id].Load()
}

// IncrMax reserves n more increments and returns the new threshold.
func (s *Syncpoints) IncrMax(id uint32, n uint32) uint32 {
	s.mustBeValid(id)
	return s.max[id].Add(n)
}

// DecrMax gives back n reserved increments that will never execute.
func (s *Syncpoints) DecrMax(id uint32, n uint32) {
	s.mustBeValid(id)
	s.max[id].Add(^(n - 1))
}

// Incr performs one increment, as the engine does when it executes an
// increment command, and notifies the listeners.
func (s *Syncpoints) Incr(id uint32) uint32 {
	s.mustBeValid(id)
	v := s.values[id].Add(1)

	s.notify(id)

	return v
}

// SetMinEqMax forces the value to the max so that every fence on the
// syncpoint expires. It is used when a channel is aborted.
func (s *Syncpoints) SetMinEqMax(id uint32) {
	s.mustBeValid(id)
	s.values[id].Store(s.max[id].Load())

	s.notify(id)
}

// IsExpired tells if the syncpoint has reached thresh. The comparison
// tolerates counter wrap.
func (s *Syncpoints) IsExpired(id, thresh uint32) bool {
	s.mustBeValid(id)
	return int32(s.values[id].Load()-thresh) >= 0
}

// OnIncr registers a function that runs after every increment.
func (s *Syncpoints) OnIncr(f func(id uint32)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	s.listeners = append(s.listeners, f)
}

func (s *Syncpoints) notify(id uint32) {
	s.listenerMu.RLock()
	listeners := s.listeners
	s.listenerMu.RUnlock()

	for _, f := range listeners {
		f(id)
	}
}
