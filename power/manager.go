// Package power tracks the references that keep the GPU powered and moves
// it in and out of rail gating.
package power

import (
	"fmt"
	"log"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/gpuerr"
)

// Manager implements gpu.Power.
type Manager struct {
	gpu *gpu.GPU
	log *logrus.Entry

	mu          sync.Mutex
	usage       int
	railgated   bool
	transitions int
}

// Busy takes a power reference, powering the GPU up if it is rail gated.
// It must not be called with the deterministic lock held.
func (m *Manager) Busy() error {
	if m.gpu.Dying() {
		return fmt.Errorf("power reference on a dying gpu: %w",
			gpuerr.ErrNotAllowed)
	}

	m.mu.Lock()
	m.usage++
	gated := m.railgated
	m.mu.Unlock()

	if gated {
		m.Unrailgate()
	}

	return nil
}

// Idle drops a power reference.
func (m *Manager) Idle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.usage == 0 {
		log.Panicf("power reference dropped below zero")
	}

	m.usage--
}

// Usage returns the number of outstanding power references.
func (m *Manager) Usage() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.usage
}

// Railgated tells if the GPU is powered down.
func (m *Manager) Railgated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.railgated
}

// Transitions returns the number of rail gate and ungate transitions.
func (m *Manager) Transitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transitions
}

// Railgate powers the GPU down. Deterministic channels give up their power
// reference and refuse submissions until the GPU is ungated.
func (m *Manager) Railgate() error {
	if !m.gpu.CanRailgate() {
		return fmt.Errorf("rail gating disabled: %w", gpuerr.ErrNotAllowed)
	}

	m.gpu.DeterministicBusy.Lock()
	defer m.gpu.DeterministicBusy.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.railgated {
		return nil
	}

	if m.usage > 0 {
		return fmt.Errorf("%d power references held: %w",
			m.usage, gpuerr.ErrTryAgain)
	}

	for _, ch := range m.gpu.Channels() {
		if ch.Deterministic {
			ch.SetRailgateAllowed(true)
		}
	}

	m.railgated = true
	m.transitions++
	m.log.Debug("rail gated")

	return nil
}

// Unrailgate powers the GPU up and lets deterministic channels submit
// again.
func (m *Manager) Unrailgate() {
	m.gpu.DeterministicBusy.Lock()
	defer m.gpu.DeterministicBusy.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.railgated {
		return
	}

	for _, ch := range m.gpu.Channels() {
		if ch.Deterministic {
			ch.SetRailgateAllowed(false)
		}
	}

	m.railgated = false
	m.transitions++
	m.log.Debug("rail ungated")
}
