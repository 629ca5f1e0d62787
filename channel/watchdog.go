package channel

import (
	"sync"
	"time"
)

// A Watchdog detects a channel that stops making progress. It is armed on
// submission and fires when the hardware get pointer has not moved for the
// whole timeout.
type Watchdog struct {
	sync.Mutex

	enabled bool
	timeout time.Duration
	now     func() time.Time

	running bool
	start   time.Time
	lastGet uint32
}

// NewWatchdog creates a disabled watchdog.
func NewWatchdog(timeout time.Duration, now func() time.Time) *Watchdog {
	if now == nil {
		now = time.Now
	}

	return &Watchdog{timeout: timeout, now: now}
}

// SetEnabled turns the watchdog on or off.
func (w *Watchdog) SetEnabled(enabled bool) {
	w.Lock()
	defer w.Unlock()

	w.enabled = enabled
	if !enabled {
		w.running = false
	}
}

// Enabled tells if the watchdog is on.
func (w *Watchdog) Enabled() bool {
	w.Lock()
	defer w.Unlock()

	return w.enabled
}

// Timeout returns the configured timeout.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Start arms the watchdog if it is not running yet.
func (w *Watchdog) Start(get uint32) {
	w.Lock()
	defer w.Unlock()

	if !w.enabled || w.running {
		return
	}

	w.running = true
	w.start = w.now()
	w.lastGet = get
}

// Stop disarms the watchdog.
func (w *Watchdog) Stop() {
	w.Lock()
	defer w.Unlock()

	w.running = false
}

// Running tells if the watchdog is armed.
func (w *Watchdog) Running() bool {
	w.Lock()
	defer w.Unlock()

	return w.running
}

// Check reports whether the watchdog fired. Progress of get rewinds the
// timer. A watchdog that fires disarms itself.
func (w *Watchdog) Check(get uint32) bool {
	w.Lock()
	defer w.Unlock()

	if !w.running {
		return false
	}

	now := w.now()
	if get != w.lastGet {
		w.lastGet = get
		w.start = now

		return false
	}

	if now.Sub(w.start) < w.timeout {
		return false
	}

	w.running = false

	return true
}
