package cleanup

import (
	"time"

	"github.com/sarchlab/nvgpusim/gpu"
)

// Builder can build cleanup workers.
type Builder struct {
	gpu      *gpu.GPU
	interval time.Duration
	engMask  uint32
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		interval: 100 * time.Millisecond,
		engMask:  1,
	}
}

// WithGPU sets the device served by the worker.
func (b Builder) WithGPU(g *gpu.GPU) Builder {
	b.gpu = g
	return b
}

// WithWatchdogInterval sets how often watchdogs are polled.
func (b Builder) WithWatchdogInterval(d time.Duration) Builder {
	b.interval = d
	return b
}

// WithEngineMask sets the engines reset on an idle timeout.
func (b Builder) WithEngineMask(mask uint32) Builder {
	b.engMask = mask
	return b
}

// Build creates a worker, installs it as the cleanup scheduler of the GPU,
// and subscribes it to syncpoint increments.
func (b Builder) Build(name string) *Worker {
	if b.gpu == nil {
		panic("cleanup worker requires a gpu")
	}

	w := &Worker{
		gpu:      b.gpu,
		log:      b.gpu.Log.WithField("unit", name),
		interval: b.interval,
		engMask:  b.engMask,
		channels: make(map[uint32]struct{}),
		syncpts:  make(map[uint32]struct{}),
		wake:     make(chan struct{}, 1),
	}

	b.gpu.Cleanup = w
	b.gpu.Syncpoints.OnIncr(w.syncptAdvanced)

	return w
}
