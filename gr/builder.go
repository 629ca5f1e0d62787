package gr

import (
	"github.com/sarchlab/nvgpusim/gpu"
)

// Builder can build GR interrupt dispatchers.
type Builder struct {
	gpu       *gpu.GPU
	hw        Hardware
	swMethods SWMethodHandler
	engMask   uint32
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		engMask: 1,
	}
}

// WithGPU sets the device the dispatcher serves.
func (b Builder) WithGPU(g *gpu.GPU) Builder {
	b.gpu = g
	return b
}

// WithHardware overrides the register block. It defaults to the GR of the
// device.
func (b Builder) WithHardware(h Hardware) Builder {
	b.hw = h
	return b
}

// WithSWMethodHandler sets the handler of trapped methods.
func (b Builder) WithSWMethodHandler(h SWMethodHandler) Builder {
	b.swMethods = h
	return b
}

// WithEngineMask sets the engine mask passed to recovery.
func (b Builder) WithEngineMask(mask uint32) Builder {
	b.engMask = mask
	return b
}

// Build creates a dispatcher.
func (b Builder) Build(name string) *Dispatcher {
	if b.gpu == nil {
		panic("gr dispatcher requires a gpu")
	}

	h := b.hw
	if h == nil {
		h = b.gpu.GR
	}

	return &Dispatcher{
		gpu:       b.gpu,
		hw:        h,
		swMethods: b.swMethods,
		engMask:   b.engMask,
		log:       b.gpu.Log.WithField("unit", name),
	}
}
