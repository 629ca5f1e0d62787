package mmufault

import "github.com/sarchlab/nvgpusim/gpu"

// Builder can build fault handlers.
type Builder struct {
	gpu *gpu.GPU
}

// MakeBuilder creates a builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithGPU sets the device whose fault buffers are drained.
func (b Builder) WithGPU(g *gpu.GPU) Builder {
	b.gpu = g
	return b
}

// Build creates a handler.
func (b Builder) Build(name string) *Handler {
	if b.gpu == nil {
		panic("mmu fault handler requires a gpu")
	}

	return &Handler{
		gpu: b.gpu,
		fb:  b.gpu.FB,
		log: b.gpu.Log.WithField("unit", name),
	}
}
