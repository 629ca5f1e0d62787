package recovery

import "github.com/sarchlab/nvgpusim/gpu"

// Builder can build recovery managers.
type Builder struct {
	gpu *gpu.GPU
}

// MakeBuilder creates a builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithGPU sets the device to recover.
func (b Builder) WithGPU(g *gpu.GPU) Builder {
	b.gpu = g
	return b
}

// Build creates a manager and installs it as the recovery collaborator of
// the GPU.
func (b Builder) Build(name string) *Manager {
	if b.gpu == nil {
		panic("recovery manager requires a gpu")
	}

	m := &Manager{
		gpu:          b.gpu,
		log:          b.gpu.Log.WithField("unit", name),
		engineResets: make(map[uint32]int),
	}
	b.gpu.Recovery = m

	return m
}
