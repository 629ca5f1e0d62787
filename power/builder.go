package power

import "github.com/sarchlab/nvgpusim/gpu"

// Builder can build power managers.
type Builder struct {
	gpu *gpu.GPU
}

// MakeBuilder creates a builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithGPU sets the device whose power is managed.
func (b Builder) WithGPU(g *gpu.GPU) Builder {
	b.gpu = g
	return b
}

// Build creates a manager and installs it as the power collaborator of the
// GPU.
func (b Builder) Build(name string) *Manager {
	if b.gpu == nil {
		panic("power manager requires a gpu")
	}

	m := &Manager{
		gpu: b.gpu,
		log: b.gpu.Log.WithField("unit", name),
	}
	b.gpu.Power = m

	return m
}
