package host

import (
	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/nvgpusim/gpu"
)

// Builder can build pushbuffer units.
type Builder struct {
	engine         sim.Engine
	freq           sim.Freq
	gpu            *gpu.GPU
	entriesPerTick int
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		freq:           1 * sim.GHz,
		entriesPerTick: 4,
	}
}

// WithEngine sets the engine.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the frequency.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithGPU sets the device whose channels are consumed.
func (b Builder) WithGPU(g *gpu.GPU) Builder {
	b.gpu = g
	return b
}

// WithEntriesPerTick sets how many entries are consumed per cycle.
func (b Builder) WithEntriesPerTick(n int) Builder {
	b.entriesPerTick = n
	return b
}

// Build creates a unit and installs it as the doorbell of the GPU.
func (b Builder) Build(name string) *Comp {
	if b.engine == nil || b.gpu == nil {
		panic("host unit requires an engine and a gpu")
	}

	c := &Comp{
		gpu:            b.gpu,
		log:            b.gpu.Log.WithField("unit", name),
		entriesPerTick: b.entriesPerTick,
	}
	c.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, c)

	b.gpu.Doorbell = c
	b.gpu.Syncpoints.OnIncr(c.syncptAdvanced)

	return c
}
