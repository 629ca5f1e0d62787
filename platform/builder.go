package platform

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/nvgpusim/cleanup"
	"github.com/sarchlab/nvgpusim/config"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/gr"
	"github.com/sarchlab/nvgpusim/host"
	"github.com/sarchlab/nvgpusim/mc"
	"github.com/sarchlab/nvgpusim/mmufault"
	"github.com/sarchlab/nvgpusim/monitoring"
	"github.com/sarchlab/nvgpusim/power"
	"github.com/sarchlab/nvgpusim/recorder"
	"github.com/sarchlab/nvgpusim/recovery"
	"github.com/sarchlab/nvgpusim/submit"
)

// Builder can build platforms.
type Builder struct {
	cfg       config.Config
	logger    *logrus.Logger
	swMethods gr.SWMethodHandler
	monitorOn bool
	exitFlush bool
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		cfg:       config.Default(),
		exitFlush: true,
	}
}

// WithConfig sets the configuration.
func (b Builder) WithConfig(c config.Config) Builder {
	b.cfg = c
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *logrus.Logger) Builder {
	b.logger = l
	return b
}

// WithSWMethodHandler sets who emulates trapped methods.
func (b Builder) WithSWMethodHandler(h gr.SWMethodHandler) Builder {
	b.swMethods = h
	return b
}

// WithMonitoring creates a monitor. The server is started on the
// configured port.
func (b Builder) WithMonitoring() Builder {
	b.monitorOn = true
	return b
}

// WithoutExitFlush leaves the recording open when the program exits.
func (b Builder) WithoutExitFlush() Builder {
	b.exitFlush = false
	return b
}

// Build creates the platform.
func (b Builder) Build(name string) (*Platform, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		Engine: sim.NewSerialEngine(),
	}

	p.GPU = gpu.MakeBuilder().
		WithConfig(b.cfg.GPU).
		WithLogger(b.logger).
		Build(name)
	p.log = p.GPU.Log.WithField("unit", "platform")

	b.buildUnits(p, name)

	if err := b.buildRecorder(p); err != nil {
		return nil, err
	}

	if err := b.buildMonitor(p); err != nil {
		return nil, err
	}

	return p, nil
}

func (b Builder) buildUnits(p *Platform, name string) {
	g := p.GPU

	p.Recovery = recovery.MakeBuilder().WithGPU(g).Build(name + ".Recovery")
	p.Power = power.MakeBuilder().WithGPU(g).Build(name + ".Power")
	p.Cleanup = cleanup.MakeBuilder().
		WithGPU(g).
		WithWatchdogInterval(b.cfg.CleanupInterval).
		Build(name + ".Cleanup")
	p.Host = host.MakeBuilder().
		WithEngine(p.Engine).
		WithGPU(g).
		WithFreq(sim.Freq(b.cfg.HostFreqMHz) * sim.MHz).
		WithEntriesPerTick(b.cfg.EntriesPerTick).
		Build(name + ".Host")
	p.Submitter = submit.NewSubmitter(g)

	grb := gr.MakeBuilder().WithGPU(g)
	if b.swMethods != nil {
		grb = grb.WithSWMethodHandler(b.swMethods)
	}
	p.GR = grb.Build(name + ".GR")

	p.Faults = mmufault.MakeBuilder().WithGPU(g).Build(name + ".MMU")
	p.ISR = mc.MakeBuilder().
		WithController(g.MC).
		WithGRHandler(p.GR).
		WithFaultHandler(p.Faults).
		WithLogger(b.logger).
		Build(name + ".MC")
}

func (b Builder) buildRecorder(p *Platform) error {
	if !b.cfg.Record {
		return nil
	}

	rb := recorder.MakeBuilder().
		WithPath(b.cfg.RecordPath).
		AttachTo(p.GPU).
		AttachTo(p.Host)
	if !b.exitFlush {
		rb = rb.WithoutExitFlush()
	}

	r, w, err := rb.Build()
	if err != nil {
		return err
	}

	p.Recorder = r
	p.writer = w

	return nil
}

func (b Builder) buildMonitor(p *Platform) error {
	if !b.monitorOn {
		return nil
	}

	m := monitoring.NewMonitor(p.GPU).WithPortNumber(b.cfg.MonitorPort)
	m.RegisterEngine(p.Engine)
	m.RegisterTicker(p.Host)
	m.RegisterStats("host", func() any { return p.Host.Stats() })
	m.RegisterStats("cleanup", func() any {
		return map[string]uint64{
			"retired":  p.Cleanup.Retired(),
			"timeouts": p.Cleanup.Timeouts(),
		}
	})
	m.RegisterStats("recovery", func() any { return p.Recovery.Events() })
	m.RegisterStats("gr", func() any { return grCounts(p.GR) })
	m.RegisterStats("power", func() any {
		return map[string]any{
			"usage":     p.Power.Usage(),
			"railgated": p.Power.Railgated(),
		}
	})

	if _, err := m.StartServer(); err != nil {
		return err
	}

	p.Monitor = m

	return nil
}

func grCounts(d *gr.Dispatcher) map[string]uint64 {
	out := make(map[string]uint64)

	cats, _ := gr.Categories(^uint32(0))
	for _, c := range cats {
		if n := d.Handled(c); n != 0 {
			out[c.String()] = n
		}
	}

	return out
}
