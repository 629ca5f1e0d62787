package gpu

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/ctxcache"
	"github.com/sarchlab/nvgpusim/hw"
	"github.com/sarchlab/nvgpusim/syncpt"
)

// A Builder can build GPU contexts.
type Builder struct {
	config   Config
	logger   *logrus.Logger
	power    Power
	recovery Recoverer
	engines  EngineMapper
	events   EventPoster
	notifier ErrorNotifier
	doorbell Doorbell
	cleanup  CleanupScheduler
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		config: DefaultConfig(),
	}
}

// WithConfig sets the static parameters.
func (b Builder) WithConfig(c Config) Builder {
	b.config = c
	return b
}

// WithLogger sets the logger. The standard logrus logger is used if unset.
func (b Builder) WithLogger(l *logrus.Logger) Builder {
	b.logger = l
	return b
}

// WithPower sets the power collaborator.
func (b Builder) WithPower(p Power) Builder {
	b.power = p
	return b
}

// WithRecovery sets the recovery collaborator.
func (b Builder) WithRecovery(r Recoverer) Builder {
	b.recovery = r
	return b
}

// WithEngineMapper sets the MMU fault id mapper.
func (b Builder) WithEngineMapper(m EngineMapper) Builder {
	b.engines = m
	return b
}

// WithEventPoster sets the TSG event collaborator.
func (b Builder) WithEventPoster(p EventPoster) Builder {
	b.events = p
	return b
}

// WithErrorNotifier sets the error notifier collaborator.
func (b Builder) WithErrorNotifier(n ErrorNotifier) Builder {
	b.notifier = n
	return b
}

// WithDoorbell sets the consumer notified on publish.
func (b Builder) WithDoorbell(d Doorbell) Builder {
	b.doorbell = d
	return b
}

// WithCleanupScheduler sets who retires jobs of deferred-cleanup
// submissions.
func (b Builder) WithCleanupScheduler(s CleanupScheduler) Builder {
	b.cleanup = s
	return b
}

// Build creates the GPU.
func (b Builder) Build(name string) *GPU {
	g := &GPU{
		HookableBase: sim.NewHookableBase(),
		name:         name,
		Config:       b.config,
		channels:     make(map[uint32]*channel.Channel),
		tsgs:         make(map[uint32]*channel.TSG),
	}

	b.createLogger(g)
	b.createHardware(g)
	b.attachCollaborators(g)

	g.canRailgate.Store(b.config.CanRailgate)

	return g
}

func (b Builder) createLogger(g *GPU) {
	l := b.logger
	if l == nil {
		l = logrus.StandardLogger()
	}

	g.Log = l.WithField("gpu", g.name)
}

func (b Builder) createHardware(g *GPU) {
	g.Syncpoints = syncpt.NewSyncpoints(b.config.NumSyncpoints)
	g.FDs = syncpt.NewFDTable()
	g.GR = hw.NewGR(b.config.GR)
	g.FB = hw.NewFB(b.config.FaultBufferSize)
	g.MC = &hw.MC{GR: g.GR, FB: g.FB}
	g.ChannelCache = ctxcache.New(b.config.CtxCacheSize)
}

func (b Builder) attachCollaborators(g *GPU) {
	g.Power = b.power
	if g.Power == nil {
		g.Power = nopPower{}
	}

	g.Recovery = b.recovery
	if g.Recovery == nil {
		g.Recovery = logRecoverer{log: g.Log}
	}

	g.Engines = b.engines
	if g.Engines == nil {
		g.Engines = DefaultEngineMap
	}

	g.Events = b.events
	if g.Events == nil {
		g.Events = TSGEventPoster{}
	}

	g.Notifier = b.notifier
	if g.Notifier == nil {
		g.Notifier = ChannelErrorNotifier{}
	}

	g.Doorbell = b.doorbell
	if g.Doorbell == nil {
		g.Doorbell = nopDoorbell{}
	}

	g.Cleanup = b.cleanup
	if g.Cleanup == nil {
		g.Cleanup = InlineCleanup{}
	}
}
