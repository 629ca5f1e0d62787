// Package gpu holds the GPU-wide state shared by submission, interrupt and
// fault handling: the channel and TSG tables, the collaborators, and the
// simulated hardware blocks.
package gpu

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/ctxcache"
	"github.com/sarchlab/nvgpusim/gpfifo"
	"github.com/sarchlab/nvgpusim/gpuerr"
	"github.com/sarchlab/nvgpusim/hw"
	"github.com/sarchlab/nvgpusim/privcmd"
	"github.com/sarchlab/nvgpusim/syncpt"
	"github.com/sarchlab/nvgpusim/vm"
)

const (
	instBlockBase  uint64 = 0x1_0000_0000
	instBlockShift        = 12
	poolVABase     uint64 = 0x2_0000_0000
	poolVAStride   uint64 = 0x10_0000
)

// FaultCounters counts what the fault handler did with one buffer.
type FaultCounters struct {
	Entries    atomic.Uint64
	Spurious   atomic.Uint64
	Duplicates atomic.Uint64
	Fixed      atomic.Uint64
	Recoveries atomic.Uint64
	Replays    atomic.Uint64
	Cancels    atomic.Uint64
}

// GPU is the explicit context passed to every core operation.
type GPU struct {
	*sim.HookableBase

	name   string
	Config Config
	Log    *logrus.Entry

	mu       sync.RWMutex
	channels map[uint32]*channel.Channel
	tsgs     map[uint32]*channel.TSG
	nextTSG  uint32

	dying       atomic.Bool
	canRailgate atomic.Bool
	vprResizing atomic.Bool

	// DeterministicBusy is held for reading by deterministic submissions
	// and for writing by power state changes.
	DeterministicBusy sync.RWMutex

	Syncpoints   *syncpt.Syncpoints
	FDs          *syncpt.FDTable
	GR           *hw.GR
	FB           *hw.FB
	MC           *hw.MC
	ChannelCache *ctxcache.Cache

	Power    Power
	Recovery Recoverer
	Engines  EngineMapper
	Events   EventPoster
	Notifier ErrorNotifier
	Doorbell Doorbell
	Cleanup  CleanupScheduler

	FaultStats [hw.NumFaultBuffers]FaultCounters
}

// Name returns the name of the GPU.
func (g *GPU) Name() string {
	return g.name
}

// SetDying marks the driver as tearing down.
func (g *GPU) SetDying() {
	g.dying.Store(true)
}

// Dying tells if the driver is tearing down.
func (g *GPU) Dying() bool {
	return g.dying.Load()
}

// SetCanRailgate turns rail gating on or off.
func (g *GPU) SetCanRailgate(v bool) {
	g.canRailgate.Store(v)
}

// CanRailgate tells if the GPU may be rail gated while idle.
func (g *GPU) CanRailgate() bool {
	return g.canRailgate.Load()
}

// SetVPRResizing flags an ongoing resize of the video protected region.
func (g *GPU) SetVPRResizing(v bool) {
	g.vprResizing.Store(v)
}

// VPRResizing tells if the video protected region may be resized.
func (g *GPU) VPRResizing() bool {
	return g.vprResizing.Load()
}

// ChannelOptions configure a channel at open time.
type ChannelOptions struct {
	Deterministic  bool
	UsermodeSubmit bool
}

// OpenChannel creates a channel with the lowest free id.
func (g *GPU) OpenChannel(opts ChannelOptions) (*channel.Channel, error) {
	if g.Dying() {
		return nil, fmt.Errorf("open channel: %w", gpuerr.ErrNotAllowed)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id := uint32(0)
	for ; int(id) < g.Config.NumChannels; id++ {
		if _, used := g.channels[id]; !used {
			break
		}
	}

	if int(id) == g.Config.NumChannels {
		return nil, fmt.Errorf("all %d channels open: %w",
			g.Config.NumChannels, gpuerr.ErrOutOfMemory)
	}

	ch := channel.New(id, instBlockBase+uint64(id)<<instBlockShift,
		g.newSync)
	ch.Deterministic = opts.Deterministic
	ch.UsermodeSubmit = opts.UsermodeSubmit
	ch.AggressiveSyncDestroy = g.Config.AggressiveSyncDestroy
	ch.Watchdog = channel.NewWatchdog(g.Config.WatchdogTimeout, nil)
	ch.Watchdog.SetEnabled(g.Config.WatchdogEnabled && !opts.Deterministic)
	ch.Jobs.OnRetire(func(job *channel.Job) { g.retireJob(ch, job) })

	g.channels[id] = ch
	g.Log.WithField("chid", id).Debug("channel opened")

	return ch, nil
}

func (g *GPU) newSync(ch *channel.Channel) (channel.Sync, error) {
	pool := ch.Pool()
	if pool == nil {
		return nil, fmt.Errorf("%s has no command pool: %w",
			ch, gpuerr.ErrNotAllowed)
	}

	return syncpt.NewChannelSync(g.Syncpoints, g.FDs, pool,
		fmt.Sprintf("%s_%s", g.name, ch))
}

func (g *GPU) retireJob(ch *channel.Channel, job *channel.Job) {
	g.InvokeHook(sim.HookCtx{
		Domain: g,
		Pos:    HookPosJobRetired,
		Item:   ch,
		Detail: job.ID,
	})

	if job.HoldsPowerRef {
		g.Power.Idle()
	}
}

// SetupRing allocates the ring and the command pool of a channel. With
// preallocJobs greater than zero the job list runs preallocated.
func (g *GPU) SetupRing(
	ch *channel.Channel,
	entries uint32,
	preallocJobs int,
) error {
	ring, err := gpfifo.NewRing(entries)
	if err != nil {
		return err
	}

	pool := privcmd.NewPool(poolVABase+uint64(ch.ID)*poolVAStride,
		g.Config.PoolWords)

	if preallocJobs > 0 {
		if err := ch.Jobs.Preallocate(preallocJobs); err != nil {
			return err
		}
	}

	return ch.SetupRing(ring, pool)
}

// BindAddressSpace binds ch to as. Invalidating the TLB of as flushes the
// MMU caches.
func (g *GPU) BindAddressSpace(ch *channel.Channel, as *vm.AddressSpace) error {
	if err := ch.BindAddressSpace(as); err != nil {
		return err
	}

	as.OnInvalidate(func(*vm.AddressSpace) { g.FB.InvalidateTLB() })

	return nil
}

// OpenTSG creates an empty TSG.
func (g *GPU) OpenTSG() *channel.TSG {
	g.mu.Lock()
	defer g.mu.Unlock()

	tsg := channel.NewTSG(g.nextTSG)
	g.tsgs[tsg.ID] = tsg
	g.nextTSG++

	return tsg
}

// TSG returns a TSG by id, or nil.
func (g *GPU) TSG(id uint32) *channel.TSG {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.tsgs[id]
}

// BindChannelToTSG adds ch to tsg.
func (g *GPU) BindChannelToTSG(tsg *channel.TSG, ch *channel.Channel) error {
	if cur := ch.TSG(); cur != nil {
		return fmt.Errorf("%s already in tsg %d: %w",
			ch, cur.ID, gpuerr.ErrNotAllowed)
	}

	tsg.Bind(ch)

	return nil
}

// CloseChannel tears a channel down. The channel is marked unserviceable
// before anything else so that racing submissions fail.
func (g *GPU) CloseChannel(ch *channel.Channel) {
	ch.SetUnserviceable()
	ch.Close()
	ch.Abort()
	ch.DestroySync()

	if tsg := ch.TSG(); tsg != nil {
		tsg.Unbind(ch)
	}

	g.ChannelCache.Flush()

	g.mu.Lock()
	delete(g.channels, ch.ID)
	g.mu.Unlock()

	if refs := ch.Refs(); refs != 0 {
		g.Log.WithFields(logrus.Fields{
			"chid": ch.ID,
			"refs": refs,
		}).Warn("channel closed with references held")
	}
}

// Channel returns a channel by id, or nil.
func (g *GPU) Channel(id uint32) *channel.Channel {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.channels[id]
}

// Channels returns the open channels ordered by id.
func (g *GPU) Channels() []*channel.Channel {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*channel.Channel, 0, len(g.channels))
	for _, ch := range g.channels {
		out = append(out, ch)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// AcquireChannel takes a reference on a channel by id.
func (g *GPU) AcquireChannel(id uint32) *channel.Ref {
	ch := g.Channel(id)
	if ch == nil {
		return nil
	}

	return ch.Acquire()
}

// ChannelFromInst looks a channel up by instance block address.
func (g *GPU) ChannelFromInst(inst uint64) *channel.Ref {
	for _, ch := range g.Channels() {
		if ch.InstPtr == inst {
			return ch.Acquire()
		}
	}

	return nil
}

// CtxOf returns the GR context register value of a channel.
func CtxOf(ch *channel.Channel) uint32 {
	return uint32(ch.InstPtr >> instBlockShift)
}

// ChannelsOfSyncpt returns the channels whose sync uses syncpoint id.
func (g *GPU) ChannelsOfSyncpt(id uint32) []*channel.Channel {
	var out []*channel.Channel

	for _, ch := range g.Channels() {
		if s := ch.Sync(); s != nil && s.SyncptID() == id {
			out = append(out, ch)
		}
	}

	return out
}

// NotifyTSG writes code to the notifier of every channel in tsg.
func (g *GPU) NotifyTSG(tsg *channel.TSG, code channel.NotifierCode) {
	for _, ch := range tsg.Channels() {
		g.Notifier.SetErrorNotifier(ch, code)
	}
}

// PostEvent posts ev on tsg through the event collaborator.
func (g *GPU) PostEvent(tsg *channel.TSG, ev channel.EventID) {
	g.Events.PostEvent(tsg, ev)

	g.InvokeHook(sim.HookCtx{
		Domain: g,
		Pos:    HookPosTSGEvent,
		Item:   tsg,
		Detail: EventDetail{TSGID: tsg.ID, Event: ev.String()},
	})
}

type logRecoverer struct {
	log *logrus.Entry
}

func (r logRecoverer) Recover(
	engMask uint32,
	id uint32,
	idType IDType,
	rcType RCType,
	_ any,
) {
	r.log.WithFields(logrus.Fields{
		"eng_mask": engMask,
		"id":       id,
		"id_type":  idType,
		"rc_type":  rcType,
	}).Warn("recovery requested with no recovery handler")
}

func (r logRecoverer) ClearFaulted(*channel.Channel, uint32, uint32) {}
