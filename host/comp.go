// Package host models the pushbuffer DMA unit that consumes GPFIFO entries
// on the GPU side.
package host

import (
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/akita/v4/tracing"
	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpfifo"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/syncpt"
)

// Stats counts what the unit executed.
type Stats struct {
	Entries     uint64
	UserWords   uint64
	Waits       uint64
	Incrs       uint64
	WFIs        uint64
	StallTicks  uint64
	Dropped     uint64
	BlockedNow  int
	BusyTicks   uint64
	IdleWakeups uint64
}

// Comp consumes published entries of every channel, a bounded number per
// cycle. Commands in the channel command pool are decoded and executed.
// Other entries are user work and complete immediately.
//
// Doorbells and syncpoint wake-ups schedule ticks on the engine, so they
// must come from the engine goroutine or while the engine is not running.
type Comp struct {
	*sim.TickingComponent

	gpu            *gpu.GPU
	log            *logrus.Entry
	entriesPerTick int

	stats Stats
}

// Ring wakes the unit up after a channel published new entries.
func (c *Comp) Ring(ch *channel.Channel) {
	c.stats.IdleWakeups++
	c.TickLater()
}

func (c *Comp) syncptAdvanced(uint32) {
	c.TickLater()
}

// Stats returns the counters of the unit.
func (c *Comp) Stats() Stats {
	return c.stats
}

// Tick consumes entries round robin across channels.
func (c *Comp) Tick() bool {
	budget := c.entriesPerTick
	progress := false
	blocked := 0

	for _, ch := range c.gpu.Channels() {
		if budget == 0 {
			break
		}

		n, stalled := c.consumeChannel(ch, budget)
		budget -= n

		if n > 0 {
			progress = true
		}

		if stalled {
			blocked++
		}
	}

	c.stats.BlockedNow = blocked

	if progress {
		c.stats.BusyTicks++
	} else if blocked > 0 {
		c.stats.StallTicks++
	}

	return progress
}

// consumeChannel executes up to budget entries of ch. It reports how many
// it consumed and whether it stopped on an unexpired wait.
func (c *Comp) consumeChannel(ch *channel.Channel, budget int) (int, bool) {
	ring := ch.Ring()
	if ring == nil {
		return 0, false
	}

	n := 0
	for n < budget && ring.Pending() > 0 {
		e := ring.At(ring.HWGet())

		if ch.Unserviceable() {
			c.stats.Dropped++
		} else if !c.execute(ch, e) {
			return n, true
		}

		ring.Consume()
		c.stats.Entries++
		n++
	}

	return n, false
}

// execute runs one entry. It returns false, with no side effect, if the
// entry waits on a syncpoint that has not expired.
func (c *Comp) execute(ch *channel.Channel, e gpfifo.Entry) bool {
	pool := ch.Pool()
	if pool == nil || !pool.Contains(e.GPUVA()) {
		c.stats.UserWords += uint64(e.Words())
		return true
	}

	cmds := syncpt.Decode(pool.Read(e.GPUVA(), e.Words()))
	sp := c.gpu.Syncpoints

	for _, cmd := range cmds {
		if cmd.Op == syncpt.OpSyncptWait && !sp.IsExpired(cmd.ID, cmd.Value) {
			return false
		}
	}

	taskID := xid.New().String()
	tracing.StartTask(taskID, "", c, "pbdma", "entry", e)
	defer tracing.EndTask(taskID, c)

	for _, cmd := range cmds {
		switch cmd.Op {
		case syncpt.OpSyncptWait:
			c.stats.Waits++
		case syncpt.OpSyncptIncr:
			c.stats.Incrs++
			sp.Incr(cmd.ID)
		case syncpt.OpWFI:
			c.stats.WFIs++
		case syncpt.OpNop:
		default:
			c.log.WithField("chid", ch.ID).
				WithField("op", cmd.Op).
				Warn("unknown host command")
		}
	}

	return true
}
