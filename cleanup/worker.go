// Package cleanup retires completed jobs in the background and watches
// channels for lack of progress.
package cleanup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpu"
)

// Worker implements gpu.CleanupScheduler. Requests are coalesced and served
// by the goroutines started by Run, or synchronously by Flush.
type Worker struct {
	gpu      *gpu.GPU
	log      *logrus.Entry
	interval time.Duration
	engMask  uint32

	mu       sync.Mutex
	channels map[uint32]struct{}
	syncpts  map[uint32]struct{}
	wake     chan struct{}

	retired  atomic.Uint64
	timeouts atomic.Uint64
}

// Schedule asks for the completed jobs of ch to be retired.
func (w *Worker) Schedule(ch *channel.Channel) {
	w.mu.Lock()
	w.channels[ch.ID] = struct{}{}
	w.mu.Unlock()

	w.signal()
}

// syncptAdvanced is registered on the syncpoints. It runs wherever the
// increment happens, possibly with a channel sync lock held, so it only
// records the id.
func (w *Worker) syncptAdvanced(id uint32) {
	w.mu.Lock()
	w.syncpts[id] = struct{}{}
	w.mu.Unlock()

	w.signal()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run serves cleanup requests and polls the watchdogs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-w.wake:
				w.Flush()
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				w.CheckWatchdogs()
			}
		}
	})

	return g.Wait()
}

// Flush serves every pending request on the calling goroutine. Channels
// that retired a job are rescheduled, so Flush returns only once nothing
// more can be retired.
func (w *Worker) Flush() {
	for {
		w.mu.Lock()
		chIDs, spIDs := w.channels, w.syncpts
		w.channels = make(map[uint32]struct{})
		w.syncpts = make(map[uint32]struct{})
		w.mu.Unlock()

		if len(chIDs) == 0 && len(spIDs) == 0 {
			return
		}

		for id := range spIDs {
			for _, ch := range w.gpu.ChannelsOfSyncpt(id) {
				chIDs[ch.ID] = struct{}{}
			}
		}

		for id := range chIDs {
			w.cleanUp(id)
		}
	}
}

func (w *Worker) cleanUp(id uint32) {
	ref := w.gpu.AcquireChannel(id)
	if ref == nil {
		return
	}
	defer ref.Release()

	ch := ref.Channel()
	if n := ch.CleanUpJobs(false); n > 0 {
		w.retired.Add(uint64(n))
		w.Schedule(ch)
	}
}

// CheckWatchdogs recovers every channel whose watchdog fired.
func (w *Worker) CheckWatchdogs() {
	for _, ch := range w.gpu.Channels() {
		ring := ch.Ring()
		if ring == nil || ch.Watchdog == nil {
			continue
		}

		if !ch.Watchdog.Check(ring.HWGet()) {
			continue
		}

		w.timeouts.Add(1)
		w.idleTimeout(ch)
	}
}

func (w *Worker) idleTimeout(ch *channel.Channel) {
	w.log.WithField("chid", ch.ID).
		WithField("timeout", ch.Watchdog.Timeout()).
		Error("channel made no progress")

	if tsg := ch.TSG(); tsg != nil {
		w.gpu.NotifyTSG(tsg, channel.NotifierFIFOIdleTimeout)
		w.gpu.Recovery.Recover(w.engMask, tsg.ID, gpu.IDTypeTSG,
			gpu.RCTypeIdleTimeout, nil)

		return
	}

	w.gpu.Notifier.SetErrorNotifier(ch, channel.NotifierFIFOIdleTimeout)
	w.gpu.Recovery.Recover(w.engMask, ch.ID, gpu.IDTypeChannel,
		gpu.RCTypeIdleTimeout, nil)
}

// Retired returns the number of jobs retired by the worker.
func (w *Worker) Retired() uint64 {
	return w.retired.Load()
}

// Timeouts returns the number of watchdog timeouts.
func (w *Worker) Timeouts() uint64 {
	return w.timeouts.Load()
}
