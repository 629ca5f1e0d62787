// Package workload drives a platform with synthetic submissions.
package workload

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpfifo"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/gpuerr"
	"github.com/sarchlab/nvgpusim/monitoring"
	"github.com/sarchlab/nvgpusim/platform"
	"github.com/sarchlab/nvgpusim/submit"
	"github.com/sarchlab/nvgpusim/syncpt"
	"github.com/sarchlab/nvgpusim/vm"
)

const userVABase uint64 = 0x1000_0000

// Spec describes the synthetic traffic.
type Spec struct {
	Channels         int
	Submissions      int
	EntriesPerSubmit uint32
	WordsPerEntry    uint32
	RingEntries      uint32
	PreallocJobs     int
	Deterministic    bool
	SharedTSG        bool
	SuppressWFI      bool

	// MaxRetries bounds how often a submission that found the ring or the
	// job list full is retried.
	MaxRetries    uint64
	RetryInterval time.Duration
}

// DefaultSpec returns a small mixed workload.
func DefaultSpec() Spec {
	return Spec{
		Channels:         4,
		Submissions:      256,
		EntriesPerSubmit: 2,
		WordsPerEntry:    64,
		RingEntries:      32,
		MaxRetries:       16,
		RetryInterval:    time.Millisecond,
	}
}

// Result is what a run measured.
type Result struct {
	Submitted int
	Retries   int
	Failed    int
	Completed int

	// Latency is the simulated time from submission to fence expiry, in
	// seconds.
	Latency Summary
	// Occupancy is the number of pending ring entries seen right after
	// each submission.
	Occupancy Summary
}

type inflight struct {
	fence *syncpt.Fence
	start sim.VTimeInSec
}

// Runner submits a Spec on a platform.
type Runner struct {
	p        *platform.Platform
	spec     Spec
	log      *logrus.Entry
	progress *monitoring.ProgressBar

	mu        sync.Mutex
	pending   map[uint32][]inflight
	latencies []float64
	occupancy []float64
	completed int
}

// NewRunner creates a runner. It listens to syncpoint increments of the
// platform to time completions.
func NewRunner(p *platform.Platform, spec Spec) *Runner {
	r := &Runner{
		p:       p,
		spec:    spec,
		log:     p.GPU.Log.WithField("unit", "workload"),
		pending: make(map[uint32][]inflight),
	}

	p.GPU.Syncpoints.OnIncr(r.syncptAdvanced)

	if p.Monitor != nil {
		r.progress = p.Monitor.CreateProgressBar("submissions",
			uint64(spec.Submissions))
	}

	return r
}

// Setup opens the channels of the workload.
func (r *Runner) Setup() ([]*channel.Channel, error) {
	g := r.p.GPU

	var tsg *channel.TSG
	if r.spec.SharedTSG {
		tsg = g.OpenTSG()
	}

	chs := make([]*channel.Channel, 0, r.spec.Channels)
	for i := 0; i < r.spec.Channels; i++ {
		ch, err := g.OpenChannel(gpu.ChannelOptions{
			Deterministic: r.spec.Deterministic,
		})
		if err != nil {
			return nil, err
		}

		if err := g.SetupRing(ch, r.spec.RingEntries,
			r.spec.PreallocJobs); err != nil {
			return nil, err
		}

		as := vm.NewAddressSpace(ch.ID, g.Config.Log2PageSize)
		if err := g.BindAddressSpace(ch, as); err != nil {
			return nil, err
		}

		if tsg != nil {
			if err := g.BindChannelToTSG(tsg, ch); err != nil {
				return nil, err
			}
		}

		chs = append(chs, ch)
	}

	return chs, nil
}

// Run submits the whole workload round robin over chs, then runs the
// engine until everything completes.
func (r *Runner) Run(chs []*channel.Channel) (Result, error) {
	if len(chs) == 0 {
		return Result{}, errors.New("workload has no channel")
	}

	res := Result{}

	for i := 0; i < r.spec.Submissions; i++ {
		ch := chs[i%len(chs)]

		retries, err := r.submitWithRetry(ch, i)
		res.Retries += retries

		if err != nil {
			res.Failed++
			r.log.WithError(err).WithField("chid", ch.ID).
				Debug("submission dropped")

			continue
		}

		res.Submitted++
	}

	if err := r.drain(); err != nil {
		return res, err
	}

	r.mu.Lock()
	res.Completed = r.completed
	res.Latency = Summarize(r.latencies)
	res.Occupancy = Summarize(r.occupancy)
	r.mu.Unlock()

	return res, nil
}

func (r *Runner) entries(i int) []gpfifo.Entry {
	out := make([]gpfifo.Entry, r.spec.EntriesPerSubmit)
	for j := range out {
		va := userVABase + uint64(i)<<12 + uint64(j)<<8
		out[j] = gpfifo.MakeEntry(va, r.spec.WordsPerEntry)
	}

	return out
}

func (r *Runner) flags() submit.Flags {
	f := submit.FlagFenceGet
	if r.spec.SuppressWFI {
		f |= submit.FlagSuppressWFI
	}

	return f
}

func (r *Runner) submitWithRetry(ch *channel.Channel, i int) (int, error) {
	entries := r.entries(i)
	tries := 0

	if r.progress != nil {
		r.progress.IncrementInProgress(1)
	}

	op := func() error {
		tries++

		fence, err := r.p.Submitter.SubmitKernel(ch, entries,
			uint32(len(entries)), r.flags(), &submit.Fence{})
		if err == nil {
			r.track(ch, fence)
			return nil
		}

		if !errors.Is(err, gpuerr.ErrTryAgain) {
			return backoff.Permanent(err)
		}

		// Let the GPU make room before the next try.
		if err := r.drain(); err != nil {
			return backoff.Permanent(err)
		}

		return err
	}

	b := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(r.spec.RetryInterval), r.spec.MaxRetries)

	err := backoff.Retry(op, b)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	if r.progress != nil {
		if err != nil {
			r.progress.MoveInProgressToFailed(1)
		}
	}

	return tries - 1, err
}

func (r *Runner) track(ch *channel.Channel, fence *syncpt.Fence) {
	now := r.p.Engine.CurrentTime()

	r.mu.Lock()
	r.occupancy = append(r.occupancy, float64(ch.Ring().Occupied()))

	if fence != nil {
		r.pending[fence.ID] = append(r.pending[fence.ID],
			inflight{fence: fence, start: now})
	}
	r.mu.Unlock()
}

func (r *Runner) syncptAdvanced(id uint32) {
	now := r.p.Engine.CurrentTime()
	done := 0

	r.mu.Lock()
	list := r.pending[id]
	kept := list[:0]

	for _, f := range list {
		if !f.fence.IsExpired() {
			kept = append(kept, f)
			continue
		}

		r.latencies = append(r.latencies, float64(now-f.start))
		r.completed++
		done++
		f.fence.Put()
	}

	if len(kept) == 0 {
		delete(r.pending, id)
	} else {
		r.pending[id] = kept
	}
	r.mu.Unlock()

	if r.progress != nil && done > 0 {
		r.progress.MoveInProgressToFinished(uint64(done))
	}
}

// drain runs the engine to idle, services interrupts and retires jobs.
func (r *Runner) drain() error {
	if err := r.p.Run(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	r.p.Cleanup.Flush()

	return nil
}
