// Package submit implements GPFIFO submission: it validates a request,
// decides whether the work needs tracking, brackets the payload with sync
// commands, and publishes the new put pointer.
package submit

import (
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/akita/v4/tracing"
	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpfifo"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/gpuerr"
	"github.com/sarchlab/nvgpusim/privcmd"
	"github.com/sarchlab/nvgpusim/syncpt"
)

// ExtraEntries is the room always kept for a wait and an increment.
const ExtraEntries = 2

// Submitter submits work on the channels of one GPU.
type Submitter struct {
	gpu *gpu.GPU
	now func() time.Time
	log *logrus.Entry
}

// NewSubmitter creates a submitter for g.
func NewSubmitter(g *gpu.GPU) *Submitter {
	return &Submitter{
		gpu: g,
		now: time.Now,
		log: g.Log.WithField("unit", "submit"),
	}
}

// WithClock replaces the clock used for profiling.
func (s *Submitter) WithClock(now func() time.Time) *Submitter {
	s.now = now
	return s
}

// payload yields the entries of a submission.
type payload func(count uint32, hwFormat bool) ([]gpfifo.Entry, error)

// SubmitUser submits count entries read from a user buffer.
func (s *Submitter) SubmitUser(
	ch *channel.Channel,
	userdata gpfifo.UserData,
	count uint32,
	flags Flags,
	fence *Fence,
	profile *Profile,
) (*syncpt.Fence, error) {
	src := func(count uint32, hwFormat bool) ([]gpfifo.Entry, error) {
		return userdata.ReadEntries(0, count, hwFormat)
	}

	return s.submit(ch, src, count, flags, fence, profile)
}

// SubmitKernel submits count entries built by the driver itself.
func (s *Submitter) SubmitKernel(
	ch *channel.Channel,
	entries []gpfifo.Entry,
	count uint32,
	flags Flags,
	fence *Fence,
) (*syncpt.Fence, error) {
	src := func(count uint32, _ bool) ([]gpfifo.Entry, error) {
		if int(count) > len(entries) {
			return nil, fmt.Errorf("%d kernel entries for a count of %d: %w",
				len(entries), count, gpuerr.ErrInvalidArgument)
		}

		return entries[:count], nil
	}

	return s.submit(ch, src, count, flags|FlagHWFormat, fence, nil)
}

func (s *Submitter) submit(
	ch *channel.Channel,
	src payload,
	count uint32,
	flags Flags,
	fence *Fence,
	profile *Profile,
) (out *syncpt.Fence, err error) {
	g := s.gpu
	profile.record(ProfileEntry, s.now())

	taskID := xid.New().String()
	tracing.StartTask(taskID, "", g, "submit", "gpfifo", ch)
	defer tracing.EndTask(taskID, g)

	a := &attempt{
		s:     s,
		g:     g,
		ch:    ch,
		src:   src,
		count: count,
		flags: flags,
		fence: fence,
	}

	defer func() { s.report(a, err) }()

	if err := a.validate(); err != nil {
		return nil, err
	}

	if ch.Deterministic {
		g.DeterministicBusy.RLock()
		defer g.DeterministicBusy.RUnlock()

		if ch.RailgateAllowed() {
			return nil, fmt.Errorf("%s is railgated: %w",
				ch, gpuerr.ErrInvalidArgument)
		}
	}

	if err := a.decideTracking(); err != nil {
		return nil, err
	}

	profile.record(ProfileJobTracking, s.now())

	out, err = a.run(profile)
	if err != nil {
		a.rollback()
		return nil, err
	}

	profile.record(ProfileEnd, s.now())

	return out, nil
}

func (s *Submitter) report(a *attempt, err error) {
	detail := gpu.SubmitDetail{
		ChID:    a.ch.ID,
		Count:   a.count,
		Flags:   uint32(a.flags),
		Tracked: a.tracked,
		Err:     err,
	}

	if a.ring != nil {
		detail.Put = a.ring.HWPut()
	}

	s.gpu.InvokeHook(sim.HookCtx{
		Domain: s.gpu,
		Pos:    gpu.HookPosSubmit,
		Item:   a.ch,
		Detail: detail,
	})

	if err != nil {
		s.log.WithFields(logrus.Fields{
			"chid":  a.ch.ID,
			"count": a.count,
			"flags": a.flags,
		}).WithError(err).Debug("submit failed")
	}
}

// state is how far an attempt got. Rollback releases everything acquired
// up to and including the current state, newest first.
type state int

const (
	stateValidated state = iota
	stateSpaceReserved
	stateJobAllocated
	stateSyncsPrepared
	stateAppended
	statePublished
)

type attempt struct {
	s     *Submitter
	g     *gpu.GPU
	ch    *channel.Channel
	ring  *gpfifo.Ring
	src   payload
	count uint32
	flags Flags
	fence *Fence

	tracked  bool
	deferred bool
	powerRef bool

	state   state
	job     *channel.Job
	sync    channel.Sync
	syncRef bool
	wait    *privcmd.Entry
	incr    *privcmd.Entry
	post    *syncpt.Fence
	mark    uint32
}

func (a *attempt) has(f Flags) bool {
	return a.flags&f != 0
}

func (a *attempt) validate() error {
	ch := a.ch

	switch {
	case a.g.Dying():
		return fmt.Errorf("submit on %s while dying: %w",
			ch, gpuerr.ErrNotAllowed)
	case ch.Unserviceable():
		return fmt.Errorf("submit on unserviceable %s: %w",
			ch, gpuerr.ErrNotAllowed)
	case ch.UsermodeSubmit:
		return fmt.Errorf("kernel submit on usermode %s: %w",
			ch, gpuerr.ErrNotAllowed)
	}

	a.ring = ch.Ring()
	if a.ring == nil {
		return fmt.Errorf("%s has no gpfifo: %w", ch, gpuerr.ErrNotAllowed)
	}

	if ch.AddressSpace() == nil {
		return fmt.Errorf("%s has no address space: %w",
			ch, gpuerr.ErrNotAllowed)
	}

	if uint64(a.count)+ExtraEntries > uint64(a.ring.Usable()) {
		return fmt.Errorf("%d entries do not fit in a ring of %d: %w",
			a.count, a.ring.Count(), gpuerr.ErrInvalidArgument)
	}

	if a.has(FlagFenceWait|FlagFenceGet) && a.fence == nil {
		return fmt.Errorf("fence flags without a fence: %w",
			gpuerr.ErrInvalidArgument)
	}

	if ch.Deterministic && !ch.Jobs.Preallocated() {
		return fmt.Errorf("deterministic %s without preallocated jobs: %w",
			ch, gpuerr.ErrInvalidArgument)
	}

	return nil
}

func (a *attempt) decideTracking() error {
	g, ch := a.g, a.ch
	skipRefcounting := a.has(FlagSkipBufferRefcounting)
	watchdog := ch.Watchdog.Enabled()

	a.tracked = a.has(FlagFenceWait) ||
		a.has(FlagFenceGet) ||
		(!ch.Deterministic && (g.CanRailgate() || g.VPRResizing())) ||
		!skipRefcounting ||
		watchdog

	if !a.tracked {
		return nil
	}

	a.deferred = !ch.Deterministic ||
		!g.Config.SyncptSupport ||
		(a.has(FlagSyncFence) && a.has(FlagFenceGet)) ||
		!skipRefcounting ||
		watchdog

	if ch.Deterministic && a.deferred {
		return fmt.Errorf("deterministic %s needs deferred cleanup: %w",
			ch, gpuerr.ErrInvalidArgument)
	}

	return nil
}

func (a *attempt) run(profile *Profile) (*syncpt.Fence, error) {
	ch := a.ch

	if a.tracked && !ch.Deterministic {
		if err := a.g.Power.Busy(); err != nil {
			return nil, err
		}

		a.powerRef = true
	}

	if a.tracked && !a.deferred {
		ch.CleanUpJobs(false)
	}

	ch.SubmitLock.Lock()
	defer ch.SubmitLock.Unlock()

	if err := a.reserveSpace(); err != nil {
		return nil, err
	}

	if a.tracked {
		if err := a.allocJob(); err != nil {
			return nil, err
		}

		if err := a.prepareSyncs(); err != nil {
			return nil, err
		}
	}

	if err := a.appendEntries(); err != nil {
		return nil, err
	}

	profile.record(ProfileAppend, a.s.now())

	return a.publish(), nil
}

func (a *attempt) reserveSpace() error {
	need := a.count + ExtraEntries

	if a.ring.FreeCount() < need {
		a.ring.UpdateGet()

		if free := a.ring.FreeCount(); free < need {
			return fmt.Errorf("%s has %d free gpfifo entries, need %d: %w",
				a.ch, free, need, gpuerr.ErrTryAgain)
		}
	}

	a.state = stateSpaceReserved

	return nil
}

func (a *attempt) allocJob() error {
	job, err := a.ch.Jobs.AllocJob()
	if err != nil {
		return err
	}

	a.job = job
	a.state = stateJobAllocated

	return nil
}

// prepareSyncs builds the wait and increment commands. A failure unwinds
// what this step acquired before returning, so the attempt state only
// advances on success.
func (a *attempt) prepareSyncs() error {
	ch := a.ch

	var err error
	putSync := ch.PutSync
	if ch.AggressiveSyncDestroy {
		lock := ch.SyncLock()
		lock.Lock()
		defer lock.Unlock()

		a.sync, err = ch.GetSyncLocked()
		putSync = ch.PutSyncLocked
	} else {
		a.sync, err = ch.GetSync()
	}

	if err != nil {
		return err
	}

	a.syncRef = true

	defer func() {
		if err != nil {
			putSync()
			a.syncRef = false
		}
	}()

	if a.has(FlagFenceWait) {
		if a.has(FlagSyncFence) {
			a.wait, err = a.sync.WaitFD(int(a.fence.ID))
		} else {
			a.wait, err = a.sync.WaitSyncpt(a.fence.ID, a.fence.Value)
		}

		if err != nil {
			return err
		}
	}

	needWFI := !a.has(FlagSuppressWFI)
	needSyncFence := a.has(FlagSyncFence) && a.has(FlagFenceGet)

	a.incr, a.post, err = a.sync.Incr(needWFI, needSyncFence)
	if err != nil {
		a.incr, a.post = nil, nil

		if a.wait != nil {
			a.wait.Rollback()
			a.wait = nil
		}

		return err
	}

	a.state = stateSyncsPrepared

	return nil
}

func (a *attempt) appendEntries() error {
	hwFormat := a.has(FlagHWFormat)
	a.mark = a.ring.Mark()

	if a.wait != nil && a.wait.Valid {
		a.ring.Append([]gpfifo.Entry{a.wait.GPFIFOEntry()})
		a.state = stateAppended
	}

	entries, err := a.src(a.count, hwFormat)
	if err != nil {
		return err
	}

	if uint32(len(entries)) != a.count {
		return fmt.Errorf("%d gpfifo entries read for a count of %d: %w",
			len(entries), a.count, gpuerr.ErrInvalidArgument)
	}

	a.ring.Append(entries)
	a.state = stateAppended

	if a.incr != nil {
		a.ring.Append([]gpfifo.Entry{a.incr.GPFIFOEntry()})
	}

	return nil
}

func (a *attempt) publish() *syncpt.Fence {
	ch, ring := a.ch, a.ring

	if a.tracked {
		job := a.job
		job.WaitCmd = a.wait
		job.IncrCmd = a.incr
		job.PostFence = a.post
		job.NumEntries = a.count
		job.HoldsPowerRef = a.powerRef

		if a.syncRef {
			ch.HoldSyncRef(job)
			a.syncRef = false
		}

		skip := a.has(FlagSkipBufferRefcounting)
		if !skip {
			job.Buffers = ch.AddressSpace().Buffers()
		}

		ch.Jobs.AddJob(job, skip)
	}

	ring.Publish()
	a.state = statePublished
	a.g.Doorbell.Ring(ch)

	if a.tracked {
		ch.Watchdog.Start(ring.HWGet())
	}

	if a.deferred {
		a.g.Cleanup.Schedule(ch)
	}

	if a.has(FlagFenceGet) {
		return a.post.Get()
	}

	return nil
}

// rollback releases what the attempt acquired, newest first. Nothing was
// published, so the ring and the job list end up as before the attempt.
func (a *attempt) rollback() {
	switch a.state {
	case statePublished:
		return
	case stateAppended:
		a.ring.Rewind(a.mark)
		fallthrough
	case stateSyncsPrepared:
		a.releaseSyncs()
		fallthrough
	case stateJobAllocated:
		if a.job != nil {
			a.ch.Jobs.FreeJob(a.job)
			a.job = nil
		}
	}

	if a.powerRef {
		a.g.Power.Idle()
		a.powerRef = false
	}
}

func (a *attempt) releaseSyncs() {
	if a.incr != nil {
		a.incr.Rollback()
		a.incr = nil
	}

	if a.post != nil {
		a.sync.CancelIncr(a.post)
		a.post = nil
	}

	if a.wait != nil {
		a.wait.Rollback()
		a.wait = nil
	}

	if a.syncRef {
		a.ch.PutSync()
		a.syncRef = false
	}
}
