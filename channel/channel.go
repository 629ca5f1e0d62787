// Package channel defines the GPU channel, its time-slice group, and the
// job tracking list that follows its in-flight submissions.
package channel

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/nvgpusim/gpfifo"
	"github.com/sarchlab/nvgpusim/gpuerr"
	"github.com/sarchlab/nvgpusim/privcmd"
	"github.com/sarchlab/nvgpusim/vm"
)

// A Channel is one GPU command stream.
type Channel struct {
	ID      uint32
	InstPtr uint64

	// Deterministic channels submit with bounded latency. They must run
	// with a preallocated job list and never defer cleanup.
	Deterministic bool

	// UsermodeSubmit channels are driven through a user-mapped doorbell
	// and reject kernel submission.
	UsermodeSubmit bool

	// AggressiveSyncDestroy releases the sync object when its last
	// reference is dropped, and serializes sync preparation on the sync
	// lock.
	AggressiveSyncDestroy bool

	// SubmitLock serializes submissions on the channel.
	SubmitLock sync.Mutex

	// MMUNackHandled pairs a non-replayable MMU fault with the SM MMU nack
	// it causes. The first of the two to be serviced recovers the channel
	// and sets the flag, the second clears it and skips recovery. Fault
	// handling is single threaded per fault buffer.
	MMUNackHandled bool

	Jobs     *JobList
	Watchdog *Watchdog

	mu   sync.Mutex
	tsg  *TSG
	as   *vm.AddressSpace
	ring *gpfifo.Ring
	pool *privcmd.Pool

	syncLock    sync.Mutex
	sync        Sync
	syncRefs    int
	syncFactory SyncFactory

	unserviceable   atomic.Bool
	railgateAllowed atomic.Bool
	notifier        atomic.Uint32
	notifierSet     atomic.Bool

	refs   atomic.Int32
	closed atomic.Bool
}

// New creates an open channel with a dynamic job list.
func New(id uint32, instPtr uint64, syncFactory SyncFactory) *Channel {
	return &Channel{
		ID:          id,
		InstPtr:     instPtr,
		Jobs:        NewJobList(),
		Watchdog:    NewWatchdog(0, nil),
		syncFactory: syncFactory,
	}
}

func (c *Channel) String() string {
	return fmt.Sprintf("ch%d", c.ID)
}

// TSG returns the owning TSG, or nil.
func (c *Channel) TSG() *TSG {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tsg
}

func (c *Channel) setTSG(t *TSG) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tsg = t
}

// BindAddressSpace binds the channel to an address space. The binding is
// irrevocable.
func (c *Channel) BindAddressSpace(as *vm.AddressSpace) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.as != nil {
		return fmt.Errorf("%s already bound to address space %d: %w",
			c, c.as.ID, gpuerr.ErrNotAllowed)
	}

	c.as = as

	return nil
}

// AddressSpace returns the bound address space, or nil.
func (c *Channel) AddressSpace() *vm.AddressSpace {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.as
}

// SetupRing installs the ring and the command pool of the channel.
func (c *Channel) SetupRing(ring *gpfifo.Ring, pool *privcmd.Pool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ring != nil {
		return fmt.Errorf("%s ring already allocated: %w",
			c, gpuerr.ErrNotAllowed)
	}

	c.ring = ring
	c.pool = pool

	return nil
}

// Ring returns the GPFIFO ring, or nil before setup.
func (c *Channel) Ring() *gpfifo.Ring {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ring
}

// Pool returns the command pool, or nil before setup.
func (c *Channel) Pool() *privcmd.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pool
}

// SyncLock guards creation of the sync object. Submissions also hold it
// across sync preparation when AggressiveSyncDestroy is set.
func (c *Channel) SyncLock() *sync.Mutex {
	return &c.syncLock
}

// SyncLocked returns the sync object, creating it if needed. The caller
// holds the sync lock.
func (c *Channel) SyncLocked() (Sync, error) {
	if c.sync != nil {
		return c.sync, nil
	}

	if c.syncFactory == nil {
		return nil, fmt.Errorf("%s has no sync factory: %w",
			c, gpuerr.ErrNotAllowed)
	}

	s, err := c.syncFactory(c)
	if err != nil {
		return nil, err
	}

	c.sync = s

	return s, nil
}

// EnsureSync returns the sync object, creating it if needed.
func (c *Channel) EnsureSync() (Sync, error) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	return c.SyncLocked()
}

// Sync returns the sync object, or nil if none exists.
func (c *Channel) Sync() Sync {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	return c.sync
}

// GetSyncLocked returns the sync object, creating it if needed, and takes
// a reference that keeps it alive. The caller holds the sync lock.
func (c *Channel) GetSyncLocked() (Sync, error) {
	s, err := c.SyncLocked()
	if err != nil {
		return nil, err
	}

	c.syncRefs++

	return s, nil
}

// GetSync is GetSyncLocked for callers that do not hold the sync lock.
func (c *Channel) GetSync() (Sync, error) {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	return c.GetSyncLocked()
}

// PutSyncLocked drops a reference taken by GetSyncLocked. With
// AggressiveSyncDestroy the sync object is destroyed when the last
// reference goes. The caller holds the sync lock.
func (c *Channel) PutSyncLocked() {
	if c.syncRefs <= 0 {
		log.Panicf("%s sync reference count underflow", c)
	}

	c.syncRefs--

	if c.syncRefs == 0 && c.AggressiveSyncDestroy {
		c.destroySyncLocked()
	}
}

// PutSync is PutSyncLocked for callers that do not hold the sync lock.
func (c *Channel) PutSync() {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	c.PutSyncLocked()
}

// SyncRefs returns the number of references held on the sync object.
func (c *Channel) SyncRefs() int {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	return c.syncRefs
}

// HoldSyncRef hands a sync reference over to job. Retiring the job drops
// it.
func (c *Channel) HoldSyncRef(job *Job) {
	job.syncOwner = c
}

// DestroySync releases the sync object regardless of references. It is
// used when the channel closes.
func (c *Channel) DestroySync() {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	c.destroySyncLocked()
}

func (c *Channel) destroySyncLocked() {
	if c.sync == nil {
		return
	}

	c.sync.Destroy()
	c.sync = nil
}

// CleanUpJobs retires completed jobs. Each retired job drops its sync
// reference, so with AggressiveSyncDestroy the sync object goes away once
// nothing holds it.
func (c *Channel) CleanUpJobs(all bool) int {
	n := c.Jobs.CleanUp(all)

	if c.Jobs.Empty() {
		c.Watchdog.Stop()
	}

	return n
}

// SetUnserviceable marks the channel dead. The flag is sticky.
func (c *Channel) SetUnserviceable() {
	c.unserviceable.Store(true)
}

// Unserviceable tells if the channel accepts no more work.
func (c *Channel) Unserviceable() bool {
	return c.unserviceable.Load()
}

// SetRailgateAllowed lets a deterministic channel drop its power reference
// so that the GPU can be rail gated. Submissions fail until it is cleared.
func (c *Channel) SetRailgateAllowed(v bool) {
	c.railgateAllowed.Store(v)
}

// RailgateAllowed tells if the deterministic channel gave up its power
// reference.
func (c *Channel) RailgateAllowed() bool {
	return c.railgateAllowed.Load()
}

// SetErrorNotifier records an error code for user space.
func (c *Channel) SetErrorNotifier(code NotifierCode) {
	c.notifier.Store(uint32(code))
	c.notifierSet.Store(true)
}

// ErrorNotifier returns the recorded error code, if any.
func (c *Channel) ErrorNotifier() (NotifierCode, bool) {
	if !c.notifierSet.Load() {
		return 0, false
	}

	return NotifierCode(c.notifier.Load()), true
}

// Abort marks the channel unserviceable, expires every outstanding fence,
// and retires all jobs.
func (c *Channel) Abort() {
	c.SetUnserviceable()

	if s := c.Sync(); s != nil {
		s.SetMinEqMax()
	}

	c.CleanUpJobs(true)
}

// Acquire takes a reference on an open channel. It returns nil once the
// channel is closed.
func (c *Channel) Acquire() *Ref {
	if c.closed.Load() {
		return nil
	}

	c.refs.Add(1)

	if c.closed.Load() {
		c.refs.Add(-1)
		return nil
	}

	return &Ref{ch: c}
}

// Refs returns the number of outstanding references.
func (c *Channel) Refs() int32 {
	return c.refs.Load()
}

// Close marks the channel closed so that it can no longer be acquired.
func (c *Channel) Close() {
	c.closed.Store(true)
}

// Closed tells if the channel is closed.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// A Ref is a counted reference on a channel. Release drops it exactly once,
// so it can be deferred right after the lookup.
type Ref struct {
	ch   *Channel
	once sync.Once
}

// Channel returns the referenced channel. A nil Ref yields nil.
func (r *Ref) Channel() *Channel {
	if r == nil {
		return nil
	}

	return r.ch
}

// Release drops the reference. Extra calls and nil refs are ignored.
func (r *Ref) Release() {
	if r == nil {
		return
	}

	r.once.Do(func() {
		r.ch.refs.Add(-1)
	})
}
