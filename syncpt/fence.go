package syncpt

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// A Fence marks a point in the progress of a syncpoint. It is reference
// counted because the submitter, the caller and the job list may all hold it.
type Fence struct {
	ID        uint32
	Threshold uint32

	sp   *Syncpoints
	fds  *FDTable
	fd   atomic.Int32
	refs atomic.Int32
}

// NewFence creates a fence with one reference.
func NewFence(sp *Syncpoints, id, thresh uint32) *Fence {
	f := &Fence{
		ID:        id,
		Threshold: thresh,
		sp:        sp,
	}
	f.refs.Store(1)
	f.fd.Store(-1)

	return f
}

// Get takes a reference.
func (f *Fence) Get() *Fence {
	if f.refs.Add(1) <= 1 {
		log.Panicf("get on released fence %s", f)
	}

	return f
}

// Put drops a reference. The last reference closes the sync file, if any.
func (f *Fence) Put() {
	refs := f.refs.Add(-1)
	if refs < 0 {
		log.Panicf("fence %s released too many times", f)
	}

	if refs == 0 && f.fds != nil {
		f.fds.remove(int(f.fd.Load()))
	}
}

// Refs returns the current reference count.
func (f *Fence) Refs() int32 {
	return f.refs.Load()
}

// IsExpired tells if the syncpoint reached the fence threshold.
func (f *Fence) IsExpired() bool {
	return f.sp.IsExpired(f.ID, f.Threshold)
}

// FD returns the sync file descriptor of the fence, or -1.
func (f *Fence) FD() int {
	return int(f.fd.Load())
}

func (f *Fence) String() string {
	return fmt.Sprintf("syncpt %d >= %d", f.ID, f.Threshold)
}

// FDTable simulates the sync files that carry fences across the user
// boundary.
type FDTable struct {
	mu     sync.Mutex
	nextFD int
	files  map[int]*Fence
}

// NewFDTable creates an empty table. Descriptors start at 3.
func NewFDTable() *FDTable {
	return &FDTable{
		nextFD: 3,
		files:  make(map[int]*Fence),
	}
}

// Install binds a new descriptor to the fence. The descriptor lives until
// the last reference of the fence is dropped.
func (t *FDTable) Install(f *Fence) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := t.nextFD
	t.nextFD++
	t.files[fd] = f
	f.fds = t
	f.fd.Store(int32(fd))

	return fd
}

// Lookup returns the fence behind a descriptor.
func (t *FDTable) Lookup(fd int) (*Fence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[fd]

	return f, ok
}

// Len returns the number of open descriptors.
func (t *FDTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.files)
}

func (t *FDTable) remove(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.files, fd)
}
