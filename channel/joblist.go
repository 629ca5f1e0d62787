package channel

import (
	"container/list"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/nvgpusim/gpuerr"
)

// JobList keeps the in-flight jobs of a channel in submission order.
//
// In preallocated mode the jobs live in a fixed array indexed by put and get
// cursors, with one spare slot so that a full array is distinguishable from
// an empty one. In dynamic mode they live in a linked list.
type JobList struct {
	preallocLock sync.Mutex
	jobs         []Job
	put, get     int

	dynamicLock sync.Mutex
	dynamic     *list.List

	// cleanupLock serializes retirement between the cleanup worker and
	// channel abort.
	cleanupLock sync.Mutex

	nextID   atomic.Uint64
	onRetire func(job *Job)
}

// NewJobList creates a job list in dynamic mode.
func NewJobList() *JobList {
	return &JobList{
		dynamic: list.New(),
	}
}

// Preallocate switches the list to preallocated mode with room for max
// in-flight jobs. It may only be called while the list is empty.
func (l *JobList) Preallocate(max int) error {
	if max <= 0 {
		return fmt.Errorf("preallocate %d jobs: %w",
			max, gpuerr.ErrInvalidArgument)
	}

	if !l.Empty() {
		return fmt.Errorf("preallocate with jobs in flight: %w",
			gpuerr.ErrNotAllowed)
	}

	l.preallocLock.Lock()
	defer l.preallocLock.Unlock()

	l.jobs = make([]Job, max+1)
	for i := range l.jobs {
		l.jobs[i].slot = i
	}

	l.put = 0
	l.get = 0

	return nil
}

// Preallocated tells if the list runs in preallocated mode.
func (l *JobList) Preallocated() bool {
	l.preallocLock.Lock()
	defer l.preallocLock.Unlock()

	return l.jobs != nil
}

// OnRetire registers a function called for every retired job before its
// resources are released.
func (l *JobList) OnRetire(f func(job *Job)) {
	l.onRetire = f
}

// AllocJob returns a blank job. In preallocated mode the job is the slot at
// the put cursor and the call fails with ErrTryAgain when every slot is in
// flight.
func (l *JobList) AllocJob() (*Job, error) {
	l.preallocLock.Lock()
	defer l.preallocLock.Unlock()

	if l.jobs == nil {
		return &Job{ID: l.nextID.Add(1), slot: -1}, nil
	}

	if (l.put+1)%len(l.jobs) == l.get {
		return nil, fmt.Errorf("all %d preallocated jobs in flight: %w",
			len(l.jobs)-1, gpuerr.ErrTryAgain)
	}

	job := &l.jobs[l.put]
	job.reset()
	job.ID = l.nextID.Add(1)

	return job, nil
}

// FreeJob gives back a job that was allocated but never added.
func (l *JobList) FreeJob(job *Job) {
	if job.slot >= 0 {
		job.reset()
	}
}

// AddJob appends a job at the tail. Unless skipRefcounting is set, every
// buffer of the job gains a reference until the job retires.
func (l *JobList) AddJob(job *Job, skipRefcounting bool) {
	if !skipRefcounting {
		for _, b := range job.Buffers {
			b.Get()
		}

		job.refcounted = true
	}

	if job.slot >= 0 {
		l.preallocLock.Lock()
		if &l.jobs[l.put] != job {
			l.preallocLock.Unlock()
			log.Panicf("job %d is not at the preallocated put slot", job.ID)
		}

		l.put = (l.put + 1) % len(l.jobs)
		l.preallocLock.Unlock()
	} else {
		l.dynamicLock.Lock()
		l.dynamic.PushBack(job)
		l.dynamicLock.Unlock()
	}
}

func (l *JobList) peek() *Job {
	l.preallocLock.Lock()
	if l.jobs != nil {
		defer l.preallocLock.Unlock()

		if l.put == l.get {
			return nil
		}

		return &l.jobs[l.get]
	}
	l.preallocLock.Unlock()

	l.dynamicLock.Lock()
	defer l.dynamicLock.Unlock()

	front := l.dynamic.Front()
	if front == nil {
		return nil
	}

	return front.Value.(*Job)
}

func (l *JobList) pop(job *Job) {
	if job.slot >= 0 {
		l.preallocLock.Lock()
		l.get = (l.get + 1) % len(l.jobs)
		l.preallocLock.Unlock()

		return
	}

	l.dynamicLock.Lock()
	l.dynamic.Remove(l.dynamic.Front())
	l.dynamicLock.Unlock()
}

// CleanUp retires completed jobs from the head of the list. It stops at the
// first job whose post-fence has not expired, since a later job cannot
// complete before an earlier one. Without all, at most one job is retired.
// It returns the number of retired jobs.
func (l *JobList) CleanUp(all bool) int {
	l.cleanupLock.Lock()
	defer l.cleanupLock.Unlock()

	retired := 0
	for {
		job := l.peek()
		if job == nil || !job.Completed() {
			break
		}

		if l.onRetire != nil {
			l.onRetire(job)
		}

		job.Release()
		l.pop(job)
		retired++

		if !all {
			break
		}
	}

	return retired
}

// Len returns the number of jobs in flight.
func (l *JobList) Len() int {
	l.preallocLock.Lock()
	if l.jobs != nil {
		defer l.preallocLock.Unlock()
		return (l.put - l.get + len(l.jobs)) % len(l.jobs)
	}
	l.preallocLock.Unlock()

	l.dynamicLock.Lock()
	defer l.dynamicLock.Unlock()

	return l.dynamic.Len()
}

// Empty tells if no job is in flight.
func (l *JobList) Empty() bool {
	return l.Len() == 0
}
