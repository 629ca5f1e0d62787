package channel

import (
	"github.com/sarchlab/nvgpusim/privcmd"
	"github.com/sarchlab/nvgpusim/syncpt"
	"github.com/sarchlab/nvgpusim/vm"
)

// A Job tracks one submission until its post-fence expires.
type Job struct {
	ID uint64

	WaitCmd   *privcmd.Entry
	IncrCmd   *privcmd.Entry
	PostFence *syncpt.Fence
	Buffers   []*vm.Buffer

	NumEntries uint32

	// HoldsPowerRef is set when the submission took a power reference
	// that retiring the job must drop.
	HoldsPowerRef bool

	refcounted bool
	syncOwner  *Channel
	slot       int
}

// Completed tells if the post-fence of the job has expired.
func (j *Job) Completed() bool {
	return j.PostFence == nil || j.PostFence.IsExpired()
}

// Release frees the command entries, the post-fence reference, the buffer
// references and the sync reference held by a retired job.
func (j *Job) Release() {
	if j.WaitCmd != nil {
		j.WaitCmd.Free()
	}

	if j.IncrCmd != nil {
		j.IncrCmd.Free()
	}

	if j.PostFence != nil {
		j.PostFence.Put()
	}

	if j.refcounted {
		for _, b := range j.Buffers {
			b.Put()
		}
	}

	if j.syncOwner != nil {
		j.syncOwner.PutSync()
	}

	j.reset()
}

func (j *Job) reset() {
	slot := j.slot
	*j = Job{}
	j.slot = slot
}
