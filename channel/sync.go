package channel

import (
	"github.com/sarchlab/nvgpusim/privcmd"
	"github.com/sarchlab/nvgpusim/syncpt"
)

// Sync builds the wait and increment commands of a channel and the fences
// that track them.
type Sync interface {
	WaitSyncpt(id, thresh uint32) (*privcmd.Entry, error)
	WaitFD(fd int) (*privcmd.Entry, error)
	Incr(needWFI, needSyncFence bool) (*privcmd.Entry, *syncpt.Fence, error)
	CancelIncr(f *syncpt.Fence)
	SetMinEqMax()
	SyncptID() uint32
	Destroy()
}

// A SyncFactory creates the sync object of a channel on first use.
type SyncFactory func(ch *Channel) (Sync, error)
