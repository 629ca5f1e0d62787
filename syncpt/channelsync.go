package syncpt

import (
	"fmt"
	"sync"

	"github.com/sarchlab/nvgpusim/gpuerr"
	"github.com/sarchlab/nvgpusim/privcmd"
)

// ChannelSync is the syncpoint-backed sync object of one channel. It owns a
// syncpoint and writes its commands into the channel command pool.
type ChannelSync struct {
	sp   *Syncpoints
	fds  *FDTable
	pool *privcmd.Pool
	id   uint32

	destroyOnce sync.Once
}

// NewChannelSync allocates a syncpoint for the channel.
func NewChannelSync(
	sp *Syncpoints,
	fds *FDTable,
	pool *privcmd.Pool,
	name string,
) (*ChannelSync, error) {
	id, err := sp.Alloc(name)
	if err != nil {
		return nil, err
	}

	return &ChannelSync{
		sp:   sp,
		fds:  fds,
		pool: pool,
		id:   id,
	}, nil
}

// SyncptID returns the syncpoint incremented by the channel.
func (s *ChannelSync) SyncptID() uint32 {
	return s.id
}

// WaitSyncpt builds a wait for syncpoint id to reach thresh. A wait that is
// already satisfied is returned unallocated and not valid.
func (s *ChannelSync) WaitSyncpt(id, thresh uint32) (*privcmd.Entry, error) {
	if !s.sp.Valid(id) {
		return nil, fmt.Errorf("wait on syncpoint %d: %w",
			id, gpuerr.ErrInvalidArgument)
	}

	if s.sp.IsExpired(id, thresh) {
		return &privcmd.Entry{}, nil
	}

	e, err := s.pool.Alloc(WaitCmdWords)
	if err != nil {
		return nil, err
	}

	e.Append(Cmd{Op: OpSyncptWait, ID: id, Value: thresh}.Encode()...)
	e.Valid = true

	return e, nil
}

// WaitFD builds a wait for the fence behind a sync file descriptor.
func (s *ChannelSync) WaitFD(fd int) (*privcmd.Entry, error) {
	f, ok := s.fds.Lookup(fd)
	if !ok {
		return nil, fmt.Errorf("wait on sync fd %d: %w",
			fd, gpuerr.ErrInvalidArgument)
	}

	return s.WaitSyncpt(f.ID, f.Threshold)
}

// Incr builds an increment of the channel syncpoint, optionally preceded by
// a wait-for-idle, and returns the fence that expires when it executes. With
// needSyncFence the fence is also exported as a sync file descriptor.
func (s *ChannelSync) Incr(
	needWFI bool,
	needSyncFence bool,
) (*privcmd.Entry, *Fence, error) {
	words := uint32(IncrCmdWords)
	if needWFI {
		words = IncrWFICmdWords
	}

	e, err := s.pool.Alloc(words)
	if err != nil {
		return nil, nil, err
	}

	if needWFI {
		e.Append(Cmd{Op: OpWFI}.Encode()...)
	}

	e.Append(Cmd{Op: OpSyncptIncr, ID: s.id}.Encode()...)
	e.Valid = true

	thresh := s.sp.IncrMax(s.id, 1)
	f := NewFence(s.sp, s.id, thresh)

	if needSyncFence {
		s.fds.Install(f)
	}

	return e, f, nil
}

// CancelIncr gives back the threshold of the latest increment, which was
// never published.
func (s *ChannelSync) CancelIncr(f *Fence) {
	s.sp.DecrMax(s.id, 1)
	f.Put()
}

// SetMinEqMax expires every outstanding fence of the channel.
func (s *ChannelSync) SetMinEqMax() {
	s.sp.SetMinEqMax(s.id)
}

// Destroy releases the syncpoint after expiring its fences.
func (s *ChannelSync) Destroy() {
	s.destroyOnce.Do(func() {
		s.sp.SetMinEqMax(s.id)
		s.sp.Free(s.id)
	})
}
