package submit

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpfifo"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/gpuerr"
	"github.com/sarchlab/nvgpusim/vm"
)

func userEntries(n int) gpfifo.UserBuffer {
	entries := make([]gpfifo.Entry, n)
	for i := range entries {
		entries[i] = gpfifo.MakeEntry(0x1000_0000+uint64(i)*0x100, 8)
	}

	return gpfifo.EncodeHW(entries)
}

// cleaningUserData runs a cleanup pass while the submission reads its
// payload, as the cleanup worker may do concurrently.
type cleaningUserData struct {
	ch  *channel.Channel
	buf gpfifo.UserBuffer
}

func (u cleaningUserData) ReadEntries(
	start, count uint32,
	hwFormat bool,
) ([]gpfifo.Entry, error) {
	u.ch.CleanUpJobs(true)
	return u.buf.ReadEntries(start, count, hwFormat)
}

// shortUserData returns fewer entries than asked for.
type shortUserData struct {
	n int
}

func (u shortUserData) ReadEntries(
	start, count uint32,
	hwFormat bool,
) ([]gpfifo.Entry, error) {
	return make([]gpfifo.Entry, u.n), nil
}

var _ = Describe("Submitter", func() {
	var (
		mockCtrl *gomock.Controller
		power    *MockPower
		doorbell *MockDoorbell
		cleaner  *MockCleanupScheduler
		g        *gpu.GPU
		ch       *channel.Channel
		s        *Submitter
	)

	openChannel := func(
		opts gpu.ChannelOptions,
		entries uint32,
		prealloc int,
	) *channel.Channel {
		c, err := g.OpenChannel(opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(g.SetupRing(c, entries, prealloc)).To(Succeed())
		Expect(g.BindAddressSpace(c, vm.NewAddressSpace(c.ID, 12))).
			To(Succeed())

		return c
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		power = NewMockPower(mockCtrl)
		doorbell = NewMockDoorbell(mockCtrl)
		cleaner = NewMockCleanupScheduler(mockCtrl)

		logger := logrus.New()
		logger.SetOutput(GinkgoWriter)

		g = gpu.MakeBuilder().
			WithLogger(logger).
			WithPower(power).
			WithDoorbell(doorbell).
			WithCleanupScheduler(cleaner).
			Build("GPU")
		ch = openChannel(gpu.ChannelOptions{}, 16, 0)
		s = NewSubmitter(g)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	Context("validation", func() {
		const flags = FlagHWFormat | FlagSkipBufferRefcounting

		It("should refuse a dying driver", func() {
			g.SetDying()

			_, err := s.SubmitUser(ch, userEntries(1), 1, flags, nil, nil)

			Expect(errors.Is(err, gpuerr.ErrNotAllowed)).To(BeTrue())
		})

		It("should refuse an unserviceable channel", func() {
			ch.SetUnserviceable()

			_, err := s.SubmitUser(ch, userEntries(1), 1, flags, nil, nil)

			Expect(errors.Is(err, gpuerr.ErrNotAllowed)).To(BeTrue())
		})

		It("should refuse a usermode channel", func() {
			ch.UsermodeSubmit = true

			_, err := s.SubmitUser(ch, userEntries(1), 1, flags, nil, nil)

			Expect(errors.Is(err, gpuerr.ErrNotAllowed)).To(BeTrue())
		})

		It("should refuse a channel without a ring", func() {
			c, _ := g.OpenChannel(gpu.ChannelOptions{})
			c.BindAddressSpace(vm.NewAddressSpace(9, 12))

			_, err := s.SubmitUser(c, userEntries(1), 1, flags, nil, nil)

			Expect(errors.Is(err, gpuerr.ErrNotAllowed)).To(BeTrue())
		})

		It("should refuse a channel without an address space", func() {
			c, _ := g.OpenChannel(gpu.ChannelOptions{})
			g.SetupRing(c, 16, 0)

			_, err := s.SubmitUser(c, userEntries(1), 1, flags, nil, nil)

			Expect(errors.Is(err, gpuerr.ErrNotAllowed)).To(BeTrue())
		})

		It("should refuse more entries than the ring holds", func() {
			_, err := s.SubmitUser(ch, userEntries(14), 14, flags, nil, nil)

			Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
		})

		It("should refuse a count that wraps past the reserved entries", func() {
			_, err := s.SubmitUser(ch, userEntries(1), 0xFFFFFFFF,
				flags, nil, nil)

			Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
			Expect(ch.Ring().Put()).To(Equal(uint32(0)))
			Expect(ch.Ring().HWPut()).To(Equal(uint32(0)))
		})

		It("should refuse fence flags without a fence", func() {
			_, err := s.SubmitUser(ch, userEntries(1), 1,
				flags|FlagFenceGet, nil, nil)

			Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
		})
	})

	It("should take the fast path without tracking", func() {
		doorbell.EXPECT().Ring(ch)

		f, err := s.SubmitUser(ch, userEntries(4), 4,
			FlagHWFormat|FlagSkipBufferRefcounting, nil, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(f).To(BeNil())
		Expect(ch.Ring().HWPut()).To(Equal(uint32(4)))
		Expect(ch.Jobs.Empty()).To(BeTrue())
		Expect(ch.Sync()).To(BeNil())
	})

	It("should track a submission with wait and get", func() {
		for i := 0; i < 5; i++ {
			g.Syncpoints.Alloc("other")
		}
		g.Syncpoints.IncrMax(5, 10)

		power.EXPECT().Busy().Return(nil)
		doorbell.EXPECT().Ring(ch)
		cleaner.EXPECT().Schedule(ch)

		f, err := s.SubmitUser(ch, userEntries(4), 4,
			FlagHWFormat|FlagFenceWait|FlagFenceGet,
			&Fence{ID: 5, Value: 10}, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(ch.Jobs.Len()).To(Equal(1))
		Expect(ch.Ring().HWPut()).To(Equal(uint32(6)))
		Expect(ch.Ring().At(0).GPUVA()).To(Equal(ch.Pool().Base()))
		Expect(f.Refs()).To(Equal(int32(2)))
		Expect(f.ID).To(Equal(ch.Sync().SyncptID()))
	})

	It("should elide a wait that already expired", func() {
		id, _ := g.Syncpoints.Alloc("other")

		power.EXPECT().Busy().Return(nil)
		doorbell.EXPECT().Ring(ch)
		cleaner.EXPECT().Schedule(ch)

		_, err := s.SubmitUser(ch, userEntries(4), 4,
			FlagHWFormat|FlagFenceWait, &Fence{ID: id, Value: 0}, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(ch.Ring().HWPut()).To(Equal(uint32(5)))
	})

	It("should ask to try again when the ring is full", func() {
		ring := ch.Ring()
		ring.Append(make([]gpfifo.Entry, 14))
		ring.Publish()
		Expect(ring.FreeCount()).To(Equal(uint32(1)))

		_, err := s.SubmitUser(ch, userEntries(10), 10,
			FlagHWFormat|FlagSkipBufferRefcounting, nil, nil)

		Expect(errors.Is(err, gpuerr.ErrTryAgain)).To(BeTrue())
		Expect(ring.Put()).To(Equal(uint32(14)))
		Expect(ring.HWPut()).To(Equal(uint32(14)))
	})

	It("should refresh get from the consumer before giving up", func() {
		ring := ch.Ring()
		ring.Append(make([]gpfifo.Entry, 14))
		ring.Publish()
		for i := 0; i < 14; i++ {
			ring.Consume()
		}

		doorbell.EXPECT().Ring(ch)

		_, err := s.SubmitUser(ch, userEntries(10), 10,
			FlagHWFormat|FlagSkipBufferRefcounting, nil, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(ring.HWPut()).To(Equal(uint32(8)))
	})

	It("should roll everything back when the payload cannot be read", func() {
		id, _ := g.Syncpoints.Alloc("other")
		g.Syncpoints.IncrMax(id, 1)

		power.EXPECT().Busy().Return(nil)
		power.EXPECT().Idle()

		_, err := s.SubmitUser(ch, userEntries(2), 4,
			FlagHWFormat|FlagFenceWait|FlagFenceGet,
			&Fence{ID: id, Value: 1}, nil)

		Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
		Expect(ch.Ring().Put()).To(Equal(uint32(0)))
		Expect(ch.Ring().HWPut()).To(Equal(uint32(0)))
		Expect(ch.Jobs.Empty()).To(BeTrue())
		Expect(ch.Pool().Used()).To(Equal(uint32(0)))

		sid := ch.Sync().SyncptID()
		Expect(g.Syncpoints.Max(sid)).To(Equal(g.Syncpoints.Read(sid)))
	})

	It("should refuse a payload shorter than the count", func() {
		_, err := s.SubmitUser(ch, shortUserData{n: 2}, 4,
			FlagHWFormat|FlagSkipBufferRefcounting, nil, nil)

		Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
		Expect(ch.Ring().Put()).To(Equal(uint32(0)))
		Expect(ch.Ring().HWPut()).To(Equal(uint32(0)))
	})

	Context("aggressive sync destroy", func() {
		BeforeEach(func() {
			ch.AggressiveSyncDestroy = true
		})

		It("should keep the sync object through a concurrent cleanup", func() {
			power.EXPECT().Busy().Return(nil)
			doorbell.EXPECT().Ring(ch)
			cleaner.EXPECT().Schedule(ch)

			u := cleaningUserData{ch: ch, buf: userEntries(2)}
			f, err := s.SubmitUser(ch, u, 2,
				FlagHWFormat|FlagFenceGet, &Fence{}, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(f.IsExpired()).To(BeFalse())
			Expect(ch.Sync()).NotTo(BeNil())
			Expect(ch.SyncRefs()).To(Equal(1))
			Expect(ch.Jobs.Len()).To(Equal(1))

			power.EXPECT().Idle()
			g.Syncpoints.Incr(f.ID)

			Expect(ch.CleanUpJobs(true)).To(Equal(1))
			Expect(ch.Sync()).To(BeNil())
			Expect(ch.SyncRefs()).To(BeZero())
		})

		It("should drop the sync reference on rollback", func() {
			power.EXPECT().Busy().Return(nil)
			power.EXPECT().Idle()

			_, err := s.SubmitUser(ch, userEntries(1), 4,
				FlagHWFormat|FlagFenceGet, &Fence{}, nil)

			Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
			Expect(ch.SyncRefs()).To(BeZero())
			Expect(ch.Sync()).To(BeNil())
		})
	})

	It("should give the power reference back when a wait fd is unknown", func() {
		power.EXPECT().Busy().Return(nil)
		power.EXPECT().Idle()

		_, err := s.SubmitUser(ch, userEntries(1), 1,
			FlagHWFormat|FlagFenceWait|FlagSyncFence,
			&Fence{ID: 77}, nil)

		Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
		Expect(ch.Jobs.Empty()).To(BeTrue())
	})

	It("should fail without side effects when power is unavailable", func() {
		power.EXPECT().Busy().Return(gpuerr.ErrNotAllowed)

		_, err := s.SubmitUser(ch, userEntries(1), 1,
			FlagHWFormat|FlagFenceGet, &Fence{}, nil)

		Expect(errors.Is(err, gpuerr.ErrNotAllowed)).To(BeTrue())
		Expect(ch.Ring().Put()).To(Equal(uint32(0)))
	})

	It("should export the post-fence as a sync fd", func() {
		power.EXPECT().Busy().Return(nil)
		doorbell.EXPECT().Ring(ch)
		cleaner.EXPECT().Schedule(ch)

		f, err := s.SubmitUser(ch, userEntries(1), 1,
			FlagHWFormat|FlagFenceGet|FlagSyncFence, &Fence{}, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(f.FD()).To(BeNumerically(">=", 3))

		looked, ok := g.FDs.Lookup(f.FD())
		Expect(ok).To(BeTrue())
		Expect(looked).To(BeIdenticalTo(f))
	})

	It("should accept legacy entries", func() {
		doorbell.EXPECT().Ring(ch)

		buf := gpfifo.EncodeLegacy([]gpfifo.LegacyEntry{
			{GPUVA: 0x1_2345_6780, Words: 16},
		})

		_, err := s.SubmitUser(ch, buf, 1, FlagSkipBufferRefcounting, nil, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(ch.Ring().At(0).GPUVA()).To(Equal(uint64(0x1_2345_6780)))
		Expect(ch.Ring().At(0).Words()).To(Equal(uint32(16)))
	})

	It("should record a profile", func() {
		now := time.Unix(10, 0)
		s.WithClock(func() time.Time {
			now = now.Add(time.Microsecond)
			return now
		})
		doorbell.EXPECT().Ring(ch)

		p := &Profile{}
		_, err := s.SubmitUser(ch, userEntries(1), 1,
			FlagHWFormat|FlagSkipBufferRefcounting, nil, p)

		Expect(err).NotTo(HaveOccurred())
		Expect(p.Elapsed()).To(Equal(3 * time.Microsecond))
	})

	It("should submit kernel entries", func() {
		doorbell.EXPECT().Ring(ch)

		_, err := s.SubmitKernel(ch,
			[]gpfifo.Entry{gpfifo.MakeEntry(0x4000, 2)}, 1,
			FlagSkipBufferRefcounting, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(ch.Ring().At(0).GPUVA()).To(Equal(uint64(0x4000)))
	})

	It("should take buffer references unless skipped", func() {
		b := ch.AddressSpace().MapBuffer(0x10_0000, 0x20_0000, 0x1000, false)

		power.EXPECT().Busy().Return(nil)
		doorbell.EXPECT().Ring(ch)
		cleaner.EXPECT().Schedule(ch)

		_, err := s.SubmitUser(ch, userEntries(1), 1, FlagHWFormat, nil, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(b.Refs()).To(Equal(int32(2)))
	})

	Context("deterministic channel", func() {
		It("should fail without preallocated jobs for every flag set", func() {
			det := openChannel(gpu.ChannelOptions{Deterministic: true}, 16, 0)

			for f := Flags(0); f < 1<<6; f++ {
				_, err := s.SubmitUser(det, userEntries(1), 1, f,
					&Fence{}, nil)

				Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).
					To(BeTrue(), "flags %s", f)
			}
		})

		It("should refuse work that needs deferred cleanup", func() {
			det := openChannel(gpu.ChannelOptions{Deterministic: true}, 16, 4)

			_, err := s.SubmitUser(det, userEntries(1), 1,
				FlagHWFormat, nil, nil)

			Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
		})

		It("should refuse submission while railgated", func() {
			det := openChannel(gpu.ChannelOptions{Deterministic: true}, 16, 4)
			det.SetRailgateAllowed(true)

			_, err := s.SubmitUser(det, userEntries(1), 1,
				FlagHWFormat|FlagSkipBufferRefcounting, nil, nil)

			Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
		})

		It("should retire jobs synchronously", func() {
			det := openChannel(gpu.ChannelOptions{Deterministic: true}, 16, 1)
			doorbell.EXPECT().Ring(det).Times(2)

			const flags = FlagHWFormat | FlagSkipBufferRefcounting | FlagFenceGet

			f, err := s.SubmitUser(det, userEntries(1), 1, flags,
				&Fence{}, nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = s.SubmitUser(det, userEntries(1), 1, flags,
				&Fence{}, nil)
			Expect(errors.Is(err, gpuerr.ErrTryAgain)).To(BeTrue())

			g.Syncpoints.Incr(f.ID)

			_, err = s.SubmitUser(det, userEntries(1), 1, flags,
				&Fence{}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(det.Jobs.Len()).To(Equal(1))
			Expect(f.Refs()).To(Equal(int32(1)))
		})
	})
})
