package channel

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/nvgpusim/gpuerr"
	"github.com/sarchlab/nvgpusim/privcmd"
	"github.com/sarchlab/nvgpusim/syncpt"
	"github.com/sarchlab/nvgpusim/vm"
)

var _ = Describe("Channel", func() {
	var (
		sp      *syncpt.Syncpoints
		fds     *syncpt.FDTable
		pool    *privcmd.Pool
		ch      *Channel
		created int
	)

	BeforeEach(func() {
		sp = syncpt.NewSyncpoints(8)
		fds = syncpt.NewFDTable()
		pool = privcmd.NewPool(0x1000, 64)
		created = 0
		ch = New(3, 0x40000, func(c *Channel) (Sync, error) {
			created++
			return syncpt.NewChannelSync(sp, fds, pool, c.String())
		})
	})

	It("should bind an address space only once", func() {
		Expect(ch.BindAddressSpace(vm.NewAddressSpace(1, 12))).To(Succeed())

		err := ch.BindAddressSpace(vm.NewAddressSpace(2, 12))

		Expect(errors.Is(err, gpuerr.ErrNotAllowed)).To(BeTrue())
		Expect(ch.AddressSpace().ID).To(Equal(uint32(1)))
	})

	It("should create the sync object once", func() {
		s1, err := ch.EnsureSync()
		Expect(err).NotTo(HaveOccurred())
		s2, _ := ch.EnsureSync()

		Expect(s1).To(BeIdenticalTo(s2))
		Expect(created).To(Equal(1))
	})

	It("should destroy the sync object when the last job retires", func() {
		ch.AggressiveSyncDestroy = true
		s, err := ch.GetSync()
		Expect(err).NotTo(HaveOccurred())

		incr, f, err := s.Incr(false, false)
		Expect(err).NotTo(HaveOccurred())
		job, _ := ch.Jobs.AllocJob()
		job.IncrCmd = incr
		job.PostFence = f
		ch.HoldSyncRef(job)
		ch.Jobs.AddJob(job, true)

		Expect(ch.CleanUpJobs(false)).To(Equal(0))
		Expect(ch.Sync()).NotTo(BeNil())

		sp.Incr(s.SyncptID())
		Expect(ch.CleanUpJobs(false)).To(Equal(1))
		Expect(ch.Sync()).To(BeNil())
		Expect(ch.SyncRefs()).To(BeZero())
	})

	It("should keep a referenced sync object across an empty cleanup", func() {
		ch.AggressiveSyncDestroy = true
		s, err := ch.GetSync()
		Expect(err).NotTo(HaveOccurred())
		_, f, err := s.Incr(false, false)
		Expect(err).NotTo(HaveOccurred())

		ch.CleanUpJobs(true)

		Expect(ch.Sync()).To(BeIdenticalTo(s))
		Expect(f.IsExpired()).To(BeFalse())

		ch.PutSync()

		Expect(ch.Sync()).To(BeNil())
	})

	It("should keep the sync object without aggressive destroy", func() {
		_, err := ch.GetSync()
		Expect(err).NotTo(HaveOccurred())

		ch.PutSync()

		Expect(ch.Sync()).NotTo(BeNil())
	})

	It("should panic on an unbalanced sync put", func() {
		Expect(func() { ch.PutSync() }).To(Panic())
	})

	It("should abort all jobs", func() {
		s, _ := ch.EnsureSync()
		for i := 0; i < 3; i++ {
			incr, f, _ := s.Incr(false, false)
			job, _ := ch.Jobs.AllocJob()
			job.IncrCmd = incr
			job.PostFence = f
			ch.Jobs.AddJob(job, true)
		}

		ch.Abort()

		Expect(ch.Unserviceable()).To(BeTrue())
		Expect(ch.Jobs.Empty()).To(BeTrue())
		Expect(pool.Used()).To(Equal(uint32(0)))
	})

	It("should release a ref exactly once", func() {
		r := ch.Acquire()
		Expect(ch.Refs()).To(Equal(int32(1)))

		r.Release()
		r.Release()

		Expect(ch.Refs()).To(Equal(int32(0)))
	})

	It("should tolerate a nil ref", func() {
		var r *Ref

		Expect(r.Channel()).To(BeNil())
		Expect(func() { r.Release() }).NotTo(Panic())
	})

	It("should not be acquired once closed", func() {
		ch.Close()

		Expect(ch.Acquire()).To(BeNil())
	})

	It("should record the error notifier", func() {
		_, set := ch.ErrorNotifier()
		Expect(set).To(BeFalse())

		ch.SetErrorNotifier(NotifierFIFOMMUFault)

		code, set := ch.ErrorNotifier()
		Expect(set).To(BeTrue())
		Expect(code).To(Equal(NotifierFIFOMMUFault))
	})
})

var _ = Describe("TSG", func() {
	It("should fan out notifier and unserviceable to members", func() {
		tsg := NewTSG(1)
		a := New(1, 0x1000, nil)
		b := New(2, 0x2000, nil)
		tsg.Bind(b)
		tsg.Bind(a)

		tsg.SetErrorNotifier(NotifierGRException)
		tsg.SetUnserviceable()

		Expect(tsg.Channels()).To(Equal([]*Channel{a, b}))
		Expect(a.Unserviceable()).To(BeTrue())
		code, _ := b.ErrorNotifier()
		Expect(code).To(Equal(NotifierGRException))
		Expect(a.TSG()).To(BeIdenticalTo(tsg))
	})

	It("should deliver events to listeners", func() {
		tsg := NewTSG(1)
		var got []EventID
		tsg.Listen(func(_ *TSG, ev EventID) { got = append(got, ev) })

		tsg.PostEvent(EventBptInt)
		tsg.PostEvent(EventBptPause)

		Expect(got).To(Equal([]EventID{EventBptInt, EventBptPause}))
		Expect(tsg.Events()).To(Equal(got))
	})
})

var _ = Describe("Watchdog", func() {
	var (
		now time.Time
		w   *Watchdog
	)

	BeforeEach(func() {
		now = time.Unix(100, 0)
		w = NewWatchdog(time.Second, func() time.Time { return now })
		w.SetEnabled(true)
	})

	It("should fire without progress", func() {
		w.Start(4)
		now = now.Add(2 * time.Second)

		Expect(w.Check(4)).To(BeTrue())
		Expect(w.Running()).To(BeFalse())
	})

	It("should rewind on progress", func() {
		w.Start(4)
		now = now.Add(2 * time.Second)

		Expect(w.Check(5)).To(BeFalse())
		now = now.Add(500 * time.Millisecond)
		Expect(w.Check(5)).To(BeFalse())
	})

	It("should not start when disabled", func() {
		w.SetEnabled(false)
		w.Start(0)

		Expect(w.Running()).To(BeFalse())
	})
})
