package channel

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/nvgpusim/gpuerr"
	"github.com/sarchlab/nvgpusim/privcmd"
	"github.com/sarchlab/nvgpusim/syncpt"
	"github.com/sarchlab/nvgpusim/vm"
)

var _ = Describe("JobList", func() {
	var (
		sp   *syncpt.Syncpoints
		id   uint32
		pool *privcmd.Pool
		l    *JobList
	)

	BeforeEach(func() {
		sp = syncpt.NewSyncpoints(8)
		id, _ = sp.Alloc("test")
		pool = privcmd.NewPool(0x1000, 64)
		l = NewJobList()
	})

	submit := func() *Job {
		job, err := l.AllocJob()
		Expect(err).NotTo(HaveOccurred())

		job.IncrCmd, err = pool.Alloc(2)
		Expect(err).NotTo(HaveOccurred())

		job.PostFence = syncpt.NewFence(sp, id, sp.IncrMax(id, 1))
		l.AddJob(job, true)

		return job
	}

	It("should retire one job at a time without all", func() {
		submit()
		submit()
		sp.Incr(id)
		sp.Incr(id)

		Expect(l.CleanUp(false)).To(Equal(1))
		Expect(l.Len()).To(Equal(1))
		Expect(l.CleanUp(false)).To(Equal(1))
		Expect(l.Empty()).To(BeTrue())
		Expect(pool.Used()).To(Equal(uint32(0)))
	})

	It("should stop at the first incomplete job", func() {
		submit()
		submit()
		submit()
		sp.Incr(id)

		Expect(l.CleanUp(true)).To(Equal(1))
		Expect(l.Len()).To(Equal(2))
	})

	It("should retire in submission order", func() {
		var retired []uint64
		l.OnRetire(func(j *Job) { retired = append(retired, j.ID) })

		var ids []uint64
		for i := 0; i < 5; i++ {
			ids = append(ids, submit().ID)
		}

		for i := 0; i < 5; i++ {
			sp.Incr(id)
			l.CleanUp(false)
		}

		Expect(retired).To(Equal(ids))
	})

	It("should take buffer references unless skipped", func() {
		as := vm.NewAddressSpace(1, 12)
		b := as.MapBuffer(0x10000, 0x20000, 0x1000, false)

		job, _ := l.AllocJob()
		job.Buffers = []*vm.Buffer{b}
		job.PostFence = syncpt.NewFence(sp, id, sp.IncrMax(id, 1))
		l.AddJob(job, false)
		Expect(b.Refs()).To(Equal(int32(2)))

		sp.Incr(id)
		l.CleanUp(true)
		Expect(b.Refs()).To(Equal(int32(1)))
	})

	Context("preallocated", func() {
		BeforeEach(func() {
			Expect(l.Preallocate(2)).To(Succeed())
		})

		It("should report exhaustion as try again", func() {
			submit()
			submit()

			_, err := l.AllocJob()

			Expect(errors.Is(err, gpuerr.ErrTryAgain)).To(BeTrue())
		})

		It("should reuse slots after retirement", func() {
			submit()
			submit()
			sp.Incr(id)
			l.CleanUp(false)

			job, err := l.AllocJob()

			Expect(err).NotTo(HaveOccurred())
			Expect(job.PostFence).To(BeNil())
		})

		It("should keep a freed job slot available", func() {
			job, _ := l.AllocJob()
			l.FreeJob(job)

			submit()
			submit()

			Expect(l.Len()).To(Equal(2))
		})

		It("should refuse to switch mode with jobs in flight", func() {
			submit()

			err := l.Preallocate(4)

			Expect(errors.Is(err, gpuerr.ErrNotAllowed)).To(BeTrue())
		})
	})
})
