package privcmd

import (
	"errors"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/nvgpusim/gpuerr"
)

var _ = ginkgo.Describe("Pool", func() {
	var pool *Pool

	ginkgo.BeforeEach(func() {
		pool = NewPool(0x10_0000, 16)
	})

	ginkgo.It("should allocate contiguous blocks", func() {
		a, err := pool.Alloc(4)
		Expect(err).NotTo(HaveOccurred())
		b, err := pool.Alloc(4)
		Expect(err).NotTo(HaveOccurred())

		Expect(a.Off).To(Equal(uint32(0)))
		Expect(b.Off).To(Equal(uint32(4)))
		Expect(b.GPUVA()).To(Equal(uint64(0x10_0010)))
		Expect(pool.Used()).To(Equal(uint32(8)))
	})

	ginkgo.It("should fail with out of memory when full", func() {
		_, err := pool.Alloc(12)
		Expect(err).NotTo(HaveOccurred())

		_, err = pool.Alloc(8)

		Expect(errors.Is(err, gpuerr.ErrOutOfMemory)).To(BeTrue())
	})

	ginkgo.It("should skip the tail instead of wrapping a block", func() {
		a, _ := pool.Alloc(6)
		b, _ := pool.Alloc(6)
		a.Free()

		c, err := pool.Alloc(6)

		Expect(err).NotTo(HaveOccurred())
		Expect(c.Off).To(Equal(uint32(0)))
		Expect(pool.Used()).To(Equal(uint32(16)))

		b.Free()
		c.Free()
		Expect(pool.Used()).To(Equal(uint32(0)))
	})

	ginkgo.It("should roll back the latest allocation", func() {
		a, _ := pool.Alloc(4)
		b, _ := pool.Alloc(4)

		b.Rollback()
		a.Rollback()

		Expect(pool.Used()).To(Equal(uint32(0)))
		c, _ := pool.Alloc(4)
		Expect(c.Off).To(Equal(uint32(0)))
	})

	ginkgo.It("should panic when rolling back an older allocation", func() {
		a, _ := pool.Alloc(4)
		_, _ = pool.Alloc(4)

		Expect(func() { a.Rollback() }).To(Panic())
	})

	ginkgo.It("should expose written commands to the consumer", func() {
		e, _ := pool.Alloc(4)
		e.Append(1, 2, 3)

		g := e.GPFIFOEntry()

		Expect(pool.Contains(g.GPUVA())).To(BeTrue())
		Expect(pool.Read(g.GPUVA(), g.Words())).To(Equal([]uint32{1, 2, 3}))
	})

	ginkgo.It("should ignore freeing an entry without pool space", func() {
		e := &Entry{}

		Expect(func() { e.Free() }).NotTo(Panic())
	})
})
