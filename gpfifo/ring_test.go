package gpfifo

import (
	"errors"
	"math/rand"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/nvgpusim/gpuerr"
)

func makeEntries(base uint64, n int) []Entry {
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = MakeEntry(base+uint64(i)*0x100, uint32(i+1))
	}

	return entries
}

var _ = ginkgo.Describe("Ring", func() {
	var ring *Ring

	ginkgo.BeforeEach(func() {
		var err error
		ring, err = NewRing(8)
		Expect(err).NotTo(HaveOccurred())
	})

	ginkgo.It("should reject entry counts that are not a power of two", func() {
		_, err := NewRing(6)
		Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
	})

	ginkgo.It("should keep one slot reserved", func() {
		Expect(ring.FreeCount()).To(Equal(uint32(7)))

		ring.Append(makeEntries(0x1000, 7))

		Expect(ring.FreeCount()).To(Equal(uint32(0)))
		Expect(ring.Put()).NotTo(Equal(ring.Get()))
	})

	ginkgo.It("should panic when appending without reserved space", func() {
		ring.Append(makeEntries(0x1000, 7))

		Expect(func() { ring.Append(makeEntries(0x2000, 1)) }).To(Panic())
	})

	ginkgo.It("should split a wrapping append into two linear writes", func() {
		ring.Append(makeEntries(0x1000, 5))
		ring.Publish()
		for i := 0; i < 5; i++ {
			ring.Consume()
		}
		ring.UpdateGet()
		Expect(ring.Put()).To(Equal(uint32(5)))

		expected, err := NewRing(8)
		Expect(err).NotTo(HaveOccurred())
		copy(expected.entries, ring.entries)

		src := makeEntries(0x9000, 5)
		ring.Append(src)

		copy(expected.entries[5:8], src[:3])
		copy(expected.entries[0:2], src[3:])

		Expect(ring.Snapshot()).To(Equal(expected.Snapshot()))
		Expect(ring.Put()).To(Equal(uint32(2)))
	})

	ginkgo.It("should not expose appended entries before publish", func() {
		ring.Append(makeEntries(0x1000, 3))

		Expect(ring.Pending()).To(Equal(uint32(0)))

		ring.Publish()

		Expect(ring.Pending()).To(Equal(uint32(3)))
		Expect(ring.At(0).GPUVA()).To(Equal(uint64(0x1000)))
	})

	ginkgo.It("should rewind an unpublished append", func() {
		mark := ring.Mark()
		ring.Append(makeEntries(0x1000, 3))

		ring.Rewind(mark)

		Expect(ring.Put()).To(Equal(mark))
		Expect(ring.FreeCount()).To(Equal(uint32(7)))
	})

	ginkgo.It("should refresh the cached get from the hardware", func() {
		ring.Append(makeEntries(0x1000, 7))
		ring.Publish()
		ring.Consume()
		ring.Consume()

		Expect(ring.FreeCount()).To(Equal(uint32(0)))
		Expect(ring.UpdateGet()).To(Equal(uint32(2)))
	})

	ginkgo.It("should never fill every slot under random traffic", func() {
		r := rand.New(rand.NewSource(1))
		for i := 0; i < 1000; i++ {
			if r.Intn(2) == 0 {
				n := uint32(r.Intn(4))
				if ring.UpdateGet() >= n && n > 0 {
					ring.Append(makeEntries(uint64(i)<<12, int(n)))
					ring.Publish()
					Expect(ring.Put()).NotTo(Equal(ring.Get()))
				}
			} else if ring.Pending() > 0 {
				ring.Consume()
			}

			occupied := (ring.Put() - ring.Get()) & ring.mask
			Expect(occupied).To(BeNumerically("<=", ring.Usable()))
		}
	})
})

var _ = ginkgo.Describe("Entry", func() {
	ginkgo.It("should round trip address and length", func() {
		e := MakeEntry(0x12_3456_7890, 42)

		Expect(e.GPUVA()).To(Equal(uint64(0x12_3456_7890)))
		Expect(e.Words()).To(Equal(uint32(42)))
	})

	ginkgo.It("should convert legacy user entries", func() {
		buf := EncodeLegacy([]LegacyEntry{{GPUVA: 0x4000, Words: 8}})

		entries, err := buf.ReadEntries(0, 1, false)

		Expect(err).NotTo(HaveOccurred())
		Expect(entries[0]).To(Equal(MakeEntry(0x4000, 8)))
	})

	ginkgo.It("should read hardware format user entries", func() {
		src := makeEntries(0x1000, 4)
		buf := EncodeHW(src)

		entries, err := buf.ReadEntries(1, 3, true)

		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(Equal(src[1:]))
	})

	ginkgo.It("should fail to read past the user buffer", func() {
		buf := EncodeHW(makeEntries(0x1000, 2))

		_, err := buf.ReadEntries(1, 2, true)

		Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
	})
})
