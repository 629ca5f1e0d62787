package vm

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/nvgpusim/gpuerr"
)

var _ = Describe("AddressSpace", func() {
	var as *AddressSpace

	BeforeEach(func() {
		as = NewAddressSpace(1, 12)
	})

	It("should find the pte of any address in a page", func() {
		as.Insert(0x1000, MakePTE(0x8000_0000, true, false))

		pte, err := as.GetPTE(0x1abc)

		Expect(err).NotTo(HaveOccurred())
		Expect(pte.Valid()).To(BeTrue())
		Expect(pte.PAddr()).To(Equal(uint64(0x8000_0000)))
	})

	It("should report a missing pte", func() {
		_, err := as.GetPTE(0x5000)

		Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
	})

	It("should update a pte", func() {
		as.Insert(0x1000, MakePTE(0x2000, false, true))
		pte, _ := as.GetPTE(0x1000)
		Expect(pte.ReadOnly()).To(BeTrue())

		pte[0] |= PTEValid
		Expect(as.SetPTE(0x1000, pte)).To(Succeed())

		pte, _ = as.GetPTE(0x1000)
		Expect(pte.Valid()).To(BeTrue())
	})

	It("should panic on double mapping", func() {
		as.Insert(0x1000, PTE{})

		Expect(func() { as.Insert(0x1004, PTE{}) }).To(Panic())
	})

	It("should map buffers page by page", func() {
		b := as.MapBuffer(0x10000, 0x9000_0000, 0x3000, false)

		Expect(as.NumPages()).To(Equal(3))
		Expect(b.Refs()).To(Equal(int32(1)))
		Expect(as.Buffers()).To(ConsistOf(b))
	})

	It("should count tlb invalidations and call hooks", func() {
		called := 0
		as.OnInvalidate(func(*AddressSpace) { called++ })

		as.InvalidateTLB()

		Expect(as.TLBInvalidates()).To(Equal(uint64(1)))
		Expect(called).To(Equal(1))
	})
})
