package workload

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Summarize", func() {
	It("should return zero for an empty sample", func() {
		Expect(Summarize(nil)).To(Equal(Summary{}))
	})

	It("should not reorder the input", func() {
		x := []float64{3, 1, 2}

		s := Summarize(x)

		Expect(x).To(Equal([]float64{3, 1, 2}))
		Expect(s.N).To(Equal(3))
		Expect(s.Mean).To(BeNumerically("~", 2))
		Expect(s.P50).To(BeNumerically("~", 2))
		Expect(s.Max).To(BeNumerically("~", 3))
		Expect(s.StdDev).To(BeNumerically("~", 1))
	})

	It("should leave the deviation of one value at zero", func() {
		s := Summarize([]float64{5})

		Expect(s.StdDev).To(BeZero())
		Expect(s.P99).To(BeNumerically("~", 5))
	})
})
