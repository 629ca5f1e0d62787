package workload

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes a sample.
type Summary struct {
	N      int
	Mean   float64
	StdDev float64
	P50    float64
	P99    float64
	Max    float64
}

// Summarize computes the summary of x. x is not modified.
func Summarize(x []float64) Summary {
	if len(x) == 0 {
		return Summary{}
	}

	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)

	s := Summary{
		N:    len(sorted),
		Mean: stat.Mean(sorted, nil),
		P50:  stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P99:  stat.Quantile(0.99, stat.Empirical, sorted, nil),
		Max:  floats.Max(sorted),
	}

	if len(sorted) > 1 {
		s.StdDev = stat.StdDev(sorted, nil)
	}

	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("n=%d mean=%.3g sd=%.3g p50=%.3g p99=%.3g max=%.3g",
		s.N, s.Mean, s.StdDev, s.P50, s.P99, s.Max)
}
