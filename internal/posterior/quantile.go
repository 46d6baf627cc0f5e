// Package posterior summarises fitted posteriors into the tidy results
// document and reads it back.
package posterior

import (
	"fmt"
	"math"
	"sort"
)

// DefaultPS are the credible interval widths reported by default.
var DefaultPS = []float64{0.5, 0.8, 0.95}

// MedianLabel tags the posterior median.
const MedianLabel = "median"

// Quantile returns the empirical q-quantile of samples (0 <= q <= 1) using
// linear interpolation between order statistics. Any NaN sample makes the
// result NaN: an excluded cell is excluded in every draw.
func Quantile(samples []float64, q float64) float64 {
	sorted, ok := sortedCopy(samples)
	if !ok {
		return math.NaN()
	}
	return quantileSorted(sorted, q)
}

// HDI returns the narrowest interval holding a share p of the samples. With n
// draws it spans floor(p*n)+1 consecutive order statistics; ties go to the
// lowest window. NaN samples make both bounds NaN.
func HDI(samples []float64, p float64) (lo, hi float64) {
	sorted, ok := sortedCopy(samples)
	if !ok {
		return math.NaN(), math.NaN()
	}
	return hdiSorted(sorted, p)
}

func sortedCopy(samples []float64) ([]float64, bool) {
	if len(samples) == 0 {
		return nil, false
	}
	tmp := make([]float64, len(samples))
	for i, x := range samples {
		if math.IsNaN(x) {
			return nil, false
		}
		tmp[i] = x
	}
	sort.Float64s(tmp)
	return tmp, true
}

func quantileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}

	pos := q * float64(n-1)
	below := int(math.Floor(pos))
	above := int(math.Ceil(pos))
	if above == below {
		return sorted[below]
	}
	w := pos - float64(below)
	return sorted[below]*(1-w) + sorted[above]*w
}

func hdiSorted(sorted []float64, p float64) (lo, hi float64) {
	n := len(sorted)
	span := int(math.Floor(p * float64(n)))
	if span >= n {
		return sorted[0], sorted[n-1]
	}
	best := 0
	for i := 1; i+span < n; i++ {
		if sorted[i+span]-sorted[i] < sorted[best+span]-sorted[best] {
			best = i
		}
	}
	return sorted[best], sorted[best+span]
}

// Interval is one labelled summary of a sample set: the median when Mass is
// zero, otherwise one bound of the highest density interval of that mass.
type Interval struct {
	Label string
	Mass  float64
	Upper bool
}

// Intervals expands interval widths into the median plus lower and upper
// bounds, labelled "median", "HDI_<p>_lower" and "HDI_<p>_upper".
func Intervals(ps []float64) ([]Interval, error) {
	out := []Interval{{Label: MedianLabel}}
	for _, p := range ps {
		if !(p > 0 && p < 1) {
			return nil, fmt.Errorf("interval width must be in (0, 1), got %v", p)
		}
		pct := int(math.Round(p * 100))
		out = append(out,
			Interval{Label: fmt.Sprintf("HDI_%d_lower", pct), Mass: p},
			Interval{Label: fmt.Sprintf("HDI_%d_upper", pct), Mass: p, Upper: true},
		)
	}
	return out, nil
}

// Summarise evaluates every interval on samples, sorting them once. The
// result is all NaN when samples is empty or holds a NaN.
func Summarise(samples []float64, ivs []Interval) []float64 {
	out := make([]float64, len(ivs))
	sorted, ok := sortedCopy(samples)
	for i, iv := range ivs {
		switch {
		case !ok:
			out[i] = math.NaN()
		case iv.Mass == 0:
			out[i] = quantileSorted(sorted, 0.5)
		default:
			lo, hi := hdiSorted(sorted, iv.Mass)
			out[i] = lo
			if iv.Upper {
				out[i] = hi
			}
		}
	}
	return out
}

// Labels returns just the labels of Intervals(ps).
func Labels(ivs []Interval) []string {
	out := make([]string, len(ivs))
	for i, iv := range ivs {
		out[i] = iv.Label
	}
	return out
}

// Round3 rounds to three decimals.
func Round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
