package mlr

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"hiermlr/internal/tensor"
)

// Draw holds every quantity derived from one parameter draw.
type Draw struct {
	Params Params
	// Freq is T x V x G.
	Freq *tensor.Dense3
	// GA is V x G with the pivot row 1.
	GA *mat.Dense
	// GALoc is the pooled growth advantage per variant.
	GALoc []float64
	// SeqCounts is a posterior predictive draw of the counts, T x V x G.
	SeqCounts *tensor.Dense3
}

// Sites evaluates the deterministic sites at x and, when src is non-nil,
// draws posterior predictive counts.
func (m *Model) Sites(x []float64, src rand.Source) (*Draw, error) {
	p, err := m.Unpack(x)
	if err != nil {
		return nil, err
	}
	d := &Draw{
		Params: p,
		Freq:   m.Frequencies(m.Logits(p.Coefficients)),
		GA:     m.GrowthAdvantage(p.Coefficients),
		GALoc:  m.GrowthAdvantageLoc(p),
	}
	if src != nil {
		d.SeqCounts = SimulateCounts(d.Freq, m.totals, src)
	}
	return d, nil
}

// SimulateCounts draws multinomial counts for every (t, g) with a positive
// total as a chain of conditional binomials. NaN frequencies are treated
// as zero and cells with a missing or zero total stay zero.
func SimulateCounts(freq *tensor.Dense3, totals *mat.Dense, src rand.Source) *tensor.Dense3 {
	T, V, G := freq.Dims()
	out := tensor.New(T, V, G)
	for t := 0; t < T; t++ {
		for g := 0; g < G; g++ {
			n := totals.At(t, g)
			if math.IsNaN(n) || n <= 0 {
				continue
			}
			var mass float64
			last := -1
			for v := 0; v < V; v++ {
				if p := freq.At(t, v, g); !math.IsNaN(p) && p > 0 {
					mass += p
					last = v
				}
			}
			remaining := math.Round(n)
			for v := 0; v < V && remaining > 0 && mass > 0; v++ {
				p := freq.At(t, v, g)
				if math.IsNaN(p) || p <= 0 {
					continue
				}
				q := p / mass
				var k float64
				if q >= 1 || v == last {
					k = remaining
				} else {
					k = distuv.Binomial{N: remaining, P: q, Src: src}.Rand()
				}
				out.Set(t, v, g, k)
				remaining -= k
				mass -= p
			}
		}
	}
	return out
}
