package mlr

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"hiermlr/internal/tensor"
)

var logSqrt2Pi = 0.5 * math.Log(2*math.Pi)

func stdNormalLogPdf(z float64) float64 { return -0.5*z*z - logSqrt2Pi }

// likelihoodSets returns, per time point, the variants that enter the
// multinomial at that time.
func (m *Model) likelihoodSets() [][]int {
	sets := make([][]int, m.T)
	if m.cfg.Mode == Windowed {
		for _, seg := range m.segments {
			for _, t := range seg.Times {
				sets[t] = seg.Variants
			}
		}
		return sets
	}
	all := make([]int, m.V)
	for v := range all {
		all[v] = v
	}
	for t := range sets {
		sets[t] = all
	}
	return sets
}

// LogLikelihood is the multinomial log-likelihood of the observed counts,
// including the normalising constant. Cells whose total is missing or zero
// contribute nothing. Missing observations count as zero.
func (m *Model) LogLikelihood(c Coefficients) float64 {
	return m.accumulate(m.Logits(c), nil)
}

// accumulate evaluates the log-likelihood for the given logits. When resid
// is non-nil it receives d(loglik)/d(logit) for every cell that enters the
// likelihood.
func (m *Model) accumulate(logits, resid *tensor.Dense3) float64 {
	var ll float64
	sets := m.likelihoodSets()
	buf := make([]float64, m.V)
	for t := 0; t < m.T; t++ {
		vs := sets[t]
		if len(vs) == 0 {
			continue
		}
		for g := 0; g < m.G; g++ {
			n := m.totals.At(t, g)
			if math.IsNaN(n) || n == 0 {
				continue
			}
			s := buf[:len(vs)]
			for i, v := range vs {
				s[i] = logits.At(t, v, g)
			}
			lse := floats.LogSumExp(s)

			var ysum float64
			for i, v := range vs {
				y := m.observed(t, v, g)
				ysum += y
				lg, _ := math.Lgamma(y + 1)
				ll += y*(s[i]-lse) - lg
			}
			lg, _ := math.Lgamma(ysum + 1)
			ll += lg

			if resid != nil {
				for i, v := range vs {
					resid.Set(t, v, g, m.observed(t, v, g)-ysum*math.Exp(s[i]-lse))
				}
			}
		}
	}
	if resid != nil && m.cfg.Mode == SimpleExclusion {
		// Masked logits are constants.
		for t := 0; t < m.T; t++ {
			for v := 0; v < m.V; v++ {
				if !m.mask.At(t, v) {
					for g := 0; g < m.G; g++ {
						resid.Set(t, v, g, 0)
					}
				}
			}
		}
	}
	return ll
}

func (m *Model) observed(t, v, g int) float64 {
	y := m.counts.At(t, v, g)
	if math.IsNaN(y) {
		return 0
	}
	return y
}

// LogDensity is the unnormalised log posterior at the unconstrained point x:
// standard normal priors on the raw variables, a half-normal on exp(u) with
// its log-Jacobian, and the likelihood.
func (m *Model) LogDensity(x []float64) float64 {
	p, err := m.Unpack(x)
	if err != nil {
		return math.Inf(-1)
	}
	_, _, _, u := m.offsets()

	var lp float64
	for i := 0; i < u; i++ {
		lp += stdNormalLogPdf(x[i])
	}
	s := math.Exp(x[u])
	lp += math.Ln2 - logSqrt2Pi - 0.5*s*s + x[u]

	return lp + m.LogLikelihood(p.Coefficients)
}

// Gradient writes the gradient of LogDensity at x into grad.
func (m *Model) Gradient(grad, x []float64) {
	p, err := m.Unpack(x)
	if err != nil {
		panic(err)
	}
	za, zb, zl, u := m.offsets()
	V, G := m.V, m.G

	resid := tensor.New(m.T, V, G)
	m.accumulate(m.Logits(p.Coefficients), resid)

	for i := range grad {
		grad[i] = -x[i]
	}
	s := math.Exp(x[u])
	grad[u] = 1 - s*s

	for v := 0; v < V-1; v++ {
		for g := 0; g < G; g++ {
			var dA, dB float64
			for t := 0; t < m.T; t++ {
				r := resid.At(t, v, g)
				dA += r
				dB += r * float64(t)
			}
			i := v*G + g
			grad[za+i] += InterceptScale * dA
			grad[zb+i] += p.SlopeScale * dB
			grad[zl+v] += SlopeLocScale * dB
			grad[u] += dB * p.SlopeScale * x[zb+i]
		}
	}
}
