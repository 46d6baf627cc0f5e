package mlr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Prior scales of the intercepts and the slope locations.
const (
	InterceptScale = 6.0
	SlopeLocScale  = 0.2
)

// Coefficients are the per-group regression weights. Both matrices are
// V x G and the pivot (last) row is zero.
type Coefficients struct {
	Intercept *mat.Dense
	Slope     *mat.Dense
}

// Params is one point in parameter space, in natural units.
type Params struct {
	Coefficients

	// SlopeLoc is the pooled slope location per variant (pivot last, 0).
	SlopeLoc []float64
	// SlopeScale is the pooled slope spread shared by all variants.
	SlopeScale float64
}

// Dim is the length of the unconstrained parameter vector.
//
// Layout, with K = (V-1)*G and entries ordered variant-major:
//
//	[0, K)          z_alpha   intercept = 6 z_alpha
//	[K, 2K)         z_beta    slope = loc + scale z_beta
//	[2K, 2K+V-1)    z_loc     loc = 0.2 z_loc
//	2K+V-1          u         scale = pool_scale * exp(u)
func (m *Model) Dim() int {
	k := (m.V - 1) * m.G
	return 2*k + (m.V - 1) + 1
}

func (m *Model) offsets() (za, zb, zl, u int) {
	k := (m.V - 1) * m.G
	return 0, k, 2 * k, 2*k + m.V - 1
}

// Unpack maps an unconstrained vector to natural parameters.
func (m *Model) Unpack(x []float64) (Params, error) {
	if len(x) != m.Dim() {
		return Params{}, fmt.Errorf("parameter vector has length %d, expected %d", len(x), m.Dim())
	}
	za, zb, zl, u := m.offsets()
	V, G := m.V, m.G

	p := Params{
		Coefficients: Coefficients{
			Intercept: mat.NewDense(V, G, nil),
			Slope:     mat.NewDense(V, G, nil),
		},
		SlopeLoc:   make([]float64, V),
		SlopeScale: m.cfg.PoolScale * math.Exp(x[u]),
	}
	for v := 0; v < V-1; v++ {
		p.SlopeLoc[v] = SlopeLocScale * x[zl+v]
		for g := 0; g < G; g++ {
			i := v*G + g
			p.Intercept.Set(v, g, InterceptScale*x[za+i])
			p.Slope.Set(v, g, p.SlopeLoc[v]+p.SlopeScale*x[zb+i])
		}
	}
	return p, nil
}

// Pack is the inverse of Unpack. The pivot rows of p are ignored.
func (m *Model) Pack(p Params) []float64 {
	x := make([]float64, m.Dim())
	za, zb, zl, u := m.offsets()
	G := m.G
	x[u] = math.Log(p.SlopeScale / m.cfg.PoolScale)
	for v := 0; v < m.V-1; v++ {
		x[zl+v] = p.SlopeLoc[v] / SlopeLocScale
		for g := 0; g < G; g++ {
			i := v*G + g
			x[za+i] = p.Intercept.At(v, g) / InterceptScale
			x[zb+i] = (p.Slope.At(v, g) - p.SlopeLoc[v]) / p.SlopeScale
		}
	}
	return x
}
