package mlr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// smoothing added to counts before taking log ratios
const logRatioPseudocount = 0.5

// Initial returns a starting point for optimisation: per-group least squares
// fits of the empirical log ratio against the pivot, converted to the
// unconstrained layout.
func (m *Model) Initial() []float64 {
	c, err := m.WarmStart()
	if err != nil {
		return make([]float64, m.Dim())
	}

	V, G := m.V, m.G
	p := Params{Coefficients: c, SlopeLoc: make([]float64, V)}

	spread := make([]float64, 0, (V-1)*G)
	row := make([]float64, G)
	for v := 0; v < V-1; v++ {
		mat.Row(row, v, c.Slope)
		p.SlopeLoc[v] = stat.Mean(row, nil)
		for _, b := range row {
			spread = append(spread, b-p.SlopeLoc[v])
		}
	}
	var ss float64
	for _, d := range spread {
		ss += d * d
	}
	p.SlopeScale = math.Max(math.Sqrt(ss/float64(len(spread))), 0.1*m.cfg.PoolScale)

	return m.Pack(p)
}

// WarmStart regresses log((y_v+0.5)/(y_pivot+0.5)) on (1, t) for every group
// and non-pivot variant, using only time points with a positive total.
func (m *Model) WarmStart() (Coefficients, error) {
	V, G := m.V, m.G
	c := Coefficients{Intercept: mat.NewDense(V, G, nil), Slope: mat.NewDense(V, G, nil)}

	for g := 0; g < G; g++ {
		var rows []int
		for t := 0; t < m.T; t++ {
			n := m.totals.At(t, g)
			if !math.IsNaN(n) && n > 0 {
				rows = append(rows, t)
			}
		}
		if len(rows) < 2 {
			continue
		}

		X := mat.NewDense(len(rows), 2, nil)
		Y := mat.NewDense(len(rows), V-1, nil)
		for i, t := range rows {
			X.Set(i, 0, 1)
			X.Set(i, 1, float64(t))
			ref := m.observed(t, V-1, g) + logRatioPseudocount
			for v := 0; v < V-1; v++ {
				Y.Set(i, v, math.Log((m.observed(t, v, g)+logRatioPseudocount)/ref))
			}
		}

		B, err := leastSquares(X, Y)
		if err != nil {
			return Coefficients{}, fmt.Errorf("warm start for group %d: %w", g, err)
		}
		for v := 0; v < V-1; v++ {
			c.Intercept.Set(v, g, B.At(0, v))
			c.Slope.Set(v, g, B.At(1, v))
		}
	}
	return c, nil
}

// leastSquares solves X B = Y. It uses the normal equations when X'X is
// invertible and falls back to a minimum-norm SVD solution otherwise.
func leastSquares(X, Y *mat.Dense) (*mat.Dense, error) {
	_, k := X.Dims()
	_, q := Y.Dims()

	var xtx mat.Dense
	xtx.Mul(X.T(), X)

	var xtxInv mat.Dense
	invErr := xtxInv.Inverse(&xtx)
	if invErr == nil {
		var xty, B mat.Dense
		xty.Mul(X.T(), Y)
		B.Mul(&xtxInv, &xty)
		return &B, nil
	}

	// X'X is singular or badly conditioned.
	var svd mat.SVD
	if !svd.Factorize(X, mat.SVDThin) {
		return nil, fmt.Errorf("least squares failed: X'X singular and SVD factorization failed: %v", invErr)
	}
	rank := svd.Rank(1e-12)
	if rank == 0 {
		return mat.NewDense(k, q, nil), nil
	}
	var B mat.Dense
	svd.SolveTo(&B, Y, rank)
	return &B, nil
}
