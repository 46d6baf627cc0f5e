package inference

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"hiermlr/internal/monitoring"
)

// maxJitterTries bounds how often the diagonal is inflated before giving up.
const maxJitterTries = 5

// Laplace fits a Gaussian around the posterior mode. The precision is the
// negative Hessian of the log density, obtained by differencing the
// analytic gradient.
type Laplace struct {
	MAP        MAP
	NumSamples int
	Seed       uint64
	Logger     *logrus.Logger
}

// Fit finds the mode, builds the Gaussian approximation and draws from it.
func (e Laplace) Fit(ctx context.Context, target Target, name string) (*Draws, error) {
	logger := monitoring.Or(e.Logger)

	mode, f, iters, err := e.MAP.optimize(ctx, target, name)
	if err != nil {
		return nil, err
	}

	cov, jitter, err := Covariance(target, mode)
	if err != nil {
		return nil, fmt.Errorf("fit %s: %w", name, err)
	}
	if jitter > 0 {
		logger.WithFields(logrus.Fields{"fit": name, "jitter": jitter}).Warn("precision was not positive definite, added diagonal jitter")
	}

	seed := e.Seed
	if seed == 0 {
		seed = DefaultSeed
	}
	normal, ok := distmv.NewNormal(mode, cov, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	if !ok {
		return nil, fmt.Errorf("fit %s: covariance is not positive definite", name)
	}

	n := e.NumSamples
	if n <= 0 {
		n = DefaultNumSamples
	}
	X := mat.NewDense(n, len(mode), nil)
	row := make([]float64, len(mode))
	for i := 0; i < n; i++ {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		normal.Rand(row)
		X.SetRow(i, row)
	}

	logger.WithFields(logrus.Fields{"fit": name, "samples": n}).Info("drew from Laplace approximation")
	return &Draws{
		Name:       name,
		Method:     MethodLaplace,
		X:          X,
		Mode:       mode,
		LogDensity: f,
		Iterations: iters,
	}, nil
}

// Covariance inverts the negative Hessian of target's log density at x.
// When the precision is not positive definite the diagonal is inflated, up
// to maxJitterTries times; the jitter used is returned.
func Covariance(target Target, x []float64) (*mat.SymDense, float64, error) {
	n := len(x)
	H := mat.NewDense(n, n, nil)
	fd.Jacobian(H, target.Gradient, x, &fd.JacobianSettings{Formula: fd.Central})

	prec := mat.NewSymDense(n, nil)
	var scale float64
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			prec.SetSym(i, j, -0.5*(H.At(i, j)+H.At(j, i)))
		}
		scale += math.Abs(prec.At(i, i))
	}
	scale /= float64(n)
	if scale == 0 {
		scale = 1
	}

	var chol mat.Cholesky
	jitter := 0.0
	for try := 0; ; try++ {
		p := prec
		if jitter > 0 {
			p = mat.NewSymDense(n, nil)
			p.CopySym(prec)
			for i := 0; i < n; i++ {
				p.SetSym(i, i, p.At(i, i)+jitter)
			}
		}
		if chol.Factorize(p) {
			break
		}
		if try == maxJitterTries {
			return nil, jitter, fmt.Errorf("precision not positive definite after %d jitter attempts (last %g)", maxJitterTries, jitter)
		}
		if jitter == 0 {
			jitter = 1e-8 * scale
		} else {
			jitter *= 100
		}
	}

	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nil, jitter, fmt.Errorf("invert precision: %w", err)
	}
	return &cov, jitter, nil
}
