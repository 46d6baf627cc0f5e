package inference

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"hiermlr/internal/monitoring"
)

// Defaults used when Options leave a field unset.
const (
	DefaultIterations  = 50000
	DefaultGradientTol = 1e-6
	DefaultNumSamples  = 1500
	DefaultSeed        = 20240101
)

// stalledGradTol is the largest gradient (max norm) at which a failed line
// search still counts as having reached the mode.
const stalledGradTol = 1e-3

// ErrNotConverged is returned when the optimiser stops short of the mode.
var ErrNotConverged = errors.New("optimiser did not converge")

// MAP finds the posterior mode with L-BFGS and returns it as a single draw.
type MAP struct {
	Iterations  int
	GradientTol float64
	Logger      *logrus.Logger
}

// Fit maximises target's log density starting from target.Initial().
func (e MAP) Fit(ctx context.Context, target Target, name string) (*Draws, error) {
	mode, f, iters, err := e.optimize(ctx, target, name)
	if err != nil {
		return nil, err
	}
	return &Draws{
		Name:       name,
		Method:     MethodMAP,
		X:          mat.NewDense(1, len(mode), mode),
		Mode:       mode,
		LogDensity: f,
		Iterations: iters,
	}, nil
}

// optimize returns the mode, the log density there and the iteration count.
func (e MAP) optimize(ctx context.Context, target Target, name string) ([]float64, float64, int, error) {
	logger := monitoring.Or(e.Logger)
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}
	if target == nil {
		return nil, 0, 0, fmt.Errorf("fit %s: no target", name)
	}

	x0 := target.Initial()
	if len(x0) != target.Dim() {
		return nil, 0, 0, fmt.Errorf("fit %s: initial point has length %d, expected %d", name, len(x0), target.Dim())
	}

	iters := e.Iterations
	if iters <= 0 {
		iters = DefaultIterations
	}
	tol := e.GradientTol
	if tol <= 0 {
		tol = DefaultGradientTol
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return -target.LogDensity(x)
		},
		Grad: func(grad, x []float64) {
			target.Gradient(grad, x)
			floats.Scale(-1, grad)
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   iters,
		GradientThreshold: tol,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-12,
			Iterations: 50,
		},
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if result == nil {
		return nil, 0, 0, fmt.Errorf("fit %s: %w", name, err)
	}
	if math.IsNaN(result.F) || math.IsInf(result.F, 0) {
		return nil, 0, 0, fmt.Errorf("fit %s: optimiser ended at non-finite log density (status %v): %v", name, result.Status, err)
	}

	fields := logrus.Fields{
		"fit":         name,
		"status":      result.Status.String(),
		"iterations":  result.Stats.MajorIterations,
		"evaluations": result.Stats.FuncEvaluations,
		"log_density": -result.F,
	}
	switch result.Status {
	case optimize.IterationLimit, optimize.RuntimeLimit,
		optimize.FunctionEvaluationLimit, optimize.GradientEvaluationLimit:
		logger.WithFields(fields).Error("optimiser hit a limit before converging")
		return nil, 0, 0, fmt.Errorf("fit %s: %w: stopped with status %v after %d iterations",
			name, ErrNotConverged, result.Status, result.Stats.MajorIterations)
	}
	if err != nil {
		gradNorm := math.Inf(1)
		if len(result.Gradient) > 0 {
			gradNorm = floats.Norm(result.Gradient, math.Inf(1))
		}
		if !errors.Is(err, optimize.ErrLinesearcherFailure) || gradNorm > stalledGradTol {
			logger.WithFields(fields).WithError(err).Error("optimiser failed")
			return nil, 0, 0, fmt.Errorf("fit %s: %w: %v (gradient norm %.3g)", name, ErrNotConverged, err, gradNorm)
		}
		// The line search stalled at the mode; the point is kept.
		logger.WithFields(fields).WithField("gradient_norm", gradNorm).WithError(err).Warn("line search stalled near the mode")
	} else {
		logger.WithFields(fields).Info("optimisation finished")
	}

	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}
	return result.X, -result.F, result.Stats.MajorIterations, nil
}
