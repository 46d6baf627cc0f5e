// Package inference fits a model's posterior. The engines only see a Target,
// so any model that can report a log density and its gradient can be fit.
package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"hiermlr/internal/internalerr"
)

// Target is an unnormalised log density over an unconstrained vector.
type Target interface {
	// Dim is the length of the parameter vector.
	Dim() int
	// LogDensity evaluates the log density at x.
	LogDensity(x []float64) float64
	// Gradient writes d LogDensity / dx at x into grad.
	Gradient(grad, x []float64)
	// Initial returns a starting point for optimisation.
	Initial() []float64
}

// Draws is the collection an engine returns.
type Draws struct {
	// Name identifies the fit ("hierarchical" or a location).
	Name string
	// Method is the engine that produced the draws.
	Method string
	// X holds one draw per row.
	X *mat.Dense
	// Mode is the optimum the draws are centred on.
	Mode []float64
	// LogDensity is the log density at Mode.
	LogDensity float64
	// Iterations used by the optimiser.
	Iterations int
}

// Len returns the number of draws.
func (d *Draws) Len() int {
	r, _ := d.X.Dims()
	return r
}

// At returns a copy of draw i.
func (d *Draws) At(i int) []float64 {
	return mat.Row(nil, i, d.X)
}

// Engine turns a Target into draws. Failures (non-convergence, numerical
// errors) are returned as errors and never retried here.
type Engine interface {
	Fit(ctx context.Context, target Target, name string) (*Draws, error)
}

// Method names accepted by NewEngine.
const (
	MethodMAP     = "MAP"
	MethodLaplace = "Laplace"
)

// Options configures the engines.
type Options struct {
	// Iterations caps optimiser major iterations.
	Iterations int
	// GradientTol stops optimisation once the gradient norm drops below it.
	GradientTol float64
	// NumSamples is the number of Laplace draws.
	NumSamples int
	// Seed makes Laplace draws reproducible.
	Seed   uint64
	Logger *logrus.Logger
}

// NewEngine builds the engine named by method (case-insensitive).
func NewEngine(method string, opts Options) (Engine, error) {
	m := MAP{Iterations: opts.Iterations, GradientTol: opts.GradientTol, Logger: opts.Logger}
	switch strings.ToLower(strings.TrimSpace(method)) {
	case strings.ToLower(MethodMAP):
		return m, nil
	case "", strings.ToLower(MethodLaplace):
		return Laplace{MAP: m, NumSamples: opts.NumSamples, Seed: opts.Seed, Logger: opts.Logger}, nil
	}
	return nil, fmt.Errorf("%w: unknown inference method %q (want %s or %s)",
		internalerr.ErrInvalidConfig, method, MethodMAP, MethodLaplace)
}
