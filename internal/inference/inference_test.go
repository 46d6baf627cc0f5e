package inference

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"hiermlr/internal/dates"
	"hiermlr/internal/freqdata"
	"hiermlr/internal/internalerr"
	"hiermlr/internal/mlr"
	"hiermlr/internal/monitoring"
)

func init() { monitoring.SetLogger(nil) }

// gaussian is log p(x) = -0.5 (x-mu)' A (x-mu).
type gaussian struct {
	mu []float64
	A  *mat.SymDense
}

func (g gaussian) Dim() int { return len(g.mu) }

func (g gaussian) diff(x []float64) *mat.VecDense {
	d := mat.NewVecDense(len(x), nil)
	for i := range x {
		d.SetVec(i, x[i]-g.mu[i])
	}
	return d
}

func (g gaussian) LogDensity(x []float64) float64 {
	d := g.diff(x)
	return -0.5 * mat.Inner(d, g.A, d)
}

func (g gaussian) Gradient(grad, x []float64) {
	var ad mat.VecDense
	ad.MulVec(g.A, g.diff(x))
	for i := range grad {
		grad[i] = -ad.AtVec(i)
	}
}

func (g gaussian) Initial() []float64 { return make([]float64, len(g.mu)) }

func testGaussian() gaussian {
	return gaussian{
		mu: []float64{1, -2, 0.5},
		A:  mat.NewSymDense(3, []float64{4, 1, 0, 1, 3, 0.5, 0, 0.5, 2}),
	}
}

func TestNewEngine(t *testing.T) {
	e, err := NewEngine("map", Options{})
	require.NoError(t, err)
	assert.IsType(t, MAP{}, e)

	e, err = NewEngine("", Options{NumSamples: 10})
	require.NoError(t, err)
	assert.IsType(t, Laplace{}, e)

	_, err = NewEngine("NUTS", Options{})
	assert.True(t, errors.Is(err, internalerr.ErrInvalidConfig))
}

func TestMAPFindsMode(t *testing.T) {
	g := testGaussian()
	d, err := MAP{}.Fit(context.Background(), g, "gauss")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, MethodMAP, d.Method)
	for i, m := range g.mu {
		assert.InDelta(t, m, d.Mode[i], 1e-4)
		assert.InDelta(t, m, d.At(0)[i], 1e-4)
	}
	assert.InDelta(t, 0, d.LogDensity, 1e-6)
}

func TestMAPReportsIterationLimit(t *testing.T) {
	_, err := MAP{Iterations: 1}.Fit(context.Background(), testGaussian(), "gauss")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConverged)
	assert.Contains(t, err.Error(), "gauss")

	_, err = Laplace{MAP: MAP{Iterations: 1}, NumSamples: 10}.Fit(context.Background(), testGaussian(), "gauss")
	assert.ErrorIs(t, err, ErrNotConverged)
}

func TestFitHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := MAP{}.Fit(ctx, testGaussian(), "gauss")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLaplaceMatchesGaussian(t *testing.T) {
	g := testGaussian()
	d, err := Laplace{NumSamples: 4000, Seed: 7}.Fit(context.Background(), g, "gauss")
	require.NoError(t, err)
	assert.Equal(t, 4000, d.Len())

	var want mat.Cholesky
	require.True(t, want.Factorize(g.A))
	var sigma mat.SymDense
	require.NoError(t, want.InverseTo(&sigma))

	cov, jitter, err := Covariance(g, d.Mode)
	require.NoError(t, err)
	assert.Zero(t, jitter)
	assert.True(t, mat.EqualApprox(cov, &sigma, 1e-5))

	col := make([]float64, d.Len())
	for i := range g.mu {
		mat.Col(col, i, d.X)
		assert.InDelta(t, g.mu[i], stat.Mean(col, nil), 0.05)
		assert.InDelta(t, math.Sqrt(sigma.At(i, i)), stat.StdDev(col, nil), 0.05)
	}

	again, err := Laplace{NumSamples: 4000, Seed: 7}.Fit(context.Background(), g, "gauss")
	require.NoError(t, err)
	assert.True(t, mat.Equal(d.X, again.X), "same seed should give the same draws")
}

// flat has no curvature along its second coordinate.
type flat struct{}

func (flat) Dim() int { return 2 }
func (flat) LogDensity(x []float64) float64 { return -0.5 * x[0] * x[0] }
func (flat) Gradient(grad, x []float64) { grad[0], grad[1] = -x[0], 0 }
func (flat) Initial() []float64 { return []float64{1, 1} }

// saddle curves the wrong way.
type saddle struct{}

func (saddle) Dim() int { return 1 }
func (saddle) LogDensity(x []float64) float64 { return 0.5 * x[0] * x[0] }
func (saddle) Gradient(grad, x []float64) { grad[0] = x[0] }
func (saddle) Initial() []float64 { return []float64{0} }

func TestCovarianceJitter(t *testing.T) {
	cov, jitter, err := Covariance(flat{}, []float64{0, 0})
	require.NoError(t, err)
	assert.Greater(t, jitter, 0.0)
	assert.InDelta(t, 1, cov.At(0, 0), 1e-6)

	_, _, err = Covariance(saddle{}, []float64{0})
	assert.Error(t, err)
}

func TestMultiPosteriorKeepsOrder(t *testing.T) {
	mp := NewMultiPosterior()
	mp.Add(&Posterior{Name: "b"})
	mp.Add(&Posterior{Name: "a"})
	mp.Add(&Posterior{Name: "b", RunID: "2"})
	assert.Equal(t, []string{"b", "a"}, mp.Names())
	assert.Equal(t, 2, mp.Len())
	p, ok := mp.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", p.RunID)
	_, ok = mp.Get("c")
	assert.False(t, ok)
}

func syntheticRecords() []freqdata.Record {
	d0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var out []freqdata.Record
	for i := 0; i < 20; i++ {
		d := d0.AddDate(0, 0, i)
		for _, loc := range []string{"Chile", "Peru"} {
			p := 1 / (1 + math.Exp(-(-2 + 0.25*float64(i))))
			out = append(out,
				freqdata.Record{Location: loc, Variant: "XBB", Date: d, Sequences: math.Round(50 * p)},
				freqdata.Record{Location: loc, Variant: "other", Date: d, Sequences: math.Round(50 * (1 - p))},
			)
		}
	}
	return out
}

func TestFitModels(t *testing.T) {
	req := FitRequest{
		Model:  mlr.DefaultConfig(),
		Engine: Laplace{MAP: MAP{Iterations: 5000}, NumSamples: 20, Seed: 3},
		Seed:   1,
	}
	strategies := []FitStrategy{
		Hierarchical{},
		PerLocation{Location: "Peru"},
		PerLocation{Location: "Atlantis"},
	}
	mp, err := FitModels(context.Background(), syntheticRecords(), strategies, req)
	require.NoError(t, err)
	assert.Equal(t, []string{HierarchicalName, "Peru"}, mp.Names())

	hier, _ := mp.Get(HierarchicalName)
	assert.Equal(t, []string{"Chile", "Peru"}, hier.Data.Names)
	require.Len(t, hier.Samples, 20)
	for _, s := range hier.Samples {
		// true slope 0.25 per day, generation time 4.8
		assert.InDelta(t, math.Exp(0.25*4.8), s.GA.At(0, 0), 1.0)
		assert.Equal(t, 1.0, s.GA.At(1, 1))
		T, _, _ := s.Freq.Dims()
		assert.Equal(t, 20, T)
	}
	assert.Equal(t, "2024-01-20", dates.Format(hier.Data.Index.Max()))

	peru, _ := mp.Get("Peru")
	assert.Equal(t, []string{"Peru"}, peru.Data.Names)
}

func TestFitModelsNoLocations(t *testing.T) {
	req := FitRequest{Model: mlr.DefaultConfig(), Engine: MAP{Iterations: 10}}
	_, err := FitModels(context.Background(), syntheticRecords(), []FitStrategy{Hierarchical{Groups: []string{"Mars"}}}, req)
	assert.ErrorIs(t, err, internalerr.ErrAllExcluded)

	_, err = FitModels(context.Background(), syntheticRecords(), nil, FitRequest{})
	assert.ErrorIs(t, err, internalerr.ErrInvalidConfig)
}
