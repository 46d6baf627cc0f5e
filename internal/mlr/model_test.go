package mlr

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"hiermlr/internal/internalerr"
	"hiermlr/internal/tensor"
)

var allModes = []Mode{Unrestricted, Windowed, SimpleExclusion}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// scenario is the two-variant handover [[5,0],[5,0],[0,5],[0,5]] in one group.
func scenario() *tensor.Dense3 {
	counts := tensor.New(4, 2, 1)
	counts.Set(0, 0, 0, 5)
	counts.Set(1, 0, 0, 5)
	counts.Set(2, 1, 0, 5)
	counts.Set(3, 1, 0, 5)
	return counts
}

// randomCounts builds a T x V x G tensor where variant v only appears in a
// staggered stretch of time, so windows and segments are non-trivial.
func randomCounts(rng *rand.Rand, T, V, G int) *tensor.Dense3 {
	counts := tensor.New(T, V, G)
	for v := 0; v < V; v++ {
		start := rng.IntN(T / 2)
		if v == V-1 {
			start = 0
		}
		for t := start; t < T; t++ {
			for g := 0; g < G; g++ {
				counts.Set(t, v, g, float64(rng.IntN(20)))
			}
		}
	}
	return counts
}

func randomPoint(rng *rand.Rand, n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = 0.5 * rng.NormFloat64()
	}
	return x
}

func newModel(t *testing.T, counts *tensor.Dense3, mode Mode) *Model {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Mode = mode
	m, err := New(counts, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestModeFromFlags(t *testing.T) {
	cases := []struct {
		windowed, exclusion bool
		want                Mode
	}{
		{false, false, Unrestricted},
		{true, false, Windowed},
		{false, true, SimpleExclusion},
	}
	for _, c := range cases {
		got, err := ModeFromFlags(c.windowed, c.exclusion)
		if err != nil || got != c.want {
			t.Errorf("ModeFromFlags(%v, %v) = %v, %v; want %v", c.windowed, c.exclusion, got, err, c.want)
		}
	}
	if _, err := ModeFromFlags(true, true); !errors.Is(err, internalerr.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolScale = 0
	if _, err := New(scenario(), cfg); !errors.Is(err, internalerr.ErrInvalidConfig) {
		t.Errorf("zero pool scale: got %v", err)
	}
	cfg = DefaultConfig()
	cfg.LeftBuffer = -1
	if _, err := New(scenario(), cfg); !errors.Is(err, internalerr.ErrInvalidConfig) {
		t.Errorf("negative buffer: got %v", err)
	}
	if _, err := New(tensor.New(3, 1, 1), DefaultConfig()); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Errorf("single variant: got %v", err)
	}
}

func TestDim(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	m := newModel(t, randomCounts(rng, 10, 4, 3), Unrestricted)
	// 2 * (V-1) * G + (V-1) + 1
	if got := m.Dim(); got != 2*3*3+3+1 {
		t.Errorf("Dim = %d", got)
	}
	if _, err := m.Unpack(make([]float64, 3)); err == nil {
		t.Error("expected error for wrong parameter length")
	}
}

func TestPivotIsReferenceInEveryMode(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 7))
	counts := randomCounts(rng, 12, 4, 3)
	for _, mode := range allModes {
		m := newModel(t, counts, mode)
		for trial := 0; trial < 20; trial++ {
			d, err := m.Sites(randomPoint(rng, m.Dim()), nil)
			if err != nil {
				t.Fatalf("%v: Sites: %v", mode, err)
			}
			V := 4
			for g := 0; g < 3; g++ {
				if d.Params.Intercept.At(V-1, g) != 0 || d.Params.Slope.At(V-1, g) != 0 {
					t.Fatalf("%v: pivot coefficients not zero", mode)
				}
				if d.GA.At(V-1, g) != 1.0 {
					t.Fatalf("%v: pivot growth advantage = %v", mode, d.GA.At(V-1, g))
				}
			}
			if d.GALoc[V-1] != 1.0 {
				t.Fatalf("%v: pooled pivot growth advantage = %v", mode, d.GALoc[V-1])
			}
			if d.Params.SlopeLoc[V-1] != 0 {
				t.Fatalf("%v: pivot slope location = %v", mode, d.Params.SlopeLoc[V-1])
			}
		}
	}
}

func TestGrowthAdvantage(t *testing.T) {
	m := newModel(t, scenario(), Unrestricted)
	c := Coefficients{
		Intercept: mat.NewDense(2, 1, []float64{0.3, 0}),
		Slope:     mat.NewDense(2, 1, []float64{0.05, 0}),
	}
	ga := m.GrowthAdvantage(c)
	if !almostEqual(ga.At(0, 0), math.Exp(0.05*4.8), 1e-12) {
		t.Errorf("GA = %v", ga.At(0, 0))
	}
	loc := m.GrowthAdvantageLoc(Params{Coefficients: c, SlopeLoc: []float64{-0.1, 0}})
	if !almostEqual(loc[0], math.Exp(-0.48), 1e-12) || loc[1] != 1 {
		t.Errorf("GALoc = %v", loc)
	}
}

func TestUnrestrictedFrequencies(t *testing.T) {
	m := newModel(t, scenario(), Unrestricted)
	c := Coefficients{
		Intercept: mat.NewDense(2, 1, []float64{1, 0}),
		Slope:     mat.NewDense(2, 1, []float64{-0.5, 0}),
	}
	freq := m.Frequencies(m.Logits(c))
	for ti := 0; ti < 4; ti++ {
		logit := 1 - 0.5*float64(ti)
		want := 1 / (1 + math.Exp(-logit))
		if !almostEqual(freq.At(ti, 0, 0), want, 1e-12) {
			t.Errorf("t=%d: freq = %v, want %v", ti, freq.At(ti, 0, 0), want)
		}
		if !almostEqual(freq.At(ti, 0, 0)+freq.At(ti, 1, 0), 1, 1e-12) {
			t.Errorf("t=%d: frequencies do not sum to 1", ti)
		}
	}
}

func TestSimpleExclusionReportsMaskedCellsAsMissing(t *testing.T) {
	m := newModel(t, scenario(), SimpleExclusion)
	c := Coefficients{Intercept: mat.NewDense(2, 1, nil), Slope: mat.NewDense(2, 1, nil)}

	logits := m.Logits(c)
	if logits.At(2, 0, 0) != MaskedLogit || logits.At(0, 1, 0) != MaskedLogit {
		t.Errorf("masked logits not forced to %v", MaskedLogit)
	}
	freq := m.Frequencies(logits)
	if !math.IsNaN(freq.At(2, 0, 0)) || !math.IsNaN(freq.At(3, 0, 0)) {
		t.Errorf("variant 0 outside its window should be NaN, got %v, %v", freq.At(2, 0, 0), freq.At(3, 0, 0))
	}
	if !math.IsNaN(freq.At(0, 1, 0)) {
		t.Errorf("pivot outside its window should be NaN, got %v", freq.At(0, 1, 0))
	}
	want := 1 / (1 + math.Exp(MaskedLogit))
	if !almostEqual(freq.At(0, 0, 0), want, 1e-12) {
		t.Errorf("in-window freq = %v, want %v", freq.At(0, 0, 0), want)
	}
}

func TestWindowedRenormalisesPerSegment(t *testing.T) {
	counts := tensor.New(6, 3, 2)
	// variant 0 in t=0..2, variant 1 in t=2..5, pivot everywhere
	for g := 0; g < 2; g++ {
		for ti := 0; ti < 6; ti++ {
			counts.Set(ti, 2, g, 3)
		}
		for ti := 0; ti <= 2; ti++ {
			counts.Set(ti, 0, g, 4)
		}
		for ti := 2; ti < 6; ti++ {
			counts.Set(ti, 1, g, 1)
		}
	}
	m := newModel(t, counts, Windowed)
	rng := rand.New(rand.NewPCG(5, 5))
	d, err := m.Sites(randomPoint(rng, m.Dim()), nil)
	if err != nil {
		t.Fatalf("Sites: %v", err)
	}
	for g := 0; g < 2; g++ {
		if d.Freq.At(4, 0, g) != 0 || d.Freq.At(0, 1, g) != 0 {
			t.Errorf("group %d: non-circulating cells should be 0", g)
		}
		for ti := 0; ti < 6; ti++ {
			var s float64
			for v := 0; v < 3; v++ {
				s += d.Freq.At(ti, v, g)
			}
			if !almostEqual(s, 1, 1e-12) {
				t.Errorf("group %d t=%d: segment frequencies sum to %v", g, ti, s)
			}
		}
	}
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 3))
	counts := randomCounts(rng, 9, 3, 2)
	counts.Set(4, 0, 1, math.NaN())
	for _, mode := range allModes {
		m := newModel(t, counts, mode)
		for trial := 0; trial < 3; trial++ {
			x := randomPoint(rng, m.Dim())
			got := make([]float64, m.Dim())
			m.Gradient(got, x)
			want := fd.Gradient(nil, m.LogDensity, x, &fd.Settings{Formula: fd.Central, Step: 1e-5})
			for i := range got {
				tol := 1e-4 * math.Max(1, math.Abs(want[i]))
				if !almostEqual(got[i], want[i], tol) {
					t.Errorf("%v: d/dx[%d] = %v, finite differences give %v", mode, i, got[i], want[i])
				}
			}
		}
	}
}

func TestLogLikelihoodSkipsMissingTotals(t *testing.T) {
	counts := scenario()
	m := newModel(t, counts, Unrestricted)
	c := Coefficients{Intercept: mat.NewDense(2, 1, nil), Slope: mat.NewDense(2, 1, nil)}
	full := m.LogLikelihood(c)

	withGap := scenario()
	withGap.Set(1, 0, 0, math.NaN())
	m2 := newModel(t, withGap, Unrestricted)
	// Dropping one of four identical cells removes a quarter of the log-likelihood.
	if !almostEqual(m2.LogLikelihood(c), 0.75*full, 1e-9) {
		t.Errorf("loglik with a missing cell = %v, full = %v", m2.LogLikelihood(c), full)
	}
	// each cell is 5 draws at p = 1/2
	if !almostEqual(full, 4*5*math.Log(0.5), 1e-9) {
		t.Errorf("loglik = %v", full)
	}
}

func TestWindowedLogLikelihoodUsesSegmentTotals(t *testing.T) {
	c := Coefficients{Intercept: mat.NewDense(2, 1, nil), Slope: mat.NewDense(2, 1, nil)}
	// Each handover segment holds one variant, so every count is certain.
	if ll := newModel(t, scenario(), Windowed).LogLikelihood(c); !almostEqual(ll, 0, 1e-12) {
		t.Errorf("handover loglik = %v, want 0", ll)
	}

	counts := tensor.New(6, 3, 2)
	for g := 0; g < 2; g++ {
		for ti := 0; ti < 6; ti++ {
			counts.Set(ti, 2, g, 3)
		}
		for ti := 0; ti <= 2; ti++ {
			counts.Set(ti, 0, g, 4)
		}
		for ti := 2; ti < 6; ti++ {
			counts.Set(ti, 1, g, 1)
		}
	}
	c = Coefficients{Intercept: mat.NewDense(3, 2, nil), Slope: mat.NewDense(3, 2, nil)}
	// With flat logits each cell is uniform over its segment's variants:
	// {0,2} at t=0,1, {0,1,2} at t=2 and {1,2} at t=3..5.
	perGroup := 2*(math.Log(35)-7*math.Log(2)) +
		(math.Log(280) - 8*math.Log(3)) +
		3*(math.Log(4)-4*math.Log(2))
	if ll := newModel(t, counts, Windowed).LogLikelihood(c); !almostEqual(ll, 2*perGroup, 1e-9) {
		t.Errorf("windowed loglik = %v, want %v", ll, 2*perGroup)
	}
}

func TestWarmStartRecoversTrend(t *testing.T) {
	const T, G = 30, 2
	alpha := []float64{-2, 1}
	beta := []float64{0.15, -0.05}
	counts := tensor.New(T, 2, G)
	for g := 0; g < G; g++ {
		for ti := 0; ti < T; ti++ {
			p := 1 / (1 + math.Exp(-(alpha[g] + beta[g]*float64(ti))))
			counts.Set(ti, 0, g, math.Round(1e6*p))
			counts.Set(ti, 1, g, math.Round(1e6*(1-p)))
		}
	}
	m := newModel(t, counts, Unrestricted)
	c, err := m.WarmStart()
	if err != nil {
		t.Fatalf("WarmStart: %v", err)
	}
	for g := 0; g < G; g++ {
		if !almostEqual(c.Intercept.At(0, g), alpha[g], 1e-3) || !almostEqual(c.Slope.At(0, g), beta[g], 1e-4) {
			t.Errorf("group %d: got (%v, %v), want (%v, %v)", g, c.Intercept.At(0, g), c.Slope.At(0, g), alpha[g], beta[g])
		}
	}

	x := m.Initial()
	p, err := m.Unpack(x)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	for g := 0; g < G; g++ {
		if !almostEqual(p.Slope.At(0, g), c.Slope.At(0, g), 1e-9) {
			t.Errorf("Initial does not reproduce the warm start slope for group %d", g)
		}
	}
}

func TestLeastSquaresSingularFallback(t *testing.T) {
	// identical rows make X'X singular
	X := mat.NewDense(3, 2, []float64{1, 2, 1, 2, 1, 2})
	Y := mat.NewDense(3, 1, []float64{5, 5, 5})
	B, err := leastSquares(X, Y)
	if err != nil {
		t.Fatalf("leastSquares: %v", err)
	}
	var fit mat.Dense
	fit.Mul(X, B)
	for i := 0; i < 3; i++ {
		if !almostEqual(fit.At(i, 0), 5, 1e-9) {
			t.Errorf("row %d fitted %v", i, fit.At(i, 0))
		}
	}
}

func TestForecast(t *testing.T) {
	c := Coefficients{
		Intercept: mat.NewDense(3, 2, []float64{0.5, -1, 0.2, 0.1, 0, 0}),
		Slope:     mat.NewDense(3, 2, []float64{0.1, 0.05, -0.2, 0, 0, 0}),
	}
	fc, err := Forecast(c, 10, 5)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	T, V, G := fc.Dims()
	if T != 5 || V != 3 || G != 2 {
		t.Fatalf("dims = %d %d %d", T, V, G)
	}
	for i := 0; i < T; i++ {
		tt := float64(10 + i)
		for g := 0; g < G; g++ {
			l0 := c.Intercept.At(0, g) + c.Slope.At(0, g)*tt
			l1 := c.Intercept.At(1, g) + c.Slope.At(1, g)*tt
			z := math.Exp(l0) + math.Exp(l1) + 1
			if !almostEqual(fc.At(i, 2, g), 1/z, 1e-12) {
				t.Errorf("step %d group %d: pivot freq %v, want %v", i, g, fc.At(i, 2, g), 1/z)
			}
		}
	}

	if _, err := Forecast(c, 10, 0); err == nil {
		t.Error("expected error for zero steps")
	}
	if _, err := Forecast(Coefficients{}, 10, 3); err == nil {
		t.Error("expected error for missing coefficients")
	}
}

func TestSimulateCountsPreservesTotals(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	counts := randomCounts(rng, 8, 3, 2)
	for _, mode := range allModes {
		m := newModel(t, counts, mode)
		d, err := m.Sites(randomPoint(rng, m.Dim()), rand.NewPCG(1, 2))
		if err != nil {
			t.Fatalf("Sites: %v", err)
		}
		for ti := 0; ti < 8; ti++ {
			for g := 0; g < 2; g++ {
				var s float64
				for v := 0; v < 3; v++ {
					k := d.SeqCounts.At(ti, v, g)
					if k < 0 || k != math.Trunc(k) {
						t.Fatalf("%v: non-integer draw %v", mode, k)
					}
					s += k
				}
				if s != m.Totals().At(ti, g) {
					t.Errorf("%v t=%d g=%d: simulated %v of %v", mode, ti, g, s, m.Totals().At(ti, g))
				}
			}
		}
	}
}
