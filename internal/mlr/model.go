// Package mlr defines the hierarchical multinomial logistic regression:
// parameter layout, the linear predictor, the three likelihood modes and
// the growth-advantage transform.
package mlr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"hiermlr/internal/circulation"
	"hiermlr/internal/internalerr"
	"hiermlr/internal/tensor"
)

// Mode selects how the likelihood is built.
type Mode int

const (
	// Unrestricted uses one softmax over every variant at every time point.
	Unrestricted Mode = iota
	// Windowed evaluates the likelihood per minimal window over only the
	// variants circulating in it.
	Windowed
	// SimpleExclusion forces logits outside a variant's window to
	// MaskedLogit before a single softmax.
	SimpleExclusion
)

// MaskedLogit is the logit given to excluded (time, variant) cells.
const MaskedLogit = -10.0

func (m Mode) String() string {
	switch m {
	case Unrestricted:
		return "unrestricted"
	case Windowed:
		return "windowed"
	case SimpleExclusion:
		return "simple_exclusion"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ModeFromFlags maps the windowed / simple_exclusion switches to a Mode.
func ModeFromFlags(windowed, simpleExclusion bool) (Mode, error) {
	switch {
	case windowed && simpleExclusion:
		return 0, fmt.Errorf("%w: windowed and simple_exclusion are mutually exclusive", internalerr.ErrInvalidConfig)
	case windowed:
		return Windowed, nil
	case simpleExclusion:
		return SimpleExclusion, nil
	}
	return Unrestricted, nil
}

// Config holds the model settings.
type Config struct {
	// Generation time used to turn slopes into growth advantages.
	GenerationTime float64
	// Prior scale for pooling of slopes across groups.
	PoolScale   float64
	LeftBuffer  int
	RightBuffer int
	Mode        Mode
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{GenerationTime: 4.8, PoolScale: 0.1}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if !(c.GenerationTime > 0) {
		return fmt.Errorf("%w: generation time must be > 0, got %v", internalerr.ErrInvalidConfig, c.GenerationTime)
	}
	if !(c.PoolScale > 0) {
		return fmt.Errorf("%w: pool scale must be > 0, got %v", internalerr.ErrInvalidConfig, c.PoolScale)
	}
	if c.LeftBuffer < 0 || c.RightBuffer < 0 {
		return fmt.Errorf("%w: buffers must be >= 0, got left=%d right=%d",
			internalerr.ErrInvalidConfig, c.LeftBuffer, c.RightBuffer)
	}
	if c.Mode < Unrestricted || c.Mode > SimpleExclusion {
		return fmt.Errorf("%w: unknown mode %v", internalerr.ErrInvalidConfig, c.Mode)
	}
	return nil
}

// Model is the regression bound to one count tensor. It carries the derived
// data (totals, circulation mask, minimal windows) and is read-only after
// New returns.
type Model struct {
	cfg Config

	counts *tensor.Dense3
	totals *mat.Dense

	T, V, G int

	windows     []circulation.Window
	circulating [][]int
	mask        circulation.Mask
	segments    []circulation.Segment
}

// New validates the settings and derives the circulation structures from
// counts (T x V x G, pivot last).
func New(counts *tensor.Dense3, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if counts == nil {
		return nil, fmt.Errorf("counts not provided")
	}
	T, V, G := counts.Dims()
	if T == 0 || G == 0 {
		return nil, fmt.Errorf("%w: empty count tensor %dx%dx%d", internalerr.ErrInvalidInput, T, V, G)
	}
	if V < 2 {
		return nil, fmt.Errorf("%w: need at least 2 variants, got %d", internalerr.ErrInvalidInput, V)
	}

	windows, err := circulation.FindExtantWindows(counts, cfg.LeftBuffer, cfg.RightBuffer)
	if err != nil {
		return nil, err
	}
	circulating, mask, err := circulation.FindCirculatingAtTime(counts, cfg.LeftBuffer, cfg.RightBuffer)
	if err != nil {
		return nil, err
	}

	return &Model{
		cfg:         cfg,
		counts:      counts,
		totals:      counts.SumVariants(),
		T:           T,
		V:           V,
		G:           G,
		windows:     windows,
		circulating: circulating,
		mask:        mask,
		segments:    circulation.GenerateMinimalWindows(circulating),
	}, nil
}

// Config returns the settings the model was built with.
func (m *Model) Config() Config { return m.cfg }

// Dims returns the (time, variant, group) extents.
func (m *Model) Dims() (t, v, g int) { return m.T, m.V, m.G }

// Totals returns the T x G total counts.
func (m *Model) Totals() *mat.Dense { return m.totals }

// Counts returns the observed tensor.
func (m *Model) Counts() *tensor.Dense3 { return m.counts }

// Windows returns the per-variant circulation windows.
func (m *Model) Windows() []circulation.Window { return m.windows }

// Mask returns the time x variant circulation mask.
func (m *Model) Mask() circulation.Mask { return m.mask }

// Segments returns the minimal windows.
func (m *Model) Segments() []circulation.Segment { return m.segments }

// Logits evaluates the linear predictor at t = 0..T-1. In SimpleExclusion
// mode cells outside the circulation mask are set to MaskedLogit.
func (m *Model) Logits(c Coefficients) *tensor.Dense3 {
	out := linearPredictor(c, 0, m.T)
	if m.cfg.Mode == SimpleExclusion {
		for t := 0; t < m.T; t++ {
			for v := 0; v < m.V; v++ {
				if m.mask.At(t, v) {
					continue
				}
				for g := 0; g < m.G; g++ {
					out.Set(t, v, g, MaskedLogit)
				}
			}
		}
	}
	return out
}

// Frequencies maps logits to variant frequencies according to the mode.
// Windowed cells outside their segment are 0. SimpleExclusion cells outside
// the mask are NaN, marking them as excluded rather than estimated.
func (m *Model) Frequencies(logits *tensor.Dense3) *tensor.Dense3 {
	switch m.cfg.Mode {
	case Windowed:
		freq := tensor.New(m.T, m.V, m.G)
		buf := make([]float64, m.V)
		for _, seg := range m.segments {
			if len(seg.Variants) == 0 {
				continue
			}
			for _, t := range seg.Times {
				for g := 0; g < m.G; g++ {
					softmaxInto(freq, logits, t, g, seg.Variants, buf)
				}
			}
		}
		return freq
	case SimpleExclusion:
		freq := softmax(logits)
		for t := 0; t < m.T; t++ {
			for v := 0; v < m.V; v++ {
				if m.mask.At(t, v) {
					continue
				}
				for g := 0; g < m.G; g++ {
					freq.Set(t, v, g, math.NaN())
				}
			}
		}
		return freq
	}
	return softmax(logits)
}

// GrowthAdvantage returns exp(slope * generation time) per variant and
// group. The pivot row is exactly 1.
func (m *Model) GrowthAdvantage(c Coefficients) *mat.Dense {
	V, G := c.Slope.Dims()
	ga := mat.NewDense(V, G, nil)
	ga.Apply(func(i, j int, x float64) float64 {
		return math.Exp(x * m.cfg.GenerationTime)
	}, c.Slope)
	for g := 0; g < G; g++ {
		ga.Set(V-1, g, 1)
	}
	return ga
}

// GrowthAdvantageLoc returns exp(slope location * generation time), the
// pooled growth advantage per variant. The pivot entry is exactly 1.
func (m *Model) GrowthAdvantageLoc(p Params) []float64 {
	out := make([]float64, len(p.SlopeLoc))
	for v, x := range p.SlopeLoc {
		out[v] = math.Exp(x * m.cfg.GenerationTime)
	}
	out[len(out)-1] = 1
	return out
}

// linearPredictor computes alpha + beta*t for t in [start, start+steps).
func linearPredictor(c Coefficients, start, steps int) *tensor.Dense3 {
	V, G := c.Intercept.Dims()
	out := tensor.New(steps, V, G)
	for i := 0; i < steps; i++ {
		t := float64(start + i)
		for v := 0; v < V; v++ {
			for g := 0; g < G; g++ {
				out.Set(i, v, g, c.Intercept.At(v, g)+c.Slope.At(v, g)*t)
			}
		}
	}
	return out
}

// softmax normalises over the variant axis for every (t, g).
func softmax(logits *tensor.Dense3) *tensor.Dense3 {
	T, V, G := logits.Dims()
	out := tensor.New(T, V, G)
	all := make([]int, V)
	for v := range all {
		all[v] = v
	}
	buf := make([]float64, V)
	for t := 0; t < T; t++ {
		for g := 0; g < G; g++ {
			softmaxInto(out, logits, t, g, all, buf)
		}
	}
	return out
}

// softmaxInto writes the softmax of logits[t, vs, g] into out[t, vs, g].
func softmaxInto(out, logits *tensor.Dense3, t, g int, vs []int, buf []float64) {
	s := buf[:len(vs)]
	for i, v := range vs {
		s[i] = logits.At(t, v, g)
	}
	lse := floats.LogSumExp(s)
	for i, v := range vs {
		out.Set(t, v, g, math.Exp(s[i]-lse))
	}
}
