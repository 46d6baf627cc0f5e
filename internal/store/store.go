// Package store persists fitted posteriors so they can be exported again
// without refitting.
package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gonum.org/v1/gonum/mat"

	"hiermlr/internal/freqdata"
	"hiermlr/internal/inference"
	"hiermlr/internal/internalerr"
	"hiermlr/internal/mlr"
	"hiermlr/internal/timeutil"
)

// Store saves and loads posteriors by fit name. Every save is a new run;
// loading returns the latest run for the name.
type Store interface {
	Close() error

	SavePosterior(ctx context.Context, p *StoredPosterior) (string, error)
	LoadPosterior(ctx context.Context, name string) (*StoredPosterior, error)
	ListRuns(ctx context.Context) ([]Run, error)
}

// StoredPosterior is everything needed to rebuild a posterior from the
// same input data.
type StoredPosterior struct {
	RunID     string     `json:"run_id"`
	Name      string     `json:"name"`
	Method    string     `json:"method"`
	CreatedAt time.Time  `json:"created_at"`
	VarNames  []string   `json:"var_names"`
	Groups    []string   `json:"groups"`
	Dates     []string   `json:"dates"`
	Pivot     string     `json:"pivot"`
	Model     mlr.Config `json:"model"`
	Mode      []float64  `json:"mode"`
	// Draws holds one parameter vector per draw.
	Draws [][]float64 `json:"draws"`
}

// Run summarises one saved posterior.
type Run struct {
	ID        string
	Name      string
	Method    string
	NumDraws  int
	CreatedAt time.Time
}

// FromPosterior captures p for saving.
func FromPosterior(p *inference.Posterior) *StoredPosterior {
	n := p.Draws.Len()
	draws := make([][]float64, n)
	for i := range draws {
		draws[i] = p.Draws.At(i)
	}
	return &StoredPosterior{
		Name:     p.Name,
		Method:   p.Draws.Method,
		VarNames: slices.Clone(p.Data.VarNames),
		Groups:   slices.Clone(p.Data.Names),
		Dates:    p.Data.Index.Strings(),
		Pivot:    p.Data.Pivot,
		Model:    p.Model.Config(),
		Mode:     slices.Clone(p.Draws.Mode),
		Draws:    draws,
	}
}

// Restore rebuilds a posterior from stored draws and freshly built data.
// The data must have the same variants, groups and dates as when the
// posterior was saved.
func Restore(sp *StoredPosterior, data *freqdata.HierFrequencies, seed uint64) (*inference.Posterior, error) {
	if !slices.Equal(sp.VarNames, data.VarNames) {
		return nil, fmt.Errorf("%w: stored %s has variants [%s], data has [%s]", internalerr.ErrPrecondition,
			sp.Name, strings.Join(sp.VarNames, ", "), strings.Join(data.VarNames, ", "))
	}
	if !slices.Equal(sp.Groups, data.Names) {
		return nil, fmt.Errorf("%w: stored %s has locations [%s], data has [%s]", internalerr.ErrPrecondition,
			sp.Name, strings.Join(sp.Groups, ", "), strings.Join(data.Names, ", "))
	}
	if !slices.Equal(sp.Dates, data.Index.Strings()) {
		return nil, fmt.Errorf("%w: stored %s covers a different date range", internalerr.ErrPrecondition, sp.Name)
	}
	if len(sp.Draws) == 0 {
		return nil, fmt.Errorf("stored %s has no draws", sp.Name)
	}

	model, err := mlr.New(data.SeqCounts, sp.Model)
	if err != nil {
		return nil, err
	}
	dim := model.Dim()
	X := mat.NewDense(len(sp.Draws), dim, nil)
	for i, d := range sp.Draws {
		if len(d) != dim {
			return nil, fmt.Errorf("stored %s draw %d has %d values, model needs %d", sp.Name, i, len(d), dim)
		}
		X.SetRow(i, d)
	}
	draws := &inference.Draws{Name: sp.Name, Method: sp.Method, X: X, Mode: sp.Mode}
	if len(sp.Mode) == dim {
		draws.LogDensity = model.LogDensity(sp.Mode)
	}
	p, err := inference.NewPosterior(sp.Name, data, model, draws, seed)
	if err != nil {
		return nil, err
	}
	p.RunID = sp.RunID
	return p, nil
}

// IDSource hands out lexicographically increasing run identifiers.
type IDSource struct {
	mu      sync.Mutex
	clock   timeutil.Clock
	entropy *ulid.MonotonicEntropy
}

// NewIDSource returns an IDSource stamping ids with clock; nil means the
// wall clock.
func NewIDSource(clock timeutil.Clock) *IDSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &IDSource{clock: clock, entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns a new id and the time it was stamped with.
func (s *IDSource) Next() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String(), now
}
