package inference

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"hiermlr/internal/freqdata"
	"hiermlr/internal/internalerr"
	"hiermlr/internal/mlr"
	"hiermlr/internal/monitoring"
)

// HierarchicalName is the posterior name of a pooled fit.
const HierarchicalName = "hierarchical"

// FitStrategy selects between one pooled fit over many locations and an
// independent fit for a single location. The set of strategies is closed.
type FitStrategy interface {
	// Name is the key the resulting posterior is stored under.
	Name() string
	isFitStrategy()
}

// Hierarchical fits every listed location in one pooled model. An empty
// Groups list means every location in the data.
type Hierarchical struct {
	Groups []string
}

// PerLocation fits one location on its own.
type PerLocation struct {
	Location string
}

func (Hierarchical) Name() string   { return HierarchicalName }
func (Hierarchical) isFitStrategy() {}

func (p PerLocation) Name() string { return p.Location }
func (PerLocation) isFitStrategy() {}

// Posterior is a completed fit together with the data and model it came from.
type Posterior struct {
	Name  string
	Data  *freqdata.HierFrequencies
	Model *mlr.Model
	Draws *Draws
	// Samples holds the derived sites of every draw.
	Samples []*mlr.Draw
	// RunID is set once the posterior has been saved.
	RunID string
}

// NewPosterior evaluates the model sites for every draw. Posterior
// predictive counts are drawn from a source seeded with seed.
func NewPosterior(name string, data *freqdata.HierFrequencies, model *mlr.Model, draws *Draws, seed uint64) (*Posterior, error) {
	if draws == nil || draws.X == nil {
		return nil, fmt.Errorf("posterior %s: no draws", name)
	}
	src := rand.NewPCG(seed, uint64(len(name)))
	p := &Posterior{Name: name, Data: data, Model: model, Draws: draws}
	p.Samples = make([]*mlr.Draw, draws.Len())
	for i := range p.Samples {
		d, err := model.Sites(draws.At(i), src)
		if err != nil {
			return nil, fmt.Errorf("posterior %s draw %d: %w", name, i, err)
		}
		p.Samples[i] = d
	}
	return p, nil
}

// MultiPosterior collects fits by name, keeping insertion order.
type MultiPosterior struct {
	names  []string
	byName map[string]*Posterior
}

// NewMultiPosterior returns an empty collection.
func NewMultiPosterior() *MultiPosterior {
	return &MultiPosterior{byName: map[string]*Posterior{}}
}

// Add stores p, replacing any posterior with the same name.
func (mp *MultiPosterior) Add(p *Posterior) {
	if _, ok := mp.byName[p.Name]; !ok {
		mp.names = append(mp.names, p.Name)
	}
	mp.byName[p.Name] = p
}

// Get looks up a posterior by name.
func (mp *MultiPosterior) Get(name string) (*Posterior, bool) {
	p, ok := mp.byName[name]
	return p, ok
}

// Names lists the stored names in insertion order.
func (mp *MultiPosterior) Names() []string {
	out := make([]string, len(mp.names))
	copy(out, mp.names)
	return out
}

// Len is the number of stored posteriors.
func (mp *MultiPosterior) Len() int { return len(mp.names) }

// FitRequest bundles everything FitModels needs besides the records.
type FitRequest struct {
	Data   freqdata.Options
	Model  mlr.Config
	Engine Engine
	// Seed drives posterior predictive draws.
	Seed   uint64
	Logger *logrus.Logger
}

// FitModels runs every strategy in order. A location with no records is
// skipped with a warning; any other failure stops the run and is returned
// with the posteriors already fit.
func FitModels(ctx context.Context, records []freqdata.Record, strategies []FitStrategy, req FitRequest) (*MultiPosterior, error) {
	logger := monitoring.Or(req.Logger)
	if req.Engine == nil {
		return nil, fmt.Errorf("%w: no inference engine", internalerr.ErrInvalidConfig)
	}
	if req.Data.Logger == nil {
		req.Data.Logger = logger
	}

	mp := NewMultiPosterior()
	for _, s := range strategies {
		data, err := BuildData(records, s, req.Data)
		if errors.Is(err, internalerr.ErrNotFound) {
			logger.WithField("location", s.Name()).Warn("location not in data, skipping")
			continue
		}
		if err != nil {
			return mp, fmt.Errorf("fit %s: %w", s.Name(), err)
		}

		model, err := mlr.New(data.SeqCounts, req.Model)
		if err != nil {
			return mp, fmt.Errorf("fit %s: %w", s.Name(), err)
		}

		T, V, G := data.Dims()
		logger.WithFields(logrus.Fields{
			"fit":      s.Name(),
			"mode":     req.Model.Mode.String(),
			"dates":    T,
			"variants": V,
			"groups":   G,
		}).Info("fitting model")

		draws, err := req.Engine.Fit(ctx, model, s.Name())
		if err != nil {
			return mp, err
		}
		post, err := NewPosterior(s.Name(), data, model, draws, req.Seed)
		if err != nil {
			return mp, err
		}
		mp.Add(post)
	}
	return mp, nil
}

// BuildData assembles the frequency data a strategy is fit on.
func BuildData(records []freqdata.Record, s FitStrategy, opts freqdata.Options) (*freqdata.HierFrequencies, error) {
	switch s := s.(type) {
	case Hierarchical:
		sub := records
		if len(s.Groups) > 0 {
			keep := make(map[string]struct{}, len(s.Groups))
			for _, g := range s.Groups {
				keep[g] = struct{}{}
			}
			sub = nil
			for _, r := range records {
				if _, ok := keep[r.Location]; ok {
					sub = append(sub, r)
				}
			}
		}
		if len(sub) == 0 {
			return nil, fmt.Errorf("%w: none of the requested locations have records", internalerr.ErrAllExcluded)
		}
		return freqdata.New(sub, opts)
	case PerLocation:
		return freqdata.NewVariantFrequencies(records, s.Location, opts)
	}
	return nil, fmt.Errorf("unknown fit strategy %T", s)
}
