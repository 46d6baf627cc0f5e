package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"hiermlr/internal/freqdata"
	"hiermlr/internal/global"
	"hiermlr/internal/inference"
	"hiermlr/internal/internalerr"
	"hiermlr/internal/monitoring"
	"hiermlr/internal/posterior"
	"hiermlr/internal/prepare"
	"hiermlr/internal/store"
	"hiermlr/internal/store/sqlite"
)

// Execute fits or loads every configured model, saves and exports them.
func (m *ModelRun) Execute(ctx context.Context) (*RunOutput, error) {
	cfg := m.Config
	logger := monitoring.Or(m.Logger)

	fit, load := cfg.Fit(), cfg.LoadModels()
	if !fit && !load {
		return nil, fmt.Errorf("%w: neither settings.fit nor settings.load is set", internalerr.ErrInvalidConfig)
	}

	seqPath, err := cfg.SeqPath()
	if err != nil {
		return nil, err
	}
	records, err := prepare.ReadRecordsFile(seqPath)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"path":    seqPath,
		"records": len(records),
	}).Info("loaded sequence counts")

	mc, err := cfg.ModelConfig()
	if err != nil {
		return nil, err
	}
	req := inference.FitRequest{
		Data:   cfg.FreqOptions(m.Clock),
		Model:  mc,
		Seed:   cfg.Seed(),
		Logger: logger,
	}
	strategies := buildStrategies(records, cfg.Data.Locations, cfg.Hierarchical())

	if (cfg.Save() && fit) || load {
		if err := m.openStore(ctx); err != nil {
			return nil, err
		}
	}

	out := &RunOutput{RunIDs: map[string]string{}}
	if fit {
		engine, err := inference.NewEngine(cfg.Method(), cfg.EngineOptions())
		if err != nil {
			return nil, err
		}
		req.Engine = engine
		out.Posteriors, err = inference.FitModels(ctx, records, strategies, req)
		if err != nil {
			return nil, err
		}
		if cfg.Save() {
			if err := savePosteriors(ctx, m.Store, out.Posteriors, out.RunIDs, logger); err != nil {
				return nil, err
			}
		}
	} else {
		out.Posteriors, err = loadPosteriors(ctx, m.Store, records, strategies, req, logger)
		if err != nil {
			return nil, err
		}
	}
	if out.Posteriors.Len() == 0 {
		return nil, fmt.Errorf("%w: no model was fit or loaded", internalerr.ErrAllExcluded)
	}

	if cfg.ExportJSON() {
		if err := m.export(out); err != nil {
			return nil, err
		}
	}

	w := m.Out
	if w == nil {
		w = io.Discard
	}
	PrintRunSummary(w, out)
	return out, nil
}

func (m *ModelRun) openStore(ctx context.Context) error {
	if m.Store != nil {
		return nil
	}
	s, err := sqlite.Open(ctx, m.Config.StorePath(), m.Clock)
	if err != nil {
		return err
	}
	m.Store = s
	return nil
}

// Close releases the store if one was opened.
func (m *ModelRun) Close() error {
	if m.Store == nil {
		return nil
	}
	return m.Store.Close()
}

func (m *ModelRun) export(out *RunOutput) error {
	cfg := m.Config
	results, err := posterior.Export(out.Posteriors, posterior.ExportOptions{
		PS:             cfg.PS(),
		ForecastLength: cfg.ForecastLength(),
		Clock:          m.Clock,
		Logger:         m.Logger,
	})
	if err != nil {
		return err
	}
	out.Results = results
	out.ResultsPath = posterior.ResultsPath(cfg.ExportPath(), cfg.DataName())
	if err := posterior.Save(out.ResultsPath, results); err != nil {
		return err
	}
	monitoring.Or(m.Logger).WithField("path", out.ResultsPath).Info("exported results")

	if cfg.ForecastLength() > 0 {
		out.ForecastPath = filepath.Join(cfg.ExportPath(), cfg.DataName()+"_forecast.csv")
		if err := OutputForecastsToCSV(out.ForecastPath, results); err != nil {
			return fmt.Errorf("write forecast: %w", err)
		}
	}
	return nil
}

// buildStrategies returns one pooled fit over the selected locations, or
// one fit per location. No selection means every location in the records.
func buildStrategies(records []freqdata.Record, locations []string, hierarchical bool) []inference.FitStrategy {
	if hierarchical {
		return []inference.FitStrategy{inference.Hierarchical{Groups: locations}}
	}
	if len(locations) == 0 {
		locations = recordLocations(records)
	}
	out := make([]inference.FitStrategy, len(locations))
	for i, loc := range locations {
		out[i] = inference.PerLocation{Location: loc}
	}
	return out
}

func recordLocations(records []freqdata.Record) []string {
	seen := map[string]bool{}
	var locs []string
	for _, r := range records {
		if !seen[r.Location] {
			seen[r.Location] = true
			locs = append(locs, r.Location)
		}
	}
	sort.Strings(locs)
	return locs
}

func savePosteriors(ctx context.Context, s store.Store, mp *inference.MultiPosterior, ids map[string]string, logger *logrus.Logger) error {
	for _, name := range mp.Names() {
		p, _ := mp.Get(name)
		id, err := s.SavePosterior(ctx, store.FromPosterior(p))
		if err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
		p.RunID = id
		ids[name] = id
		logger.WithFields(logrus.Fields{"fit": name, "run": id}).Info("saved posterior")
	}
	return nil
}

// loadPosteriors restores the latest saved run of every strategy. Data is
// rebuilt from the records, so it must match what the runs were fit on.
func loadPosteriors(ctx context.Context, s store.Store, records []freqdata.Record, strategies []inference.FitStrategy, req inference.FitRequest, logger *logrus.Logger) (*inference.MultiPosterior, error) {
	if req.Data.Logger == nil {
		req.Data.Logger = logger
	}
	mp := inference.NewMultiPosterior()
	for _, st := range strategies {
		data, err := inference.BuildData(records, st, req.Data)
		if errors.Is(err, internalerr.ErrNotFound) {
			logger.WithField("location", st.Name()).Warn("location not in data, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", st.Name(), err)
		}
		sp, err := s.LoadPosterior(ctx, st.Name())
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", st.Name(), err)
		}
		p, err := store.Restore(sp, data, req.Seed)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{"fit": st.Name(), "run": sp.RunID}).Info("loaded posterior")
		mp.Add(p)
	}
	return mp, nil
}

// runPrepare reads, filters and writes the sequence counts.
func runPrepare(f prepareFlags, opts prepare.Options) ([]freqdata.Record, error) {
	rows, err := prepare.ReadRowsFile(f.seqCounts)
	if err != nil {
		return nil, err
	}
	if f.excludedLocations != "" {
		opts.ExcludedLocations, err = prepare.ReadLines(f.excludedLocations)
		if err != nil {
			return nil, err
		}
	}
	opts.MinDate, opts.MaxDate = f.minDate, f.maxDate
	opts.LocationMinSeq = f.locationMinSeq
	opts.CladeMinSeq = f.cladeMinSeq
	opts.ForceIncludeClades = f.forceIncludeClades
	opts.ForceExcludeClades = f.forceExcludeClades

	recs, err := prepare.Run(rows, opts)
	if err != nil {
		return nil, err
	}
	if err := prepare.WriteRecordsFile(f.output, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// runAddGlobal adds the population-weighted Global location to a results
// document.
func runAddGlobal(f globalFlags, logger *logrus.Logger) (*posterior.Results, error) {
	r, err := posterior.Load(f.input)
	if err != nil {
		return nil, err
	}
	ws, err := global.ReadWeightsFile(f.weights)
	if err != nil {
		return nil, err
	}
	weights, err := global.Normalise(ws, global.RegionNames, r.Metadata.Location)
	if err != nil {
		return nil, err
	}
	out := global.Add(r, weights, logger)
	if err := posterior.Save(f.output, out); err != nil {
		return nil, err
	}
	return out, nil
}
