// Package prepare subsets raw clade counts to an analysis window and a set
// of locations, and collapses rare clades into the "other" variant.
package prepare

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"hiermlr/internal/dates"
	"hiermlr/internal/freqdata"
	"hiermlr/internal/internalerr"
	"hiermlr/internal/monitoring"
	"hiermlr/internal/timeutil"
)

const (
	DefaultMinDate = "1Y"
	DefaultMaxDate = "1D"

	// Other absorbs collapsed, recombinant and unlabelled clades.
	Other       = freqdata.DefaultPivot
	Recombinant = "recombinant"
)

// Options controls filtering. Zero thresholds disable the filter they
// belong to.
type Options struct {
	// MinDate and MaxDate are inclusive; absolute or relative to Clock.
	MinDate string
	MaxDate string

	LocationMinSeq    float64
	ExcludedLocations []string

	CladeMinSeq        float64
	ForceIncludeClades []string
	ForceExcludeClades []string

	Clock  timeutil.Clock
	Logger *logrus.Logger
}

// DefaultOptions mirrors the command defaults.
func DefaultOptions() Options {
	return Options{MinDate: DefaultMinDate, MaxDate: DefaultMaxDate, LocationMinSeq: 1}
}

// Run filters rows and returns variant counts summed by (location, variant,
// date), sorted in that order.
func Run(rows []Row, opts Options) ([]freqdata.Record, error) {
	logger := monitoring.Or(opts.Logger)
	if opts.MinDate == "" {
		opts.MinDate = DefaultMinDate
	}
	if opts.MaxDate == "" {
		opts.MaxDate = DefaultMaxDate
	}

	minDate, err := dates.Resolve(opts.MinDate, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("min date: %w", err)
	}
	maxDate, err := dates.Resolve(opts.MaxDate, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("max date: %w", err)
	}
	if maxDate.Before(minDate) {
		return nil, fmt.Errorf("%w: max date %s is before min date %s",
			internalerr.ErrInvalidConfig, dates.Format(maxDate), dates.Format(minDate))
	}
	logger.WithFields(logrus.Fields{
		"min_date": dates.Format(minDate),
		"max_date": dates.Format(maxDate),
	}).Info("analysis date range")

	inRange := func(d time.Time) bool { return !d.Before(minDate) && !d.After(maxDate) }

	perLocation := map[string]float64{}
	perClade := map[string]float64{}
	for _, r := range rows {
		if !inRange(r.Date) {
			continue
		}
		n := r.Sequences
		if math.IsNaN(n) {
			n = 0
		}
		perLocation[r.Location] += n
		perClade[r.Clade] += n
	}

	locations := keepLocations(perLocation, opts)
	logger.WithField("locations", sortedSet(locations)).Info("locations included")
	if len(locations) == 0 {
		return nil, fmt.Errorf("%w: all locations have been excluded, try lowering the location minimum; sequences per location: %s",
			internalerr.ErrAllExcluded, summarise(perLocation))
	}

	variantOf := cladeMapper(perClade, opts, logger)

	type key struct {
		location, variant string
		date              time.Time
	}
	sums := map[key]float64{}
	var keys []key
	for _, r := range rows {
		if !inRange(r.Date) {
			continue
		}
		if _, ok := locations[r.Location]; !ok {
			continue
		}
		k := key{r.Location, variantOf(r.Clade), r.Date}
		if _, ok := sums[k]; !ok {
			keys = append(keys, k)
		}
		if !math.IsNaN(r.Sequences) {
			sums[k] += r.Sequences
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: all variants have been excluded, try lowering the clade minimum", internalerr.ErrAllExcluded)
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.location != b.location {
			return a.location < b.location
		}
		if a.variant != b.variant {
			return a.variant < b.variant
		}
		return a.date.Before(b.date)
	})
	out := make([]freqdata.Record, len(keys))
	variants := map[string]struct{}{}
	for i, k := range keys {
		out[i] = freqdata.Record{Location: k.location, Variant: k.variant, Date: k.date, Sequences: sums[k]}
		variants[k.variant] = struct{}{}
	}
	logger.WithField("variants", sortedSet(variants)).Info("variants included")
	return out, nil
}

func keepLocations(perLocation map[string]float64, opts Options) map[string]struct{} {
	excluded := map[string]struct{}{}
	for _, l := range opts.ExcludedLocations {
		excluded[l] = struct{}{}
	}
	out := map[string]struct{}{}
	for loc, n := range perLocation {
		if n < opts.LocationMinSeq {
			continue
		}
		if _, ok := excluded[loc]; ok {
			continue
		}
		out[loc] = struct{}{}
	}
	return out
}

// cladeMapper returns the clade -> variant mapping. Without a clade minimum
// every clade keeps its name, except recombinant and unlabelled clades.
func cladeMapper(perClade map[string]float64, opts Options, logger *logrus.Logger) func(string) string {
	force := toSet(opts.ForceIncludeClades)
	exclude := toSet(opts.ForceExcludeClades)
	if len(force) > 0 {
		logger.WithField("clades", sortedSet(force)).Info("force-including clades")
	}
	if len(exclude) > 0 {
		logger.WithField("clades", sortedSet(exclude)).Info("force-excluding clades")
	}

	var keep map[string]struct{}
	if opts.CladeMinSeq > 0 {
		logger.WithField("clade_min_seq", opts.CladeMinSeq).Info("collapsing rare clades into other")
		keep = map[string]struct{}{}
		for c, n := range perClade {
			if _, ok := exclude[c]; ok || n < opts.CladeMinSeq {
				continue
			}
			keep[c] = struct{}{}
		}
		for c := range force {
			keep[c] = struct{}{}
		}
	}

	return func(clade string) string {
		if clade == "" || clade == Recombinant {
			return Other
		}
		if keep == nil {
			return clade
		}
		if _, ok := keep[clade]; ok {
			return clade
		}
		return Other
	}
}

func toSet(xs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		out[x] = struct{}{}
	}
	return out
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func summarise(perLocation map[string]float64) string {
	locs := make([]string, 0, len(perLocation))
	for l := range perLocation {
		locs = append(locs, l)
	}
	sort.Strings(locs)
	parts := make([]string, len(locs))
	for i, l := range locs {
		parts[i] = fmt.Sprintf("%s=%v", l, perLocation[l])
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
