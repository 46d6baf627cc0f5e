// Package global adds a population-weighted "Global" location to a results
// document built from regional fits.
package global

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"hiermlr/internal/inference"
	"hiermlr/internal/internalerr"
	"hiermlr/internal/monitoring"
	"hiermlr/internal/posterior"
)

// Location is the name given to the aggregate.
const Location = "Global"

// RegionNames maps weight-table region keys to result location names.
var RegionNames = map[string]string{
	"Africa":        "Africa",
	"Europe":        "Europe",
	"NorthAmerica":  "North America",
	"SouthAmerica":  "South America",
	"SoutheastAsia": "Southeast Asia",
	"WestAsia":      "West Asia",
	"Oceania":       "Oceania",
	"China":         "China",
	"JapanKorea":    "Japan Korea",
	"SouthAsia":     "South Asia",
}

// Weight is one row of the population weights table.
type Weight struct {
	Region string
	Weight float64
}

// ReadWeights parses a TSV with region and weight columns.
func ReadWeights(r io.Reader) ([]Weight, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	recs, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: empty weights table", internalerr.ErrInvalidInput)
	}
	regionCol, weightCol := -1, -1
	for i, h := range recs[0] {
		switch strings.TrimSpace(h) {
		case "region":
			regionCol = i
		case "weight":
			weightCol = i
		}
	}
	if regionCol < 0 || weightCol < 0 {
		return nil, fmt.Errorf("%w: weights table needs region and weight columns, got %s",
			internalerr.ErrInvalidInput, strings.Join(recs[0], ", "))
	}

	out := make([]Weight, 0, len(recs)-1)
	for i, rec := range recs[1:] {
		w, err := strconv.ParseFloat(strings.TrimSpace(rec[weightCol]), 64)
		if err != nil || w < 0 {
			return nil, fmt.Errorf("%w: row %d: bad weight %q", internalerr.ErrInvalidInput, i+2, rec[weightCol])
		}
		out = append(out, Weight{Region: strings.TrimSpace(rec[regionCol]), Weight: w})
	}
	return out, nil
}

// ReadWeightsFile opens path and calls ReadWeights.
func ReadWeightsFile(path string) ([]Weight, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ReadWeights(f)
}

// Normalise maps region keys through names (keys without a mapping are used
// as is), keeps the regions present among locations and rescales their
// weights to sum to one.
func Normalise(weights []Weight, names map[string]string, locations []string) (map[string]float64, error) {
	present := map[string]bool{}
	for _, l := range locations {
		if l != inference.HierarchicalName && l != Location {
			present[l] = true
		}
	}

	out := map[string]float64{}
	var total float64
	for _, w := range weights {
		name := w.Region
		if mapped, ok := names[w.Region]; ok {
			name = mapped
		}
		if !present[name] {
			continue
		}
		out[name] += w.Weight
		total += w.Weight
	}
	if len(out) == 0 || total <= 0 {
		return nil, fmt.Errorf("%w: no weighted region matches the results locations", internalerr.ErrAllExcluded)
	}
	for k := range out {
		out[k] /= total
	}
	return out, nil
}

type cellKey struct {
	site, date, variant, ps string
}

// Add appends Global entries to r: weighted means of freq, freq_forecast
// and raw_freq over the weighted regions (null values are skipped and the
// remaining weights renormalised), ga copied from the hierarchical fit, and
// zero-valued smoothed_raw_freq and agg_counts.
func Add(r *posterior.Results, weights map[string]float64, logger *logrus.Logger) *posterior.Results {
	logger = monitoring.Or(logger)

	regions := make([]string, 0, len(weights))
	for k := range weights {
		regions = append(regions, k)
	}
	sort.Strings(regions)
	for _, k := range regions {
		logger.WithFields(logrus.Fields{"region": k, "weight": weights[k]}).Info("population weight")
	}

	type acc struct{ sum, w float64 }
	sums := map[cellKey]*acc{}
	var order []cellKey
	var added []posterior.Entry

	for _, e := range r.Data {
		switch e.Site {
		case posterior.SiteFreq, posterior.SiteFreqForecast, posterior.SiteRawFreq:
			w, ok := weights[e.Location]
			if !ok {
				continue
			}
			k := cellKey{e.Site, e.Date, e.Variant, e.PS}
			a, seen := sums[k]
			if !seen {
				a = &acc{}
				sums[k] = a
				order = append(order, k)
			}
			if e.Value != nil {
				a.sum += *e.Value * w
				a.w += w
			}
		case posterior.SiteGA:
			if e.Location == inference.HierarchicalName {
				c := e
				c.Location = Location
				added = append(added, c)
			}
		}
	}

	var means []posterior.Entry
	for _, k := range order {
		a := sums[k]
		if a.w <= 0 {
			continue
		}
		means = append(means, posterior.Entry{
			Location: Location,
			Site:     k.site,
			Variant:  k.variant,
			Date:     k.date,
			PS:       k.ps,
			Value:    posterior.Value(posterior.Round3(a.sum / a.w)),
		})
	}
	added = append(means, added...)

	for _, site := range []string{posterior.SiteSmoothedRawFreq, posterior.SiteAggCounts} {
		for _, d := range r.Metadata.Dates {
			for _, v := range r.Metadata.Variants {
				added = append(added, posterior.Entry{Location: Location, Site: site, Variant: v, Date: d, Value: posterior.Value(0)})
			}
		}
	}

	out := &posterior.Results{Metadata: r.Metadata}
	out.Metadata.Location = append([]string(nil), r.Metadata.Location...)
	if !contains(out.Metadata.Location, Location) {
		out.Metadata.Location = append(out.Metadata.Location, Location)
	}
	out.Data = make([]posterior.Entry, 0, len(r.Data)+len(added))
	out.Data = append(out.Data, r.Data...)
	out.Data = append(out.Data, added...)

	logger.WithFields(logrus.Fields{"entries": len(added), "regions": len(weights)}).Info("added Global location")
	return out
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
