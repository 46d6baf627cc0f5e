package posterior

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"hiermlr/internal/dates"
	"hiermlr/internal/freqdata"
	"hiermlr/internal/inference"
	"hiermlr/internal/mlr"
	"hiermlr/internal/monitoring"
	"hiermlr/internal/tensor"
	"hiermlr/internal/timeutil"
)

// ExportOptions controls which summaries are written.
type ExportOptions struct {
	// PS are the interval widths; nil means DefaultPS.
	PS []float64
	// ForecastLength adds a freq_forecast site over that many steps.
	ForecastLength int
	Clock          timeutil.Clock
	Logger         *logrus.Logger
}

// Export turns every posterior into tidy entries. A hierarchical posterior
// is split into one location per group plus a "hierarchical" location that
// carries the pooled growth advantages.
func Export(mp *inference.MultiPosterior, opts ExportOptions) (*Results, error) {
	logger := monitoring.Or(opts.Logger)
	ps := opts.PS
	if ps == nil {
		ps = DefaultPS
	}
	ivs, err := Intervals(ps)
	if err != nil {
		return nil, err
	}

	var parts []*Results
	for _, name := range mp.Names() {
		p, _ := mp.Get(name)
		if len(p.Samples) == 0 {
			return nil, fmt.Errorf("posterior %s has no samples", name)
		}

		var forecasts []*tensor.Dense3
		if opts.ForecastLength > 0 {
			forecasts, err = forecastDraws(p, opts.ForecastLength)
			if err != nil {
				return nil, fmt.Errorf("forecast %s: %w", name, err)
			}
		}

		locations := []string{name}
		if name == inference.HierarchicalName {
			locations = p.Data.Names
		}
		for g, loc := range locations {
			parts = append(parts, groupSites(p, g, loc, ivs, forecasts, opts.ForecastLength))
			parts = append(parts, RawFreqTidy(p.Data, g, loc))
		}
		if name == inference.HierarchicalName {
			parts = append(parts, pooledGA(p, ivs))
		}
		logger.WithFields(logrus.Fields{"posterior": name, "locations": len(locations)}).Debug("exported posterior")
	}

	out := Combine(parts...)
	out.Metadata.Updated = dates.Format(timeutil.Today(opts.Clock))
	return out, nil
}

// groupSites summarises freq, ga, seq_counts and optionally freq_forecast
// for group g of posterior p.
func groupSites(p *inference.Posterior, g int, location string, ivs []Interval, forecasts []*tensor.Dense3, L int) *Results {
	data := p.Data
	T, V, _ := data.Dims()
	vals := make([]float64, len(p.Samples))
	dateStrs := data.Index.Strings()

	r := &Results{Metadata: Metadata{
		Dates:    dateStrs,
		Variants: data.VarNames,
		Sites:    []string{SiteFreq, SiteGA, SiteSeqCounts},
		Location: []string{location},
		PS:       Labels(ivs),
		Pivot:    data.Pivot,
	}}

	summarise := func(site, variant, date string, at func(d *mlr.Draw) float64) {
		for s, d := range p.Samples {
			vals[s] = at(d)
		}
		for i, x := range Summarise(vals, ivs) {
			r.Data = append(r.Data, Entry{
				Location: location,
				Site:     site,
				Variant:  variant,
				Date:     date,
				PS:       ivs[i].Label,
				Value:    Value(Round3(x)),
			})
		}
	}

	for v, variant := range data.VarNames {
		for t := 0; t < T; t++ {
			summarise(SiteFreq, variant, dateStrs[t], func(d *mlr.Draw) float64 { return d.Freq.At(t, v, g) })
		}
	}
	// The pivot growth advantage is 1 by construction and is not reported.
	for v, variant := range data.VarNames[:V-1] {
		summarise(SiteGA, variant, "", func(d *mlr.Draw) float64 { return d.GA.At(v, g) })
	}
	if p.Samples[0].SeqCounts != nil {
		for v, variant := range data.VarNames {
			for t := 0; t < T; t++ {
				summarise(SiteSeqCounts, variant, dateStrs[t], func(d *mlr.Draw) float64 { return d.SeqCounts.At(t, v, g) })
			}
		}
	}

	if len(forecasts) > 0 {
		fdates := ForecastDates(data, L)
		r.Metadata.ForecastDates = fdates
		r.Metadata.Sites = append(r.Metadata.Sites, SiteFreqForecast)
		for v, variant := range data.VarNames {
			for k := 0; k < L; k++ {
				for s, fc := range forecasts {
					vals[s] = fc.At(k, v, g)
				}
				for i, x := range Summarise(vals, ivs) {
					r.Data = append(r.Data, Entry{
						Location: location,
						Site:     SiteFreqForecast,
						Variant:  variant,
						Date:     fdates[k],
						PS:       ivs[i].Label,
						Value:    Value(Round3(x)),
					})
				}
			}
		}
	}
	return r
}

// pooledGA reports the group-level growth advantage under "hierarchical".
func pooledGA(p *inference.Posterior, ivs []Interval) *Results {
	data := p.Data
	V := len(data.VarNames)
	r := &Results{Metadata: Metadata{
		Variants: data.VarNames,
		Sites:    []string{SiteGA},
		Location: []string{inference.HierarchicalName},
		PS:       Labels(ivs),
		Pivot:    data.Pivot,
	}}
	vals := make([]float64, len(p.Samples))
	for v, variant := range data.VarNames[:V-1] {
		for s, d := range p.Samples {
			vals[s] = d.GALoc[v]
		}
		for i, x := range Summarise(vals, ivs) {
			r.Data = append(r.Data, Entry{
				Location: inference.HierarchicalName,
				Site:     SiteGA,
				Variant:  variant,
				PS:       ivs[i].Label,
				Value:    Value(Round3(x)),
			})
		}
	}
	return r
}

// forecastDraws projects every draw L steps past the observed horizon.
func forecastDraws(p *inference.Posterior, L int) ([]*tensor.Dense3, error) {
	T, _, _ := p.Data.Dims()
	out := make([]*tensor.Dense3, len(p.Samples))
	for s, d := range p.Samples {
		fc, err := mlr.Forecast(d.Params.Coefficients, T, L)
		if err != nil {
			return nil, err
		}
		out[s] = fc
	}
	return out, nil
}

// ForecastDates continues the date axis L steps past its last date using
// the aggregation frequency, or one day when counts were not aggregated.
func ForecastDates(data *freqdata.HierFrequencies, L int) []string {
	step := data.Frequency
	if step.IsZero() {
		step = dates.Day
	}
	last := data.Index.Max()
	out := make([]string, L)
	for k := range out {
		out[k] = dates.Format(step.After(last, k+1))
	}
	return out
}

// RawFreqTidy reports observed frequencies for group g: raw_freq,
// smoothed_raw_freq (centred 7-point moving sums) and agg_counts.
func RawFreqTidy(data *freqdata.HierFrequencies, g int, location string) *Results {
	counts := data.GroupCounts(g)
	T, _ := counts.Dims()
	raw, smoothed := RawFrequencies(counts)
	dateStrs := data.Index.Strings()

	r := &Results{Metadata: Metadata{
		Dates:    dateStrs,
		Variants: data.VarNames,
		Sites:    []string{SiteRawFreq, SiteSmoothedRawFreq, SiteAggCounts},
		Location: []string{location},
	}}
	for v, variant := range data.VarNames {
		for t := 0; t < T; t++ {
			r.Data = append(r.Data,
				Entry{Location: location, Site: SiteRawFreq, Variant: variant, Date: dateStrs[t], Value: Value(Round3(raw.At(t, v)))},
				Entry{Location: location, Site: SiteSmoothedRawFreq, Variant: variant, Date: dateStrs[t], Value: Value(Round3(smoothed.At(t, v)))},
				Entry{Location: location, Site: SiteAggCounts, Variant: variant, Date: dateStrs[t], Value: Value(counts.At(t, v))},
			)
		}
	}
	return r
}

// smoothingWidth is the moving-sum window for smoothed_raw_freq.
const smoothingWidth = 7

// RawFrequencies returns counts / row totals and the ratio of centred
// moving sums. Rows with a zero or missing total give NaN.
func RawFrequencies(counts *mat.Dense) (raw, smoothed *mat.Dense) {
	T, V := counts.Dims()
	totals := make([]float64, T)
	for t := 0; t < T; t++ {
		for v := 0; v < V; v++ {
			totals[t] += counts.At(t, v)
		}
	}

	raw = mat.NewDense(T, V, nil)
	smoothed = mat.NewDense(T, V, nil)
	half := smoothingWidth / 2
	for t := 0; t < T; t++ {
		lo, hi := max(0, t-half), min(T-1, t+half)
		var den float64
		for k := lo; k <= hi; k++ {
			den += totals[k]
		}
		for v := 0; v < V; v++ {
			raw.Set(t, v, ratio(counts.At(t, v), totals[t]))
			var num float64
			for k := lo; k <= hi; k++ {
				num += counts.At(k, v)
			}
			smoothed.Set(t, v, ratio(num, den))
		}
	}
	return raw, smoothed
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return math.NaN()
	}
	return num / den
}
