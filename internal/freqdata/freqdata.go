// Package freqdata assembles per-location sequence counts into the shared
// (time, variant, group) layout the regression model consumes.
package freqdata

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"hiermlr/internal/aggregate"
	"hiermlr/internal/dates"
	"hiermlr/internal/internalerr"
	"hiermlr/internal/monitoring"
	"hiermlr/internal/tensor"
	"hiermlr/internal/timeutil"
)

// DefaultPivot is used as the pivot when present and no pivot is requested.
const DefaultPivot = "other"

// Record is one row of the sequence-count table.
type Record struct {
	Location  string
	Variant   string
	Date      time.Time
	Sequences float64
}

// Options configures how records are indexed.
type Options struct {
	// Pivot overrides the reference variant. Empty means "other" when it
	// exists and the alphabetically last variant otherwise.
	Pivot string

	// DateIndex fixes the date axis. When nil the axis is every calendar day
	// from the earliest to the latest record.
	DateIndex *dates.Index

	// MaxDate is an absolute date or a backward-looking duration ("1W",
	// "P2M") resolved against Clock. Empty means the latest record. It
	// anchors aggregation and is otherwise only recorded.
	MaxDate string

	// AggregationFrequency rebins the counts ("P1W", "1M"). When empty the
	// counts stay on the raw date axis.
	AggregationFrequency string

	Clock  timeutil.Clock
	Logger *logrus.Logger
}

// HierFrequencies holds the counts of every group on one shared date axis.
type HierFrequencies struct {
	// Names lists the groups in sorted order; group g is Names[g].
	Names []string
	// VarNames lists the variants with the pivot last.
	VarNames []string
	Pivot    string

	Index   *dates.Index
	MaxDate time.Time

	// Frequency is the aggregation step; zero when counts were not rebinned.
	Frequency dates.Period

	// SeqCounts is T x V x G.
	SeqCounts *tensor.Dense3
	// Totals is T x G, the per-time sum over variants.
	Totals *mat.Dense
}

// FormatVarNames orders the sorted vocabulary so that the pivot is last. An
// empty pivot selects "other" when present, and otherwise keeps the last
// name as the pivot.
func FormatVarNames(names []string, pivot string) ([]string, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no variants", internalerr.ErrInvalidInput)
	}
	if pivot == "" {
		for _, n := range names {
			if n == DefaultPivot {
				pivot = DefaultPivot
				break
			}
		}
	}
	if pivot == "" {
		out := make([]string, len(names))
		copy(out, names)
		return out, nil
	}

	out := make([]string, 0, len(names))
	found := false
	for _, n := range names {
		if n == pivot {
			found = true
			continue
		}
		out = append(out, n)
	}
	if !found {
		return nil, fmt.Errorf("%w: pivot %q is not one of the variants [%s]",
			internalerr.ErrInvalidInput, pivot, strings.Join(names, ", "))
	}
	return append(out, pivot), nil
}

// New builds HierFrequencies from raw records grouped by location.
func New(records []Record, opts Options) (*HierFrequencies, error) {
	logger := monitoring.Or(opts.Logger)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no sequence records", internalerr.ErrInvalidInput)
	}

	var (
		locSet = map[string]struct{}{}
		varSet = map[string]struct{}{}
		minD   = dates.Truncate(records[0].Date)
		maxD   = minD
	)
	for i, r := range records {
		if r.Sequences < 0 {
			return nil, fmt.Errorf("%w: record %d (%s, %s, %s) has negative count %v",
				internalerr.ErrInvalidInput, i, r.Location, r.Variant, dates.Format(r.Date), r.Sequences)
		}
		locSet[r.Location] = struct{}{}
		varSet[r.Variant] = struct{}{}
		d := dates.Truncate(r.Date)
		if d.Before(minD) {
			minD = d
		}
		if d.After(maxD) {
			maxD = d
		}
	}

	varNames, err := FormatVarNames(sortedKeys(varSet), opts.Pivot)
	if err != nil {
		return nil, err
	}
	names := sortedKeys(locSet)

	index := opts.DateIndex
	if index == nil {
		index = dailyIndex(minD, maxD)
	}

	groups, err := fill(records, names, varNames, index)
	if err != nil {
		return nil, err
	}

	hf := &HierFrequencies{
		Names:    names,
		VarNames: varNames,
		Pivot:    varNames[len(varNames)-1],
		Index:    index,
		MaxDate:  index.Max(),
	}

	if opts.MaxDate != "" {
		hf.MaxDate, err = dates.Resolve(opts.MaxDate, opts.Clock)
		if err != nil {
			return nil, fmt.Errorf("max date: %w", err)
		}
	}
	logger.WithField("max_date", dates.Format(hf.MaxDate)).Info("using max date")

	if opts.AggregationFrequency != "" {
		freq, err := aggregate.ParseFrequency(opts.AggregationFrequency)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"max_date":  dates.Format(hf.MaxDate),
			"frequency": freq.String(),
		}).Info("aggregating sequence counts")

		groups, index, err = aggregate.Groups(groups, index.Dates(), hf.MaxDate, freq, logger)
		if err != nil {
			return nil, err
		}
		hf.Index = index
		hf.Frequency = freq
	}

	hf.SeqCounts, err = tensor.FromGroups(groups)
	if err != nil {
		return nil, err
	}
	hf.Totals = hf.SeqCounts.SumVariants()

	logger.WithFields(logrus.Fields{
		"groups":   len(names),
		"variants": len(varNames),
		"dates":    hf.Index.Len(),
		"pivot":    hf.Pivot,
	}).Debug("built frequency data")
	return hf, nil
}

// NewVariantFrequencies builds the single-group data for one location,
// indexed only over that location's own records.
func NewVariantFrequencies(records []Record, location string, opts Options) (*HierFrequencies, error) {
	var sub []Record
	for _, r := range records {
		if r.Location == location {
			sub = append(sub, r)
		}
	}
	if len(sub) == 0 {
		return nil, fmt.Errorf("%w: location %q has no records", internalerr.ErrNotFound, location)
	}
	return New(sub, opts)
}

// Dims returns the (time, variant, group) extents.
func (hf *HierFrequencies) Dims() (t, v, g int) { return hf.SeqCounts.Dims() }

// GroupIndex returns the position of a named group.
func (hf *HierFrequencies) GroupIndex(name string) (int, bool) {
	i := sort.SearchStrings(hf.Names, name)
	if i < len(hf.Names) && hf.Names[i] == name {
		return i, true
	}
	return 0, false
}

// GroupCounts returns a copy of the T x V counts of group g.
func (hf *HierFrequencies) GroupCounts(g int) *mat.Dense { return hf.SeqCounts.Group(g) }

// fill zero-fills one T x V matrix per group and adds every record into it.
// Records whose date is not on the index are collected and reported.
func fill(records []Record, names, varNames []string, index *dates.Index) ([]*mat.Dense, error) {
	gpos := make(map[string]int, len(names))
	for i, n := range names {
		gpos[n] = i
	}
	vpos := make(map[string]int, len(varNames))
	for i, n := range varNames {
		vpos[n] = i
	}

	T, V := index.Len(), len(varNames)
	groups := make([]*mat.Dense, len(names))
	for g := range groups {
		groups[g] = mat.NewDense(T, V, nil)
	}

	var off []dates.BadRow
	for i, r := range records {
		t, ok := index.IndexOf(r.Date)
		if !ok {
			off = append(off, dates.BadRow{Line: i + 1, Value: dates.Format(r.Date)})
			continue
		}
		m := groups[gpos[r.Location]]
		v := vpos[r.Variant]
		x := r.Sequences
		if math.IsNaN(x) {
			m.Set(t, v, math.NaN())
			continue
		}
		m.Set(t, v, m.At(t, v)+x)
	}
	if len(off) > 0 {
		return nil, fmt.Errorf("dates missing from the date index: %w", &dates.ParseErrors{Rows: off})
	}
	return groups, nil
}

func dailyIndex(minD, maxD time.Time) *dates.Index {
	n := int(maxD.Sub(minD).Hours()/24) + 1
	ds := make([]time.Time, n)
	for i := range ds {
		ds[i] = minD.AddDate(0, 0, i)
	}
	idx, _ := dates.NewIndex(ds)
	return idx
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
