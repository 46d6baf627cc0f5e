// Package aggregate rebins daily counts into coarser periods anchored on a
// fixed latest date.
package aggregate

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"hiermlr/internal/dates"
	"hiermlr/internal/internalerr"
	"hiermlr/internal/monitoring"
)

// DefaultFrequency is used when no aggregation frequency is configured.
const DefaultFrequency = "P1D"

// ParseFrequency reads an ISO-8601 aggregation frequency. An empty string
// means one day and a missing leading "P" is added.
func ParseFrequency(s string) (dates.Period, error) {
	if strings.TrimSpace(s) == "" {
		s = DefaultFrequency
	}
	p, err := dates.ParsePeriod(s)
	if err != nil {
		return dates.Period{}, fmt.Errorf("aggregation frequency: %w", err)
	}
	return p, nil
}

// Result is one rebinned series.
type Result struct {
	// Counts is T' x V, one row per bin.
	Counts *mat.Dense
	// Index maps each bin's right edge to its row.
	Index *dates.Index
	// Dropped is the number of input rows dated after maxDate.
	Dropped int
}

// Boundaries returns the bin edges used for aggregation: maxDate, then
// maxDate - k*freq for k = 1, 2, ... while the edge is still after minDate,
// and finally minDate itself as the leftmost edge. Edges are returned in
// increasing order.
func Boundaries(minDate, maxDate time.Time, freq dates.Period) ([]time.Time, error) {
	if freq.IsZero() {
		return nil, fmt.Errorf("%w: zero aggregation frequency", internalerr.ErrInvalidInput)
	}
	if maxDate.Before(minDate) {
		return nil, fmt.Errorf("%w: max date %s precedes earliest record %s",
			internalerr.ErrPrecondition, dates.Format(maxDate), dates.Format(minDate))
	}

	var rev []time.Time
	edge := maxDate
	for edge.After(minDate) {
		rev = append(rev, edge)
		edge = freq.Before(maxDate, len(rev))
	}
	rev = append(rev, minDate)

	out := make([]time.Time, len(rev))
	for i, d := range rev {
		out[len(rev)-1-i] = d
	}
	return out, nil
}

// Aggregate sums the rows of counts (T x V, one row per entry of ds) into
// right-labelled bins. A row dated exactly on an edge belongs to the bin
// ending there. The first bin also includes its lower edge, which is the
// earliest observed date. Output rows are labelled by their right edge.
//
// When maxDate equals the earliest date there is a single bin labelled
// with that date.
func Aggregate(counts *mat.Dense, ds []time.Time, maxDate time.Time, freq dates.Period) (*Result, error) {
	if counts == nil {
		return nil, fmt.Errorf("counts not provided")
	}
	T, V := counts.Dims()
	if len(ds) != T {
		return nil, fmt.Errorf("%w: %d dates for %d rows", internalerr.ErrInvalidInput, len(ds), T)
	}
	if T == 0 {
		return nil, fmt.Errorf("%w: no rows to aggregate", internalerr.ErrInvalidInput)
	}

	minDate := dates.Truncate(ds[0])
	for _, d := range ds[1:] {
		if d.Before(minDate) {
			minDate = dates.Truncate(d)
		}
	}
	maxDate = dates.Truncate(maxDate)

	edges, err := Boundaries(minDate, maxDate, freq)
	if err != nil {
		return nil, err
	}
	labels := edges[1:]
	if len(labels) == 0 {
		// maxDate == minDate: one bin closed on both sides.
		labels = edges
	}

	out := mat.NewDense(len(labels), V, nil)
	dropped := 0
	for i, d := range ds {
		b := binFor(labels, dates.Truncate(d))
		if b < 0 {
			dropped++
			continue
		}
		for v := 0; v < V; v++ {
			x := counts.At(i, v)
			if math.IsNaN(x) {
				continue
			}
			out.Set(b, v, out.At(b, v)+x)
		}
	}

	idx, err := dates.NewIndex(labels)
	if err != nil {
		return nil, err
	}
	return &Result{Counts: out, Index: idx, Dropped: dropped}, nil
}

// binFor returns the label index of the bin containing d: the smallest
// label >= d. Dates after the last label fall in no bin.
func binFor(labels []time.Time, d time.Time) int {
	if d.After(labels[len(labels)-1]) {
		return -1
	}
	lo, hi := 0, len(labels)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if labels[mid].Before(d) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Groups applies Aggregate to every group against the same dates, maxDate
// and frequency, and checks that all groups land on one shared date axis.
func Groups(groups []*mat.Dense, ds []time.Time, maxDate time.Time, freq dates.Period, logger *logrus.Logger) ([]*mat.Dense, *dates.Index, error) {
	logger = monitoring.Or(logger)
	if len(groups) == 0 {
		return nil, nil, fmt.Errorf("%w: no groups to aggregate", internalerr.ErrInvalidInput)
	}

	out := make([]*mat.Dense, len(groups))
	var shared *dates.Index
	for g, counts := range groups {
		res, err := Aggregate(counts, ds, maxDate, freq)
		if err != nil {
			return nil, nil, fmt.Errorf("aggregate group %d: %w", g, err)
		}
		if shared == nil {
			shared = res.Index
		} else if !shared.Equal(res.Index) {
			return nil, nil, fmt.Errorf("group %d aggregated onto a different date axis", g)
		}
		if res.Dropped > 0 {
			logger.WithFields(logrus.Fields{
				"group":    g,
				"dropped":  res.Dropped,
				"max_date": dates.Format(maxDate),
			}).Warn("rows after max date were not aggregated")
		}
		out[g] = res.Counts
	}
	return out, shared, nil
}
