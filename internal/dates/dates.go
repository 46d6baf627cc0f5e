// Package dates handles calendar dates, the date <-> time-index mapping and
// ISO-8601 calendar periods.
package dates

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"hiermlr/internal/internalerr"
)

// Layout is the calendar-date format used on input and output.
const Layout = "2006-01-02"

// Parse reads a YYYY-MM-DD date as UTC midnight.
func Parse(s string) (time.Time, error) {
	t, err := time.ParseInLocation(Layout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// Format renders a date as YYYY-MM-DD.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Truncate drops the time-of-day, keeping the UTC calendar date.
func Truncate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// BadRow records one unparseable date.
type BadRow struct {
	Line  int
	Value string
}

// ParseErrors collects every malformed date in a batch so the whole batch
// can be rejected at once with the offending rows.
type ParseErrors struct {
	Rows []BadRow
}

func (e *ParseErrors) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d date(s) could not be parsed:", len(e.Rows))
	for i, r := range e.Rows {
		if i == 10 {
			fmt.Fprintf(&b, " ... and %d more", len(e.Rows)-10)
			break
		}
		fmt.Fprintf(&b, " line %d (%q)", r.Line, r.Value)
		if i < len(e.Rows)-1 && i < 9 {
			b.WriteString(",")
		}
	}
	return b.String()
}

func (e *ParseErrors) Unwrap() error { return internalerr.ErrInvalidInput }

// Index is a bidirectional mapping between calendar dates and integer time
// indices. Index 0 is the earliest date.
type Index struct {
	dates []time.Time
	pos   map[time.Time]int
}

// NewIndex builds an Index from strictly increasing, unique dates.
func NewIndex(ds []time.Time) (*Index, error) {
	idx := &Index{dates: make([]time.Time, len(ds)), pos: make(map[time.Time]int, len(ds))}
	for i, d := range ds {
		d = Truncate(d)
		if i > 0 && !d.After(idx.dates[i-1]) {
			return nil, fmt.Errorf("%w: dates must be strictly increasing, %s follows %s",
				internalerr.ErrInvalidInput, Format(d), Format(idx.dates[i-1]))
		}
		idx.dates[i] = d
		idx.pos[d] = i
	}
	return idx, nil
}

// IndexFromObserved builds an Index over the sorted unique dates in ds.
func IndexFromObserved(ds []time.Time) *Index {
	seen := make(map[time.Time]struct{}, len(ds))
	uniq := make([]time.Time, 0, len(ds))
	for _, d := range ds {
		d = Truncate(d)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		uniq = append(uniq, d)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].Before(uniq[j]) })
	idx, _ := NewIndex(uniq)
	return idx
}

// Len returns the number of dates.
func (x *Index) Len() int { return len(x.dates) }

// IndexOf returns the time index for d.
func (x *Index) IndexOf(d time.Time) (int, bool) {
	i, ok := x.pos[Truncate(d)]
	return i, ok
}

// DateAt returns the date at time index i.
func (x *Index) DateAt(i int) time.Time { return x.dates[i] }

// Dates returns a copy of the ordered dates.
func (x *Index) Dates() []time.Time {
	out := make([]time.Time, len(x.dates))
	copy(out, x.dates)
	return out
}

// Min returns the earliest date.
func (x *Index) Min() time.Time { return x.dates[0] }

// Max returns the latest date.
func (x *Index) Max() time.Time { return x.dates[len(x.dates)-1] }

// Equal reports whether two indices hold the same dates.
func (x *Index) Equal(y *Index) bool {
	if x.Len() != y.Len() {
		return false
	}
	for i := range x.dates {
		if !x.dates[i].Equal(y.dates[i]) {
			return false
		}
	}
	return true
}

// Strings formats every date.
func (x *Index) Strings() []string {
	out := make([]string, len(x.dates))
	for i, d := range x.dates {
		out[i] = Format(d)
	}
	return out
}
