package posterior

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// WideLabels are the summaries kept when flattening to TSV.
var WideLabels = []string{MedianLabel, "HDI_95_upper", "HDI_95_lower"}

// Table is a wide view of one site: one row per key, one column per label.
type Table struct {
	Header []string
	Rows   [][]string
}

type wideKey struct {
	location, variant, date string
}

// Wide pivots the entries of site into one row per (location, variant,
// date). Key columns come first, then the kept ps labels in the order they
// are first seen. When ps is empty the entry value goes in a column named
// after the site.
func Wide(r *Results, site string, dated bool) Table {
	keep := make(map[string]bool, len(WideLabels))
	for _, l := range WideLabels {
		keep[l] = true
	}

	var keys []wideKey
	rows := map[wideKey]map[string]string{}
	var cols []string
	seenCol := map[string]bool{}

	for _, e := range r.Data {
		if e.Site != site {
			continue
		}
		col := e.PS
		if col == "" {
			col = site
		} else if !keep[col] {
			continue
		}
		k := wideKey{location: e.Location, variant: e.Variant}
		if dated {
			k.date = e.Date
		}
		row, ok := rows[k]
		if !ok {
			row = map[string]string{}
			rows[k] = row
			keys = append(keys, k)
		}
		row[col] = formatValue(e.Value)
		if !seenCol[col] {
			seenCol[col] = true
			cols = append(cols, col)
		}
	}

	t := Table{Header: []string{"location"}}
	if dated {
		t.Header = append(t.Header, "date")
	}
	t.Header = append(t.Header, "variant")
	t.Header = append(t.Header, cols...)

	for _, k := range keys {
		line := []string{k.location}
		if dated {
			line = append(line, k.date)
		}
		line = append(line, k.variant)
		for _, c := range cols {
			line = append(line, rows[k][c])
		}
		t.Rows = append(t.Rows, line)
	}
	return t
}

func formatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// WriteTSV writes t to path. A table without rows is an error since the
// site was missing from the results.
func WriteTSV(path string, t Table) error {
	if len(t.Rows) == 0 {
		return fmt.Errorf("no rows to write to %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := w.Write(t.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return f.Close()
}

// ParseOutputs names the TSVs written by ParseResults. An empty RawFreq
// skips the raw frequency table.
type ParseOutputs struct {
	Freq    string
	GA      string
	RawFreq string
}

// ParseResults flattens the freq, ga and optionally raw_freq sites of a
// results document into wide TSVs.
func ParseResults(r *Results, out ParseOutputs) error {
	if err := WriteTSV(out.Freq, Wide(r, SiteFreq, true)); err != nil {
		return fmt.Errorf("freq: %w", err)
	}
	if err := WriteTSV(out.GA, Wide(r, SiteGA, false)); err != nil {
		return fmt.Errorf("ga: %w", err)
	}
	if out.RawFreq == "" {
		return nil
	}
	if err := WriteTSV(out.RawFreq, Wide(r, SiteRawFreq, true)); err != nil {
		return fmt.Errorf("raw_freq: %w", err)
	}
	return nil
}
