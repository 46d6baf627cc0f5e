package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"hiermlr/internal/posterior"
	"hiermlr/internal/store"
)

// OutputForecastsToCSV writes the median forecast frequencies with one
// column per variant. Columns: location, date, <variants...>
func OutputForecastsToCSV(path string, r *posterior.Results) error {
	type cell struct{ loc, date, variant string }
	medians := map[cell]*float64{}
	for _, e := range r.Data {
		if e.Site == posterior.SiteFreqForecast && e.PS == posterior.MedianLabel {
			medians[cell{e.Location, e.Date, e.Variant}] = e.Value
		}
	}
	if len(medians) == 0 {
		return fmt.Errorf("no %s entries in results", posterior.SiteFreqForecast)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := append([]string{"location", "date"}, r.Metadata.Variants...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, loc := range r.Metadata.Location {
		for _, d := range r.Metadata.ForecastDates {
			record := make([]string, 0, len(header))
			record = append(record, loc, d)
			found := false
			for _, v := range r.Metadata.Variants {
				val, ok := medians[cell{loc, d, v}]
				found = found || ok
				if val == nil {
					record = append(record, "")
					continue
				}
				record = append(record, strconv.FormatFloat(*val, 'f', -1, 64))
			}
			// locations without a forecast (hierarchical, Global) are skipped
			if !found {
				continue
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

// PrintRunSummary prints one line per fit: method, draws, axis sizes and
// the log density at the mode.
func PrintRunSummary(w io.Writer, out *RunOutput) {
	fmt.Fprintln(w, "         Model Run Summary      ")
	fmt.Fprintf(w, "%-16s%-10s%8s%8s%10s%8s%14s  %s\n", "fit", "method", "draws", "dates", "variants", "groups", "log density", "run")
	for _, name := range out.Posteriors.Names() {
		p, _ := out.Posteriors.Get(name)
		T, V, G := p.Data.Dims()
		fmt.Fprintf(w, "%-16s%-10s%8d%8d%10d%8d%14.3f  %s\n",
			name, p.Draws.Method, p.Draws.Len(), T, V, G, p.Draws.LogDensity, p.RunID)
	}
	if out.ResultsPath != "" {
		fmt.Fprintf(w, "results: %s (%d entries)\n", out.ResultsPath, len(out.Results.Data))
	}
	if out.ForecastPath != "" {
		fmt.Fprintf(w, "forecast: %s\n", out.ForecastPath)
	}
}

// PrintRuns lists saved runs, oldest first.
func PrintRuns(w io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no saved runs")
		return
	}
	fmt.Fprintf(w, "%-28s%-16s%-10s%8s  %s\n", "id", "name", "method", "draws", "created")
	for _, r := range runs {
		fmt.Fprintf(w, "%-28s%-16s%-10s%8d  %s\n", r.ID, r.Name, r.Method, r.NumDraws, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}
