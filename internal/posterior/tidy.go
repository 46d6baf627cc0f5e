package posterior

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Site names used in the results document.
const (
	SiteFreq            = "freq"
	SiteFreqForecast    = "freq_forecast"
	SiteGA              = "ga"
	SiteSeqCounts       = "seq_counts"
	SiteRawFreq         = "raw_freq"
	SiteSmoothedRawFreq = "smoothed_raw_freq"
	SiteAggCounts       = "agg_counts"
)

// Entry is one tidy record. Date is empty for undated sites and PS is empty
// for sites without posterior summaries. A nil Value is written as null.
type Entry struct {
	Location string   `json:"location"`
	Site     string   `json:"site"`
	Variant  string   `json:"variant"`
	Date     string   `json:"date,omitempty"`
	PS       string   `json:"ps,omitempty"`
	Value    *float64 `json:"value"`
}

// Metadata describes the axes present in Data.
type Metadata struct {
	Dates         []string `json:"dates"`
	ForecastDates []string `json:"forecast_dates,omitempty"`
	Variants      []string `json:"variants"`
	Sites         []string `json:"sites"`
	Location      []string `json:"location"`
	PS            []string `json:"ps,omitempty"`
	Pivot         string   `json:"pivot,omitempty"`
	Updated       string   `json:"updated,omitempty"`
}

// Results is the document written to <name>_results.json.
type Results struct {
	Metadata Metadata `json:"metadata"`
	Data     []Entry  `json:"data"`
}

// Value boxes x for an Entry, mapping NaN to nil.
func Value(x float64) *float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return &x
}

// Combine merges results, concatenating data and taking an order-preserving
// union of every metadata list.
func Combine(parts ...*Results) *Results {
	out := &Results{}
	for _, r := range parts {
		if r == nil {
			continue
		}
		m := &out.Metadata
		m.Dates = union(m.Dates, r.Metadata.Dates)
		m.ForecastDates = union(m.ForecastDates, r.Metadata.ForecastDates)
		m.Variants = union(m.Variants, r.Metadata.Variants)
		m.Sites = union(m.Sites, r.Metadata.Sites)
		m.Location = union(m.Location, r.Metadata.Location)
		m.PS = union(m.PS, r.Metadata.PS)
		if m.Pivot == "" {
			m.Pivot = r.Metadata.Pivot
		}
		if r.Metadata.Updated > m.Updated {
			m.Updated = r.Metadata.Updated
		}
		out.Data = append(out.Data, r.Data...)
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		a = append(a, s)
	}
	return a
}

// Save writes results as JSON, creating parent directories.
func Save(path string, r *Results) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create results file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", " ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	return f.Close()
}

// Load reads a results document.
func Load(path string) (*Results, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	var r Results
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode results %s: %w", path, err)
	}
	return &r, nil
}

// ResultsPath is where results for dataName are written under exportPath.
func ResultsPath(exportPath, dataName string) string {
	return filepath.Join(exportPath, dataName+"_results.json")
}
