package prepare

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"hiermlr/internal/dates"
	"hiermlr/internal/freqdata"
	"hiermlr/internal/internalerr"
)

// Row is one line of a raw clade count table.
type Row struct {
	Location  string
	Clade     string
	Date      time.Time
	Sequences float64
}

// table is a header-addressed TSV.
type table struct {
	cols map[string]int
	rows [][]string
}

func readTable(r io.Reader, required ...string) (*table, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	t := &table{cols: make(map[string]int, len(header))}
	for i, h := range header {
		t.cols[strings.TrimSpace(h)] = i
	}
	for _, c := range required {
		if _, ok := t.cols[c]; !ok {
			return nil, fmt.Errorf("%w: missing column %q (have %s)", internalerr.ErrInvalidInput, c, strings.Join(header, ", "))
		}
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("%w: row %d: expected %d columns, got %d",
				internalerr.ErrInvalidInput, line, len(header), len(rec))
		}
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

func (t *table) get(rec []string, col string) string {
	return strings.TrimSpace(rec[t.cols[col]])
}

// parseCount accepts integer or float counts. An empty cell is missing.
func parseCount(s string, line int) (float64, error) {
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: row %d: sequences %q is not a number", internalerr.ErrInvalidInput, line, s)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: row %d: negative sequences %v", internalerr.ErrInvalidInput, line, v)
	}
	return v, nil
}

// ReadRows parses a clade count TSV with columns location, clade, date and
// sequences. Every malformed date is collected and reported together as a
// *dates.ParseErrors.
func ReadRows(r io.Reader) ([]Row, error) {
	t, err := readTable(r, "location", "clade", "date", "sequences")
	if err != nil {
		return nil, err
	}
	var (
		out []Row
		bad dates.ParseErrors
	)
	for i, rec := range t.rows {
		line := i + 2
		raw := t.get(rec, "date")
		d, err := dates.Parse(raw)
		if err != nil {
			bad.Rows = append(bad.Rows, dates.BadRow{Line: line, Value: raw})
			continue
		}
		n, err := parseCount(t.get(rec, "sequences"), line)
		if err != nil {
			return nil, err
		}
		out = append(out, Row{
			Location:  t.get(rec, "location"),
			Clade:     t.get(rec, "clade"),
			Date:      d,
			Sequences: n,
		})
	}
	if len(bad.Rows) > 0 {
		return nil, &bad
	}
	return out, nil
}

// ReadRecords parses a prepared TSV with columns location, variant, date and
// sequences.
func ReadRecords(r io.Reader) ([]freqdata.Record, error) {
	t, err := readTable(r, "location", "variant", "date", "sequences")
	if err != nil {
		return nil, err
	}
	var (
		out []freqdata.Record
		bad dates.ParseErrors
	)
	for i, rec := range t.rows {
		line := i + 2
		raw := t.get(rec, "date")
		d, err := dates.Parse(raw)
		if err != nil {
			bad.Rows = append(bad.Rows, dates.BadRow{Line: line, Value: raw})
			continue
		}
		n, err := parseCount(t.get(rec, "sequences"), line)
		if err != nil {
			return nil, err
		}
		out = append(out, freqdata.Record{
			Location:  t.get(rec, "location"),
			Variant:   t.get(rec, "variant"),
			Date:      d,
			Sequences: n,
		})
	}
	if len(bad.Rows) > 0 {
		return nil, &bad
	}
	return out, nil
}

// ReadRowsFile opens path and calls ReadRows.
func ReadRowsFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	rows, err := ReadRows(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// ReadRecordsFile opens path and calls ReadRecords.
func ReadRecordsFile(path string) ([]freqdata.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	recs, err := ReadRecords(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// WriteRecords writes prepared records as a TSV. Counts are written as
// integers when they are whole.
func WriteRecords(w io.Writer, recs []freqdata.Record) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write([]string{"location", "variant", "date", "sequences"}); err != nil {
		return err
	}
	for _, r := range recs {
		n := ""
		if !math.IsNaN(r.Sequences) {
			n = strconv.FormatFloat(r.Sequences, 'f', -1, 64)
		}
		if err := cw.Write([]string{r.Location, r.Variant, dates.Format(r.Date), n}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteRecordsFile writes recs to path.
func WriteRecordsFile(path string, recs []freqdata.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteRecords(f, recs); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// ReadLines reads one trimmed, non-empty entry per line.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if s := strings.TrimSpace(sc.Text()); s != "" {
			out = append(out, s)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// IsParseError reports whether err carries unparseable dates.
func IsParseError(err error) bool {
	var pe *dates.ParseErrors
	return errors.As(err, &pe)
}
