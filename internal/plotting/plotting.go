// Package plotting renders frequency and growth-advantage charts from a
// results document.
package plotting

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"hiermlr/internal/dates"
	"hiermlr/internal/inference"
	"hiermlr/internal/monitoring"
	"hiermlr/internal/posterior"
)

const (
	lowerLabel = "HDI_95_lower"
	upperLabel = "HDI_95_upper"
)

// Options selects what to draw and where.
type Options struct {
	OutDir string
	// Locations and Variants restrict the charts; empty means everything.
	Locations []string
	Variants  []string

	Width, Height vg.Length
	Logger        *logrus.Logger
}

func (o Options) size() (vg.Length, vg.Length) {
	w, h := o.Width, o.Height
	if w == 0 {
		w = 8 * vg.Inch
	}
	if h == 0 {
		h = 5 * vg.Inch
	}
	return w, h
}

type interval struct {
	median, lower, upper *float64
}

func (iv interval) complete() bool {
	return iv.median != nil && iv.lower != nil && iv.upper != nil
}

func (iv *interval) set(ps string, v *float64) {
	switch ps {
	case posterior.MedianLabel:
		iv.median = v
	case lowerLabel:
		iv.lower = v
	case upperLabel:
		iv.upper = v
	}
}

// Frequencies writes freq_<location>.png for every location: the posterior
// median per variant with its 95% band and the raw frequencies as points.
func Frequencies(r *posterior.Results, opts Options) ([]string, error) {
	logger := monitoring.Or(opts.Logger)
	locs := filter(r.Metadata.Location, opts.Locations)
	variants := filter(r.Metadata.Variants, opts.Variants)
	colors := generateColors(len(variants))

	type key struct{ loc, variant, date string }
	freq := map[key]*interval{}
	raw := map[key]*float64{}
	for _, e := range r.Data {
		k := key{e.Location, e.Variant, e.Date}
		switch e.Site {
		case posterior.SiteFreq:
			iv, ok := freq[k]
			if !ok {
				iv = &interval{}
				freq[k] = iv
			}
			iv.set(e.PS, e.Value)
		case posterior.SiteRawFreq:
			raw[k] = e.Value
		}
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plot dir: %w", err)
	}
	w, h := opts.size()

	var written []string
	for _, loc := range locs {
		p := plot.New()
		p.Title.Text = loc
		p.X.Label.Text = "Date"
		p.Y.Label.Text = "Frequency"
		p.X.Tick.Marker = plot.TimeTicks{Format: dates.Layout}
		p.Y.Min, p.Y.Max = 0, 1
		p.Legend.Top = true

		drawn := false
		for i, v := range variants {
			var mid, lo, hi, pts plotter.XYs
			for _, ds := range r.Metadata.Dates {
				x, err := dateX(ds)
				if err != nil {
					return written, err
				}
				if iv, ok := freq[key{loc, v, ds}]; ok && iv.complete() {
					mid = append(mid, plotter.XY{X: x, Y: *iv.median})
					lo = append(lo, plotter.XY{X: x, Y: *iv.lower})
					hi = append(hi, plotter.XY{X: x, Y: *iv.upper})
				}
				if y := raw[key{loc, v, ds}]; y != nil {
					pts = append(pts, plotter.XY{X: x, Y: *y})
				}
			}
			if len(mid) == 0 && len(pts) == 0 {
				continue
			}
			drawn = true

			if len(mid) > 1 {
				band, err := plotter.NewPolygon(bandOutline(lo, hi))
				if err != nil {
					return written, err
				}
				band.Color = withAlpha(colors[i], 90)
				band.LineStyle.Width = 0
				p.Add(band)
			}
			if len(mid) > 0 {
				line, err := plotter.NewLine(mid)
				if err != nil {
					return written, err
				}
				line.Color = colors[i]
				line.Width = vg.Points(2)
				p.Add(line)
				p.Legend.Add(v, line)
			}
			if len(pts) > 0 {
				sc, err := plotter.NewScatter(pts)
				if err != nil {
					return written, err
				}
				sc.GlyphStyle.Color = colors[i]
				sc.GlyphStyle.Radius = vg.Points(2)
				sc.GlyphStyle.Shape = draw.CircleGlyph{}
				p.Add(sc)
			}
		}
		if !drawn {
			logger.WithField("location", loc).Debug("no frequencies to plot")
			continue
		}

		file := filepath.Join(opts.OutDir, "freq_"+fileSafe(loc)+".png")
		if err := p.Save(w, h, file); err != nil {
			return written, fmt.Errorf("save %s: %w", file, err)
		}
		written = append(written, file)
	}
	logger.WithField("plots", len(written)).Info("wrote frequency plots")
	return written, nil
}

// gaPoints is medians with asymmetric error bars for one variant.
type gaPoints struct {
	xys  plotter.XYs
	errs [][2]float64
}

func (g gaPoints) Len() int { return len(g.xys) }
func (g gaPoints) XY(i int) (float64, float64) { return g.xys[i].X, g.xys[i].Y }
func (g gaPoints) YError(i int) (float64, float64) { return g.errs[i][0], g.errs[i][1] }

// GrowthAdvantages writes ga_<variant>.png for every non-pivot variant: the
// median growth advantage with its 95% interval by location, pooled
// estimate first.
func GrowthAdvantages(r *posterior.Results, opts Options) ([]string, error) {
	logger := monitoring.Or(opts.Logger)

	type key struct{ loc, variant string }
	ga := map[key]*interval{}
	locSet := map[string]bool{}
	for _, e := range r.Data {
		if e.Site != posterior.SiteGA {
			continue
		}
		k := key{e.Location, e.Variant}
		iv, ok := ga[k]
		if !ok {
			iv = &interval{}
			ga[k] = iv
		}
		iv.set(e.PS, e.Value)
		locSet[e.Location] = true
	}

	var locs []string
	for l := range locSet {
		locs = append(locs, l)
	}
	locs = filter(locs, opts.Locations)
	if len(opts.Locations) > 0 && locSet[inference.HierarchicalName] && !contains(locs, inference.HierarchicalName) {
		locs = append(locs, inference.HierarchicalName)
	}
	sort.Slice(locs, func(i, j int) bool {
		hi, hj := locs[i] == inference.HierarchicalName, locs[j] == inference.HierarchicalName
		if hi != hj {
			return hi
		}
		return locs[i] < locs[j]
	})

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plot dir: %w", err)
	}
	w, h := opts.size()
	colors := generateColors(len(locs))

	var written []string
	for _, v := range filter(r.Metadata.Variants, opts.Variants) {
		if v == r.Metadata.Pivot {
			continue
		}
		var pts gaPoints
		var names []string
		for _, loc := range locs {
			iv, ok := ga[key{loc, v}]
			if !ok || !iv.complete() {
				continue
			}
			x := float64(len(names))
			names = append(names, loc)
			pts.xys = append(pts.xys, plotter.XY{X: x, Y: *iv.median})
			pts.errs = append(pts.errs, [2]float64{*iv.median - *iv.lower, *iv.upper - *iv.median})
		}
		if len(names) == 0 {
			continue
		}

		p := plot.New()
		p.Title.Text = v
		p.Y.Label.Text = "Growth advantage"
		p.NominalX(names...)

		bars, err := plotter.NewYErrorBars(pts)
		if err != nil {
			return written, err
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return written, err
		}
		sc.GlyphStyle.Radius = vg.Points(3)
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyleFunc = func(i int) draw.GlyphStyle {
			st := sc.GlyphStyle
			st.Color = colors[indexOf(locs, names[i])]
			return st
		}
		ref, err := plotter.NewLine(plotter.XYs{{X: -0.5, Y: 1}, {X: float64(len(names)) - 0.5, Y: 1}})
		if err != nil {
			return written, err
		}
		ref.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
		ref.Color = color.Gray{Y: 128}
		p.Add(ref, bars, sc)

		file := filepath.Join(opts.OutDir, "ga_"+fileSafe(v)+".png")
		if err := p.Save(w, h, file); err != nil {
			return written, fmt.Errorf("save %s: %w", file, err)
		}
		written = append(written, file)
	}
	logger.WithField("plots", len(written)).Info("wrote growth advantage plots")
	return written, nil
}

func dateX(s string) (float64, error) {
	d, err := dates.Parse(s)
	if err != nil {
		return 0, err
	}
	return float64(d.Unix()), nil
}

// bandOutline walks the lower bound forwards and the upper bound back.
func bandOutline(lo, hi plotter.XYs) plotter.XYs {
	out := make(plotter.XYs, 0, len(lo)+len(hi))
	out = append(out, lo...)
	for i := len(hi) - 1; i >= 0; i-- {
		out = append(out, hi[i])
	}
	return out
}

func filter(all, keep []string) []string {
	if len(keep) == 0 {
		return all
	}
	out := make([]string, 0, len(all))
	for _, a := range all {
		if contains(keep, a) {
			out = append(out, a)
		}
	}
	return out
}

func contains(xs []string, s string) bool {
	return indexOf(xs, s) >= 0
}

func indexOf(xs []string, s string) int {
	for i, x := range xs {
		if x == s {
			return i
		}
	}
	return -1
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		}
		return '_'
	}, s)
}

func withAlpha(c color.Color, a uint8) color.Color {
	r, g, b, _ := c.RGBA()
	return color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: a}
}

// generateColors spreads n hues evenly around the HSL wheel.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	if s == 0 {
		v := uint8(math.Round(l * 255))
		return v, v, v
	}
	q := l + s - l*s
	if l < 0.5 {
		q = l * (1 + s)
	}
	p := 2*l - q
	to := func(x float64) uint8 { return uint8(math.Round(hueToRGB(p, q, x) * 255)) }
	return to(h + 1.0/3.0), to(h), to(h - 1.0/3.0)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
