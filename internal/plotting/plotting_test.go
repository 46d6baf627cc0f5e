package plotting

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiermlr/internal/monitoring"
	"hiermlr/internal/posterior"
)

func init() { monitoring.SetLogger(nil) }

func results() *posterior.Results {
	v := posterior.Value
	r := &posterior.Results{Metadata: posterior.Metadata{
		Dates:    []string{"2024-01-01", "2024-01-08", "2024-01-15"},
		Variants: []string{"J.2", "other"},
		Location: []string{"North America", "Peru", "hierarchical"},
		Pivot:    "other",
	}}
	for _, loc := range []string{"North America", "Peru"} {
		for i, d := range r.Metadata.Dates {
			f := 0.2 + 0.1*float64(i)
			for _, e := range []posterior.Entry{
				{Location: loc, Site: posterior.SiteFreq, Variant: "J.2", Date: d, PS: "median", Value: v(f)},
				{Location: loc, Site: posterior.SiteFreq, Variant: "J.2", Date: d, PS: "HDI_95_lower", Value: v(f - 0.05)},
				{Location: loc, Site: posterior.SiteFreq, Variant: "J.2", Date: d, PS: "HDI_95_upper", Value: v(f + 0.05)},
				{Location: loc, Site: posterior.SiteRawFreq, Variant: "J.2", Date: d, Value: v(f + 0.01)},
				{Location: loc, Site: posterior.SiteRawFreq, Variant: "other", Date: d, Value: nil},
			} {
				r.Data = append(r.Data, e)
			}
		}
	}
	for _, loc := range []string{"Peru", "hierarchical"} {
		r.Data = append(r.Data,
			posterior.Entry{Location: loc, Site: posterior.SiteGA, Variant: "J.2", PS: "median", Value: v(1.4)},
			posterior.Entry{Location: loc, Site: posterior.SiteGA, Variant: "J.2", PS: "HDI_95_lower", Value: v(1.2)},
			posterior.Entry{Location: loc, Site: posterior.SiteGA, Variant: "J.2", PS: "HDI_95_upper", Value: v(1.7)},
		)
	}
	return r
}

func TestFrequencies(t *testing.T) {
	dir := t.TempDir()
	files, err := Frequencies(results(), Options{OutDir: dir})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "freq_North_America.png"),
		filepath.Join(dir, "freq_Peru.png"),
	}, files)
	for _, f := range files {
		st, err := os.Stat(f)
		require.NoError(t, err)
		assert.Greater(t, st.Size(), int64(0))
	}

	files, err = Frequencies(results(), Options{OutDir: dir, Locations: []string{"Peru"}})
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestGrowthAdvantages(t *testing.T) {
	dir := t.TempDir()
	files, err := GrowthAdvantages(results(), Options{OutDir: dir})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "ga_J.2.png")}, files)

	files, err = GrowthAdvantages(results(), Options{OutDir: dir, Variants: []string{"other"}})
	require.NoError(t, err)
	assert.Empty(t, files, "the pivot has no growth advantage")
}

func TestGenerateColors(t *testing.T) {
	cs := generateColors(3)
	require.Len(t, cs, 3)
	assert.Equal(t, color.RGBA{R: 217, G: 38, B: 38, A: 255}, cs[0])
	assert.NotEqual(t, cs[0], cs[1])
	assert.Nil(t, generateColors(0))
}
