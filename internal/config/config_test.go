package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiermlr/internal/inference"
	"hiermlr/internal/internalerr"
	"hiermlr/internal/mlr"
	"hiermlr/internal/monitoring"
	"hiermlr/internal/posterior"
)

func init() { monitoring.SetLogger(nil) }

const fullYAML = `
data:
  seq_path: data/prepared_seq_counts.tsv
  locations: [Chile, Peru]
  name: h3n2
  aggregation_frequency: 1W
  max_date: "2024-06-01"
model:
  version: MLR
  hierarchical: true
  generation_time: 3.2
  pool_scale: 0.5
  left_buffer: 2
  right_buffer: 1
  windowed: true
  pivot: J.2
  forecast_length: 4
inference:
  method: MAP
  iters: 2000
  num_samples: 100
  seed: 42
settings:
  fit: true
  save: true
  export_json: true
  export_path: results/h3n2
  ps: [0.5, 0.95]
`

func captureLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return l, &buf
}

func TestParseFull(t *testing.T) {
	logger, buf := captureLogger()
	c, err := Parse([]byte(fullYAML), logger)
	require.NoError(t, err)

	mc, err := c.ModelConfig()
	require.NoError(t, err)
	assert.Equal(t, mlr.Config{GenerationTime: 3.2, PoolScale: 0.5, LeftBuffer: 2, RightBuffer: 1, Mode: mlr.Windowed}, mc)

	seq, err := c.SeqPath()
	require.NoError(t, err)
	assert.Equal(t, "data/prepared_seq_counts.tsv", seq)
	assert.Equal(t, []string{"Chile", "Peru"}, c.Data.Locations)
	assert.Equal(t, "h3n2", c.DataName())
	assert.True(t, c.Hierarchical())
	assert.Equal(t, 4, c.ForecastLength())
	assert.Equal(t, "MAP", c.Method())
	assert.Equal(t, []float64{0.5, 0.95}, c.PS())
	assert.Equal(t, filepath.Join("results/h3n2", "models", "posteriors.db"), c.StorePath())

	fo := c.FreqOptions(nil)
	assert.Equal(t, "J.2", fo.Pivot)
	assert.Equal(t, "1W", fo.AggregationFrequency)
	assert.Equal(t, "2024-06-01", fo.MaxDate)

	eo := c.EngineOptions()
	assert.Equal(t, 2000, eo.Iterations)
	assert.Equal(t, 100, eo.NumSamples)
	assert.Equal(t, uint64(42), eo.Seed)
	assert.Equal(t, inference.DefaultGradientTol, eo.GradientTol)

	assert.Contains(t, buf.String(), "Using default value for gradient_tol")
	assert.NotContains(t, buf.String(), "Using default value for iters")
}

func TestDefaultsAreLogged(t *testing.T) {
	logger, buf := captureLogger()
	c, err := Parse([]byte("data:\n  seq_path: x.tsv\n"), logger)
	require.NoError(t, err)
	assert.Empty(t, buf.String(), "validation must not log defaults")

	mc, err := c.ModelConfig()
	require.NoError(t, err)
	assert.Equal(t, mlr.DefaultConfig(), mc)
	assert.Equal(t, inference.MethodLaplace, c.Method())
	assert.Equal(t, posterior.DefaultPS, c.PS())
	assert.Equal(t, inference.DefaultSeed, c.Seed())
	assert.False(t, c.Fit())
	assert.Equal(t, filepath.Join(".", "models", "posteriors.db"), c.StorePath())

	for _, name := range []string{"generation_time", "pool_scale", "windowed", "method", "ps", "seed", "fit"} {
		assert.Contains(t, buf.String(), "Using default value for "+name)
	}
}

func TestSeedZeroMeansDefault(t *testing.T) {
	c, err := Parse([]byte("inference:\n  seed: 0\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, inference.DefaultSeed, c.Seed())
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"both modes":        "model:\n  windowed: true\n  simple_exclusion: true\n",
		"negative buffer":   "model:\n  left_buffer: -1\n",
		"bad version":       "model:\n  version: Latent\n",
		"zero tau":          "model:\n  generation_time: 0\n",
		"bad method":        "inference:\n  method: NUTS\n",
		"bad ps":            "settings:\n  ps: [0.5, 1.5]\n",
		"bad frequency":     "data:\n  aggregation_frequency: PT6H\n",
		"unknown key":       "model:\n  tau: 4\n",
		"negative forecast": "model:\n  forecast_length: -2\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, internalerr.ErrInvalidConfig)
		})
	}
}

func TestMissingSeqPath(t *testing.T) {
	c, err := Parse(nil, nil)
	require.NoError(t, err)
	_, err = c.SeqPath()
	assert.ErrorIs(t, err, internalerr.ErrInvalidConfig)
}

func TestApplyOverrides(t *testing.T) {
	c, err := Parse([]byte(fullYAML), nil)
	require.NoError(t, err)
	flat := false
	c.Apply(Overrides{SeqPath: "other.tsv", ExportPath: "out", Hierarchical: &flat})

	seq, _ := c.SeqPath()
	assert.Equal(t, "other.tsv", seq)
	assert.Equal(t, "out", c.ExportPath())
	assert.Equal(t, "h3n2", c.DataName())
	assert.False(t, c.Hierarchical())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullYAML), 0o644))
	c, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "h3n2", c.DataName())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "read config"))
}
