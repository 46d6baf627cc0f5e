// Package config reads the YAML run configuration for run-model. Unset
// values are nil; accessors fall back to defaults and log when they do.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"hiermlr/internal/aggregate"
	"hiermlr/internal/freqdata"
	"hiermlr/internal/inference"
	"hiermlr/internal/internalerr"
	"hiermlr/internal/mlr"
	"hiermlr/internal/monitoring"
	"hiermlr/internal/posterior"
	"hiermlr/internal/timeutil"
)

// ModelVersion is the only supported model.
const ModelVersion = "MLR"

// Config mirrors the run-model YAML file.
type Config struct {
	Data      Data      `yaml:"data"`
	Model     Model     `yaml:"model"`
	Inference Inference `yaml:"inference"`
	Settings  Settings  `yaml:"settings"`

	logger *logrus.Logger
}

type Data struct {
	SeqPath              *string  `yaml:"seq_path"`
	Locations            []string `yaml:"locations"`
	Name                 *string  `yaml:"name"`
	AggregationFrequency *string  `yaml:"aggregation_frequency"`
	MaxDate              *string  `yaml:"max_date"`
}

type Model struct {
	Version         *string  `yaml:"version"`
	Hierarchical    *bool    `yaml:"hierarchical"`
	GenerationTime  *float64 `yaml:"generation_time"`
	PoolScale       *float64 `yaml:"pool_scale"`
	LeftBuffer      *int     `yaml:"left_buffer"`
	RightBuffer     *int     `yaml:"right_buffer"`
	Windowed        *bool    `yaml:"windowed"`
	SimpleExclusion *bool    `yaml:"simple_exclusion"`
	Pivot           *string  `yaml:"pivot"`
	ForecastLength  *int     `yaml:"forecast_length"`
}

type Inference struct {
	Method      *string  `yaml:"method"`
	Iters       *int     `yaml:"iters"`
	NumSamples  *int     `yaml:"num_samples"`
	Seed        *uint64  `yaml:"seed"`
	GradientTol *float64 `yaml:"gradient_tol"`
}

type Settings struct {
	Fit        *bool     `yaml:"fit"`
	Save       *bool     `yaml:"save"`
	Load       *bool     `yaml:"load"`
	ExportJSON *bool     `yaml:"export_json"`
	ExportPath *string   `yaml:"export_path"`
	PS         []float64 `yaml:"ps"`
	StorePath  *string   `yaml:"store_path"`
}

// Load reads and validates a YAML config file.
func Load(path string, logger *logrus.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data, logger)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates YAML. Unknown keys are rejected.
func Parse(data []byte, logger *logrus.Logger) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", internalerr.ErrInvalidConfig, err)
	}
	c.logger = logger
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) log() *logrus.Logger { return monitoring.Or(c.logger) }

func orDefault[T any](c *Config, p *T, name string, dflt T) T {
	if p != nil {
		return *p
	}
	c.log().WithField("default", dflt).Infof("Using default value for %s", name)
	return dflt
}

// Validate checks value ranges and mutually exclusive options.
func (c *Config) Validate() error {
	if v := c.Model.Version; v != nil && *v != ModelVersion {
		return fmt.Errorf("%w: model version %q is not supported, use %q", internalerr.ErrInvalidConfig, *v, ModelVersion)
	}
	if _, err := c.quiet().ModelConfig(); err != nil {
		return err
	}
	if p := c.Model.ForecastLength; p != nil && *p < 0 {
		return fmt.Errorf("%w: forecast_length must be >= 0, got %d", internalerr.ErrInvalidConfig, *p)
	}
	if p := c.Inference.Iters; p != nil && *p <= 0 {
		return fmt.Errorf("%w: iters must be > 0, got %d", internalerr.ErrInvalidConfig, *p)
	}
	if p := c.Inference.NumSamples; p != nil && *p <= 0 {
		return fmt.Errorf("%w: num_samples must be > 0, got %d", internalerr.ErrInvalidConfig, *p)
	}
	if p := c.Inference.GradientTol; p != nil && !(*p > 0) {
		return fmt.Errorf("%w: gradient_tol must be > 0, got %v", internalerr.ErrInvalidConfig, *p)
	}
	if _, err := inference.NewEngine(deref(c.Inference.Method), inference.Options{}); err != nil {
		return err
	}
	if _, err := posterior.Intervals(c.Settings.PS); err != nil {
		return fmt.Errorf("%w: ps: %v", internalerr.ErrInvalidConfig, err)
	}
	if f := c.Data.AggregationFrequency; f != nil {
		if _, err := aggregate.ParseFrequency(*f); err != nil {
			return fmt.Errorf("%w: %v", internalerr.ErrInvalidConfig, err)
		}
	}
	return nil
}

// quiet returns a copy whose default fallbacks are not logged.
func (c *Config) quiet() *Config {
	q := *c
	q.logger = logrus.New()
	q.logger.SetLevel(logrus.PanicLevel)
	return &q
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// ModelConfig assembles the regression settings.
func (c *Config) ModelConfig() (mlr.Config, error) {
	d := mlr.DefaultConfig()
	m := c.Model
	mode, err := mlr.ModeFromFlags(orDefault(c, m.Windowed, "windowed", false), orDefault(c, m.SimpleExclusion, "simple_exclusion", false))
	if err != nil {
		return mlr.Config{}, err
	}
	cfg := mlr.Config{
		GenerationTime: orDefault(c, m.GenerationTime, "generation_time", d.GenerationTime),
		PoolScale:      orDefault(c, m.PoolScale, "pool_scale", d.PoolScale),
		LeftBuffer:     orDefault(c, m.LeftBuffer, "left_buffer", 0),
		RightBuffer:    orDefault(c, m.RightBuffer, "right_buffer", 0),
		Mode:           mode,
	}
	return cfg, cfg.Validate()
}

// Hierarchical reports whether one pooled model is fit.
func (c *Config) Hierarchical() bool { return orDefault(c, c.Model.Hierarchical, "hierarchical", false) }

// ForecastLength is the number of forecast steps; 0 disables forecasting.
func (c *Config) ForecastLength() int { return orDefault(c, c.Model.ForecastLength, "forecast_length", 0) }

// SeqPath is the prepared sequence counts file.
func (c *Config) SeqPath() (string, error) {
	if c.Data.SeqPath == nil || *c.Data.SeqPath == "" {
		return "", fmt.Errorf("%w: data.seq_path is required", internalerr.ErrInvalidConfig)
	}
	return *c.Data.SeqPath, nil
}

// DataName prefixes exported files.
func (c *Config) DataName() string { return orDefault(c, c.Data.Name, "name", "data") }

// FreqOptions are the data-building options shared by every fit.
func (c *Config) FreqOptions(clock timeutil.Clock) freqdata.Options {
	return freqdata.Options{
		Pivot:                orDefault(c, c.Model.Pivot, "pivot", ""),
		MaxDate:              orDefault(c, c.Data.MaxDate, "max_date", ""),
		AggregationFrequency: orDefault(c, c.Data.AggregationFrequency, "aggregation_frequency", ""),
		Clock:                clock,
		Logger:               c.logger,
	}
}

// Method is the inference engine name.
func (c *Config) Method() string {
	return orDefault(c, c.Inference.Method, "method", inference.MethodLaplace)
}

// EngineOptions configures the inference engine.
func (c *Config) EngineOptions() inference.Options {
	return inference.Options{
		Iterations:  orDefault(c, c.Inference.Iters, "iters", inference.DefaultIterations),
		GradientTol: orDefault(c, c.Inference.GradientTol, "gradient_tol", inference.DefaultGradientTol),
		NumSamples:  orDefault(c, c.Inference.NumSamples, "num_samples", inference.DefaultNumSamples),
		Seed:        c.Seed(),
		Logger:      c.logger,
	}
}

// Seed drives every random draw; 0 selects the fixed default.
func (c *Config) Seed() uint64 {
	s := orDefault(c, c.Inference.Seed, "seed", inference.DefaultSeed)
	if s == 0 {
		return inference.DefaultSeed
	}
	return s
}

func (c *Config) Fit() bool        { return orDefault(c, c.Settings.Fit, "fit", false) }
func (c *Config) Save() bool       { return orDefault(c, c.Settings.Save, "save", false) }
func (c *Config) LoadModels() bool { return orDefault(c, c.Settings.Load, "load", false) }
func (c *Config) ExportJSON() bool { return orDefault(c, c.Settings.ExportJSON, "export_json", false) }

// ExportPath is where results and saved models go.
func (c *Config) ExportPath() string { return orDefault(c, c.Settings.ExportPath, "export_path", ".") }

// PS are the reported interval widths.
func (c *Config) PS() []float64 {
	if c.Settings.PS == nil {
		c.log().WithField("default", posterior.DefaultPS).Info("Using default value for ps")
		return posterior.DefaultPS
	}
	return c.Settings.PS
}

// StorePath is the posterior database. It defaults to
// <export_path>/models/posteriors.db.
func (c *Config) StorePath() string {
	if c.Settings.StorePath != nil && *c.Settings.StorePath != "" {
		return *c.Settings.StorePath
	}
	return filepath.Join(c.ExportPath(), "models", "posteriors.db")
}

// Overrides are command-line values that replace config entries when set.
type Overrides struct {
	SeqPath      string
	ExportPath   string
	DataName     string
	Pivot        string
	Hierarchical *bool
}

// Apply copies the non-empty overrides into c.
func (c *Config) Apply(o Overrides) {
	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&c.Data.SeqPath, o.SeqPath)
	set(&c.Settings.ExportPath, o.ExportPath)
	set(&c.Data.Name, o.DataName)
	set(&c.Model.Pivot, o.Pivot)
	if o.Hierarchical != nil {
		h := *o.Hierarchical
		c.Model.Hierarchical = &h
	}
}
