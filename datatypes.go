package main

import (
	"io"

	"github.com/sirupsen/logrus"

	"hiermlr/internal/config"
	"hiermlr/internal/inference"
	"hiermlr/internal/posterior"
	"hiermlr/internal/store"
	"hiermlr/internal/timeutil"
)

// ModelRun is one run-model invocation.
type ModelRun struct {
	Config *config.Config
	Clock  timeutil.Clock
	Logger *logrus.Logger

	// Store holds saved posteriors. When nil and saving or loading is
	// enabled, the sqlite database at Config.StorePath() is opened.
	Store store.Store

	// Out receives the run summary; nil discards it.
	Out io.Writer
}

// RunOutput lists what a run produced.
type RunOutput struct {
	Posteriors *inference.MultiPosterior

	// Results is nil unless export_json is set.
	Results     *posterior.Results
	ResultsPath string
	// ForecastPath is the median forecast CSV, written when a forecast
	// length is configured.
	ForecastPath string

	// RunIDs maps fit names to the store runs they were saved as.
	RunIDs map[string]string
}

// prepareFlags are the prepare-data command line values.
type prepareFlags struct {
	seqCounts string
	output    string

	minDate        string
	maxDate        string
	locationMinSeq float64
	// excludedLocations is a file with one location per line.
	excludedLocations string

	cladeMinSeq        float64
	forceIncludeClades []string
	forceExcludeClades []string
}

// globalFlags are the add-global command line values.
type globalFlags struct {
	input   string
	weights string
	output  string
}
