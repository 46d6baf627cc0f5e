package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hiermlr/internal/config"
	"hiermlr/internal/monitoring"
	"hiermlr/internal/plotting"
	"hiermlr/internal/posterior"
	"hiermlr/internal/prepare"
	"hiermlr/internal/store/sqlite"
	"hiermlr/internal/timeutil"
)

func main() {
	if err := newRootCommand(timeutil.RealClock{}).Execute(); err != nil {
		monitoring.Logger().WithError(err).Fatal("hiermlr failed")
	}
}

// newRootCommand builds the command tree. Relative dates are resolved
// against clock.
func newRootCommand(clock timeutil.Clock) *cobra.Command {
	var logLevel, logFormat string

	rootCmd := &cobra.Command{
		Use:   "hiermlr",
		Short: "Hierarchical multinomial logistic regression for variant frequencies",
		Long: "Estimates variant frequencies and growth advantages from sequence counts, " +
			"partially pooled across locations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return monitoring.Configure(logLevel, logFormat)
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")

	rootCmd.AddCommand(newPrepareDataCommand(clock))
	rootCmd.AddCommand(newRunModelCommand(clock))
	rootCmd.AddCommand(newParseJSONCommand())
	rootCmd.AddCommand(newAddGlobalCommand())
	rootCmd.AddCommand(newPlotFreqCommand())
	rootCmd.AddCommand(newPlotGACommand())
	rootCmd.AddCommand(newListRunsCommand(clock))

	return rootCmd
}

func newPrepareDataCommand(clock timeutil.Clock) *cobra.Command {
	var f prepareFlags

	cmd := &cobra.Command{
		Use:   "prepare-data",
		Short: "Subset clade counts to a date range and collapse rare clades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := prepare.DefaultOptions()
			opts.Clock = clock
			opts.Logger = monitoring.Logger()
			recs, err := runPrepare(f, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d rows to %s\n", len(recs), f.output)
			return nil
		},
	}

	d := prepare.DefaultOptions()
	cmd.Flags().StringVar(&f.seqCounts, "seq-counts", "", "Clade counts TSV with columns location, clade, date, sequences")
	cmd.Flags().StringVar(&f.output, "output-seq-counts", "", "Output TSV for the prepared variant counts")
	cmd.Flags().StringVar(&f.minDate, "min-date", d.MinDate, "Minimum date (inclusive): YYYY-MM-DD or relative like 7D, 6M, 1Y")
	cmd.Flags().StringVar(&f.maxDate, "max-date", d.MaxDate, "Maximum date (inclusive): YYYY-MM-DD or relative like 7D, 6M, 1Y")
	cmd.Flags().Float64Var(&f.locationMinSeq, "location-min-seq", d.LocationMinSeq, "Minimum sequences a location needs in the date range")
	cmd.Flags().StringVar(&f.excludedLocations, "excluded-locations", "", "File with locations to exclude, one per line")
	cmd.Flags().Float64Var(&f.cladeMinSeq, "clade-min-seq", 0, "Minimum sequences for a clade to stay its own variant")
	cmd.Flags().StringSliceVar(&f.forceIncludeClades, "force-include-clades", nil, "Clades kept regardless of counts")
	cmd.Flags().StringSliceVar(&f.forceExcludeClades, "force-exclude-clades", nil, "Clades collapsed into other regardless of counts")
	_ = cmd.MarkFlagRequired("seq-counts")
	_ = cmd.MarkFlagRequired("output-seq-counts")

	return cmd
}

func newRunModelCommand(clock timeutil.Clock) *cobra.Command {
	var (
		configPath string
		o          config.Overrides
		hier       bool
	)

	cmd := &cobra.Command{
		Use:   "run-model",
		Short: "Fit or load models and export results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := monitoring.Logger()
			cfg, err := config.Load(configPath, logger)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("hier") {
				o.Hierarchical = &hier
			}
			cfg.Apply(o)
			if err := cfg.Validate(); err != nil {
				return err
			}

			run := &ModelRun{Config: cfg, Clock: clock, Logger: logger, Out: cmd.OutOrStdout()}
			defer run.Close()
			_, err = run.Execute(cmd.Context())
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Run configuration YAML")
	cmd.Flags().StringVar(&o.SeqPath, "seq-path", "", "Prepared sequence counts TSV (overrides data.seq_path)")
	cmd.Flags().StringVar(&o.ExportPath, "export-path", "", "Output directory (overrides settings.export_path)")
	cmd.Flags().StringVar(&o.DataName, "data-name", "", "Prefix for exported files (overrides data.name)")
	cmd.Flags().StringVar(&o.Pivot, "pivot", "", "Pivot variant (overrides model.pivot)")
	cmd.Flags().BoolVar(&hier, "hier", false, "Fit one hierarchical model (overrides model.hierarchical)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func newParseJSONCommand() *cobra.Command {
	var (
		input, model string
		out          posterior.ParseOutputs
	)

	cmd := &cobra.Command{
		Use:   "parse-json",
		Short: "Flatten a results JSON into wide TSV tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if model != config.ModelVersion {
				return fmt.Errorf("model %q is not supported, use %q", model, config.ModelVersion)
			}
			r, err := posterior.Load(input)
			if err != nil {
				return err
			}
			if err := posterior.ParseResults(r, out); err != nil {
				return err
			}
			monitoring.Logger().WithField("input", input).Info("parsed results")
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Results JSON (<name>_results.json)")
	cmd.Flags().StringVar(&out.Freq, "outfreq", "", "Output frequency TSV")
	cmd.Flags().StringVar(&out.GA, "outga", "", "Output growth advantage TSV")
	cmd.Flags().StringVar(&out.RawFreq, "outraw", "", "Output raw frequency TSV (optional)")
	cmd.Flags().StringVar(&model, "model", config.ModelVersion, "Model version")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("outfreq")
	_ = cmd.MarkFlagRequired("outga")

	return cmd
}

func newAddGlobalCommand() *cobra.Command {
	var f globalFlags

	cmd := &cobra.Command{
		Use:   "add-global",
		Short: "Add a population-weighted Global location to results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := runAddGlobal(f, monitoring.Logger())
			return err
		},
	}

	cmd.Flags().StringVar(&f.input, "input-json", "", "Results JSON")
	cmd.Flags().StringVar(&f.weights, "regional-weights", "", "Regional population weights TSV")
	cmd.Flags().StringVar(&f.output, "output-json", "", "Results JSON with Global added")
	_ = cmd.MarkFlagRequired("input-json")
	_ = cmd.MarkFlagRequired("regional-weights")
	_ = cmd.MarkFlagRequired("output-json")

	return cmd
}

// plotFlags are shared by plot-freq and plot-ga.
type plotFlags struct {
	input, output             string
	locationList, variantList string
}

func (f *plotFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "Results JSON")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Output directory for PNG files")
	cmd.Flags().StringVar(&f.locationList, "location-list", "", "File of locations to plot, one per line")
	cmd.Flags().StringVar(&f.variantList, "variant-list", "", "File of variants to plot, one per line")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
}

func (f *plotFlags) load() (*posterior.Results, plotting.Options, error) {
	opts := plotting.Options{OutDir: f.output, Logger: monitoring.Logger()}
	r, err := posterior.Load(f.input)
	if err != nil {
		return nil, opts, err
	}
	if f.locationList != "" {
		if opts.Locations, err = prepare.ReadLines(f.locationList); err != nil {
			return nil, opts, err
		}
	}
	if f.variantList != "" {
		if opts.Variants, err = prepare.ReadLines(f.variantList); err != nil {
			return nil, opts, err
		}
	}
	return r, opts, nil
}

func newPlotFreqCommand() *cobra.Command {
	var f plotFlags

	cmd := &cobra.Command{
		Use:   "plot-freq",
		Short: "Plot posterior and raw frequencies per location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, opts, err := f.load()
			if err != nil {
				return err
			}
			_, err = plotting.Frequencies(r, opts)
			return err
		},
	}
	f.register(cmd)

	return cmd
}

func newPlotGACommand() *cobra.Command {
	var f plotFlags

	cmd := &cobra.Command{
		Use:   "plot-ga",
		Short: "Plot growth advantages per variant across locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, opts, err := f.load()
			if err != nil {
				return err
			}
			_, err = plotting.GrowthAdvantages(r, opts)
			return err
		},
	}
	f.register(cmd)

	return cmd
}

func newListRunsCommand(clock timeutil.Clock) *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "list-runs",
		Short: "List saved posteriors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sqlite.Open(cmd.Context(), storePath, clock)
			if err != nil {
				return err
			}
			defer s.Close()
			runs, err := s.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			PrintRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "models/posteriors.db", "Posterior database")

	return cmd
}
