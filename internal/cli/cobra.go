package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"photrack/internal/aperture"
	"photrack/internal/calib"
	"photrack/internal/config"
	"photrack/internal/logging"
	"photrack/internal/pipeline"
	"photrack/internal/reduce"
	"photrack/internal/source"
	"photrack/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	var (
		logLevel  string
		logFormat string
	)

	rootCmd := &cobra.Command{
		Use:   "photrack",
		Short: "Photrack is an aperture photometry pipeline for CCD time series",
		Long: `Photrack reduces runs of windowed CCD frames into light curves.
Target positions are tracked from frame to frame with profile fits,
sky-subtracted fluxes are extracted through each aperture and the
results are written to a database and streamed over HTTP.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				root.cfg.Logging.Level = logLevel
			}
			if logFormat != "" {
				root.cfg.Logging.Format = logFormat
			}
			if root.log == nil {
				root.log = logging.New(root.cfg.Logging.Level, root.cfg.Logging.Format)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error), overrides the config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text|json), overrides the config file")

	rootCmd.AddCommand(newReduceCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newAperturesCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newReduceCmd(root *Root) *cobra.Command {
	var (
		configPath string
		apsPath    string
		runDir     string
		dbPath     string
		serveAddr  string
		prefix     string
		first      int
		last       int
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "reduce --config <reduce.json> --apertures <aps.json> --run <dir>",
		Short: "Reduce a run of frames into light curves",
		Long: `Reduce processes every frame of a run in order: target positions are
tracked with profile fits, fluxes are extracted through the configured
apertures and one record per aperture per frame is written out.

Examples:
  # Reduce a finished run
  photrack reduce --config reduce.json --apertures aps.json --run /data/run0012

  # Follow a run still being written, serving live records over HTTP
  photrack reduce --config reduce.json --apertures aps.json --run /data/run0013 \
    --watch --serve :8080

  # Redo frames 100-500 into a named results database
  photrack reduce --config reduce.json --apertures aps.json --run /data/run0012 \
    --first 100 --last 500 --db night3.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := reduceOptions{
				configPath: configPath,
				apsPath:    apsPath,
				runDir:     runDir,
				dbPath:     dbPath,
				serveAddr:  serveAddr,
				prefix:     prefix,
				first:      first,
				last:       last,
				firstSet:   cmd.Flags().Changed("first"),
				lastSet:    cmd.Flags().Changed("last"),
				dbSet:      cmd.Flags().Changed("db"),
				watch:      watch,
			}
			return root.runReduce(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "reduce.json", "reduce parameter file")
	cmd.Flags().StringVarP(&apsPath, "apertures", "a", "", "aperture file")
	cmd.Flags().StringVarP(&runDir, "run", "r", "", "run directory of frame files")
	cmd.Flags().StringVar(&dbPath, "db", "", "results database (default from config; pass an empty value to disable persistence)")
	cmd.Flags().StringVar(&serveAddr, "serve", "", "serve live status and records on this address (e.g. :8080)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "frame file prefix, detected from the directory if empty")
	cmd.Flags().IntVar(&first, "first", 0, "first frame to reduce, overrides the reduce file")
	cmd.Flags().IntVar(&last, "last", 0, "last frame to reduce (0 = to the end), overrides the reduce file")
	cmd.Flags().BoolVar(&watch, "watch", false, "wait for frames still being written")

	cmd.MarkFlagRequired("apertures")
	cmd.MarkFlagRequired("run")

	return cmd
}

// reduceOptions carries the reduce command's flag values.
type reduceOptions struct {
	configPath string
	apsPath    string
	runDir     string
	dbPath     string
	serveAddr  string
	prefix     string
	first      int
	last       int
	firstSet   bool
	lastSet    bool
	dbSet      bool
	watch      bool
}

// runReduce wires one reduction: parameter file, apertures and frame
// source into a session and engine, with optional persistence and an
// optional HTTP monitor, then drives the engine to the end of the run.
func (r *Root) runReduce(ctx context.Context, opts reduceOptions) error {
	log := r.log
	if r.cfg.Logging.FileOutput {
		var err error
		if log, err = logging.Setup(r.cfg); err != nil {
			return fmt.Errorf("logging setup: %w", err)
		}
	}

	cfg, err := config.LoadReduce(opts.configPath)
	if err != nil {
		return err
	}
	if opts.firstSet {
		cfg.Run.First = opts.first
	}
	if opts.lastSet {
		cfg.Run.Last = opts.last
	}
	if opts.firstSet || opts.lastSet {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("frame range: %w", err)
		}
	}

	col, err := aperture.Load(opts.apsPath)
	if err != nil {
		return err
	}

	params, err := cfg.Params()
	if err != nil {
		return err
	}
	sess, err := reduce.NewSession(col, params, log)
	if err != nil {
		return err
	}

	cal, err := calib.New(cfg.Calibration, log)
	if err != nil {
		return err
	}

	runDir, err := r.resolveRunDir(opts.runDir)
	if err != nil {
		return err
	}
	src, err := source.NewDir(runDir, source.Options{
		Prefix: opts.prefix,
		Watch:  opts.watch,
		Wait:   cfg.Run.WaitInterval(),
		Max:    cfg.Run.WaitLimit(),
	}, log)
	if err != nil {
		return err
	}
	defer src.Close()

	dbPath := opts.dbPath
	if !opts.dbSet {
		dbPath = r.cfg.Paths.DatabasePath
	}
	var store *storage.Store
	if dbPath != "" {
		expanded, err := config.ExpandUser(dbPath)
		if err != nil {
			return err
		}
		if store, err = storage.Open(expanded); err != nil {
			return fmt.Errorf("open results database: %w", err)
		}
		defer store.Close()
	}

	eng, err := pipeline.New(cfg, src, cal, sess, store, runDir, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", "signal", sig.String())
			eng.Stop()
		case <-ctx.Done():
		}
	}()

	var srvDone chan struct{}
	if opts.serveAddr != "" {
		srvDone = make(chan struct{})
		go func() {
			defer close(srvDone)
			if err := r.serveFn(ctx, opts.serveAddr, eng, store, log); err != nil {
				log.Error("monitor server failed", "addr", opts.serveAddr, "error", err)
			}
		}()
	}

	sum, runErr := eng.Run(ctx)
	cancel()
	if srvDone != nil {
		<-srvDone
	}

	if errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(r.out, "run %s canceled after %d frames (%d records)\n",
			sum.RunID, sum.Frames, sum.Records)
		return nil
	}
	if runErr != nil {
		return runErr
	}

	fmt.Fprintf(r.out, "run %s: %d frames, %d records in %s\n",
		sum.RunID, sum.Frames, sum.Records, sum.Duration.Round(time.Millisecond))
	labels := make([]string, 0, len(sum.Aborts))
	for label := range sum.Aborts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Fprintf(r.out, "  CCD %s: positions held on %d frames after reference divergence\n",
			label, sum.Aborts[label])
	}
	return nil
}
