package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/tscube/internal/config"
	"github.com/cwbudde/tscube/internal/pipeline"
	"github.com/cwbudde/tscube/internal/store"
)

// scanFlags are shared by run, tsmap and resume.
type scanFlags struct {
	roiPath    string
	configPath string
	outPath    string
	dataDir    string
	jobID      string
	noStore    bool

	nx, ny       int
	coordSys     string
	nNorm        int
	covScale     float64
	fullFitLevel int
	remake       bool
}

var (
	runFlags   scanFlags
	tsmapFlags scanFlags
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute a TS cube",
	Long: `Fits the test source at every grid position, with per-energy-bin fits
and a normalization likelihood scan. Writes the FITS output and stores the
result with a per-point trace. Interrupt with Ctrl-C to save a partial result
that "tscube resume" continues.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd, &runFlags, false)
	},
}

var tsmapCmd = &cobra.Command{
	Use:   "tsmap",
	Short: "Compute a broadband TS map",
	Long:  `Like run, but skips the per-energy-bin fits and the normalization scan.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd, &tsmapFlags, true)
	},
}

func addScanFlags(cmd *cobra.Command, f *scanFlags, defaultOut string) {
	cmd.Flags().StringVar(&f.roiPath, "roi", "", "ROI cube FITS path (required)")
	cmd.Flags().StringVar(&f.configPath, "config", "", "YAML scan configuration")
	cmd.Flags().StringVar(&f.outPath, "out", defaultOut, "Output FITS path")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "Result store directory (overrides output.dataDir)")
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "Job ID (random when empty)")
	cmd.Flags().BoolVar(&f.noStore, "no-store", false, "Do not save the result to the store")

	cmd.Flags().IntVar(&f.nx, "nx", 0, "Grid width (overrides grid.nx)")
	cmd.Flags().IntVar(&f.ny, "ny", 0, "Grid height (overrides grid.ny)")
	cmd.Flags().StringVar(&f.coordSys, "coordsys", "", "Grid coordinate system CEL or GAL (overrides grid.coordSys)")
	cmd.Flags().IntVar(&f.nNorm, "nnorm", 0, "Normalization scan points (overrides scan.nNorm)")
	cmd.Flags().Float64Var(&f.covScale, "cov-scale", 0, "Background prior scale (overrides scan.covScale)")
	cmd.Flags().IntVar(&f.fullFitLevel, "full-fit-level", 0, "External optimizer refit level (overrides optimizer.fullFitLevel)")
	cmd.Flags().BoolVar(&f.remake, "remake", false, "Rebuild the test source at every position (overrides scan.remakeTestSource)")
}

func init() {
	addScanFlags(runCmd, &runFlags, "tscube.fits")
	runCmd.MarkFlagRequired("roi")
	rootCmd.AddCommand(runCmd)

	addScanFlags(tsmapCmd, &tsmapFlags, "tsmap.fits")
	tsmapCmd.MarkFlagRequired("roi")
	rootCmd.AddCommand(tsmapCmd)
}

// loadScanConfig reads the configuration and applies the flags that were set.
func loadScanConfig(cmd *cobra.Command, f *scanFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cmd, f, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cmd *cobra.Command, f *scanFlags, cfg *config.Config) {
	changed := func(name string) bool { return cmd != nil && cmd.Flags().Changed(name) }
	if changed("nx") {
		cfg.Grid.NX = f.nx
	}
	if changed("ny") {
		cfg.Grid.NY = f.ny
	}
	if changed("coordsys") {
		cfg.Grid.CoordSys = f.coordSys
	}
	if changed("nnorm") {
		cfg.Scan.NumNorm = f.nNorm
	}
	if changed("cov-scale") {
		cfg.Scan.CovScale = f.covScale
	}
	if changed("full-fit-level") {
		cfg.Optimizer.FullFitLevel = f.fullFitLevel
	}
	if changed("remake") {
		cfg.Scan.Remake = f.remake
	}
	if changed("data-dir") {
		cfg.Output.DataDir = f.dataDir
	}
}

// openStore returns the result store, or nil when storing is disabled.
func openStore(f *scanFlags, cfg *config.Config) (store.Store, error) {
	if f.noStore {
		return nil, nil
	}
	st, err := store.NewFSStore(cfg.Output.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open result store: %w", err)
	}
	return st, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runScan(cmd *cobra.Command, f *scanFlags, tsmapOnly bool) error {
	cfg, err := loadScanConfig(cmd, f)
	if err != nil {
		return err
	}
	st, err := openStore(f, cfg)
	if err != nil {
		return err
	}
	jobID := f.jobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	ctx, stop := signalContext()
	defer stop()

	rec, err := pipeline.Run(ctx, pipeline.Job{
		ID: jobID,
		Config: store.JobConfig{
			ROIPath:   f.roiPath,
			OutPath:   f.outPath,
			Scan:      cfg,
			TSMapOnly: tsmapOnly,
		},
		Store: st,
	})
	return report(rec, err, st != nil)
}

// report prints the outcome of a scan job.
func report(rec *store.Record, err error, stored bool) error {
	if rec != nil && rec.Status == store.StatusInterrupted && errors.Is(err, context.Canceled) {
		info := rec.ToInfo()
		fmt.Printf("Interrupted after %d of %d points", info.NumDone, info.NumPoints)
		if stored {
			fmt.Printf("; continue with: tscube resume %s", rec.JobID)
		}
		fmt.Println()
		return nil
	}
	if err != nil {
		return err
	}

	info := rec.ToInfo()
	fmt.Printf("Scanned %d points (%d failed) in %s\n", info.NumPoints, info.NumFailed, rec.Elapsed.Round(time.Millisecond))
	if info.MaxTS != nil {
		p := rec.Results.PointAt(info.MaxTSIndex)
		fmt.Printf("Max TS %.2f at point %d (norm %.3g +%.2g -%.2g)\n", *info.MaxTS, p.Index, p.Norm, p.ErrPos, p.ErrNeg)
	}
	if rec.Config.OutPath != "" {
		fmt.Printf("Wrote %s\n", rec.Config.OutPath)
	}
	if stored {
		fmt.Printf("Job ID: %s\n", rec.JobID)
	}
	return nil
}
