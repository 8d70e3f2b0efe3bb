package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/tscube/internal/config"
	"github.com/cwbudde/tscube/internal/pipeline"
	"github.com/cwbudde/tscube/internal/store"
)

var (
	resumeDataDir    string
	resumeConfigPath string
	resumeOutPath    string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Continue an interrupted scan",
	Long: `Loads the stored partial result of a job and scans the remaining grid
points. The grid, test source and output histograms must match the original
run; fit and optimizer settings may be changed with --config.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", config.DefaultConfig().Output.DataDir, "Result store directory")
	resumeCmd.Flags().StringVar(&resumeConfigPath, "config", "", "YAML scan configuration replacing the stored one")
	resumeCmd.Flags().StringVar(&resumeOutPath, "out", "", "Output FITS path (default: the original output)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	st, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	prev, err := st.LoadResult(jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if prev.Status == store.StatusComplete {
		fmt.Printf("Job %s is already complete\n", jobID)
		return nil
	}

	jobCfg := prev.Config
	if resumeConfigPath != "" {
		cfg, err := config.LoadConfig(resumeConfigPath)
		if err != nil {
			return err
		}
		jobCfg.Scan = cfg
	}
	if resumeOutPath != "" {
		jobCfg.OutPath = resumeOutPath
	}

	info := prev.ToInfo()
	fmt.Printf("Resuming job %s at %d of %d points\n", jobID, info.NumDone, info.NumPoints)

	ctx, stop := signalContext()
	defer stop()

	rec, err := pipeline.Run(ctx, pipeline.Job{
		ID:       jobID,
		Config:   jobCfg,
		Store:    st,
		Previous: prev,
	})
	return report(rec, err, true)
}
