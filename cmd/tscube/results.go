package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/tscube/internal/config"
	"github.com/cwbudde/tscube/internal/store"
)

var (
	resultsDataDir string
	keepLast       int
	olderThanDays  int
	forceClean     bool
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Manage stored scan results",
	Long: `Manage stored scan results including listing and cleaning old results.
Interrupted results can be continued with "tscube resume".`,
}

var listResultsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored results",
	Long:  `Display all stored results with job ID, status, timestamp, progress, max TS and size on disk.`,
	RunE:  runListResults,
}

var cleanResultsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old results",
	Long: `Delete old results based on retention policy.
You can keep only the newest N results or delete results older than N days.`,
	RunE: runCleanResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(listResultsCmd)
	resultsCmd.AddCommand(cleanResultsCmd)

	resultsCmd.PersistentFlags().StringVar(&resultsDataDir, "data-dir", config.DefaultConfig().Output.DataDir, "Result store directory")

	cleanResultsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N results (0 = keep all)")
	cleanResultsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete results older than N days (0 = no age limit)")
	cleanResultsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func runListResults(cmd *cobra.Command, args []string) error {
	st, err := store.NewFSStore(resultsDataDir)
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	infos, err := st.ListResults()
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}
	printResults(cmd.OutOrStdout(), st, infos)
	return nil
}

func printResults(out io.Writer, st store.Store, infos []store.ResultInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(out, "No results found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tSTATUS\tTIMESTAMP\tPOINTS\tMAX TS\tSIZE")
	fmt.Fprintln(w, "------\t------\t---------\t------\t------\t----")

	for _, info := range infos {
		sizeStr := "unknown"
		if size, err := getDirSize(st.JobDir(info.JobID)); err == nil {
			sizeStr = formatBytes(size)
		}
		maxTS := "-"
		if info.MaxTS != nil {
			maxTS = fmt.Sprintf("%.2f", *info.MaxTS)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			shortID(info.JobID),
			info.Status,
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.NumDone, info.NumPoints,
			maxTS,
			sizeStr,
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal results: %d\n", len(infos))
}

func runCleanResults(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	st, err := store.NewFSStore(resultsDataDir)
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	infos, err := st.ListResults()
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("No results to clean.")
		return nil
	}

	toDelete := selectResultsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Println("No results match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d result(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (%s, %s)\n", shortID(info.JobID), info.Status, info.Timestamp.Format("2006-01-02 15:04:05"))
	}

	if !forceClean {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted, failed := deleteResults(st, toDelete)
	fmt.Printf("\nDeleted %d result(s), %d failed.\n", deleted, failed)
	return nil
}

func deleteResults(st store.Store, infos []store.ResultInfo) (deleted, failed int) {
	for _, info := range infos {
		if err := st.DeleteResult(info.JobID); err != nil {
			slog.Error("Failed to delete result", "job_id", info.JobID, "error", err)
			failed++
			continue
		}
		if err := store.DeleteTrace(st.BaseDir(), info.JobID); err != nil {
			slog.Warn("Failed to delete trace", "job_id", info.JobID, "error", err)
		}
		slog.Info("Deleted result", "job_id", info.JobID)
		deleted++
	}
	return deleted, failed
}

// selectResultsForDeletion applies the retention policy. A result is
// selected when it is older than olderThanDays or falls outside the newest
// keepLast results.
func selectResultsForDeletion(infos []store.ResultInfo, keepLast int, olderThanDays int, now time.Time) []store.ResultInfo {
	selected := make(map[string]bool)
	var toDelete []store.ResultInfo
	add := func(info store.ResultInfo) {
		if !selected[info.JobID] {
			selected[info.JobID] = true
			toDelete = append(toDelete, info)
		}
	}

	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				add(info)
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := slices.Clone(infos)
		slices.SortFunc(sorted, func(a, b store.ResultInfo) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
		for _, info := range sorted[:len(sorted)-keepLast] {
			add(info)
		}
	}

	return toDelete
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
