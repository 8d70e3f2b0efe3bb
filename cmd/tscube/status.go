package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/tscube/internal/server"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus mirrors the server's status response.
type jobStatus struct {
	server.Job
	Elapsed         float64 `json:"elapsed"`
	PointsPerSecond float64 `json:"pointsPerSecond"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs(fmt.Sprintf("%s/api/v1/jobs", serverURL), cmd.OutOrStdout())
	}
	jobID := args[0]
	return getJobStatus(fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID, cmd.OutOrStdout())
}

func getJSON(url string, v any) (int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned error: %s", string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listJobs(url string, w io.Writer) error {
	var jobs []server.Job
	if _, err := getJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	fmt.Fprintf(w, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(w, "Job ID: %s\n", job.ID)
		fmt.Fprintf(w, "  State: %s\n", job.State)
		fmt.Fprintf(w, "  ROI: %s\n", job.Config.ROIPath)
		fmt.Fprintf(w, "  Progress: %d/%d\n", job.Done, job.Total)
		if job.MaxTS != nil {
			fmt.Fprintf(w, "  Max TS: %.2f\n", *job.MaxTS)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func getJobStatus(url, jobID string, w io.Writer) error {
	var status jobStatus
	code, err := getJSON(url, &status)
	if code == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Job: %s\n", status.ID)
	fmt.Fprintf(w, "State: %s\n", status.State)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  ROI: %s\n", status.Config.ROIPath)
	if status.Config.OutPath != "" {
		fmt.Fprintf(w, "  Output: %s\n", status.Config.OutPath)
	}
	fmt.Fprintf(w, "  TS map only: %v\n", status.Config.TSMapOnly)
	if sc := status.Config.Scan; sc != nil {
		fmt.Fprintf(w, "  Test source: %s (index %.2f)\n", sc.TestSource.Name, sc.TestSource.Index)
		fmt.Fprintf(w, "  Norm scan points: %d\n", sc.Scan.NumNorm)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Progress:")
	fmt.Fprintf(w, "  Points: %d/%d (%d failed)\n", status.Done, status.Total, status.NumFailed)
	if status.MaxTS != nil {
		fmt.Fprintf(w, "  Max TS: %.2f at point %d\n", *status.MaxTS, status.MaxTSIndex)
	}
	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(w, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.PointsPerSecond > 0 {
		fmt.Fprintf(w, "  Throughput: %.2f points/sec\n", status.PointsPerSecond)
	}

	if status.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", status.Error)
	}
	return nil
}
