package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/tscube/internal/config"
	"github.com/cwbudde/tscube/internal/server"
	"github.com/cwbudde/tscube/internal/store"
)

var (
	serveAddr    string
	serveDataDir string
	serveNoStore bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP job server",
	Long: `Serves the scan job API:

  POST /api/v1/jobs                  start a scan {"roiPath", "configPath", "outPath", "tsmapOnly"}
  GET  /api/v1/jobs                  list jobs
  GET  /api/v1/jobs/{id}             job status
  GET  /api/v1/jobs/{id}/result      stored result as JSON
  GET  /api/v1/jobs/{id}/result.fits result as FITS
  GET  /api/v1/jobs/{id}/stream      progress events (SSE)
  POST /api/v1/jobs/{id}/cancel      stop a job
  GET  /api/v1/results               stored results`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", config.DefaultConfig().Output.DataDir, "Result store directory")
	serveCmd.Flags().BoolVar(&serveNoStore, "no-store", false, "Keep results in memory only")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var st store.Store
	if !serveNoStore {
		fs, err := store.NewFSStore(serveDataDir)
		if err != nil {
			return fmt.Errorf("failed to open result store: %w", err)
		}
		st = fs
	}
	srv := server.NewServer(serveAddr, st)

	ctx, stop := signalContext()
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	slog.Info("Server stopped")
	return nil
}
