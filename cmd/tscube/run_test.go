package main

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/tscube/internal/config"
	"github.com/cwbudde/tscube/internal/store"
)

func newScanCmd() (*cobra.Command, *scanFlags) {
	f := &scanFlags{}
	cmd := &cobra.Command{Use: "test"}
	addScanFlags(cmd, f, "out.fits")
	return cmd, f
}

func TestApplyOverrides_OnlyChangedFlags(t *testing.T) {
	cmd, f := newScanCmd()
	if err := cmd.ParseFlags([]string{"--nx", "5", "--coordsys", "GAL", "--nnorm", "0", "--remake"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Grid.NY = 9
	applyOverrides(cmd, f, cfg)

	if cfg.Grid.NX != 5 {
		t.Errorf("NX = %d, want 5", cfg.Grid.NX)
	}
	if cfg.Grid.NY != 9 {
		t.Errorf("NY = %d, want the unchanged 9", cfg.Grid.NY)
	}
	if cfg.Grid.CoordSys != "GAL" {
		t.Errorf("CoordSys = %q", cfg.Grid.CoordSys)
	}
	if cfg.Scan.NumNorm != 0 {
		t.Errorf("NumNorm = %d, want an explicit 0", cfg.Scan.NumNorm)
	}
	if !cfg.Scan.Remake {
		t.Error("Remake not applied")
	}
	if cfg.Scan.CovScale != config.DefaultConfig().Scan.CovScale {
		t.Errorf("CovScale changed to %g", cfg.Scan.CovScale)
	}
}

func TestLoadScanConfig_RejectsInvalidOverride(t *testing.T) {
	cmd, f := newScanCmd()
	if err := cmd.ParseFlags([]string{"--coordsys", "ECL"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if _, err := loadScanConfig(cmd, f); err == nil {
		t.Error("Expected invalid coordinate system to be rejected")
	}
}

func TestOpenStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.DataDir = t.TempDir()

	st, err := openStore(&scanFlags{noStore: true}, cfg)
	if err != nil || st != nil {
		t.Errorf("Expected no store, got %v, %v", st, err)
	}
	st, err = openStore(&scanFlags{}, cfg)
	if err != nil || st == nil {
		t.Errorf("Expected a store, got %v, %v", st, err)
	}
}

func TestReport(t *testing.T) {
	cfg := store.JobConfig{ROIPath: "roi.fits", Scan: config.DefaultConfig()}

	complete := store.NewRecord("job", testResults(4, math.NaN(), 9), cfg, time.Second)
	complete.Status = store.StatusComplete
	if err := report(complete, nil, true); err != nil {
		t.Errorf("Expected no error for complete run, got %v", err)
	}

	partial := store.NewRecord("job", testResults(4, math.NaN(), math.NaN()), cfg, time.Second)
	if partial.Status != store.StatusInterrupted {
		t.Fatalf("Expected interrupted status, got %s", partial.Status)
	}
	if err := report(partial, context.Canceled, true); err != nil {
		t.Errorf("Expected interrupted run to report without error, got %v", err)
	}

	boom := fmt.Errorf("boom")
	if err := report(nil, boom, false); err != boom {
		t.Errorf("Expected error to pass through, got %v", err)
	}
}
