package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/cwbudde/tscube/internal/config"
)

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.yaml")
	var buf bytes.Buffer
	configInitCmd.SetOut(&buf)
	defer configInitCmd.SetOut(nil)

	if err := runConfigInit(configInitCmd, []string{path}); err != nil {
		t.Fatalf("config init: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Scan.NumNorm != config.DefaultConfig().Scan.NumNorm {
		t.Errorf("NumNorm = %d", cfg.Scan.NumNorm)
	}

	if err := runConfigInit(configInitCmd, []string{path}); err == nil {
		t.Error("Expected existing file to be refused without --force")
	}
	configForce = true
	defer func() { configForce = false }()
	if err := runConfigInit(configInitCmd, []string{path}); err != nil {
		t.Errorf("Expected --force to overwrite, got %v", err)
	}
}
