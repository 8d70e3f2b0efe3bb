// Package config loads the YAML scan configuration and turns it into the
// scan, grid and optimizer settings.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/tscube/internal/fit"
	"github.com/cwbudde/tscube/internal/likelihood"
	"github.com/cwbudde/tscube/internal/opt"
	"github.com/cwbudde/tscube/internal/scan"
	"github.com/cwbudde/tscube/internal/skyproj"
)

// Config represents the scan configuration loaded from YAML
type Config struct {
	// TestSource describes the power-law point source moved over the grid
	TestSource struct {
		Name  string  `yaml:"name"`
		Index float64 `yaml:"index"`
		// Norm is the normalization of the test source image, ph/cm2/s/MeV at 1 GeV
		Norm float64 `yaml:"norm"`
	} `yaml:"testSource"`

	// Grid selects the scanned positions
	Grid struct {
		// NX, NY are the grid dimensions, 0 for the map dimensions
		NX int `yaml:"nx"`
		NY int `yaml:"ny"`
		// CoordSys is CEL or GAL, empty for the system of the map
		CoordSys string `yaml:"coordSys"`
		// BinSize is the grid spacing in degrees, 0 for the map pixel size
		BinSize float64 `yaml:"binSize"`
		// Dirs replaces the rectangular grid by an explicit [lon, lat] list
		Dirs [][2]float64 `yaml:"dirs,omitempty"`
	} `yaml:"grid"`

	// Fit controls the Newton fits
	Fit struct {
		Tol      float64 `yaml:"tol"`
		MaxIter  int     `yaml:"maxIter"`
		Relative bool    `yaml:"relative"`
	} `yaml:"fit"`

	// Scan controls what is computed at every grid point
	Scan struct {
		DoSED      bool    `yaml:"doSED"`
		NumNorm    int     `yaml:"nNorm"`
		NormSigma  float64 `yaml:"normSigma"`
		CovScale   float64 `yaml:"covScale"`
		ErrorLevel float64 `yaml:"errorLevel"`
		InitNorm   float64 `yaml:"initNorm"`
		Remake     bool    `yaml:"remakeTestSource"`
		Resampling string  `yaml:"resampling"`
		Sparse     bool    `yaml:"sparse"`
	} `yaml:"scan"`

	// Optimizer configures the optional full refit
	Optimizer struct {
		// Kind is mayfly or neldermead
		Kind         string `yaml:"kind"`
		FullFitLevel int    `yaml:"fullFitLevel"`
		Iters        int    `yaml:"iters"`
		PopSize      int    `yaml:"popSize"`
		Seed         int64  `yaml:"seed"`
		// Restarts repeats the optimizer with new seeds until the best
		// cost stops improving for Patience runs
		Restarts  int     `yaml:"restarts"`
		Patience  int     `yaml:"patience"`
		Threshold float64 `yaml:"threshold"`
	} `yaml:"optimizer"`

	// Output locations
	Output struct {
		DataDir string `yaml:"dataDir"`
		Trace   bool   `yaml:"trace"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	sc := scan.DefaultConfig()
	cfg := &Config{}

	cfg.TestSource.Name = sc.TestSource.Name
	cfg.TestSource.Index = sc.TestSource.Index
	cfg.TestSource.Norm = sc.TestSource.Norm

	cfg.Fit.Tol = sc.Fit.Tol
	cfg.Fit.MaxIter = sc.Fit.MaxIter

	cfg.Scan.DoSED = sc.DoSED
	cfg.Scan.NumNorm = sc.NumNorm
	cfg.Scan.NormSigma = sc.NormSigma
	cfg.Scan.CovScale = sc.CovScale
	cfg.Scan.ErrorLevel = sc.ErrorLevel
	cfg.Scan.InitNorm = sc.InitNorm
	cfg.Scan.Resampling = fit.Nearest.String()

	cfg.Optimizer.Kind = "mayfly"
	cfg.Optimizer.Iters = 200
	cfg.Optimizer.PopSize = 20
	cfg.Optimizer.Seed = 42
	conv := opt.DefaultConvergenceConfig()
	cfg.Optimizer.Restarts = conv.MaxRuns
	cfg.Optimizer.Patience = conv.Patience
	cfg.Optimizer.Threshold = conv.Threshold

	cfg.Output.DataDir = "./data"
	cfg.Output.Trace = true
	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the values that the scan settings do not cover.
func (c *Config) Validate() error {
	if c.Grid.NX < 0 || c.Grid.NY < 0 {
		return fmt.Errorf("invalid grid size %dx%d", c.Grid.NX, c.Grid.NY)
	}
	if c.Grid.BinSize < 0 {
		return fmt.Errorf("invalid grid bin size %g", c.Grid.BinSize)
	}
	if c.Grid.CoordSys != "" {
		if _, err := skyproj.ParseCoordSys(c.Grid.CoordSys); err != nil {
			return err
		}
	}
	for i, d := range c.Grid.Dirs {
		if math.Abs(d[1]) > 90 {
			return fmt.Errorf("grid direction %d has latitude %g", i, d[1])
		}
	}
	if c.Optimizer.FullFitLevel > 0 {
		if _, err := c.NewOptimizer(); err != nil {
			return err
		}
	}
	_, err := c.ScanConfig()
	return err
}

// ScanConfig converts the configuration to scan settings.
func (c *Config) ScanConfig() (scan.Config, error) {
	res, err := fit.ParseResampling(c.Scan.Resampling)
	if err != nil {
		return scan.Config{}, err
	}
	sc := scan.Config{
		TestSource: likelihood.TestSource{
			Name:  c.TestSource.Name,
			Index: c.TestSource.Index,
			Norm:  c.TestSource.Norm,
		},
		Fit: fit.FitConfig{
			Tol:      c.Fit.Tol,
			MaxIter:  c.Fit.MaxIter,
			Relative: c.Fit.Relative,
		},
		InitNorm:     c.Scan.InitNorm,
		ErrorLevel:   c.Scan.ErrorLevel,
		DoSED:        c.Scan.DoSED,
		NumNorm:      c.Scan.NumNorm,
		NormSigma:    c.Scan.NormSigma,
		CovScale:     c.Scan.CovScale,
		Remake:       c.Scan.Remake,
		Resampling:   res,
		Sparse:       c.Scan.Sparse,
		FullFitLevel: c.Optimizer.FullFitLevel,
	}
	if err := sc.Validate(); err != nil {
		return scan.Config{}, err
	}
	return sc, nil
}

// NewOptimizer returns the optimizer for the full refit, or nil when no
// refit is requested.
func (c *Config) NewOptimizer() (opt.Optimizer, error) {
	if c.Optimizer.FullFitLevel == 0 {
		return nil, nil
	}
	if c.Optimizer.Kind == "mayfly" && c.Optimizer.PopSize < 20 {
		return nil, fmt.Errorf("mayfly needs a population of at least 20, got %d", c.Optimizer.PopSize)
	}
	if c.Optimizer.Restarts < 0 || c.Optimizer.Patience < 0 || c.Optimizer.Threshold < 0 {
		return nil, fmt.Errorf("invalid optimizer restart settings")
	}
	o, err := opt.New(c.Optimizer.Kind, c.Optimizer.Iters, c.Optimizer.PopSize, c.Optimizer.Seed)
	if err != nil || c.Optimizer.Restarts < 2 {
		return o, err
	}
	return opt.NewRestarts(func(seed int64) opt.Optimizer {
		o, _ := opt.New(c.Optimizer.Kind, c.Optimizer.Iters, c.Optimizer.PopSize, seed)
		return o
	}, c.Optimizer.Seed, opt.ConvergenceConfig{
		MaxRuns:   c.Optimizer.Restarts,
		Patience:  max(c.Optimizer.Patience, 1),
		Threshold: c.Optimizer.Threshold,
	}), nil
}

// NewGrid builds the scan grid over the map of w.
func (c *Config) NewGrid(w *skyproj.WCS) (scan.Grid, error) {
	sys := w.Sys()
	if c.Grid.CoordSys != "" {
		var err error
		if sys, err = skyproj.ParseCoordSys(c.Grid.CoordSys); err != nil {
			return nil, err
		}
	}

	if len(c.Grid.Dirs) > 0 {
		dirs := make([]skyproj.Dir, len(c.Grid.Dirs))
		for i, d := range c.Grid.Dirs {
			dirs[i] = skyproj.NewDir(d[0], d[1], sys)
		}
		return scan.NewDirGrid(dirs)
	}

	nx, ny := c.Grid.NX, c.Grid.NY
	if nx == 0 {
		nx = w.NX
	}
	if ny == 0 {
		ny = w.NY
	}
	if sys == w.Sys() && (c.Grid.BinSize == 0 || c.Grid.BinSize == math.Abs(w.CDeltY)) {
		return scan.NewWCSGrid(w, nx, ny)
	}

	binsz := c.Grid.BinSize
	if binsz == 0 {
		binsz = math.Abs(w.CDeltY)
	}
	gw, err := skyproj.NewWCS(w.Type, w.Center.In(sys), nx, ny, binsz)
	if err != nil {
		return nil, fmt.Errorf("failed to build grid projection: %w", err)
	}
	return scan.NewWCSGrid(gw, nx, ny)
}
