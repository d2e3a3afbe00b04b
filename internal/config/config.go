// Package config holds runtime configuration: defaults, file and environment
// loading via viper, and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/backmassage/debloat/internal/score"
)

// Config holds all runtime settings. It is populated by [Default] and then
// overridden by the config file, environment, and CLI flags before being
// passed to the packages that need it.
type Config struct {
	// Paths to scan (set from positional args).
	Paths []string `mapstructure:"-"`

	// Threshold settings deciding which files are conversion candidates.
	BloatThreshold float64 `mapstructure:"bloat_threshold"` // Default: 1600.
	AllowedCodecs  string  `mapstructure:"allowed_codecs"`  // "all", "x265", or "x26*". Default: "x26*".
	MaxHeight      int     `mapstructure:"max_height"`      // Downscale ceiling and threshold. Default: 1080.
	MinShrinkPct   int     `mapstructure:"min_shrink_pct"`  // Accept floor for conversions. Default: 10.

	// Conversion settings.
	Quality         int           `mapstructure:"quality"`          // CRF for libx265. Default: 25.
	KeepBackup      bool          `mapstructure:"keep_backup"`      // Keep originals as ORIG.<name>.
	KeepRejected    bool          `mapstructure:"keep_rejected"`    // Keep temp output of rejected conversions.
	FullSpeed       bool          `mapstructure:"full_speed"`       // Skip the nice/ionice wrapper.
	ProgressTimeout time.Duration `mapstructure:"progress_timeout"` // Kill a silent transcode after this. Default: 90s.

	// Behavior flags.
	DryRun bool `mapstructure:"dry_run"`
	Auto   bool `mapstructure:"auto"` // Convert the auto-selection without prompting.

	// Probing.
	ProbeWorkers int    `mapstructure:"probe_workers"` // Concurrent ffprobe invocations. Default: 8.
	CacheFile    string `mapstructure:"cache_file"`    // SQLite probe cache path.

	// Display and logging.
	Verbose bool   `mapstructure:"verbose"`
	Quiet   bool   `mapstructure:"quiet"`
	LogDir  string `mapstructure:"log_dir"` // JSON log sink directory; empty disables.
}

// Default returns a Config with all defaults applied. Used as the base
// before file, environment, and flag overrides.
func Default() Config {
	return Config{
		BloatThreshold:  1600,
		AllowedCodecs:   string(score.CodecsX26x),
		MaxHeight:       1080,
		MinShrinkPct:    10,
		Quality:         25,
		ProgressTimeout: 90 * time.Second,
		ProbeWorkers:    8,
		CacheFile:       defaultCacheFile(),
		LogDir:          defaultLogDir(),
	}
}

// Validate checks field ranges and enum values.
func (c *Config) Validate() error {
	switch score.CodecPolicy(c.AllowedCodecs) {
	case score.CodecsAll, score.CodecsX265, score.CodecsX26x:
		// valid
	default:
		return errors.New("invalid allowed_codecs (use 'all', 'x265', or 'x26*')")
	}
	if c.BloatThreshold <= 0 {
		return errors.New("bloat_threshold must be positive")
	}
	if c.Quality < 0 || c.Quality > 51 {
		return fmt.Errorf("quality %d out of CRF range 0..51", c.Quality)
	}
	if c.MinShrinkPct < 0 || c.MinShrinkPct > 99 {
		return fmt.Errorf("min_shrink_pct %d out of range 0..99", c.MinShrinkPct)
	}
	if c.MaxHeight < 0 {
		return errors.New("max_height must not be negative")
	}
	if c.ProbeWorkers < 1 {
		return errors.New("probe_workers must be at least 1")
	}
	if c.ProgressTimeout < time.Second {
		return errors.New("progress_timeout must be at least 1s")
	}
	return nil
}

// Policy returns the scoring policy derived from the thresholds.
func (c *Config) Policy() score.Policy {
	return score.Policy{
		BloatThreshold: c.BloatThreshold,
		AllowedCodecs:  score.CodecPolicy(c.AllowedCodecs),
		MaxHeight:      c.MaxHeight,
		MinShrinkPct:   c.MinShrinkPct,
	}
}

func defaultCacheFile() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return "probes.db"
	}
	return filepath.Join(base, "debloat", "probes.db")
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "debloat")
}
