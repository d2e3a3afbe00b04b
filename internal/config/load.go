package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load resolves the effective configuration on top of [Default]: the config
// file (if present), then DEBLOAT_* environment variables, then whatever
// flag bindings the caller already registered on v. Flags are bound in cmd;
// Load only reads.
func Load(v *viper.Viper) (Config, error) {
	def := Default()
	setDefaults(v, def)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir := configDir(); dir != "" {
		v.AddConfigPath(dir)
	}
	v.SetEnvPrefix("DEBLOAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := def
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("bloat_threshold", def.BloatThreshold)
	v.SetDefault("allowed_codecs", def.AllowedCodecs)
	v.SetDefault("max_height", def.MaxHeight)
	v.SetDefault("min_shrink_pct", def.MinShrinkPct)
	v.SetDefault("quality", def.Quality)
	v.SetDefault("keep_backup", def.KeepBackup)
	v.SetDefault("keep_rejected", def.KeepRejected)
	v.SetDefault("full_speed", def.FullSpeed)
	v.SetDefault("progress_timeout", def.ProgressTimeout)
	v.SetDefault("dry_run", def.DryRun)
	v.SetDefault("auto", def.Auto)
	v.SetDefault("probe_workers", def.ProbeWorkers)
	v.SetDefault("cache_file", def.CacheFile)
	v.SetDefault("verbose", def.Verbose)
	v.SetDefault("quiet", def.Quiet)
	v.SetDefault("log_dir", def.LogDir)
}

func configDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "debloat")
}
