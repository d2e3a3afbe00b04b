package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/backmassage/debloat/internal/cache"
	"github.com/backmassage/debloat/internal/check"
	"github.com/backmassage/debloat/internal/config"
	"github.com/backmassage/debloat/internal/convert"
	"github.com/backmassage/debloat/internal/display"
	"github.com/backmassage/debloat/internal/logging"
	"github.com/backmassage/debloat/internal/probe"
	"github.com/backmassage/debloat/internal/registry"
	"github.com/backmassage/debloat/internal/rename"
	"github.com/backmassage/debloat/internal/scan"
)

func run() int {
	v := viper.New()

	root := &cobra.Command{
		Use:     "debloat [paths...]",
		Short:   "Find and re-encode bloated video files",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			cfg.Paths = args
			if len(cfg.Paths) == 0 {
				cfg.Paths = []string{"."}
			}
			return runScan(cmd.Context(), cfg)
		},
	}

	flags := root.Flags()
	flags.Float64("threshold", 0, "bloat score above which files are candidates")
	flags.String("codecs", "", "codecs considered efficient: all, x265, or x26*")
	flags.Int("max-height", 0, "downscale ceiling in pixels, 0 disables")
	flags.Int("min-shrink", 0, "minimum size reduction percent to accept a conversion")
	flags.Int("quality", 0, "libx265 CRF")
	flags.Bool("keep-backup", false, "keep originals as ORIG.<name>")
	flags.Bool("keep-rejected", false, "keep temp output of rejected conversions")
	flags.Bool("full-speed", false, "do not wrap the encoder in nice/ionice")
	flags.Duration("progress-timeout", 0, "kill a transcode that stays silent this long")
	flags.Bool("dry-run", false, "log planned conversions without touching files")
	flags.Bool("auto", false, "convert the auto-selection immediately")
	flags.Int("probe-workers", 0, "concurrent ffprobe invocations")
	flags.String("cache-file", "", "probe cache database path")
	flags.String("log-dir", "", "structured log directory, empty disables")
	flags.BoolP("verbose", "v", false, "debug output")
	flags.BoolP("quiet", "q", false, "warnings and errors only")

	for flagName, key := range map[string]string{
		"threshold":        "bloat_threshold",
		"codecs":           "allowed_codecs",
		"max-height":       "max_height",
		"min-shrink":       "min_shrink_pct",
		"quality":          "quality",
		"keep-backup":      "keep_backup",
		"keep-rejected":    "keep_rejected",
		"full-speed":       "full_speed",
		"progress-timeout": "progress_timeout",
		"dry-run":          "dry_run",
		"auto":             "auto",
		"probe-workers":    "probe_workers",
		"cache-file":       "cache_file",
		"log-dir":          "log_dir",
		"verbose":          "verbose",
		"quiet":            "quiet",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flagName)); err != nil {
			fmt.Fprintf(os.Stderr, "debloat: %v\n", err)
			return 1
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Run system diagnostics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			log, _, flush, err := logging.New(logging.Options{Verbose: v.GetBool("verbose")})
			if err != nil {
				return err
			}
			defer flush()
			if !check.Run(log) {
				return fmt.Errorf("system check failed")
			}
			return nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "debloat: %v\n", err)
		return 1
	}
	return 0
}

func runScan(ctx context.Context, cfg config.Config) error {
	log, session, flush, err := logging.New(logging.Options{
		Dir: cfg.LogDir, Verbose: cfg.Verbose, Quiet: cfg.Quiet,
	})
	if err != nil {
		return err
	}
	defer flush()
	log.Infow("starting", "version", version, "session", session, "paths", cfg.Paths)

	if err := check.Deps(); err != nil {
		return err
	}

	files, err := scan.Discover(cfg.Paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.Warnw("no media files found", "paths", cfg.Paths)
		return nil
	}
	log.Infow("media files discovered", "count", len(files))

	store, err := cache.Open(cfg.CacheFile)
	if err != nil {
		return fmt.Errorf("open probe cache: %w", err)
	}
	defer store.Close()
	if n, err := store.PurgeMissing(); err == nil && n > 0 {
		log.Debugw("purged stale cache entries", "count", n)
	}

	reg := registry.New(cfg.Policy())
	if err := refreshRegistry(ctx, cfg, files, store, reg, log); err != nil {
		return err
	}
	reg.AutoSelect()

	snap := reg.Snapshot()
	fmt.Println(display.Table(snap, tableStyles()))

	if !cfg.Auto && !cfg.DryRun {
		log.Infow("rerun with --auto to convert the selection",
			"selected", snap.SelectedCount, "bytes", snap.SelectedBytes)
		return nil
	}
	if snap.SelectedCount == 0 {
		log.Infow("nothing selected, done")
		return nil
	}
	return runConversions(ctx, cfg, store, reg, log)
}

func refreshRegistry(ctx context.Context, cfg config.Config, files []string, store *cache.Cache, reg *registry.Registry, log *zap.SugaredLogger) error {
	probed := 0
	err := store.Refresh(ctx, files, cfg.ProbeWorkers, probe.Probe, func(r cache.RefreshResult) {
		switch {
		case r.StatErr != nil:
			log.Debugw("skipping unreadable file", "path", r.Path, "error", r.StatErr)
		case r.ProbeErr != nil:
			failures := 0
			if r.Entry != nil {
				failures = r.Entry.ProbeFailures
				reg.Upsert(r.Entry)
			}
			log.Warnw("probe failed", "path", r.Path, "error", r.ProbeErr,
				"failures", failures)
		default:
			if !r.FromHit {
				probed++
			}
			reg.Upsert(r.Entry)
		}
	})
	if err != nil {
		return err
	}
	log.Infow("probe pass complete", "candidates", reg.Len(), "fresh_probes", probed)
	return nil
}

func runConversions(ctx context.Context, cfg config.Config, store *cache.Cache, reg *registry.Registry, log *zap.SugaredLogger) error {
	sup := convert.New(convert.Options{
		Quality:         cfg.Quality,
		MaxHeight:       cfg.MaxHeight,
		KeepBackup:      cfg.KeepBackup,
		KeepRejected:    cfg.KeepRejected,
		FullSpeed:       cfg.FullSpeed,
		DryRun:          cfg.DryRun,
		ProgressTimeout: cfg.ProgressTimeout,
	}, reg, store, convert.FFmpeg{}, rename.Standard{}, probe.Probe, log)

	if err := sup.Start(ctx); err != nil {
		return err
	}

	// Periodic progress line while the worker drains the queue. The ticker
	// is coarse; fine-grained throttling happens inside the supervisor.
	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			fmt.Println(display.Table(reg.Snapshot(), tableStyles()))
			return nil
		case <-ctx.Done():
			log.Warnw("interrupt received, stopping after termination grace")
			sup.Cancel()
			<-done
			fmt.Println(display.Table(reg.Snapshot(), tableStyles()))
			return nil
		case <-ticker.C:
			if js, ok := sup.Active(); ok {
				fmt.Fprintln(os.Stderr, display.ProgressLine(js))
			}
		}
	}
}

func tableStyles() display.Styles {
	if display.ColorEnabled() {
		return display.DefaultStyles()
	}
	return display.Styles{}
}
