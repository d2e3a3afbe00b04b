// Package convert runs the conversion queue: one transcode at a time, its
// progress observable, its outcome folded back into the candidate registry
// and the probe cache.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/backmassage/debloat/internal/cache"
	"github.com/backmassage/debloat/internal/probe"
	"github.com/backmassage/debloat/internal/registry"
	"github.com/backmassage/debloat/internal/rename"
)

const (
	defaultProgressTimeout = 90 * time.Second
	defaultTermGrace       = 15 * time.Second

	// stalledExitCode is the synthetic exit code recorded when a transcode
	// was killed for producing no output within the timeout.
	stalledExitCode = 254

	// logTail bounds how many stderr lines are retained per job for the
	// failure report and severity scoring.
	logTail = 200
)

// Options configure a conversion run.
type Options struct {
	Quality         int  // CRF passed to the encoder
	MaxHeight       int  // downscale ceiling, 0 disables
	KeepBackup      bool // keep the source as ORIG.<name> instead of deleting it
	KeepRejected    bool // keep the temp output of rejected conversions
	FullSpeed       bool // skip the nice/ionice wrapper
	DryRun          bool // log planned work, change nothing
	ProgressTimeout time.Duration
	TermGrace       time.Duration
}

// AnomalyStore is the slice of the probe cache the supervisor writes to.
type AnomalyStore interface {
	SetAnomaly(path, code string) (string, error)
	StoreResult(path string, r *probe.Result, mtime time.Time) error
}

// JobStatus is the observable state of the in-flight conversion.
type JobStatus struct {
	ID        string
	Path      string
	StartedAt time.Time
	Progress  Progress
}

// Supervisor drains the selected queue through a single worker. Start
// snapshots the queue and returns; Cancel stops the in-flight job and the
// rest of the run. All candidate state changes go through the registry.
type Supervisor struct {
	opts    Options
	reg     *registry.Registry
	store   AnomalyStore
	tr      Transcoder
	ren     rename.Engine
	probeFn cache.ProbeFunc
	log     *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	active  *JobStatus
	doneCh  chan struct{}
}

// New returns a supervisor wired to its collaborators. store may be nil when
// no cache should be updated (dry runs, tests).
func New(opts Options, reg *registry.Registry, store AnomalyStore, tr Transcoder, ren rename.Engine, probeFn cache.ProbeFunc, log *zap.SugaredLogger) *Supervisor {
	if opts.ProgressTimeout <= 0 {
		opts.ProgressTimeout = defaultProgressTimeout
	}
	if opts.TermGrace <= 0 {
		opts.TermGrace = defaultTermGrace
	}
	return &Supervisor{
		opts:    opts,
		reg:     reg,
		store:   store,
		tr:      tr,
		ren:     ren,
		probeFn: probeFn,
		log:     log,
	}
}

// Start snapshots the selected queue and begins draining it in the
// background. Returns an error if a run is already active or nothing is
// selected.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("a conversion run is already active")
	}
	queue := s.reg.SelectedQueue()
	if len(queue) == 0 {
		return errors.New("nothing selected for conversion")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	go func() {
		defer cancel()
		s.run(runCtx, queue)
		s.mu.Lock()
		s.running = false
		s.active = nil
		close(s.doneCh)
		s.mu.Unlock()
	}()
	return nil
}

// Cancel stops the in-flight conversion and abandons the rest of the queue.
// No-op when idle.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current run finishes. Returns immediately when idle.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.doneCh
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether a run is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Active returns a copy of the in-flight job status, if any.
func (s *Supervisor) Active() (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return JobStatus{}, false
	}
	return *s.active, true
}

func (s *Supervisor) run(ctx context.Context, queue []string) {
	s.log.Infow("conversion run started", "queued", len(queue), "dry_run", s.opts.DryRun)
	attempted, accepted := 0, 0
	for i, path := range queue {
		if ctx.Err() != nil {
			// A job cancelled mid-flight was reverted, so it still counts
			// as remaining.
			s.log.Infow("conversion run cancelled", "remaining", len(queue)-i)
			return
		}
		// Honor deselects that landed after the snapshot.
		if !s.reg.IsSelected(path) {
			s.log.Debugw("skipping deselected candidate", "path", path)
			continue
		}
		pr := s.reg.Probe(path)
		if pr == nil {
			s.log.Warnw("skipping candidate without probe data", "path", path)
			continue
		}
		fi, err := os.Stat(path)
		if err != nil {
			s.log.Warnw("source vanished, dropping candidate", "path", path)
			s.reg.Remove(path)
			continue
		}
		if fi.Size() != pr.SizeBytes {
			s.log.Warnw("source changed since probe, skipping",
				"path", path, "probed_bytes", pr.SizeBytes, "actual_bytes", fi.Size())
			continue
		}

		newPath := s.proposedPath(path, pr)
		if s.opts.DryRun {
			s.log.Infow("dry run: would convert",
				"path", path, "new_path", newPath, "quality", s.opts.Quality,
				"bytes", pr.SizeBytes)
			continue
		}

		attempted++
		ok, err := s.convertOne(ctx, path, pr, fi, newPath)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.log.Infow("conversion run cancelled", "remaining", len(queue)-i)
				return
			}
			s.log.Errorw("conversion aborted", "path", path, "error", err)
			continue
		}
		if ok {
			accepted++
		}
	}
	s.log.Infow("conversion run finished", "attempted", attempted, "accepted", accepted)
}

// proposedPath is the standardized destination for path after conversion,
// based on what the output will look like.
func (s *Supervisor) proposedPath(path string, pr *probe.Result) string {
	meta := rename.Meta{Width: pr.Width, Height: pr.Height, Codec: "hevc"}
	if s.opts.MaxHeight > 0 && pr.Height > s.opts.MaxHeight {
		meta.Width = s.opts.MaxHeight * pr.Width / pr.Height
		meta.Height = s.opts.MaxHeight
	}
	return s.ren.Propose(path, meta)
}

// convertOne runs a single conversion end to end. The bool reports whether
// the conversion was accepted and swapped in.
func (s *Supervisor) convertOne(ctx context.Context, path string, pr *probe.Result, fi os.FileInfo, newPath string) (bool, error) {
	tempPath := filepath.Join(filepath.Dir(newPath), "TEMP."+filepath.Base(newPath))
	_ = os.Remove(tempPath) // stale leftover from a crashed run

	if err := s.reg.MarkInProgress(path); err != nil {
		return false, err
	}
	started := time.Now()
	s.setActive(&JobStatus{ID: uuid.NewString(), Path: path, StartedAt: started})
	defer s.setActive(nil)

	s.log.Infow("converting", "path", path, "bytes", pr.SizeBytes,
		"bitrate_kbps", pr.BitrateKbps, "resolution", pr.Resolution())

	proc, err := s.tr.Start(ctx, JobSpec{
		InputPath:    path,
		OutputPath:   tempPath,
		Quality:      s.opts.Quality,
		SourceWidth:  pr.Width,
		SourceHeight: pr.Height,
		MaxHeight:    s.opts.MaxHeight,
		ColorSpec:    pr.ColorSpec,
		LowPriority:  !s.opts.FullSpeed,
	})
	if err != nil {
		s.finishFailure(path, tempPath, -1, []string{err.Error()})
		return false, nil
	}

	exitCode, logLines, err := s.watch(ctx, path, proc, tempPath, started, pr.DurationSecs)
	if err != nil {
		return false, err
	}
	return s.finish(path, pr, fi, tempPath, newPath, exitCode, logLines, started)
}

// watch consumes the process output until exit, stall timeout, or
// cancellation. On cancellation the process is terminated, the temp output
// removed and the candidate reverted; the context error is returned so the
// run loop stops.
func (s *Supervisor) watch(ctx context.Context, path string, proc Process, tempPath string, started time.Time, durationSecs float64) (int, []string, error) {
	parser := newProgressParser()
	var logLines []string
	var lastPublish time.Time

	stall := time.NewTimer(s.opts.ProgressTimeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			drain(proc.Lines())
			proc.Terminate(s.opts.TermGrace)
			proc.Wait()
			_ = os.Remove(tempPath)
			s.reg.Revert(path)
			s.log.Infow("conversion cancelled", "path", path,
				"elapsed", time.Since(started).Round(time.Second))
			return 0, nil, ctx.Err()

		case line, ok := <-proc.Lines():
			if !ok {
				return proc.Wait(), logLines, nil
			}
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(s.opts.ProgressTimeout)

			block, logLine, isLog := parser.Feed(line)
			switch {
			case block != nil:
				if time.Since(lastPublish) >= publishInterval {
					lastPublish = time.Now()
					s.publish(snapshot(block, started, durationSecs))
				}
			case isLog:
				logLines = append(logLines, logLine)
				if len(logLines) > logTail {
					logLines = logLines[len(logLines)-logTail:]
				}
			}

		case <-stall.C:
			s.log.Warnw("transcode produced no output, terminating",
				"path", path, "timeout", s.opts.ProgressTimeout)
			drain(proc.Lines())
			proc.Terminate(s.opts.TermGrace)
			proc.Wait()
			return stalledExitCode, logLines, nil
		}
	}
}

// drain keeps consuming process output in the background once watch stops
// caring about it. Without a consumer the stderr pump blocks on its channel
// sends and the process never reports exit, wedging Terminate and Wait.
func drain(lines <-chan string) {
	go func() {
		for range lines {
		}
	}()
}

// finish classifies a completed transcode and applies the outcome. The bool
// reports an accepted conversion.
func (s *Supervisor) finish(path string, pr *probe.Result, fi os.FileInfo, tempPath, newPath string, exitCode int, logLines []string, started time.Time) (bool, error) {
	if exitCode != 0 {
		s.finishFailure(path, tempPath, exitCode, logLines)
		return false, nil
	}

	newProbe, err := s.probeFn(context.Background(), tempPath)
	if err != nil {
		s.log.Warnw("converted file failed verification probe", "path", path, "error", err)
		s.finishFailure(path, tempPath, 0, logLines)
		return false, nil
	}

	policy := s.reg.Policy()
	shrink := policy.MinShrinkPct // for logging the floor alongside the result
	if !policy.Accepts(pr.SizeBytes, newProbe.SizeBytes) {
		if !s.opts.KeepRejected {
			_ = os.Remove(tempPath)
		}
		s.reg.MarkInsufficient(path)
		s.anomaly(path, "OPT")
		s.log.Infow("conversion rejected, shrink below floor",
			"path", path, "old_bytes", pr.SizeBytes, "new_bytes", newProbe.SizeBytes,
			"min_shrink_pct", shrink)
		return false, nil
	}

	finalPath, err := s.swap(path, tempPath, newPath, fi)
	if err != nil {
		// The converted output is the only thing that may still be worth
		// salvaging here; keep it where the swap left it.
		n := s.reg.MarkFailed(path)
		s.anomaly(path, "Er")
		s.log.Errorw("file swap failed, converted output kept",
			"path", path, "temp", tempPath, "failures", n, "error", err)
		return false, nil
	}

	out := registry.Outcome{
		OldSizeBytes: pr.SizeBytes,
		NewSizeBytes: newProbe.SizeBytes,
		Elapsed:      time.Since(started),
		NewPath:      finalPath,
	}
	s.reg.MarkDone(path, out, newProbe)
	if s.store != nil {
		if nfi, err := os.Stat(finalPath); err == nil {
			_ = s.store.StoreResult(finalPath, newProbe, nfi.ModTime())
		}
	}
	s.log.Infow("conversion accepted",
		"path", path, "new_path", finalPath,
		"old_bytes", pr.SizeBytes, "new_bytes", newProbe.SizeBytes,
		"shrink_pct", out.Shrink(), "elapsed", out.Elapsed.Round(time.Second))
	return true, nil
}

// finishFailure records a failed conversion: temp removed, failure counter
// bumped, anomaly persisted, stderr tail and corruption score logged.
func (s *Supervisor) finishFailure(path, tempPath string, exitCode int, logLines []string) {
	_ = os.Remove(tempPath)
	n := s.reg.MarkFailed(path)
	s.anomaly(path, "Er")

	sev, events := scoreSeverity(logLines)
	fields := []any{
		"path", path, "exit_code", exitCode, "failures", n,
		"severity", sev, "severity_events", events,
	}
	if corrupt(sev) {
		fields = append(fields, "corrupt", true)
	}
	if tail := tailOf(logLines, 5); tail != "" {
		fields = append(fields, "stderr_tail", tail)
	}
	s.log.Errorw("conversion failed", fields...)
}

// swap replaces the source with the converted file under its standardized
// name, preserving the source's modification time, and renames companion
// files alongside. The source is kept as ORIG.<name> when backups are on.
//
// Ordering is chosen so that a failure at any step leaves at least one
// playable copy on disk: the converted file moves into place before the
// original is touched, and when both share a name the original is parked as
// the backup first and restored if the move fails. swap never deletes the
// temp file on error; the caller must not either.
func (s *Supervisor) swap(oldPath, tempPath, newPath string, fi os.FileInfo) (string, error) {
	if newPath != oldPath {
		if _, err := os.Stat(newPath); err == nil {
			// Standardized name is taken by another file; fall back to the
			// source's own stem.
			newPath = strings.TrimSuffix(oldPath, filepath.Ext(oldPath)) + ".mkv"
		}
	}

	if newPath != oldPath {
		if err := os.Rename(tempPath, newPath); err != nil {
			return "", fmt.Errorf("move converted file: %w", err)
		}
		if s.opts.KeepBackup {
			if err := os.Rename(oldPath, backupPath(oldPath)); err != nil {
				return "", fmt.Errorf("backup original: %w", err)
			}
		} else if err := os.Remove(oldPath); err != nil {
			return "", fmt.Errorf("remove original: %w", err)
		}
	} else {
		// Same name: the original has to move aside before the converted
		// file can land. It stays parked as the backup until the move
		// succeeds.
		backup := backupPath(oldPath)
		if err := os.Rename(oldPath, backup); err != nil {
			return "", fmt.Errorf("backup original: %w", err)
		}
		if err := os.Rename(tempPath, newPath); err != nil {
			if rerr := os.Rename(backup, oldPath); rerr != nil {
				s.log.Errorw("could not restore original after failed swap",
					"backup", backup, "error", rerr)
			}
			return "", fmt.Errorf("move converted file: %w", err)
		}
		if !s.opts.KeepBackup {
			_ = os.Remove(backup)
		}
	}
	_ = os.Chtimes(newPath, time.Now(), fi.ModTime())

	s.renameCompanions(oldPath, newPath)
	return newPath, nil
}

func backupPath(path string) string {
	return filepath.Join(filepath.Dir(path), "ORIG."+filepath.Base(path))
}

// renameCompanions moves subtitle/artwork siblings to the new stem. Best
// effort; a companion that cannot be renamed is logged and left in place.
func (s *Supervisor) renameCompanions(oldPath, newPath string) {
	dir := filepath.Dir(oldPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	siblings := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			siblings = append(siblings, filepath.Join(dir, e.Name()))
		}
	}
	for _, pair := range rename.Companions(oldPath, newPath, siblings) {
		if err := os.Rename(pair[0], pair[1]); err != nil {
			s.log.Warnw("companion rename failed", "from", pair[0], "error", err)
			continue
		}
		s.log.Infow("companion renamed", "from", pair[0], "to", pair[1])
	}
}

func (s *Supervisor) anomaly(path, code string) {
	if s.store == nil {
		return
	}
	if _, err := s.store.SetAnomaly(path, code); err != nil {
		s.log.Debugw("anomaly not persisted", "path", path, "error", err)
	}
}

func (s *Supervisor) setActive(js *JobStatus) {
	s.mu.Lock()
	s.active = js
	s.mu.Unlock()
}

func (s *Supervisor) publish(pr Progress) {
	s.mu.Lock()
	if s.active != nil {
		s.active.Progress = pr
	}
	s.mu.Unlock()
}

func tailOf(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
