// Package check provides system diagnostics (the check subcommand) and
// pre-run dependency validation for ffmpeg, ffprobe, and the priority
// wrappers.
package check

import (
	"errors"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Sentinel errors returned by Deps when a required tool is missing.
var (
	ErrFfmpegNotFound  = errors.New("ffmpeg not found on PATH")
	ErrFfprobeNotFound = errors.New("ffprobe not found on PATH")
	ErrX265Unusable    = errors.New("libx265 test encode failed")
)

// Run executes the interactive diagnostics: tool availability, a minimal
// libx265 encode, and the nice/ionice wrappers. Informational only; it does
// not stop on failure. Returns false when anything required is broken.
func Run(log *zap.SugaredLogger) bool {
	ok := true
	ok = checkTool(log, "ffmpeg") && ok
	ok = checkTool(log, "ffprobe") && ok

	if _, err := exec.LookPath("ffmpeg"); err == nil {
		log.Infow("testing libx265 encode")
		if runSilent("ffmpeg", x265TestArgs()...) {
			log.Infow("libx265 works")
		} else {
			log.Errorw("libx265 test encode failed")
			ok = false
		}
	}

	// Priority wrappers are optional; conversions fall back to full speed
	// scheduling without them.
	for _, tool := range []string{"nice", "ionice"} {
		if _, err := exec.LookPath(tool); err != nil {
			log.Warnw("optional tool missing, conversions run unniced", "tool", tool)
		} else {
			log.Debugw("optional tool present", "tool", tool)
		}
	}
	return ok
}

func checkTool(log *zap.SugaredLogger, name string) bool {
	if _, err := exec.LookPath(name); err != nil {
		log.Errorw("required tool not found", "tool", name)
		return false
	}
	out, err := exec.Command(name, "-version").Output()
	if err != nil {
		log.Warnw("tool found but -version failed", "tool", name, "error", err)
		return true
	}
	version := strings.TrimSpace(string(out))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	log.Infow("tool available", "tool", name, "version", version)
	return true
}

// Deps is the pre-run validation: ffmpeg and ffprobe must be on PATH and
// libx265 must produce output. Returns a sentinel error on failure.
func Deps() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return ErrFfmpegNotFound
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return ErrFfprobeNotFound
	}
	if !runSilent("ffmpeg", x265TestArgs()...) {
		return ErrX265Unusable
	}
	return nil
}

// x265TestArgs is a minimal libx265 encode used to verify the encoder.
func x265TestArgs() []string {
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", "lavfi", "-i", "color=black:s=256x256:d=0.1",
		"-c:v", "libx265",
		"-f", "null", "-",
	}
}

// runSilent runs a command and reports whether it exited zero. Output is
// discarded.
func runSilent(name string, args ...string) bool {
	cmd := exec.Command(name, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}
