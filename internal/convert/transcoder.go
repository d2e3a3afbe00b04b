package convert

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/backmassage/debloat/internal/probe"
)

// JobSpec describes one transcode invocation.
type JobSpec struct {
	InputPath    string
	OutputPath   string
	Quality      int    // CRF for libx265
	SourceWidth  int
	SourceHeight int
	MaxHeight    int    // downscale taller sources; 0 disables
	ColorSpec    string // compact color spec from the source probe
	LowPriority  bool   // run under nice/ionice
}

// Process is a running transcode. Lines delivers the tool's stderr stream
// (progress key=value lines and log messages interleaved) and closes at
// process exit; Wait returns the exit code after Lines closes.
type Process interface {
	Lines() <-chan string
	Wait() int
	// Terminate asks the process to stop, escalating to a kill after grace.
	Terminate(grace time.Duration)
}

// Transcoder launches transcode processes. The ffmpeg implementation is the
// production one; tests substitute a scripted fake.
type Transcoder interface {
	Start(ctx context.Context, spec JobSpec) (Process, error)
}

// FFmpeg is the production Transcoder. It shells out to ffmpeg with
// machine-readable progress on stderr and, unless full speed was requested,
// wraps the invocation in nice/ionice so a batch run stays unobtrusive on a
// shared server.
type FFmpeg struct{}

// BuildArgs returns the full command line for spec, starting with the
// program to execute. Exported for testing without running anything.
func (FFmpeg) BuildArgs(spec JobSpec) []string {
	var args []string
	if spec.LowPriority {
		args = append(args, "nice", "-n", "19")
		if _, err := exec.LookPath("ionice"); err == nil {
			args = append(args, "ionice", "-c", "3")
		}
	}

	args = append(args, "ffmpeg",
		"-hide_banner", "-loglevel", "warning", "-nostats",
		"-progress", "pipe:2",
		"-y", "-nostdin",
		"-i", spec.InputPath,
		"-map", "0:v:0", "-map", "0:a?", "-c:a", "copy",
		"-map", "0:s?", "-c:s", "srt",
		"-map", "-0:t", "-map", "-0:d",
		"-c:v", "libx265",
		"-crf", strconv.Itoa(spec.Quality),
	)

	if spec.MaxHeight > 0 && spec.SourceHeight > spec.MaxHeight {
		width := spec.MaxHeight * spec.SourceWidth / spec.SourceHeight
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", width))
	}

	args = append(args, colorArgs(spec.ColorSpec)...)
	args = append(args, spec.OutputPath)
	return args
}

// colorArgs maps the compact color spec onto explicit ffmpeg color options,
// substituting bt709 for unknown components so the output is always tagged.
func colorArgs(spec string) []string {
	space, primaries, trc := probe.ExpandColorSpec(spec)
	if space == "unknown" || space == "" {
		space = "bt709"
	}
	if primaries == "unknown" || primaries == "" {
		primaries = "bt709"
	}
	// ffmpeg prefers the bare numeric form for the bt709 transfer.
	if trc == "unknown" || trc == "" || trc == "bt709" {
		trc = "709"
	}
	return []string{
		"-colorspace", space,
		"-color_primaries", primaries,
		"-color_trc", trc,
	}
}

// Start implements Transcoder.
func (f FFmpeg) Start(ctx context.Context, spec JobSpec) (Process, error) {
	args := f.BuildArgs(spec)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Cancel = func() error {
		// Context cancellation is handled by Terminate; keep the default
		// hard kill as a backstop only.
		return cmd.Process.Kill()
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transcode for %q: %w", spec.InputPath, err)
	}

	p := &ffmpegProcess{
		cmd:   cmd,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	go p.pump(stderr)
	return p, nil
}

type ffmpegProcess struct {
	cmd      *exec.Cmd
	lines    chan string
	done     chan struct{}
	exitCode int
}

func (p *ffmpegProcess) pump(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
	err := p.cmd.Wait()
	p.exitCode = exitCodeOf(err)
	close(p.lines)
	close(p.done)
}

func (p *ffmpegProcess) Lines() <-chan string { return p.lines }

func (p *ffmpegProcess) Wait() int {
	<-p.done
	return p.exitCode
}

func (p *ffmpegProcess) Terminate(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 127
}
