// Package probe runs ffprobe against a single media file and reduces its
// JSON output to the handful of fields the scoring and scheduling layers
// need: resolution, codec, bitrate, duration, and a compact color spec.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// probeTimeout bounds a single ffprobe invocation. A file that cannot be
// probed in this window is treated as a probe failure.
const probeTimeout = 30 * time.Second

// Result holds the parsed metadata for one video file.
type Result struct {
	Width        int
	Height       int
	Codec        string
	ColorSpec    string // compact "space,primaries,trc"; "~" marks a repeat
	BitrateKbps  int64
	DurationSecs float64
	SizeBytes    int64
}

// Resolution returns "WxH", or "unknown" when dimensions are missing.
func (r *Result) Resolution() string {
	if r.Width <= 0 || r.Height <= 0 {
		return "unknown"
	}
	return strconv.Itoa(r.Width) + "x" + strconv.Itoa(r.Height)
}

// Probe runs a single ffprobe JSON call against path and returns the
// parsed result. File size is taken from the filesystem, not from the
// ffprobe format section, so it matches what the cache staleness check
// will later compare against.
func Probe(ctx context.Context, path string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %q: %w", path, err)
	}

	r, err := ParseJSON(out)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat after probe %q: %w", path, err)
	}
	r.SizeBytes = fi.Size()
	return r, nil
}

// ParseJSON converts raw ffprobe JSON output into a Result.
// Exported for testing without a real ffprobe binary.
func ParseJSON(data []byte) (*Result, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}
	return buildResult(&raw)
}

// --- ffprobe JSON wire types ---

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

type ffprobeStream struct {
	CodecName      string         `json:"codec_name"`
	CodecType      string         `json:"codec_type"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	ColorTransfer  string         `json:"color_transfer"`
	ColorPrimaries string         `json:"color_primaries"`
	ColorSpace     string         `json:"color_space"`
	Disposition    map[string]int `json:"disposition"`
}

// --- Conversion from wire types to the domain type ---

func buildResult(raw *ffprobeOutput) (*Result, error) {
	var video *ffprobeStream
	for i := range raw.Streams {
		s := &raw.Streams[i]
		if s.CodecType == "video" && s.Disposition["attached_pic"] != 1 {
			video = s
			break
		}
	}
	if video == nil {
		return nil, fmt.Errorf("no video stream in ffprobe output")
	}

	codec := video.CodecName
	if codec == "" {
		codec = "unk_codec"
	}

	return &Result{
		Width:        video.Width,
		Height:       video.Height,
		Codec:        codec,
		ColorSpec:    compactColorSpec(video),
		BitrateKbps:  parseInt64(raw.Format.BitRate) / 1000,
		DurationSecs: parseFloat(raw.Format.Duration),
	}, nil
}

// compactColorSpec folds color space, primaries, and transfer into one
// comma-separated string, replacing a value equal to its predecessor with
// "~". "bt709,~,~" round-trips to three bt709 components.
func compactColorSpec(s *ffprobeStream) string {
	space := orUnknown(s.ColorSpace)
	primaries := orUnknown(s.ColorPrimaries)
	trc := orUnknown(s.ColorTransfer)

	parts := []string{space}
	if primaries != space {
		parts = append(parts, primaries)
	} else {
		parts = append(parts, "~")
	}
	if trc != primaries {
		parts = append(parts, trc)
	} else {
		parts = append(parts, "~")
	}
	return strings.Join(parts, ",")
}

// ExpandColorSpec reverses compactColorSpec, returning the full space,
// primaries, and transfer values with "~" placeholders resolved.
func ExpandColorSpec(spec string) (space, primaries, trc string) {
	parts := strings.SplitN(spec, ",", 3)
	for len(parts) < 3 {
		parts = append(parts, "~")
	}
	space = parts[0]
	primaries = parts[1]
	if primaries == "~" {
		primaries = space
	}
	trc = parts[2]
	if trc == "~" {
		trc = primaries
	}
	return space, primaries, trc
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// --- Numeric parsing helpers (ffprobe returns numbers as strings) ---

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
