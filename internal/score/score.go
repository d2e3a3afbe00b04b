// Package score computes the bloat score for a probed file and decides
// whether it exceeds the configured conversion thresholds. Everything here
// is pure: same inputs, same outputs, no I/O.
package score

import (
	"math"
	"regexp"

	"github.com/backmassage/debloat/internal/probe"
)

// CodecPolicy names the set of codecs considered space-efficient enough to
// leave alone.
type CodecPolicy string

const (
	CodecsAll  CodecPolicy = "all"  // Every codec is acceptable.
	CodecsX265 CodecPolicy = "x265" // Only HEVC.
	CodecsX26x CodecPolicy = "x26*" // HEVC or H.264 (default).
)

// Policy holds the thresholds that decide which files are worth converting.
type Policy struct {
	BloatThreshold float64     // Score above this is over-threshold. Default: 1600.
	AllowedCodecs  CodecPolicy // Codecs exempt from the codec check. Default: x26*.
	MaxHeight      int         // Frames taller than this are over-threshold; 0 disables.
	MinShrinkPct   int         // Minimum accepted size reduction. Default: 10.
}

// codecNameRe matches plausible codec identifiers. Placeholder strings like
// "---" are not codec names and never fail the allow-list check.
var codecNameRe = regexp.MustCompile(`^[a-zA-Z]\w*$`)

// Bloat returns 1000 * bitrateKbps / sqrt(width*height). Higher means more
// wasteful encoding relative to resolution. NaN when the probe is missing
// or has no pixel area, which sorts such candidates last.
func Bloat(r *probe.Result) float64 {
	if r == nil {
		return math.NaN()
	}
	area := float64(r.Width) * float64(r.Height)
	if area <= 0 {
		return math.NaN()
	}
	return 1000 * float64(r.BitrateKbps) / math.Sqrt(area)
}

// CodecAllowed reports whether codec is in the policy's allow-list.
func (p Policy) CodecAllowed(codec string) bool {
	if !codecNameRe.MatchString(codec) {
		return true
	}
	switch p.AllowedCodecs {
	case CodecsX265:
		return codec == "hevc"
	case CodecsX26x:
		return codec == "hevc" || codec == "h264"
	default:
		return true
	}
}

// Exceeds reports whether the probed file is over any configured threshold:
// bloat score above BloatThreshold, resolution above MaxHeight, or codec
// outside the allow-list. Any one is enough. False when the probe is absent.
func (p Policy) Exceeds(r *probe.Result) bool {
	if r == nil {
		return false
	}
	if b := Bloat(r); !math.IsNaN(b) && b > p.BloatThreshold {
		return true
	}
	if p.MaxHeight > 0 && r.Height > p.MaxHeight {
		return true
	}
	return !p.CodecAllowed(r.Codec)
}

// ShrinkPct returns the signed size change of newBytes relative to oldBytes
// as a rounded percentage. Negative means the output shrank (e.g. -30 for a
// 30% reduction).
func ShrinkPct(oldBytes, newBytes int64) int {
	if oldBytes <= 0 {
		return 0
	}
	net := float64(newBytes-oldBytes) / float64(oldBytes)
	return int(math.Round(net * 100))
}

// Accepts reports whether a conversion outcome shrank enough to keep:
// the output must be smaller than the input by at least MinShrinkPct.
func (p Policy) Accepts(oldBytes, newBytes int64) bool {
	return ShrinkPct(oldBytes, newBytes) <= -p.MinShrinkPct
}
