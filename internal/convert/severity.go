package convert

import (
	"regexp"
	"strconv"
	"strings"
)

// Corruption scoring for failed or suspect conversions. ffmpeg keeps going
// through a lot of damage, so individual warnings mean little; the score
// aggregates them and only a total past the threshold marks the source as
// corrupt rather than merely scruffy.

// severityThreshold is the aggregate score at which a source counts as
// corrupt for logging purposes.
const severityThreshold = 30

// severitySignals maps stderr substrings to their per-occurrence weight.
var severitySignals = map[string]int{
	"corrupt decoded frame": 10,
	"error while decoding":  10,
	"invalid nal unit":      5,
	"invalid data found":    5,
	"concealing":            3,
	"error concealment":     3,
	"missing reference":     3,
	"decode_slice_header":   2,
	"non-monotonic dts":     1,
	"pts has no value":      1,
}

var repeatedRe = regexp.MustCompile(`Last message repeated (\d+) times`)

// scoreSeverity scans a conversion's stderr log lines and returns the
// aggregate corruption score plus the number of scoring events. ffmpeg
// collapses bursts into "Last message repeated N times", so a repeat line
// multiplies the previous line's weight.
func scoreSeverity(lines []string) (score, events int) {
	prev := 0
	for _, line := range lines {
		if m := repeatedRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			score += prev * n
			if prev > 0 {
				events += n
			}
			continue
		}
		prev = 0
		lower := strings.ToLower(line)
		for signal, weight := range severitySignals {
			if strings.Contains(lower, signal) {
				prev = weight
				score += weight
				events++
				break
			}
		}
	}
	return score, events
}

// corrupt reports whether a score crosses the corruption threshold.
func corrupt(score int) bool { return score >= severityThreshold }
