package convert

import (
	"strconv"
	"strings"
	"time"
)

// Progress is one published snapshot of a running conversion.
type Progress struct {
	Fraction      float64 // 0..1 of the source duration, 0 when unknown
	PositionSecs  float64 // source timestamp reached
	ElapsedSecs   float64
	RemainingSecs float64 // estimate from average speed, 0 when unknown
	Speed         float64 // source seconds per wall second
}

// publishInterval throttles how often progress snapshots reach observers.
const publishInterval = 1800 * time.Millisecond

// progressKeys is the subset of ffmpeg -progress fields we keep. Everything
// else on the block is noise for our purposes.
var progressKeys = map[string]bool{
	"out_time": true,
	"speed":    true,
	"frame":    true,
	"fps":      true,
}

// progressParser accumulates the key=value lines ffmpeg emits on stderr when
// run with -progress. A block is complete when the "progress" key arrives;
// Feed then returns the accumulated block and resets. Lines that are not
// key=value pairs are the tool's log output and are reported as such.
type progressParser struct {
	block map[string]string
}

func newProgressParser() *progressParser {
	return &progressParser{block: make(map[string]string)}
}

// Feed consumes one stderr line. Exactly one of the returns is meaningful:
// a completed progress block, or a log line, or neither (a block field was
// absorbed).
func (p *progressParser) Feed(line string) (block map[string]string, logLine string, ok bool) {
	key, value, found := strings.Cut(line, "=")
	if !found || strings.ContainsAny(key, " \t") {
		return nil, line, line != ""
	}
	key = strings.TrimSpace(key)
	if key == "progress" {
		done := p.block
		p.block = make(map[string]string)
		return done, "", false
	}
	if progressKeys[key] {
		p.block[key] = strings.TrimSpace(value)
	}
	return nil, "", false
}

// snapshot derives a Progress from a completed block. durationSecs is the
// source duration from the probe; zero disables the fraction and remaining
// estimates.
func snapshot(block map[string]string, started time.Time, durationSecs float64) Progress {
	pr := Progress{
		PositionSecs: parseClock(block["out_time"]),
		ElapsedSecs:  time.Since(started).Seconds(),
	}
	// The instantaneous "speed=1.23x" field is jumpy; average over the whole
	// run instead once enough wall time has passed.
	if pr.ElapsedSecs > 0.5 {
		pr.Speed = pr.PositionSecs / pr.ElapsedSecs
	}
	if durationSecs > 0 {
		pr.Fraction = pr.PositionSecs / durationSecs
		if pr.Fraction > 1 {
			pr.Fraction = 1
		}
		if pr.Speed > 0 {
			pr.RemainingSecs = (durationSecs - pr.PositionSecs) / pr.Speed
			if pr.RemainingSecs < 0 {
				pr.RemainingSecs = 0
			}
		}
	}
	return pr
}

// parseClock converts ffmpeg's "HH:MM:SS.micros" timestamps to seconds.
// Returns 0 on anything unparseable, including the "N/A" ffmpeg emits
// before the first frame.
func parseClock(s string) float64 {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0
	}
	hours, err1 := strconv.Atoi(parts[0])
	minutes, err2 := strconv.Atoi(parts[1])
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || hours < 0 {
		return 0
	}
	return float64(hours)*3600 + float64(minutes)*60 + seconds
}
