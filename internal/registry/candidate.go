// Package registry tracks every discovered candidate file and owns its
// selection and conversion state. All mutations go through Registry methods
// so operator actions and the conversion worker never race: the supervisor
// requests transitions here instead of touching candidates directly, and
// the presentation layer only ever sees consistent snapshots.
package registry

import (
	"fmt"
	"time"

	"github.com/backmassage/debloat/internal/cache"
	"github.com/backmassage/debloat/internal/probe"
	"github.com/backmassage/debloat/internal/score"
)

// MaxFailures caps both the probe failure counter and the conversion
// failure counter.
const MaxFailures = 9

// Phase is the conversion lifecycle of one candidate.
type Phase int

const (
	NotStarted Phase = iota
	InProgress
	Done
	Failed             // FailCount 1..9 holds the conversion failure count.
	InsufficientShrink // Converted but shrink was below the accept floor ("OPT").
)

// Outcome records the last accepted conversion of a candidate.
type Outcome struct {
	OldSizeBytes int64
	NewSizeBytes int64
	Elapsed      time.Duration
	NewPath      string
}

// Candidate is one tracked video file.
type Candidate struct {
	Path          string
	Probe         *probe.Result // nil until a probe succeeds
	ProbeFailures int           // 0..MaxFailures, saturating
	Bloat         float64       // cached; recomputed only when Probe changes
	Exceeds       bool          // cached threshold decision
	Selected      bool
	Phase         Phase
	FailCount     int      // conversion failures, 0..MaxFailures
	Last          *Outcome // set when Phase == Done
}

// HardProbeFailure reports whether the candidate can never be probed this
// run. Such candidates are excluded from selection entirely.
func (c *Candidate) HardProbeFailure() bool {
	return c.Probe == nil && c.ProbeFailures >= MaxFailures
}

// Selectable reports whether the operator may select this candidate at all.
// Only a hard probe failure removes that right; conversion failures and
// rejected conversions stay manually selectable.
func (c *Candidate) Selectable() bool {
	return !c.HardProbeFailure() && c.Phase != InProgress
}

// StatusCode renders the registry display code for the candidate:
// "?P1".."?P9" for probe failures, "Er1".."Er9" for conversion failures,
// "OPT" for an insufficient shrink, "OK" for done, "RUN" while converting,
// and "" otherwise.
func (c *Candidate) StatusCode() string {
	switch c.Phase {
	case InProgress:
		return "RUN"
	case Done:
		return "OK"
	case Failed:
		return fmt.Sprintf("Er%d", c.FailCount)
	case InsufficientShrink:
		return "OPT"
	}
	if c.Probe == nil && c.ProbeFailures > 0 {
		return fmt.Sprintf("?P%d", c.ProbeFailures)
	}
	return ""
}

// applyEntry copies cached probe state onto the candidate and refreshes the
// derived score fields.
func (c *Candidate) applyEntry(e *cache.Entry, policy score.Policy) {
	c.Probe = e.Probe
	c.ProbeFailures = e.ProbeFailures
	switch {
	case e.Anomaly == "OPT":
		c.Phase = InsufficientShrink
	case len(e.Anomaly) == 3 && e.Anomaly[:2] == "Er":
		c.Phase = Failed
		c.FailCount = int(e.Anomaly[2] - '0')
	}
	c.recompute(policy)
}

// recompute refreshes the derived fields from the current probe. Called
// whenever probe data changes; registry reads use the cached values.
func (c *Candidate) recompute(policy score.Policy) {
	c.Bloat = score.Bloat(c.Probe)
	c.Exceeds = policy.Exceeds(c.Probe)
}
