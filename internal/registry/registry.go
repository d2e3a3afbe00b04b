package registry

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/backmassage/debloat/internal/cache"
	"github.com/backmassage/debloat/internal/probe"
	"github.com/backmassage/debloat/internal/score"
)

// Registry holds all known candidates. It is safe for concurrent use; the
// conversion worker and the operator-facing layer both go through it.
type Registry struct {
	mu         sync.Mutex
	policy     score.Policy
	candidates map[string]*Candidate
	order      []string // paths sorted by descending bloat, ties by path
	filterRaw  string
	filterRe   *regexp.Regexp // nil means substring match on filterRaw
	netBytes   int64          // cumulative size delta of accepted conversions
}

// New returns an empty registry using policy for derived fields.
func New(policy score.Policy) *Registry {
	return &Registry{
		policy:     policy,
		candidates: make(map[string]*Candidate),
	}
}

// Policy returns the scoring policy the registry was built with.
func (r *Registry) Policy() score.Policy { return r.policy }

// Upsert adds or refreshes a candidate from a cache entry. Selection and
// conversion phase of an existing candidate are preserved unless the entry
// carries an anomaly code.
func (r *Registry) Upsert(e *cache.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.candidates[e.Path]
	if !ok {
		c = &Candidate{Path: e.Path}
		r.candidates[e.Path] = c
	}
	c.applyEntry(e, r.policy)
	r.resort()
}

// Remove drops a candidate (its backing file vanished).
func (r *Registry) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.candidates, path)
	r.resort()
}

// Len returns the number of tracked candidates.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.candidates)
}

// --- Operator operations ---

// ResetAll clears the selected flag on every candidate without a hard
// probe failure.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.candidates {
		if !c.HardProbeFailure() {
			c.Selected = false
		}
	}
}

// AutoSelect sets each candidate's selection from its threshold decision:
// selected iff the probe exceeds the policy. Hard probe failures and
// candidates at the conversion failure cap are forced off. A single
// conversion failure is soft and treated as if it never happened; counts
// 2..9 and rejected conversions are left for manual re-selection.
func (r *Registry) AutoSelect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.candidates {
		switch {
		case c.HardProbeFailure() || c.FailCount >= MaxFailures:
			c.Selected = false
		case c.Phase == Failed && c.FailCount > 1:
			c.Selected = false
		case c.Phase == InsufficientShrink || c.Phase == Done || c.Phase == InProgress:
			c.Selected = false
		default:
			c.Selected = c.Exceeds
		}
	}
}

// Toggle flips the selected flag of the candidate at path. Returns the new
// state, or an error when the candidate is unknown or not selectable.
func (r *Registry) Toggle(path string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.candidates[path]
	if !ok {
		return false, fmt.Errorf("unknown candidate %q", path)
	}
	if !c.Selectable() {
		return false, fmt.Errorf("candidate %q is not selectable (%s)", path, c.StatusCode())
	}
	c.Selected = !c.Selected
	return c.Selected, nil
}

// SetFilter restricts which candidates are visible. The pattern is matched
// case-insensitively; if it compiles as a regular expression it is used as
// one, otherwise it falls back to substring matching. Filtering never
// touches selection state.
func (r *Registry) SetFilter(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filterRaw = strings.ToLower(pattern)
	r.filterRe = nil
	if pattern == "" {
		return
	}
	if re, err := regexp.Compile("(?i)" + pattern); err == nil {
		r.filterRe = re
	}
}

func (r *Registry) visible(path string) bool {
	if r.filterRaw == "" {
		return true
	}
	if r.filterRe != nil {
		return r.filterRe.MatchString(path)
	}
	return strings.Contains(strings.ToLower(path), r.filterRaw)
}

// --- Conversion-path transitions (requested by the supervisor) ---

// MarkInProgress transitions the candidate at path into InProgress.
func (r *Registry) MarkInProgress(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.candidates[path]
	if !ok {
		return fmt.Errorf("unknown candidate %q", path)
	}
	c.Phase = InProgress
	return nil
}

// MarkDone records an accepted conversion: outcome stored, probe replaced
// with the converted file's probe, selection cleared, net total updated.
func (r *Registry) MarkDone(path string, out Outcome, newProbe *probe.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.candidates[path]
	if !ok {
		return
	}
	c.Phase = Done
	c.Last = &out
	c.Selected = false
	if newProbe != nil {
		c.Probe = newProbe
		c.recompute(r.policy)
	}
	r.netBytes += out.NewSizeBytes - out.OldSizeBytes
	r.resort()
}

// MarkFailed increments the conversion failure count (capped) and returns
// the new count. The candidate stays selected so a later auto-select or
// manual pass can retry it.
func (r *Registry) MarkFailed(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.candidates[path]
	if !ok {
		return 0
	}
	c.Phase = Failed
	if c.FailCount < MaxFailures {
		c.FailCount++
	}
	return c.FailCount
}

// MarkInsufficient records a conversion whose shrink was below the accept
// floor. The original file is untouched; selection is cleared so the
// candidate is not retried automatically.
func (r *Registry) MarkInsufficient(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.candidates[path]; ok {
		c.Phase = InsufficientShrink
		c.Selected = false
	}
}

// Revert returns a cancelled candidate to NotStarted. Selection and the
// failure count are deliberately unchanged: a cancel is not a failure.
func (r *Registry) Revert(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.candidates[path]; ok {
		c.Phase = NotStarted
	}
}

// IsSelected reports the current selection state of path. The supervisor
// checks this just before each job so an operator deselect that lands
// after the queue snapshot is still honored.
func (r *Registry) IsSelected(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.candidates[path]
	return ok && c.Selected
}

// SelectedQueue returns the selected candidate paths in conversion order:
// highest bloat first. The slice is a snapshot; later registry changes do
// not reorder it.
func (r *Registry) SelectedQueue() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var queue []string
	for _, path := range r.order {
		if c := r.candidates[path]; c.Selected && c.Phase != Done && c.Phase != InProgress {
			queue = append(queue, path)
		}
	}
	return queue
}

// --- Snapshots ---

// CandidateView is the read-only projection of one candidate.
type CandidateView struct {
	Path        string
	Bloat       float64
	Exceeds     bool
	Selected    bool
	Visible     bool
	Status      string
	Phase       Phase
	FailCount   int
	SizeBytes   int64
	BitrateKbps int64
	Resolution  string
	Codec       string
	Last        *Outcome
}

// Snapshot is a consistent view of the registry for presentation.
type Snapshot struct {
	Candidates    []CandidateView // ordered by descending bloat
	SelectedCount int
	SelectedBytes int64 // total source bytes currently selected
	NetBytes      int64 // size delta of accepted conversions (negative = saved)
	Filter        string
}

// Snapshot returns the current presentation view. The filter affects only
// the Visible flag; aggregates always cover the full candidate set.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Candidates: make([]CandidateView, 0, len(r.order)),
		NetBytes:   r.netBytes,
		Filter:     r.filterRaw,
	}
	for _, path := range r.order {
		c := r.candidates[path]
		v := CandidateView{
			Path:      c.Path,
			Bloat:     c.Bloat,
			Exceeds:   c.Exceeds,
			Selected:  c.Selected,
			Visible:   r.visible(c.Path),
			Status:    c.StatusCode(),
			Phase:     c.Phase,
			FailCount: c.FailCount,
			Last:      c.Last,
		}
		if c.Probe != nil {
			v.SizeBytes = c.Probe.SizeBytes
			v.BitrateKbps = c.Probe.BitrateKbps
			v.Resolution = c.Probe.Resolution()
			v.Codec = c.Probe.Codec
		}
		if c.Selected {
			snap.SelectedCount++
			snap.SelectedBytes += v.SizeBytes
		}
		snap.Candidates = append(snap.Candidates, v)
	}
	return snap
}

// Probe returns the stored probe for path, if any.
func (r *Registry) Probe(path string) *probe.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.candidates[path]; ok {
		return c.Probe
	}
	return nil
}

// Outcome helpers for logging.

// Shrink returns the outcome's size change percentage.
func (o *Outcome) Shrink() int { return score.ShrinkPct(o.OldSizeBytes, o.NewSizeBytes) }

// resort rebuilds the ordered path list: descending bloat, absent probes
// (NaN scores) last, ties broken by path for determinism. Sort is stable so
// a probe update never reorders unrelated entries. Caller holds mu.
func (r *Registry) resort() {
	r.order = r.order[:0]
	for path := range r.candidates {
		r.order = append(r.order, path)
	}
	sort.Strings(r.order) // deterministic base order before the stable sort
	sort.SliceStable(r.order, func(i, j int) bool {
		bi := r.candidates[r.order[i]].Bloat
		bj := r.candidates[r.order[j]].Bloat
		ni, nj := math.IsNaN(bi), math.IsNaN(bj)
		if ni != nj {
			return nj // scored candidates before unscored ones
		}
		if ni {
			return false // both NaN: keep path order
		}
		return bi > bj
	})
}
