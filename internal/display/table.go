package display

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/backmassage/debloat/internal/convert"
	"github.com/backmassage/debloat/internal/registry"
)

// Styles bundle the lipgloss styles used by the table renderer.
type Styles struct {
	Header   lipgloss.Style
	Selected lipgloss.Style
	Done     lipgloss.Style
	Error    lipgloss.Style
	Parked   lipgloss.Style
	Dim      lipgloss.Style
	Footer   lipgloss.Style
}

// DefaultStyles adapt to the terminal background.
func DefaultStyles() Styles {
	return Styles{
		Header:   lipgloss.NewStyle().Bold(true).Underline(true),
		Selected: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "82"}),
		Done:     lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "22", Dark: "40"}).Faint(true),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "124", Dark: "196"}),
		Parked:   lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "130", Dark: "208"}),
		Dim:      lipgloss.NewStyle().Faint(true),
		Footer:   lipgloss.NewStyle().Bold(true),
	}
}

// ColorEnabled reports whether stdout supports colored output. Used to drop
// to plain rendering under pipes and dumb terminals.
func ColorEnabled() bool {
	return termenv.NewOutput(os.Stdout).Profile != termenv.Ascii
}

// Table renders the candidate snapshot as an aligned table. Only visible
// rows are shown; the footer aggregates always cover the full set.
func Table(snap registry.Snapshot, st Styles) string {
	var b strings.Builder

	header := fmt.Sprintf("  %-4s %-5s %7s %10s %10s %-9s %-6s %s",
		"SEL", "ST", "BLOAT", "SIZE", "BITRATE", "RES", "CODEC", "PATH")
	b.WriteString(st.Header.Render(header))
	b.WriteByte('\n')

	shown := 0
	for _, c := range snap.Candidates {
		if !c.Visible {
			continue
		}
		shown++
		b.WriteString(renderRow(c, st))
		b.WriteByte('\n')
	}
	if shown == 0 {
		b.WriteString(st.Dim.Render("  (no candidates match the filter)"))
		b.WriteByte('\n')
	}

	footer := fmt.Sprintf("  %d candidates, %d selected (%s), net %s",
		len(snap.Candidates), snap.SelectedCount,
		FormatBytes(snap.SelectedBytes), FormatBytesWithSign(snap.NetBytes))
	if snap.Filter != "" {
		footer += fmt.Sprintf(", filter %q", snap.Filter)
	}
	b.WriteString(st.Footer.Render(footer))
	return b.String()
}

func renderRow(c registry.CandidateView, st Styles) string {
	sel := " "
	if c.Selected {
		sel = "*"
	}
	row := fmt.Sprintf("  %-4s %-5s %7s %10s %10s %-9s %-6s %s",
		sel, c.Status, FormatBloat(c.Bloat),
		FormatBytes(c.SizeBytes), FormatBitrateLabel(c.BitrateKbps),
		c.Resolution, c.Codec, c.Path)

	switch {
	case c.Phase == registry.Done:
		return st.Done.Render(row)
	case c.Phase == registry.Failed || strings.HasPrefix(c.Status, "?P"):
		return st.Error.Render(row)
	case c.Phase == registry.InsufficientShrink:
		return st.Parked.Render(row)
	case c.Selected:
		return st.Selected.Render(row)
	default:
		return row
	}
}

// ProgressLine renders the in-flight conversion for the status area:
// percentage, average speed, ETA, and the file being worked on.
func ProgressLine(js convert.JobStatus) string {
	p := js.Progress
	pct := int(p.Fraction * 100)
	if pct > 100 {
		pct = 100
	}
	eta := "--"
	if p.RemainingSecs > 0 {
		eta = FormatDuration(p.RemainingSecs)
	}
	return fmt.Sprintf("%3d%%  %.1fx  ETA %s  %s", pct, p.Speed, eta, js.Path)
}
