package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to tubeaudio..."
	}

	parts := []string{
		m.renderHeader(),
		m.renderJobs(),
		m.renderSweeps(),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll jobs"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	h := m.health
	now := m.now()

	status := m.theme.StatusOK.Render("HEALTHY")
	switch {
	case !h.Connected:
		status = m.theme.StatusFailed.Render("CONNECTING")
	case h.Status != "ok" && h.Status != "":
		status = m.theme.StatusFailed.Render("DEGRADED")
	}

	lastSweep := "never"
	if h.LastSweepAt != nil {
		lastSweep = humanize.RelTime(*h.LastSweepAt, now, "ago", "from now")
	}

	title := fmt.Sprintf("TUBEAUDIO WATCH %s  %s", m.pulse.Render(m.theme), m.theme.Dim.Render(now.Format("15:04:05")))
	stats := fmt.Sprintf(" %s  v%s  up %s  workers %d/%d  last sweep %s",
		status,
		h.Version,
		time.Duration(h.UptimeSeconds)*time.Second,
		h.JobsInFlight, h.WorkerSlots,
		lastSweep,
	)
	root := m.theme.Dim.Render(" root " + h.NamespaceRoot)

	return m.theme.Border.Width(m.innerWidth()).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render(title), stats, root),
	)
}

func (m Model) renderJobs() string {
	body := m.jobTable.View()
	if len(m.state.Jobs()) == 0 {
		body = m.theme.Dim.Render("  No jobs yet...")
	}
	return m.theme.Border.Width(m.innerWidth()).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("JOBS"), body),
	)
}

func (m Model) renderSweeps() string {
	sweeps := m.state.Sweeps()
	lines := []string{m.theme.Title.Render("JANITOR")}
	if len(sweeps) == 0 {
		lines = append(lines, m.theme.Dim.Render("  No sweeps observed yet..."))
	}
	now := m.now()
	for i, sw := range sweeps {
		if i == 4 {
			break
		}
		lines = append(lines, m.renderSweepRow(sw, now))
	}
	return m.theme.Border.Width(m.innerWidth()).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderSweepRow(sw SweepState, now time.Time) string {
	var b strings.Builder
	kind := "sweep"
	if sw.Purge {
		kind = "purge"
	}
	fmt.Fprintf(&b, "  %-5s %-14s ", kind, humanize.RelTime(sw.At, now, "ago", "from now"))
	if sw.Purge {
		fmt.Fprintf(&b, "removed %d", sw.Deleted)
	} else {
		fmt.Fprintf(&b, "scanned %d  deleted %d", sw.Scanned, sw.Deleted)
	}
	line := b.String()

	switch {
	case sw.Error != "":
		return m.theme.StatusFailed.Render(line + "  error: " + sw.Error)
	case sw.Failed > 0:
		return m.theme.StatusRunning.Render(fmt.Sprintf("%s  failed %d", line, sw.Failed))
	default:
		return line
	}
}

func (m Model) innerWidth() int {
	if w := m.width - 4; w > 20 {
		return w
	}
	return 20
}
