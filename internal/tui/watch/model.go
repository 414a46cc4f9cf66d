package watch

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/tubeaudio/internal/events"
)

const (
	healthInterval    = 5 * time.Second
	reconnectInterval = 3 * time.Second
)

// HealthState tracks service health from /healthz polling.
type HealthState struct {
	Status        string
	Version       string
	UptimeSeconds int64
	JobsInFlight  int
	WorkerSlots   int
	NamespaceRoot string
	LastSweepAt   *time.Time
	Connected     bool
	LastCheck     time.Time
}

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health   HealthState
	state    *State
	jobTable table.Model
	pulse    Pulse
	theme    Theme

	hubEvents chan events.Event
	lastID    *atomic.Int64

	lastError string
	now       func() time.Time
}

// New creates a watch model for the service at apiURL.
func New(apiURL, apiKey string) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Job", Width: 23},
			{Title: "Age", Width: 14},
			{Title: "Size", Width: 9},
			{Title: "Detail", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		state:     NewState(),
		jobTable:  t,
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
		lastID:    new(atomic.Int64),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.lastID, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.jobTable, cmd = m.jobTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeTable()

	case tickMsg:
		m.pulse.Decay(m.now())
		m.refreshRows()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.state.Apply(e)
		m.pulse.OnEvent(m.now())
		m.refreshRows()
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.Version = msg.Version
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.JobsInFlight = msg.JobsInFlight
		m.health.WorkerSlots = msg.WorkerSlots
		m.health.NamespaceRoot = msg.NamespaceRoot
		m.health.LastSweepAt = msg.LastSweepAt
		m.health.Connected = true
		m.health.LastCheck = m.now()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })

	case sseDisconnectedMsg:
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		// The pending receiveNextEvent keeps reading from hubEvents, so the
		// new subscription feeds the same loop.
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastID, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })
	}

	return m, nil
}

func (m *Model) resizeTable() {
	cols := m.jobTable.Columns()
	fixed := 0
	for _, c := range cols[:len(cols)-1] {
		fixed += c.Width + 2
	}
	if detail := m.width - 8 - fixed; detail > 10 {
		cols[len(cols)-1].Width = detail
		m.jobTable.SetColumns(cols)
	}
	if h := m.height - 16; h > 3 {
		m.jobTable.SetHeight(h)
	}
}

func (m *Model) refreshRows() {
	now := m.now()
	jobs := m.state.Jobs()
	rows := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, jobRow(j, now))
	}
	m.jobTable.SetRows(rows)
}

func jobRow(j *JobState, now time.Time) table.Row {
	age := "-"
	if !j.StartedAt.IsZero() {
		age = humanize.RelTime(j.StartedAt, now, "ago", "from now")
	}
	size := "-"
	if j.Size > 0 {
		size = humanize.Bytes(uint64(j.Size))
	}
	detail := j.Ref
	switch j.Status {
	case StatusSucceeded, StatusExpired:
		if j.File != "" {
			detail = j.File
		}
	case StatusFailed:
		detail = j.Stage + ": " + j.Error
	}
	return table.Row{statusGlyph(j.Status), j.ID, age, size, detail}
}

func statusGlyph(status string) string {
	switch status {
	case StatusRunning:
		return "▶"
	case StatusSucceeded:
		return "✓"
	case StatusFailed:
		return "✗"
	case StatusExpired:
		return "·"
	default:
		return "?"
	}
}
