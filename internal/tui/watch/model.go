package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/placqs/internal/api"
	"github.com/mattjoyce/placqs/internal/events"
	"github.com/mattjoyce/placqs/internal/outcome"
)

const (
	pollInterval      = 5 * time.Second
	reconnectDelay    = 3 * time.Second
	maxEventLog       = 50
	visibleEvents     = 8
	defaultTableRows  = 12
	timeColumnWidth   = 19
	statusColumnWidth = 8
)

// Model is the BubbleTea model for `log watch`.
type Model struct {
	client *Client
	node   string
	limit  int

	width  int
	height int

	health    api.HealthzResponse
	connected bool
	lastCheck time.Time

	entries     []outcome.Entry
	table       table.Model
	eventLog    []events.Event
	lastEventID int64
	hubEvents   chan events.Event

	spinner   spinner.Model
	theme     Theme
	lastError string
}

// New creates a watch model. node "" follows the dispatcher's own node.
func New(client *Client, node string, limit int) Model {
	theme := NewDefaultTheme()

	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(defaultTableRows),
	)
	t.SetStyles(theme.tableStyles())

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.Highlight

	return Model{
		client:    client,
		node:      node,
		limit:     limit,
		table:     t,
		hubEvents: make(chan events.Event, 100),
		spinner:   sp,
		theme:     theme,
	}
}

func columns(width int) []table.Column {
	msgWidth := width - timeColumnWidth - statusColumnWidth - 10
	if msgWidth < 20 {
		msgWidth = 20
	}
	return []table.Column{
		{Title: "Time", Width: timeColumnWidth},
		{Title: "Status", Width: statusColumnWidth},
		{Title: "Message", Width: msgWidth},
	}
}

func pollTick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		fetchLog(m.client, m.node, m.limit),
		pollTick(),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchLog(m.client, m.node, m.limit)
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(columns(msg.Width - 4))
		m.table.SetRows(m.rows())
		if h := msg.Height - 22; h > 3 {
			m.table.SetHeight(h)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tea.Batch(fetchHealth(m.client), fetchLog(m.client, m.node, m.limit), pollTick())

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}
		m.connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if e.Type == events.TypeDispatchOutcome || e.Type == events.TypeReaderAdded {
			cmds = append(cmds, fetchLog(m.client, m.node, m.limit))
		}
		return m, tea.Batch(cmds...)

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		m.connected = true
		m.lastCheck = time.Now()
		m.lastError = ""

	case logMsg:
		m.entries = msg.Entries
		m.table.SetRows(m.rows())

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.client, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

func (m Model) rows() []table.Row {
	rows := make([]table.Row, 0, len(m.entries))
	for _, e := range m.entries {
		rows = append(rows, table.Row{
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Status,
			e.Message,
		})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		m.renderHeader(),
		m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("OUTCOME LOG"),
			m.table.View(),
		)),
		m.renderEvents(),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusError.Render(" ! "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	innerWidth := m.width - 4

	status := m.theme.StatusOK.Render("HEALTHY")
	switch {
	case !m.connected:
		status = m.theme.StatusError.Render("CONNECTING")
	case m.health.Status != "" && m.health.Status != "ok":
		status = m.theme.StatusError.Render("DEGRADED")
	}

	clock := m.theme.Dim.Render(time.Now().Format("15:04:05"))
	title := fmt.Sprintf(" PLACQS WATCH %s", m.spinner.View())
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	stats := fmt.Sprintf(" %s  node %s  up %s  methods %d",
		status,
		m.theme.Highlight.Render(m.health.Node),
		formatDuration(time.Duration(m.health.UptimeSeconds)*time.Second),
		m.health.Methods,
	)

	counts := " " + formatCounts(m.health.Dispatched)
	if m.health.StoreError != "" {
		counts = m.theme.StatusError.Render(" store: " + m.health.StoreError)
	}

	return m.theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, titleLine, stats, counts))
}

func (m Model) renderEvents() string {
	innerWidth := m.width - 4
	if len(m.eventLog) == 0 {
		return m.theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("EVENT STREAM"),
			m.theme.Dim.Render("  Waiting for events..."),
		))
	}

	var lines []string
	for i, e := range m.eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, m.formatEvent(e))
	}
	return m.theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func (m Model) formatEvent(e events.Event) string {
	ts := m.theme.Dim.Render(e.At.Format("15:04:05"))

	style := m.theme.Dim
	var data map[string]any
	_ = json.Unmarshal(e.Data, &data)

	desc := ""
	switch e.Type {
	case events.TypeDispatchOutcome:
		status, _ := data["status"].(string)
		msg, _ := data["message"].(string)
		style = m.theme.StatusStyle(status)
		desc = msg
	case events.TypeReaderAdded:
		style = m.theme.StatusInfo
		node, _ := data["node"].(string)
		desc = "reader added on " + node
	default:
		desc = string(e.Data)
	}
	if len(desc) > 80 {
		desc = desc[:80] + "..."
	}
	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-17s", e.Type)), desc)
}

// formatCounts renders dispatch counters in a stable order.
func formatCounts(counts map[string]int64) string {
	order := []string{"ok", "domain_error", "decode_error", "not_found", "fault", "missing_status"}
	parts := make([]string, 0, len(order))
	for _, k := range order {
		parts = append(parts, fmt.Sprintf("%s %d", k, counts[k]))
	}
	return strings.Join(parts, "  ")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
