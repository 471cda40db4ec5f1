package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"trustgate/internal/adapter/tui/components"
	"trustgate/internal/adapter/tui/theme"
	"trustgate/internal/domain"
)

// Ensure *Model satisfies tea.Model.
var _ tea.Model = (*Model)(nil)

// Tab identifies which tab is active.
type Tab int

const (
	TabPlugins Tab = iota
	TabEvents
	TabAlerts
)

// Deps are the dashboard's inputs.
type Deps struct {
	Source Source
	// Events is the live event stream; nil disables the Events tab feed.
	Events <-chan domain.Event
	// Server labels the status bar.
	Server string
	// Interval between polls. Zero means 2s.
	Interval time.Duration
	// MarkdownStyle is a glamour standard style name; empty detects the
	// terminal background.
	MarkdownStyle string
}

// Model is the root Bubble Tea model of the dashboard.
type Model struct {
	deps Deps

	activeTab Tab
	tabBar    components.TabBarModel
	events    components.EventStreamModel
	status    components.StatusBarModel

	plugins     []domain.LoadedPlugin
	metrics     map[string]domain.PluginMetrics
	alerts      []domain.Alert
	cursor      int
	alertCursor int
	lastPoll    time.Time
	pollErr     error

	detailID string
	detail   string

	width  int
	height int
}

// New creates the dashboard model.
func New(deps Deps) *Model {
	if deps.Interval <= 0 {
		deps.Interval = 2 * time.Second
	}
	m := &Model{
		deps: deps,
		tabBar: components.NewTabBar([]components.Tab{
			{ID: "plugins", Label: "Plugins"},
			{ID: "events", Label: "Events"},
			{ID: "alerts", Label: "Alerts"},
		}),
		events:  components.NewEventStream(),
		status:  components.NewStatusBar(),
		metrics: map[string]domain.PluginMetrics{},
	}
	m.status.Server = deps.Server
	return m
}

// Init starts polling and the event feed.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd(m.deps.Interval), waitForEvent(m.deps.Events))
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd(m.deps.Interval))

	case snapshotMsg:
		m.pollErr = msg.err
		if msg.err == nil || msg.plugins != nil {
			m.plugins = msg.plugins
			if msg.metrics != nil {
				m.metrics = msg.metrics
			}
			m.alerts = msg.alerts
			m.lastPoll = msg.at
		}
		m.cursor = clampIndex(m.cursor, len(m.plugins))
		m.alertCursor = clampIndex(m.alertCursor, len(m.alerts))
		m.tabBar.SetBadge("alerts", len(m.alerts))
		return m, nil

	case eventMsg:
		m.events.AddEvent(msg.event)
		var cmd tea.Cmd
		if msg.event.Type != domain.EventPluginExecuted {
			// Lifecycle events change what the plugin table shows.
			cmd = m.fetchCmd()
		}
		return m, tea.Batch(cmd, waitForEvent(m.deps.Events))

	case streamClosedMsg:
		m.setStatus("event stream closed", true)
		return m, nil

	case actionMsg:
		m.setStatus(msg.text, msg.err != nil)
		return m, m.fetchCmd()

	case detailMsg:
		if msg.id != m.detailID {
			return m, nil
		}
		if msg.err != nil {
			m.detail = theme.TextError.Render("  " + msg.err.Error())
		} else {
			m.detail = msg.rendered
		}
		return m, nil
	}

	if m.activeTab == TabEvents {
		var cmd tea.Cmd
		m.events, cmd = m.events.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "tab":
		m.tabBar.Next()
		m.activeTab = Tab(m.tabBar.Active)
		return m, nil
	case "shift+tab":
		m.tabBar.Prev()
		m.activeTab = Tab(m.tabBar.Active)
		return m, nil
	case "1", "2", "3":
		m.setTab(Tab(msg.String()[0] - '1'))
		return m, nil
	case "g":
		return m, m.fetchCmd()
	}

	switch m.activeTab {
	case TabPlugins:
		return m.pluginKey(msg)
	case TabAlerts:
		return m.alertKey(msg)
	case TabEvents:
		switch msg.String() {
		case "a":
			m.events.SetFilter("")
			return m, nil
		case "c":
			m.events.SetFilter(string(domain.EventPluginCrashed))
			return m, nil
		case "p":
			m.events.SetFilter("process.")
			return m, nil
		case "w":
			m.events.SetFilter(string(domain.EventAlertRaised))
			return m, nil
		}
		var cmd tea.Cmd
		m.events, cmd = m.events.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) pluginKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		m.cursor = clampIndex(m.cursor+1, len(m.plugins))
		m.detailID = ""
	case "k", "up":
		m.cursor = clampIndex(m.cursor-1, len(m.plugins))
		m.detailID = ""
	case "esc":
		m.detailID = ""
	}
	p, ok := m.selected()
	if !ok {
		return m, nil
	}
	id := p.Info.ID

	switch msg.String() {
	case "enter":
		if m.detailID == id {
			m.detailID = ""
			return m, nil
		}
		m.detailID, m.detail = id, theme.TextMuted.Render("  loading...")
		return m, m.detailCmd(id, m.width-4)
	case "e":
		return m, m.actionCmd("enable "+id, func(ctx context.Context, src Source) (string, error) {
			s, err := src.Enable(ctx, id)
			return string(s), err
		})
	case "r", "x":
		restart := msg.String() == "r"
		verb := "restart "
		if !restart {
			verb = "dismiss "
		}
		return m, m.actionCmd(verb+id, func(ctx context.Context, src Source) (string, error) {
			s, err := src.Resolve(ctx, id, restart)
			return string(s), err
		})
	}
	return m, nil
}

func (m *Model) alertKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		m.alertCursor = clampIndex(m.alertCursor+1, len(m.alerts))
	case "k", "up":
		m.alertCursor = clampIndex(m.alertCursor-1, len(m.alerts))
	case "enter":
		if len(m.alerts) == 0 {
			return m, nil
		}
		id := m.alerts[m.alertCursor].ID
		return m, m.actionCmd("resolve alert "+id, func(ctx context.Context, src Source) (string, error) {
			return "resolved", src.ResolveAlert(ctx, id, "acknowledged from dashboard")
		})
	}
	return m, nil
}

// View renders the dashboard.
func (m *Model) View() string {
	if m.width == 0 {
		return "  Initializing..."
	}

	var content string
	switch m.activeTab {
	case TabPlugins:
		content = m.pluginsView()
	case TabEvents:
		content = m.eventsView()
	case TabAlerts:
		content = m.alertsView()
	}

	m.status.Hints = m.hints()
	m.status.SetWidth(m.width)
	body := lipgloss.NewStyle().Height(m.contentHeight()).MaxHeight(m.contentHeight()).Render(content)
	return lipgloss.JoinVertical(lipgloss.Left, m.tabBar.View(), body, m.status.View())
}

func (m *Model) pluginsView() string {
	var sb strings.Builder
	if m.pollErr != nil {
		sb.WriteString(theme.TextError.Render("  "+theme.SymbolFail+" "+m.pollErr.Error()) + "\n")
	}
	if len(m.plugins) == 0 {
		sb.WriteString(theme.TextMuted.Render("  No plugins loaded") + "\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "  %-20s %-10s %-16s %8s %8s %8s %10s\n",
		"ID", "VERSION", "STATE", "RUNS", "ERRORS", "CRASHES", "AVG")
	var running, failing int
	for i, p := range m.plugins {
		pm := m.metrics[p.Info.ID]
		cursor := "  "
		if i == m.cursor {
			cursor = theme.TextInfo.Render(theme.SymbolCursor) + " "
		}
		line := fmt.Sprintf("%-20s %-10s %s %8d %8d %8d %10s",
			theme.Truncate(p.Info.ID, 20),
			theme.Truncate(p.Info.Version, 10),
			padRight(theme.State(p.State), 16),
			pm.TotalExecutions, pm.ErrorCount, pm.CrashCount,
			pm.AverageExecutionTime.Round(time.Microsecond))
		if i == m.cursor {
			line = theme.Selected.Render(line)
		}
		sb.WriteString(cursor + line + "\n")

		switch p.State {
		case domain.StateCrashed, domain.StateDisabled, domain.StateAwaitingUser:
			failing++
		default:
			running++
		}
	}

	sb.WriteString("\n  " + stat("Healthy", running) + "  " + stat("Needs attention", failing) +
		"  " + stat("Open alerts", len(m.alerts)))
	if !m.lastPoll.IsZero() {
		sb.WriteString("  " + theme.Dim.Render("updated "+m.lastPoll.Format("15:04:05")))
	}
	sb.WriteString("\n")

	if m.detailID != "" {
		sb.WriteString("\n" + m.detail)
	}
	return sb.String()
}

func (m *Model) eventsView() string {
	filter := m.events.Filter()
	if filter == "" {
		filter = "all"
	}
	header := fmt.Sprintf("  filter: %s  %s",
		theme.TextAccent.Render(filter),
		theme.Dim.Render(fmt.Sprintf("(%d of %d)", m.events.FilteredCount(), m.events.EventCount())))
	return header + "\n" + m.events.View()
}

func (m *Model) alertsView() string {
	if len(m.alerts) == 0 {
		return theme.TextMuted.Render("  No open alerts") + "\n"
	}
	var sb strings.Builder
	for i, a := range m.alerts {
		cursor := "  "
		if i == m.alertCursor {
			cursor = theme.TextInfo.Render(theme.SymbolCursor) + " "
		}
		line := fmt.Sprintf("%s  %s  %-16s %-24s %s",
			theme.Dim.Render(a.Timestamp.Format("01-02 15:04:05")),
			padRight(theme.Severity(a.Severity), 12),
			theme.Truncate(a.PluginID, 16),
			a.Type,
			theme.Truncate(a.Message, m.width-80))
		if i == m.alertCursor {
			line = theme.Selected.Render(line)
		}
		sb.WriteString(cursor + line + "\n")
	}
	return sb.String()
}

func (m *Model) hints() []components.KeyHint {
	hints := []components.KeyHint{{Key: "Tab", Desc: "Switch"}}
	switch m.activeTab {
	case TabPlugins:
		hints = append(hints,
			components.KeyHint{Key: "j/k", Desc: "Select"},
			components.KeyHint{Key: "Enter", Desc: "Detail"},
			components.KeyHint{Key: "e", Desc: "Enable"},
			components.KeyHint{Key: "r/x", Desc: "Restart/Dismiss"})
	case TabEvents:
		hints = append(hints, components.KeyHint{Key: "a/c/p/w", Desc: "Filter"})
	case TabAlerts:
		hints = append(hints, components.KeyHint{Key: "Enter", Desc: "Resolve"})
	}
	return append(hints, components.KeyHint{Key: "q", Desc: "Quit"})
}

func (m *Model) layout() {
	m.tabBar.SetWidth(m.width)
	m.status.SetWidth(m.width)
	m.events.SetSize(m.width, m.contentHeight()-1)
}

func (m *Model) contentHeight() int {
	h := m.height - 2
	if h < 5 {
		h = 5
	}
	return h
}

func (m *Model) setTab(t Tab) {
	m.activeTab = t
	m.tabBar.SetActive(int(t))
}

func (m *Model) setStatus(text string, isErr bool) {
	m.status.Extra, m.status.Error = text, isErr
}

func (m *Model) selected() (domain.LoadedPlugin, bool) {
	if m.cursor < 0 || m.cursor >= len(m.plugins) {
		return domain.LoadedPlugin{}, false
	}
	return m.plugins[m.cursor], true
}

func stat(label string, n int) string {
	return theme.TextMuted.Render(label+":") + " " + theme.StatValue.Render(fmt.Sprint(n))
}

func padRight(s string, w int) string {
	if gap := w - lipgloss.Width(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

func clampIndex(i, n int) int {
	if n == 0 || i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
