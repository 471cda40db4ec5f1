package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"trustgate/internal/adapter/tui/theme"
	"trustgate/internal/domain"
)

const maxEventEntries = 500

// EventStreamModel is a scrollable event log that follows new events while
// scrolled to the bottom.
type EventStreamModel struct {
	Viewport viewport.Model
	events   []domain.Event
	filter   string // event type prefix; empty shows all
	ready    bool
	atBottom bool
}

// NewEventStream creates an event stream viewer.
func NewEventStream() EventStreamModel {
	return EventStreamModel{atBottom: true}
}

// SetSize sets the viewport dimensions.
func (m *EventStreamModel) SetSize(w, h int) {
	if !m.ready {
		m.Viewport = viewport.New(w, h)
		m.Viewport.MouseWheelEnabled = true
		m.Viewport.MouseWheelDelta = 3
		m.ready = true
	} else {
		m.Viewport.Width = w
		m.Viewport.Height = h
	}
	m.refresh()
}

// SetFilter shows only events whose type starts with prefix.
func (m *EventStreamModel) SetFilter(prefix string) {
	m.filter = prefix
	m.refresh()
}

// Filter returns the active type prefix.
func (m EventStreamModel) Filter() string { return m.filter }

// AddEvent appends an event, dropping the oldest past the cap.
func (m *EventStreamModel) AddEvent(ev domain.Event) {
	m.events = append(m.events, ev)
	if len(m.events) > maxEventEntries {
		m.events = m.events[len(m.events)-maxEventEntries:]
	}
	m.refresh()
	if m.atBottom && m.ready {
		m.Viewport.GotoBottom()
	}
}

// Update handles viewport scrolling.
func (m EventStreamModel) Update(msg tea.Msg) (EventStreamModel, tea.Cmd) {
	if !m.ready {
		return m, nil
	}
	var cmd tea.Cmd
	m.Viewport, cmd = m.Viewport.Update(msg)
	m.atBottom = m.Viewport.AtBottom()
	return m, cmd
}

// EventCount returns the number of buffered events.
func (m EventStreamModel) EventCount() int { return len(m.events) }

// FilteredCount returns the number of events the filter shows.
func (m EventStreamModel) FilteredCount() int {
	n := 0
	for _, ev := range m.events {
		if m.matches(ev) {
			n++
		}
	}
	return n
}

// View renders the event stream.
func (m EventStreamModel) View() string {
	if !m.ready {
		return ""
	}
	return m.Viewport.View()
}

func (m EventStreamModel) matches(ev domain.Event) bool {
	return m.filter == "" || strings.HasPrefix(string(ev.Type), m.filter)
}

func (m *EventStreamModel) refresh() {
	if !m.ready {
		return
	}
	if len(m.events) == 0 {
		m.Viewport.SetContent(theme.TextMuted.Render("  Waiting for events..."))
		return
	}

	var sb strings.Builder
	for _, ev := range m.events {
		if !m.matches(ev) {
			continue
		}
		plugin := ev.PluginID
		if plugin == "" {
			plugin = "-"
		}
		fmt.Fprintf(&sb, "  %s  %s %-16s %s\n",
			theme.Dim.Render(ev.Timestamp.Format("15:04:05")),
			eventStyle(ev.Type).Render(fmt.Sprintf("%-24s", ev.Type)),
			plugin,
			theme.TextMuted.Render(theme.Truncate(string(ev.Payload), m.Viewport.Width-50)),
		)
	}
	m.Viewport.SetContent(sb.String())
}

func eventStyle(t domain.EventType) lipgloss.Style {
	switch t {
	case domain.EventPluginCrashed, domain.EventPluginDisabled, domain.EventPluginRejected:
		return theme.TextError
	case domain.EventAlertRaised, domain.EventResourceWarning:
		return theme.TextWarning
	case domain.EventPluginRecovered, domain.EventPluginAdmitted:
		return theme.TextSuccess
	case domain.EventPluginExecuted:
		return theme.TextInfo
	}
	if strings.HasPrefix(string(t), "process.") {
		return theme.TextAccent
	}
	return theme.TextMuted
}
