// Package components provides reusable Bubble Tea sub-models for the TUI.
package components

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"trustgate/internal/adapter/tui/theme"
)

// Tab represents a single tab entry.
type Tab struct {
	ID    string
	Label string
	Badge int // 0 hides the badge
}

// TabBarModel is a horizontal tab bar. The parent model routes keys to
// Next, Prev and SetActive.
type TabBarModel struct {
	Tabs      []Tab
	Active    int
	width     int
	collapsed bool
}

// NewTabBar creates a tab bar with the given tabs. The first tab is active.
func NewTabBar(tabs []Tab) TabBarModel {
	return TabBarModel{Tabs: tabs}
}

// SetWidth updates the available width and collapses labels when narrow.
func (m *TabBarModel) SetWidth(w int) {
	m.width = w
	m.collapsed = w < theme.MinTabWidth
}

// Next advances to the next tab, wrapping around.
func (m *TabBarModel) Next() {
	if len(m.Tabs) == 0 {
		return
	}
	m.Active = (m.Active + 1) % len(m.Tabs)
}

// Prev moves to the previous tab, wrapping around.
func (m *TabBarModel) Prev() {
	if len(m.Tabs) == 0 {
		return
	}
	m.Active = (m.Active - 1 + len(m.Tabs)) % len(m.Tabs)
}

// SetActive sets the active tab by index.
func (m *TabBarModel) SetActive(i int) {
	if i >= 0 && i < len(m.Tabs) {
		m.Active = i
	}
}

// SetBadge sets the badge count of the tab with id.
func (m *TabBarModel) SetBadge(id string, n int) {
	for i := range m.Tabs {
		if m.Tabs[i].ID == id {
			m.Tabs[i].Badge = n
		}
	}
}

// View renders the tab bar.
func (m TabBarModel) View() string {
	if len(m.Tabs) == 0 {
		return ""
	}

	if m.collapsed {
		t := m.Tabs[m.Active]
		counter := theme.Dim.Render("[" + strconv.Itoa(m.Active+1) + "/" + strconv.Itoa(len(m.Tabs)) + "]")
		return lipgloss.JoinHorizontal(lipgloss.Center, theme.TabActive.Render(t.Label), " ", counter)
	}

	parts := make([]string, 0, len(m.Tabs))
	for i, t := range m.Tabs {
		label := strconv.Itoa(i+1) + " " + t.Label
		if t.Badge > 0 {
			label += " " + theme.TextWarning.Render(strconv.Itoa(t.Badge))
		}
		if i == m.Active {
			parts = append(parts, theme.TabActive.Render(label))
		} else {
			parts = append(parts, theme.TabNormal.Render(label))
		}
	}
	bar := lipgloss.JoinHorizontal(lipgloss.Center, parts...)

	if m.width > 0 {
		if remaining := m.width - lipgloss.Width(bar); remaining > 0 {
			bar += theme.TabNormal.UnsetPadding().Render(strings.Repeat(" ", remaining))
		}
	}
	return bar
}
