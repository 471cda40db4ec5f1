package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"trustgate/internal/adapter/tui/theme"
)

// KeyHint represents a single keybinding hint shown in the status bar.
type KeyHint struct {
	Key  string // e.g. "Enter"
	Desc string // e.g. "Enable"
}

// StatusBarModel renders a bottom status bar with keybinding hints on the
// left and connection details on the right.
type StatusBarModel struct {
	Hints  []KeyHint
	Server string
	Extra  string // transient status, e.g. the last action's result
	Error  bool   // render Extra as an error
	width  int
}

// NewStatusBar creates an empty status bar.
func NewStatusBar() StatusBarModel {
	return StatusBarModel{}
}

// SetWidth updates the available width.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// View renders the status bar as a single line.
func (m StatusBarModel) View() string {
	hints := make([]string, 0, len(m.Hints))
	for _, h := range m.Hints {
		hints = append(hints, theme.StatusKey.Render(h.Key)+": "+h.Desc)
	}
	left := strings.Join(hints, "  "+theme.Dim.Render("|")+"  ")

	var right []string
	if m.Extra != "" {
		style := theme.TextInfo
		if m.Error {
			style = theme.TextError
		}
		right = append(right, style.Render(m.Extra))
	}
	if m.Server != "" {
		right = append(right, theme.TextMuted.Render(m.Server))
	}
	r := strings.Join(right, "  ")

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(r) - 2
	if gap < 1 {
		gap = 1
	}
	return theme.StatusBar.Width(m.width).Render(left + strings.Repeat(" ", gap) + r)
}
