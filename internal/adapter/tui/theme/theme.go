// Package theme holds the dashboard's colors and styles.
// All styles use adaptive colors that work on both light and dark terminals.
//
// NO_COLOR (https://no-color.org/) is respected by lipgloss via its color
// profile detection.
package theme

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"trustgate/internal/domain"
)

var (
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	ColorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	ColorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	ColorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	ColorBorder  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}

	ColorBgAlt    = lipgloss.AdaptiveColor{Light: "#f5f5f5", Dark: "#2d2d2d"}
	ColorFgDim    = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
	ColorTabBg    = lipgloss.AdaptiveColor{Light: "#e0e0e0", Dark: "#333333"}
	ColorTabFg    = lipgloss.AdaptiveColor{Light: "#616161", Dark: "#9e9e9e"}
	ColorTabActBg = lipgloss.AdaptiveColor{Light: "#1565c0", Dark: "#42a5f5"}
	ColorTabActFg = lipgloss.AdaptiveColor{Light: "#ffffff", Dark: "#1e1e1e"}
)

// Symbols fall back to ASCII on terminals that are not UTF-8.
var (
	SymbolOK       = "✓"
	SymbolFail     = "✗"
	SymbolWarn     = "⚠"
	SymbolDot      = "●"
	SymbolCursor   = "▶"
	SymbolEllipsis = "…"
)

func init() {
	if !utf8Locale() {
		SymbolOK, SymbolFail, SymbolWarn = "+", "x", "!"
		SymbolDot, SymbolCursor, SymbolEllipsis = "*", ">", "..."
	}
}

func utf8Locale() bool {
	for _, k := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(v)
			return strings.Contains(v, "utf-8") || strings.Contains(v, "utf8")
		}
	}
	return true
}

var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	TextSuccess = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	TextError   = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	TextWarning = lipgloss.NewStyle().Foreground(ColorWarning).Bold(true)
	TextInfo    = lipgloss.NewStyle().Foreground(ColorInfo)
	TextAccent  = lipgloss.NewStyle().Foreground(ColorAccent)
	TextMuted   = lipgloss.NewStyle().Foreground(ColorMuted)

	Selected = lipgloss.NewStyle().Background(ColorBgAlt).Bold(true)
	Panel    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)
)

var (
	TabNormal = lipgloss.NewStyle().
			Foreground(ColorTabFg).
			Background(ColorTabBg).
			Padding(0, 2)

	TabActive = lipgloss.NewStyle().
			Foreground(ColorTabActFg).
			Background(ColorTabActBg).
			Bold(true).
			Padding(0, 2)
)

var (
	StatusBar = lipgloss.NewStyle().
			Foreground(ColorFgDim).
			Background(ColorBgAlt).
			Padding(0, 1)

	StatusKey = lipgloss.NewStyle().
			Foreground(ColorInfo).
			Bold(true)

	StatValue = lipgloss.NewStyle().
			Foreground(ColorInfo).
			Bold(true)
)

// MinTabWidth is the narrowest terminal that shows every tab label.
const MinTabWidth = 60

// State renders a lifecycle state in the color an operator should read it in.
func State(s domain.LifecycleState) string {
	switch s {
	case domain.StateIdle, domain.StateRunning, domain.StateAdmitted, domain.StateRestarted:
		return TextSuccess.Render(string(s))
	case domain.StateCrashed, domain.StateDisabled:
		return TextError.Render(string(s))
	case domain.StateAwaitingUser, domain.StateRecovering:
		return TextWarning.Render(string(s))
	default:
		return TextMuted.Render(string(s))
	}
}

// Severity renders an alert severity.
func Severity(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return TextError.Render(SymbolFail + " " + s.String())
	case domain.SeverityHigh, domain.SeverityMedium:
		return TextWarning.Render(SymbolWarn + " " + s.String())
	default:
		return TextMuted.Render(SymbolDot + " " + s.String())
	}
}

// Truncate shortens s to at most n display cells.
func Truncate(s string, n int) string {
	if n <= 0 || lipgloss.Width(s) <= n {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && lipgloss.Width(string(r))+lipgloss.Width(SymbolEllipsis) > n {
		r = r[:len(r)-1]
	}
	return string(r) + SymbolEllipsis
}
