// Package dashboard implements the Bubble Tea operator dashboard for a
// running trustgate gateway.
package dashboard

import (
	"time"

	"trustgate/internal/domain"
)

// snapshotMsg is one poll of the gateway.
type snapshotMsg struct {
	plugins []domain.LoadedPlugin
	metrics map[string]domain.PluginMetrics
	alerts  []domain.Alert
	at      time.Time
	err     error
}

// tickMsg schedules the next poll.
type tickMsg time.Time

// eventMsg carries one event from the stream.
type eventMsg struct {
	event domain.Event
}

// streamClosedMsg reports that the event stream ended.
type streamClosedMsg struct{}

// actionMsg is the result of an operator action.
type actionMsg struct {
	text string
	err  error
}

// detailMsg carries the rendered detail view of one plugin.
type detailMsg struct {
	id       string
	rendered string
	err      error
}
