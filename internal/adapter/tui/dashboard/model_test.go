package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/internal/domain"
	"trustgate/pkg/client"
)

type fakeSource struct {
	mu       sync.Mutex
	plugins  []domain.LoadedPlugin
	alerts   []domain.Alert
	enabled  []string
	resolved map[string]bool
	acked    []string
	listErr  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		plugins: []domain.LoadedPlugin{
			{Info: domain.PluginInfo{ID: "weather", Version: "2.0.0"}, State: domain.StateIdle},
			{Info: domain.PluginInfo{ID: "notes", Version: "1.0.0", Description: "Keeps notes."}, State: domain.StateAwaitingUser},
		},
		alerts: []domain.Alert{
			{ID: "a1", PluginID: "notes", Type: domain.AlertPluginCrash, Severity: domain.SeverityHigh, Message: "crashed"},
		},
		resolved: map[string]bool{},
	}
}

func (f *fakeSource) List(context.Context) ([]domain.LoadedPlugin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.LoadedPlugin(nil), f.plugins...), f.listErr
}

func (f *fakeSource) Metrics(context.Context) ([]domain.PluginMetrics, error) {
	return []domain.PluginMetrics{{PluginID: "notes", TotalExecutions: 12, ErrorCount: 1, CrashCount: 1}}, nil
}

func (f *fakeSource) Alerts(context.Context) ([]domain.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alerts, nil
}

func (f *fakeSource) Get(_ context.Context, id string) (client.Plugin, error) {
	for _, p := range f.plugins {
		if p.Info.ID == id {
			return client.Plugin{LoadedPlugin: p, Permissions: []domain.Permission{domain.PermissionStorage}, Crashes: 1}, nil
		}
	}
	return client.Plugin{}, domain.ErrPluginNotFound
}

func (f *fakeSource) Enable(_ context.Context, id string) (domain.LifecycleState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, id)
	return domain.StateIdle, nil
}

func (f *fakeSource) Resolve(_ context.Context, id string, restart bool) (domain.LifecycleState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved[id] = restart
	if !restart {
		return domain.StateDisabled, nil
	}
	return domain.StateRestarted, nil
}

func (f *fakeSource) ResolveAlert(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// ready returns a sized model holding one snapshot of src.
func ready(t *testing.T, src *fakeSource) *Model {
	t.Helper()
	m := New(Deps{Source: src, Server: "http://gw", MarkdownStyle: "notty"})
	m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	m.Update(m.fetchCmd()())
	return m
}

// run executes cmd and feeds its message back into the model.
func run(t *testing.T, m *Model, cmd tea.Cmd) tea.Msg {
	t.Helper()
	require.NotNil(t, cmd)
	msg := cmd()
	m.Update(msg)
	return msg
}

func TestSnapshotRendersPlugins(t *testing.T) {
	m := ready(t, newFakeSource())

	require.Len(t, m.plugins, 2)
	assert.Equal(t, "notes", m.plugins[0].Info.ID, "plugins are sorted by id")
	view := m.View()
	assert.Contains(t, view, "notes")
	assert.Contains(t, view, "weather")
	assert.Contains(t, view, "awaiting_user")
	assert.Contains(t, view, "http://gw")
	assert.Equal(t, 1, m.tabBar.Tabs[TabAlerts].Badge)
}

func TestPollErrorKeepsLastSnapshot(t *testing.T) {
	src := newFakeSource()
	m := ready(t, src)

	src.listErr = errors.New("connection refused")
	m.Update(m.fetchCmd()())
	assert.Len(t, m.plugins, 2)
	assert.Contains(t, m.View(), "connection refused")
}

func TestPluginActions(t *testing.T) {
	src := newFakeSource()
	m := ready(t, src)

	_, cmd := m.Update(key("r"))
	msg := run(t, m, cmd)
	assert.Equal(t, "restart notes: restarted", msg.(actionMsg).text)
	assert.True(t, src.resolved["notes"])

	m.Update(key("j"))
	sel, ok := m.selected()
	require.True(t, ok)
	assert.Equal(t, "weather", sel.Info.ID)

	_, cmd = m.Update(key("e"))
	run(t, m, cmd)
	assert.Equal(t, []string{"weather"}, src.enabled)
	assert.Equal(t, "enable weather: idle", m.status.Extra)

	m.Update(key("j"))
	sel, _ = m.selected()
	assert.Equal(t, "weather", sel.Info.ID, "cursor stays on the last row")

	m.Update(key("k"))
	_, cmd = m.Update(key("x"))
	run(t, m, cmd)
	assert.False(t, src.resolved["notes"])
}

func TestPluginDetail(t *testing.T) {
	m := ready(t, newFakeSource())

	_, cmd := m.Update(key("enter"))
	assert.Equal(t, "notes", m.detailID)
	msg := run(t, m, cmd)
	d := msg.(detailMsg)
	require.NoError(t, d.err)
	assert.Contains(t, m.View(), "Keeps notes.")
	assert.Contains(t, m.View(), "storage")

	m.Update(key("enter"))
	assert.Empty(t, m.detailID)

	// A detail that arrives after the selection moved is dropped.
	m.detailID = "weather"
	m.Update(detailMsg{id: "notes", rendered: "stale"})
	assert.NotEqual(t, "stale", m.detail)
}

func TestDescribe(t *testing.T) {
	md := describe(client.Plugin{
		LoadedPlugin: domain.LoadedPlugin{
			Info:  domain.PluginInfo{ID: "notes", Version: "1.0.0", Author: "ops"},
			State: domain.StateIdle,
			Quota: domain.ResourceQuota{MemoryLimit: 64 << 20, MaxExecutionTime: time.Second},
		},
		Strategy:    domain.StrategyAutoRestart,
		Permissions: []domain.Permission{domain.PermissionNetwork},
		Helpers:     []domain.ProcessSession{{Command: "/bin/sleep", PID: 42, Status: domain.ProcessStatusRunning}},
	})
	assert.Contains(t, md, "# notes 1.0.0")
	assert.Contains(t, md, "| Author | ops |")
	assert.Contains(t, md, "| Memory limit | 64 MiB |")
	assert.Contains(t, md, "| Recovery | auto_restart |")
	assert.Contains(t, md, "- network")
	assert.Contains(t, md, "`/bin/sleep` pid 42 (running)")
}

func TestEventsFeedAndFilter(t *testing.T) {
	events := make(chan domain.Event, 4)
	src := newFakeSource()
	m := New(Deps{Source: src, Events: events, MarkdownStyle: "notty"})
	m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})

	events <- domain.Event{Type: domain.EventPluginCrashed, PluginID: "notes", Timestamp: time.Now()}
	events <- domain.Event{Type: domain.EventPluginExecuted, PluginID: "weather", Timestamp: time.Now()}

	_, cmd := m.Update(waitForEvent(events)())
	assert.NotNil(t, cmd, "a lifecycle event refreshes and keeps reading")
	m.Update(waitForEvent(events)())
	assert.Equal(t, 2, m.events.EventCount())

	m.Update(key("2"))
	assert.Equal(t, TabEvents, m.activeTab)
	m.Update(key("c"))
	assert.Equal(t, 1, m.events.FilteredCount())
	assert.Contains(t, m.View(), "plugin.crashed")
	m.Update(key("a"))
	assert.Equal(t, 2, m.events.FilteredCount())

	close(events)
	m.Update(waitForEvent(events)())
	assert.True(t, m.status.Error)
	assert.Equal(t, "event stream closed", m.status.Extra)
}

func TestAlertsTab(t *testing.T) {
	src := newFakeSource()
	m := ready(t, src)

	m.Update(key("tab"))
	m.Update(key("tab"))
	assert.Equal(t, TabAlerts, m.activeTab)
	assert.Contains(t, m.View(), "crashed")

	_, cmd := m.Update(key("enter"))
	run(t, m, cmd)
	assert.Equal(t, []string{"a1"}, src.acked)
}

func TestQuit(t *testing.T) {
	m := ready(t, newFakeSource())
	_, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
