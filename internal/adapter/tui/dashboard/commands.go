package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"trustgate/internal/domain"
	"trustgate/pkg/client"
)

// Source is the gateway the dashboard watches. *client.Client satisfies it.
type Source interface {
	List(ctx context.Context) ([]domain.LoadedPlugin, error)
	Metrics(ctx context.Context) ([]domain.PluginMetrics, error)
	Alerts(ctx context.Context) ([]domain.Alert, error)
	Get(ctx context.Context, id string) (client.Plugin, error)
	Enable(ctx context.Context, id string) (domain.LifecycleState, error)
	Resolve(ctx context.Context, id string, restart bool) (domain.LifecycleState, error)
	ResolveAlert(ctx context.Context, id, resolution string) error
}

const requestTimeout = 10 * time.Second

func (m *Model) fetchCmd() tea.Cmd {
	src := m.deps.Source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		snap := snapshotMsg{at: time.Now()}

		plugins, err := src.List(ctx)
		if err != nil {
			snap.err = err
			return snap
		}
		sort.Slice(plugins, func(i, j int) bool { return plugins[i].Info.ID < plugins[j].Info.ID })
		snap.plugins = plugins

		metrics, err := src.Metrics(ctx)
		if err != nil {
			snap.err = err
			return snap
		}
		snap.metrics = make(map[string]domain.PluginMetrics, len(metrics))
		for _, pm := range metrics {
			snap.metrics[pm.PluginID] = pm
		}

		// The alerts route is absent when the server runs without an alert
		// store; the tab then stays empty.
		alerts, err := src.Alerts(ctx)
		if err != nil && !client.IsNotFound(err) {
			snap.err = err
		}
		snap.alerts = alerts
		return snap
	}
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// waitForEvent reads the next event off the stream.
func waitForEvent(events <-chan domain.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: ev}
	}
}

func (m *Model) actionCmd(desc string, fn func(ctx context.Context, src Source) (string, error)) tea.Cmd {
	src := m.deps.Source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		out, err := fn(ctx, src)
		if err != nil {
			return actionMsg{text: desc + ": " + err.Error(), err: err}
		}
		return actionMsg{text: desc + ": " + out}
	}
}

func (m *Model) detailCmd(id string, width int) tea.Cmd {
	src := m.deps.Source
	style := m.deps.MarkdownStyle
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		p, err := src.Get(ctx, id)
		if err != nil {
			return detailMsg{id: id, err: err}
		}
		out, err := renderMarkdown(describe(p), style, width)
		return detailMsg{id: id, rendered: out, err: err}
	}
}

func renderMarkdown(md, style string, width int) (string, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}

// describe renders a plugin's detail view as markdown.
func describe(p client.Plugin) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s %s\n\n", p.Info.ID, p.Info.Version)
	if p.Info.Description != "" {
		sb.WriteString(p.Info.Description + "\n\n")
	}
	sb.WriteString("| | |\n|---|---|\n")
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&sb, "| %s | %s |\n", k, v)
		}
	}
	row("Name", p.Info.Name)
	row("Author", p.Info.Author)
	row("State", string(p.State))
	row("Recovery", string(p.Strategy))
	row("Crashes", fmt.Sprint(p.Crashes))
	row("Archive", "`"+p.Archive+"`")
	if !p.LoadedAt.IsZero() {
		row("Loaded", p.LoadedAt.Format(time.RFC3339))
	}
	row("Memory limit", fmt.Sprintf("%d MiB", p.Quota.MemoryLimit>>20))
	row("Storage limit", fmt.Sprintf("%d KiB", p.Quota.StorageLimit>>10))
	row("Time limit", p.Quota.MaxExecutionTime.String())

	if len(p.Permissions) > 0 {
		sb.WriteString("\n## Permissions\n\n")
		for _, perm := range p.Permissions {
			fmt.Fprintf(&sb, "- %s\n", perm)
		}
	}
	if u := p.Usage; u != nil {
		sb.WriteString("\n## Usage\n\n")
		fmt.Fprintf(&sb, "- memory: %d bytes\n- storage: %d bytes\n- network requests: %d\n",
			u.MemoryUsed, u.StorageUsed, u.NetworkRequests)
	}
	if len(p.Helpers) > 0 {
		sb.WriteString("\n## Helper processes\n\n")
		for _, h := range p.Helpers {
			fmt.Fprintf(&sb, "- `%s` pid %d (%s)\n", h.Command, h.PID, h.Status)
		}
	}
	return sb.String()
}
