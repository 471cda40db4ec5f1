package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"trustgate/internal/adapter/tui/dashboard"
	"trustgate/internal/domain"
	"trustgate/pkg/client"
)

const defaultAPIAddr = "http://127.0.0.1:8470"

// apiBase turns a listen address such as ":8470" into a base URL.
func apiBase(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func runStatus(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlags("status")
	addr := fs.String("addr", envOr("TRUSTGATE_API_ADDR", defaultAPIAddr), "operator API address")
	token := fs.String("token", os.Getenv("TRUSTGATE_API_TOKEN"), "bearer token")
	follow := fs.Bool("follow", false, "stream events after printing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := client.New(apiBase(*addr), client.WithToken(*token))
	if fs.NArg() > 0 {
		if err := printPlugin(ctx, c, fs.Arg(0), stdout); err != nil {
			return err
		}
	} else if err := printPlugins(ctx, c, stdout); err != nil {
		return err
	}
	if !*follow {
		return nil
	}

	events, err := c.Events(ctx, client.EventFilter{PluginID: fs.Arg(0)})
	if err != nil {
		return err
	}
	for ev := range events {
		plugin := ev.PluginID
		if plugin == "" {
			plugin = "-"
		}
		fmt.Fprintf(stdout, "%s  %-24s %s %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, plugin, ev.Payload)
	}
	return nil
}

func printPlugins(ctx context.Context, c *client.Client, stdout io.Writer) error {
	plugins, err := c.List(ctx)
	if err != nil {
		return err
	}
	if len(plugins) == 0 {
		fmt.Fprintln(stdout, "no plugins loaded")
		return nil
	}
	metrics, err := c.Metrics(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]domain.PluginMetrics, len(metrics))
	for _, m := range metrics {
		byID[m.PluginID] = m
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATE\tRUNS\tERRORS\tCRASHES")
	for _, p := range plugins {
		m := byID[p.Info.ID]
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n", p.Info.ID, p.Info.Version, p.State, m.TotalExecutions, m.ErrorCount, m.CrashCount)
	}
	return w.Flush()
}

func printPlugin(ctx context.Context, c *client.Client, id string, stdout io.Writer) error {
	p, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runDashboard(ctx context.Context, args []string, _ io.Writer) error {
	fs := newFlags("dashboard")
	addr := fs.String("addr", envOr("TRUSTGATE_API_ADDR", defaultAPIAddr), "operator API address")
	token := fs.String("token", os.Getenv("TRUSTGATE_API_TOKEN"), "bearer token")
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	base := apiBase(*addr)
	c := client.New(base, client.WithToken(*token))
	if _, err := c.List(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", base, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := c.Events(ctx, client.EventFilter{})
	if err != nil {
		// The dashboard still works from polling alone.
		fmt.Fprintf(os.Stderr, "event stream unavailable: %v\n", err)
		events = nil
	}

	m := dashboard.New(dashboard.Deps{Source: c, Events: events, Server: base, Interval: *interval})
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
