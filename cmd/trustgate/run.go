package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"trustgate/internal/domain"
	"trustgate/internal/infra/config"
	"trustgate/internal/infra/logger"
)

// terminalPrompter answers recovery prompts from a line-oriented reader.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: bufio.NewReader(in), out: out}
}

func (p *terminalPrompter) PromptRecovery(ctx context.Context, pluginID string, crash domain.CrashRecord) (bool, error) {
	fmt.Fprintf(p.out, "\nplugin %s crashed: %s\nrestart it? [y/N] ", pluginID, crash.Error)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line, err}
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.line == "" {
			return false, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

// parseArgs turns k=v pairs into an execution argument map.
func parseArgs(pairs []string) (map[string]string, error) {
	args := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not key=value", kv)
		}
		args[k] = v
	}
	return args, nil
}

func runOnce(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlags("run")
	var keyPaths stringList
	fs.Var(&keyPaths, "key", "additional trusted public key (repeatable)")
	cfgPath := fs.String("config", defaultConfigPath(), "config file")
	strategy := fs.String("strategy", "", "recovery strategy for this run (default: from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireArgs(fs, 2, "run [-key public.pem]... <package.zip> <command> [key=value]..."); err != nil {
		return err
	}
	execArgs, err := parseArgs(fs.Args()[2:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *strategy != "" {
		cfg.Recovery.DefaultStrategy = *strategy
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	c, err := buildComponents(ctx, cfg, log, buildOptions{
		prompter: newTerminalPrompter(os.Stdin, os.Stderr),
		keyPaths: keyPaths,
	})
	if err != nil {
		return err
	}
	defer c.Close(context.WithoutCancel(ctx))

	info, err := c.Gateway.Load(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	out, err := c.Gateway.ExecuteOutcome(ctx, info.ID, fs.Arg(1), execArgs)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out.Output)
	fmt.Fprintf(os.Stderr, "%s %s: %s in %s, %d bytes memory\n",
		info.ID, info.Version, fs.Arg(1), out.Duration.Round(time.Millisecond), out.MemoryUsed)
	return nil
}
