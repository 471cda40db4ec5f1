package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"trustgate/cmd/trustgate/daemon"
)

// command is one trustgate subcommand. args excludes the command name.
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout io.Writer) error
}

func commands() []command {
	return []command{
		{"keygen", "Generate an RSA signing key pair", runKeygen},
		{"extract-key", "Write the public half of a private key", runExtractKey},
		{"pack", "Zip a plugin directory into a package", runPack},
		{"sign", "Sign a plugin package", runSign},
		{"verify", "Check a package's signature against trusted keys", runVerify},
		{"inspect", "Print a package's manifest and contents", runInspect},
		{"run", "Load one package and execute a command on it", runOnce},
		{"serve", "Run the gateway daemon with the operator API", runServe},
		{"status", "Show plugins on a running gateway", runStatus},
		{"dashboard", "Open the live terminal dashboard", runDashboard},
		{"doctor", "Check configuration, keys and packages", runDoctor},
		{"daemon", "Install, remove or query the system service", runDaemon},
	}
}

func main() {
	if len(os.Args) < 2 {
		showUsage(os.Stderr)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage(os.Stdout)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, c := range commands() {
		if c.name != os.Args[1] {
			continue
		}
		if err := c.run(ctx, os.Args[2:], os.Stdout); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return
			}
			fmt.Fprintf(os.Stderr, "%s: %v\n", c.name, err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'trustgate --help' for usage information.\n", os.Args[1])
	os.Exit(1)
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, "trustgate - signed plugin gateway\n\nUSAGE:\n    trustgate <COMMAND> [FLAGS]\n\nCOMMANDS:")
	for _, c := range commands() {
		fmt.Fprintf(w, "    %-12s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w, "\nRun 'trustgate <COMMAND> -h' for command flags.")
}

// defaultConfigPath is $TRUSTGATE_CONFIG, else ~/.trustgate/config.yaml.
func defaultConfigPath() string {
	if p := os.Getenv("TRUSTGATE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".trustgate", "config.yaml")
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("trustgate "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// requireArgs checks the positional argument count after flag parsing.
func requireArgs(fs *flag.FlagSet, n int, usage string) error {
	if fs.NArg() < n {
		return fmt.Errorf("usage: trustgate %s", usage)
	}
	return nil
}

func runDaemon(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlags("daemon")
	cfgPath := fs.String("config", defaultConfigPath(), "config file the service runs with")
	name := fs.String("name", daemon.Name, "service name")
	printOnly := fs.Bool("print", false, "with install, print the service definition instead of installing it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireArgs(fs, 1, "daemon [-config file] [-name name] [-print] <install|uninstall|status>"); err != nil {
		return err
	}

	switch fs.Arg(0) {
	case "install":
		cfg := daemon.DefaultConfig()
		cfg.Name = *name
		abs, err := filepath.Abs(*cfgPath)
		if err != nil {
			return err
		}
		cfg.ConfigPath = abs
		if *printOnly {
			def, err := daemon.Render(runtime.GOOS, cfg)
			if err != nil {
				return err
			}
			_, err = io.WriteString(stdout, def)
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := daemon.Install(cfg); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "installed %s\n", cfg.Name)
		return nil
	case "uninstall":
		return daemon.Uninstall(*name)
	case "status":
		st, err := daemon.CurrentStatus(*name)
		if err != nil {
			return err
		}
		if st.Running {
			fmt.Fprintf(stdout, "%s is running (PID %d)\n", *name, st.PID)
		} else {
			fmt.Fprintf(stdout, "%s is not running\n", *name)
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", fs.Arg(0))
	}
}
