package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/liliang-cn/fleetrun/pkg/dispatch"
	"github.com/liliang-cn/fleetrun/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	Version = "dev" // Set at build time

	configPath     string
	parallel       int
	timeout        time.Duration
	connectTimeout time.Duration
	retryInterval  time.Duration
	hostKeyCheck   string
	logLevel       string
	noTUI          bool // Disable TUI mode, use text output
	printStatus    bool
	metricsFile    string
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	var exitErr *exitError
	if err != nil && (!errors.As(err, &exitErr) || exitErr.err != nil) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.code < 0 {
			// Killed by a signal.
			return 255
		}
		return exitErr.code
	}
	return 1
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "fleetrun",
		Short:   "Run commands on a fleet of hosts over SSH",
		Version: Version,
		Long: `fleetrun - Connect to many hosts at once, waiting out hosts that are
still booting, and run the same command on all of them.

Examples:
  fleetrun exec --hosts web -- uptime
  fleetrun exec --hosts web --policy fail-fast -- systemctl restart nginx
  fleetrun run --host 10.0.0.5 -- cat /etc/hostname
  fleetrun shell --host 10.0.0.5
  fleetrun keygen --out ./keys`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Config file path (default: ~/.fleetrun/config.toml)")
	flags.IntVarP(&parallel, "parallel", "p", 0, "Hosts to run at once, 0 for all (default: from config)")
	flags.DurationVarP(&timeout, "timeout", "t", 0, "Per-command timeout (default: none)")
	flags.DurationVar(&connectTimeout, "connect-timeout", 0, "Bound on a single connection attempt (default: 3s)")
	flags.DurationVar(&retryInterval, "retry-interval", 0, "Wait between connection attempts (default: 5s)")
	flags.StringVar(&hostKeyCheck, "host-key-check", "", "Host key checking: accept-new, strict or off (default: accept-new)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	flags.BoolVar(&noTUI, "no-tui", false, "Disable TUI mode, use text output")
	flags.BoolVar(&printStatus, "print-status", true, `Log "[host] SSH online." when a host connects`)
	flags.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(hostsCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// newClient loads the inventory with command line overrides applied.
func newClient() (*dispatch.Dispatch, error) {
	d, err := dispatch.New(&dispatch.Config{
		ConfigPath: configPath,
		SSH: &dispatch.SSHConfig{
			HostKeyCheck:   hostKeyCheck,
			ConnectTimeout: connectTimeout,
			RetryInterval:  retryInterval,
		},
		Exec: &dispatch.ExecConfig{
			Timeout: timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}

	if logLevel != "" {
		d.Logger().SetLevel(logger.ParseLogLevel(logLevel))
	}
	logger.SetDefault(d.Logger())
	return d, nil
}

// runOptions maps global flags that were set explicitly to run options.
func runOptions(cmd *cobra.Command) []dispatch.RunOption {
	var opts []dispatch.RunOption
	if cmd.Flags().Changed("parallel") {
		opts = append(opts, dispatch.WithParallel(parallel))
	}
	if cmd.Flags().Changed("print-status") {
		opts = append(opts, dispatch.WithPrintStatus(printStatus))
	}
	return opts
}

// finish flushes the logger and writes metrics if requested.
func finish(d *dispatch.Dispatch) {
	if metricsFile != "" {
		if err := d.Metrics().WriteToTextfile(metricsFile); err != nil {
			d.Logger().Warn("failed to write metrics: %v", err)
		}
	}
	_ = d.Logger().Sync()
}

// commandLine joins the arguments after "--" into one remote command.
func commandLine(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
