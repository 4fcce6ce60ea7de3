package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/liliang-cn/fleetrun/pkg/dispatch"
	"github.com/liliang-cn/fleetrun/pkg/executor"
	"github.com/liliang-cn/fleetrun/pkg/keygen"
	"github.com/liliang-cn/fleetrun/pkg/ssh"
	"github.com/liliang-cn/fleetrun/pkg/tui"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
)

// execCmd runs a command on many hosts
func execCmd() *cobra.Command {
	var hosts []string
	var input string
	var noCheck bool
	var policyName string

	cmd := &cobra.Command{
		Use:   "exec --hosts HOSTS [OPTIONS] -- COMMAND",
		Short: "Execute command on multiple hosts",
		Example: `  fleetrun exec --hosts web -- uptime
  fleetrun exec --hosts "host1,host2" -p 5 -- systemctl status nginx
  fleetrun exec --hosts web --input "y" -- ./script_needing_input.sh
  fleetrun exec --hosts web --policy collect-all --no-check -- test -f /etc/app.conf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := commandLine(args)
			if command == "" {
				return fmt.Errorf("command is required")
			}
			if len(hosts) == 0 {
				return fmt.Errorf("--hosts is required")
			}

			opts := runOptions(cmd)
			if cmd.Flags().Changed("input") {
				opts = append(opts, dispatch.WithInput(input))
			}
			if noCheck {
				opts = append(opts, dispatch.WithCheck(false))
			}
			if policyName != "" {
				policy, err := executor.ParsePolicy(policyName)
				if err != nil {
					return err
				}
				opts = append(opts, dispatch.WithPolicy(policy))
			}

			d, err := newClient()
			if err != nil {
				return err
			}
			defer finish(d)

			resolved, err := d.Inventory().GetHosts(hosts)
			if err != nil {
				return err
			}
			names := make([]string, len(resolved))
			for i, h := range resolved {
				names[i] = h.String()
			}

			out := cmd.OutOrStdout()
			useTUI := !noTUI && len(names) > 1 && isatty.IsTerminal(os.Stdout.Fd())

			var result *dispatch.FleetResult
			if useTUI {
				// The table shows when hosts come online.
				opts = append(opts, dispatch.WithPrintStatus(false))
				result, err = runWithTUI(cmd.Context(), d, hosts, command, names, opts)
			} else {
				fmt.Fprintf(out, "Executing on %d hosts...\n", len(names))
				fmt.Fprintf(out, "Command: %s\n\n", command)
				result, err = d.RunOnFleet(cmd.Context(), hosts, command, opts...)
				if result != nil {
					printResults(out, names, result)
				}
			}

			if result != nil {
				printSummary(out, result)
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Host group or comma-separated host list (required)")
	cmd.Flags().StringVar(&input, "input", "", "Standard input string to pass to the command")
	cmd.Flags().BoolVar(&noCheck, "no-check", false, "Do not treat a non-zero exit status as a failure")
	cmd.Flags().StringVar(&policyName, "policy", "", "Failure policy: wait-all, fail-fast or collect-all (default: from config)")

	return cmd
}

// runWithTUI drives the status table while the fleet runs. Quitting the
// table cancels the hosts still running.
func runWithTUI(ctx context.Context, d *dispatch.Dispatch, patterns []string, command string, names []string, opts []dispatch.RunOption) (*dispatch.FleetResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.NewFleetModel(command, names)
	program := tea.NewProgram(model, tea.WithoutSignalHandler(), tea.WithContext(ctx))

	type outcome struct {
		result *dispatch.FleetResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		r, err := d.RunOnFleet(ctx, patterns, command, append(opts, dispatch.WithObserver(tui.Observer(program)))...)
		program.Send(tui.DoneMsg{})
		done <- outcome{result: r, err: err}
	}()

	_, tuiErr := program.Run()
	cancel()
	o := <-done
	if tuiErr != nil && !errors.Is(tuiErr, tea.ErrProgramKilled) {
		return o.result, tuiErr
	}
	return o.result, o.err
}

func printResults(w io.Writer, names []string, result *dispatch.FleetResult) {
	failures := make(map[string]error, len(result.Failures))
	for _, f := range result.Failures {
		failures[f.Host] = f.Err
	}

	for _, name := range names {
		if r, ok := result.Hosts[name]; ok {
			printLines(w, name, "", r.Stdout)
			printLines(w, name, "stderr: ", r.Stderr)
			if r.ExitStatus != 0 {
				fmt.Fprintf(w, "  [%s] %s\n", name, failStyle.Render(fmt.Sprintf("x Exit code: %d", r.ExitStatus)))
			} else {
				fmt.Fprintf(w, "  [%s] %s\n", name, okStyle.Render("* Success"))
			}
			continue
		}
		if err, ok := failures[name]; ok {
			var cmdErr *ssh.CommandError
			if errors.As(err, &cmdErr) {
				printLines(w, name, "", cmdErr.Stdout)
				printLines(w, name, "stderr: ", cmdErr.Stderr)
			}
			fmt.Fprintf(w, "  [%s] %s\n", name, failStyle.Render("x Error: "+err.Error()))
		}
	}
}

func printLines(w io.Writer, host, prefix, text string) {
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(w, "[%s] %s%s\n", host, prefix, line)
	}
}

func printSummary(w io.Writer, result *dispatch.FleetResult) {
	elapsed := result.EndTime.Sub(result.StartTime).Round(time.Millisecond)
	fmt.Fprintf(w, "\n%d succeeded, %d failed (%s)\n", len(result.Hosts), len(result.Failures), elapsed)
}

// runCmd runs a command on one host and mirrors its output and status
func runCmd() *cobra.Command {
	var host string
	var input string
	var noCheck bool

	cmd := &cobra.Command{
		Use:   "run --host HOST [OPTIONS] -- COMMAND",
		Short: "Run a command on a single host and exit with its status",
		Example: `  fleetrun run --host 10.0.0.5 -- cat /etc/hostname
  fleetrun run --host db-1 --input "SELECT 1;" -- psql`,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := commandLine(args)
			if command == "" {
				return fmt.Errorf("command is required")
			}
			if host == "" {
				return fmt.Errorf("--host is required")
			}

			opts := runOptions(cmd)
			if cmd.Flags().Changed("input") {
				opts = append(opts, dispatch.WithInput(input))
			}
			if noCheck {
				opts = append(opts, dispatch.WithCheck(false))
			}

			d, err := newClient()
			if err != nil {
				return err
			}
			defer finish(d)

			stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
			result, err := d.RunOnHost(cmd.Context(), host, command, opts...)

			var cmdErr *ssh.CommandError
			if errors.As(err, &cmdErr) {
				writeStream(stdout, cmdErr.Stdout)
				writeStream(stderr, cmdErr.Stderr)
				return &exitError{code: cmdErr.ExitStatus, err: err}
			}
			if err != nil {
				return err
			}

			writeStream(stdout, result.Stdout)
			writeStream(stderr, result.Stderr)
			if result.ExitStatus != 0 {
				return &exitError{code: result.ExitStatus}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host address or alias (required)")
	cmd.Flags().StringVar(&input, "input", "", "Standard input string to pass to the command")
	cmd.Flags().BoolVar(&noCheck, "no-check", false, "Do not treat a non-zero exit status as an error")

	return cmd
}

func writeStream(w io.Writer, s string) {
	if s != "" {
		fmt.Fprintln(w, s)
	}
}

// shellCmd opens an interactive session
func shellCmd() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "shell --host HOST",
		Short: "Open an interactive shell and exit with its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if host == "" {
				return fmt.Errorf("--host is required")
			}

			d, err := newClient()
			if err != nil {
				return err
			}
			defer finish(d)

			code, err := d.Shell(cmd.Context(), host, os.Stdin, os.Stdout, os.Stderr, runOptions(cmd)...)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host address or alias (required)")

	return cmd
}

// keygenCmd generates a key pair
func keygenCmd() *cobra.Command {
	var outDir string
	var name string

	cmd := &cobra.Command{
		Use:   "keygen [--out DIR]",
		Short: "Generate an RSA key pair for the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := keygen.Generate()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outDir == "" {
				fmt.Fprint(out, kp.Private)
				fmt.Fprint(out, kp.Public)
				return nil
			}

			privPath, pubPath, err := kp.WriteFiles(outDir, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Private key: %s\n", privPath)
			fmt.Fprintf(out, "Public key:  %s\n", pubPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "", "Directory to write the key pair to (default: print to stdout)")
	cmd.Flags().StringVar(&name, "name", "fleetrun_rsa", "Private key file name")

	return cmd
}

// hostsCmd lists host groups
func hostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List all hosts and groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newClient()
			if err != nil {
				return err
			}
			inv := d.Inventory()
			out := cmd.OutOrStdout()

			groups := inv.GetAllGroups()
			names := make([]string, 0, len(groups))
			for name := range groups {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Fprintln(out, "Host Groups:")
			fmt.Fprintln(out)
			for _, name := range names {
				fmt.Fprintf(out, "  [%s]\n", name)
				for _, host := range groups[name] {
					fmt.Fprintf(out, "    - %s\n", host)
				}
				fmt.Fprintln(out)
			}

			config := inv.GetConfig()
			fmt.Fprintf(out, "SSH Config:\n")
			fmt.Fprintf(out, "  User: %s\n", config.SSH.User)
			fmt.Fprintf(out, "  Port: %d\n", config.SSH.Port)
			fmt.Fprintf(out, "  Key: %s\n", config.SSH.KeyPath)
			fmt.Fprintf(out, "  Host key check: %s\n", config.SSH.HostKeyCheck)
			fmt.Fprintf(out, "  Connect timeout: %s\n", inv.GetConnectTimeout())
			fmt.Fprintf(out, "  Retry interval: %s\n", inv.GetRetryInterval())
			fmt.Fprintf(out, "\n")
			fmt.Fprintf(out, "Exec Config:\n")
			fmt.Fprintf(out, "  Parallel: %d\n", config.Exec.Parallel)
			fmt.Fprintf(out, "  Policy: %s\n", config.Exec.Policy)
			fmt.Fprintf(out, "  Check: %t\n", inv.GetCheck())

			return nil
		},
	}
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fleetrun",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetrun version %s\n", Version)
		},
	}
}
