// Package executor runs commands on single hosts and on whole fleets.
//
// An Executor owns everything a run needs: the SSH client with its retry
// policy, the parallelism limit, the failure policy, the logger, the
// metrics and an optional observer. Nothing is shared between executors,
// so independent fleets can be driven side by side.
//
// Example Usage:
//
//	exec, err := executor.NewFromInventory(inv)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	hosts, _ := inv.GetHosts([]string{"web"})
//	results, err := exec.RunOnFleet(ctx, hosts, executor.Same(ssh.CommandRequest{
//	    Command: "uptime",
//	    Check:   true,
//	}))
package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/liliang-cn/fleetrun/pkg/inventory"
	"github.com/liliang-cn/fleetrun/pkg/logger"
	"github.com/liliang-cn/fleetrun/pkg/metrics"
	"github.com/liliang-cn/fleetrun/pkg/ssh"
)

// Executor handles single-host operations and fleet fan-out.
type Executor struct {
	client   *ssh.Client
	logger   *logger.Logger
	metrics  *metrics.Metrics
	parallel int
	policy   Policy
	observer Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithParallel limits how many hosts run at once. 0 means no limit.
func WithParallel(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.parallel = n
		}
	}
}

// WithPolicy sets the fleet failure policy.
func WithPolicy(p Policy) Option {
	return func(e *Executor) {
		e.policy = p
	}
}

// WithObserver receives lifecycle events for every host. It is called
// from many goroutines at once.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// WithLogger sets custom logger
func WithLogger(l *logger.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithMetrics records fleet runs on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// New creates an executor on top of client.
func New(client *ssh.Client, opts ...Option) *Executor {
	e := &Executor{
		client:  client,
		logger:  logger.Default(),
		metrics: client.Metrics(),
		policy:  PolicyWaitAll,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewFromInventory builds the SSH client and the executor from the
// inventory configuration. opts are applied after the configured values.
func NewFromInventory(inv *inventory.Inventory, opts ...Option) (*Executor, error) {
	cfg := inv.GetConfig()
	log := LoggerFor(inv)
	m := metrics.New()

	client, err := ssh.NewClient(ClientOptions(inv, log, m)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH client: %w", err)
	}

	policy, err := ParsePolicy(cfg.Exec.Policy)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithLogger(log),
		WithParallel(inv.GetDefaultParallel()),
		WithPolicy(policy),
	}
	return New(client, append(base, opts...)...), nil
}

// LoggerFor builds a logger from the inventory's [log] settings.
func LoggerFor(inv *inventory.Inventory) *logger.Logger {
	cfg := inv.GetConfig()
	return logger.New(&logger.Config{
		Level:    cfg.Log.Level,
		Output:   cfg.Log.Output,
		NoColor:  cfg.Log.NoColor,
		ShowTime: cfg.Log.ShowTime,
	})
}

// ClientOptions maps the inventory's [ssh] and [exec] settings to SSH
// client options.
func ClientOptions(inv *inventory.Inventory, log *logger.Logger, m *metrics.Metrics) []ssh.ClientOption {
	cfg := inv.GetConfig()
	opts := []ssh.ClientOption{
		ssh.WithConnectTimeout(inv.GetConnectTimeout()),
		ssh.WithRetryInterval(inv.GetRetryInterval()),
		ssh.WithAuthRetryLimit(cfg.SSH.AuthRetryLimit),
		ssh.WithPrintStatus(cfg.Exec.PrintStatus),
		ssh.WithLogger(log),
		ssh.WithMetrics(m),
	}
	if cfg.SSH.KnownHostsPath != "" {
		opts = append(opts, ssh.WithKnownHosts(inventory.ExpandPath(cfg.SSH.KnownHostsPath)))
	}
	if cfg.SSH.HostKeyCheck != "" {
		opts = append(opts, ssh.WithHostKeyCheck(ssh.HostKeyCheck(cfg.SSH.HostKeyCheck)))
	}
	return opts
}

// GetLogger gets logger
func (e *Executor) GetLogger() *logger.Logger {
	return e.logger
}

// Metrics returns the collectors this executor records on, or nil.
func (e *Executor) Metrics() *metrics.Metrics {
	return e.metrics
}

// Policy returns the fleet failure policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// SpecFor maps an inventory host to connection parameters.
func SpecFor(h inventory.Host) ssh.HostSpec {
	return ssh.HostSpec{
		Name:    h.String(),
		Address: h.Address,
		User:    h.User,
		Port:    h.Port,
		KeyPath: h.KeyPath,
	}
}

// RunOnHost connects to host, runs req and closes the connection on every
// path. Errors are *ssh.ConnectionError, *ssh.CommandError or
// *ssh.TimeoutError, or wrap ctx.Err() when ctx ends first.
func (e *Executor) RunOnHost(ctx context.Context, host inventory.Host, req ssh.CommandRequest) (*ssh.CommandResult, error) {
	name := host.String()
	log := e.logger.WithField("host", name)
	start := time.Now()

	e.emit(Event{Type: EventConnecting, Host: name})
	log.Debug("connecting to %s:%d as %s", host.Address, host.Port, host.User)

	conn, err := e.client.Establish(ctx, SpecFor(host))
	if err != nil {
		log.Debug("connect failed: %v", err)
		e.emit(Event{Type: EventFailed, Host: name, Outcome: Outcome{Err: err}, Duration: time.Since(start)})
		return nil, err
	}
	defer conn.Close()

	e.emit(Event{Type: EventOnline, Host: name})

	result, err := conn.Run(ctx, req)
	if err != nil {
		log.Debug("command failed: %v", err)
		e.emit(Event{Type: EventFailed, Host: name, Outcome: Outcome{Err: err}, Duration: time.Since(start)})
		return nil, err
	}

	log.Debug("command finished with status %d", result.ExitStatus)
	e.emit(Event{Type: EventDone, Host: name, Outcome: Outcome{Result: result}, Duration: time.Since(start)})
	return result, nil
}

// Shell connects to host and hands the terminal to its login shell. It
// returns the remote exit code.
func (e *Executor) Shell(ctx context.Context, host inventory.Host, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	name := host.String()
	e.emit(Event{Type: EventConnecting, Host: name})

	conn, err := e.client.Establish(ctx, SpecFor(host))
	if err != nil {
		e.emit(Event{Type: EventFailed, Host: name, Outcome: Outcome{Err: err}})
		return -1, err
	}
	defer conn.Close()

	e.emit(Event{Type: EventOnline, Host: name})
	e.logger.WithField("host", name).Debug("starting interactive shell")

	return conn.Shell(ctx, stdin, stdout, stderr)
}

func (e *Executor) emit(ev Event) {
	if e.observer == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.observer(ev)
}
