// Package dispatch is the library entry point: it resolves hosts from the
// inventory and runs commands on them through an executor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/liliang-cn/fleetrun/pkg/executor"
	"github.com/liliang-cn/fleetrun/pkg/inventory"
	"github.com/liliang-cn/fleetrun/pkg/logger"
	"github.com/liliang-cn/fleetrun/pkg/metrics"
	"github.com/liliang-cn/fleetrun/pkg/ssh"
)

// Dispatch is the main client, usable from the CLI or as a library.
type Dispatch struct {
	inv     *inventory.Inventory
	log     *logger.Logger
	metrics *metrics.Metrics
}

// Config overrides settings of the loaded inventory.
type Config struct {
	ConfigPath string      // Config file path, empty for the default
	SSH        *SSHConfig  // SSH overrides
	Exec       *ExecConfig // Execution overrides
}

// SSHConfig holds SSH overrides. Zero values keep the configured value.
type SSHConfig struct {
	User           string
	Port           int
	KeyPath        string
	HostKeyCheck   string // accept-new, strict or off
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
}

// ExecConfig holds execution overrides. Zero values keep the configured value.
type ExecConfig struct {
	Parallel int
	Timeout  time.Duration
	Policy   string
}

// New loads the inventory and applies cfg on top of it.
func New(cfg *Config) (*Dispatch, error) {
	configPath := ""
	if cfg != nil {
		configPath = cfg.ConfigPath
	}

	inv, err := inventory.New(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory: %w", err)
	}

	invCfg := inv.GetConfig()
	if cfg != nil && cfg.SSH != nil {
		if cfg.SSH.User != "" {
			invCfg.SSH.User = cfg.SSH.User
		}
		if cfg.SSH.Port > 0 {
			invCfg.SSH.Port = cfg.SSH.Port
		}
		if cfg.SSH.KeyPath != "" {
			invCfg.SSH.KeyPath = cfg.SSH.KeyPath
		}
		if cfg.SSH.HostKeyCheck != "" {
			invCfg.SSH.HostKeyCheck = cfg.SSH.HostKeyCheck
		}
		if cfg.SSH.ConnectTimeout > 0 {
			invCfg.SSH.ConnectTimeout = cfg.SSH.ConnectTimeout.String()
		}
		if cfg.SSH.RetryInterval > 0 {
			invCfg.SSH.RetryInterval = cfg.SSH.RetryInterval.String()
		}
	}
	if cfg != nil && cfg.Exec != nil {
		if cfg.Exec.Parallel > 0 {
			invCfg.Exec.Parallel = cfg.Exec.Parallel
		}
		if cfg.Exec.Timeout > 0 {
			invCfg.Exec.Timeout = cfg.Exec.Timeout.String()
		}
		if cfg.Exec.Policy != "" {
			invCfg.Exec.Policy = cfg.Exec.Policy
		}
	}
	if err := inventory.Validate(invCfg); err != nil {
		return nil, err
	}

	return NewWithInventory(inv), nil
}

// NewWithInventory creates a client on an existing inventory.
func NewWithInventory(inv *inventory.Inventory) *Dispatch {
	return &Dispatch{
		inv:     inv,
		log:     executor.LoggerFor(inv),
		metrics: metrics.New(),
	}
}

// Inventory returns the host inventory.
func (d *Dispatch) Inventory() *inventory.Inventory {
	return d.inv
}

// Metrics returns the collectors shared by every run of this client.
func (d *Dispatch) Metrics() *metrics.Metrics {
	return d.metrics
}

// Logger returns the client logger.
func (d *Dispatch) Logger() *logger.Logger {
	return d.log
}

// RunOption configures one RunOnHost or RunOnFleet call.
type RunOption func(*runOptions)

type runOptions struct {
	timeout     time.Duration
	input       *string
	check       *bool
	policy      *executor.Policy
	parallel    int
	printStatus *bool
	builder     executor.RequestBuilder
	env         map[string]string
	dir         string
	observer    executor.Observer
}

// WithTimeout bounds the remote command. Connecting is not included.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) {
		o.timeout = d
	}
}

// WithInput writes input to the command's stdin, then closes it.
func WithInput(input string) RunOption {
	return func(o *runOptions) {
		o.input = &input
	}
}

// WithCheck makes a non-zero exit status an error.
func WithCheck(check bool) RunOption {
	return func(o *runOptions) {
		o.check = &check
	}
}

// WithPolicy sets the fleet failure policy.
func WithPolicy(p executor.Policy) RunOption {
	return func(o *runOptions) {
		o.policy = &p
	}
}

// WithParallel limits how many hosts run at once.
func WithParallel(n int) RunOption {
	return func(o *runOptions) {
		o.parallel = n
	}
}

// WithPrintStatus logs "[host] SSH online." once per connection.
func WithPrintStatus(enabled bool) RunOption {
	return func(o *runOptions) {
		o.printStatus = &enabled
	}
}

// WithRequestBuilder derives a different request per host. The command
// and every other request option are ignored.
func WithRequestBuilder(build executor.RequestBuilder) RunOption {
	return func(o *runOptions) {
		o.builder = build
	}
}

// WithEnv sets environment variables for the command.
func WithEnv(env map[string]string) RunOption {
	return func(o *runOptions) {
		o.env = env
	}
}

// WithDir runs the command in dir.
func WithDir(dir string) RunOption {
	return func(o *runOptions) {
		o.dir = dir
	}
}

// WithObserver receives host lifecycle events.
func WithObserver(obs executor.Observer) RunOption {
	return func(o *runOptions) {
		o.observer = obs
	}
}

func (d *Dispatch) options(opts []RunOption) *runOptions {
	o := &runOptions{parallel: -1}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (d *Dispatch) builder(cmd string, o *runOptions) executor.RequestBuilder {
	if o.builder != nil {
		return o.builder
	}

	req := ssh.CommandRequest{
		Command: executor.BuildCommand(cmd, o.env, o.dir),
		Input:   o.input,
		Timeout: d.inv.GetCommandTimeout(),
		Check:   d.inv.GetCheck(),
	}
	if o.timeout > 0 {
		req.Timeout = o.timeout
	}
	if o.check != nil {
		req.Check = *o.check
	}
	return executor.Same(req)
}

func (d *Dispatch) executor(o *runOptions) (*executor.Executor, error) {
	clientOpts := executor.ClientOptions(d.inv, d.log, d.metrics)
	if o.printStatus != nil {
		clientOpts = append(clientOpts, ssh.WithPrintStatus(*o.printStatus))
	}
	client, err := ssh.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH client: %w", err)
	}

	policy, err := executor.ParsePolicy(d.inv.GetConfig().Exec.Policy)
	if err != nil {
		return nil, err
	}
	if o.policy != nil {
		policy = *o.policy
	}

	parallel := d.inv.GetDefaultParallel()
	if o.parallel >= 0 {
		parallel = o.parallel
	}

	return executor.New(client,
		executor.WithLogger(d.log),
		executor.WithMetrics(d.metrics),
		executor.WithParallel(parallel),
		executor.WithPolicy(policy),
		executor.WithObserver(o.observer),
	), nil
}

// RunOnHost runs cmd on a single host. host must resolve to exactly one
// inventory host.
func (d *Dispatch) RunOnHost(ctx context.Context, host string, cmd string, opts ...RunOption) (*ssh.CommandResult, error) {
	h, err := d.resolveOne(host)
	if err != nil {
		return nil, err
	}

	o := d.options(opts)
	exec, err := d.executor(o)
	if err != nil {
		return nil, err
	}
	return exec.RunOnHost(ctx, h, d.builder(cmd, o)(h))
}

// Shell opens an interactive login shell on host and returns the remote
// exit code.
func (d *Dispatch) Shell(ctx context.Context, host string, stdin io.Reader, stdout, stderr io.Writer, opts ...RunOption) (int, error) {
	h, err := d.resolveOne(host)
	if err != nil {
		return -1, err
	}

	exec, err := d.executor(d.options(opts))
	if err != nil {
		return -1, err
	}
	return exec.Shell(ctx, h, stdin, stdout, stderr)
}

func (d *Dispatch) resolveOne(host string) (inventory.Host, error) {
	hosts, err := d.inv.GetHosts([]string{host})
	if err != nil {
		return inventory.Host{}, err
	}
	if len(hosts) != 1 {
		return inventory.Host{}, fmt.Errorf("%s resolves to %d hosts, want 1", host, len(hosts))
	}
	return hosts[0], nil
}

// FleetResult contains the results of running a command on a fleet.
type FleetResult struct {
	// Hosts maps each successful host to its result.
	Hosts map[string]*ssh.CommandResult
	// Failures lists the failed hosts in request order.
	Failures []executor.HostError
	// StartTime is when the run began.
	StartTime time.Time
	// EndTime is when every host had finished.
	EndTime time.Time
}

// AllSuccess reports whether no host failed.
func (r *FleetResult) AllSuccess() bool {
	return len(r.Failures) == 0
}

// FailedHosts returns the failed hosts in request order.
func (r *FleetResult) FailedHosts() []string {
	failed := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		failed = append(failed, f.Host)
	}
	return failed
}

// RunOnFleet runs cmd on every host matched by patterns (groups,
// addresses or ssh_config wildcards). The returned result is never nil
// when hosts were resolved; err is a *executor.FleetError when any host
// failed.
func (d *Dispatch) RunOnFleet(ctx context.Context, patterns []string, cmd string, opts ...RunOption) (*FleetResult, error) {
	hosts, err := d.inv.GetHosts(patterns)
	if err != nil {
		return nil, err
	}

	o := d.options(opts)
	exec, err := d.executor(o)
	if err != nil {
		return nil, err
	}

	result := &FleetResult{StartTime: time.Now()}
	results, err := exec.RunOnFleet(ctx, hosts, d.builder(cmd, o))
	result.EndTime = time.Now()

	result.Hosts = results
	if result.Hosts == nil {
		result.Hosts = make(map[string]*ssh.CommandResult)
	}
	var fleetErr *executor.FleetError
	if errors.As(err, &fleetErr) {
		result.Failures = fleetErr.Failures
	}
	return result, err
}
