// Package ssh establishes SSH connections to hosts that may still be
// booting and runs commands on them.
//
// A Client holds the connection policy: how long one attempt may take,
// how long to wait between transient failures and how many times a
// reachable host may reject the credentials. Establish keeps retrying
// refused connections and timeouts until the context ends, so a fleet
// of freshly started machines can be reached as each one comes up.
//
// Example Usage:
//
//	client, err := ssh.NewClient(ssh.WithConnectTimeout(3 * time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	conn, err := client.Establish(ctx, ssh.HostSpec{
//	    Address: "10.0.0.5",
//	    User:    "ubuntu",
//	    KeyPath: "~/.ssh/id_rsa",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	result, err := conn.Run(ctx, ssh.CommandRequest{Command: "uptime", Check: true})
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/liliang-cn/fleetrun/pkg/logger"
	"github.com/liliang-cn/fleetrun/pkg/metrics"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultConnectTimeout bounds a single dial + handshake + auth attempt.
	DefaultConnectTimeout = 3 * time.Second
	// DefaultRetryInterval is the wait between transient failures.
	DefaultRetryInterval = 5 * time.Second
	// DefaultAuthRetryLimit is how many consecutive auth rejections are
	// tolerated before giving up (one minute at the default interval).
	DefaultAuthRetryLimit = 12
)

// HostSpec defines the parameters for connecting to a remote host.
type HostSpec struct {
	// Name identifies the host in logs and errors. Defaults to Address.
	Name string
	// Address is the hostname or IP address to dial.
	Address string
	// User is the SSH login.
	User string
	// Port is the SSH port number, 22 when zero.
	Port int
	// KeyPath is the private key file used for authentication.
	KeyPath string
}

func (s HostSpec) host() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Address
}

func (s HostSpec) addr() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(s.Address, strconv.Itoa(port))
}

// HostKeyCheck selects how server host keys are verified.
type HostKeyCheck string

const (
	// HostKeyAcceptNew records unknown keys in known_hosts and rejects
	// changed ones.
	HostKeyAcceptNew HostKeyCheck = "accept-new"
	// HostKeyStrict rejects hosts missing from known_hosts.
	HostKeyStrict HostKeyCheck = "strict"
	// HostKeyOff accepts any host key and leaves known_hosts alone.
	HostKeyOff HostKeyCheck = "off"
)

// Dialer opens the TCP connection for one attempt.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext calls f.
func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// Client establishes connections. Client is safe for concurrent use.
type Client struct {
	hostKeyCallback ssh.HostKeyCallback
	dialer          Dialer
	connectTimeout  time.Duration
	retryInterval   time.Duration
	authRetryLimit  int
	printStatus     bool
	log             *logger.Logger
	metrics         *metrics.Metrics
}

// ClientOption configures a Client during creation.
type ClientOption func(*clientConfig)

type clientConfig struct {
	knownHostsPath  string
	hostKeyCheck    HostKeyCheck
	hostKeyCallback ssh.HostKeyCallback
	dialer          Dialer
	connectTimeout  time.Duration
	retryInterval   time.Duration
	authRetryLimit  int
	printStatus     bool
	log             *logger.Logger
	metrics         *metrics.Metrics
}

// WithKnownHosts sets the path to the known_hosts file.
func WithKnownHosts(path string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.knownHostsPath = path
	}
}

// WithHostKeyCheck sets the host key checking mode. HostKeyOff skips
// known_hosts entirely.
func WithHostKeyCheck(mode HostKeyCheck) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hostKeyCheck = mode
	}
}

// WithHostKeyCallback replaces known_hosts verification entirely.
func WithHostKeyCallback(cb ssh.HostKeyCallback) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hostKeyCallback = cb
	}
}

// WithDialer replaces the TCP dialer used for each attempt.
func WithDialer(d Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = d
	}
}

// WithConnectTimeout bounds a single connection attempt.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if d > 0 {
			cfg.connectTimeout = d
		}
	}
}

// WithRetryInterval sets the constant wait between transient failures.
func WithRetryInterval(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if d > 0 {
			cfg.retryInterval = d
		}
	}
}

// WithAuthRetryLimit caps the number of consecutive attempts a reachable
// host may reject before Establish gives up. A negative limit retries
// forever.
func WithAuthRetryLimit(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.authRetryLimit = n
	}
}

// WithPrintStatus logs "[<host>] SSH online." once per established connection.
func WithPrintStatus(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.printStatus = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.log = l
	}
}

// WithMetrics records attempts and command results on m.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// NewClient creates a new SSH client.
// By default unknown host keys are accepted and added to known_hosts.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		hostKeyCheck:   HostKeyAcceptNew,
		connectTimeout: DefaultConnectTimeout,
		retryInterval:  DefaultRetryInterval,
		authRetryLimit: DefaultAuthRetryLimit,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	hostKeyCallback := cfg.hostKeyCallback
	switch {
	case hostKeyCallback != nil:
	case cfg.hostKeyCheck == HostKeyOff:
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	default:
		verifier, err := NewKnownHostsVerifier(cfg.knownHostsPath, cfg.hostKeyCheck != HostKeyStrict)
		if err != nil {
			return nil, fmt.Errorf("failed to create host key callback: %w", err)
		}
		hostKeyCallback = verifier.HostKeyCallback()
	}

	if cfg.dialer == nil {
		cfg.dialer = &net.Dialer{}
	}
	if cfg.log == nil {
		cfg.log = logger.Default()
	}

	return &Client{
		hostKeyCallback: hostKeyCallback,
		dialer:          cfg.dialer,
		connectTimeout:  cfg.connectTimeout,
		retryInterval:   cfg.retryInterval,
		authRetryLimit:  cfg.authRetryLimit,
		printStatus:     cfg.printStatus,
		log:             cfg.log,
		metrics:         cfg.metrics,
	}, nil
}

// Metrics returns the collectors the client records on, or nil.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// Establish returns an authenticated connection to spec. Refused
// connections, attempt timeouts and temporary DNS failures are retried
// every retry interval until ctx ends. Authentication rejections are
// retried up to the auth retry limit. Everything else fails at once
// with a *ConnectionError.
func (c *Client) Establish(ctx context.Context, spec HostSpec) (*Conn, error) {
	host := spec.host()
	log := c.log.WithField("host", host)

	signer, err := loadSigner(spec.KeyPath)
	if err != nil {
		return nil, &ConnectionError{Host: host, Err: err}
	}

	config := &ssh.ClientConfig{
		User:            spec.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: c.hostKeyCallback,
		Timeout:         c.connectTimeout,
	}
	addr := spec.addr()
	authBreaker := c.newAuthBreaker(addr)

	start := time.Now()
	var client *ssh.Client

	operation := func() error {
		res, err := authBreaker.Execute(func() (interface{}, error) {
			return c.attempt(ctx, addr, config)
		})
		if err == nil {
			client = res.(*ssh.Client)
			c.metrics.RecordConnectAttempt(metrics.ResultSuccess)
			return nil
		}

		if ctx.Err() != nil {
			c.metrics.RecordConnectAttempt(metrics.ResultCancelled)
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, gobreaker.ErrOpenState) || authBreaker.State() == gobreaker.StateOpen {
			c.metrics.RecordConnectAttempt(metrics.ResultFailure)
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrAuthRetriesExhausted, err))
		}
		var transient *errTransient
		if !errors.As(err, &transient) {
			c.metrics.RecordConnectAttempt(metrics.ResultFailure)
			return backoff.Permanent(err)
		}
		c.metrics.RecordConnectAttempt(metrics.ResultRetry)
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Debug("SSH not ready (%v), retrying in %v", err, wait)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(c.retryInterval), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, &ConnectionError{Host: host, Err: err}
	}

	c.metrics.RecordConnected(time.Since(start))
	if c.printStatus {
		log.Info("[%s] SSH online.", host)
	}

	return &Conn{client: client, host: host, log: log, metrics: c.metrics}, nil
}

// newAuthBreaker returns a breaker that only counts auth rejections.
// It never half-opens within the lifetime of one Establish call.
func (c *Client) newAuthBreaker(name string) *gobreaker.CircuitBreaker {
	limit := c.authRetryLimit
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     24 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if limit < 0 {
				return false
			}
			return counts.ConsecutiveFailures >= uint32(limit)
		},
		IsSuccessful: func(err error) bool {
			var transient *errTransient
			return !(errors.As(err, &transient) && transient.auth)
		},
	})
}

// attempt performs one dial + handshake + auth, bounded by the connect
// timeout. Failures worth retrying come back as *errTransient.
func (c *Client) attempt(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	netConn, err := c.dialer.DialContext(attemptCtx, "tcp", addr)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to dial %s: %w", addr, err))
	}

	deadline, _ := attemptCtx.Deadline()
	_ = netConn.SetDeadline(deadline)
	stop := context.AfterFunc(attemptCtx, func() {
		_ = netConn.SetDeadline(time.Now())
	})

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if !stop() && err == nil {
		sshConn.Close()
		return nil, classify(fmt.Errorf("handshake with %s: %w", addr, attemptCtx.Err()))
	}
	if err != nil {
		netConn.Close()
		return nil, classify(fmt.Errorf("handshake with %s: %w", addr, err))
	}
	_ = netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// classify wraps retryable attempt failures in *errTransient.
func classify(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout || dnsErr.IsTemporary {
			return &errTransient{err: err}
		}
		return err
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return &errTransient{err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &errTransient{err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &errTransient{err: err}
	}

	if strings.Contains(err.Error(), "unable to authenticate") {
		return &errTransient{err: err, auth: true}
	}

	return err
}

// loadSigner reads and parses the private key. An empty path falls back to
// the first usable default key under ~/.ssh.
func loadSigner(keyPath string) (ssh.Signer, error) {
	if keyPath != "" {
		signer, err := parsePrivateKey(expandPath(keyPath))
		if err != nil {
			return nil, fmt.Errorf("failed to load private key %s: %w", keyPath, err)
		}
		return signer, nil
	}

	home, _ := os.UserHomeDir()
	for _, key := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		if signer, err := parsePrivateKey(filepath.Join(home, ".ssh", key)); err == nil {
			return signer, nil
		}
	}
	return nil, errors.New("no private key configured and no default key found in ~/.ssh")
}

// parsePrivateKey parses private key file
func parsePrivateKey(keyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

// expandPath expands a leading ~ to the home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return filepath.Join(home, path[2:])
		}
		return home
	}
	return path
}
