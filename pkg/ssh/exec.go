package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/liliang-cn/fleetrun/pkg/logger"
	"github.com/liliang-cn/fleetrun/pkg/metrics"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// CommandRequest describes one remote command.
type CommandRequest struct {
	// Command is the shell command line to run.
	Command string
	// Input, when set, is written to the command's stdin, which is then closed.
	Input *string
	// Timeout bounds the command. Zero means no bound.
	Timeout time.Duration
	// Check turns a non-zero exit status into a *CommandError.
	Check bool
}

// CommandResult contains the captured output of a finished command.
// Trailing newlines are stripped from both streams.
type CommandResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Conn is an authenticated connection to one host. A Conn is owned by a
// single operation and must be closed by it.
type Conn struct {
	client  *ssh.Client
	host    string
	log     *logger.Logger
	metrics *metrics.Metrics
}

// Host returns the host name the connection was established for.
func (c *Conn) Host() string {
	return c.host
}

// Close closes the underlying SSH connection.
func (c *Conn) Close() error {
	return c.client.Close()
}

// terminalModes are applied to every pseudo-terminal. Echo is off so input
// written to stdin does not come back on stdout.
var terminalModes = ssh.TerminalModes{
	ssh.ECHO:          0,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

type execOutcome struct {
	stdout  string
	stderr  string
	waitErr error
	ioErr   error
}

// Run executes req on a new session with a pseudo-terminal. Output is
// drained completely before the exit status is read.
func (c *Conn) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	start := time.Now()

	session, err := c.client.NewSession()
	if err != nil {
		c.metrics.RecordCommand(metrics.ResultFailure, time.Since(start))
		return nil, &ConnectionError{Host: c.host, Err: fmt.Errorf("failed to create session: %w", err)}
	}
	defer session.Close()

	stdin, stdout, stderr, err := pipes(session)
	if err != nil {
		c.metrics.RecordCommand(metrics.ResultFailure, time.Since(start))
		return nil, &ConnectionError{Host: c.host, Err: err}
	}

	if err := session.RequestPty("xterm", 40, 80, terminalModes); err != nil {
		c.metrics.RecordCommand(metrics.ResultFailure, time.Since(start))
		return nil, &ConnectionError{Host: c.host, Err: fmt.Errorf("failed to request pty: %w", err)}
	}

	c.log.Debug("running %q", req.Command)
	if err := session.Start(req.Command); err != nil {
		c.metrics.RecordCommand(metrics.ResultFailure, time.Since(start))
		return nil, &ConnectionError{Host: c.host, Err: fmt.Errorf("failed to start command: %w", err)}
	}

	done := make(chan execOutcome, 1)
	go func() {
		var out execOutcome
		if req.Input != nil {
			// EOF means the command exited without reading its input.
			if _, err := io.WriteString(stdin, *req.Input); err != nil && !errors.Is(err, io.EOF) {
				out.ioErr = fmt.Errorf("failed to write stdin: %w", err)
			}
			stdin.Close()
		}

		var outBuf, errBuf bytes.Buffer
		var g errgroup.Group
		g.Go(func() error {
			if _, err := io.Copy(&outBuf, stdout); err != nil {
				return fmt.Errorf("failed to read stdout: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			if _, err := io.Copy(&errBuf, stderr); err != nil {
				return fmt.Errorf("failed to read stderr: %w", err)
			}
			return nil
		})
		if err := g.Wait(); err != nil && out.ioErr == nil {
			out.ioErr = err
		}

		out.waitErr = session.Wait()
		out.stdout = outBuf.String()
		out.stderr = errBuf.String()
		done <- out
	}()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case out := <-done:
		return c.finish(req, out, start)
	case <-timeout:
		c.abort(session, done)
		c.metrics.RecordCommand(metrics.ResultTimeout, time.Since(start))
		return nil, &TimeoutError{Host: c.host, Command: req.Command, Limit: req.Timeout}
	case <-ctx.Done():
		c.abort(session, done)
		c.metrics.RecordCommand(metrics.ResultCancelled, time.Since(start))
		return nil, fmt.Errorf("%s: command %q aborted: %w", c.host, req.Command, ctx.Err())
	}
}

// abortGrace is how long an aborted session may take to be acknowledged
// before the whole connection is dropped.
var abortGrace = time.Second

// abort closes the session and waits for its drain to finish. A host that
// never acknowledges the close loses its connection, which unblocks the
// readers.
func (c *Conn) abort(session *ssh.Session, done <-chan execOutcome) {
	_ = session.Close()

	timer := time.NewTimer(abortGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.log.Warn("host did not acknowledge session close after %v, dropping connection", abortGrace)
		_ = c.client.Close()
	}
}

func pipes(session *ssh.Session) (io.WriteCloser, io.Reader, io.Reader, error) {
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stderr: %w", err)
	}
	return stdin, stdout, stderr, nil
}

// finish turns a completed session into a result or a typed error.
func (c *Conn) finish(req CommandRequest, out execOutcome, start time.Time) (*CommandResult, error) {
	result := &CommandResult{
		Stdout: strings.TrimRight(out.stdout, "\n"),
		Stderr: strings.TrimRight(out.stderr, "\n"),
	}

	if out.waitErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(out.waitErr, &exitErr) {
			c.metrics.RecordCommand(metrics.ResultFailure, time.Since(start))
			return nil, &ConnectionError{Host: c.host, Err: fmt.Errorf("command %q: %w", req.Command, out.waitErr)}
		}
		result.ExitStatus = exitErr.ExitStatus()
		if result.ExitStatus == 0 && exitErr.Signal() != "" {
			result.ExitStatus = -1
		}
	}
	if out.ioErr != nil {
		c.metrics.RecordCommand(metrics.ResultFailure, time.Since(start))
		return nil, &ConnectionError{Host: c.host, Err: out.ioErr}
	}

	if result.ExitStatus != 0 {
		c.metrics.RecordCommand(metrics.ResultNonZero, time.Since(start))
		if req.Check {
			return nil, &CommandError{
				Host:       c.host,
				Command:    req.Command,
				ExitStatus: result.ExitStatus,
				Stdout:     result.Stdout,
				Stderr:     result.Stderr,
			}
		}
		return result, nil
	}

	c.metrics.RecordCommand(metrics.ResultSuccess, time.Since(start))
	return result, nil
}
