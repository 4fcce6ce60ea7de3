package ssh

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthRetriesExhausted is wrapped by the ConnectionError returned when a
// reachable host keeps rejecting the credentials.
var ErrAuthRetriesExhausted = errors.New("authentication retries exhausted")

// ConnectionError is a fatal failure to establish or keep a session.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError reports a non-zero exit status from a checked command.
type CommandError struct {
	Host       string
	Command    string
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Error reports the remote stderr. With a PTY both streams usually arrive
// on stdout, so an empty stderr falls back to stdout followed by stderr.
// That fallback does not preserve the interleaving the remote produced.
func (e *CommandError) Error() string {
	msg := e.Stderr
	if msg == "" {
		msg = e.Stdout + e.Stderr
	}
	return fmt.Sprintf("%s: command %q exited with status %d: %s", e.Host, e.Command, e.ExitStatus, msg)
}

// TimeoutError is returned when a command outlives its timeout.
type TimeoutError struct {
	Host    string
	Command string
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: command %q timed out after %v", e.Host, e.Command, e.Limit)
}

// Timeout implements net.Error-style timeout detection.
func (e *TimeoutError) Timeout() bool { return true }

// errTransient marks an attempt failure that the establisher retries.
// It never leaves this package.
type errTransient struct {
	err  error
	auth bool
}

func (e *errTransient) Error() string { return e.err.Error() }

func (e *errTransient) Unwrap() error { return e.err }
