package sshtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

// FakeShell is a Handler understanding a handful of commands:
//
//	true             exit 0, no output
//	echo WORDS       print WORDS
//	cat              copy stdin to stdout
//	fail [N]         print to both streams, exit N (default 1)
//	sleep DURATION   wait for DURATION or until the session closes
//	exit N           exit N
//
// Anything else prints "command not found" and exits 127. A session
// without a command is a login shell running one command per stdin line.
func FakeShell(ctx context.Context, e *Exec) int {
	if e.Command == "" {
		return loginShell(ctx, e)
	}
	name, arg, _ := strings.Cut(e.Command, " ")
	switch name {
	case "true":
		return 0
	case "echo":
		fmt.Fprintln(e.Stdout, arg)
		return 0
	case "cat":
		io.Copy(e.Stdout, e.Stdin)
		return 0
	case "fail":
		fmt.Fprintln(e.Stdout, "partial output")
		fmt.Fprintln(e.Stderr, "something went wrong")
		if n, err := strconv.Atoi(arg); err == nil {
			return n
		}
		return 1
	case "sleep":
		d, err := time.ParseDuration(arg)
		if err != nil {
			fmt.Fprintln(e.Stderr, "sleep: invalid duration")
			return 2
		}
		select {
		case <-time.After(d):
			return 0
		case <-ctx.Done():
			return 130
		}
	case "exit":
		n, _ := strconv.Atoi(arg)
		return n
	}
	fmt.Fprintf(e.Stderr, "%s: command not found\n", name)
	return 127
}

func loginShell(ctx context.Context, e *Exec) int {
	status := 0
	scanner := bufio.NewScanner(e.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		status = FakeShell(ctx, &Exec{
			User:    e.User,
			Command: line,
			PTY:     e.PTY,
			Stdin:   strings.NewReader(""),
			Stdout:  e.Stdout,
			Stderr:  e.Stderr,
		})
		if strings.HasPrefix(line, "exit") {
			return status
		}
	}
	return status
}

// Dialer refuses the first Refusals dial attempts with ECONNREFUSED, as
// a host whose sshd has not started yet would, then dials for real.
type Dialer struct {
	Refusals int64
	calls    atomic.Int64
	dialer   net.Dialer
}

// DialContext implements the dialer interface used by ssh.WithDialer.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.calls.Add(1) <= d.Refusals {
		return nil, &net.OpError{
			Op:  "dial",
			Net: network,
			Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
		}
	}
	return d.dialer.DialContext(ctx, network, address)
}

// Calls returns how many dials were attempted.
func (d *Dialer) Calls() int64 {
	return d.calls.Load()
}
