package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// Shell hands the local terminal over to the remote login shell and
// returns the shell's exit code once it ends. Output is not captured.
// When stdin is a terminal it is put into raw mode for the duration.
func (c *Conn) Shell(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, &ConnectionError{Host: c.host, Err: fmt.Errorf("failed to create session: %w", err)}
	}
	defer session.Close()

	cols, rows := 80, 40
	if f, ok := stdout.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, h, err := term.GetSize(int(f.Fd())); err == nil && w > 0 && h > 0 {
			cols, rows = w, h
		}
	}

	if err := session.RequestPty(termType(), rows, cols, ssh.TerminalModes{ssh.ECHO: 1}); err != nil {
		return -1, &ConnectionError{Host: c.host, Err: fmt.Errorf("failed to request pty: %w", err)}
	}

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		oldState, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return -1, fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer func() { _ = term.Restore(int(f.Fd()), oldState) }()
	}

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Shell(); err != nil {
		return -1, &ConnectionError{Host: c.host, Err: fmt.Errorf("failed to start shell: %w", err)}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		return -1, ctx.Err()
	}

	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, &ConnectionError{Host: c.host, Err: err}
}

func termType() string {
	t := strings.TrimSpace(os.Getenv("TERM"))
	if t == "" || t == "dumb" || t == "unknown" {
		return "xterm-256color"
	}
	return t
}
