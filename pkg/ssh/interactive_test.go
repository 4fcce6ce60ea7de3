package ssh

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellReturnsRemoteExitCode(t *testing.T) {
	srv, spec := startServer(t)
	conn := establish(t, newTestClient(t), spec)

	var stdout, stderr bytes.Buffer
	code, err := conn.Shell(context.Background(), strings.NewReader("echo hi there\nexit 3\n"), &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, stdout.String(), "hi there")
	assert.Equal(t, []string{""}, srv.Commands())
}

func TestShellEndsOnEOF(t *testing.T) {
	_, spec := startServer(t)
	conn := establish(t, newTestClient(t), spec)

	var stdout bytes.Buffer
	code, err := conn.Shell(context.Background(), strings.NewReader("true\n"), &stdout, &stdout)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestTermType(t *testing.T) {
	t.Setenv("TERM", "dumb")
	assert.Equal(t, "xterm-256color", termType())

	t.Setenv("TERM", "screen")
	assert.Equal(t, "screen", termType())
}
