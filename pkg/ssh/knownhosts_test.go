package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub
}

func TestKnownHostsVerifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	key := newPublicKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2222}

	v, err := NewKnownHostsVerifier(path, true)
	require.NoError(t, err)

	// Unknown key is added.
	require.NoError(t, v.Verify("127.0.0.1:2222", addr, key))
	// Known key passes.
	require.NoError(t, v.Verify("127.0.0.1:2222", addr, key))

	// Same host, different key.
	err = v.Verify("127.0.0.1:2222", addr, newPublicKey(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHostKeyChanged))

	// A second verifier over the same file sees the stored key.
	strict, err := NewKnownHostsVerifier(path, false)
	require.NoError(t, err)
	require.NoError(t, strict.Verify("127.0.0.1:2222", addr, key))

	other := &net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 22}
	err = strict.Verify("192.168.1.100:22", other, key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHostKeyUnknown))
}
