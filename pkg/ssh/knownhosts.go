package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrHostKeyUnknown is returned when the host key is not in known_hosts.
	ErrHostKeyUnknown = errors.New("host key unknown")
	// ErrHostKeyChanged is returned when the host key differs from known_hosts.
	ErrHostKeyChanged = errors.New("host key changed")
)

// KnownHostsVerifier checks host keys against a known_hosts file.
// Host key failures are never retried by Establish.
type KnownHostsVerifier struct {
	path     string
	autoAdd  bool
	mu       sync.Mutex
	callback ssh.HostKeyCallback
}

// NewKnownHostsVerifier creates a verifier from known_hosts file.
//
// If autoAdd is true, unknown host keys will be automatically added to known_hosts.
// If autoAdd is false, connections to unknown hosts will be rejected.
func NewKnownHostsVerifier(path string, autoAdd bool) (*KnownHostsVerifier, error) {
	v := &KnownHostsVerifier{
		path:    expandKnownHostsPath(path),
		autoAdd: autoAdd,
	}

	if err := v.load(); err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}

	return v, nil
}

// load (re)reads the file, creating it when missing.
func (v *KnownHostsVerifier) load() error {
	if _, err := os.Stat(v.path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
			return fmt.Errorf("failed to create known_hosts directory: %w", err)
		}
		f, err := os.OpenFile(v.path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		f.Close()
	}

	cb, err := knownhosts.New(v.path)
	if err != nil {
		return err
	}
	v.callback = cb
	return nil
}

// Verify checks if the host key matches known_hosts.
func (v *KnownHostsVerifier) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.callback(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("%w: %s", ErrHostKeyChanged, hostname)
	}
	if !v.autoAdd {
		return fmt.Errorf("%w: %s", ErrHostKeyUnknown, hostname)
	}

	return v.add(hostname, remote, key)
}

// add appends the key for hostname and reloads the file.
func (v *KnownHostsVerifier) add(hostname string, remote net.Addr, key ssh.PublicKey) error {
	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}
	defer f.Close()

	addresses := []string{knownhosts.Normalize(hostname)}
	if remote != nil && remote.String() != hostname {
		addresses = append(addresses, knownhosts.Normalize(remote.String()))
	}

	if _, err := f.WriteString(knownhosts.Line(addresses, key) + "\n"); err != nil {
		return fmt.Errorf("failed to write to known_hosts: %w", err)
	}

	return v.load()
}

// HostKeyCallback returns an ssh.HostKeyCallback for use with ssh.ClientConfig.
func (v *KnownHostsVerifier) HostKeyCallback() ssh.HostKeyCallback {
	return v.Verify
}

// expandKnownHostsPath expands ~ in path.
func expandKnownHostsPath(path string) string {
	if path == "" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".ssh", "known_hosts")
	}
	if strings.HasPrefix(path, "~") {
		return expandPath(path)
	}
	return path
}
