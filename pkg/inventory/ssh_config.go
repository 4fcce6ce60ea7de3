package inventory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// SSHConfigEntry represents a parsed SSH config entry
type SSHConfigEntry struct {
	HostPatterns []string // Host patterns (e.g., ["gui01", "gui*"])
	HostName     string
	User         string
	Port         int
	KeyPath      string
}

// sshConfigCache caches parsed SSH config
type sshConfigCache struct {
	entries []SSHConfigEntry
	mu      sync.RWMutex
	loaded  bool
}

var globalSSHConfig = &sshConfigCache{}

// SSHConfigPath is the ssh_config file consulted for host aliases.
// Empty means ~/.ssh/config.
var SSHConfigPath = ""

func sshConfigPath() (string, error) {
	if SSHConfigPath != "" {
		return ExpandPath(SSHConfigPath), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home dir: %w", err)
	}
	return filepath.Join(home, ".ssh", "config"), nil
}

// LoadSSHConfig loads and parses the ssh_config file once.
func LoadSSHConfig() ([]SSHConfigEntry, error) {
	globalSSHConfig.mu.Lock()
	defer globalSSHConfig.mu.Unlock()

	if globalSSHConfig.loaded {
		return globalSSHConfig.entries, nil
	}

	configPath, err := sshConfigPath()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			globalSSHConfig.loaded = true
			globalSSHConfig.entries = []SSHConfigEntry{}
			return globalSSHConfig.entries, nil
		}
		return nil, fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer f.Close()

	entries, err := parseSSHConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config: %w", err)
	}

	globalSSHConfig.entries = entries
	globalSSHConfig.loaded = true

	return entries, nil
}

// parseSSHConfig parses the subset of ssh_config that affects connections:
// Host, HostName, User, Port and IdentityFile.
func parseSSHConfig(r io.Reader) ([]SSHConfigEntry, error) {
	scanner := bufio.NewScanner(r)
	var entries []SSHConfigEntry
	var current *SSHConfigEntry

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// "Key=Value" is as valid as "Key Value"
		line = strings.Replace(line, "=", " ", 1)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		keyword := strings.ToLower(fields[0])
		if keyword == "host" {
			if current != nil && len(current.HostPatterns) > 0 {
				entries = append(entries, *current)
			}
			current = &SSHConfigEntry{HostPatterns: fields[1:]}
			continue
		}
		if current == nil || len(fields) < 2 {
			continue
		}

		switch keyword {
		case "hostname":
			current.HostName = fields[1]
		case "user":
			current.User = fields[1]
		case "port":
			if port, err := strconv.Atoi(fields[1]); err == nil {
				current.Port = port
			}
		case "identityfile":
			current.KeyPath = ExpandPath(strings.Trim(fields[1], `"`))
		}
	}

	if current != nil && len(current.HostPatterns) > 0 {
		entries = append(entries, *current)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// matchPattern reports whether host matches a single ssh_config pattern.
// A leading "!" negates the pattern.
func matchPattern(host, pattern string) bool {
	if strings.HasPrefix(pattern, "!") {
		return !matchPattern(host, pattern[1:])
	}
	if host == pattern {
		return true
	}
	matched, _ := path.Match(pattern, host)
	return matched
}

// GetSSHConfigEntry looks up a host in SSH config by alias.
// Entries are merged first-match-wins per field, as ssh(1) does.
func GetSSHConfigEntry(hostOrAlias string) (SSHConfigEntry, bool) {
	entries, err := LoadSSHConfig()
	if err != nil {
		return SSHConfigEntry{}, false
	}
	return lookupEntry(entries, hostOrAlias)
}

func lookupEntry(entries []SSHConfigEntry, host string) (SSHConfigEntry, bool) {
	var result SSHConfigEntry
	found := false
	for _, e := range entries {
		if !entryMatches(e, host) {
			continue
		}
		found = true
		if result.HostName == "" {
			result.HostName = e.HostName
		}
		if result.User == "" {
			result.User = e.User
		}
		if result.Port == 0 {
			result.Port = e.Port
		}
		if result.KeyPath == "" {
			result.KeyPath = e.KeyPath
		}
	}
	return result, found
}

func entryMatches(e SSHConfigEntry, host string) bool {
	matched := false
	for _, p := range e.HostPatterns {
		if strings.HasPrefix(p, "!") {
			if !matchPattern(host, p) {
				return false
			}
			continue
		}
		if matchPattern(host, p) {
			matched = true
		}
	}
	return matched
}

// ExpandWildcardFromSSHConfig returns the concrete (non-wildcard) Host
// aliases in ssh_config that match pattern.
func ExpandWildcardFromSSHConfig(pattern string) []string {
	entries, err := LoadSSHConfig()
	if err != nil {
		return nil
	}
	return expandWildcard(entries, pattern)
}

func expandWildcard(entries []SSHConfigEntry, pattern string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range entries {
		for _, alias := range e.HostPatterns {
			if strings.ContainsAny(alias, "*?![") || seen[alias] {
				continue
			}
			if ok, _ := path.Match(pattern, alias); ok {
				out = append(out, alias)
				seen[alias] = true
			}
		}
	}
	return out
}

// ReloadSSHConfig clears the cache and reloads SSH config
func ReloadSSHConfig() {
	globalSSHConfig.mu.Lock()
	defer globalSSHConfig.mu.Unlock()
	globalSSHConfig.loaded = false
	globalSSHConfig.entries = nil
}
