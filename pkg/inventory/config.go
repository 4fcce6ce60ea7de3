package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config represents the complete configuration for fleetrun
type Config struct {
	SSH   SSHConfig            `toml:"ssh"`
	Exec  ExecConfig           `toml:"exec"`
	Log   LogConfig            `toml:"log"`
	Hosts map[string]HostGroup `toml:"hosts" validate:"dive"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level    string `toml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Output   string `toml:"output"`    // stdout, stderr, or file path
	NoColor  bool   `toml:"no_color"`  // disable colored output
	ShowTime bool   `toml:"show_time"` // show timestamp
}

// SSHConfig contains default settings for SSH connections
type SSHConfig struct {
	User           string `toml:"user"`
	Port           int    `toml:"port" validate:"omitempty,min=1,max=65535"`
	KeyPath        string `toml:"key_path"`
	ConnectTimeout string `toml:"connect_timeout" validate:"omitempty,duration"` // bound on a single connection attempt
	RetryInterval  string `toml:"retry_interval" validate:"omitempty,duration"`  // wait between transient failures
	AuthRetryLimit int    `toml:"auth_retry_limit"`                              // <0 retries auth rejections forever
	KnownHostsPath string `toml:"known_hosts"`
	HostKeyCheck   string `toml:"host_key_check" validate:"omitempty,oneof=accept-new strict off"`
}

// ExecConfig contains default execution settings
type ExecConfig struct {
	Parallel    int    `toml:"parallel" validate:"min=0"` // 0 runs every host at once
	Timeout     string `toml:"timeout" validate:"omitempty,duration"`
	Policy      string `toml:"policy" validate:"omitempty,oneof=wait-all fail-fast collect-all"`
	Check       *bool  `toml:"check"`
	PrintStatus bool   `toml:"print_status"`
}

// HostGroup represents a host group, or per-host overrides when the key
// is an address.
type HostGroup struct {
	Addresses []string `toml:"addresses"`
	User      string   `toml:"user"`
	Port      int      `toml:"port" validate:"omitempty,min=1,max=65535"`
	KeyPath   string   `toml:"key_path"`
}

// Host represents complete configuration for a single host
type Host struct {
	Name    string // Name as requested (alias, group member or address)
	Address string // Resolved address to dial
	User    string // SSH user
	Port    int    // SSH port
	KeyPath string // Private key path
}

// String returns the host identity used in logs and outcome maps.
func (h Host) String() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Address
}

// Inventory manages host inventory
type Inventory struct {
	mu     sync.RWMutex
	config *Config
	path   string
}

const (
	defaultConnectTimeout = 3 * time.Second
	defaultRetryInterval  = 5 * time.Second
	defaultAuthRetryLimit = 12
)

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		SSH: SSHConfig{
			User:           "", // Empty means use current system user
			Port:           22,
			KeyPath:        "~/.ssh/id_rsa",
			ConnectTimeout: defaultConnectTimeout.String(),
			RetryInterval:  defaultRetryInterval.String(),
			AuthRetryLimit: defaultAuthRetryLimit,
			KnownHostsPath: "~/.ssh/known_hosts",
			HostKeyCheck:   "accept-new",
		},
		Exec: ExecConfig{
			Parallel:    0,
			Timeout:     "0s",
			Policy:      "wait-all",
			PrintStatus: true,
		},
		Log: LogConfig{
			Level:  "info",
			Output: "stderr",
		},
		Hosts: make(map[string]HostGroup),
	}
}

// New creates a new Inventory
func New(configPath string) (*Inventory, error) {
	if configPath == "" {
		home, _ := os.UserHomeDir()
		configPath = filepath.Join(home, ".fleetrun", "config.toml")
	}

	inv := &Inventory{
		config: DefaultConfig(),
		path:   configPath,
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := inv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	return inv, nil
}

// Load loads configuration from file. Keys absent from the file keep
// their defaults.
func (inv *Inventory) Load() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	data, err := os.ReadFile(inv.path)
	if err != nil {
		return err
	}

	config := DefaultConfig()
	if _, err := toml.Decode(string(data), config); err != nil {
		return err
	}
	if err := Validate(config); err != nil {
		return err
	}

	inv.config = config
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})
	return v
}

// Validate checks field ranges, enums and duration strings.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save saves configuration to file
func (inv *Inventory) Save() error {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	dir := filepath.Dir(inv.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(inv.config); err != nil {
		return err
	}

	return os.WriteFile(inv.path, []byte(buf.String()), 0644)
}

// GetHosts gets hosts by group name, ssh_config wildcard or address list
func (inv *Inventory) GetHosts(patterns []string) ([]Host, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var hosts []Host
	seen := make(map[string]bool)

	add := func(name, group string) {
		if seen[name] {
			return
		}
		hosts = append(hosts, inv.buildHost(name, group))
		seen[name] = true
	}

	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if group, ok := inv.config.Hosts[pattern]; ok && len(group.Addresses) > 0 {
			for _, addr := range group.Addresses {
				add(addr, pattern)
			}
		} else if strings.ContainsAny(pattern, "*?[") {
			matches := ExpandWildcardFromSSHConfig(pattern)
			if len(matches) == 0 {
				return nil, fmt.Errorf("no hosts found for wildcard pattern: %s", pattern)
			}
			for _, match := range matches {
				add(match, "")
			}
		} else {
			add(pattern, "")
		}
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts found for patterns: %v", patterns)
	}

	return hosts, nil
}

// buildHost builds host configuration, merging defaults and overrides
// Priority: TOML host > TOML group > SSH config > defaults
func (inv *Inventory) buildHost(name string, group string) Host {
	host := Host{
		Name:    name,
		Address: name,
	}
	var userSet, portSet, keySet bool

	apply := func(g HostGroup) {
		if !userSet && g.User != "" {
			host.User, userSet = g.User, true
		}
		if !portSet && g.Port != 0 {
			host.Port, portSet = g.Port, true
		}
		if !keySet && g.KeyPath != "" {
			host.KeyPath, keySet = g.KeyPath, true
		}
	}

	if hostConfig, ok := inv.config.Hosts[name]; ok {
		apply(hostConfig)
	}
	if group != "" {
		if groupConfig, ok := inv.config.Hosts[group]; ok {
			apply(groupConfig)
		}
	}

	if sshEntry, ok := GetSSHConfigEntry(name); ok {
		if sshEntry.HostName != "" {
			host.Address = sshEntry.HostName
		}
		apply(HostGroup{User: sshEntry.User, Port: sshEntry.Port, KeyPath: sshEntry.KeyPath})
	}

	apply(HostGroup{
		User:    inv.config.SSH.User,
		Port:    inv.config.SSH.Port,
		KeyPath: inv.config.SSH.KeyPath,
	})

	if host.User == "" {
		host.User = currentUser()
	}
	if host.Port == 0 {
		host.Port = 22
	}
	host.KeyPath = ExpandPath(host.KeyPath)

	return host
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}

// GetAllGroups returns all groups
func (inv *Inventory) GetAllGroups() map[string][]string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	groups := make(map[string][]string)
	for name, group := range inv.config.Hosts {
		if len(group.Addresses) == 0 {
			continue
		}
		groups[name] = group.Addresses
	}
	return groups
}

// GetDefaultParallel returns default parallel count
func (inv *Inventory) GetDefaultParallel() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.config.Exec.Parallel
}

// GetConnectTimeout returns the bound on a single connection attempt.
func (inv *Inventory) GetConnectTimeout() time.Duration {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return parseDuration(inv.config.SSH.ConnectTimeout, defaultConnectTimeout)
}

// GetRetryInterval returns the wait between transient connection failures.
func (inv *Inventory) GetRetryInterval() time.Duration {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return parseDuration(inv.config.SSH.RetryInterval, defaultRetryInterval)
}

// GetCommandTimeout returns the default per-command timeout, 0 for none.
func (inv *Inventory) GetCommandTimeout() time.Duration {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return parseDuration(inv.config.Exec.Timeout, 0)
}

// GetCheck reports whether non-zero exit statuses fail by default.
func (inv *Inventory) GetCheck() bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if inv.config.Exec.Check == nil {
		return true
	}
	return *inv.config.Exec.Check
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// ExpandPath expands ~ in path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return filepath.Join(home, path[2:])
		}
		return home
	}

	return path
}

// GetConfig returns complete configuration
func (inv *Inventory) GetConfig() *Config {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.config
}
