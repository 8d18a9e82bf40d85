// Package config handles elastic configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tOgg1/elastic/internal/bus"
	"github.com/tOgg1/elastic/internal/logging"
	"github.com/tOgg1/elastic/internal/membership"
	"github.com/tOgg1/elastic/internal/ssh"
)

// Config is the root configuration structure for elastic.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// SSH transport to cluster coordinators
	SSH SSHConfig `yaml:"ssh" mapstructure:"ssh"`

	// Coordinator exclude-list and verification settings
	Membership MembershipConfig `yaml:"membership" mapstructure:"membership"`

	// Scaling orchestration settings
	Scaling ScalingConfig `yaml:"scaling" mapstructure:"scaling"`

	// NATS settings
	Bus BusConfig `yaml:"bus" mapstructure:"bus"`

	// Prometheus endpoint settings
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Operation journal settings
	Journal JournalConfig `yaml:"journal" mapstructure:"journal"`

	// Clusters seeds the topology with known coordinators before any
	// inventory update arrives.
	Clusters []ClusterConfig `yaml:"clusters" mapstructure:"clusters"`
}

// GlobalConfig contains global settings.
type GlobalConfig struct {
	// DataDir is where elastic stores its data (default: ~/.local/share/elastic).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/elastic).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// SSHConfig contains credentials and transport tuning.
type SSHConfig struct {
	Username       string `yaml:"username" mapstructure:"username"`
	Password       string `yaml:"password" mapstructure:"password"`
	PrivateKeyPath string `yaml:"private_key_path" mapstructure:"private_key_path"`
	Passphrase     string `yaml:"passphrase" mapstructure:"passphrase"`

	Port            int           `yaml:"port" mapstructure:"port"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts" mapstructure:"connect_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// PrivilegePrefix is prepended to remote commands (default "sudo").
	PrivilegePrefix string `yaml:"privilege_prefix" mapstructure:"privilege_prefix"`
	RequestPTY      bool   `yaml:"request_pty" mapstructure:"request_pty"`

	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key" mapstructure:"insecure_ignore_host_key"`
	KnownHostsFile        string `yaml:"known_hosts_file" mapstructure:"known_hosts_file"`
}

// MembershipConfig describes how the coordinator is driven.
type MembershipConfig struct {
	ExcludeDir        string        `yaml:"exclude_dir" mapstructure:"exclude_dir"`
	ExcludeFile       string        `yaml:"exclude_file" mapstructure:"exclude_file"`
	ExcludePerms      string        `yaml:"exclude_perms" mapstructure:"exclude_perms"`
	RefreshCommand    string        `yaml:"refresh_command" mapstructure:"refresh_command"`
	ListActiveCommand string        `yaml:"list_active_command" mapstructure:"list_active_command"`
	VerifyTimeout     time.Duration `yaml:"verify_timeout" mapstructure:"verify_timeout"`
	VerifyInterval    time.Duration `yaml:"verify_interval" mapstructure:"verify_interval"`
}

// ScalingConfig contains orchestration timings.
type ScalingConfig struct {
	// NameWaitTimeout bounds how long enable waits for VM names.
	NameWaitTimeout time.Duration `yaml:"name_wait_timeout" mapstructure:"name_wait_timeout"`

	// NameWaitInterval is how often names are re-checked.
	NameWaitInterval time.Duration `yaml:"name_wait_interval" mapstructure:"name_wait_interval"`
}

// BusConfig contains NATS settings.
type BusConfig struct {
	URL              string        `yaml:"url" mapstructure:"url"`
	Name             string        `yaml:"name" mapstructure:"name"`
	ReconnectWait    time.Duration `yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
	ScaleSubject     string        `yaml:"scale_subject" mapstructure:"scale_subject"`
	QueueGroup       string        `yaml:"queue_group" mapstructure:"queue_group"`
	InventorySubject string        `yaml:"inventory_subject" mapstructure:"inventory_subject"`
	PowerSubject     string        `yaml:"power_subject" mapstructure:"power_subject"`
	RequestTimeout   time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// JournalConfig controls the operation history database.
type JournalConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the SQLite file (default: <data_dir>/journal.db).
	Path string `yaml:"path" mapstructure:"path"`
}

// ClusterConfig seeds one cluster route.
type ClusterConfig struct {
	ID          string `yaml:"id" mapstructure:"id"`
	Coordinator string `yaml:"coordinator" mapstructure:"coordinator"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "elastic")
	configDir := filepath.Join(homeDir, ".config", "elastic")

	transport := ssh.DefaultConfig()
	remote := membership.DefaultRemoteConfig()
	nats := bus.DefaultConfig()
	logs := logging.DefaultConfig()

	return &Config{
		Global: GlobalConfig{
			DataDir:   dataDir,
			ConfigDir: configDir,
		},
		Logging: LoggingConfig{
			Level:  logs.Level,
			Format: logs.Format,
		},
		SSH: SSHConfig{
			Username:        "root",
			Port:            transport.Port,
			ConnectTimeout:  transport.ConnectTimeout,
			ConnectAttempts: transport.ConnectAttempts,
			RetryDelay:      transport.RetryDelay,
			IdleTimeout:     transport.IdleTimeout,
			PollInterval:    transport.PollInterval,
			PrivilegePrefix: transport.PrivilegePrefix,
			RequestPTY:      transport.RequestPTY,
			KnownHostsFile:  filepath.Join(homeDir, ".ssh", "known_hosts"),
		},
		Membership: MembershipConfig{
			ExcludeDir:        remote.ExcludeDir,
			ExcludeFile:       remote.ExcludeFile,
			ExcludePerms:      remote.ExcludePerms,
			RefreshCommand:    remote.RefreshCommand,
			ListActiveCommand: remote.ListActiveCommand,
			VerifyTimeout:     remote.VerifyTimeout,
			VerifyInterval:    remote.VerifyInterval,
		},
		Scaling: ScalingConfig{
			NameWaitTimeout:  120 * time.Second,
			NameWaitInterval: 5 * time.Second,
		},
		Bus: BusConfig{
			URL:              nats.URL,
			Name:             nats.Name,
			ReconnectWait:    nats.ReconnectWait,
			ScaleSubject:     nats.ScaleSubject,
			QueueGroup:       nats.QueueGroup,
			InventorySubject: nats.InventorySubject,
			PowerSubject:     nats.PowerSubject,
			RequestTimeout:   nats.RequestTimeout,
			MaxConcurrent:    nats.MaxConcurrent,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9464",
			Path:    "/metrics",
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "journal.db"),
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SSH.Username) == "" {
		return fmt.Errorf("ssh.username is required")
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port must be between 1 and 65535")
	}
	if c.SSH.ConnectAttempts < 1 {
		return fmt.Errorf("ssh.connect_attempts must be at least 1")
	}
	if c.SSH.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("ssh.poll_interval must be at least 10ms")
	}
	if c.SSH.IdleTimeout < c.SSH.PollInterval {
		return fmt.Errorf("ssh.idle_timeout must not be shorter than ssh.poll_interval")
	}
	if !c.SSH.InsecureIgnoreHostKey && c.SSH.KnownHostsFile == "" {
		return fmt.Errorf("ssh.known_hosts_file is required unless ssh.insecure_ignore_host_key is set")
	}

	if c.Membership.ExcludeDir == "" || c.Membership.ExcludeFile == "" {
		return fmt.Errorf("membership.exclude_dir and membership.exclude_file are required")
	}
	if strings.Contains(c.Membership.ExcludeFile, "/") {
		return fmt.Errorf("membership.exclude_file must be a file name, not a path")
	}
	if c.Membership.VerifyTimeout < 0 {
		return fmt.Errorf("membership.verify_timeout must not be negative")
	}
	if c.Membership.VerifyInterval < 100*time.Millisecond {
		return fmt.Errorf("membership.verify_interval must be at least 100ms")
	}

	if c.Scaling.NameWaitTimeout < 0 {
		return fmt.Errorf("scaling.name_wait_timeout must not be negative")
	}
	if c.Scaling.NameWaitInterval < 100*time.Millisecond {
		return fmt.Errorf("scaling.name_wait_interval must be at least 100ms")
	}

	if c.Bus.ScaleSubject == "" {
		return fmt.Errorf("bus.scale_subject is required")
	}
	if c.Bus.PowerSubject == "" {
		return fmt.Errorf("bus.power_subject is required")
	}
	if c.Bus.MaxConcurrent < 1 {
		return fmt.Errorf("bus.max_concurrent must be at least 1")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}

	for i, cluster := range c.Clusters {
		if strings.TrimSpace(cluster.ID) == "" {
			return fmt.Errorf("clusters[%d].id is required", i)
		}
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}
	if c.Journal.Enabled && c.Journal.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// TransportConfig returns the SSH transport settings.
func (c *Config) TransportConfig() ssh.Config {
	return ssh.Config{
		Port:                  c.SSH.Port,
		ConnectTimeout:        c.SSH.ConnectTimeout,
		ConnectAttempts:       c.SSH.ConnectAttempts,
		RetryDelay:            c.SSH.RetryDelay,
		IdleTimeout:           c.SSH.IdleTimeout,
		PollInterval:          c.SSH.PollInterval,
		PrivilegePrefix:       c.SSH.PrivilegePrefix,
		RequestPTY:            c.SSH.RequestPTY,
		InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
		KnownHostsFile:        c.SSH.KnownHostsFile,
	}
}

// Credentials returns the SSH login.
func (c *Config) Credentials() ssh.Credentials {
	return ssh.Credentials{
		Username:       c.SSH.Username,
		Password:       c.SSH.Password,
		PrivateKeyPath: c.SSH.PrivateKeyPath,
		Passphrase:     c.SSH.Passphrase,
	}
}

// RemoteConfig returns the coordinator action settings.
func (c *Config) RemoteConfig() membership.RemoteConfig {
	return membership.RemoteConfig{
		ExcludeDir:        c.Membership.ExcludeDir,
		ExcludeFile:       c.Membership.ExcludeFile,
		ExcludePerms:      c.Membership.ExcludePerms,
		RefreshCommand:    c.Membership.RefreshCommand,
		ListActiveCommand: c.Membership.ListActiveCommand,
		VerifyTimeout:     c.Membership.VerifyTimeout,
		VerifyInterval:    c.Membership.VerifyInterval,
	}
}

// BusSettings returns the NATS settings.
func (c *Config) BusSettings() bus.Config {
	return bus.Config{
		URL:              c.Bus.URL,
		Name:             c.Bus.Name,
		ReconnectWait:    c.Bus.ReconnectWait,
		ScaleSubject:     c.Bus.ScaleSubject,
		QueueGroup:       c.Bus.QueueGroup,
		InventorySubject: c.Bus.InventorySubject,
		PowerSubject:     c.Bus.PowerSubject,
		RequestTimeout:   c.Bus.RequestTimeout,
		MaxConcurrent:    c.Bus.MaxConcurrent,
	}
}

// LoggingSettings returns the logger settings. File output is opened by the
// caller.
func (c *Config) LoggingSettings() logging.Config {
	return logging.Config{
		Level:        c.Logging.Level,
		Format:       c.Logging.Format,
		EnableCaller: c.Logging.EnableCaller,
	}
}
