package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ELASTIC_SSH_USERNAME.
const EnvPrefix = "ELASTIC"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	cfg.SSH.PrivateKeyPath = expandTilde(cfg.SSH.PrivateKeyPath)
	cfg.SSH.KnownHostsFile = expandTilde(cfg.SSH.KnownHostsFile)
	cfg.Journal.Path = expandTilde(cfg.Journal.Path)
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "elastic"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "elastic"))
	}

	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)

	// Unmarshal only sees env vars for keys viper already knows about.
	bindEnvVars(v)

	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Global
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// SSH
	v.SetDefault("ssh.username", cfg.SSH.Username)
	v.SetDefault("ssh.password", cfg.SSH.Password)
	v.SetDefault("ssh.private_key_path", cfg.SSH.PrivateKeyPath)
	v.SetDefault("ssh.passphrase", cfg.SSH.Passphrase)
	v.SetDefault("ssh.port", cfg.SSH.Port)
	v.SetDefault("ssh.connect_timeout", cfg.SSH.ConnectTimeout)
	v.SetDefault("ssh.connect_attempts", cfg.SSH.ConnectAttempts)
	v.SetDefault("ssh.retry_delay", cfg.SSH.RetryDelay)
	v.SetDefault("ssh.idle_timeout", cfg.SSH.IdleTimeout)
	v.SetDefault("ssh.poll_interval", cfg.SSH.PollInterval)
	v.SetDefault("ssh.privilege_prefix", cfg.SSH.PrivilegePrefix)
	v.SetDefault("ssh.request_pty", cfg.SSH.RequestPTY)
	v.SetDefault("ssh.insecure_ignore_host_key", cfg.SSH.InsecureIgnoreHostKey)
	v.SetDefault("ssh.known_hosts_file", cfg.SSH.KnownHostsFile)

	// Membership
	v.SetDefault("membership.exclude_dir", cfg.Membership.ExcludeDir)
	v.SetDefault("membership.exclude_file", cfg.Membership.ExcludeFile)
	v.SetDefault("membership.exclude_perms", cfg.Membership.ExcludePerms)
	v.SetDefault("membership.refresh_command", cfg.Membership.RefreshCommand)
	v.SetDefault("membership.list_active_command", cfg.Membership.ListActiveCommand)
	v.SetDefault("membership.verify_timeout", cfg.Membership.VerifyTimeout)
	v.SetDefault("membership.verify_interval", cfg.Membership.VerifyInterval)

	// Scaling
	v.SetDefault("scaling.name_wait_timeout", cfg.Scaling.NameWaitTimeout)
	v.SetDefault("scaling.name_wait_interval", cfg.Scaling.NameWaitInterval)

	// Bus
	v.SetDefault("bus.url", cfg.Bus.URL)
	v.SetDefault("bus.name", cfg.Bus.Name)
	v.SetDefault("bus.reconnect_wait", cfg.Bus.ReconnectWait)
	v.SetDefault("bus.scale_subject", cfg.Bus.ScaleSubject)
	v.SetDefault("bus.queue_group", cfg.Bus.QueueGroup)
	v.SetDefault("bus.inventory_subject", cfg.Bus.InventorySubject)
	v.SetDefault("bus.power_subject", cfg.Bus.PowerSubject)
	v.SetDefault("bus.request_timeout", cfg.Bus.RequestTimeout)
	v.SetDefault("bus.max_concurrent", cfg.Bus.MaxConcurrent)

	// Metrics
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	// Journal
	v.SetDefault("journal.enabled", cfg.Journal.Enabled)
	v.SetDefault("journal.path", cfg.Journal.Path)
}

// loadConfigFile attempts to load the configuration file. A missing file is
// only an error when it was named explicitly.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set overrides a value by key, taking precedence over file and env.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// Viper returns the underlying Viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	loader := NewLoader()
	return loader.Load()
}

// envBindings lists every key that can be overridden from the environment.
var envBindings = []string{
	// Global
	"global.data_dir",
	"global.config_dir",
	// Logging
	"logging.level",
	"logging.format",
	"logging.file",
	"logging.enable_caller",
	// SSH
	"ssh.username",
	"ssh.password",
	"ssh.private_key_path",
	"ssh.passphrase",
	"ssh.port",
	"ssh.connect_timeout",
	"ssh.connect_attempts",
	"ssh.retry_delay",
	"ssh.idle_timeout",
	"ssh.poll_interval",
	"ssh.privilege_prefix",
	"ssh.request_pty",
	"ssh.insecure_ignore_host_key",
	"ssh.known_hosts_file",
	// Membership
	"membership.exclude_dir",
	"membership.exclude_file",
	"membership.exclude_perms",
	"membership.refresh_command",
	"membership.list_active_command",
	"membership.verify_timeout",
	"membership.verify_interval",
	// Scaling
	"scaling.name_wait_timeout",
	"scaling.name_wait_interval",
	// Bus
	"bus.url",
	"bus.name",
	"bus.reconnect_wait",
	"bus.scale_subject",
	"bus.queue_group",
	"bus.inventory_subject",
	"bus.power_subject",
	"bus.request_timeout",
	"bus.max_concurrent",
	// Metrics
	"metrics.enabled",
	"metrics.listen",
	"metrics.path",
	// Journal
	"journal.enabled",
	"journal.path",
}

// bindEnvVars binds ELASTIC_* environment variables for config keys.
func bindEnvVars(v *viper.Viper) {
	for _, key := range envBindings {
		_ = v.BindEnv(key, EnvVar(key))
	}
}

// EnvVar returns the environment variable that overrides key:
// ssh.username -> ELASTIC_SSH_USERNAME.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
