// Package config provides centralized configuration management using Viper.
// It supports loading configuration from files, environment variables, and
// command-line flags with a clear hierarchy: Flags > Env > Config File > Defaults.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default agent configuration values.
const (
	DefaultAgentServerURL          = "http://localhost:3000"
	DefaultAgentServerTimeout      = 30 * time.Second
	DefaultAgentSyncInterval       = 900 * time.Second
	DefaultAgentRetryInterval      = 10 * time.Second
	DefaultAgentMaxRetryTime       = 5 * time.Minute
	DefaultAgentNvidiaSMI          = "nvidia-smi"
	DefaultAgentGPUEnabled         = true
	DefaultAgentSampleInterval     = 10 * time.Second
	DefaultAgentMinerLogOutput     = false
	DefaultAgentMinerRestartDelay  = 30 * time.Second
	DefaultAgentStatusListen       = ""
	DefaultAgentLoggingLevel       = "info"
	DefaultAgentLoggingFormat      = "color"
	DefaultAgentLoggingQuiet       = false
	DefaultAgentLoggingVerbose     = false
	DefaultAgentPowerCurrency      = "USD"
	DefaultAgentPowerPrice         = 0.0
	DefaultAgentHostnameFallback   = "unknown"
	minimumAgentSyncInterval       = time.Second
	minimumAgentHardwareSampleRate = 100 * time.Millisecond
)

// Default development control server values.
const (
	DefaultDevServerListen         = ":3000"
	DefaultDevServerPublicURL      = "http://localhost:3000"
	DefaultDevServerUpdateInterval = 30 * time.Second
	DefaultDevServerEventLogPath   = "mmm_server_log.json"
	DefaultDevServerLoggingLevel   = "info"
	DefaultDevServerLoggingFormat  = "color"
)

// AgentConfig is the full configuration of the mmm-agent binary.
type AgentConfig struct {
	Server   ServerConnection `mapstructure:"server"`
	Agent    IdentityConfig   `mapstructure:"agent"`
	Sync     SyncConfig       `mapstructure:"sync"`
	Network  NetworkConfig    `mapstructure:"network"`
	Hardware HardwareConfig   `mapstructure:"hardware"`
	Miner    MinerConfig      `mapstructure:"miner"`
	Status   StatusConfig     `mapstructure:"status"`
	Logging  LoggingConfig    `mapstructure:"logging"`
}

// ServerConnection describes how to reach the mmm-server.
//
// Username and Password enable HTTP basic auth when both are set. Timeout
// bounds every individual request; the sync loop itself has no deadline.
type ServerConnection struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// IdentityConfig holds what the agent registers itself as.
type IdentityConfig struct {
	Hostname      string  `mapstructure:"hostname"`
	PowerPrice    float64 `mapstructure:"power_price"`
	PowerCurrency string  `mapstructure:"power_currency"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// NetworkConfig controls the startup retry policy for the first directive fetch.
type NetworkConfig struct {
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxRetryTime  time.Duration `mapstructure:"max_retry_time"`
}

type HardwareConfig struct {
	GPUEnabled     bool          `mapstructure:"gpu_enabled"`
	NvidiaSMI      string        `mapstructure:"nvidia_smi"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type MinerConfig struct {
	LogOutput    bool          `mapstructure:"log_output"`    // echo miner stdout at debug level
	RestartDelay time.Duration `mapstructure:"restart_delay"` // pause before relaunching a crashed miner
}

// StatusConfig enables the local status endpoint when Listen is non-empty.
type StatusConfig struct {
	Listen string `mapstructure:"listen"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`   // debug, info, warn, error
	Format  string `mapstructure:"format"`  // text, color, json
	Quiet   bool   `mapstructure:"quiet"`   // suppress all but errors
	Verbose bool   `mapstructure:"verbose"` // enable debug logs
}

// DevServerConfig configures the development control server.
type DevServerConfig struct {
	Listen    string         `mapstructure:"listen"`
	PublicURL string         `mapstructure:"public_url"`
	Username  string         `mapstructure:"username"` // basic auth, disabled when empty
	Password  string         `mapstructure:"password"`
	EventLog  EventLogConfig `mapstructure:"event_log"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

type EventLogConfig struct {
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	FilePath       string        `mapstructure:"file_path"`
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats = map[string]bool{"text": true, "color": true, "json": true}
)

// Validate checks that the agent configuration is usable.
func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server url cannot be empty")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("invalid server url %q: %w", c.Server.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server url must be http or https, got %q", c.Server.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("server url %q has no host", c.Server.URL)
	}
	if (c.Server.Username == "") != (c.Server.Password == "") {
		return fmt.Errorf("server username and password must be set together")
	}
	if c.Server.Timeout < time.Second {
		return fmt.Errorf("server.timeout too short (minimum 1s), got %v", c.Server.Timeout)
	}

	if c.Agent.Hostname == "" {
		return fmt.Errorf("agent hostname cannot be empty")
	}
	if c.Agent.PowerPrice < 0 {
		return fmt.Errorf("power_price cannot be negative, got %v", c.Agent.PowerPrice)
	}
	if c.Agent.PowerCurrency == "" {
		return fmt.Errorf("power_currency cannot be empty")
	}

	if c.Sync.Interval < minimumAgentSyncInterval {
		return fmt.Errorf("sync.interval too short (minimum 1s), got %v", c.Sync.Interval)
	}

	if c.Network.RetryInterval < time.Second {
		return fmt.Errorf("retry_interval too short (minimum 1s), got %v", c.Network.RetryInterval)
	}
	if c.Network.MaxRetryTime < c.Network.RetryInterval {
		return fmt.Errorf("max_retry_time (%v) must be >= retry_interval (%v)", c.Network.MaxRetryTime, c.Network.RetryInterval)
	}

	if c.Hardware.GPUEnabled && c.Hardware.NvidiaSMI == "" {
		return fmt.Errorf("hardware.nvidia_smi cannot be empty when gpu_enabled is true")
	}
	if c.Hardware.SampleInterval < minimumAgentHardwareSampleRate {
		return fmt.Errorf("hardware.sample_interval too short (minimum %v), got %v", minimumAgentHardwareSampleRate, c.Hardware.SampleInterval)
	}

	if c.Miner.RestartDelay < 0 {
		return fmt.Errorf("miner.restart_delay cannot be negative, got %v", c.Miner.RestartDelay)
	}

	return validateLogging(c.Logging)
}

// Validate checks that the development server configuration is usable.
func (c *DevServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if _, err := url.Parse(c.PublicURL); err != nil || c.PublicURL == "" {
		return fmt.Errorf("invalid public_url %q", c.PublicURL)
	}
	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("username and password must be set together")
	}
	if c.EventLog.FilePath != "" && c.EventLog.UpdateInterval < time.Second {
		return fmt.Errorf("event_log.update_interval too short (minimum 1s), got %v", c.EventLog.UpdateInterval)
	}
	return validateLogging(c.Logging)
}

func validateLogging(l LoggingConfig) error {
	if l.Level != "" && !validLevels[l.Level] {
		return fmt.Errorf("invalid logging.level: %q (must be debug, info, warn, or error)", l.Level)
	}
	if l.Format != "" && !validFormats[l.Format] {
		return fmt.Errorf("invalid logging.format: %q (must be text, color, or json)", l.Format)
	}
	return nil
}

// agentFlagKeys maps command-line flag names to configuration keys.
var agentFlagKeys = map[string]string{
	"server":     "server.url",
	"hostname":   "agent.hostname",
	"interval":   "sync.interval",
	"status":     "status.listen",
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"verbose":    "logging.verbose",
	"quiet":      "logging.quiet",
}

// RegisterAgentFlags defines the agent's command-line flags on fs. Flags that
// are not set on the command line do not override other sources.
func RegisterAgentFlags(fs *pflag.FlagSet) {
	fs.StringP("server", "s", "", "mmm-server base URL")
	fs.String("hostname", "", "hostname to register this rig as")
	fs.Duration("interval", 0, "directive refresh and stats report interval")
	fs.String("status", "", "listen address for the local status endpoint")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (text, color, json)")
	fs.BoolP("verbose", "v", false, "enable debug logging")
	fs.BoolP("quiet", "q", false, "only log errors")
}

// LoadAgentConfig loads agent configuration from flags, file, environment, and defaults.
//
// Configuration sources are applied in the following precedence order (highest to lowest):
//  1. Command-line flags registered with RegisterAgentFlags (fs may be nil)
//  2. Environment variables (MMM_AGENT_* prefix, e.g., MMM_AGENT_SERVER_URL)
//  3. Configuration file (agent-config.yaml or specified path)
//  4. Default values
//
// Environment Variable Naming:
// Environment variables use the prefix MMM_AGENT_ followed by the nested config key
// with dots replaced by underscores. Examples:
//   - server.url            → MMM_AGENT_SERVER_URL
//   - agent.hostname        → MMM_AGENT_AGENT_HOSTNAME
//   - sync.interval         → MMM_AGENT_SYNC_INTERVAL
//   - hardware.nvidia_smi   → MMM_AGENT_HARDWARE_NVIDIA_SMI
//
// Configuration File Search Paths:
// If configPath is empty, the function searches for "agent-config.yaml" in:
//  1. Current directory (.)
//  2. User config directory (~/.mmm)
//  3. System config directory (/etc/mmm)
//
// If no config file is found in the search paths, defaults are used without error.
// If configPath is specified but the file doesn't exist or can't be read, an error is returned.
func LoadAgentConfig(configPath string, fs *pflag.FlagSet) (*AgentConfig, error) {
	v := newAgentViper(configPath)

	if fs != nil {
		for flagName, key := range agentFlagKeys {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", flagName, err)
				}
			}
		}
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	return unmarshalAgent(v)
}

// LoadDevServerConfig loads the development control server configuration
// (MMM_SERVER_* environment prefix, dev-server-config.yaml).
func LoadDevServerConfig(configPath string) (*DevServerConfig, error) {
	v := viper.New()

	setDevServerDefaults(v)
	setConfigSource(v, configPath, "dev-server-config")

	v.SetEnvPrefix("MMM_SERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var config DevServerConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// WatchAgentConfig watches the agent configuration file and calls callback
// with each valid reloaded configuration. Invalid reloads are logged and
// dropped. The watcher stops reporting once ctx is cancelled.
// If logger is nil, logging is disabled.
func WatchAgentConfig(ctx context.Context, configPath string, callback func(*AgentConfig), logger *slog.Logger) error {
	v := newAgentViper(configPath)

	if err := readConfig(v); err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		if logger != nil {
			logger.Debug("no config file to watch")
		}
		return nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if logger != nil {
			logger.Info("configuration file changed",
				"file", e.Name,
				"operation", e.Op.String())
		}

		newConfig, err := unmarshalAgent(v)
		if err != nil {
			if logger != nil {
				logger.Error("invalid configuration after reload",
					"error", err,
					"file", e.Name)
			}
			return
		}

		if logger != nil {
			logger.Info("configuration reloaded successfully", "file", e.Name)
		}

		callback(newConfig)
	})

	go func() {
		<-ctx.Done()
		if logger != nil {
			logger.Debug("config watcher stopped",
				"reason", "context cancelled")
		}
	}()

	return nil
}

func newAgentViper(configPath string) *viper.Viper {
	v := viper.New()

	setAgentDefaults(v)
	setConfigSource(v, configPath, "agent-config")

	v.SetEnvPrefix("MMM_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func setConfigSource(v *viper.Viper, configPath, name string) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.mmm")
	v.AddConfigPath("/etc/mmm")
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func unmarshalAgent(v *viper.Viper) (*AgentConfig, error) {
	var config AgentConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func defaultHostname() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return DefaultAgentHostnameFallback
	}
	return hostname
}

func setAgentDefaults(v *viper.Viper) {
	v.SetDefault("server.url", DefaultAgentServerURL)
	v.SetDefault("server.username", "")
	v.SetDefault("server.password", "")
	v.SetDefault("server.timeout", DefaultAgentServerTimeout)
	v.SetDefault("agent.hostname", defaultHostname())
	v.SetDefault("agent.power_price", DefaultAgentPowerPrice)
	v.SetDefault("agent.power_currency", DefaultAgentPowerCurrency)
	v.SetDefault("sync.interval", DefaultAgentSyncInterval)
	v.SetDefault("network.retry_interval", DefaultAgentRetryInterval)
	v.SetDefault("network.max_retry_time", DefaultAgentMaxRetryTime)
	v.SetDefault("hardware.gpu_enabled", DefaultAgentGPUEnabled)
	v.SetDefault("hardware.nvidia_smi", DefaultAgentNvidiaSMI)
	v.SetDefault("hardware.sample_interval", DefaultAgentSampleInterval)
	v.SetDefault("miner.log_output", DefaultAgentMinerLogOutput)
	v.SetDefault("miner.restart_delay", DefaultAgentMinerRestartDelay)
	v.SetDefault("status.listen", DefaultAgentStatusListen)
	v.SetDefault("logging.level", DefaultAgentLoggingLevel)
	v.SetDefault("logging.format", DefaultAgentLoggingFormat)
	v.SetDefault("logging.quiet", DefaultAgentLoggingQuiet)
	v.SetDefault("logging.verbose", DefaultAgentLoggingVerbose)
}

func setDevServerDefaults(v *viper.Viper) {
	v.SetDefault("listen", DefaultDevServerListen)
	v.SetDefault("public_url", DefaultDevServerPublicURL)
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("event_log.update_interval", DefaultDevServerUpdateInterval)
	v.SetDefault("event_log.file_path", DefaultDevServerEventLogPath)
	v.SetDefault("logging.level", DefaultDevServerLoggingLevel)
	v.SetDefault("logging.format", DefaultDevServerLoggingFormat)
	v.SetDefault("logging.quiet", false)
	v.SetDefault("logging.verbose", false)
}
