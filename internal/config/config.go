// Package config loads the host configuration for the ccswitch engine.
// It handles parsing the YAML configuration file, applying defaults and
// environment overrides, and exposes typed accessors for the proxy,
// interceptor and supervisor settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the loopback port the reverse proxy binds to.
	DefaultPort = 31299
	// DefaultHost keeps the proxy reachable only from this machine.
	DefaultHost = "127.0.0.1"
	// DefaultOfficialBaseURL is the official backend the official channel forwards to.
	DefaultOfficialBaseURL = "https://api.anthropic.com"
	// DefaultRefreshIntervalSeconds bounds how often the interceptor re-reads the settings file.
	DefaultRefreshIntervalSeconds = 30
)

// Config represents the engine configuration, loaded from a YAML file.
type Config struct {
	// Host is the interface the proxy listens on. Anything other than a loopback
	// address is rejected by Validate.
	Host string `yaml:"host" json:"host"`

	// Port is the proxy's listening port.
	Port int `yaml:"port" json:"port"`

	// Debug enables gin debug mode and debug logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LogLevel is one of debug, info, warn, error, quiet.
	LogLevel string `yaml:"log-level" json:"log-level"`

	// LoggingToFile redirects logs to a rotating file under LogDir.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is the directory for rotated log files. Empty means <config dir>/logs.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// LogsMaxSizeMB is the rotation threshold for a single log file.
	LogsMaxSizeMB int `yaml:"logs-max-size-mb" json:"logs-max-size-mb"`

	// SettingsFile is the shared JSON document holding providers and accounts.
	SettingsFile string `yaml:"settings-file" json:"settings-file"`

	// OfficialBaseURL is the official backend root.
	OfficialBaseURL string `yaml:"official-base-url" json:"official-base-url"`

	// Metrics toggles the Prometheus middleware and /metrics endpoint. nil means enabled.
	Metrics *bool `yaml:"metrics,omitempty" json:"metrics,omitempty"`

	// RequestTimeoutSeconds caps a forwarded call. <= 0 means no overall timeout,
	// which streaming responses need.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds" json:"request-timeout-seconds"`

	// Interceptor configures the in-process interceptor preloaded into the assistant.
	Interceptor InterceptorConfig `yaml:"interceptor" json:"interceptor"`

	// Supervisor configures how the assistant is launched.
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`
}

// InterceptorConfig holds the interceptor's refresh policy.
type InterceptorConfig struct {
	// RefreshIntervalSeconds is the minimum time between settings re-reads.
	RefreshIntervalSeconds int `yaml:"refresh-interval-seconds" json:"refresh-interval-seconds"`

	// Watch enables refresh-on-write through a file watch. nil means enabled.
	Watch *bool `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// SupervisorConfig holds process supervisor settings.
type SupervisorConfig struct {
	// Executable overrides assistant discovery.
	Executable string `yaml:"executable" json:"executable"`

	// Preload is an argv prefix placed before the executable, e.g.
	// ["node", "--require", "/opt/ccswitch/interceptor.js"].
	Preload []string `yaml:"preload" json:"preload"`

	// ExitLine is written to the terminal to request a graceful exit.
	ExitLine string `yaml:"exit-line" json:"exit-line"`

	// GracePeriodMS is how long Stop waits after ExitLine before killing.
	GracePeriodMS int `yaml:"grace-period-ms" json:"grace-period-ms"`

	// ReadyTimeoutMS bounds the wait for a readiness marker.
	ReadyTimeoutMS int `yaml:"ready-timeout-ms" json:"ready-timeout-ms"`

	// ReadyPatterns are extra regular expressions that mark the prompt as ready.
	ReadyPatterns []string `yaml:"ready-patterns" json:"ready-patterns"`

	// HistoryLines is the scrollback kept for websocket replay.
	HistoryLines int `yaml:"history-lines" json:"history-lines"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	return cfg
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigOptional(path, false)
}

// LoadConfigOptional reads the configuration file. When optional is true a missing
// or unparsable file yields the default configuration instead of an error.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if optional {
			cfg.applyDefaults(path)
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) > 0 {
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			if optional {
				cfg = &Config{}
				cfg.applyDefaults(path)
				cfg.applyEnv()
				return cfg, nil
			}
			return nil, fmt.Errorf("failed to parse config file: %w", errUnmarshal)
		}
	}

	cfg.applyDefaults(path)
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults(configPath string) {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if strings.TrimSpace(c.OfficialBaseURL) == "" {
		c.OfficialBaseURL = DefaultOfficialBaseURL
	}
	c.OfficialBaseURL = strings.TrimRight(c.OfficialBaseURL, "/")
	if strings.TrimSpace(c.SettingsFile) == "" {
		c.SettingsFile = DefaultSettingsPath()
	}
	c.SettingsFile = ExpandPath(c.SettingsFile)
	if strings.TrimSpace(c.LogDir) == "" {
		base := "."
		if configPath != "" {
			base = filepath.Dir(configPath)
		}
		c.LogDir = filepath.Join(base, "logs")
	}
	c.LogDir = ExpandPath(c.LogDir)
	if c.LogsMaxSizeMB <= 0 {
		c.LogsMaxSizeMB = 20
	}
	if c.Interceptor.RefreshIntervalSeconds <= 0 {
		c.Interceptor.RefreshIntervalSeconds = DefaultRefreshIntervalSeconds
	}
	s := &c.Supervisor
	if s.ExitLine == "" {
		s.ExitLine = "/exit\r"
	}
	if s.GracePeriodMS <= 0 {
		s.GracePeriodMS = 1500
	}
	if s.ReadyTimeoutMS <= 0 {
		s.ReadyTimeoutMS = 8000
	}
	if s.HistoryLines <= 0 {
		s.HistoryLines = 2000
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("CCSWITCH_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("CCSWITCH_SETTINGS")); v != "" {
		c.SettingsFile = ExpandPath(v)
	}
	if v := strings.TrimSpace(os.Getenv("CCSWITCH_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations the proxy must never run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.Host {
	case "127.0.0.1", "localhost", "::1":
	default:
		return fmt.Errorf("host %q is not a loopback address", c.Host)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// IsMetricsEnabled returns whether Prometheus metrics are enabled, defaulting to true.
func (c *Config) IsMetricsEnabled() bool {
	if c == nil || c.Metrics == nil {
		return true
	}
	return *c.Metrics
}

// IsWatchEnabled returns whether the interceptor watches the settings file, defaulting to true.
func (c *InterceptorConfig) IsWatchEnabled() bool {
	if c == nil || c.Watch == nil {
		return true
	}
	return *c.Watch
}

// RefreshInterval returns the interceptor refresh interval.
func (c *InterceptorConfig) RefreshInterval() time.Duration {
	if c == nil || c.RefreshIntervalSeconds <= 0 {
		return DefaultRefreshIntervalSeconds * time.Second
	}
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// GracePeriod returns the stop grace period.
func (c *SupervisorConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMS) * time.Millisecond
}

// ReadyTimeout returns the readiness fallback timeout.
func (c *SupervisorConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutMS) * time.Millisecond
}

// ProxyBaseURL is the URL the assistant is pointed at.
func (c *Config) ProxyBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// DefaultSettingsPath returns ~/.ccswitch/settings.json.
func DefaultSettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

// ConfigDir returns the per-user ccswitch directory.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".ccswitch"
	}
	return filepath.Join(home, ".ccswitch")
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
