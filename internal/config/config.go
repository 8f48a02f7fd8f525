// Package config loads and validates the controller and agent YAML files.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/kestrel/internal/handshake"
	"github.com/postalsys/kestrel/internal/transport"
)

// Config is the controller configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Relay     RelayConfig      `yaml:"relay"`
	Proxies   []ProxyConfig    `yaml:"proxies"`
	Projects  []ProjectConfig  `yaml:"projects"`
	Web       WebConfig        `yaml:"web"`
	Control   ControlConfig    `yaml:"control"`
	Timeouts  TimeoutsConfig   `yaml:"timeouts"`
	Monitor   MonitorConfig    `yaml:"monitor"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ListenerConfig defines one agent listener.
type ListenerConfig struct {
	ID        string    `yaml:"id"`
	Transport string    `yaml:"transport"` // tcp, kcp, ws, quic
	Address   string    `yaml:"address"`   // bind endpoint
	Online    string    `yaml:"online"`    // address agents dial
	Secret    string    `yaml:"secret"`
	Protocol  string    `yaml:"protocol"` // Noise protocol name
	Proxy     string    `yaml:"proxy"`    // outbound proxy handed to agents
	Enabled   *bool     `yaml:"enabled"`
	TLS       TLSConfig `yaml:"tls"`
}

// IsEnabled reports whether the listener starts with the controller.
// Listeners are enabled unless explicitly disabled.
func (l ListenerConfig) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// TLSConfig points at a certificate pair. Empty means self-signed.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// RelayConfig holds the default credentials of the secondary session.
type RelayConfig struct {
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit int           `yaml:"rate_limit"` // bytes per second, 0 = unlimited

	// PasswordHash is a bcrypt hash accepted instead of Password (agent only).
	PasswordHash string `yaml:"password_hash"`
}

// ProxyConfig is a proxy started whenever its agent comes online.
type ProxyConfig struct {
	ID       string `yaml:"id"` // agent id
	Bind     string `yaml:"bind"`
	Port     int    `yaml:"port"`
	Remote   string `yaml:"remote"` // empty for socks5
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ProjectConfig is a polling route and the key sealing its traffic.
type ProjectConfig struct {
	Name  string `yaml:"name"`
	Route string `yaml:"route"`
	Key   string `yaml:"key"`
}

// WebConfig configures the HTTP server for polling, bridges and metrics.
type WebConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	Token        string        `yaml:"token"`
	Metrics      bool          `yaml:"metrics"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// TimeoutsConfig bounds connection setup and session liveness.
type TimeoutsConfig struct {
	Handshake    time.Duration `yaml:"handshake"`
	Registration time.Duration `yaml:"registration"`
	KeepAlive    time.Duration `yaml:"keepalive"`
	StreamOpen   time.Duration `yaml:"stream_open"`
}

// MonitorConfig controls the periodic liveness broadcast.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`
}

// Default listener values.
const (
	DefaultListenerID      = "default"
	DefaultListenerAddress = "tcp://0.0.0.0:32000"
)

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listeners: []ListenerConfig{},
		Relay: RelayConfig{
			Username: "kestrel",
			Timeout:  15 * time.Second,
		},
		Web: WebConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			Metrics:      true,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "./data/control.sock",
		},
		Timeouts: TimeoutsConfig{
			Handshake:    handshake.DefaultTimeout,
			Registration: 5 * time.Second,
			KeepAlive:    30 * time.Second,
			StreamOpen:   30 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval: 5 * time.Second,
			Window:   50 * time.Second,
		},
	}
}

// DefaultListener returns the listener written by the init wizard.
func DefaultListener(secret string) ListenerConfig {
	return ListenerConfig{
		ID:        DefaultListenerID,
		Transport: string(transport.KindTCP),
		Address:   DefaultListenerAddress,
		Secret:    secret,
		Protocol:  handshake.DefaultProtocol,
	}
}

// Load reads and parses a controller configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses a controller configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR}, ${VAR:-default} and $VAR with environment
// values. Unset variables without a default are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.DataDir == "" {
		errs = append(errs, "server.data_dir is required")
	}
	if !isValidLogLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Server.LogLevel))
	}
	if !isValidLogFormat(c.Server.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Server.LogFormat))
	}

	ids := make(map[string]bool)
	for i, l := range c.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
		if ids[l.ID] {
			errs = append(errs, fmt.Sprintf("listeners[%d]: duplicate id %q", i, l.ID))
		}
		ids[l.ID] = true
	}

	ports := make(map[int]bool)
	for i, p := range c.Proxies {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("proxies[%d]: id is required", i))
		}
		if p.Port < 1 || p.Port > 65535 {
			errs = append(errs, fmt.Sprintf("proxies[%d]: port must be between 1 and 65535", i))
		} else if ports[p.Port] {
			errs = append(errs, fmt.Sprintf("proxies[%d]: port %d used twice", i, p.Port))
		}
		ports[p.Port] = true
		if p.Remote != "" {
			if _, _, err := net.SplitHostPort(p.Remote); err != nil {
				errs = append(errs, fmt.Sprintf("proxies[%d]: invalid remote %q", i, p.Remote))
			}
		}
	}

	routes := make(map[string]bool)
	for i, p := range c.Projects {
		if p.Route == "" || strings.Contains(p.Route, "/") {
			errs = append(errs, fmt.Sprintf("projects[%d]: route must be a single path segment", i))
		}
		if p.Key == "" {
			errs = append(errs, fmt.Sprintf("projects[%d]: key is required", i))
		}
		if routes[p.Route] {
			errs = append(errs, fmt.Sprintf("projects[%d]: duplicate route %q", i, p.Route))
		}
		routes[p.Route] = true
	}

	if c.Web.Enabled && c.Web.Address == "" {
		errs = append(errs, "web.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}
	if c.Timeouts.Handshake <= 0 || c.Timeouts.Registration <= 0 {
		errs = append(errs, "timeouts.handshake and timeouts.registration must be positive")
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, "monitor.interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateListener(l ListenerConfig) error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if _, err := transport.ParseEndpoint(l.Address); err != nil {
		return err
	}
	if l.Transport != "" {
		if _, err := transport.ParseKind(l.Transport); err != nil {
			return err
		}
	}
	if l.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if l.Protocol != "" {
		if _, _, err := handshake.ParseProtocol(l.Protocol); err != nil {
			return err
		}
	}
	if (l.TLS.Cert == "") != (l.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	return nil
}

// String returns the redacted config as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

func redact(s *string) {
	if *s != "" {
		*s = redactedValue
	}
}

// Redacted returns a copy with secrets, passwords, keys and tokens hidden.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	r := &Config{}
	if err := yaml.Unmarshal(data, r); err != nil {
		return c
	}

	for i := range r.Listeners {
		redact(&r.Listeners[i].Secret)
		redact(&r.Listeners[i].TLS.Key)
	}
	for i := range r.Proxies {
		redact(&r.Proxies[i].Password)
	}
	for i := range r.Projects {
		redact(&r.Projects[i].Key)
	}
	redact(&r.Relay.Password)
	redact(&r.Web.Token)
	return r
}

// Project returns the project serving route.
func (c *Config) Project(route string) (ProjectConfig, bool) {
	for _, p := range c.Projects {
		if p.Route == route {
			return p, true
		}
	}
	return ProjectConfig{}, false
}

// Save writes the config as YAML with owner-only permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
