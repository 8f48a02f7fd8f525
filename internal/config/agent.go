package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/kestrel/internal/handshake"
	"github.com/postalsys/kestrel/internal/transport"
)

// Agent connection modes.
const (
	ModePersistent = "persistent"
	ModePolling    = "polling"
)

// AgentConfig is the agent configuration.
type AgentConfig struct {
	ID        string `yaml:"id"` // "auto" or a fixed id
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Mode      string `yaml:"mode"`      // persistent, polling
	Server    string `yaml:"server"`    // controller endpoint
	Transport string `yaml:"transport"` // overrides the endpoint scheme
	Secret    string `yaml:"secret"`
	Protocol  string `yaml:"protocol"`
	Proxy     string `yaml:"proxy"`

	Poll      PollConfig      `yaml:"poll"`
	Relay     RelayConfig     `yaml:"relay"`
	Desktop   DesktopConfig   `yaml:"desktop"`
	Shell     ShellConfig     `yaml:"shell"`
	SOCKS5    SOCKS5Config    `yaml:"socks5"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Timeouts  AgentTimeouts   `yaml:"timeouts"`
}

// PollConfig configures polling mode.
type PollConfig struct {
	URL      string        `yaml:"url"` // e.g. https://c2.example.com/poll/main
	Key      string        `yaml:"key"`
	Interval time.Duration `yaml:"interval"`
}

// DesktopConfig names the local services behind the vnc and rdp subsystems.
type DesktopConfig struct {
	VNC string `yaml:"vnc"`
	RDP string `yaml:"rdp"`
}

// ShellConfig configures session channels.
type ShellConfig struct {
	Command     string `yaml:"command"`      // empty = login shell of the platform
	MaxSessions int    `yaml:"max_sessions"` // 0 = unlimited
}

// SOCKS5Config adds RFC 1929 authentication to the socks5 subsystem.
type SOCKS5Config struct {
	Users []SOCKS5User `yaml:"users"`
}

// SOCKS5User is one SOCKS5 credential.
type SOCKS5User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	PasswordHash string `yaml:"password_hash"` // bcrypt, instead of password
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// AgentTimeouts bounds the agent's connection setup.
type AgentTimeouts struct {
	Dial      time.Duration `yaml:"dial"`
	Handshake time.Duration `yaml:"handshake"`
	KeepAlive time.Duration `yaml:"keepalive"`
}

// DefaultAgent returns an AgentConfig with default values.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		ID:        "auto",
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		Mode:      ModePersistent,
		Protocol:  handshake.DefaultProtocol,
		Poll: PollConfig{
			Interval: 10 * time.Second,
		},
		Relay: RelayConfig{
			Username: "kestrel",
		},
		Desktop: DesktopConfig{
			VNC: "127.0.0.1:5900",
			RDP: "127.0.0.1:3389",
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
		},
		Timeouts: AgentTimeouts{
			Dial:      30 * time.Second,
			Handshake: handshake.DefaultTimeout,
			KeepAlive: 30 * time.Second,
		},
	}
}

// LoadAgent reads and parses an agent configuration file.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAgent(data)
}

// ParseAgent parses an agent configuration from YAML bytes.
func ParseAgent(data []byte) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem at once.
func (c *AgentConfig) Validate() error {
	var errs []string

	if c.DataDir == "" && (c.ID == "" || c.ID == "auto") {
		errs = append(errs, "data_dir is required when id is auto")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	switch c.Mode {
	case ModePersistent:
		if c.Server == "" {
			errs = append(errs, "server is required in persistent mode")
		} else if _, err := transport.ParseEndpoint(c.Server); err != nil {
			errs = append(errs, fmt.Sprintf("server: %v", err))
		}
		if c.Transport != "" {
			if _, err := transport.ParseKind(c.Transport); err != nil {
				errs = append(errs, fmt.Sprintf("transport: %v", err))
			}
		}
		if c.Secret == "" {
			errs = append(errs, "secret is required in persistent mode")
		}
		if _, _, err := handshake.ParseProtocol(c.Protocol); err != nil {
			errs = append(errs, fmt.Sprintf("protocol: %v", err))
		}
	case ModePolling:
		if u, err := url.Parse(c.Poll.URL); err != nil || u.Host == "" {
			errs = append(errs, "poll.url must be an absolute URL in polling mode")
		}
		if c.Poll.Key == "" {
			errs = append(errs, "poll.key is required in polling mode")
		}
		if c.Poll.Interval <= 0 {
			errs = append(errs, "poll.interval must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid mode: %s (must be persistent or polling)", c.Mode))
	}

	if c.Relay.Password == "" && c.Relay.PasswordHash == "" {
		errs = append(errs, "relay.password or relay.password_hash is required")
	}
	if c.Relay.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Relay.PasswordHash)); err != nil {
			errs = append(errs, fmt.Sprintf("relay.password_hash: %v", err))
		}
	}
	if c.Shell.MaxSessions < 0 {
		errs = append(errs, "shell.max_sessions must not be negative")
	}

	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, "reconnect.multiplier must be at least 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		errs = append(errs, "reconnect.jitter must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Redacted returns a copy with the secret and passwords hidden.
func (c *AgentConfig) Redacted() *AgentConfig {
	r := *c
	redact(&r.Secret)
	redact(&r.Poll.Key)
	redact(&r.Relay.Password)
	r.SOCKS5.Users = make([]SOCKS5User, len(c.SOCKS5.Users))
	for i, u := range c.SOCKS5.Users {
		redact(&u.Password)
		r.SOCKS5.Users[i] = u
	}
	return &r
}

// String returns the redacted config as YAML.
func (c *AgentConfig) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}
