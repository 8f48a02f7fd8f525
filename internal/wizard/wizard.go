// Package wizard provides the interactive setup wizard behind kestrel init.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/kestrel/internal/config"
	"github.com/postalsys/kestrel/internal/crypto"
	"github.com/postalsys/kestrel/internal/handshake"
	"github.com/postalsys/kestrel/internal/transport"
)

const (
	// secretLength is the size of a generated listener secret.
	secretLength = 8

	// passwordLength is the size of generated relay passwords and keys.
	passwordLength = 16

	certValidity = 365 * 24 * time.Hour
)

// Result is what a completed wizard wrote.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	DataDir    string
	ConfigPath string

	Transport string
	Listen    string
	Online    string
	Secret    string
	Protocol  string

	// GenerateCert writes a self-signed pair under DataDir/certs for the
	// TLS-capable transports.
	GenerateCert bool

	RelayUser     string
	RelayPassword string

	Web        bool
	WebAddress string
	WebToken   string
	Project    string
	ProjectKey string

	Control  bool
	LogLevel string
}

// Defaults returns the answers offered before the user edits anything.
// Secrets are freshly generated.
func Defaults() (Answers, error) {
	secret, err := crypto.RandomString(secretLength)
	if err != nil {
		return Answers{}, err
	}
	password, err := crypto.RandomString(passwordLength)
	if err != nil {
		return Answers{}, err
	}
	key, err := crypto.RandomString(passwordLength)
	if err != nil {
		return Answers{}, err
	}
	return Answers{
		DataDir:       "./data",
		ConfigPath:    "./kestrel.yaml",
		Transport:     string(transport.KindTCP),
		Listen:        "0.0.0.0:32000",
		Secret:        secret,
		Protocol:      handshake.DefaultProtocol,
		RelayUser:     "kestrel",
		RelayPassword: password,
		WebAddress:    "127.0.0.1:8080",
		Project:       "main",
		ProjectKey:    key,
		Control:       true,
		LogLevel:      "info",
	}, nil
}

// Wizard asks for a controller configuration on the terminal.
type Wizard struct {
	theme *huh.Theme
}

// New returns a wizard using the Dracula theme.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run asks every question, builds the config and writes it to disk.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a, err := Defaults()
	if err != nil {
		return nil, err
	}

	steps := []func(*Answers) error{
		w.askBasicSetup,
		w.askListener,
		w.askRelay,
		w.askWeb,
		w.askAdvancedOptions,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	cfg, err := Build(a)
	if err != nil {
		return nil, err
	}
	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		DataDir:    a.DataDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _              _            _
 | | _____  ___| |_ _ __ ___| |
 | |/ / _ \/ __| __| '__/ _ \ |
 |   <  __/\__ \ |_| | |  __/ |
 |_|\_\___||___/\__|_|  \___|_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Controller Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for the controller."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store state, certificates and the control socket").
				Placeholder("./data").
				Value(&a.DataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./kestrel.yaml").
				Value(&a.ConfigPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askListener(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Agent Listener").
				Description("Agents dial this listener and authenticate with the shared secret."),

			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("TCP", string(transport.KindTCP)),
					huh.NewOption("KCP (reliable UDP)", string(transport.KindKCP)),
					huh.NewOption("WebSocket (proxy-friendly)", string(transport.KindWS)),
					huh.NewOption("QUIC (UDP, TLS)", string(transport.KindQUIC)),
				).
				Value(&a.Transport),

			huh.NewInput().
				Title("Listen Address").
				Placeholder("0.0.0.0:32000").
				Value(&a.Listen).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Online Address").
				Description("Address agents are told to dial (optional)").
				Value(&a.Online),

			huh.NewInput().
				Title("Secret").
				Description("Shared secret the handshake keys are derived from").
				Value(&a.Secret).
				Validate(required("secret")),

			huh.NewSelect[string]().
				Title("Handshake Protocol").
				Options(
					huh.NewOption(handshake.DefaultProtocol, handshake.DefaultProtocol),
					huh.NewOption("Noise_XX_25519_ChaChaPoly_BLAKE2s", "Noise_XX_25519_ChaChaPoly_BLAKE2s"),
					huh.NewOption("Noise_KK_25519_AESGCM_SHA256", "Noise_KK_25519_AESGCM_SHA256"),
				).
				Value(&a.Protocol),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.Transport != string(transport.KindWS) && a.Transport != string(transport.KindQUIC) {
		return nil
	}
	a.GenerateCert = true
	return huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Generate a self-signed certificate?").
				Description("Without one a new certificate is made at every start").
				Value(&a.GenerateCert),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askRelay(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay Credentials").
				Description("Agents check these before opening a shell, files or a proxy.\nConfigure the same pair on your agents."),

			huh.NewInput().
				Title("Username").
				Value(&a.RelayUser).
				Validate(required("username")),

			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&a.RelayPassword).
				Validate(required("password")),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askWeb(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the web server?").
				Description("Needed for polling agents, kestrel shell and metrics").
				Value(&a.Web),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil || !a.Web {
		return err
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Web Address").
				Value(&a.WebAddress).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Bearer Token").
				Description("Required on /ws/* when set (optional)").
				Value(&a.WebToken),

			huh.NewInput().
				Title("Polling Route").
				Description("Polling agents check in at /poll/<route>").
				Value(&a.Project).
				Validate(func(s string) error {
					if s == "" || strings.Contains(s, "/") {
						return fmt.Errorf("route must be a single path segment")
					}
					return nil
				}),

			huh.NewInput().
				Title("Polling Key").
				Description("Seals polling traffic for this route").
				Value(&a.ProjectKey).
				Validate(required("key")),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure logging and the control socket."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (agents, proxies, queue)").
				Value(&a.Control),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// Build turns answers into a validated configuration. When a certificate is
// requested it is written under the data directory.
func Build(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Server.DataDir = a.DataDir
	cfg.Server.LogLevel = a.LogLevel
	cfg.Server.LogFormat = "text"

	listener := config.DefaultListener(a.Secret)
	listener.Transport = a.Transport
	listener.Address = a.Transport + "://" + a.Listen
	listener.Online = a.Online
	listener.Protocol = a.Protocol
	if a.GenerateCert {
		tls, err := writeCertificate(filepath.Join(a.DataDir, "certs"))
		if err != nil {
			return nil, err
		}
		listener.TLS = tls
	}
	cfg.Listeners = []config.ListenerConfig{listener}

	cfg.Relay.Username = a.RelayUser
	cfg.Relay.Password = a.RelayPassword

	cfg.Web.Enabled = a.Web
	if a.Web {
		cfg.Web.Address = a.WebAddress
		cfg.Web.Token = a.WebToken
		cfg.Projects = []config.ProjectConfig{{
			Name:  a.Project,
			Route: a.Project,
			Key:   a.ProjectKey,
		}}
	}

	cfg.Control.Enabled = a.Control
	cfg.Control.SocketPath = filepath.Join(a.DataDir, "control.sock")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeCertificate(dir string) (config.TLSConfig, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to create certs directory: %w", err)
	}
	certPEM, keyPEM, err := transport.GenerateSelfSignedCert("kestrel", certValidity)
	if err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to generate certificate: %w", err)
	}

	tls := config.TLSConfig{
		Cert: filepath.Join(dir, "listener.crt"),
		Key:  filepath.Join(dir, "listener.key"),
	}
	if err := os.WriteFile(tls.Cert, certPEM, 0644); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(tls.Key, keyPEM, 0600); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to write key: %w", err)
	}
	return tls, nil
}

// WriteConfig writes cfg to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Kestrel controller configuration
# Generated by kestrel init

`
	// The file holds secrets.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(a Answers, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Controller configured"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", a.ConfigPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Server.DataDir)
	fmt.Println()

	l := cfg.Listeners[0]
	fmt.Printf("  Listener:     %s\n", l.Address)
	fmt.Printf("  Secret:       %s\n", l.Secret)
	fmt.Printf("  Protocol:     %s\n", l.Protocol)

	if cfg.Web.Enabled {
		fmt.Printf("  Web:          http://%s\n", cfg.Web.Address)
		for _, p := range cfg.Projects {
			fmt.Printf("  Polling:      /poll/%s\n", p.Route)
		}
	}

	fmt.Println()
	fmt.Println("  To start the controller:")
	fmt.Printf("    kestrel run -c %s\n", a.ConfigPath)
	fmt.Println()
}

func required(what string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}
