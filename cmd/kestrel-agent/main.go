// Package main provides the CLI entry point for the kestrel agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/postalsys/kestrel/internal/agent"
	"github.com/postalsys/kestrel/internal/config"
	"github.com/postalsys/kestrel/internal/identity"
	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/sysinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kestrel-agent",
		Short: "Kestrel agent",
		Long: `The kestrel agent dials a controller (or polls its web server) and
serves shells, SFTP, desktops and proxies to the operator.`,
		Version:      sysinfo.Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(idCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// overrides are command-line values applied on top of the config file.
type overrides struct {
	id        string
	dataDir   string
	mode      string
	server    string
	transport string
	secret    string
	protocol  string
	proxy     string
	pollURL   string
	pollKey   string
	username  string
	password  string
	logLevel  string
}

func (o *overrides) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.id, "id", "", "Agent id (\"auto\" persists a random id in the data dir)")
	fs.StringVarP(&o.dataDir, "data-dir", "d", "", "Directory for persistent state")
	fs.StringVarP(&o.mode, "mode", "m", "", "Connection mode: persistent or polling")
	fs.StringVar(&o.server, "server", "", "Controller endpoint, e.g. tcp://c2.example.com:32000")
	fs.StringVar(&o.transport, "transport", "", "Transport override: tcp, kcp, ws, quic")
	fs.StringVar(&o.secret, "secret", "", "Listener secret")
	fs.StringVar(&o.protocol, "protocol", "", "Noise protocol name")
	fs.StringVar(&o.proxy, "proxy", "", "Outbound proxy URL (http:// or socks5://)")
	fs.StringVar(&o.pollURL, "poll-url", "", "Polling URL, e.g. https://c2.example.com/poll/main")
	fs.StringVar(&o.pollKey, "poll-key", "", "Polling key")
	fs.StringVar(&o.username, "username", "", "Relay username")
	fs.StringVar(&o.password, "password", "", "Relay password")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// apply copies every flag the user set onto cfg.
func (o *overrides) apply(fs *pflag.FlagSet, cfg *config.AgentConfig) {
	set := map[string]*string{
		"id":        &cfg.ID,
		"data-dir":  &cfg.DataDir,
		"mode":      &cfg.Mode,
		"server":    &cfg.Server,
		"transport": &cfg.Transport,
		"secret":    &cfg.Secret,
		"protocol":  &cfg.Protocol,
		"proxy":     &cfg.Proxy,
		"poll-url":  &cfg.Poll.URL,
		"poll-key":  &cfg.Poll.Key,
		"username":  &cfg.Relay.Username,
		"password":  &cfg.Relay.Password,
		"log-level": &cfg.LogLevel,
	}
	fs.Visit(func(f *pflag.Flag) {
		if dst, ok := set[f.Name]; ok {
			*dst = f.Value.String()
		}
	})
}

func runCmd() *cobra.Command {
	var (
		configPath string
		o          overrides
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		Long:  "Connect to the controller using a configuration file, flags, or both.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultAgent()
			if configPath != "" {
				loaded, err := config.LoadAgent(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}
			o.apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			a, err := agent.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger.Info("agent starting",
				logging.KeyAgentID, a.ID(),
				"mode", cfg.Mode,
				"version", sysinfo.Version)

			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("agent stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	o.register(cmd.Flags())

	return cmd
}

func idCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "id",
		Short: "Show or create the persisted agent id",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, created, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize agent id: %w", err)
			}
			if created {
				fmt.Printf("Agent initialized in %s\n", dataDir)
			}
			fmt.Printf("Agent ID: %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}
