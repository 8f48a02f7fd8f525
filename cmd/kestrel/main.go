// Package main provides the CLI entry point for the kestrel controller.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/postalsys/kestrel/internal/config"
	"github.com/postalsys/kestrel/internal/controller"
	"github.com/postalsys/kestrel/internal/handshake"
	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/sysinfo"
	"github.com/postalsys/kestrel/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kestrel",
		Short: "Kestrel - agent controller and tunneling fabric",
		Long: `Kestrel is the controller of a fleet of remote agents.

Agents register over an encrypted multiplexed session (or by polling
the web server) and expose shells, SFTP, desktops and TCP/SOCKS5 proxies
through a secondary SSH session.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&globals.socket, "socket", "s", "./data/control.sock", "Control socket of the running controller")
	rootCmd.PersistentFlags().BoolVar(&globals.json, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(removeCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(listenersCmd())
	rootCmd.AddCommand(proxiesCmd())
	rootCmd.AddCommand(shellCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

var globals struct {
	socket string
	json   bool
}

var (
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Walk through the controller configuration and write it to a YAML file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller",
		Long:  "Start the listeners, the web server and the control socket from a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)

			c, err := controller.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create controller: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("failed to start controller: %w", err)
			}

			fmt.Println(okStyle.Render("Kestrel controller running"))
			for _, l := range c.Listeners() {
				fmt.Printf("  Listener %-10s %s://%s\n", l.ID, l.Transport, l.Address)
			}
			if addr := c.WebAddress(); addr != "" {
				fmt.Printf("  Web server        http://%s\n", addr)
			}
			if cfg.Control.Enabled {
				fmt.Printf("  Control socket    %s\n", cfg.Control.SocketPath)
			}

			<-ctx.Done()
			fmt.Println(dimStyle.Render("\nShutting down..."))

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()

			if err := c.Stop(stopCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}

			fmt.Println("Controller stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./kestrel.yaml", "Path to configuration file")

	return cmd
}

func keyCmd() *cobra.Command {
	var (
		secret   string
		protocol string
	)

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the static public key derived from a secret",
		Long: `Print the Curve25519 public key both sides derive from a listener secret.
Useful to check that a controller and an agent share the same secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			hs, err := handshake.NewConfig([]byte(secret), protocol)
			if err != nil {
				return err
			}
			if globals.json {
				return printJSON(map[string]string{
					"protocol":   hs.Protocol(),
					"public_key": hex.EncodeToString(hs.PublicKey()),
				})
			}
			fmt.Printf("Protocol:   %s\n", hs.Protocol())
			fmt.Printf("Public key: %s\n", hex.EncodeToString(hs.PublicKey()))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Listener secret")
	cmd.Flags().StringVar(&protocol, "protocol", handshake.DefaultProtocol, "Noise protocol name")

	return cmd
}
