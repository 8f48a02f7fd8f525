package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/kestrel/internal/config"
	"github.com/postalsys/kestrel/internal/control"
	"github.com/postalsys/kestrel/internal/shell"
)

func shellCmd() *cobra.Command {
	var (
		configPath string
		webURL     string
		token      string
	)

	cmd := &cobra.Command{
		Use:   "shell <agent-id>",
		Short: "Open an interactive shell on a live agent",
		Long: `Attach the local terminal to a shell on the agent through the
controller's WebSocket bridge. The web address and token come from
--url/--token or from the controller configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if webURL == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("no --url given and %w", err)
				}
				if !cfg.Web.Enabled {
					return fmt.Errorf("web server is disabled in %s", configPath)
				}
				webURL = "http://" + cfg.Web.Address
				if token == "" {
					token = cfg.Web.Token
				}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
			defer cancel()

			client, err := shell.NewClient(shell.ClientConfig{
				BaseURL:  webURL,
				Token:    token,
				TargetID: args[0],
				Label:    agentLabel(ctx, args[0]),
			})
			if err != nil {
				return err
			}

			code, err := client.Run(ctx)
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./kestrel.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&webURL, "url", "", "Web server URL, e.g. http://127.0.0.1:8080")
	cmd.Flags().StringVar(&token, "token", "", "Web server bearer token")

	return cmd
}

// agentLabel looks the agent up over the control socket for the greeting.
// The id is used when the socket is unavailable.
func agentLabel(ctx context.Context, id string) string {
	c := control.NewClient(globals.socket)
	defer c.Close()

	agents, err := c.Agents(ctx)
	if err != nil {
		return id
	}
	for _, a := range agents {
		if a.ID == id {
			return a.Label()
		}
	}
	return id
}
