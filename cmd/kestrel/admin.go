package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/kestrel/internal/control"
	"github.com/postalsys/kestrel/internal/protocol"
)

const requestTimeout = 15 * time.Second

// withClient runs fn against the control socket of the running controller.
func withClient(fn func(ctx context.Context, c *control.Client) error) error {
	c := control.NewClient(globals.socket)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show controller status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if globals.json {
					return printJSON(st)
				}
				fmt.Printf("Version:    %s\n", st.Version)
				fmt.Printf("Started:    %s\n", ago(st.StartedAt))
				fmt.Printf("Agents:     %d (%d live)\n", st.Agents, st.Live)
				fmt.Printf("Listeners:  %d\n", st.Listeners)
				fmt.Printf("Proxies:    %d\n", st.Proxies)
				fmt.Printf("Observers:  %d\n", st.Observers)
				return nil
			})
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				agents, err := c.Agents(ctx)
				if err != nil {
					return err
				}
				if globals.json {
					return printJSON(agents)
				}
				if len(agents) == 0 {
					fmt.Println(dimStyle.Render("No agents registered."))
					return nil
				}

				w := newTable()
				fmt.Fprintln(w, "ID\tCLASS\tLABEL\tPLATFORM\tINTERNET\tROUTE\tLAST SEEN\tNOTE")
				for _, a := range agents {
					class := a.Class.String()
					if a.Live {
						class += "*"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\t%s\t%s\t%s\n",
						a.ID, class, a.Label(), a.Info.Platform, a.Info.Arch,
						orDash(a.Internet), orDash(a.Route), ago(a.LastSeen), a.Note)
				}
				return w.Flush()
			})
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <agent-id>",
		Short: "Drop an agent and close its session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				if err := c.RemoveAgent(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Removed %s\n", args[0])
				return nil
			})
		},
	}
}

func noteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <agent-id> [text...]",
		Short: "Set or clear the operator note of an agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			note := strings.Join(args[1:], " ")
			return withClient(func(ctx context.Context, c *control.Client) error {
				return c.NoteAgent(ctx, args[0], note)
			})
		},
	}
}

func queueCmd() *cobra.Command {
	var typ string

	cmd := &cobra.Command{
		Use:   "queue <agent-id> <payload>",
		Short: "Queue an event for a polling agent",
		Long: `Queue an event for delivery on the agent's next poll.
A task payload is run as a command line; its output is reported back as a result event.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				ev, err := c.QueueEvent(ctx, args[0], typ, args[1])
				if err != nil {
					return err
				}
				if globals.json {
					return printJSON(ev)
				}
				fmt.Printf("Queued %s event %s for %s\n", ev.Type, ev.ID, args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&typ, "type", "t", protocol.EventTask, "Event type (task or config)")

	return cmd
}

func listenersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listeners",
		Short: "List running listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				infos, err := c.Listeners(ctx)
				if err != nil {
					return err
				}
				if globals.json {
					return printJSON(infos)
				}
				if len(infos) == 0 {
					fmt.Println(dimStyle.Render("No listeners running."))
					return nil
				}

				w := newTable()
				fmt.Fprintln(w, "ID\tTRANSPORT\tADDRESS\tONLINE\tPROTOCOL\tSESSIONS\tSTARTED")
				for _, l := range infos {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						l.ID, l.Transport, l.Address, orDash(l.Online), l.Protocol,
						humanize.Comma(l.Sessions), ago(l.StartedAt))
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stop <listener-id>",
		Short: "Stop a listener",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				if err := c.StopListener(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Stopped listener %s\n", args[0])
				return nil
			})
		},
	})

	return cmd
}

func proxiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proxies",
		Aliases: []string{"proxy"},
		Short:   "List running proxies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				records, err := c.Proxies(ctx)
				if err != nil {
					return err
				}
				if globals.json {
					return printJSON(records)
				}
				if len(records) == 0 {
					fmt.Println(dimStyle.Render("No proxies running."))
					return nil
				}

				w := newTable()
				fmt.Fprintln(w, "AGENT\tLOCAL\tREMOTE\tAUTH\tCREATED")
				for _, r := range records {
					remote := r.Remote
					if remote == "" {
						remote = "socks5"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Address(), remote, orDash(r.Username), ago(r.CreatedAt))
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(proxyAddCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "stop <port>",
		Short: "Stop the proxy on a local port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[0])
			}
			return withClient(func(ctx context.Context, c *control.Client) error {
				if err := c.StopProxy(ctx, port); err != nil {
					return err
				}
				fmt.Printf("Stopped proxy on port %d\n", port)
				return nil
			})
		},
	})

	return cmd
}

func proxyAddCmd() *cobra.Command {
	var req control.ProxyRequest

	cmd := &cobra.Command{
		Use:   "add <agent-id> <port>",
		Short: "Start a proxy through an agent",
		Long: `Listen on a local port and carry each connection through the agent.
With --remote the port forwards to that address as seen from the agent;
without it the port speaks SOCKS5.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
			req.ID = args[0]
			req.Port = port

			return withClient(func(ctx context.Context, c *control.Client) error {
				rec, err := c.AddProxy(ctx, req)
				if err != nil {
					return err
				}
				if globals.json {
					return printJSON(rec)
				}
				target := rec.Remote
				if target == "" {
					target = "socks5"
				}
				fmt.Printf("%s %s -> %s via %s\n", okStyle.Render("Proxy started:"), rec.Address(), target, rec.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Bind, "bind", "127.0.0.1", "Local bind address")
	cmd.Flags().StringVar(&req.Remote, "remote", "", "Remote host:port (empty for SOCKS5)")
	cmd.Flags().StringVar(&req.Username, "username", "", "SOCKS5 username")
	cmd.Flags().StringVar(&req.Password, "password", "", "SOCKS5 password")

	return cmd
}
