package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/loykin/hashvisor/internal/config"
	"github.com/loykin/hashvisor/internal/process"
	"github.com/loykin/hashvisor/pkg/client"
	"github.com/spf13/cobra"
)

// apiURL resolves the API address: the flag wins, otherwise it is derived
// from the [server] section of the config.
func apiURL(flags *GlobalFlags) (string, error) {
	if flags.APIUrl != "" {
		return strings.TrimRight(flags.APIUrl, "/"), nil
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return "", err
	}
	return serverURL(cfg.Server), nil
}

func serverURL(s config.ServerConfig) string {
	scheme := "http"
	if s.TLS != nil && s.TLS.Enabled {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return scheme + "://" + s.Listen + s.BasePath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + strings.TrimRight(s.BasePath, "/")
}

func newClient(flags *GlobalFlags) (*client.Client, error) {
	u, err := apiURL(flags)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{
		BaseURL:  u,
		Timeout:  flags.APITimeout,
		Insecure: flags.Insecure,
		Token:    flags.Token,
		Username: flags.User,
		Password: os.Getenv(passwordEnv),
	}), nil
}

// daemonArg validates a daemon name locally so typos fail without a round trip.
func daemonArg(s string) (string, error) {
	k, err := process.ParseKind(s)
	if err != nil {
		return "", fmt.Errorf("%w (want one of %s)", err, kindList())
	}
	return k.Slug(), nil
}

func kindList() string {
	names := make([]string, 0, len(process.Kinds))
	for _, k := range process.Kinds {
		names = append(names, k.Slug())
	}
	return strings.Join(names, ", ")
}

func createActionCommand(flags *GlobalFlags, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <daemon>",
		Short: short,
		Long:  short + ". Daemons: " + kindList() + ".",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := daemonArg(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			switch op {
			case "start":
				err = c.Start(ctx, kind)
			case "stop":
				err = c.Stop(ctx, kind)
			default:
				err = c.Restart(ctx, kind)
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s requested\n", kind, op)
			return nil
		},
	}
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	var asJSON, output bool
	cmd := &cobra.Command{
		Use:   "status [daemon]",
		Short: "Show daemon status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), c, args, asJSON, output)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	cmd.Flags().BoolVar(&output, "output", false, "also print the console output of a single daemon")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, c *client.Client, args []string, asJSON, output bool) error {
	if len(args) == 0 {
		all, err := c.Daemons(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(w, all)
		}
		renderStatus(w, all)
		return nil
	}
	kind, err := daemonArg(args[0])
	if err != nil {
		return err
	}
	st, err := c.Daemon(ctx, kind)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, st)
	}
	renderStatus(w, []client.DaemonStatus{st})
	if output && st.Output != "" {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprint(w, st.Output)
	}
	return nil
}

func createInputCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "input <daemon> <line...>",
		Short: "Send a console line to a daemon",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := daemonArg(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			return c.Input(cmd.Context(), kind, strings.Join(args[1:], " "))
		},
	}
}

func createPayoutsCommand(flags *GlobalFlags) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "List recorded P2Pool payouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			ps, err := c.Payouts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), ps)
			}
			renderPayouts(cmd.OutOrStdout(), ps)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of payouts, -1 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func createPreferLocalCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prefer-local-node <on|off>",
		Short: "Toggle moving P2Pool to the local node once it is synchronized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseToggle(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			return c.SetPreferLocalNode(cmd.Context(), on)
		},
	}
}

func parseToggle(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return b, nil
}

func createConfigCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init [path]",
			Short: "Write the default configuration",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := flags.ConfigPath
				if len(args) > 0 {
					path = args[0]
				}
				if path == "" {
					path = "hashvisor.toml"
				}
				if err := config.WriteDefault(path); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(flags.ConfigPath)
				if err != nil {
					return err
				}
				b, err := config.Encode(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(b)
				return err
			},
		},
	)
	return cmd
}
