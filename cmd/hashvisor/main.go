package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	Token      string
	User       string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "hashvisor",
		Short: "Supervisor for monerod, P2Pool, XMRig and XMRig-Proxy",
		Long: `Hashvisor starts, watches and restarts a Monero mining stack and
arbitrates hashrate between P2Pool and XvB.

Examples:
  hashvisor serve config.toml       # run the supervisor
  hashvisor status                  # show every daemon
  hashvisor restart xmrig
  hashvisor input p2pool status     # type a console command`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "supervisor API URL (default from config, e.g. http://127.0.0.1:8090/api)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	pf.StringVar(&flags.Token, "token", os.Getenv("HASHVISOR_TOKEN"), "bearer token from 'hashvisor auth login' (env HASHVISOR_TOKEN)")
	pf.StringVar(&flags.User, "user", "", "API user for basic auth; password from HASHVISOR_PASSWORD")

	root.AddCommand(
		createServeCommand(flags),
		createActionCommand(flags, "start", "Start a daemon"),
		createActionCommand(flags, "stop", "Stop a daemon"),
		createActionCommand(flags, "restart", "Restart a daemon"),
		createStatusCommand(flags),
		createInputCommand(flags),
		createPayoutsCommand(flags),
		createPreferLocalCommand(flags),
		createConfigCommand(flags),
		createAuthCommand(flags),
	)
	return root
}
