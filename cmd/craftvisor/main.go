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

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "craftvisor",
		Short: "Minecraft server supervisor",
		Long: `Craftvisor runs Minecraft server processes, watches their consoles for
player and TPS activity, and exposes them over an HTTP API.

Examples:
  craftvisor serve craftvisor.toml          # run the daemon
  craftvisor list
  craftvisor send survival say hello
  craftvisor status survival --api-url=https://mc-host:8080/api --ca-cert=api.crt`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&flags.APIUrl, "api-url", "http://localhost:8080/api", "daemon API base URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	pf.StringVar(&flags.CACert, "ca-cert", "", "PEM CA certificate to trust for https daemons")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")

	root.AddCommand(createServeCommand(flags))
	root.AddCommand(clientCommands(flags)...)
	return root
}
