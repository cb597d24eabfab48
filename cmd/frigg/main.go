package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/frigg/internal/core"
	prov "github.com/3cpo-dev/frigg/internal/providers"
	"github.com/3cpo-dev/frigg/internal/providers/hetzner"
	"github.com/3cpo-dev/frigg/internal/providers/localssh"
	"github.com/3cpo-dev/frigg/internal/providers/vultr"
)

var (
	version   = "0.3.0"
	commit    = ""
	buildDate = ""
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frigg",
		Short: "Frigg: ephemeral VM smoke tests",
		Long: "Frigg creates a throwaway VM, runs an install pipeline on it over SSH " +
			"and destroys the VM again, whatever the outcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/frigg/config.yaml)")
	cmd.PersistentFlags().StringP("profile", "p", "", "profile to use (default: default_profile)")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || level == zerolog.NoLevel {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newCatalogCmd("images", "List the provider's images"))
	cmd.AddCommand(newCatalogCmd("sizes", "List the provider's sizes"))
	cmd.AddCommand(newProvidersCmd())
	cmd.AddCommand(newHistoryCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "frigg %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func newRegistry() *prov.Registry {
	reg := prov.NewRegistry()
	reg.Register("vultr", vultr.New)
	reg.Register("hetzner", hetzner.New)
	reg.Register("localssh", localssh.New)
	return reg
}

func loadConfig(cmd *cobra.Command) (prov.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	setupLogger()
	root := newRootCmd()
	// An interrupt cancels the run; the node is still destroyed.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
