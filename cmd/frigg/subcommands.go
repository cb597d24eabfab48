package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/frigg/internal/core"
	"github.com/3cpo-dev/frigg/internal/events"
	prov "github.com/3cpo-dev/frigg/internal/providers"
	"github.com/3cpo-dev/frigg/internal/recipes"
	"github.com/3cpo-dev/frigg/internal/report"
	gssh "github.com/3cpo-dev/frigg/internal/ssh"
	"github.com/3cpo-dev/frigg/internal/telemetry"
	"github.com/3cpo-dev/frigg/pkg/api"
)

// newFrigg wires the configured sinks. Sinks that cannot be set up are
// logged and left out.
func newFrigg(ctx context.Context, cfg prov.Config) (*core.Frigg, func()) {
	f := &core.Frigg{Config: cfg, Registry: newRegistry(), Env: core.EnvFromOS()}
	var closers []func()

	if store, err := core.NewStore(cfg.Store.Path); err != nil {
		log.Warn().Err(err).Msg("run history disabled")
	} else {
		f.Store = store
		closers = append(closers, func() { _ = store.Close() })
	}
	f.Metrics = telemetry.NewCollector(cfg.Telemetry.PushGateway)
	if cfg.Events.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.Events.NATSURL).Msg("event publishing disabled")
		} else {
			f.Events = pub
			closers = append(closers, pub.Close)
		}
	}
	if cfg.Report.S3Bucket != "" {
		a, err := report.NewArchiver(ctx, report.Options{
			Bucket:    cfg.Report.S3Bucket,
			Prefix:    cfg.Report.S3Prefix,
			Region:    cfg.Report.S3Region,
			Endpoint:  cfg.Report.S3Endpoint,
			AccessKey: cfg.Report.AccessKey,
			SecretKey: cfg.Report.SecretKey,
		})
		if err != nil {
			log.Warn().Err(err).Msg("report archiving disabled")
		} else {
			f.Archive = a
		}
	}
	return f, func() {
		for _, c := range closers {
			c()
		}
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a node, run the profile's pipeline on it and destroy it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			profile, _ := cmd.Flags().GetString("profile")
			platforms, _ := cmd.Flags().GetBool("platforms")
			sites, _ := cmd.Flags().GetBool("sites")
			allow, _ := cmd.Flags().GetStringSlice("allow")

			f, closeSinks := newFrigg(cmd.Context(), cfg)
			defer closeSinks()
			rep, err := f.Run(cmd.Context(), core.RunOptions{
				Profile:         profile,
				Platforms:       platforms,
				Sites:           sites,
				FirewallSources: allow,
			})
			if rep.TeardownWarning != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "\n!!! NODE %s WAS NOT DESTROYED: %s\n!!! remove it by hand, then run: frigg history --destroyed %s\n\n",
					nodeLabel(rep.Node), rep.TeardownWarning, rep.ID)
			}
			if err != nil {
				return fmt.Errorf("%s failed: %w", rep.Phase, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s verified in %s\n", rep.ID, rep.Duration().Round(time.Second))
			return nil
		},
	}
	cmd.Flags().Bool("platforms", false, "also build the optional platforms, where the pipeline has them")
	cmd.Flags().Bool("sites", false, "also install test sites on the platforms")
	cmd.Flags().StringSlice("allow", nil, "addresses allowed through the node firewall (default: everyone)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate a profile without creating anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			profile, _ := cmd.Flags().GetString("profile")
			plan, err := core.Preflight(cfg, newRegistry(), profile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %s ok: provider %s, pipeline %s, image %q, size %q\n",
				plan.ProfileName, plan.Profile.Provider, plan.Profile.Pipeline, plan.Profile.Image, plan.Profile.Size)
			return nil
		},
	}
}

func newCatalogCmd(kind, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			profile, _ := cmd.Flags().GetString("profile")
			match, _ := cmd.Flags().GetString("match")
			f := &core.Frigg{Config: cfg, Registry: newRegistry()}
			entries, err := f.Catalog(cmd.Context(), profile, kind, match)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\n", e.ID, e.Name)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("match", "", "only show entries containing this text")
	return cmd
}

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List providers and built-in pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range newRegistry().Names() {
				fmt.Fprintf(cmd.OutOrStdout(), "provider: %s\n", name)
			}
			for _, name := range recipes.Names() {
				r, _ := recipes.Lookup(name)
				fmt.Fprintf(cmd.OutOrStdout(), "pipeline: %s\t%s\n", name, r.Description)
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if id, _ := cmd.Flags().GetString("destroyed"); id != "" {
				if err := store.MarkDestroyed(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s marked destroyed\n", id)
				return nil
			}
			leaked, _ := cmd.Flags().GetBool("leaked")
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.List(cmd.Context(), limit)
			if leaked {
				runs, err = store.Leaked(cmd.Context())
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tPROFILE\tSTATUS\tPHASE\tNODE\tDESTROYED\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n", r.ID, r.Profile, r.Status, r.Phase,
					nodeLabel(r.Node), r.Destroyed, r.StartedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("leaked", false, "only show runs whose node was not destroyed")
	cmd.Flags().Int("limit", 20, "number of runs to show, 0 for all")
	cmd.Flags().String("destroyed", "", "mark the node of this run as destroyed by hand")
	return cmd
}

// newInitCmd writes a starter config and an SSH key pair when missing.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "frigg initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			dir := filepath.Dir(cfgPath)
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			key := filepath.Join(dir, "id_ed25519")
			if _, err := os.Stat(key); errors.Is(err, os.ErrNotExist) {
				if _, err := gssh.GenerateEd25519Keypair(key, "frigg"); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "generated %s\n", key)
			}
			if err := gssh.EnsureKnownHostsFile(filepath.Join(dir, "known_hosts")); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", cfgPath)
				return nil
			}
			if err := os.WriteFile(cfgPath, []byte(fmt.Sprintf(starterConfig, key+".pub")), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s, put provider tokens in %s\n", cfgPath, filepath.Join(dir, "secrets.env"))
			return nil
		},
	}
}

const starterConfig = `default_profile: nightly
profiles:
  nightly:
    provider: vultr
    image: Debian 12
    size: vc2-2c-4gb
    email: you@example.com
    public_key: %s
    pipeline: aegir-apt
    teardown_hook: on-success
`

func nodeLabel(n *api.NodeInfo) string {
	if n == nil {
		return "-"
	}
	if n.Host != "" {
		return n.Name + " (" + n.Host + ")"
	}
	return n.Name
}
