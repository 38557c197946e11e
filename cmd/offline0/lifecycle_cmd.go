package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

func newInstallCmd(opts *rootOptions) *cobra.Command {
	var activate bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Precache the configured version",
		Long: `Fetch every cache.assets entry into cache.version and exit.

Nothing is stored unless every required asset succeeds. Other versions are
left alone until the new one is activated.`,
		Example: `  offline0 install
  offline0 install --cache-version app-v7 --activate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			svc, err := offline0.NewService(cfg, logger)
			if err != nil {
				return fmt.Errorf("init service: %w", err)
			}
			defer svc.Close()

			if err := svc.Install(cmd.Context()); err != nil {
				return fmt.Errorf("install %s: %w", cfg.Cache.Version, err)
			}
			if activate {
				if err := svc.Activate(cmd.Context()); err != nil {
					return fmt.Errorf("activate %s: %w", cfg.Cache.Version, err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.Cache.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", false, "activate right after a successful install")
	return cmd
}

func newActivateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Make the configured version the only stored one",
		Long: `Delete every stored version except cache.version.

The version must already be installed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			svc, err := offline0.NewService(cfg, logger)
			if err != nil {
				return fmt.Errorf("init service: %w", err)
			}
			defer svc.Close()

			if err := svc.Activate(cmd.Context()); err != nil {
				return fmt.Errorf("activate %s: %w", cfg.Cache.Version, err)
			}
			return nil
		},
	}
}

func newVersionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "versions",
		Short:   "List stored versions, oldest first",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			svc, err := offline0.NewService(cfg, logger)
			if err != nil {
				return fmt.Errorf("init service: %w", err)
			}
			defer svc.Close()

			versions, err := svc.Versions(cmd.Context())
			if err != nil {
				return err
			}
			for _, v := range versions {
				marker := " "
				if v == cfg.Cache.Version {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, v)
			}
			return nil
		},
	}
}
