package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/savesync/savesync/internal/client/config"
)

func newInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file with placeholder save paths.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.env()
			if err != nil {
				return err
			}
			store, err := a.store(e)
			if err != nil {
				return err
			}

			existing, created, err := store.Load()
			if err != nil && !force {
				return err
			}
			if err == nil && !created && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists. Use --force to overwrite it.\n", store.Path())
				return nil
			}

			cfg := config.Default()
			if a.serverURL != "" {
				cfg.ServerURL = a.serverURL
			}
			// Keep the identity when overwriting so the key is not lost.
			if existing != nil && !created {
				cfg.Nickname, cfg.APIKey = existing.Nickname, existing.APIKey
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := store.Save(cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s. Edit save_paths, then run `savesync sync`.\n", store.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file.")
	return cmd
}
