package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/savesync/savesync/internal/client/engine"
)

func newRegisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register [nickname]",
		Short: "Register a nickname and store a fresh API key. Keys issued before for it stop working.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}

			nickname := s.cfg.Nickname
			if len(args) == 1 {
				nickname = args[0]
			}
			if nickname == "" {
				if nickname, err = a.deps.Prompter.Nickname(cmd.Context()); err != nil {
					return err
				}
			}

			key, err := s.client.Register(cmd.Context(), nickname)
			if err != nil {
				return fmt.Errorf("register %q: %w", nickname, err)
			}
			if err := s.persist(engine.Credentials{Nickname: nickname, APIKey: key}); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Registered %q. The key is saved in %s.\n", nickname, s.store.Path())
			fmt.Fprintln(cmd.OutOrStdout(), "Other machines using this nickname will re-register on their next sync.")
			return nil
		},
	}
}
