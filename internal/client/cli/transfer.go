package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/savesync/savesync/internal/client/engine"
	"github.com/savesync/savesync/internal/client/prompt"
	"github.com/savesync/savesync/internal/client/transfer"
)

func newUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <emulator>",
		Short: "Upload local saves, replacing the server copy.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTransfer(cmd, engine.OpUpload, args, "")
		},
	}
}

func newDownloadCmd(a *app) *cobra.Command {
	var onConflict string
	cmd := &cobra.Command{
		Use:   "download <emulator>",
		Short: "Download the server copy. Asks first if local saves are newer.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTransfer(cmd, engine.OpDownload, args, onConflict)
		},
	}
	cmd.Flags().StringVar(&onConflict, "on-conflict", "ask",
		"What to do when local saves are newer: ask, push, pull or cancel.")
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [emulator...]",
		Short: "Move saves in whichever direction is newer. Syncs every configured emulator by default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTransfer(cmd, engine.OpSync, args, "")
		},
	}
}

func (a *app) decider(onConflict string) (engine.Decider, error) {
	d, fixed, err := prompt.ParseDecision(onConflict)
	if err != nil {
		return nil, err
	}
	if fixed {
		return prompt.Fixed(d), nil
	}
	return a.deps.Prompter, nil
}

func (a *app) runTransfer(cmd *cobra.Command, op engine.Op, emulators []string, onConflict string) error {
	decider, err := a.decider(onConflict)
	if err != nil {
		return err
	}

	s, err := a.open()
	if err != nil {
		return err
	}
	if len(emulators) == 0 {
		emulators = s.cfg.Emulators()
	}

	eng := engine.New(engine.Options{
		Remote:   s.client,
		Files:    transfer.New(a.deps.Fs),
		Decider:  decider,
		Nickname: a.deps.Prompter,
		Persist:  s.persist,
		Logger:   s.logger,
	})

	for _, emulator := range emulators {
		dir, err := s.cfg.SavePath(emulator)
		if err != nil {
			return withConfigPath(err, s.store.Path())
		}

		res, err := eng.Run(cmd.Context(), engine.Request{
			Op:       op,
			Emulator: emulator,
			Dir:      dir,
			Creds:    s.creds(),
		})
		if res.Refreshed {
			fmt.Fprintf(s.errOut, "The saved API key was rejected. Registered %q again and saved the new key to %s.\n",
				res.Creds.Nickname, s.store.Path())
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, emulator, err)
		}
		report(cmd.OutOrStdout(), emulator, res)
	}
	return nil
}

func report(w io.Writer, emulator string, res *engine.Result) {
	switch res.Outcome {
	case engine.OutcomePushed:
		fmt.Fprintf(w, "%s: uploaded local saves (server time %s)\n", emulator, formatTime(res.Remote.LastModified))
	case engine.OutcomePulled:
		fmt.Fprintf(w, "%s: downloaded saves from %s\n", emulator, formatTime(res.Remote.LastModified))
	case engine.OutcomeCancelled:
		fmt.Fprintf(w, "%s: local saves are newer than the server copy, nothing changed\n", emulator)
	case engine.OutcomeUpToDate:
		fmt.Fprintf(w, "%s: already up to date\n", emulator)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
