package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/savesync/savesync/internal/client/api"
	"github.com/savesync/savesync/internal/client/transfer"
	"github.com/savesync/savesync/internal/model"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the account and, per configured emulator, which side is newer.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Server:   %s\n", s.cfg.ServerURL)
			fmt.Fprintf(out, "Config:   %s\n", s.store.Path())

			online := false
			switch {
			case s.cfg.APIKey == "":
				fmt.Fprintln(out, "Account:  not registered")
			default:
				nick, err := s.client.Validate(ctx, s.cfg.APIKey)
				switch {
				case errors.Is(err, api.ErrUnauthorized):
					fmt.Fprintf(out, "Account:  %s (key rejected, it is replaced on the next transfer)\n", s.cfg.Nickname)
				case err != nil:
					return fmt.Errorf("validate key: %w", err)
				default:
					fmt.Fprintf(out, "Account:  %s\n", nick)
					online = true
				}
			}
			fmt.Fprintln(out)

			files := transfer.New(a.deps.Fs)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EMULATOR\tLOCAL\tSERVER\tSTATE")
			for _, emulator := range s.cfg.Emulators() {
				state := ""
				dir, err := s.cfg.SavePath(emulator)
				if err != nil {
					fmt.Fprintf(tw, "%s\t-\t-\tsave path not set\n", emulator)
					continue
				}
				l, err := files.ModTime(dir)
				if err != nil {
					return err
				}
				local := formatTime(l)

				remote := "?"
				if online {
					info, err := s.client.Info(ctx, s.cfg.APIKey, emulator)
					switch {
					case errors.Is(err, api.ErrNotFound):
						remote, state = "-", "not uploaded"
					case errors.Is(err, api.ErrBadRequest):
						remote, state = "-", "not supported by server"
					case err != nil:
						return fmt.Errorf("info %s: %w", emulator, err)
					default:
						remote = formatTime(info.LastModified)
						state = compare(l, info)
					}
				}
				if l.IsZero() && state == "not uploaded" {
					state = "nothing saved"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", emulator, local, remote, state)
			}
			return tw.Flush()
		},
	}
}

// compare applies the sync rule to describe what the next sync would do.
func compare(local time.Time, info *model.BundleInfo) string {
	switch {
	case local.After(info.LastModified):
		return "local newer"
	case info.LastModified.After(local):
		return "server newer"
	default:
		return "in sync"
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the save bundles stored on the server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			if s.cfg.APIKey == "" {
				return errNotRegistered
			}

			bundles, err := s.client.List(cmd.Context(), s.cfg.APIKey)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			return printBundles(cmd.OutOrStdout(), bundles)
		},
	}
}

func printBundles(w io.Writer, bundles []model.BundleInfo) error {
	if len(bundles) == 0 {
		fmt.Fprintln(w, "No saves on the server yet.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EMULATOR\tLAST MODIFIED\tSIZE\tCHECKSUM")
	for _, b := range bundles {
		sum := b.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Emulator, formatTime(b.LastModified), formatSize(b.Size), sum)
	}
	return tw.Flush()
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
