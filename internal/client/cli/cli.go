// Package cli implements the savesync command line client.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/savesync/savesync/internal/client/api"
	"github.com/savesync/savesync/internal/client/config"
	"github.com/savesync/savesync/internal/client/engine"
	"github.com/savesync/savesync/internal/client/prompt"
	"github.com/savesync/savesync/internal/logging"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// Deps are the process resources the commands use. Zero fields fall back
// to the real process values.
type Deps struct {
	Fs  afero.Fs
	Out io.Writer
	Err io.Writer
	// Environ replaces the process environment when non-nil.
	Environ    map[string]string
	HTTPClient *http.Client
	// Prompter answers conflicts and asks for nicknames. Defaults to a
	// terminal UI on a TTY and line prompts otherwise.
	Prompter prompt.Prompter
}

func (d Deps) withDefaults() Deps {
	if d.Fs == nil {
		d.Fs = afero.NewOsFs()
	}
	if d.Out == nil {
		d.Out = os.Stdout
	}
	if d.Err == nil {
		d.Err = os.Stderr
	}
	if d.Prompter == nil {
		d.Prompter = prompt.Auto(os.Stdin, d.Err)
	}
	return d
}

type app struct {
	deps Deps

	configPath string
	serverURL  string
	verbose    bool
}

// NewRoot builds the root command with every subcommand attached.
func NewRoot(d Deps) *cobra.Command {
	a := &app{deps: d.withDefaults()}

	root := &cobra.Command{
		Use:     "savesync",
		Short:   "Keep emulator save folders in sync across machines.",
		Version: Version,

		SilenceUsage: true,
		// Execute prints the error with a hint, so cobra must not.
		SilenceErrors: true,
	}
	root.SetOut(a.deps.Out)
	root.SetErr(a.deps.Err)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default "+config.DefaultPath+", or $SAVESYNC_CONFIG).")
	flags.StringVar(&a.serverURL, "server", "", "Server URL, overriding the config file and $SAVESYNC_SERVER_URL.")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Log debug output to stderr.")

	root.AddCommand(
		newUploadCmd(a),
		newDownloadCmd(a),
		newSyncCmd(a),
		newRegisterCmd(a),
		newStatusCmd(a),
		newListCmd(a),
		newInitCmd(a),
	)
	return root
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string, d Deps) int {
	d = d.withDefaults()
	root := NewRoot(d)
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(d.Err, "Error: %v\n", err)
		if hint := Hint(err); hint != "" {
			fmt.Fprintln(d.Err, hint)
		}
		return 1
	}
	return 0
}

func (a *app) env() (config.Env, error) {
	if a.deps.Environ != nil {
		return config.LoadEnvFrom(a.deps.Environ)
	}
	return config.LoadEnv()
}

func (a *app) store(e config.Env) (*config.Store, error) {
	path := a.configPath
	if path == "" {
		path = e.ConfigPath
	}
	return config.NewStore(a.deps.Fs, path)
}

// session is the state one command invocation works with. file is what is
// on disk; cfg has the environment and flag overrides applied and is never
// written back.
type session struct {
	store  *config.Store
	file   *config.Config
	cfg    *config.Config
	client *api.Client
	logger *slog.Logger
	errOut io.Writer
}

func (a *app) open() (*session, error) {
	e, err := a.env()
	if err != nil {
		return nil, err
	}
	store, err := a.store(e)
	if err != nil {
		return nil, err
	}

	file, created, err := store.Load()
	if err != nil {
		return nil, err
	}
	if created {
		if err := store.Save(file); err != nil {
			return nil, err
		}
		fmt.Fprintf(a.deps.Err, "Created %s. Edit save_paths to point at your emulator save folders.\n", store.Path())
	}

	cfg := e.Apply(file)
	if a.serverURL != "" {
		cfg.ServerURL = a.serverURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := "info"
	if a.verbose || e.Verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Writer: a.deps.Err})
	if err != nil {
		return nil, err
	}

	opts := []api.Option{api.WithLogger(logger), api.WithUserAgent("savesync-cli/" + Version)}
	if a.deps.HTTPClient != nil {
		opts = append(opts, api.WithHTTPClient(a.deps.HTTPClient))
	}
	client, err := api.New(cfg.ServerURL, opts...)
	if err != nil {
		return nil, err
	}

	logger.Debug("config loaded",
		slog.String("path", store.Path()),
		slog.String("server", logging.RedactURL(cfg.ServerURL)),
		slog.String("nickname", cfg.Nickname),
	)

	return &session{
		store:  store,
		file:   file,
		cfg:    cfg,
		client: client,
		logger: logger,
		errOut: a.deps.Err,
	}, nil
}

func (s *session) creds() engine.Credentials {
	return engine.Credentials{Nickname: s.cfg.Nickname, APIKey: s.cfg.APIKey}
}

// persist writes rotated credentials to the config file and keeps the
// effective config in step.
func (s *session) persist(c engine.Credentials) error {
	s.cfg.Nickname, s.cfg.APIKey = c.Nickname, c.APIKey
	s.file.Nickname, s.file.APIKey = c.Nickname, c.APIKey
	return s.store.Save(s.file)
}
