package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savesync/savesync/internal/auth"
	"github.com/savesync/savesync/internal/blob"
	"github.com/savesync/savesync/internal/client/config"
	"github.com/savesync/savesync/internal/client/prompt"
	"github.com/savesync/savesync/internal/metrics"
	"github.com/savesync/savesync/internal/repository"
	"github.com/savesync/savesync/internal/server"
	"github.com/savesync/savesync/internal/service"
)

var serverNow = time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := repository.NewMemory()
	rec := metrics.NewInMemory()
	clock := clockwork.NewFakeClockAt(serverNow)

	blobs, err := blob.NewFS(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	srv := httptest.NewServer(server.NewRouter(server.RouterDeps{
		Logger: logger,
		Identity: service.NewIdentityService(repo, nil, service.IdentityOptions{
			KeyEnv:     auth.EnvTest,
			HashParams: auth.LightParams,
			Clock:      clock,
			Metrics:    rec,
			Logger:     logger,
		}),
		Bundles: service.NewBundleService(repo, blobs, service.BundleOptions{
			Emulators: []string{"mesen", "duckstation"},
			Clock:     clock,
			Metrics:   rec,
			Logger:    logger,
		}),
		Metrics:            rec,
		IsDevelopment:      true,
		MaxRequestBodySize: 1 << 20,
	}))
	t.Cleanup(srv.Close)
	return srv
}

type result struct {
	code     int
	out, err string
}

func run(t *testing.T, srv *httptest.Server, stdin string, args ...string) result {
	t.Helper()

	var out, errOut bytes.Buffer
	var hc *http.Client
	if srv != nil {
		hc = srv.Client()
	}
	code := Execute(context.Background(), args, Deps{
		Fs:         afero.NewOsFs(),
		Out:        &out,
		Err:        &errOut,
		Environ:    map[string]string{},
		HTTPClient: hc,
		Prompter:   prompt.NewLine(strings.NewReader(stdin), io.Discard),
	})
	return result{code: code, out: out.String(), err: errOut.String()}
}

func writeConfig(t *testing.T, path, serverURL, nickname string, savePaths map[string]string) {
	t.Helper()
	store, err := config.NewStore(afero.NewOsFs(), path)
	require.NoError(t, err)
	require.NoError(t, store.Save(&config.Config{
		ServerURL: serverURL,
		Nickname:  nickname,
		SavePaths: savePaths,
	}))
}

func loadConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	store, err := config.NewStore(afero.NewOsFs(), path)
	require.NoError(t, err)
	cfg, created, err := store.Load()
	require.NoError(t, err)
	require.False(t, created)
	return cfg
}

func writeSave(t *testing.T, dir, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, "slot1.sav")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func readSave(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "slot1.sav"))
	require.NoError(t, err)
	return string(data)
}

func TestTwoMachines(t *testing.T) {
	srv := newTestServer(t)
	home := t.TempDir()

	laptopCfg := filepath.Join(home, "laptop.yaml")
	laptopSaves := filepath.Join(home, "laptop", "mesen")
	writeConfig(t, laptopCfg, srv.URL, "alice", map[string]string{"mesen": laptopSaves})
	writeSave(t, laptopSaves, "link-to-the-past", serverNow.Add(-time.Hour))

	res := run(t, srv, "", "--config", laptopCfg, "upload", "mesen")
	require.Equal(t, 0, res.code, res.err)
	assert.Contains(t, res.out, "mesen: uploaded local saves")
	laptopKey := loadConfig(t, laptopCfg).APIKey
	require.NotEmpty(t, laptopKey)

	// The desktop has no key yet, so it registers alice again and the
	// laptop key stops working.
	desktopCfg := filepath.Join(home, "desktop.yaml")
	desktopSaves := filepath.Join(home, "desktop", "mesen")
	writeConfig(t, desktopCfg, srv.URL, "alice", map[string]string{"mesen": desktopSaves})

	res = run(t, srv, "", "--config", desktopCfg, "download", "mesen")
	require.Equal(t, 0, res.code, res.err)
	assert.Contains(t, res.out, "mesen: downloaded saves")
	assert.Equal(t, "link-to-the-past", readSave(t, desktopSaves))
	desktopKey := loadConfig(t, desktopCfg).APIKey
	assert.NotEqual(t, laptopKey, desktopKey)

	res = run(t, srv, "", "--config", laptopCfg, "sync", "mesen")
	require.Equal(t, 0, res.code, res.err)
	assert.Contains(t, res.err, "was rejected")
	assert.NotEqual(t, laptopKey, loadConfig(t, laptopCfg).APIKey)

	// Desktop plays on; a download must not silently overwrite that.
	writeSave(t, desktopSaves, "new-progress", serverNow.Add(time.Hour))
	res = run(t, srv, "", "--config", desktopCfg, "download", "mesen", "--on-conflict", "cancel")
	require.Equal(t, 0, res.code, res.err)
	assert.Contains(t, res.out, "nothing changed")
	assert.Equal(t, "new-progress", readSave(t, desktopSaves))

	// No answer on the prompt also cancels.
	res = run(t, srv, "", "--config", desktopCfg, "download", "mesen")
	require.Equal(t, 0, res.code, res.err)
	assert.Contains(t, res.out, "nothing changed")

	res = run(t, srv, "u\n", "--config", desktopCfg, "download", "mesen")
	require.Equal(t, 0, res.code, res.err)
	assert.Contains(t, res.out, "mesen: uploaded local saves")

	res = run(t, srv, "", "--config", laptopCfg, "download", "mesen")
	require.Equal(t, 0, res.code, res.err)
	assert.Equal(t, "new-progress", readSave(t, laptopSaves))

	res = run(t, srv, "", "--config", laptopCfg, "list")
	require.Equal(t, 0, res.code, res.err)
	assert.Contains(t, res.out, "EMULATOR")
	assert.Contains(t, res.out, "mesen")

	res = run(t, srv, "", "--config", laptopCfg, "status")
	require.Equal(t, 0, res.code, res.err)
	assert.Contains(t, res.out, "Account:  alice")
	assert.Contains(t, res.out, "in sync")
}

func TestRegister(t *testing.T) {
	srv := newTestServer(t)
	cfgPath := filepath.Join(t.TempDir(), "savesync.yaml")
	writeConfig(t, cfgPath, srv.URL, "", map[string]string{})

	res := run(t, srv, "not valid\nbob\n", "--config", cfgPath, "register")
	require.Equal(t, 0, res.code, res.err)
	assert.Contains(t, res.out, `Registered "bob"`)

	cfg := loadConfig(t, cfgPath)
	assert.Equal(t, "bob", cfg.Nickname)
	assert.NotEmpty(t, cfg.APIKey)

	res = run(t, srv, "", "--config", cfgPath, "register", "bad nickname")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.err, "Check the emulator name and nickname")
	assert.Equal(t, cfg.APIKey, loadConfig(t, cfgPath).APIKey)
}

func TestInit(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "nested", "savesync.yaml")

	res := run(t, nil, "", "--config", cfgPath, "init", "--server", "https://saves.example.com")
	require.Equal(t, 0, res.code, res.err)
	assert.Contains(t, res.out, "Wrote "+cfgPath)

	cfg := loadConfig(t, cfgPath)
	assert.Equal(t, "https://saves.example.com", cfg.ServerURL)
	assert.Contains(t, cfg.SavePaths, "mesen")

	info, err := os.Stat(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	res = run(t, nil, "", "--config", cfgPath, "init")
	require.Equal(t, 0, res.code, res.err)
	assert.Contains(t, res.out, "already exists")
}

func TestErrors(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()

	placeholderCfg := filepath.Join(dir, "fresh.yaml")
	configured := filepath.Join(dir, "configured.yaml")
	writeConfig(t, configured, srv.URL, "alice", map[string]string{
		"mesen":  filepath.Join(dir, "absent"),
		"snes9x": filepath.Join(dir, "snes"),
	})
	writeSave(t, filepath.Join(dir, "snes"), "save", serverNow)

	tests := []struct {
		name     string
		args     []string
		wantErr  string
		wantHint string
	}{
		{
			name:     "placeholder save path on first run",
			args:     []string{"--config", placeholderCfg, "upload", "mesen", "--server", srv.URL},
			wantErr:  "placeholder",
			wantHint: "save_paths",
		},
		{
			name:     "emulator not configured",
			args:     []string{"--config", configured, "sync", "duckstation"},
			wantErr:  "no save path configured",
			wantHint: "save_paths",
		},
		{
			name:     "missing save folder",
			args:     []string{"--config", configured, "upload", "mesen"},
			wantErr:  "does not exist",
			wantHint: "save folder does not exist",
		},
		{
			name:     "nothing uploaded yet",
			args:     []string{"--config", configured, "download", "mesen"},
			wantErr:  "no save bundle on the server",
			wantHint: "Nothing has been uploaded",
		},
		{
			name:     "emulator unknown to the server",
			args:     []string{"--config", configured, "upload", "snes9x"},
			wantHint: "Check the emulator name",
		},
		{
			name:     "server unreachable",
			args:     []string{"--config", configured, "upload", "snes9x", "--server", "http://127.0.0.1:1"},
			wantHint: "Check that the server is running",
		},
		{
			name:    "bad conflict policy",
			args:    []string{"--config", configured, "download", "mesen", "--on-conflict", "merge"},
			wantErr: "unknown conflict policy",
		},
		{
			name:    "missing argument",
			args:    []string{"--config", configured, "upload"},
			wantErr: "accepts 1 arg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, srv, "", tt.args...)
			assert.Equal(t, 1, res.code)
			assert.Contains(t, res.err, "Error: ")
			if tt.wantErr != "" {
				assert.Contains(t, res.err, tt.wantErr)
			}
			if tt.wantHint != "" {
				assert.Contains(t, res.err, tt.wantHint)
			}
		})
	}
}

func TestListRequiresRegistration(t *testing.T) {
	srv := newTestServer(t)
	cfgPath := filepath.Join(t.TempDir(), "savesync.yaml")
	writeConfig(t, cfgPath, srv.URL, "", map[string]string{})

	res := run(t, srv, "", "--config", cfgPath, "list")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.err, "savesync register")
}

func TestEnvironmentOverridesAreNotPersisted(t *testing.T) {
	srv := newTestServer(t)
	cfgPath := filepath.Join(t.TempDir(), "savesync.yaml")
	writeConfig(t, cfgPath, "http://127.0.0.1:1", "alice", map[string]string{})

	var out, errOut bytes.Buffer
	code := Execute(context.Background(), []string{"register"}, Deps{
		Fs:  afero.NewOsFs(),
		Out: &out,
		Err: &errOut,
		Environ: map[string]string{
			"SAVESYNC_CONFIG":     cfgPath,
			"SAVESYNC_SERVER_URL": srv.URL,
		},
		HTTPClient: srv.Client(),
		Prompter:   prompt.NewLine(strings.NewReader(""), io.Discard),
	})
	require.Equal(t, 0, code, errOut.String())

	cfg := loadConfig(t, cfgPath)
	assert.Equal(t, "http://127.0.0.1:1", cfg.ServerURL)
	assert.NotEmpty(t, cfg.APIKey)
}

func TestFormatSize(t *testing.T) {
	tests := map[int64]string{
		0:         "0 B",
		1023:      "1023 B",
		1024:      "1.0 KiB",
		1536:      "1.5 KiB",
		5 << 20:   "5.0 MiB",
		3 << 30:   "3.0 GiB",
		1<<40 + 1: "1.0 TiB",
	}
	for n, want := range tests {
		assert.Equal(t, want, formatSize(n), "formatSize(%d)", n)
	}
}
