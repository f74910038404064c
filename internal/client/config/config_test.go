package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissingReturnsDefault(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewStore(fs, "/home/alice/.savesync.yaml")
	require.NoError(t, err)

	cfg, created, err := store.Load()
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, []string{"duckstation", "mesen"}, cfg.Emulators())

	_, err = cfg.SavePath("mesen")
	assert.ErrorIs(t, err, ErrPlaceholderPath)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewStore(fs, "/cfg/dir/savesync.yaml")
	require.NoError(t, err)

	want := &Config{
		ServerURL: "https://saves.example.com",
		Nickname:  "alice",
		APIKey:    "svk_live_a1b2c3_0123456789abcdef0123456789abcdef",
		SavePaths: map[string]string{"mesen": "/games/mesen/saves"},
	}
	require.NoError(t, store.Save(want))

	info, err := fs.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())

	got, created, err := store.Load()
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, want, got)

	entries, err := afero.ReadDir(fs, "/cfg/dir")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestStore_LoadAcceptsJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/c.json",
		[]byte(`{"nickname":"bob","api_key":"k","save_paths":{"duckstation":"/ds"}}`), 0o600))

	store, err := NewStore(fs, "/c.json")
	require.NoError(t, err)

	cfg, _, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Nickname)
	assert.Equal(t, DefaultServerURL, cfg.ServerURL)

	p, err := cfg.SavePath("duckstation")
	require.NoError(t, err)
	assert.Equal(t, "/ds", p)
}

func TestStore_LoadRejectsGarbage(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bad.yaml", []byte("save_paths: [unterminated"), 0o600))

	store, err := NewStore(fs, "/bad.yaml")
	require.NoError(t, err)

	_, _, err = store.Load()
	assert.Error(t, err)
}

func TestSavePath_Missing(t *testing.T) {
	cfg := &Config{SavePaths: map[string]string{}}
	_, err := cfg.SavePath("mesen")
	assert.ErrorIs(t, err, ErrNoSavePath)
}

func TestEnv_Apply(t *testing.T) {
	e, err := LoadEnvFrom(map[string]string{
		"SAVESYNC_SERVER_URL":  "http://10.0.0.2:7000",
		"SAVESYNC_API_KEY":     "override-key",
		"SAVESYNC_LOG_VERBOSE": "true",
	})
	require.NoError(t, err)
	assert.True(t, e.Verbose)

	base := &Config{ServerURL: DefaultServerURL, Nickname: "alice", APIKey: "file-key", SavePaths: map[string]string{"mesen": "/m"}}
	got := e.Apply(base)

	assert.Equal(t, "http://10.0.0.2:7000", got.ServerURL)
	assert.Equal(t, "alice", got.Nickname)
	assert.Equal(t, "override-key", got.APIKey)
	assert.Equal(t, "file-key", base.APIKey, "Apply must not mutate its input")

	got.SavePaths["mesen"] = "/changed"
	assert.Equal(t, "/m", base.SavePaths["mesen"])
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:7000", false},
		{"https://saves.example.com", false},
		{"localhost:7000", true},
		{"ftp://host", true},
		{"http://", true},
	}
	for _, tt := range tests {
		err := (&Config{ServerURL: tt.url}).Validate()
		assert.Equal(t, tt.wantErr, err != nil, tt.url)
	}
}
