// Package config loads and persists the client configuration file.
//
// The file is YAML (JSON is accepted too) and lives at ~/.savesync.yaml
// unless SAVESYNC_CONFIG points elsewhere. Environment variables override
// the file for a single invocation without being written back.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
)

const (
	// DefaultPath is the config file location when SAVESYNC_CONFIG is unset.
	DefaultPath = "~/.savesync.yaml"

	// DefaultServerURL is used when neither the file nor the environment
	// names a server.
	DefaultServerURL = "http://localhost:7000"

	placeholderPrefix = "/path/to/"
)

var (
	// ErrNoSavePath is returned when the config has no directory for an emulator.
	ErrNoSavePath = errors.New("no save path configured")

	// ErrPlaceholderPath is returned for a save path that was never edited
	// after the file was created.
	ErrPlaceholderPath = errors.New("save path is still a placeholder")
)

// Config is the persisted client state.
type Config struct {
	ServerURL string            `json:"server_url"`
	Nickname  string            `json:"nickname"`
	APIKey    string            `json:"api_key"`
	SavePaths map[string]string `json:"save_paths"`
}

// Default returns the skeleton written on first run. The save paths are
// placeholders the user is expected to edit.
func Default() *Config {
	return &Config{
		ServerURL: DefaultServerURL,
		SavePaths: map[string]string{
			"mesen":       placeholderPrefix + "mesen/saves",
			"duckstation": placeholderPrefix + "duckstation/saves",
		},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.SavePaths = make(map[string]string, len(c.SavePaths))
	for k, v := range c.SavePaths {
		out.SavePaths[k] = v
	}
	return &out
}

// Emulators returns the configured emulator names in sorted order.
func (c *Config) Emulators() []string {
	names := make([]string, 0, len(c.SavePaths))
	for name := range c.SavePaths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SavePath returns the expanded save directory for emulator.
func (c *Config) SavePath(emulator string) (string, error) {
	p, ok := c.SavePaths[emulator]
	if !ok || strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w for %q", ErrNoSavePath, emulator)
	}
	if strings.HasPrefix(p, placeholderPrefix) {
		return "", fmt.Errorf("%w for %q: %s", ErrPlaceholderPath, emulator, p)
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expand save path: %w", err)
	}
	return filepath.Clean(expanded), nil
}

// Validate checks the fields the client cannot work without.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server_url must be an http(s) URL, got %q", c.ServerURL)
	}
	return nil
}

// Env holds the SAVESYNC_* environment overrides.
type Env struct {
	ConfigPath string `env:"SAVESYNC_CONFIG"`
	ServerURL  string `env:"SAVESYNC_SERVER_URL"`
	Nickname   string `env:"SAVESYNC_NICKNAME"`
	APIKey     string `env:"SAVESYNC_API_KEY"`
	Verbose    bool   `env:"SAVESYNC_LOG_VERBOSE"`
}

// LoadEnv parses the overrides from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

// LoadEnvFrom parses the overrides from an explicit variable map.
func LoadEnvFrom(vars map[string]string) (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Environment: vars}); err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

// Apply returns a copy of c with the non-empty overrides applied.
func (e Env) Apply(c *Config) *Config {
	out := c.Clone()
	if e.ServerURL != "" {
		out.ServerURL = e.ServerURL
	}
	if e.Nickname != "" {
		out.Nickname = e.Nickname
	}
	if e.APIKey != "" {
		out.APIKey = e.APIKey
	}
	return out
}

// Store reads and writes the config file on an afero filesystem.
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore returns a Store for path; "~" is expanded. An empty path selects
// DefaultPath.
func NewStore(fs afero.Fs, path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}
	return &Store{fs: fs, path: expanded}, nil
}

// Path returns the expanded file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the config file. When the file does not exist it returns
// Default() and created=true; the caller decides whether to Save it.
func (s *Store) Load() (cfg *Config, created bool, err error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", s.path, err)
	}

	cfg = &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, false, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.SavePaths == nil {
		cfg.SavePaths = map[string]string{}
	}
	return cfg, false, nil
}

// Save writes cfg atomically with owner-only permissions, since it holds
// the API key.
func (s *Store) Save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(s.path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close config: %w", err)
	}
	if err := s.fs.Chmod(tmpName, 0o600); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("chmod config: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
