package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savesync/savesync/internal/auth"
	"github.com/savesync/savesync/internal/blob"
	"github.com/savesync/savesync/internal/client/api"
	"github.com/savesync/savesync/internal/client/transfer"
	"github.com/savesync/savesync/internal/metrics"
	"github.com/savesync/savesync/internal/repository"
	"github.com/savesync/savesync/internal/server"
	"github.com/savesync/savesync/internal/service"
)

type liveServer struct {
	client *api.Client
	clock  *clockwork.FakeClock
}

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := repository.NewMemory()
	rec := metrics.NewInMemory()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC))

	blobs, err := blob.NewFS(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	identity := service.NewIdentityService(repo, nil, service.IdentityOptions{
		KeyEnv:     auth.EnvTest,
		HashParams: auth.LightParams,
		Clock:      clock,
		Metrics:    rec,
		Logger:     logger,
	})
	bundles := service.NewBundleService(repo, blobs, service.BundleOptions{
		Emulators: []string{"mesen", "duckstation"},
		Clock:     clock,
		Metrics:   rec,
		Logger:    logger,
	})

	srv := httptest.NewServer(server.NewRouter(server.RouterDeps{
		Logger:             logger,
		Identity:           identity,
		Bundles:            bundles,
		Metrics:            rec,
		IsDevelopment:      true,
		MaxRequestBodySize: 1 << 20,
	}))
	t.Cleanup(srv.Close)

	client, err := api.New(srv.URL, api.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return &liveServer{client: client, clock: clock}
}

func (s *liveServer) engine(d Decider, persisted *[]Credentials) *Engine {
	return New(Options{
		Remote:   s.client,
		Files:    transfer.New(afero.NewOsFs()),
		Decider:  d,
		Nickname: staticNickname("alice"),
		Persist: func(c Credentials) error {
			*persisted = append(*persisted, c)
			return nil
		},
	})
}

// Two machines share one nickname: the first uploads, the second
// downloads, then the second's stale local copy is protected by the
// conflict prompt.
func TestIntegration_TwoMachines(t *testing.T) {
	live := newLiveServer(t)
	ctx := context.Background()

	var persisted []Credentials
	laptop := live.engine(&fixedDecider{d: DecisionCancel}, &persisted)

	laptopDir := filepath.Join(t.TempDir(), "mesen")
	writeSave(t, laptopDir, "zelda-save", time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC))

	res, err := laptop.Run(ctx, Request{Op: OpUpload, Emulator: "mesen", Dir: laptopDir, Creds: Credentials{Nickname: "alice"}})
	require.NoError(t, err)
	require.Equal(t, OutcomePushed, res.Outcome)
	require.Len(t, persisted, 1)
	creds := res.Creds
	assert.Equal(t, "alice", creds.Nickname)
	assert.NotEmpty(t, creds.APIKey)
	assert.True(t, live.clock.Now().Equal(res.Remote.LastModified))

	desktopDir := filepath.Join(t.TempDir(), "mesen")
	res, err = laptop.Run(ctx, Request{Op: OpDownload, Emulator: "mesen", Dir: desktopDir, Creds: creds})
	require.NoError(t, err)
	assert.Equal(t, OutcomePulled, res.Outcome)
	assert.Equal(t, "zelda-save", readSave(t, desktopDir))

	// Desktop plays after the server timestamp.
	writeSave(t, desktopDir, "zelda-save-2", live.clock.Now().Add(time.Hour))
	decider := &fixedDecider{d: DecisionCancel}
	res, err = live.engine(decider, &persisted).Run(ctx, Request{Op: OpDownload, Emulator: "mesen", Dir: desktopDir, Creds: creds})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, 1, decider.calls)
	assert.Equal(t, "zelda-save-2", readSave(t, desktopDir))

	// Sync pushes the newer desktop copy.
	live.clock.Advance(2 * time.Hour)
	res, err = live.engine(nil, &persisted).Run(ctx, Request{Op: OpSync, Emulator: "mesen", Dir: desktopDir, Creds: creds})
	require.NoError(t, err)
	assert.Equal(t, OutcomePushed, res.Outcome)

	res, err = laptop.Run(ctx, Request{Op: OpDownload, Emulator: "mesen", Dir: laptopDir, Creds: creds})
	require.NoError(t, err)
	assert.Equal(t, OutcomePulled, res.Outcome)
	assert.Equal(t, "zelda-save-2", readSave(t, laptopDir))
}

// Registering the nickname again on another machine invalidates the old
// key; the next invocation with it re-registers once and carries on.
func TestIntegration_StaleKeyIsRotated(t *testing.T) {
	live := newLiveServer(t)
	ctx := context.Background()

	oldKey, err := live.client.Register(ctx, "alice")
	require.NoError(t, err)
	_, err = live.client.Register(ctx, "alice")
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "mesen")
	writeSave(t, dir, "save", time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC))

	var persisted []Credentials
	res, err := live.engine(nil, &persisted).Run(ctx, Request{
		Op: OpSync, Emulator: "mesen", Dir: dir, Creds: Credentials{Nickname: "alice", APIKey: oldKey},
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomePushed, res.Outcome)
	assert.True(t, res.Refreshed)
	require.Len(t, persisted, 1)
	assert.NotEqual(t, oldKey, persisted[0].APIKey)
	assert.Equal(t, persisted[0], res.Creds)

	nick, err := live.client.Validate(ctx, res.Creds.APIKey)
	require.NoError(t, err)
	assert.Equal(t, "alice", nick)

	_, err = live.client.Validate(ctx, oldKey)
	assert.ErrorIs(t, err, api.ErrUnauthorized)
}

func TestIntegration_UnknownEmulator(t *testing.T) {
	live := newLiveServer(t)
	dir := filepath.Join(t.TempDir(), "snes9x")
	writeSave(t, dir, "save", time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC))

	var persisted []Credentials
	_, err := live.engine(nil, &persisted).Run(context.Background(), Request{
		Op: OpUpload, Emulator: "snes9x", Dir: dir, Creds: Credentials{Nickname: "alice"},
	})
	assert.ErrorIs(t, err, api.ErrBadRequest)
}
