// Package engine decides, for one emulator, whether saves move up, down, or
// not at all, and carries the transfer out.
//
// An invocation walks START -> CHECK_REMOTE -> {PUSH | PULL | ASK_USER} ->
// DONE or FAILED. Upload skips CHECK_REMOTE. A rejected API key is replaced
// by re-registering the nickname once per invocation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/savesync/savesync/internal/client/api"
	"github.com/savesync/savesync/internal/client/transfer"
	"github.com/savesync/savesync/internal/model"
)

// ErrNoRemoteBundle is returned by Download when the server holds nothing
// for the emulator.
var ErrNoRemoteBundle = errors.New("no save bundle on the server")

// ErrNoNickname is returned when a key must be issued but no nickname is
// known and none can be asked for.
var ErrNoNickname = errors.New("nickname required")

// Op is the requested operation.
type Op int

const (
	OpUpload Op = iota
	OpDownload
	OpSync
)

func (o Op) String() string {
	switch o {
	case OpUpload:
		return "upload"
	case OpDownload:
		return "download"
	case OpSync:
		return "sync"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// State is a step of the state machine.
type State int

const (
	StateStart State = iota
	StateCheckRemote
	StatePush
	StatePull
	StateAskUser
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateCheckRemote:
		return "CHECK_REMOTE"
	case StatePush:
		return "PUSH"
	case StatePull:
		return "PULL"
	case StateAskUser:
		return "ASK_USER"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is what DONE means for the caller.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomePushed
	OutcomePulled
	OutcomeCancelled
	OutcomeUpToDate
)

func (o Outcome) String() string {
	switch o {
	case OutcomePushed:
		return "pushed"
	case OutcomePulled:
		return "pulled"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeUpToDate:
		return "up to date"
	default:
		return "none"
	}
}

// Decision answers a conflict. The zero value cancels.
type Decision int

const (
	DecisionCancel Decision = iota
	DecisionPush
	DecisionPull
)

func (d Decision) String() string {
	switch d {
	case DecisionPush:
		return "push"
	case DecisionPull:
		return "pull"
	default:
		return "cancel"
	}
}

// Conflict describes a download where the local copy is newer.
type Conflict struct {
	Emulator string
	Local    time.Time
	Remote   time.Time
}

// Decider resolves conflicts. An error is treated as cancel.
type Decider interface {
	Decide(ctx context.Context, c Conflict) (Decision, error)
}

// NicknameSource supplies a nickname when none is configured.
type NicknameSource interface {
	Nickname(ctx context.Context) (string, error)
}

// Remote is the server API. *api.Client implements it.
type Remote interface {
	Register(ctx context.Context, nickname string) (string, error)
	Info(ctx context.Context, key, emulator string) (*model.BundleInfo, error)
	Upload(ctx context.Context, key, emulator string, payload []byte) (*model.BundleInfo, error)
	Download(ctx context.Context, key, emulator string) (*api.Download, error)
}

// Files archives and restores save directories. *transfer.Client implements it.
type Files interface {
	Archive(dir string) ([]byte, error)
	Extract(payload []byte, dir string) error
	ModTime(dir string) (time.Time, error)
	Stamp(dir string, t time.Time) error
}

// Credentials are the nickname and key an invocation authenticates with.
type Credentials struct {
	Nickname string
	APIKey   string
}

// PersistFunc stores rotated credentials. It is called before the retried
// request so that a crash afterwards does not lose the new key.
type PersistFunc func(Credentials) error

// Options configures an Engine.
type Options struct {
	Remote   Remote
	Files    Files
	Decider  Decider
	Nickname NicknameSource // optional
	Persist  PersistFunc    // optional
	Logger   *slog.Logger
}

// Engine runs sync invocations.
type Engine struct {
	remote   Remote
	files    Files
	decider  Decider
	nickname NicknameSource
	persist  PersistFunc
	logger   *slog.Logger
}

// New returns an Engine. A nil Decider cancels every conflict.
func New(opts Options) *Engine {
	if opts.Decider == nil {
		opts.Decider = cancelDecider{}
	}
	if opts.Persist == nil {
		opts.Persist = func(Credentials) error { return nil }
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		remote:   opts.Remote,
		files:    opts.Files,
		decider:  opts.Decider,
		nickname: opts.Nickname,
		persist:  opts.Persist,
		logger:   opts.Logger,
	}
}

type cancelDecider struct{}

func (cancelDecider) Decide(context.Context, Conflict) (Decision, error) {
	return DecisionCancel, nil
}

// Request is one invocation.
type Request struct {
	Op       Op
	Emulator string
	Dir      string
	Creds    Credentials
}

// Result reports how an invocation ended.
type Result struct {
	Outcome Outcome
	// Trace lists the visited states, ending in DONE or FAILED.
	Trace []State
	Local time.Time
	// Remote is the server bundle after the invocation, nil if none.
	Remote *model.BundleInfo
	// Creds are the credentials in effect at the end; they differ from the
	// request when the key was rotated.
	Creds     Credentials
	Refreshed bool
}

// invocation carries the per-call state, including the single credential
// refresh allowance.
type invocation struct {
	*Engine
	req       Request
	creds     Credentials
	refreshed bool
	res       *Result
}

// Run executes req. The returned Result is non-nil even on error.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	inv := &invocation{
		Engine: e,
		req:    req,
		creds:  req.Creds,
		res:    &Result{},
	}

	err := inv.run(ctx)
	inv.res.Creds = inv.creds
	inv.res.Refreshed = inv.refreshed
	if err != nil {
		inv.enter(StateFailed)
		e.logger.Debug("sync failed",
			slog.String("op", req.Op.String()),
			slog.String("emulator", req.Emulator),
			slog.String("error", err.Error()),
		)
		return inv.res, err
	}
	inv.enter(StateDone)
	return inv.res, nil
}

func (inv *invocation) enter(s State) {
	inv.res.Trace = append(inv.res.Trace, s)
	inv.logger.Debug("sync state",
		slog.String("op", inv.req.Op.String()),
		slog.String("emulator", inv.req.Emulator),
		slog.String("state", s.String()),
	)
}

func (inv *invocation) run(ctx context.Context) error {
	inv.enter(StateStart)

	if err := inv.ensureCredentials(ctx); err != nil {
		return err
	}

	local, err := inv.files.ModTime(inv.req.Dir)
	if err != nil {
		return fmt.Errorf("read local mtime: %w", err)
	}
	inv.res.Local = local

	if inv.req.Op == OpUpload {
		return inv.push(ctx)
	}

	inv.enter(StateCheckRemote)
	var remote *model.BundleInfo
	err = inv.withKey(ctx, func(key string) error {
		var err error
		remote, err = inv.remote.Info(ctx, key, inv.req.Emulator)
		return err
	})

	switch {
	case errors.Is(err, api.ErrNotFound):
		if inv.req.Op == OpDownload {
			return fmt.Errorf("%w for %s: %w", ErrNoRemoteBundle, inv.req.Emulator, err)
		}
		return inv.push(ctx)
	case err != nil:
		return fmt.Errorf("check remote: %w", err)
	}
	inv.res.Remote = remote

	r := remote.LastModified
	switch inv.req.Op {
	case OpDownload:
		if !local.After(r) {
			return inv.pull(ctx)
		}
		return inv.ask(ctx, local, r)
	default:
		switch {
		case local.After(r):
			return inv.push(ctx)
		case r.After(local):
			return inv.pull(ctx)
		default:
			inv.res.Outcome = OutcomeUpToDate
			return nil
		}
	}
}

func (inv *invocation) ask(ctx context.Context, local, remote time.Time) error {
	inv.enter(StateAskUser)

	d, err := inv.decider.Decide(ctx, Conflict{Emulator: inv.req.Emulator, Local: local, Remote: remote})
	if err != nil {
		inv.logger.Debug("conflict prompt failed, cancelling", slog.String("error", err.Error()))
		d = DecisionCancel
	}

	switch d {
	case DecisionPush:
		return inv.push(ctx)
	case DecisionPull:
		return inv.pull(ctx)
	default:
		inv.res.Outcome = OutcomeCancelled
		return nil
	}
}

func (inv *invocation) push(ctx context.Context) error {
	inv.enter(StatePush)

	payload, err := inv.files.Archive(inv.req.Dir)
	if err != nil {
		return fmt.Errorf("archive %s: %w", inv.req.Dir, err)
	}

	var info *model.BundleInfo
	err = inv.withKey(ctx, func(key string) error {
		var err error
		info, err = inv.remote.Upload(ctx, key, inv.req.Emulator, payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	inv.res.Remote = info
	inv.res.Outcome = OutcomePushed
	return nil
}

func (inv *invocation) pull(ctx context.Context) error {
	inv.enter(StatePull)

	var dl *api.Download
	err := inv.withKey(ctx, func(key string) error {
		var err error
		dl, err = inv.remote.Download(ctx, key, inv.req.Emulator)
		return err
	})
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	if err := transfer.VerifyChecksum(dl.Payload, dl.Info.Checksum); err != nil {
		return err
	}
	if err := inv.files.Extract(dl.Payload, inv.req.Dir); err != nil {
		return fmt.Errorf("extract into %s: %w", inv.req.Dir, err)
	}
	// Local freshness now equals the remote timestamp, so repeating the
	// download is a tie and never prompts.
	if err := inv.files.Stamp(inv.req.Dir, dl.Info.LastModified); err != nil {
		return fmt.Errorf("stamp %s: %w", inv.req.Dir, err)
	}

	info := dl.Info
	inv.res.Remote = &info
	inv.res.Outcome = OutcomePulled
	return nil
}

// withKey runs fn with the current key. On the first ErrUnauthorized of the
// invocation it re-registers, persists the new key, and runs fn once more.
func (inv *invocation) withKey(ctx context.Context, fn func(key string) error) error {
	err := fn(inv.creds.APIKey)
	if !errors.Is(err, api.ErrUnauthorized) || inv.refreshed {
		return err
	}

	inv.logger.Debug("api key rejected, re-registering", slog.String("nickname", inv.creds.Nickname))
	if err := inv.refresh(ctx); err != nil {
		return err
	}
	return fn(inv.creds.APIKey)
}

func (inv *invocation) refresh(ctx context.Context) error {
	inv.refreshed = true

	if inv.creds.Nickname == "" {
		nick, err := inv.askNickname(ctx)
		if err != nil {
			return err
		}
		inv.creds.Nickname = nick
	}

	key, err := inv.remote.Register(ctx, inv.creds.Nickname)
	if err != nil {
		return fmt.Errorf("re-register %q: %w", inv.creds.Nickname, err)
	}
	inv.creds.APIKey = key

	if err := inv.persist(inv.creds); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// ensureCredentials handles first runs: a missing nickname is asked for and
// a missing key is issued. Issuing a key here uses up the refresh allowance.
func (inv *invocation) ensureCredentials(ctx context.Context) error {
	if inv.creds.APIKey != "" {
		return nil
	}
	return inv.refresh(ctx)
}

func (inv *invocation) askNickname(ctx context.Context) (string, error) {
	if inv.nickname == nil {
		return "", ErrNoNickname
	}
	nick, err := inv.nickname.Nickname(ctx)
	if err != nil {
		return "", fmt.Errorf("ask nickname: %w", err)
	}
	if nick == "" {
		return "", ErrNoNickname
	}
	return nick, nil
}
