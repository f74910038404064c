package cli

import (
	"errors"
	"fmt"

	"github.com/savesync/savesync/internal/client/api"
	"github.com/savesync/savesync/internal/client/config"
	"github.com/savesync/savesync/internal/client/engine"
	"github.com/savesync/savesync/internal/client/prompt"
	"github.com/savesync/savesync/internal/client/transfer"
)

var errNotRegistered = errors.New("not registered")

type configPathError struct {
	err  error
	path string
}

func (e *configPathError) Error() string { return fmt.Sprintf("%v (in %s)", e.err, e.path) }
func (e *configPathError) Unwrap() error { return e.err }

func withConfigPath(err error, path string) error {
	return &configPathError{err: err, path: path}
}

// Hint returns a one-line suggestion for err, or "" when there is none.
func Hint(err error) string {
	switch {
	case errors.Is(err, errNotRegistered):
		return "Run `savesync register <nickname>` first."
	case errors.Is(err, config.ErrPlaceholderPath), errors.Is(err, config.ErrNoSavePath):
		return "Set the emulator's save folder under save_paths in the config file."
	case errors.Is(err, api.ErrUnreachable):
		return "Check that the server is running and that server_url or --server is correct."
	case errors.Is(err, api.ErrUnauthorized):
		return "The API key was rejected. Run `savesync register` to get a new one."
	case errors.Is(err, engine.ErrNoRemoteBundle):
		return "Nothing has been uploaded for this emulator yet. Run `savesync upload` on the machine that has the saves."
	case errors.Is(err, engine.ErrNoNickname), errors.Is(err, prompt.ErrAborted):
		return "A nickname is needed to get an API key. Set nickname in the config file or run `savesync register <nickname>`."
	case errors.Is(err, transfer.ErrSourceMissing):
		return "The save folder does not exist. Check save_paths in the config file."
	case errors.Is(err, transfer.ErrCorruptPayload):
		return "The downloaded bundle was damaged. Local saves were left untouched; try again."
	case errors.Is(err, api.ErrTooLarge):
		return "The save folder is larger than the server accepts."
	case errors.Is(err, api.ErrRateLimited):
		return "Too many requests. Wait a moment and try again."
	case errors.Is(err, api.ErrBadRequest):
		return "The server rejected the request. Check the emulator name and nickname."
	case errors.Is(err, api.ErrServer):
		return "The server failed to handle the request. Try again later."
	default:
		return ""
	}
}
