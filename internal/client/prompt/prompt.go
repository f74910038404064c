// Package prompt asks the user to settle download conflicts and to pick a
// nickname on first run, either with a full-screen picker on a terminal or
// line by line on plain streams.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/savesync/savesync/internal/client/engine"
	"github.com/savesync/savesync/internal/model"
)

// ErrInvalidNickname is returned for input the server would reject.
var ErrInvalidNickname = errors.New("nickname must be 1-64 letters, digits, '_', '.' or '-'")

// Prompter settles conflicts and supplies nicknames.
type Prompter interface {
	engine.Decider
	engine.NicknameSource
}

// Fixed answers every conflict with d without asking.
type Fixed engine.Decision

func (f Fixed) Decide(context.Context, engine.Conflict) (engine.Decision, error) {
	return engine.Decision(f), nil
}

// ParseDecision maps a flag value to a decision. "ask" reports ok=false.
func ParseDecision(s string) (d engine.Decision, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ask":
		return engine.DecisionCancel, false, nil
	case "push", "upload":
		return engine.DecisionPush, true, nil
	case "pull", "download":
		return engine.DecisionPull, true, nil
	case "cancel", "skip":
		return engine.DecisionCancel, true, nil
	default:
		return engine.DecisionCancel, false, fmt.Errorf("unknown conflict policy %q (want ask, push, pull or cancel)", s)
	}
}

// Line prompts on plain streams, one answer per line.
type Line struct {
	in  *bufio.Reader
	out io.Writer
}

// NewLine returns a line prompter reading from in and writing to out.
func NewLine(in io.Reader, out io.Writer) *Line {
	return &Line{in: bufio.NewReader(in), out: out}
}

// Decide asks whether to upload the newer local copy. Anything but an
// explicit answer cancels.
func (l *Line) Decide(_ context.Context, c engine.Conflict) (engine.Decision, error) {
	fmt.Fprintln(l.out, conflictText(c))
	answer, err := l.readLine("Upload local saves, download the server copy, or cancel? [u/d/C]: ")
	if err != nil {
		return engine.DecisionCancel, err
	}

	switch strings.ToLower(answer) {
	case "u", "upload", "y", "yes":
		return engine.DecisionPush, nil
	case "d", "download":
		return engine.DecisionPull, nil
	default:
		return engine.DecisionCancel, nil
	}
}

// Nickname asks for a nickname until a valid one is entered.
func (l *Line) Nickname(_ context.Context) (string, error) {
	for {
		nick, err := l.readLine("Choose a nickname: ")
		if err != nil {
			return "", err
		}
		if model.ValidNickname(nick) {
			return nick, nil
		}
		fmt.Fprintln(l.out, ErrInvalidNickname)
	}
}

// readLine prints label and returns the trimmed line. A final line without
// a newline is accepted.
func (l *Line) readLine(label string) (string, error) {
	if _, err := fmt.Fprint(l.out, label); err != nil {
		return "", err
	}
	line, err := l.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Auto returns the full-screen prompter when in is a terminal and the line
// prompter otherwise.
func Auto(in *os.File, out io.Writer) Prompter {
	if term.IsTerminal(int(in.Fd())) {
		return NewTUI(in, out)
	}
	return NewLine(in, out)
}

func conflictText(c engine.Conflict) string {
	return fmt.Sprintf("Local %s saves (%s) are newer than the server copy (%s).",
		c.Emulator, formatTime(c.Local), formatTime(c.Remote))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
