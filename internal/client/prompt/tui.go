package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/savesync/savesync/internal/client/engine"
	"github.com/savesync/savesync/internal/model"
)

// ErrAborted is returned when the user leaves the nickname prompt.
var ErrAborted = errors.New("aborted")

// TUI prompts with bubbletea programs.
type TUI struct {
	in  io.Reader
	out io.Writer
}

// NewTUI returns a prompter drawing on out and reading keys from in.
func NewTUI(in io.Reader, out io.Writer) *TUI {
	return &TUI{in: in, out: out}
}

// Decide shows a three-way picker. Leaving it cancels.
func (t *TUI) Decide(ctx context.Context, c engine.Conflict) (engine.Decision, error) {
	final, err := t.run(ctx, newChoiceModel(c))
	if err != nil {
		return engine.DecisionCancel, err
	}
	return final.(choiceModel).decision(), nil
}

// Nickname shows a text input validated against the registration rules.
func (t *TUI) Nickname(ctx context.Context) (string, error) {
	final, err := t.run(ctx, newNicknameModel())
	if err != nil {
		return "", err
	}
	m := final.(nicknameModel)
	if !m.done {
		return "", ErrAborted
	}
	return m.input.Value(), nil
}

func (t *TUI) run(ctx context.Context, m tea.Model) (tea.Model, error) {
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithInput(t.in), tea.WithOutput(t.out))
	return p.Run()
}

var choices = []struct {
	label    string
	decision engine.Decision
}{
	{"Cancel, keep both copies as they are", engine.DecisionCancel},
	{"Upload local saves to the server", engine.DecisionPush},
	{"Download the server copy over local saves", engine.DecisionPull},
}

type choiceModel struct {
	conflict engine.Conflict
	cursor   int
	chosen   bool
}

func newChoiceModel(c engine.Conflict) choiceModel {
	return choiceModel{conflict: c}
}

func (m choiceModel) Init() tea.Cmd {
	return nil
}

func (m choiceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	k, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch k.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(choices)-1 {
			m.cursor++
		}
	case "u":
		m.cursor, m.chosen = 1, true
		return m, tea.Quit
	case "d":
		m.cursor, m.chosen = 2, true
		return m, tea.Quit
	case "enter":
		m.chosen = true
		return m, tea.Quit
	case "esc", "q", "ctrl+c":
		m.chosen = false
		return m, tea.Quit
	}
	return m, nil
}

func (m choiceModel) View() string {
	var b strings.Builder
	b.WriteString(conflictText(m.conflict))
	b.WriteString("\n\n")
	for i, c := range choices {
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		fmt.Fprintf(&b, "%s%s\n", cursor, c.label)
	}
	b.WriteString("\nenter: select  esc: cancel\n")
	return b.String()
}

func (m choiceModel) decision() engine.Decision {
	if !m.chosen {
		return engine.DecisionCancel
	}
	return choices[m.cursor].decision
}

type nicknameModel struct {
	input textinput.Model
	err   string
	done  bool
}

func newNicknameModel() nicknameModel {
	in := textinput.New()
	in.Placeholder = "nickname"
	in.Prompt = "Nickname: "
	in.CharLimit = 64
	in.Focus()
	return nicknameModel{input: in}
}

func (m nicknameModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m nicknameModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "enter":
			if !model.ValidNickname(m.input.Value()) {
				m.err = ErrInvalidNickname.Error()
				return m, nil
			}
			m.done = true
			return m, tea.Quit
		case "esc", "ctrl+c":
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.err = ""
	return m, cmd
}

func (m nicknameModel) View() string {
	var b strings.Builder
	b.WriteString("Pick a nickname. Use the same one on every machine.\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if m.err != "" {
		b.WriteString("\n" + m.err + "\n")
	}
	return b.String()
}
