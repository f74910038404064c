package prompt

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savesync/savesync/internal/client/engine"
)

var conflict = engine.Conflict{
	Emulator: "mesen",
	Local:    time.Date(2024, 5, 1, 16, 0, 0, 0, time.UTC),
	Remote:   time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC),
}

func TestFixed(t *testing.T) {
	d, err := Fixed(engine.DecisionPull).Decide(context.Background(), conflict)
	require.NoError(t, err)
	assert.Equal(t, engine.DecisionPull, d)
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in      string
		want    engine.Decision
		wantOK  bool
		wantErr bool
	}{
		{"", engine.DecisionCancel, false, false},
		{"ask", engine.DecisionCancel, false, false},
		{"push", engine.DecisionPush, true, false},
		{"Upload", engine.DecisionPush, true, false},
		{"pull", engine.DecisionPull, true, false},
		{"cancel", engine.DecisionCancel, true, false},
		{"merge", engine.DecisionCancel, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, ok, err := ParseDecision(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestLine_Decide(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    engine.Decision
		wantErr bool
	}{
		{"upload", "u\n", engine.DecisionPush, false},
		{"yes uploads", "yes\n", engine.DecisionPush, false},
		{"download", "d\n", engine.DecisionPull, false},
		{"empty cancels", "\n", engine.DecisionCancel, false},
		{"anything else cancels", "maybe\n", engine.DecisionCancel, false},
		{"no trailing newline", "u", engine.DecisionPush, false},
		{"eof", "", engine.DecisionCancel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			d, err := NewLine(strings.NewReader(tt.input), &out).Decide(context.Background(), conflict)
			if tt.wantErr {
				assert.ErrorIs(t, err, io.EOF)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, d)
			assert.Contains(t, out.String(), "Local mesen saves")
		})
	}
}

func TestLine_NicknameRetriesUntilValid(t *testing.T) {
	var out strings.Builder
	nick, err := NewLine(strings.NewReader("bad name\n\nalice\n"), &out).Nickname(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", nick)
	assert.Equal(t, 2, strings.Count(out.String(), ErrInvalidNickname.Error()))
}

func TestLine_NicknameEOF(t *testing.T) {
	_, err := NewLine(strings.NewReader(""), io.Discard).Nickname(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func runChoice(keys ...string) (choiceModel, tea.Cmd) {
	var m tea.Model = newChoiceModel(conflict)
	var cmd tea.Cmd
	for _, k := range keys {
		m, cmd = m.Update(key(k))
	}
	return m.(choiceModel), cmd
}

func TestChoiceModel(t *testing.T) {
	tests := []struct {
		name string
		keys []string
		want engine.Decision
	}{
		{"enter on default cancels", []string{"enter"}, engine.DecisionCancel},
		{"down once pushes", []string{"down", "enter"}, engine.DecisionPush},
		{"down twice pulls", []string{"down", "down", "enter"}, engine.DecisionPull},
		{"cursor stops at the end", []string{"down", "down", "down", "enter"}, engine.DecisionPull},
		{"cursor stops at the top", []string{"up", "down", "up", "enter"}, engine.DecisionCancel},
		{"u shortcut", []string{"u"}, engine.DecisionPush},
		{"d shortcut", []string{"d"}, engine.DecisionPull},
		{"esc cancels after moving", []string{"down", "esc"}, engine.DecisionCancel},
		{"q cancels", []string{"down", "down", "q"}, engine.DecisionCancel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, cmd := runChoice(tt.keys...)
			assert.Equal(t, tt.want, m.decision())
			require.NotNil(t, cmd)
			assert.IsType(t, tea.QuitMsg{}, cmd())
		})
	}
}

func TestChoiceModel_View(t *testing.T) {
	m, _ := runChoice("down")
	view := m.View()
	assert.Contains(t, view, "Local mesen saves")
	assert.Contains(t, view, "> Upload local saves")
}

func TestNicknameModel(t *testing.T) {
	var m tea.Model = newNicknameModel()

	m, cmd := m.Update(key("bad name"))
	_ = cmd
	m, cmd = m.Update(key("enter"))
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), ErrInvalidNickname.Error())
	assert.False(t, m.(nicknameModel).done)

	m = newNicknameModel()
	m, _ = m.Update(key("alice"))
	m, cmd = m.Update(key("enter"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.(nicknameModel).done)
	assert.Equal(t, "alice", m.(nicknameModel).input.Value())
}

func TestNicknameModel_EscAborts(t *testing.T) {
	var m tea.Model = newNicknameModel()
	m, _ = m.Update(key("alice"))
	m, cmd := m.Update(key("esc"))
	require.NotNil(t, cmd)
	assert.False(t, m.(nicknameModel).done)
}
