package ui

import (
	"strings"

	"github.com/aeolun/minichat/pkg/client"
	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case ServerMessageMsg:
		if msg.Message.Kind == protocol.KindLogin && !protocol.IsWelcome(msg.Message, m.conn.Nickname()) {
			m.loginRejection = msg.Message.Body
		}
		m.appendLine(chatLine{at: msg.At, msg: msg.Message})
		m.refreshViewport()
		return m, nil

	case StateChangeMsg:
		return m.handleStateChange(msg.Update)

	case sendFailedMsg:
		m.errorMessage = msg.Err.Error()
		return m, nil

	case TickMsg:
		return m, tickCmd()
	}

	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit

	case "enter":
		body := strings.TrimSpace(m.input.Value())
		if body == "" {
			return m, nil
		}
		if m.connectionState != client.StateConnected {
			m.errorMessage = "Not connected"
			return m, nil
		}
		m.input.Reset()
		m.errorMessage = ""
		m.followTail = true
		return m, sendCmd(m.conn, body)

	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.chatViewport, cmd = m.chatViewport.Update(msg)
		m.followTail = m.chatViewport.AtBottom()
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleStateChange(update client.StateUpdate) (tea.Model, tea.Cmd) {
	m.connectionState = update.State
	m.attempt = update.Attempt
	m.statusMessage = client.FormatState(update)

	switch update.State {
	case client.StateConnected:
		m.errorMessage = ""
	case client.StateConnecting:
		if update.Err != nil {
			m.errorMessage = update.Err.Error()
		}
	case client.StateClosed:
		m.closeErr = update.Err
		return m, tea.Quit
	}
	return m, nil
}

// resize recomputes component sizes for the current window
func (m *Model) resize() {
	// header(1) + footer(1) + chat pane border(2) + input box(3)
	chatHeight := m.height - 7
	if chatHeight < 1 {
		chatHeight = 1
	}
	chatWidth := m.width - 4
	if chatWidth < 1 {
		chatWidth = 1
	}

	if m.chatViewport.Width == 0 && m.chatViewport.Height == 0 {
		m.chatViewport = viewport.New(chatWidth, chatHeight)
	} else {
		m.chatViewport.Width = chatWidth
		m.chatViewport.Height = chatHeight
	}
	m.input.Width = chatWidth - len(m.input.Prompt) - 1
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	m.chatViewport.SetContent(m.renderChatContent())
	if m.followTail {
		m.chatViewport.GotoBottom()
	}
}
