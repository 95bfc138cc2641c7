package ui

import (
	"time"

	"github.com/aeolun/minichat/pkg/client"
	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Conn is the part of client.Connection the UI drives
type Conn interface {
	SendText(body string) error
	Nickname() string
	GetAddress() string
	GetBytesSent() uint64
	GetBytesReceived() uint64
}

// Messages delivered to the program from the connection callbacks
type (
	// ServerMessageMsg carries one message received from the server
	ServerMessageMsg struct {
		Message protocol.Message
		At      time.Time
	}

	// StateChangeMsg carries a connection state transition
	StateChangeMsg struct {
		Update client.StateUpdate
	}

	// sendFailedMsg reports a line the connection refused
	sendFailedMsg struct {
		Err error
	}

	// TickMsg refreshes the traffic counters in the header
	TickMsg time.Time
)

// chatLine is one entry of the scrollback
type chatLine struct {
	at  time.Time
	msg protocol.Message
}

// maxScrollback bounds memory for long sessions
const maxScrollback = 1000

// Model is the bubbletea model of the full-screen client
type Model struct {
	conn    Conn
	version string

	connectionState client.ConnectionState
	attempt         int
	closeErr        error
	loginRejection  string

	lines []chatLine

	width        int
	height       int
	chatViewport viewport.Model
	input        textinput.Model
	followTail   bool

	errorMessage  string
	statusMessage string
}

// NewModel creates the UI model for conn
func NewModel(conn Conn, version string) Model {
	input := textinput.New()
	input.Placeholder = "Type a message and press Enter"
	input.Prompt = "> "
	input.CharLimit = protocol.MaxFrameSize
	input.Focus()

	return Model{
		conn:            conn,
		version:         version,
		connectionState: client.StateConnecting,
		input:           input,
		followTail:      true,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// sendCmd sends one line off the update loop
func sendCmd(conn Conn, body string) tea.Cmd {
	return func() tea.Msg {
		if err := conn.SendText(body); err != nil {
			return sendFailedMsg{Err: err}
		}
		return nil
	}
}

func (m *Model) appendLine(line chatLine) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxScrollback {
		m.lines = m.lines[len(m.lines)-maxScrollback:]
	}
}

// isOwnMessage reports whether msg was sent by this client
func (m Model) isOwnMessage(msg protocol.Message) bool {
	return msg.Kind == protocol.KindText && msg.Nickname == m.conn.Nickname()
}

// LoginRejection is the server's reply when it refused our nickname, empty
// otherwise. The alternate screen is gone by the time the program exits, so
// the caller reports it.
func (m Model) LoginRejection() string {
	return m.loginRejection
}
