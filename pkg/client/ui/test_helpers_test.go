package ui

import (
	"sync"

	"github.com/aeolun/minichat/pkg/client"
	tea "github.com/charmbracelet/bubbletea"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
}

func (f *fakeConn) SendText(body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeConn) Nickname() string         { return "alice" }
func (f *fakeConn) GetAddress() string       { return "localhost:6465" }
func (f *fakeConn) GetBytesSent() uint64     { return 2048 }
func (f *fakeConn) GetBytesReceived() uint64 { return 512 }

func (f *fakeConn) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// setupTestModel returns a connected model with a window size applied
func setupTestModel(width, height int) (Model, *fakeConn) {
	conn := &fakeConn{}
	m := NewModel(conn, "test")
	newModel, _ := m.Update(tea.WindowSizeMsg{Width: width, Height: height})
	m = newModel.(Model)
	newModel, _ = m.Update(StateChangeMsg{Update: client.StateUpdate{State: client.StateConnected}})
	return newModel.(Model), conn
}

func typeText(m Model, text string) Model {
	newModel, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	return newModel.(Model)
}
