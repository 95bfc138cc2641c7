// ABOUTME: Line-mode rendering of received chat messages
// ABOUTME: Shared by the plain terminal client and the TUI scrollback
package client

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/minichat/pkg/protocol"
)

// FormatMessage renders msg the way line mode prints it
func FormatMessage(msg protocol.Message) string {
	switch msg.Kind {
	case protocol.KindText:
		return fmt.Sprintf("%s: %s", msg.Nickname, msg.Body)
	case protocol.KindStatus:
		return "* " + msg.Body
	case protocol.KindLogin:
		return "[login] " + msg.Body
	default:
		return fmt.Sprintf("[%s] %s", msg.Kind, msg.Body)
	}
}

// FormatState renders a connection state change for display
func FormatState(update StateUpdate) string {
	switch update.State {
	case StateConnecting:
		if update.Attempt <= 1 {
			return "* connecting..."
		}
		return fmt.Sprintf("* connecting (attempt %d)...", update.Attempt)
	case StateConnected:
		return "* connected"
	case StateClosed:
		if err := normalizeCloseError(update.Err); err != nil {
			return fmt.Sprintf("* disconnected: %v", err)
		}
		return "* disconnected"
	default:
		return "* " + update.State.String()
	}
}

// FormatBytes formats bytes into human-readable form (B, KB, MB, etc.)
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// Printer writes one line per message. It is safe for concurrent use.
type Printer struct {
	mu         sync.Mutex
	w          io.Writer
	timestamps bool
	now        func() time.Time
}

// NewPrinter creates a Printer writing to w
func NewPrinter(w io.Writer, timestamps bool) *Printer {
	return &Printer{w: w, timestamps: timestamps, now: time.Now}
}

// Print writes msg as one line
func (p *Printer) Print(msg protocol.Message) {
	p.writeLine(FormatMessage(msg))
}

func (p *Printer) writeLine(line string) {
	// Keep one message per output line
	line = strings.ReplaceAll(line, "\n", " ")

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timestamps {
		fmt.Fprintf(p.w, "%s %s\n", p.now().Format("15:04:05"), line)
		return
	}
	fmt.Fprintln(p.w, line)
}
