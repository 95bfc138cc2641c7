package ui

import (
	"fmt"
	"strings"

	"github.com/76creates/stickers/flexbox"
	"github.com/aeolun/minichat/pkg/client"
	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/charmbracelet/lipgloss"
)

// View implements tea.Model
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	base := m.renderChat()
	if m.connectionState != client.StateConnected {
		return m.renderDisconnectedOverlay(base)
	}
	return base
}

// renderChat lays out header, scrollback, input and footer
func (m Model) renderChat() string {
	layout := flexbox.New(m.width, m.height)

	headerRow := layout.NewRow().AddCells(
		flexbox.NewCell(1, 1).SetContent(m.renderHeader()),
	)

	// header(1) + input(3) + footer(1)
	contentHeight := m.height - 5
	if contentHeight < 1 {
		contentHeight = 1
	}
	contentRow := layout.NewRow().AddCells(
		flexbox.NewCell(1, contentHeight).SetContent(
			ChatPaneStyle.
				Width(m.width - 2).
				Height(contentHeight - 2).
				Render(m.chatViewport.View()),
		),
	)

	inputRow := layout.NewRow().AddCells(
		flexbox.NewCell(1, 3).SetContent(
			InputStyle.Width(m.width - 2).Render(m.input.View()),
		),
	)

	footerRow := layout.NewRow().AddCells(
		flexbox.NewCell(1, 1).SetContent(m.renderFooter()),
	)

	layout.AddRows([]*flexbox.Row{headerRow, contentRow, inputRow, footerRow})

	return layout.Render()
}

func (m Model) renderHeader() string {
	left := HeaderStyle.Render(fmt.Sprintf("minichat %s", m.version))

	var state string
	switch m.connectionState {
	case client.StateConnected:
		state = SuccessStyle.Render("● " + m.conn.Nickname() + "@" + m.conn.GetAddress())
	case client.StateConnecting:
		state = NoticeStyle.Render("○ connecting to " + m.conn.GetAddress())
	default:
		state = ErrorStyle.Render("✗ disconnected")
	}

	traffic := MutedTextStyle.Render(fmt.Sprintf("↑%s ↓%s",
		client.FormatBytes(m.conn.GetBytesSent()),
		client.FormatBytes(m.conn.GetBytesReceived())))

	right := lipgloss.JoinHorizontal(lipgloss.Top, state, "  ", traffic)
	spacing := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 1
	if spacing < 1 {
		spacing = 1
	}
	return left + strings.Repeat(" ", spacing) + right
}

func (m Model) renderFooter() string {
	parts := []string{
		RenderShortcut("Enter", "Send"),
		RenderShortcut("PgUp/PgDn", "Scroll"),
		RenderShortcut("Esc", "Quit"),
	}
	footer := strings.Join(parts, "  ")
	if m.errorMessage != "" {
		footer = RenderError(m.errorMessage) + "  " + footer
	} else if m.statusMessage != "" {
		footer = MutedTextStyle.Render(m.statusMessage) + "  " + footer
	}
	return FooterStyle.Render(footer)
}

// renderChatContent renders the scrollback wrapped to the viewport width
func (m Model) renderChatContent() string {
	if len(m.lines) == 0 {
		return MutedTextStyle.Render("No messages yet.")
	}

	var b strings.Builder
	for i, line := range m.lines {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.formatChatLine(line, m.chatViewport.Width))
	}
	return b.String()
}

// formatChatLine renders one message, wrapping the body under its prefix
func (m Model) formatChatLine(line chatLine, width int) string {
	timestamp := MessageTimeStyle.Render(line.at.Format("15:04"))

	var prefix string
	var bodyStyle lipgloss.Style
	switch line.msg.Kind {
	case protocol.KindText:
		authorStyle := MessageAuthorStyle
		if m.isOwnMessage(line.msg) {
			authorStyle = MessageOwnAuthorStyle
		}
		prefix = timestamp + " " + authorStyle.Render(line.msg.Nickname) + ": "
		bodyStyle = MessageContentStyle
	case protocol.KindStatus:
		prefix = timestamp + " " + NoticeStyle.Render("*") + " "
		bodyStyle = NoticeStyle
	default:
		prefix = timestamp + " " + NoticeStyle.Render("["+line.msg.Kind.String()+"]") + " "
		bodyStyle = NoticeStyle
	}

	indent := lipgloss.Width(prefix)
	wrapped := wrapText(line.msg.Body, width-indent)
	for i := range wrapped {
		wrapped[i] = bodyStyle.Render(wrapped[i])
	}
	return prefix + strings.Join(wrapped, "\n"+strings.Repeat(" ", indent))
}

func (m Model) renderDisconnectedOverlay(base string) string {
	var title, detail string
	switch m.connectionState {
	case client.StateConnecting:
		title = "Connecting..."
		if m.attempt > 1 {
			detail = fmt.Sprintf("Attempt %d", m.attempt)
		}
		if m.errorMessage != "" {
			if detail != "" {
				detail += ": "
			}
			detail += m.errorMessage
		}
	default:
		title = "Disconnected"
		if m.closeErr != nil {
			detail = m.closeErr.Error()
		}
	}

	content := lipgloss.NewStyle().Bold(true).Foreground(WarningColor).Render(title)
	if detail != "" {
		content += "\n" + MutedTextStyle.Render(detail)
	}

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(WarningColor).
		Padding(1, 3).
		Render(content)

	overlay := lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
	return mergeOverlay(base, overlay)
}

// mergeOverlay keeps base lines wherever the overlay line is blank
func mergeOverlay(base, overlay string) string {
	baseLines := strings.Split(base, "\n")
	overlayLines := strings.Split(overlay, "\n")
	for i, line := range overlayLines {
		if i >= len(baseLines) {
			break
		}
		if strings.TrimSpace(line) != "" {
			baseLines[i] = line
		}
	}
	return strings.Join(baseLines, "\n")
}

// wrapText wraps text to the specified width on word boundaries
func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	currentLine := ""
	for _, word := range words {
		// Overlong words get their own line and overflow
		if len(word) > width {
			if currentLine != "" {
				lines = append(lines, currentLine)
				currentLine = ""
			}
			lines = append(lines, word)
			continue
		}

		testLine := currentLine
		if testLine != "" {
			testLine += " "
		}
		testLine += word

		if len(testLine) > width {
			if currentLine != "" {
				lines = append(lines, currentLine)
			}
			currentLine = word
		} else {
			currentLine = testLine
		}
	}
	if currentLine != "" {
		lines = append(lines, currentLine)
	}
	return lines
}
