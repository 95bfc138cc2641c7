package client

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/gen2brain/beeep"
)

// NotifyFunc shows a desktop notification
type NotifyFunc func(title, message string) error

func desktopNotify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// MentionNotifier raises a desktop notification when someone else's Text
// mentions our nickname as a whole word
type MentionNotifier struct {
	nickname string
	pattern  *regexp.Regexp
	notify   NotifyFunc
	logger   *slog.Logger
}

// NewMentionNotifier watches for nickname. A nil notify uses the desktop notifier.
func NewMentionNotifier(nickname string, notify NotifyFunc, logger *slog.Logger) *MentionNotifier {
	if notify == nil {
		notify = desktopNotify
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MentionNotifier{
		nickname: nickname,
		pattern:  regexp.MustCompile(`(?i)(^|[^\pL\pN_])@?` + regexp.QuoteMeta(nickname) + `($|[^\pL\pN_])`),
		notify:   notify,
		logger:   logger,
	}
}

// Mentions reports whether msg should notify
func (n *MentionNotifier) Mentions(msg protocol.Message) bool {
	if n.nickname == "" || msg.Kind != protocol.KindText {
		return false
	}
	if strings.EqualFold(msg.Nickname, n.nickname) {
		return false
	}
	return n.pattern.MatchString(msg.Body)
}

// Handle notifies for msg when it mentions us; it fits Connection.OnMessage
func (n *MentionNotifier) Handle(msg protocol.Message) {
	if !n.Mentions(msg) {
		return
	}

	if err := n.notify("MiniChat: "+msg.Nickname, msg.Body); err != nil {
		n.logger.Debug("Notification failed", "error", err)
	}
}
