package notify

import (
	"log/slog"
	"strconv"
)

// Event names pushed to the web panel.
const (
	EventConsoleLine  = "console_line"
	EventEULAPrompt   = "eula_prompt"
	EventReload       = "update_button_status"
	EventNotification = "notification"
	EventCrashed      = "server_crashed"
	EventUpdateStatus = "update_executable"
	EventBackupStatus = "backup_status"
)

// Notifier pushes events to connected users or to every viewer of a page.
type Notifier interface {
	BroadcastToUser(userID int64, event string, payload any)
	BroadcastToPage(page string, event string, payload any)
}

// ConsolePage is the page path of a server console.
func ConsolePage(serverID int64) string {
	return "/panel/server_detail?id=" + strconv.FormatInt(serverID, 10) + "&subpage=term"
}

// Multi fans every call out to all non-nil notifiers.
type Multi []Notifier

func (m Multi) BroadcastToUser(userID int64, event string, payload any) {
	for _, n := range m {
		if n != nil {
			n.BroadcastToUser(userID, event, payload)
		}
	}
}

func (m Multi) BroadcastToPage(page string, event string, payload any) {
	for _, n := range m {
		if n != nil {
			n.BroadcastToPage(page, event, payload)
		}
	}
}

// Log writes notifications to a slog.Logger at debug level.
// Console lines are skipped to keep logs readable.
type Log struct {
	logger *slog.Logger
}

func NewLog(l *slog.Logger) *Log {
	if l == nil {
		l = slog.Default()
	}
	return &Log{logger: l.With("component", "notify")}
}

func (l *Log) BroadcastToUser(userID int64, event string, payload any) {
	l.logger.Debug("notify user", "user_id", userID, "event", event, "payload", payload)
}

func (l *Log) BroadcastToPage(page string, event string, payload any) {
	if event == EventConsoleLine {
		return
	}
	l.logger.Debug("notify page", "page", page, "event", event, "payload", payload)
}

// Nop discards everything.
type Nop struct{}

func (Nop) BroadcastToUser(int64, string, any)  {}
func (Nop) BroadcastToPage(string, string, any) {}
