package server

import (
	"github.com/rs/zerolog"

	"github.com/mavdeev/chatline/internal/monitoring"
	"github.com/mavdeev/chatline/internal/session"
)

// Notifier pushes asynchronous protocol lines to live connections. Recipient
// sets are snapshotted from the registry before any write, so no registry
// lock is ever held across I/O. A failed write skips that recipient and
// moves on; the reader side of the broken connection tears it down.
type Notifier struct {
	registry *session.Registry
	logger   zerolog.Logger
}

func NewNotifier(registry *session.Registry, logger zerolog.Logger) *Notifier {
	return &Notifier{
		registry: registry,
		logger:   logger.With().Str("component", "notifier").Logger(),
	}
}

// NotifyUser pushes a line to every live connection of a user. kind is the
// push verb, used only for metrics.
func (n *Notifier) NotifyUser(userID int64, kind, line string) {
	conns := n.registry.UserConns(userID)
	for _, conn := range conns {
		n.push(conn, kind, line)
	}
}

// NotifyChat pushes a line to every connection subscribed to a chat, except
// the given one (typically the originator, which gets a direct reply
// instead). Pass nil to reach all subscribers.
func (n *Notifier) NotifyChat(chatID int64, kind, line string, except session.Conn) {
	conns := n.registry.Subscribers(chatID)
	for _, conn := range conns {
		if conn == except {
			continue
		}
		n.push(conn, kind, line)
	}
}

func (n *Notifier) push(conn session.Conn, kind, line string) {
	if err := conn.WriteLine(line); err != nil {
		monitoring.NotificationFailed()
		n.logger.Debug().Err(err).Str("kind", kind).Msg("notification write failed")
		return
	}
	monitoring.NotificationSent(kind)
}
