package chat

import (
	"context"
	"log/slog"
)

// Notifier surfaces transient user-facing notices.
type Notifier interface {
	Notify(level slog.Level, msg string)
}

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(level slog.Level, msg string) {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Log(context.Background(), level, "chat.notice", "message", msg)
}

// NotifierFunc adapts a func to Notifier.
type NotifierFunc func(level slog.Level, msg string)

func (f NotifierFunc) Notify(level slog.Level, msg string) { f(level, msg) }
