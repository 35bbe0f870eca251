// Package notify provides a default store.NotificationSink that logs
// events via log/slog, for deployments that don't wire a websocket/event
// bus (spec.md §9 "progress reporting is fire-and-forget").
package notify

import "log/slog"

// SlogSink logs every notification at info level.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log.With("component", "notify")}
}

func (s *SlogSink) Notify(event string, payload any) {
	s.log.Info("notification", "event", event, "payload", payload)
}
