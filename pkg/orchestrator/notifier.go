package orchestrator

import "github.com/rs/zerolog"

// Notifier is a pluggable notification hook, invoked after a successful
// publish so an operator can wire in email, chat, or paging integrations
// without touching the state machine itself.
type Notifier interface {
	Notify(source, message string) error
}

// NoopNotifier discards every notification. The default when no notifier
// is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(source, message string) error { return nil }

// LogNotifier logs notifications through the orchestrator's own logger
// instead of sending them anywhere external.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(source, message string) error {
	n.Logger.Info().Str("source", source).Msg(message)
	return nil
}
