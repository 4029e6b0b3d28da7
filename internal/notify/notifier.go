// Package notify delivers events to people: email, chat webhooks and files.
// Notifier.Notify delivers synchronously; Dispatcher consumes the events bus and
// delivers fire-and-forget.
package notify

import (
	"context"
	"errors"
	"fmt"

	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/logging"
)

// Notifier sends events through every enabled channel
type Notifier struct {
	logger   *logging.Logger
	config   Config
	channels []Channel
}

// NewNotifier creates a notifier with the channels present in config
func NewNotifier(logger *logging.Logger, config Config) *Notifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	config.SetDefaults()

	n := &Notifier{logger: logger, config: config}
	if config.Email != nil {
		n.channels = append(n.channels, NewEmailChannel(logger, *config.Email))
	}
	if config.Webhook != nil {
		n.channels = append(n.channels, NewWebhookChannel(logger, *config.Webhook))
	}
	if config.Slack != nil {
		n.channels = append(n.channels, NewSlackChannel(logger, *config.Slack))
	}
	if config.Teams != nil {
		n.channels = append(n.channels, NewTeamsChannel(logger, *config.Teams))
	}
	if config.File != nil {
		n.channels = append(n.channels, NewFileChannel(logger, *config.File))
	}
	return n
}

// NewNotifierWithChannels creates a notifier over explicit channels
func NewNotifierWithChannels(logger *logging.Logger, config Config, channels ...Channel) *Notifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	config.SetDefaults()
	return &Notifier{logger: logger, config: config, channels: channels}
}

// Notify delivers event to recipients through every enabled channel and waits for
// all deliveries. Channel failures are logged and returned joined.
func (n *Notifier) Notify(ctx context.Context, recipients []string, event events.Event) error {
	if !n.config.Enabled {
		return nil
	}

	msg := newMessage(recipients, event)
	var errs []error
	for _, ch := range n.channels {
		if !ch.Enabled() {
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			n.logger.WithFields(map[string]interface{}{
				"channel": ch.Type(),
				"event":   event.Type,
				"error":   err.Error(),
			}).Warn("Notification delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Type(), err))
			continue
		}
		n.logger.WithFields(map[string]interface{}{
			"channel": ch.Type(),
			"event":   event.Type,
		}).Debug("Notification delivered")
	}
	return errors.Join(errs...)
}

// Channels returns the enabled channel types
func (n *Notifier) Channels() []string {
	var types []string
	for _, ch := range n.channels {
		if ch.Enabled() {
			types = append(types, ch.Type())
		}
	}
	return types
}
