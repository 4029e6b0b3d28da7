package notify

import (
	"context"

	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/logging"

	"github.com/samber/lo"
)

// Sender is the synchronous delivery contract the Dispatcher forwards to
type Sender interface {
	Notify(ctx context.Context, recipients []string, event events.Event) error
}

// Dispatcher subscribes to the events bus and forwards matching events to a Sender.
type Dispatcher struct {
	sender  Sender
	filters Filters
	config  Config
	logger  *logging.Logger
}

// NewDispatcher creates a dispatcher using the filters and timeout from config
func NewDispatcher(sender Sender, config Config, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	config.SetDefaults()
	return &Dispatcher{
		sender:  sender,
		filters: config.Filters,
		config:  config,
		logger:  logger,
	}
}

// Run delivers events from ch until ctx is done or ch is closed. Delivery
// failures are logged and never reach the publisher.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if !d.Matches(event) {
				continue
			}
			d.deliver(ctx, event)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event events.Event) {
	deliveryCtx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	defer cancel()

	if err := d.sender.Notify(deliveryCtx, event.Recipients, event); err != nil {
		d.logger.WithFields(map[string]interface{}{
			"event_id": event.ID,
			"event":    event.Type,
			"error":    err.Error(),
		}).Warn("Dropped notification after delivery failure")
	}
}

// Matches reports whether event passes the configured filters
func (d *Dispatcher) Matches(event events.Event) bool {
	if !severityAtLeast(event.Severity, d.filters.MinSeverity) {
		return false
	}
	if lo.Contains(d.filters.Exclude, event.Type) {
		return false
	}
	if len(d.filters.Events) > 0 && !lo.Contains(d.filters.Events, event.Type) {
		return false
	}
	return true
}
