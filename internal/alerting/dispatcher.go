package alerting

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"pricewatcher/internal/storage"
)

// EventPublisher receives every fired event regardless of its destination.
type EventPublisher interface {
	Publish(ctx context.Context, ruleID, observationID int64, msg Message) error
}

// Dispatcher routes fire-ready alert events to transports and records the
// dispatch outcome on the event. A failed dispatch never re-fires the rule;
// it is surfaced through dispatch_status for external retry or inspection.
type Dispatcher struct {
	notifiers map[string]Notifier
	publisher EventPublisher
	events    storage.EventStore
	logger    zerolog.Logger
}

// NewDispatcher constructs a dispatcher over the given event store.
func NewDispatcher(events storage.EventStore, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		notifiers: make(map[string]Notifier),
		events:    events,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Register binds a transport to a destination channel name.
func (d *Dispatcher) Register(channel string, notifier Notifier) {
	d.notifiers[channel] = notifier
}

// SetPublisher installs the optional broadcast publisher.
func (d *Dispatcher) SetPublisher(publisher EventPublisher) {
	d.publisher = publisher
}

// Dispatch delivers one event and records sent or failed on it. Transport
// errors are recorded, logged, and swallowed so one destination cannot
// block the pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, event storage.AlertEvent, msg Message) {
	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, event.RuleID, event.ObservationID, msg); err != nil {
			d.logger.Error().Err(err).Int64("event_id", event.ID).Msg("event publish failed")
		}
	}

	notifier, ok := d.notifiers[msg.Channel]
	if !ok {
		d.record(ctx, event.ID, storage.DispatchFailed, fmt.Sprintf("no transport registered for channel %q", msg.Channel))
		return
	}

	if err := notifier.Notify(ctx, msg); err != nil {
		d.logger.Error().Err(err).
			Int64("event_id", event.ID).
			Str("channel", msg.Channel).
			Msg("alert dispatch failed")
		d.record(ctx, event.ID, storage.DispatchFailed, err.Error())
		return
	}

	d.record(ctx, event.ID, storage.DispatchSent, "")
}

func (d *Dispatcher) record(ctx context.Context, eventID int64, status storage.DispatchStatus, reason string) {
	if err := d.events.MarkEventDispatched(ctx, eventID, status, reason); err != nil {
		d.logger.Error().Err(err).Int64("event_id", eventID).Msg("failed to record dispatch status")
	}
}
