package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pulsebook/pulsebook/internal/application/observer"
	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
)

// Observer broadcasts notebook events to the websocket clients of the
// event's notebook, converted into the wire message shapes.
type Observer struct {
	name   string
	hub    *Hub
	filter observer.EventFilter
	logger *logger.Logger
}

// ObserverOption configures Observer
type ObserverOption func(*Observer)

// WithObserverFilter sets event filter
func WithObserverFilter(filter observer.EventFilter) ObserverOption {
	return func(o *Observer) {
		o.filter = filter
	}
}

// WithObserverLogger sets logger instance
func WithObserverLogger(l *logger.Logger) ObserverOption {
	return func(o *Observer) {
		o.logger = l
	}
}

// NewObserver creates the websocket observer around a hub.
func NewObserver(hub *Hub, opts ...ObserverOption) *Observer {
	obs := &Observer{
		name: "websocket",
		hub:  hub,
	}

	for _, opt := range opts {
		opt(obs)
	}

	return obs
}

// Name returns the observer's name
func (o *Observer) Name() string {
	return o.name
}

// Filter returns the event filter
func (o *Observer) Filter() observer.EventFilter {
	return o.filter
}

// OnEvent converts the event to its wire message and broadcasts it to the
// notebook's clients.
func (o *Observer) OnEvent(ctx context.Context, event observer.Event) error {
	message, err := eventToMessage(event)
	if err != nil {
		return err
	}

	data, err := json.Marshal(message)
	if err != nil {
		if o.logger != nil {
			o.logger.ErrorContext(ctx, "Failed to marshal WebSocket message",
				"error", err,
				"event_type", string(event.Type),
			)
		}
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	o.hub.BroadcastToNotebook(event.NotebookID, data)
	return nil
}

// eventToMessage maps a notebook event onto its client-facing message.
func eventToMessage(event observer.Event) (any, error) {
	switch event.Type {
	case observer.EventTypeExecutionQueue:
		return executionQueueMessage{
			Type:    string(event.Type),
			CellIDs: event.CellIDs,
		}, nil

	case observer.EventTypeExecutionStarted:
		return executionStartedMessage{
			Type:   string(event.Type),
			CellID: event.CellID,
		}, nil

	case observer.EventTypeExecutionResult:
		return executionResultMessage{
			Type:       string(event.Type),
			CellID:     event.CellID,
			Status:     string(event.Status),
			Output:     event.Output,
			RichOutput: event.RichOutput,
			Error:      event.Error,
		}, nil

	case observer.EventTypeExecutionInterrupted:
		return executionInterruptedMessage{
			Type:    string(event.Type),
			CellID:  event.CellID,
			Message: event.Message,
		}, nil

	case observer.EventTypeError:
		return errorMessage{
			Type:    string(event.Type),
			CellID:  event.CellID,
			Message: event.Message,
		}, nil

	case observer.EventTypeCellAdded:
		return cellAddedMessage{
			Type:     string(event.Type),
			Cell:     event.Cell,
			Position: event.Position,
		}, nil

	case observer.EventTypeCellDeleted:
		return cellDeletedMessage{
			Type:   string(event.Type),
			CellID: event.CellID,
		}, nil
	}

	return nil, fmt.Errorf("unknown event type: %s", event.Type)
}
