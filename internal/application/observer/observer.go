// Package observer distributes notebook execution events to registered
// observers (websocket clients, logs). Delivery is synchronous and
// in-order: clients reconstruct notebook state from the event stream, so
// reordering would corrupt it.
package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pulsebook/pulsebook/pkg/models"
)

// Observer is the core interface for notebook event observation
type Observer interface {
	// OnEvent is called when any notebook event occurs
	OnEvent(ctx context.Context, event Event) error

	// Name returns the observer's unique identifier
	Name() string

	// Filter returns the event filter for this observer (nil = all events)
	Filter() EventFilter
}

// EventType identifies a notebook event. Values match the wire message
// types sent to clients.
type EventType string

const (
	EventTypeExecutionQueue       EventType = "execution_queue"
	EventTypeExecutionStarted     EventType = "execution_started"
	EventTypeExecutionResult      EventType = "execution_result"
	EventTypeExecutionInterrupted EventType = "execution_interrupted"
	EventTypeError                EventType = "error"
	EventTypeCellAdded            EventType = "cell_added"
	EventTypeCellDeleted          EventType = "cell_deleted"
)

// Event is one notebook lifecycle event. A single shape covers all event
// types; fields irrelevant to a type stay zero.
type Event struct {
	Type       EventType
	NotebookID string
	Timestamp  time.Time

	// Cell-level context
	CellID  string
	CellIDs []string
	Cell    *models.Cell
	// Position of an added cell in the display order
	Position int

	// Execution results
	Status     models.CellStatus
	Output     string
	Error      string
	RichOutput json.RawMessage

	// Human-readable message (interrupts, graph errors)
	Message string
}

// EventFilter defines filtering criteria for events
type EventFilter interface {
	ShouldNotify(event Event) bool
}

// EventTypeFilter filters events by type
type EventTypeFilter struct {
	allowedTypes map[EventType]bool
}

// NewEventTypeFilter creates a filter for specific event types.
// If no types specified, allows all events.
func NewEventTypeFilter(types ...EventType) EventFilter {
	if len(types) == 0 {
		return nil // nil filter = all events
	}

	filter := &EventTypeFilter{
		allowedTypes: make(map[EventType]bool),
	}
	for _, t := range types {
		filter.allowedTypes[t] = true
	}
	return filter
}

// ShouldNotify checks if the event should trigger notification
func (f *EventTypeFilter) ShouldNotify(event Event) bool {
	if f == nil || len(f.allowedTypes) == 0 {
		return true
	}
	return f.allowedTypes[event.Type]
}

// NotebookIDFilter filters events by notebook ID
type NotebookIDFilter struct {
	notebookID string
}

// NewNotebookIDFilter creates a filter that only passes events for a
// specific notebook
func NewNotebookIDFilter(notebookID string) EventFilter {
	return &NotebookIDFilter{notebookID: notebookID}
}

// ShouldNotify returns true if the event belongs to the target notebook
func (f *NotebookIDFilter) ShouldNotify(event Event) bool {
	return event.NotebookID == f.notebookID
}

// CompoundEventFilter combines multiple filters with AND logic.
type CompoundEventFilter struct {
	filters []EventFilter
}

// NewCompoundEventFilter creates a filter that requires all sub-filters to
// pass. Nil filters are ignored. Returns nil if no valid filters remain.
func NewCompoundEventFilter(filters ...EventFilter) EventFilter {
	nonNil := make([]EventFilter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			nonNil = append(nonNil, f)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &CompoundEventFilter{filters: nonNil}
}

// ShouldNotify returns true only if all sub-filters pass
func (f *CompoundEventFilter) ShouldNotify(event Event) bool {
	for _, filter := range f.filters {
		if !filter.ShouldNotify(event) {
			return false
		}
	}
	return true
}
