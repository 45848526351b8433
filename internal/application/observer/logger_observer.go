package observer

import (
	"context"

	"github.com/pulsebook/pulsebook/internal/infrastructure/logger"
)

// LoggerObserver logs notebook events to the structured logger (slog)
type LoggerObserver struct {
	name   string
	logger *logger.Logger
	filter EventFilter
}

// LoggerObserverOption configures LoggerObserver
type LoggerObserverOption func(*LoggerObserver)

// WithLoggerInstance sets the logger instance
func WithLoggerInstance(l *logger.Logger) LoggerObserverOption {
	return func(o *LoggerObserver) {
		o.logger = l
	}
}

// WithLoggerFilter sets event filter
func WithLoggerFilter(filter EventFilter) LoggerObserverOption {
	return func(o *LoggerObserver) {
		o.filter = filter
	}
}

// NewLoggerObserver creates a new logger observer
func NewLoggerObserver(opts ...LoggerObserverOption) *LoggerObserver {
	obs := &LoggerObserver{
		name:   "logger",
		filter: nil, // No filter by default
	}

	for _, opt := range opts {
		opt(obs)
	}

	return obs
}

// Name returns the observer's name
func (o *LoggerObserver) Name() string {
	return o.name
}

// Filter returns the event filter
func (o *LoggerObserver) Filter() EventFilter {
	return o.filter
}

// OnEvent handles event logging
func (o *LoggerObserver) OnEvent(ctx context.Context, event Event) error {
	if o.logger == nil {
		return nil // No logger configured, skip silently
	}

	fields := []any{
		"event_type", string(event.Type),
		"notebook_id", event.NotebookID,
	}

	if event.CellID != "" {
		fields = append(fields, "cell_id", event.CellID)
	}
	if len(event.CellIDs) > 0 {
		fields = append(fields, "cell_count", len(event.CellIDs))
	}
	if event.Status != "" {
		fields = append(fields, "status", string(event.Status))
	}
	if event.Error != "" {
		fields = append(fields, "error", event.Error)
	}
	if event.Message != "" {
		fields = append(fields, "message", event.Message)
	}

	switch event.Type {
	case EventTypeError:
		o.logger.WarnContext(ctx, "Notebook event", fields...)
	case EventTypeExecutionResult:
		if event.Status == "error" {
			o.logger.WarnContext(ctx, "Notebook event", fields...)
		} else {
			o.logger.InfoContext(ctx, "Notebook event", fields...)
		}
	default:
		o.logger.InfoContext(ctx, "Notebook event", fields...)
	}

	return nil
}
