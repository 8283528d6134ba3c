// Package notify delivers project events (failures, warnings, completions)
// to whoever is watching. Delivery is best effort: notifiers never report
// errors to the caller.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Event kinds.
const (
	KindStageCompleted = "stage_completed"
	KindStageFailed    = "stage_failed"
	KindWarning        = "warning"
	KindCancelled      = "cancelled"
)

// Event is one notification.
type Event struct {
	ProjectID string         `json:"project_id"`
	Project   string         `json:"project,omitempty"`
	Kind      string         `json:"kind"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message"`
	Time      time.Time      `json:"time"`
	Details   map[string]any `json:"details,omitempty"`
}

// Notifier receives events.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		n.Notify(ctx, e)
	}
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch e.Kind {
	case KindStageFailed:
		level = slog.LevelError
	case KindWarning, KindCancelled:
		level = slog.LevelWarn
	}
	attrs := []any{"project", e.ProjectID, "kind", e.Kind}
	if e.Stage != "" {
		attrs = append(attrs, "stage", e.Stage)
	}
	for k, v := range e.Details {
		attrs = append(attrs, k, v)
	}
	logger.Log(ctx, level, e.Message, attrs...)
}
