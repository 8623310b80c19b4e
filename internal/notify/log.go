package notify

import (
	"context"
	"log/slog"

	"github.com/samcat116/strato/internal/events"
)

// LogNotifier writes every event as a structured log line. It is always
// enabled and serves as a guaranteed notification record.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("component", "notify")}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Send(_ context.Context, evt events.Event) error {
	l.log.Info("event",
		"type", string(evt.Type),
		"agent", evt.AgentID,
		"vm", evt.VMID,
		"project", evt.ProjectID,
		"state", evt.State,
		"message", evt.Message,
	)
	return nil
}
