package remote

import (
	"context"
	"log/slog"

	"github.com/basket/taskpilot/internal/otel"
)

// Broadcast payload shapes.

type TaskLogPayload struct {
	TaskID    string `json:"taskId"`
	Log       string `json:"log"`
	Timestamp string `json:"timestamp"`
}

type TaskErrorPayload struct {
	TaskID    string `json:"taskId"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

type TaskStatusChangePayload struct {
	TaskID         string `json:"taskId"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`
}

type TaskProgressPayload struct {
	TaskID string `json:"taskId"`
	Plan   any    `json:"plan"`
}

type TaskExecutionProgressPayload struct {
	TaskID   string `json:"taskId"`
	Progress any    `json:"progress"`
}

// Broadcaster fans envelopes out to every matching connection. There is
// no outbound queue bound: a slow client's writes block only its own
// delivery goroutine path, and delivery across clients carries no
// ordering or atomicity guarantee.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *otel.Metrics // optional
}

// NewBroadcaster creates a Broadcaster over the registry. metrics may
// be nil.
func NewBroadcaster(registry *Registry, logger *slog.Logger, metrics *otel.Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{registry: registry, logger: logger, metrics: metrics}
}

// SendTo writes one envelope to one connection. A non-open transport is
// a silent no-op, and write failures are discarded: registry cleanup
// belongs solely to the transport's close/error signal, never to the
// writer.
func (b *Broadcaster) SendTo(c *Conn, env Envelope) {
	defer func() { _ = recover() }()
	if !c.transport.Open() {
		return
	}
	if err := c.transport.Write(context.Background(), env); err != nil {
		b.logger.Debug("dropped write to client", "conn_id", c.ID(), "type", env.Type, "error", err)
	}
}

// Broadcast applies the subscription filter over a registry snapshot
// and delivers the envelope to every matching connection.
func (b *Broadcaster) Broadcast(key EventKey, env Envelope) {
	sent, filtered := 0, 0
	for _, c := range b.registry.All() {
		if !c.Matches(key) {
			filtered++
			continue
		}
		b.SendTo(c, env)
		sent++
	}
	if b.metrics != nil {
		ctx := context.Background()
		b.metrics.BroadcastsSent.Add(ctx, int64(sent))
		b.metrics.BroadcastsFiltered.Add(ctx, int64(filtered))
	}
	b.logger.Debug("broadcast", "type", env.Type, "task_id", key.TaskID, "sent", sent, "filtered", filtered)
}

// BroadcastToTask fans out a task-scoped event.
func (b *Broadcaster) BroadcastToTask(taskID string, t MessageType, payload any) {
	b.Broadcast(EventKey{TaskID: taskID, Type: t}, NewEnvelope(t, payload))
}

// BroadcastToProject fans out a project-scoped event of an arbitrary
// type.
func (b *Broadcaster) BroadcastToProject(projectID string, t MessageType, payload any) {
	b.Broadcast(EventKey{ProjectID: projectID, Type: t}, NewEnvelope(t, payload))
}
