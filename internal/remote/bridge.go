package remote

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskpilot/internal/agent"
	"github.com/basket/taskpilot/internal/events"
	"github.com/basket/taskpilot/internal/otel"
	"github.com/basket/taskpilot/internal/persistence"
	"github.com/basket/taskpilot/internal/watcher"
)

// EventSource is the collaborator boundary the bridge consumes: named
// event registration paired with a deregister capability invoked
// exactly once per registration during shutdown.
type EventSource interface {
	Register(name string, h events.Handler) *events.Registration
}

// Bridge subscribes to AgentManager and FileWatcher domain events and
// translates each into broadcast calls. It also owns the derived status
// transitions (process exit to review, qa_review phase to ai_review).
type Bridge struct {
	broadcaster *Broadcaster
	store       *persistence.Store // optional; derived transitions are persisted when set
	logger      *slog.Logger
	metrics     *otel.Metrics // optional

	mu            sync.Mutex
	active        bool
	initializedAt time.Time
	cleanups      []func()
	eventCount    atomic.Int64
	debug         bool
}

// NewBridge creates an inactive Bridge. store and metrics may be nil.
func NewBridge(b *Broadcaster, store *persistence.Store, logger *slog.Logger, metrics *otel.Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{broadcaster: b, store: store, logger: logger, metrics: metrics}
}

// Active reports whether the bridge currently holds live registrations.
func (br *Bridge) Active() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.active
}

// EventCount returns the number of domain events handled since the last
// Initialize.
func (br *Bridge) EventCount() int64 { return br.eventCount.Load() }

// Initialize subscribes to the six domain events and records one
// cleanup closure per registration. A second call while active is a
// no-op.
func (br *Bridge) Initialize(agentEvents, watcherEvents EventSource, debug bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.active {
		return
	}
	br.debug = debug
	br.eventCount.Store(0)
	br.initializedAt = time.Now()

	register := func(src EventSource, name string, h events.Handler) {
		reg := src.Register(name, func(payload any) {
			br.eventCount.Add(1)
			if br.metrics != nil {
				br.metrics.BridgedEvents.Add(context.Background(), 1)
			}
			h(payload)
		})
		br.cleanups = append(br.cleanups, reg.Deregister)
	}

	register(agentEvents, agent.EventLog, br.onAgentLog)
	register(agentEvents, agent.EventError, br.onAgentError)
	register(agentEvents, agent.EventExit, br.onAgentExit)
	register(agentEvents, agent.EventExecutionProgress, br.onAgentProgress)
	register(watcherEvents, watcher.EventProgress, br.onWatcherProgress)
	register(watcherEvents, watcher.EventError, br.onWatcherError)

	br.active = true
	br.logger.Info("event bridge initialized", "registrations", len(br.cleanups))
}

// Shutdown deregisters everything and resets the bridge. Each cleanup
// closure runs exactly once; individual failures are discarded. Calling
// Shutdown while inactive is a no-op.
func (br *Bridge) Shutdown() {
	br.mu.Lock()
	defer br.mu.Unlock()
	if !br.active {
		return
	}
	for _, cleanup := range br.cleanups {
		func() {
			defer func() { _ = recover() }()
			cleanup()
		}()
	}
	br.cleanups = nil
	br.active = false
	br.initializedAt = time.Time{}
	br.eventCount.Store(0)
	br.logger.Info("event bridge shut down")
}

func (br *Bridge) onAgentLog(payload any) {
	ev, ok := payload.(agent.LogEvent)
	if !ok {
		return
	}
	if br.debug {
		br.logger.Debug("bridge: task log", "task_id", ev.TaskID)
	}
	br.broadcaster.BroadcastToTask(ev.TaskID, TypeTaskLog, TaskLogPayload{
		TaskID:    ev.TaskID,
		Log:       ev.Text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (br *Bridge) onAgentError(payload any) {
	ev, ok := payload.(agent.ErrorEvent)
	if !ok {
		return
	}
	br.broadcastTaskError(ev.TaskID, ev.Text)
}

func (br *Bridge) onWatcherError(payload any) {
	ev, ok := payload.(watcher.ErrorEvent)
	if !ok {
		return
	}
	br.broadcastTaskError(ev.TaskID, ev.Text)
}

func (br *Bridge) broadcastTaskError(taskID, text string) {
	br.broadcaster.BroadcastToTask(taskID, TypeTaskError, TaskErrorPayload{
		TaskID:    taskID,
		Error:     text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// onAgentExit moves the task into review when its process ends.
// Spec-creation processes manage their own status, so their exit is
// counted but not broadcast. Every other process type, including
// unrecognized ones, lands in human review.
func (br *Bridge) onAgentExit(payload any) {
	ev, ok := payload.(agent.ExitEvent)
	if !ok {
		return
	}
	if ev.ProcessType == agent.ProcessTypeSpecCreation {
		return
	}
	br.broadcastStatusChange(ev.TaskID, persistence.StatusHumanReview)
}

func (br *Bridge) onAgentProgress(payload any) {
	ev, ok := payload.(agent.ProgressEvent)
	if !ok {
		return
	}
	br.broadcaster.BroadcastToTask(ev.TaskID, TypeTaskExecutionProgress, TaskExecutionProgressPayload{
		TaskID:   ev.TaskID,
		Progress: ev.Progress,
	})
	// Entering the qa phase implies an ai_review status change that is
	// not present in the raw event.
	if ev.Progress.Phase == "qa_review" {
		br.broadcastStatusChange(ev.TaskID, persistence.StatusAIReview)
	}
}

func (br *Bridge) onWatcherProgress(payload any) {
	ev, ok := payload.(watcher.ProgressEvent)
	if !ok {
		return
	}
	br.broadcaster.BroadcastToTask(ev.TaskID, TypeTaskProgress, TaskProgressPayload{
		TaskID: ev.TaskID,
		Plan:   ev.Plan,
	})
}

// broadcastStatusChange records the transition in the store when one is
// configured, then fans it out. The previous status rides along when
// known; a store miss never suppresses the broadcast.
func (br *Bridge) broadcastStatusChange(taskID, status string) {
	previous := ""
	if br.store != nil {
		prev, err := br.store.SetTaskStatus(context.Background(), taskID, status)
		if err != nil {
			br.logger.Warn("could not persist status change", "task_id", taskID, "status", status, "error", err)
		} else {
			previous = prev
		}
	}
	br.broadcaster.BroadcastToTask(taskID, TypeTaskStatusChange, TaskStatusChangePayload{
		TaskID:         taskID,
		Status:         status,
		PreviousStatus: previous,
	})
}
