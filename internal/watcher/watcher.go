// Package watcher observes per-task plan files on disk and publishes
// validated plan updates as domain events.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskpilot/internal/events"
)

// Event names published on the watcher's emitter.
const (
	EventProgress = "progress"
	EventError    = "error"
)

// planFileSuffix is how task processes name their plan documents inside
// the tasks directory: <taskID>.plan.json.
const planFileSuffix = ".plan.json"

// planSchemaJSON constrains plan documents. Steps carry a title and a
// status; the statuses mirror the per-step vocabulary the companion app
// renders.
const planSchemaJSON = `{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "goal": {"type": "string"},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "status"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "status": {"enum": ["pending", "active", "done", "failed"]}
        }
      }
    }
  }
}`

// ProgressEvent carries a validated plan document for a task.
type ProgressEvent struct {
	TaskID string
	Plan   any
}

// ErrorEvent reports an unreadable or invalid plan file.
type ErrorEvent struct {
	TaskID string
	Text   string
}

// Watcher watches a tasks directory for plan-file writes.
type Watcher struct {
	tasksDir string
	logger   *slog.Logger
	emitter  *events.Emitter
	schema   *jsonschema.Schema
	fsw      *fsnotify.Watcher
}

// New creates a Watcher over tasksDir. The directory is created when
// missing so the fsnotify watch can attach.
func New(tasksDir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks dir: %w", err)
	}

	// jsonschema.UnmarshalJSON preserves numbers as json.Number, which
	// the validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("plan.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(tasksDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", tasksDir, err)
	}

	return &Watcher{
		tasksDir: tasksDir,
		logger:   logger,
		emitter:  events.NewEmitter(),
		schema:   schema,
		fsw:      fsw,
	}, nil
}

// Events returns the emitter carrying progress/error.
func (w *Watcher) Events() *events.Emitter { return w.emitter }

// Run consumes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			taskID, ok := taskIDFromPath(ev.Name)
			if !ok {
				continue
			}
			w.handlePlanWrite(taskID, ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// taskIDFromPath maps <dir>/<taskID>.plan.json to its task id.
func taskIDFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, planFileSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(base, planFileSuffix)
	if id == "" {
		return "", false
	}
	return id, true
}

func (w *Watcher) handlePlanWrite(taskID, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.emitter.Emit(EventError, ErrorEvent{TaskID: taskID, Text: fmt.Sprintf("read plan: %s", err)})
		return
	}
	plan, err := w.parsePlan(data)
	if err != nil {
		w.logger.Warn("invalid plan file", "task_id", taskID, "error", err)
		w.emitter.Emit(EventError, ErrorEvent{TaskID: taskID, Text: err.Error()})
		return
	}
	w.emitter.Emit(EventProgress, ProgressEvent{TaskID: taskID, Plan: plan})
}

func (w *Watcher) parsePlan(data []byte) (any, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if err := w.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("plan schema validation failed: %w", err)
	}
	return parsed, nil
}
