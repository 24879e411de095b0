package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskpilot/internal/watcher"
)

type planSink struct {
	mu       sync.Mutex
	progress []watcher.ProgressEvent
	errors   []watcher.ErrorEvent
	notify   chan struct{}
}

func newPlanSink(w *watcher.Watcher) *planSink {
	s := &planSink{notify: make(chan struct{}, 16)}
	w.Events().Register(watcher.EventProgress, func(payload any) {
		s.mu.Lock()
		s.progress = append(s.progress, payload.(watcher.ProgressEvent))
		s.mu.Unlock()
		s.notify <- struct{}{}
	})
	w.Events().Register(watcher.EventError, func(payload any) {
		s.mu.Lock()
		s.errors = append(s.errors, payload.(watcher.ErrorEvent))
		s.mu.Unlock()
		s.notify <- struct{}{}
	})
	return s
}

func (s *planSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watcher event")
	}
}

func startWatcher(t *testing.T) (string, *planSink) {
	t.Helper()
	dir := t.TempDir()
	w, err := watcher.New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := newPlanSink(w)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return dir, sink
}

func TestValidPlanEmitsProgress(t *testing.T) {
	dir, sink := startWatcher(t)

	plan := `{"goal":"ship it","steps":[{"title":"build","status":"done"},{"title":"test","status":"active"}]}`
	if err := os.WriteFile(filepath.Join(dir, "task-1.plan.json"), []byte(plan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.progress) == 0 {
		t.Fatalf("no progress events; errors = %+v", sink.errors)
	}
	ev := sink.progress[0]
	if ev.TaskID != "task-1" {
		t.Fatalf("task id = %q, want task-1", ev.TaskID)
	}
	doc, ok := ev.Plan.(map[string]any)
	if !ok {
		t.Fatalf("plan payload type %T, want object", ev.Plan)
	}
	if doc["goal"] != "ship it" {
		t.Fatalf("goal = %v", doc["goal"])
	}
}

func TestInvalidPlanEmitsError(t *testing.T) {
	dir, sink := startWatcher(t)

	// steps entries missing the required status field.
	plan := `{"steps":[{"title":"build"}]}`
	if err := os.WriteFile(filepath.Join(dir, "task-2.plan.json"), []byte(plan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errors) == 0 {
		t.Fatalf("no error events; progress = %+v", sink.progress)
	}
	if sink.errors[0].TaskID != "task-2" {
		t.Fatalf("task id = %q, want task-2", sink.errors[0].TaskID)
	}
	if len(sink.progress) != 0 {
		t.Fatalf("invalid plan produced progress events: %+v", sink.progress)
	}
}

func TestUnrelatedFilesIgnored(t *testing.T) {
	dir, sink := startWatcher(t)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "task-3.plan.json"), []byte(`{"steps":[]}`), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errors) != 0 {
		t.Fatalf("unexpected errors: %+v", sink.errors)
	}
	if len(sink.progress) != 1 || sink.progress[0].TaskID != "task-3" {
		t.Fatalf("progress = %+v, want single task-3 event", sink.progress)
	}
}
