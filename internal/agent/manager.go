// Package agent runs automation task processes and publishes their
// output as domain events. Consumers (the remote event bridge, loggers)
// register handlers on the manager's emitter; the manager never knows
// who is listening.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskpilot/internal/events"
	"github.com/basket/taskpilot/internal/persistence"
	"github.com/basket/taskpilot/internal/security"
)

// Event names published on the manager's emitter.
const (
	EventLog               = "log"
	EventError             = "error"
	EventExit              = "exit"
	EventExecutionProgress = "execution-progress"
)

// Process types. Spec-creation processes manage their own task status;
// everything else lands in human review when the process exits.
const (
	ProcessTypeExecution    = "task-execution"
	ProcessTypeSpecCreation = "spec-creation"
)

// LogEvent is one line of process stdout.
type LogEvent struct {
	TaskID string
	Text   string
}

// ErrorEvent is one line of process stderr or a launch failure.
type ErrorEvent struct {
	TaskID string
	Text   string
}

// ExitEvent reports process termination.
type ExitEvent struct {
	TaskID      string
	Code        int
	ProcessType string
}

// ExecutionProgress is a structured progress marker emitted by the task
// process on stdout as a JSON line.
type ExecutionProgress struct {
	Phase       string `json:"phase"`
	CurrentStep int    `json:"current_step,omitempty"`
	TotalSteps  int    `json:"total_steps,omitempty"`
	Message     string `json:"message,omitempty"`
}

// ProgressEvent wraps an ExecutionProgress with its task.
type ProgressEvent struct {
	TaskID   string
	Progress ExecutionProgress
}

// Config holds manager dependencies.
type Config struct {
	Store     *persistence.Store // optional; status updates skipped when nil
	Validator *security.Registry // optional; commands run unchecked when nil
	Logger    *slog.Logger
	// DefaultTimeout bounds a task process. Zero means 10 minutes.
	DefaultTimeout time.Duration
}

type runningProcess struct {
	taskID      string
	processType string
	cancel      context.CancelFunc
	done        chan struct{}
}

// Manager owns the set of running task processes.
type Manager struct {
	cfg     Config
	emitter *events.Emitter

	mu    sync.Mutex
	procs map[string]*runningProcess
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	return &Manager{
		cfg:     cfg,
		emitter: events.NewEmitter(),
		procs:   make(map[string]*runningProcess),
	}
}

// Events returns the emitter carrying log/error/exit/execution-progress.
func (m *Manager) Events() *events.Emitter { return m.emitter }

// StartOptions describes one task process launch.
type StartOptions struct {
	TaskID      string
	ProcessType string // defaults to task-execution
	Command     string // run via sh -c
	WorkDir     string
	Timeout     time.Duration // defaults to Config.DefaultTimeout
}

// StartTask validates and launches the task process. It returns an error
// when the task is already running, the command is blocked, or the
// process cannot start. Output streaming happens on a background
// goroutine; termination is reported through the exit event.
func (m *Manager) StartTask(ctx context.Context, opts StartOptions) error {
	if opts.TaskID == "" || strings.TrimSpace(opts.Command) == "" {
		return fmt.Errorf("task id and command are required")
	}
	if opts.ProcessType == "" {
		opts.ProcessType = ProcessTypeExecution
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.cfg.DefaultTimeout
	}

	if m.cfg.Validator != nil {
		if res := m.cfg.Validator.ValidateCommand(opts.Command); !res.Valid {
			return fmt.Errorf("command blocked: %s", res.Reason)
		}
	}

	m.mu.Lock()
	if _, running := m.procs[opts.TaskID]; running {
		m.mu.Unlock()
		return fmt.Errorf("task %q is already running", opts.TaskID)
	}
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.Timeout)
	rp := &runningProcess{
		taskID:      opts.TaskID,
		processType: opts.ProcessType,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	m.procs[opts.TaskID] = rp
	m.mu.Unlock()

	cmd := exec.CommandContext(procCtx, "sh", "-c", opts.Command)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.finish(rp)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.finish(rp)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		m.finish(rp)
		m.emitter.Emit(EventError, ErrorEvent{TaskID: opts.TaskID, Text: err.Error()})
		return fmt.Errorf("start task process: %w", err)
	}

	if m.cfg.Store != nil {
		if _, err := m.cfg.Store.SetTaskStatus(ctx, opts.TaskID, persistence.StatusInProgress); err != nil {
			m.cfg.Logger.Warn("could not mark task in progress", "task_id", opts.TaskID, "error", err)
		}
	}
	m.cfg.Logger.Info("task process started", "task_id", opts.TaskID, "process_type", opts.ProcessType)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.scanStdout(opts.TaskID, stdout)
	}()
	go func() {
		defer wg.Done()
		m.scanStderr(opts.TaskID, stderr)
	}()

	go func() {
		wg.Wait()
		code := 0
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
				m.emitter.Emit(EventError, ErrorEvent{TaskID: opts.TaskID, Text: err.Error()})
			}
		}
		m.finish(rp)
		m.cfg.Logger.Info("task process exited", "task_id", opts.TaskID, "code", code)
		m.emitter.Emit(EventExit, ExitEvent{TaskID: opts.TaskID, Code: code, ProcessType: opts.ProcessType})
	}()
	return nil
}

// scanStdout emits a log event per line; lines that parse as a progress
// marker become execution-progress events instead.
func (m *Manager) scanStdout(taskID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if progress, ok := parseProgress(line); ok {
			m.emitter.Emit(EventExecutionProgress, ProgressEvent{TaskID: taskID, Progress: progress})
			continue
		}
		m.emitter.Emit(EventLog, LogEvent{TaskID: taskID, Text: line})
	}
}

func (m *Manager) scanStderr(taskID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for scanner.Scan() {
		m.emitter.Emit(EventError, ErrorEvent{TaskID: taskID, Text: scanner.Text()})
	}
}

func parseProgress(line string) (ExecutionProgress, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return ExecutionProgress{}, false
	}
	var p ExecutionProgress
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil || p.Phase == "" {
		return ExecutionProgress{}, false
	}
	return p, true
}

func (m *Manager) finish(rp *runningProcess) {
	rp.cancel()
	m.mu.Lock()
	if cur, ok := m.procs[rp.taskID]; ok && cur == rp {
		delete(m.procs, rp.taskID)
	}
	m.mu.Unlock()
	select {
	case <-rp.done:
	default:
		close(rp.done)
	}
}

// Stop cancels a running task process. It reports whether the task was
// running.
func (m *Manager) Stop(taskID string) bool {
	m.mu.Lock()
	rp, ok := m.procs[taskID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	rp.cancel()
	return true
}

// Running returns the task ids with a live process.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.procs))
	for id := range m.procs {
		out = append(out, id)
	}
	return out
}

// StopAll cancels every running process.
func (m *Manager) StopAll() {
	m.mu.Lock()
	procs := make([]*runningProcess, 0, len(m.procs))
	for _, rp := range m.procs {
		procs = append(procs, rp)
	}
	m.mu.Unlock()
	for _, rp := range procs {
		rp.cancel()
	}
}
