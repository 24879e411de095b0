package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskpilot/internal/persistence"
)

// Read-only REST surface sharing the event-feed listener. Task and
// project mutation stays with the local CLI.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if _, err := s.cfg.Store.TaskCounts(r.Context()); err != nil {
			dbOK = false
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	counts := map[string]int{}
	if s.cfg.Store != nil {
		if c, err := s.cfg.Store.TaskCounts(r.Context()); err == nil {
			counts = c
		}
	}
	s.mu.Lock()
	uptime := time.Since(s.startedAt)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"connections":    s.registry.Count(),
		"bridged_events": s.bridge.EventCount(),
		"bridge_active":  s.bridge.Active(),
		"task_counts":    counts,
		"config_hash":    s.cfg.ConfigFingerprint,
		"uptime_seconds": int64(uptime.Seconds()),
		"time_unix":      time.Now().Unix(),
	})
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": []any{}})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(),
		r.URL.Query().Get("project_id"),
		r.URL.Query().Get("status"),
		limit,
	)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	if s.cfg.Store == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAPIProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"projects": []any{}})
		return
	}
	projects, err := s.cfg.Store.ListProjects(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if projects == nil {
		projects = []persistence.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}
