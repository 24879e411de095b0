package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring task template fired by the cron scheduler.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	ProjectID string     `json:"project_id"`
	Title     string     `json:"title"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// InsertSchedule stores a schedule. The id is generated when empty.
func (s *Store) InsertSchedule(ctx context.Context, sched Schedule) (string, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, name, cron_expr, project_id, title, enabled, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.CronExpr, sched.ProjectID, sched.Title, sched.Enabled, sched.NextRunAt)
	if err != nil {
		return "", fmt.Errorf("insert schedule: %w", err)
	}
	return sched.ID, nil
}

// ListSchedules returns all schedules.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, project_id, title, enabled, last_run_at, next_run_at
		 FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.ProjectID, &sc.Title,
			&sc.Enabled, &sc.LastRunAt, &sc.NextRunAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DueSchedules returns enabled schedules whose next_run_at is unset or in
// the past.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, project_id, title, enabled, last_run_at, next_run_at
		 FROM schedules WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.ProjectID, &sc.Title,
			&sc.Enabled, &sc.LastRunAt, &sc.NextRunAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// MarkScheduleRun records a fire time and the next due time.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`, ranAt, nextRun, id)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnableSchedule toggles a schedule.
func (s *Store) EnableSchedule(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("enable schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// GetSchedule returns one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expr, project_id, title, enabled, last_run_at, next_run_at
		 FROM schedules WHERE id = ?`, id)
	var sc Schedule
	err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.ProjectID, &sc.Title,
		&sc.Enabled, &sc.LastRunAt, &sc.NextRunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &sc, nil
}
