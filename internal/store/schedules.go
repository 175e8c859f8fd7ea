package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	input, err := marshalMapOrDefault(sched.Input)
	if err != nil {
		return fmt.Errorf("marshal schedule input: %w", err)
	}
	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, agent_id, cron_expression, input, user_id, enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.AgentID, sched.CronExpression, input, nullStr(sched.UserID), sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus),
		nullStr(sched.LastExecutionID), sched.CreatedAt,
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "foreign key") {
		return storeNotFound("agent", sched.AgentID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastExecutionID != "" {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, update.LastExecutionID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules` + whereClause(where) + ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

const scheduleColumns = `id, agent_id, cron_expression, input, user_id, enabled, last_run_at, next_run_at,
	last_run_status, last_execution_id, created_at`

func scanSchedule(row rowScanner) (*Schedule, error) {
	sched := &Schedule{}
	var (
		input, userID, lastStatus, lastExec sql.NullString
		lastRun, nextRun                    sql.NullTime
	)
	if err := row.Scan(&sched.ID, &sched.AgentID, &sched.CronExpression, &input, &userID, &sched.Enabled,
		&lastRun, &nextRun, &lastStatus, &lastExec, &sched.CreatedAt); err != nil {
		return nil, err
	}
	sched.UserID = userID.String
	sched.LastRunStatus = lastStatus.String
	sched.LastExecutionID = lastExec.String
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	if err := unmarshalOptional(input, &sched.Input); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal schedule %s input: %s", sched.ID, err.Error()).WithCause(err)
	}
	return sched, nil
}
