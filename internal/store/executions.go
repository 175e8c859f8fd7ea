package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendis/agentflow/pkg/schema"
)

// --- Executions ---

// CreateExecution inserts a new record. The record must be RUNNING.
func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error {
	if rec.Status != schema.ExecutionRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s must be created RUNNING, got %s", rec.ID, rec.Status)
	}
	input, err := marshalMapOrDefault(rec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	vars, err := marshalMapOrDefault(rec.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	rec.StartTime = timeOrNow(rec.StartTime)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, agent_id, user_id, status, input, variables, start_time, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		rec.ID, rec.AgentID, nullStr(rec.UserID), string(rec.Status), input, vars, rec.StartTime,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create execution %s: %s", rec.ID, err.Error()).WithCause(err)
	}
	return nil
}

// AppendStep records one executed step and the run state it produced, in a
// single transaction. Only RUNNING executions accept steps.
func (s *LibSQLStore) AppendStep(ctx context.Context, executionID string, step StepAppend) error {
	result, err := json.Marshal(step.Entry.StepResult)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	path, err := marshalSlice(step.Path)
	if err != nil {
		return fmt.Errorf("marshal path: %w", err)
	}
	vars, err := marshalMapOrDefault(step.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	errs, err := marshalSlice(step.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := requireRunning(ctx, tx, executionID); err != nil {
		return err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_steps WHERE execution_id = ?`, executionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next step sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_steps (execution_id, sequence, step_id, status, result) VALUES (?, ?, ?, ?, ?)`,
		executionID, seq, step.Entry.StepID, string(step.Entry.Status), string(result),
	); err != nil {
		return fmt.Errorf("insert step: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE executions SET execution_path = ?, variables = ?, errors = ?,
		   token_usage = token_usage + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		path, vars, errs, step.Entry.TokenUsage, executionID,
	); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

// FinalizeExecution moves a RUNNING execution to its terminal status.
// A second call fails with CONFLICT.
func (s *LibSQLStore) FinalizeExecution(ctx context.Context, executionID string, final ExecutionFinal) error {
	if !final.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot finalize execution %s as %s", executionID, final.Status)
	}

	if final.StatusOnly {
		res, err := s.db.ExecContext(ctx,
			`UPDATE executions SET status = ?, error_message = ?, error_code = ?, token_usage = ?,
			   end_time = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND status = ?`,
			string(final.Status), nullStr(final.ErrorMessage), nullStr(final.ErrorCode), final.TokenUsage,
			timeOrNow(final.EndTime), executionID, string(schema.ExecutionRunning),
		)
		if err != nil {
			return fmt.Errorf("finalize execution: %w", err)
		}
		return s.finalized(ctx, executionID, res)
	}

	var output any
	if final.Output != nil {
		b, err := json.Marshal(final.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		output = string(b)
	}
	path, err := marshalSlice(final.Path)
	if err != nil {
		return fmt.Errorf("marshal path: %w", err)
	}
	vars, err := marshalMapOrDefault(final.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	errs, err := marshalSlice(final.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, output = ?, execution_path = ?, variables = ?, errors = ?,
		   error_message = ?, error_code = ?, token_usage = ?, end_time = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		string(final.Status), output, path, vars, errs,
		nullStr(final.ErrorMessage), nullStr(final.ErrorCode), final.TokenUsage, timeOrNow(final.EndTime),
		executionID, string(schema.ExecutionRunning),
	)
	if err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	return s.finalized(ctx, executionID, res)
}

// finalized checks that a finalize UPDATE matched a RUNNING record.
func (s *LibSQLStore) finalized(ctx context.Context, executionID string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing record from one that is already terminal.
		if _, err := executionStatus(ctx, s.db, executionID); err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already finalized", executionID)
	}
	return nil
}

// GetExecution returns an execution record with its full step trace.
func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	if rec.StepResults, err = s.loadStepResults(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListExecutions returns execution headers, newest first. Step traces are not loaded.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Since != nil {
		where = append(where, "start_time >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions` + whereClause(where) + ` ORDER BY start_time DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*schema.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *LibSQLStore) loadStepResults(ctx context.Context, executionID string) ([]schema.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, result FROM execution_steps WHERE execution_id = ? ORDER BY sequence ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []schema.StepExecution{}
	for rows.Next() {
		var entry schema.StepExecution
		var raw string
		if err := rows.Scan(&entry.StepID, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &entry.StepResult); err != nil {
			return nil, fmt.Errorf("unmarshal step %s result: %w", entry.StepID, err)
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func executionStatus(ctx context.Context, q queryRower, id string) (schema.ExecutionStatus, error) {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storeNotFound("execution", id)
	}
	return schema.ExecutionStatus(status), err
}

func requireRunning(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return err
	}
	if schema.ExecutionStatus(status) != schema.ExecutionRunning {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is %s, not RUNNING", id, status)
	}
	return nil
}

const executionColumns = `id, agent_id, user_id, status, input, output, execution_path, variables, errors,
	error_message, error_code, token_usage, start_time, end_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*schema.ExecutionRecord, error) {
	rec := &schema.ExecutionRecord{}
	var (
		userID, output, errMsg, errCode sql.NullString
		input, path, vars, errs         sql.NullString
		endTime                         sql.NullTime
		status                          string
	)
	if err := row.Scan(&rec.ID, &rec.AgentID, &userID, &status, &input, &output, &path, &vars, &errs,
		&errMsg, &errCode, &rec.TokenUsage, &rec.StartTime, &endTime); err != nil {
		return nil, err
	}
	rec.UserID = userID.String
	rec.Status = schema.ExecutionStatus(status)
	rec.ErrorMessage = errMsg.String
	rec.ErrorCode = errCode.String
	if endTime.Valid {
		rec.EndTime = &endTime.Time
	}
	for _, f := range []struct {
		col sql.NullString
		dst any
	}{
		{input, &rec.Input},
		{output, &rec.Output},
		{path, &rec.ExecutionPath},
		{vars, &rec.Variables},
		{errs, &rec.Errors},
	} {
		if err := unmarshalOptional(f.col, f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal execution %s: %w", rec.ID, err)
		}
	}
	if rec.ExecutionPath == nil {
		rec.ExecutionPath = []string{}
	}
	return rec, nil
}
