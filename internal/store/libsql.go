package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/agentflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/agentflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Agents ---

// SaveAgent inserts or replaces an agent together with its steps and variables.
func (s *LibSQLStore) SaveAgent(ctx context.Context, agent *schema.Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agents (id, name, user_id, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, user_id=excluded.user_id,
		   description=excluded.description, updated_at=excluded.updated_at`,
		agent.ID, agent.Name, nullStr(agent.UserID), nullStr(agent.Description), timeOrNow(agent.CreatedAt), now,
	); err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_steps WHERE agent_id = ?`, agent.ID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	for i, st := range agent.Steps {
		cfg := string(st.Config)
		if len(st.Config) == 0 {
			cfg = "{}"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_steps (agent_id, id, name, type, config, step_order, position, next_on_success, next_on_failure)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agent.ID, st.ID, nullStr(st.Name), string(st.Type), cfg, st.Order, i,
			nullStr(st.NextOnSuccess), nullStr(st.NextOnFailure),
		); err != nil {
			return fmt.Errorf("insert step %q: %w", st.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_variables WHERE agent_id = ?`, agent.ID); err != nil {
		return fmt.Errorf("clear variables: %w", err)
	}
	for i, v := range agent.Variables {
		var def any
		if v.DefaultValue != nil {
			def = *v.DefaultValue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_variables (agent_id, name, default_value, description, position) VALUES (?, ?, ?, ?, ?)`,
			agent.ID, v.Name, def, nullStr(v.Description), i,
		); err != nil {
			return fmt.Errorf("insert variable %q: %w", v.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit agent: %w", err)
	}
	agent.UpdatedAt = now
	return nil
}

// GetAgentWithStepsAndVariables loads an agent and its full definition.
// Steps come back in declaration order.
func (s *LibSQLStore) GetAgentWithStepsAndVariables(ctx context.Context, id string) (*schema.Agent, error) {
	a := &schema.Agent{}
	var userID, desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, user_id, description, created_at, updated_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &userID, &desc, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	a.UserID = userID.String
	a.Description = desc.String

	if a.Steps, err = s.loadSteps(ctx, id); err != nil {
		return nil, err
	}
	if a.Variables, err = s.loadVariables(ctx, id); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *LibSQLStore) loadSteps(ctx context.Context, agentID string) ([]schema.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, config, step_order, next_on_success, next_on_failure
		 FROM agent_steps WHERE agent_id = ? ORDER BY position ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []schema.Step
	for rows.Next() {
		var st schema.Step
		var name, onSuccess, onFailure sql.NullString
		var stepType, cfg string
		if err := rows.Scan(&st.ID, &name, &stepType, &cfg, &st.Order, &onSuccess, &onFailure); err != nil {
			return nil, err
		}
		st.Name = name.String
		st.Type = schema.StepType(stepType)
		st.Config = json.RawMessage(cfg)
		st.NextOnSuccess = onSuccess.String
		st.NextOnFailure = onFailure.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *LibSQLStore) loadVariables(ctx context.Context, agentID string) ([]schema.Variable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, default_value, description FROM agent_variables WHERE agent_id = ? ORDER BY position ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vars []schema.Variable
	for rows.Next() {
		var v schema.Variable
		var def, desc sql.NullString
		if err := rows.Scan(&v.Name, &def, &desc); err != nil {
			return nil, err
		}
		if def.Valid {
			val := def.String
			v.DefaultValue = &val
		}
		v.Description = desc.String
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// ListAgents returns agent headers (without steps or variables).
func (s *LibSQLStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*schema.Agent, error) {
	query := `SELECT id, name, user_id, description, created_at, updated_at FROM agents`
	var args []any
	if filter.UserID != "" {
		query += " WHERE user_id = ?"
		args = append(args, filter.UserID)
	}
	query += " ORDER BY name ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*schema.Agent
	for rows.Next() {
		a := &schema.Agent{}
		var userID, desc sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &userID, &desc, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.UserID = userID.String
		a.Description = desc.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent; steps, variables and schedules cascade.
func (s *LibSQLStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "agent", id)
}

// --- Credentials ---

func (s *LibSQLStore) StoreCredential(ctx context.Context, agentID, name string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (agent_id, name, value, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(agent_id, name) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		agentID, name, value,
	)
	return err
}

func (s *LibSQLStore) GetCredential(ctx context.Context, agentID, name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE agent_id = ? AND name = ?`, agentID, name,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("credential", credentialKey(agentID, name))
	}
	return value, err
}

func (s *LibSQLStore) DeleteCredential(ctx context.Context, agentID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE agent_id = ? AND name = ?`, agentID, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "credential", credentialKey(agentID, name))
}

func (s *LibSQLStore) ListCredentials(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM credentials WHERE agent_id = ? ORDER BY name ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func credentialKey(agentID, name string) string {
	if agentID == "" {
		return name
	}
	return agentID + "/" + name
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func marshalSlice[T any](s []T) (string, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

func unmarshalOptional(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func whereClause(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}
