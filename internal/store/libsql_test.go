package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func strPtr(s string) *string { return &s }

func seedAgent(t *testing.T, s *LibSQLStore) *schema.Agent {
	t.Helper()
	a := &schema.Agent{
		ID:     uuid.New().String(),
		Name:   "weather-report",
		UserID: "user-1",
		Steps: []schema.Step{
			{ID: "fetch", Type: schema.StepTypeAPICall, Order: 1, NextOnFailure: "notify",
				Config: json.RawMessage(`{"endpoint":"https://api.test","method":"GET","outputVariable":"weather"}`)},
			{ID: "notify", Type: schema.StepTypeSetVariable, Order: 2,
				Config: json.RawMessage(`{"variable":"msg","value":"down"}`)},
		},
		Variables: []schema.Variable{
			{Name: "city", DefaultValue: strPtr("Lima"), Description: "target city"},
			{Name: "weather"},
		},
	}
	require.NoError(t, s.SaveAgent(context.Background(), a))
	return a
}

func notFoundCode(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok, "expected FlowError, got %T", err)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

// --- Migrations ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSplitStatements_SkipsComments(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n-- only a comment\n;\nCREATE TABLE b (y INT);")
	assert.Len(t, stmts, 2)

	stmts = splitStatements("-- note; not a statement\nCREATE TABLE c (z INT);")
	assert.Equal(t, []string{"CREATE TABLE c (z INT)"}, stmts)
}

func TestLoadMigrationsOrdered(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].Version, ms[i].Version)
	}
}

// --- Agents ---

func TestSaveAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	a := seedAgent(t, s)

	got, err := s.GetAgentWithStepsAndVariables(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "weather-report", got.Name)
	assert.Equal(t, "user-1", got.UserID)

	require.Len(t, got.Steps, 2)
	assert.Equal(t, "fetch", got.Steps[0].ID)
	assert.Equal(t, schema.StepTypeAPICall, got.Steps[0].Type)
	assert.Equal(t, "notify", got.Steps[0].NextOnFailure)
	assert.JSONEq(t, string(a.Steps[0].Config), string(got.Steps[0].Config))

	require.Len(t, got.Variables, 2)
	require.NotNil(t, got.Variables[0].DefaultValue)
	assert.Equal(t, "Lima", *got.Variables[0].DefaultValue)
	assert.Nil(t, got.Variables[1].DefaultValue)
}

func TestSaveAgent_ReplacesSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)

	a.Steps = a.Steps[:1]
	a.Variables = nil
	require.NoError(t, s.SaveAgent(ctx, a))

	got, err := s.GetAgentWithStepsAndVariables(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)
	assert.Empty(t, got.Variables)
}

func TestGetAgent_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgentWithStepsAndVariables(context.Background(), "nope")
	notFoundCode(t, err)
}

func TestListAndDeleteAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)
	seedAgent(t, s)

	all, err := s.ListAgents(ctx, AgentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := s.ListAgents(ctx, AgentFilter{UserID: "user-1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, s.DeleteAgent(ctx, a.ID))
	notFoundCode(t, s.DeleteAgent(ctx, a.ID))
}

// --- Credentials ---

func TestCredentials_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreCredential(ctx, "a1", "API_KEY", []byte("v1")))
	require.NoError(t, s.StoreCredential(ctx, "a1", "API_KEY", []byte("v2")))
	require.NoError(t, s.StoreCredential(ctx, "", "SHARED", []byte("s")))

	val, err := s.GetCredential(ctx, "a1", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)

	names, err := s.ListCredentials(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY"}, names)

	_, err = s.GetCredential(ctx, "a1", "SHARED")
	notFoundCode(t, err)

	require.NoError(t, s.DeleteCredential(ctx, "a1", "API_KEY"))
	notFoundCode(t, s.DeleteCredential(ctx, "a1", "API_KEY"))
}

// --- Schedules ---

func TestSchedules_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	sched := &Schedule{
		ID:             uuid.New().String(),
		AgentID:        a.ID,
		CronExpression: "*/5 * * * *",
		Input:          map[string]any{"city": "Quito"},
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", got.CronExpression)
	assert.Equal(t, "Quito", got.Input["city"])
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt))

	disabled := false
	require.NoError(t, s.UpdateSchedule(ctx, sched.ID, ScheduleUpdate{
		Enabled: &disabled, LastRunStatus: "COMPLETED", LastExecutionID: "exec-1",
	}))

	enabled := true
	list, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListSchedules(ctx, ScheduleFilter{AgentID: a.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "exec-1", list[0].LastExecutionID)

	require.NoError(t, s.DeleteSchedule(ctx, sched.ID))
	_, err = s.GetSchedule(ctx, sched.ID)
	notFoundCode(t, err)
}

func TestSchedules_UnknownAgent(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateSchedule(context.Background(), &Schedule{
		ID: uuid.New().String(), AgentID: "ghost", CronExpression: "* * * * *", Enabled: true,
	})
	require.Error(t, err)
}

func TestSchedules_AgentDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, s)
	require.NoError(t, s.CreateSchedule(ctx, &Schedule{
		ID: uuid.New().String(), AgentID: a.ID, CronExpression: "0 * * * *", Enabled: true,
	}))

	require.NoError(t, s.DeleteAgent(ctx, a.ID))
	list, err := s.ListSchedules(ctx, ScheduleFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}
