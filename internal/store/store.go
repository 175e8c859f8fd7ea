package store

import (
	"context"

	"github.com/rendis/agentflow/pkg/schema"
)

// AgentStore persists agent definitions.
type AgentStore interface {
	SaveAgent(ctx context.Context, agent *schema.Agent) error
	GetAgentWithStepsAndVariables(ctx context.Context, id string) (*schema.Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*schema.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

// ExecutionStore persists execution records incrementally. Every call commits
// before returning so a crash leaves the last appended step inspectable.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error
	AppendStep(ctx context.Context, executionID string, step StepAppend) error
	FinalizeExecution(ctx context.Context, executionID string, final ExecutionFinal) error
	GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error)
}

// EventStore is the append-only execution event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)
}

// CredentialStore holds encrypted credential blobs. Values are opaque here;
// encryption is the caller's job.
type CredentialStore interface {
	StoreCredential(ctx context.Context, agentID, name string, value []byte) error
	GetCredential(ctx context.Context, agentID, name string) ([]byte, error)
	DeleteCredential(ctx context.Context, agentID, name string) error
	ListCredentials(ctx context.Context, agentID string) ([]string, error)
}

// ScheduleStore persists cron schedules of agent runs.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	AgentStore
	ExecutionStore
	EventStore
	CredentialStore
	ScheduleStore

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
